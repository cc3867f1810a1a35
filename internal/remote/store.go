// Package remote defines the boundary to the remote content store. The
// engine only needs versioned read/write and listing; everything else about
// the host API stays outside.
package remote

import (
	"context"

	"github.com/datocms/commentsync/internal/comments"
)

// Store is the remote-store collaborator. WriteVersioned must reject a
// write whose version token no longer matches the store's current one with
// a comments.ConflictError carrying the current token; the engine treats
// every other failure as non-retryable for the conflict path.
type Store interface {
	ReadVersioned(ctx context.Context, key comments.ThreadKey) (comments.VersionedPayload, error)
	WriteVersioned(ctx context.Context, key comments.ThreadKey, version string, data comments.ThreadData) (comments.VersionedPayload, error)
	List(ctx context.Context, key comments.ThreadKey, page int) ([]comments.Comment, error)
}
