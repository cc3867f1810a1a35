package comments

import (
	"fmt"
	"time"

	"github.com/datocms/commentsync/internal/mention"
)

// Sentinel pair identifying the project-wide comment channel.
const (
	GlobalModelID  = "__global__"
	GlobalRecordID = "__project__"
)

// ThreadKey identifies a comment collection: either a (model, record) pair
// or the fixed project-wide pair. All mutations for a given key are totally
// ordered by the operation queue.
type ThreadKey struct {
	ModelID  string `json:"model_id"`
	RecordID string `json:"record_id"`
}

// ProjectThread returns the key of the project-wide comment channel.
func ProjectThread() ThreadKey {
	return ThreadKey{ModelID: GlobalModelID, RecordID: GlobalRecordID}
}

// IsProject reports whether the key addresses the project-wide channel.
func (k ThreadKey) IsProject() bool {
	return k.ModelID == GlobalModelID && k.RecordID == GlobalRecordID
}

func (k ThreadKey) String() string {
	return fmt.Sprintf("%s/%s", k.ModelID, k.RecordID)
}

// Comment is a single threaded comment. The ID is assigned when the comment
// is first written and is immutable thereafter.
type Comment struct {
	ID        string            `json:"id"`
	Key       ThreadKey         `json:"thread_key"`
	AuthorID  string            `json:"author_id"`
	Segments  []mention.Segment `json:"segments"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ThreadData is the typed payload stored per thread key on the remote
// store. Mutations operate on this type, never on raw JSON.
type ThreadData struct {
	Comments []Comment `json:"comments"`
}

// Clone returns a deep-enough copy for mutation: the comment slice is
// copied so a mutation never aliases the payload it was derived from.
func (d ThreadData) Clone() ThreadData {
	out := ThreadData{Comments: make([]Comment, len(d.Comments))}
	copy(out.Comments, d.Comments)
	return out
}

// VersionedPayload pairs thread data with the opaque version token the
// remote store returned for it. A write succeeds only when the supplied
// token matches the store's current one.
type VersionedPayload struct {
	Data    ThreadData `json:"data"`
	Version string     `json:"version"`
}

// RetryState describes an in-flight operation's retry progress. It is
// surfaced to observers for UI feedback only and is never persisted.
type RetryState struct {
	IsRetrying bool   `json:"is_retrying"`
	RetryCount int    `json:"retry_count"`
	Message    string `json:"message"`
}
