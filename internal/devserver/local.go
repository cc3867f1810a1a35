package devserver

import (
	"context"
	"sync"

	"github.com/datocms/commentsync/internal/comments"
	"github.com/datocms/commentsync/internal/remote"
	"github.com/datocms/commentsync/internal/subscription"
)

// LocalTransport delivers change notifications straight from a MemoryStore,
// bypassing HTTP. Used when engine and dev server share a process, and by
// the store tests.
type LocalTransport struct {
	store *remote.MemoryStore
}

// NewLocalTransport wires a transport to store's write notifications.
func NewLocalTransport(store *remote.MemoryStore) *LocalTransport {
	return &LocalTransport{store: store}
}

// Subscribe attaches to the store's change feed for key.
func (t *LocalTransport) Subscribe(ctx context.Context, key comments.ThreadKey) (subscription.Subscription, error) {
	changes, cancel := t.store.Subscribe(key)

	sub := &localSubscription{
		changes:  changes,
		cancel:   cancel,
		statuses: make(chan subscription.Status, 1),
	}
	sub.statuses <- subscription.StatusOpen

	return sub, nil
}

type localSubscription struct {
	changes  <-chan struct{}
	cancel   func()
	statuses chan subscription.Status
	once     sync.Once
}

func (s *localSubscription) Statuses() <-chan subscription.Status { return s.statuses }
func (s *localSubscription) Changes() <-chan struct{}             { return s.changes }

func (s *localSubscription) Close() {
	s.once.Do(s.cancel)
}
