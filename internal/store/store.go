// Package store composes the operation queue, the subscription manager and
// the mention parser into the observable per-thread state that presentation
// layers read: the comment list, retry feedback and live-update status.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/datocms/commentsync/internal/comments"
	"github.com/datocms/commentsync/internal/mention"
	"github.com/datocms/commentsync/internal/queue"
	"github.com/datocms/commentsync/internal/remote"
	"github.com/datocms/commentsync/internal/subscription"
)

// Snapshot is the consumer-facing view of one thread.
type Snapshot struct {
	Comments           []comments.Comment
	Retry              comments.RetryState
	SubscriptionStatus subscription.Status
}

// Store is one explicitly constructed engine instance: it owns its queue
// and subscription state and is passed by reference to consumers. There is
// no process-wide shared instance.
type Store struct {
	remote remote.Store
	queue  *queue.Queue
	subs   *subscription.Manager
	log    zerolog.Logger

	mu      sync.Mutex
	threads map[string]*threadState
}

type threadState struct {
	key      comments.ThreadKey
	comments []comments.Comment
	pending  map[string]comments.Comment
	deleted  map[string]bool
	retry    comments.RetryState
	status   subscription.Status
	inflight int
	watchers []chan Snapshot
}

// New builds an engine instance over the given remote store and live-update
// transport. transport may be nil; the subscription status then stays
// Closed and consumers poll via Refresh.
func New(remoteStore remote.Store, transport subscription.Transport, qcfg queue.Config, log zerolog.Logger) *Store {
	s := &Store{
		remote:  remoteStore,
		log:     log,
		threads: make(map[string]*threadState),
	}

	qcfg.Notify = s.onRetryState
	s.queue = queue.New(remoteStore, qcfg, log)

	s.subs = subscription.NewManager(transport, s.refetch, log)
	s.subs.SetStatusListener(s.onStatus)

	return s
}

// Open starts observing a thread: it subscribes for live updates and loads
// the current remote state. Callers must pair it with Close.
func (s *Store) Open(ctx context.Context, key comments.ThreadKey) error {
	s.mu.Lock()
	s.ensureThread(key)
	s.mu.Unlock()

	s.subs.Open(key)

	payload, err := s.remote.ReadVersioned(ctx, key)
	if err != nil {
		return err
	}
	s.applyRemote(key, payload.Data.Comments)
	return nil
}

// Close stops observing a thread and releases its live channel. Cached
// state survives so a reopened thread renders immediately.
func (s *Store) Close(key comments.ThreadKey) {
	s.subs.Close(key)
}

// Shutdown releases every thread and stops the queue.
func (s *Store) Shutdown() {
	s.subs.Shutdown()
	s.queue.Close()
}

// CreateComment parses composer text, rejects empty submissions before the
// queue is touched, shows the comment optimistically and submits the write.
// On failure the built comment is returned alongside the error so the
// caller can preserve the user's content.
func (s *Store) CreateComment(ctx context.Context, key comments.ThreadKey, authorID, text string, candidates mention.Candidates) (comments.Comment, error) {
	segments := mention.Parse(text, candidates)
	if mention.IsComposerEmpty(segments) {
		return comments.Comment{}, comments.ErrEmptyComposer
	}

	now := time.Now().UTC()
	c := comments.Comment{
		ID:        uuid.NewString(),
		Key:       key,
		AuthorID:  authorID,
		Segments:  segments,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.stagePending(key, c)
	payload, err := s.submit(ctx, key, func(cur comments.ThreadData) (comments.ThreadData, error) {
		cur.Comments = upsert(cur.Comments, c)
		return cur, nil
	})
	s.resolvePending(key, c.ID, payload, err)
	if err != nil {
		return c, err
	}
	return c, nil
}

// UpdateComment replaces the body of an existing comment.
func (s *Store) UpdateComment(ctx context.Context, key comments.ThreadKey, commentID, text string, candidates mention.Candidates) (comments.Comment, error) {
	segments := mention.Parse(text, candidates)
	if mention.IsComposerEmpty(segments) {
		return comments.Comment{}, comments.ErrEmptyComposer
	}

	s.mu.Lock()
	t := s.ensureThread(key)
	existing, ok := findComment(t.comments, commentID)
	s.mu.Unlock()
	if !ok {
		return comments.Comment{}, &comments.ValidationError{Reason: "comment not found"}
	}

	updated := existing
	updated.Segments = segments
	updated.UpdatedAt = time.Now().UTC()

	s.stagePending(key, updated)
	payload, err := s.submit(ctx, key, func(cur comments.ThreadData) (comments.ThreadData, error) {
		target, ok := findComment(cur.Comments, commentID)
		if !ok {
			return cur, &comments.ValidationError{Reason: "comment not found"}
		}
		target.Segments = segments
		target.UpdatedAt = updated.UpdatedAt
		cur.Comments = upsert(cur.Comments, target)
		return cur, nil
	})
	s.resolvePending(key, commentID, payload, err)
	if err != nil {
		return updated, err
	}
	return updated, nil
}

// DeleteComment removes a comment. Deleting a comment that is already gone
// succeeds: the merge is idempotent.
func (s *Store) DeleteComment(ctx context.Context, key comments.ThreadKey, commentID string) error {
	s.mu.Lock()
	t := s.ensureThread(key)
	t.deleted[commentID] = true
	s.mu.Unlock()
	s.publish(key)

	payload, err := s.submit(ctx, key, func(cur comments.ThreadData) (comments.ThreadData, error) {
		kept := cur.Comments[:0]
		for _, c := range cur.Comments {
			if c.ID != commentID {
				kept = append(kept, c)
			}
		}
		cur.Comments = kept
		return cur, nil
	})

	s.mu.Lock()
	delete(t.deleted, commentID)
	if err == nil {
		t.comments = append([]comments.Comment(nil), payload.Data.Comments...)
	}
	s.mu.Unlock()
	s.publish(key)
	return err
}

// Refresh is the polling entry point for consumers: it funnels through the
// same cooldown gate as live change notifications and reports whether a
// refetch was actually issued.
func (s *Store) Refresh(key comments.ThreadKey) bool {
	return s.subs.RequestRefresh(key)
}

// Snapshot returns the current observable state for a thread.
func (s *Store) Snapshot(key comments.ThreadKey) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(s.ensureThread(key))
}

// Watch returns a channel of snapshots for a thread. Slow consumers only
// ever see the latest state; intermediate snapshots are coalesced. The
// cancel func must be called when the consumer stops observing.
func (s *Store) Watch(key comments.ThreadKey) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.mu.Lock()
	t := s.ensureThread(key)
	t.watchers = append(t.watchers, ch)
	ch <- s.snapshotLocked(t)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range t.watchers {
			if w == ch {
				t.watchers = append(t.watchers[:i], t.watchers[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// submit tracks the in-flight counter around a queue submission so that
// subscription-triggered refetches never overwrite a thread with a local
// write in progress.
func (s *Store) submit(ctx context.Context, key comments.ThreadKey, mutate queue.Mutate) (comments.VersionedPayload, error) {
	s.mu.Lock()
	s.ensureThread(key).inflight++
	s.mu.Unlock()

	payload, err := s.queue.Submit(ctx, key, mutate)

	s.mu.Lock()
	s.ensureThread(key).inflight--
	s.mu.Unlock()

	return payload, err
}

// refetch pulls authoritative state for a key. Invoked by the subscription
// manager behind its cooldown gate.
func (s *Store) refetch(key comments.ThreadKey) {
	s.mu.Lock()
	busy := s.ensureThread(key).inflight > 0
	s.mu.Unlock()
	if busy {
		// The queue's serialization is authoritative while a local write is
		// in flight; the write's resolution will carry the fresh state.
		s.log.Debug().Str("thread", key.String()).Msg("Skipping refetch, local write in flight")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload, err := s.remote.ReadVersioned(ctx, key)
	if err != nil {
		s.log.Warn().Str("thread", key.String()).Err(err).Msg("Refetch failed")
		return
	}
	s.applyRemote(key, payload.Data.Comments)
}

func (s *Store) applyRemote(key comments.ThreadKey, remoteComments []comments.Comment) {
	s.mu.Lock()
	t := s.ensureThread(key)
	t.comments = append([]comments.Comment(nil), remoteComments...)
	s.mu.Unlock()
	s.publish(key)
}

func (s *Store) stagePending(key comments.ThreadKey, c comments.Comment) {
	s.mu.Lock()
	s.ensureThread(key).pending[c.ID] = c
	s.mu.Unlock()
	s.publish(key)
}

// resolvePending reconciles an optimistic entry once its queue operation
// settled: on success the authoritative payload replaces local state, on
// failure the optimistic entry is rolled back.
func (s *Store) resolvePending(key comments.ThreadKey, commentID string, payload comments.VersionedPayload, err error) {
	s.mu.Lock()
	t := s.ensureThread(key)
	delete(t.pending, commentID)
	if err == nil {
		t.comments = append([]comments.Comment(nil), payload.Data.Comments...)
	}
	s.mu.Unlock()
	s.publish(key)
}

func (s *Store) onRetryState(key comments.ThreadKey, state comments.RetryState) {
	s.mu.Lock()
	s.ensureThread(key).retry = state
	s.mu.Unlock()
	s.publish(key)
}

func (s *Store) onStatus(key comments.ThreadKey, status subscription.Status) {
	s.mu.Lock()
	s.ensureThread(key).status = status
	s.mu.Unlock()
	s.publish(key)
}

// publish pushes a fresh snapshot to every watcher of key, replacing any
// snapshot they have not consumed yet.
func (s *Store) publish(key comments.ThreadKey) {
	s.mu.Lock()
	t := s.ensureThread(key)
	snap := s.snapshotLocked(t)
	watchers := append([]chan Snapshot(nil), t.watchers...)
	s.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (s *Store) ensureThread(key comments.ThreadKey) *threadState {
	t, ok := s.threads[key.String()]
	if !ok {
		t = &threadState{
			key:     key,
			pending: make(map[string]comments.Comment),
			deleted: make(map[string]bool),
			status:  subscription.StatusClosed,
		}
		s.threads[key.String()] = t
	}
	return t
}

// snapshotLocked merges authoritative and optimistic state. Callers hold
// s.mu.
func (s *Store) snapshotLocked(t *threadState) Snapshot {
	merged := make([]comments.Comment, 0, len(t.comments)+len(t.pending))
	seen := make(map[string]bool, len(t.comments))

	for _, c := range t.comments {
		if t.deleted[c.ID] {
			continue
		}
		if p, ok := t.pending[c.ID]; ok {
			c = p
		}
		seen[c.ID] = true
		merged = append(merged, c)
	}
	for _, p := range t.pending {
		if !seen[p.ID] && !t.deleted[p.ID] {
			merged = append(merged, p)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})

	return Snapshot{
		Comments:           merged,
		Retry:              t.retry,
		SubscriptionStatus: t.status,
	}
}

func findComment(list []comments.Comment, id string) (comments.Comment, bool) {
	for _, c := range list {
		if c.ID == id {
			return c, true
		}
	}
	return comments.Comment{}, false
}

// upsert replaces an existing comment with the same id or appends. Keeps
// reapplied mutations idempotent across conflict retries.
func upsert(list []comments.Comment, c comments.Comment) []comments.Comment {
	for i, existing := range list {
		if existing.ID == c.ID {
			list[i] = c
			return list
		}
	}
	return append(list, c)
}
