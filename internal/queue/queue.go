// Package queue serializes comment mutations against the remote store. It
// guarantees at most one in-flight write per thread key, strict FIFO order
// for operations on the same key, and transparent retry of optimistic
// concurrency conflicts under exponential backoff.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/datocms/commentsync/internal/backoff"
	"github.com/datocms/commentsync/internal/comments"
	"github.com/datocms/commentsync/internal/remote"
)

// Hard stop conditions for the conflict-retry loop, whichever triggers
// first. Fixed, not user-editable at runtime.
const (
	MaxAttempts = 15
	MaxDuration = 120 * time.Second
)

// ErrClosed fails operations still pending when the queue shuts down.
var ErrClosed = errors.New("operation queue closed")

// Mutate transforms the current thread payload into the next one. It must
// be a pure function of its input: the queue re-invokes it against a fresh
// read after every version conflict.
type Mutate func(current comments.ThreadData) (comments.ThreadData, error)

// Config tunes the retry loop. The zero value selects production behavior;
// tests shrink the ceilings.
type Config struct {
	MaxAttempts int
	MaxDuration time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Jitter      bool

	// Notify, when set, receives retry-state updates for UI feedback.
	Notify func(key comments.ThreadKey, state comments.RetryState)
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = MaxAttempts
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = MaxDuration
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = backoff.DefaultBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = backoff.DefaultMax
	}
	return c
}

// Queue is the per-thread-key operation serializer.
type Queue struct {
	store remote.Store
	cfg   Config
	log   zerolog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	stop    chan struct{}
}

type worker struct {
	key     comments.ThreadKey
	pending []*operation
	kick    chan struct{}
}

type operation struct {
	ctx    context.Context
	mutate Mutate
	done   chan result
}

type result struct {
	payload comments.VersionedPayload
	err     error
}

// New creates a queue writing through store.
func New(store remote.Store, cfg Config, log zerolog.Logger) *Queue {
	return &Queue{
		store:   store,
		cfg:     cfg.withDefaults(),
		log:     log,
		workers: make(map[string]*worker),
		stop:    make(chan struct{}),
	}
}

// Submit enqueues a mutation for key behind any in-flight operation on the
// same key and waits for it to resolve. Operations on different keys
// proceed independently. If ctx is cancelled while waiting, Submit returns
// the context error but a write already sent to the remote store is not
// rolled back.
func (q *Queue) Submit(ctx context.Context, key comments.ThreadKey, mutate Mutate) (comments.VersionedPayload, error) {
	if mutate == nil {
		return comments.VersionedPayload{}, &comments.ValidationError{Reason: "nil mutation"}
	}

	op := &operation{ctx: ctx, mutate: mutate, done: make(chan result, 1)}

	q.mu.Lock()
	select {
	case <-q.stop:
		q.mu.Unlock()
		return comments.VersionedPayload{}, ErrClosed
	default:
	}
	w, ok := q.workers[key.String()]
	if !ok {
		w = &worker{key: key, kick: make(chan struct{}, 1)}
		q.workers[key.String()] = w
		go q.runWorker(w)
	}
	w.pending = append(w.pending, op)
	q.mu.Unlock()

	select {
	case w.kick <- struct{}{}:
	default:
	}

	select {
	case res := <-op.done:
		return res.payload, res.err
	case <-ctx.Done():
		// Stop waiting, not undo: the worker still completes the operation.
		return comments.VersionedPayload{}, ctx.Err()
	}
}

// Close shuts the queue down. Operations not yet started fail with
// ErrClosed; the operation currently writing runs to completion.
func (q *Queue) Close() {
	q.mu.Lock()
	select {
	case <-q.stop:
	default:
		close(q.stop)
	}
	q.mu.Unlock()
}

func (q *Queue) runWorker(w *worker) {
	for {
		q.mu.Lock()
		var op *operation
		if len(w.pending) > 0 {
			op = w.pending[0]
			w.pending = w.pending[1:]
		}
		q.mu.Unlock()

		if op == nil {
			select {
			case <-w.kick:
				continue
			case <-q.stop:
				q.failPending(w)
				return
			}
		}

		select {
		case <-q.stop:
			op.done <- result{err: ErrClosed}
			q.failPending(w)
			return
		default:
		}

		op.done <- q.execute(w.key, op)
	}
}

func (q *Queue) failPending(w *worker) {
	q.mu.Lock()
	pending := w.pending
	w.pending = nil
	q.mu.Unlock()
	for _, op := range pending {
		op.done <- result{err: ErrClosed}
	}
}

// execute runs the read-mutate-write loop for one operation, resolving
// version conflicts by re-reading and reapplying under backoff until it
// wins, exhausts its attempt budget, or runs past the wall time ceiling.
func (q *Queue) execute(key comments.ThreadKey, op *operation) result {
	start := time.Now()
	retries := 0

	for {
		if err := op.ctx.Err(); err != nil {
			return result{err: err}
		}

		payload, err := q.store.ReadVersioned(op.ctx, key)
		if err != nil {
			q.notify(key, comments.RetryState{Message: comments.UserMessage(err)})
			return result{err: err}
		}

		next, err := op.mutate(payload.Data.Clone())
		if err != nil {
			return result{err: err}
		}

		written, err := q.store.WriteVersioned(op.ctx, key, payload.Version, next)
		if err == nil {
			q.notify(key, comments.RetryState{})
			if retries > 0 {
				q.log.Debug().
					Str("thread", key.String()).
					Int("retries", retries).
					Dur("elapsed", time.Since(start)).
					Msg("Write succeeded after conflict retries")
			}
			return result{payload: written}
		}

		var conflict *comments.ConflictError
		if !errors.As(err, &conflict) {
			q.notify(key, comments.RetryState{Message: comments.UserMessage(err)})
			return result{err: err}
		}

		retries++
		if retries >= q.cfg.MaxAttempts {
			q.log.Warn().
				Str("thread", key.String()).
				Int("attempts", retries).
				Msg("Giving up after repeated version conflicts")
			q.notify(key, comments.RetryState{RetryCount: retries, Message: comments.MsgSaveFailed})
			return result{err: &comments.MaxRetriesError{Attempts: retries}}
		}
		if elapsed := time.Since(start); elapsed >= q.cfg.MaxDuration {
			q.notify(key, comments.RetryState{RetryCount: retries, Message: comments.MsgSaveFailed})
			return result{err: &comments.TimeoutError{Elapsed: elapsed}}
		}

		q.notify(key, comments.RetryState{
			IsRetrying: true,
			RetryCount: retries,
			Message:    comments.MsgRetrying,
		})

		delay := backoff.Delay(retries, q.cfg.BackoffBase, q.cfg.BackoffMax, q.cfg.Jitter)
		q.log.Debug().
			Str("thread", key.String()).
			Int("attempt", retries).
			Dur("delay", delay).
			Str("current_version", conflict.CurrentVersion).
			Msg("Version conflict, backing off before retry")

		select {
		case <-op.ctx.Done():
			return result{err: op.ctx.Err()}
		case <-time.After(delay):
		}
	}
}

func (q *Queue) notify(key comments.ThreadKey, state comments.RetryState) {
	if q.cfg.Notify != nil {
		q.cfg.Notify(key, state)
	}
}
