// Package subscription tracks live-update availability per thread key and
// forwards change notifications to the comment store's refetch callback.
// It never merges data itself; when live updates stay unavailable the
// consumer falls back to fixed-interval polling through the same refetch
// entry point.
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/datocms/commentsync/internal/backoff"
	"github.com/datocms/commentsync/internal/comments"
)

// Status is the per-key connection state of the live-update channel.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
)

const (
	// PollingInterval is the fixed cadence consumers should poll at when
	// live updates are unavailable. Polling itself lives in the consumer.
	PollingInterval = 30 * time.Second

	// SyncCooldown is the minimum spacing between two externally triggered
	// refetches for the same key.
	SyncCooldown = 8 * time.Second

	// reconnect backoff bounds for a lost live channel
	reconnectBase = 500 * time.Millisecond
	reconnectMax  = 15 * time.Second
)

// Subscription is one live channel for a thread key. Statuses and changes
// end (channels close) when the underlying channel is lost.
type Subscription interface {
	Statuses() <-chan Status
	Changes() <-chan struct{}
	Close()
}

// Transport establishes live channels. The engine makes no assumption
// about what carries them (socket, server push, in-process fanout).
type Transport interface {
	Subscribe(ctx context.Context, key comments.ThreadKey) (Subscription, error)
}

// Manager owns the status state machine for every observed thread key.
type Manager struct {
	transport Transport
	onChange  func(key comments.ThreadKey)
	cooldown  time.Duration
	log       zerolog.Logger

	mu       sync.Mutex
	statuses map[string]Status
	limiters map[string]*rate.Limiter
	cancels  map[string]context.CancelFunc
	onStatus func(key comments.ThreadKey, status Status)
	wg       sync.WaitGroup
}

// NewManager creates a manager that invokes onChange (the store's refetch)
// whenever an open channel reports a remote change, subject to the per-key
// cooldown. transport may be nil, in which case every key reads as Closed
// and consumers are expected to poll.
func NewManager(transport Transport, onChange func(key comments.ThreadKey), log zerolog.Logger) *Manager {
	return &Manager{
		transport: transport,
		onChange:  onChange,
		cooldown:  SyncCooldown,
		log:       log,
		statuses:  make(map[string]Status),
		limiters:  make(map[string]*rate.Limiter),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// SetCooldown overrides the refetch cooldown. Used by tests.
func (m *Manager) SetCooldown(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldown = d
}

// SetStatusListener registers a callback invoked on every status
// transition. Must be called before Open.
func (m *Manager) SetStatusListener(fn func(key comments.ThreadKey, status Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = fn
}

// Status returns the current connection status for key. Keys never opened
// (and all keys when no transport is configured) read as Closed.
func (m *Manager) Status(key comments.ThreadKey) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.statuses[key.String()]; ok {
		return s
	}
	return StatusClosed
}

// Open starts observing key: the status moves to Connecting and a goroutine
// maintains the live channel, reconnecting with backoff when it drops.
// Calling Open for an already-open key is a no-op.
func (m *Manager) Open(key comments.ThreadKey) {
	m.mu.Lock()
	if _, ok := m.cancels[key.String()]; ok {
		m.mu.Unlock()
		return
	}
	if m.transport == nil {
		m.mu.Unlock()
		m.setStatus(key, StatusClosed)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancels[key.String()] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.maintain(ctx, key)
}

// Close stops observing key and releases the live channel. Safe to call on
// all exit paths; idempotent.
func (m *Manager) Close(key comments.ThreadKey) {
	m.mu.Lock()
	cancel, ok := m.cancels[key.String()]
	if ok {
		delete(m.cancels, key.String())
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Shutdown closes every observed key and waits for their goroutines.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.cancels))
	for k, cancel := range m.cancels {
		cancels = append(cancels, cancel)
		delete(m.cancels, k)
	}
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	m.wg.Wait()
}

// RequestRefresh asks for a refetch of key, returning false when the call
// is still inside the cooldown window. Both live change notifications and
// consumer-driven polling funnel through this gate.
func (m *Manager) RequestRefresh(key comments.ThreadKey) bool {
	m.mu.Lock()
	limiter, ok := m.limiters[key.String()]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(m.cooldown), 1)
		m.limiters[key.String()] = limiter
	}
	m.mu.Unlock()

	if !limiter.Allow() {
		m.log.Debug().Str("thread", key.String()).Msg("Refresh suppressed by cooldown")
		return false
	}
	if m.onChange != nil {
		m.onChange(key)
	}
	return true
}

// maintain runs the connection loop for one key until its context is
// cancelled: Connecting -> Open -> Closed, then back to Connecting after a
// backoff when the channel drops.
func (m *Manager) maintain(ctx context.Context, key comments.ThreadKey) {
	defer m.wg.Done()
	defer m.setStatus(key, StatusClosed)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		m.setStatus(key, StatusConnecting)
		sub, err := m.transport.Subscribe(ctx, key)
		if err != nil {
			m.log.Debug().Str("thread", key.String()).Err(err).Msg("Live channel unavailable")
			m.setStatus(key, StatusClosed)
			if !m.waitReconnect(ctx, &attempt) {
				return
			}
			continue
		}

		attempt = 0
		if !m.consume(ctx, key, sub) {
			return
		}

		m.setStatus(key, StatusClosed)
		if !m.waitReconnect(ctx, &attempt) {
			return
		}
	}
}

// consume drains one subscription until it ends. Returns false when ctx is
// cancelled, true when the channel was lost and a reconnect should follow.
func (m *Manager) consume(ctx context.Context, key comments.ThreadKey, sub Subscription) bool {
	defer sub.Close()

	statuses := sub.Statuses()
	changes := sub.Changes()

	for {
		select {
		case <-ctx.Done():
			return false
		case s, ok := <-statuses:
			if !ok {
				return true
			}
			m.setStatus(key, s)
			if s == StatusClosed {
				return true
			}
		case _, ok := <-changes:
			if !ok {
				return true
			}
			if m.Status(key) == StatusOpen {
				m.RequestRefresh(key)
			}
		}
	}
}

func (m *Manager) waitReconnect(ctx context.Context, attempt *int) bool {
	delay := backoff.Delay(*attempt, reconnectBase, reconnectMax, true)
	*attempt++
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (m *Manager) setStatus(key comments.ThreadKey, status Status) {
	m.mu.Lock()
	prev := m.statuses[key.String()]
	m.statuses[key.String()] = status
	fn := m.onStatus
	m.mu.Unlock()

	if prev != status && fn != nil {
		fn(key, status)
	}
}
