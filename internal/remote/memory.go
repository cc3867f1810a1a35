package remote

import (
	"context"
	"strconv"
	"sync"

	"github.com/datocms/commentsync/internal/comments"
)

// MemoryStore is an in-process Store with the same versioning semantics as
// the HTTP store. It backs the dev server and the engine's tests, and can
// notify subscribers about writes so a live-update feed can be layered on
// top of it.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	subs    map[string][]chan struct{}

	// WriteHook, when set, runs before each write while holding no lock.
	// Tests use it to inject failures and to interleave competing writers.
	WriteHook func(key comments.ThreadKey, version string) error
}

type memoryEntry struct {
	data    comments.ThreadData
	version uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		subs:    make(map[string][]chan struct{}),
	}
}

// ReadVersioned returns the current payload for key. A thread that was
// never written reads as empty data with an empty version token.
func (s *MemoryStore) ReadVersioned(_ context.Context, key comments.ThreadKey) (comments.VersionedPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key.String()]
	if !ok {
		return comments.VersionedPayload{}, nil
	}

	return comments.VersionedPayload{
		Data:    entry.data.Clone(),
		Version: strconv.FormatUint(entry.version, 10),
	}, nil
}

// WriteVersioned stores data if version matches the entry's current token
// (empty token matches an absent entry). On mismatch it returns a
// ConflictError carrying the current token.
func (s *MemoryStore) WriteVersioned(_ context.Context, key comments.ThreadKey, version string, data comments.ThreadData) (comments.VersionedPayload, error) {
	if s.WriteHook != nil {
		if err := s.WriteHook(key, version); err != nil {
			return comments.VersionedPayload{}, err
		}
	}

	s.mu.Lock()
	entry, ok := s.entries[key.String()]
	if !ok {
		entry = &memoryEntry{}
		s.entries[key.String()] = entry
	}

	current := ""
	if entry.version > 0 {
		current = strconv.FormatUint(entry.version, 10)
	}
	if version != current {
		s.mu.Unlock()
		return comments.VersionedPayload{}, &comments.ConflictError{CurrentVersion: current}
	}

	entry.data = data.Clone()
	entry.version++
	result := comments.VersionedPayload{
		Data:    entry.data.Clone(),
		Version: strconv.FormatUint(entry.version, 10),
	}
	watchers := append([]chan struct{}(nil), s.subs[key.String()]...)
	s.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	return result, nil
}

// List returns one 1-based page of comments for key.
func (s *MemoryStore) List(ctx context.Context, key comments.ThreadKey, page int) ([]comments.Comment, error) {
	if page < 1 {
		page = 1
	}

	payload, err := s.ReadVersioned(ctx, key)
	if err != nil {
		return nil, err
	}

	all := payload.Data.Comments
	start := (page - 1) * listPageSize
	if start >= len(all) {
		return nil, nil
	}
	end := start + listPageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

// Subscribe registers a change listener for key. Every successful write to
// the key sends a (coalesced) signal. The returned cancel func must be
// called to release the listener.
func (s *MemoryStore) Subscribe(key comments.ThreadKey) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	s.subs[key.String()] = append(s.subs[key.String()], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		listeners := s.subs[key.String()]
		for i, c := range listeners {
			if c == ch {
				s.subs[key.String()] = append(listeners[:i], listeners[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}
