// Package kernel implements the event-sourced aggregate kernel: chained
// append to per-aggregate streams, deterministic reducers, optimistic
// concurrency on the chain head, and idempotency memoization. Writers are
// serialized per (tenantId, streamId); readers take no lock.
package kernel

import "sync"

// StreamLocks serializes writers per (tenantId, streamId).
type StreamLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStreamLocks creates an empty lock table.
func NewStreamLocks() *StreamLocks {
	return &StreamLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the write lock for a stream, creating it on first use.
func (s *StreamLocks) Lock(tenantID, streamID string) *sync.Mutex {
	s.mu.Lock()
	key := tenantID + "\x00" + streamID
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l
}
