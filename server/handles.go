package server

import (
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
)

// handle is a server-side reference to a script value.
type handle struct {
	id       string
	value    goja.Value
	kind     string
	display  string
	created  time.Time
	lastUsed time.Time
}

// HandleStore maps opaque string IDs to script values so RPC peers can
// refer to host objects across calls. A stored value stays reachable until
// its handle is released or swept.
//
// The store only holds references; dereferencing a value must still happen
// on the host main thread.
type HandleStore struct {
	mu      sync.Mutex
	handles map[string]*handle
	now     func() time.Time
}

// NewHandleStore creates an empty handle store.
func NewHandleStore() *HandleStore {
	return &HandleStore{
		handles: make(map[string]*handle),
		now:     time.Now,
	}
}

// Create registers value and returns its handle ID.
func (s *HandleStore) Create(value goja.Value, kind, display string) string {
	id := "h-" + uuid.NewString()
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[id] = &handle{
		id:       id,
		value:    value,
		kind:     kind,
		display:  display,
		created:  now,
		lastUsed: now,
	}
	return id
}

// Lookup returns the value for id and marks the handle as used.
func (s *HandleStore) Lookup(id string) (goja.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return nil, false
	}
	h.lastUsed = s.now()
	return h.value, true
}

// Release drops the handle. It reports whether the handle existed.
func (s *HandleStore) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handles[id]; !ok {
		return false
	}
	delete(s.handles, id)
	return true
}

// Len returns the number of live handles.
func (s *HandleStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Sweep removes handles that haven't been used within ttl.
func (s *HandleStore) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-ttl)
	removed := 0
	for id, h := range s.handles {
		if h.lastUsed.Before(cutoff) {
			delete(s.handles, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *HandleStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
