// ABOUTME: Thread-safe slot store holding the shared state of one workflow run.
// ABOUTME: Stages read declared input slots and commit declared output slots atomically.
package workflow

import (
	"sync"
)

// State is a thread-safe mapping from slot name to value, built up
// incrementally as stages complete. It exists for exactly one workflow
// run and is discarded once the result slot has been extracted.
type State struct {
	slots map[string]any
	mu    sync.RWMutex
}

// NewState creates a State pre-populated with the given initial slots.
// Pass nil for an empty state.
func NewState(initial map[string]any) *State {
	s := &State{slots: make(map[string]any, len(initial))}
	for k, v := range initial {
		s.slots[k] = v
	}
	return s
}

// Get retrieves the value of a slot. The second return reports whether
// the slot has been written.
func (s *State) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.slots[name]
	return v, ok
}

// GetString retrieves a string slot, returning defaultVal when the slot
// is missing or holds a non-string value.
func (s *State) GetString(name, defaultVal string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.slots[name]
	if !ok {
		return defaultVal
	}
	str, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return str
}

// Has reports whether every named slot has been written.
func (s *State) Has(names ...string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range names {
		if _, ok := s.slots[n]; !ok {
			return false
		}
	}
	return true
}

// Commit merges a stage's output slots into the state in one critical
// section, so no reader observes a partially-written set of outputs.
func (s *State) Commit(outputs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range outputs {
		s.slots[k] = v
	}
}

// Snapshot returns a shallow copy of all slots.
func (s *State) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[string]any, len(s.slots))
	for k, v := range s.slots {
		snap[k] = v
	}
	return snap
}

// Slot retrieves a slot and type-asserts it to T. The second return is
// false when the slot is missing or holds a different type.
func Slot[T any](s *State, name string) (T, bool) {
	v, ok := s.Get(name)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
