// ABOUTME: Process-wide progress event sink fanning out (channel, message) notifications.
// ABOUTME: Emit never blocks and never fails; slow subscribers drop events rather than stall workers.
package workflow

import (
	"sync"
	"time"
)

// ProgressEvent is one progress notification. Events for the same stage
// arrive in completion order, which need not match submission order.
type ProgressEvent struct {
	Channel   string
	Message   string
	Timestamp time.Time
}

// Emitter fans progress events out to subscribers. A nil *Emitter is a
// valid no-op sink, so components can emit unconditionally.
type Emitter struct {
	mu   sync.RWMutex
	subs map[int]chan ProgressEvent
	next int
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int]chan ProgressEvent)}
}

// Subscribe registers a listener with the given buffer size and returns
// its event channel plus an unsubscribe function. Unsubscribing closes
// the channel.
func (e *Emitter) Subscribe(buffer int) (<-chan ProgressEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan ProgressEvent, buffer)

	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = ch
	e.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Emit delivers an event to every subscriber without blocking the
// caller: a subscriber whose buffer is full misses the event.
func (e *Emitter) Emit(channel, message string) {
	if e == nil {
		return
	}
	evt := ProgressEvent{Channel: channel, Message: message, Timestamp: time.Now()}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
