// Package terminal holds the terminal output shown to the user.
package terminal

import (
	"strings"
	"sync"
)

// EventType identifies a buffer change.
type EventType string

const (
	EventOutput EventType = "output"
	EventClear  EventType = "clear"
)

// Event is one buffer change delivered to subscribers.
type Event struct {
	Type EventType `json:"type"`
	Data string    `json:"data,omitempty"`
}

// Buffer is an ordered sequence of output chunks. It is append-only except
// for Clear, which resets it to empty. Buffer implements relay.Sink.
type Buffer struct {
	mu     sync.RWMutex
	chunks []string
	subs   map[*Subscriber]struct{}
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		subs: make(map[*Subscriber]struct{}),
	}
}

// Append adds a chunk to the end of the buffer.
func (b *Buffer) Append(chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk)
	b.broadcast(Event{Type: EventOutput, Data: chunk})
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = nil
	b.broadcast(Event{Type: EventClear})
}

// Snapshot returns a copy of the current chunks.
func (b *Buffer) Snapshot() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, len(b.chunks))
	copy(out, b.chunks)
	return out
}

// String returns the buffer contents joined.
func (b *Buffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return strings.Join(b.chunks, "")
}

// Len returns the number of chunks.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunks)
}

// Subscriber receives buffer changes made after it subscribed.
type Subscriber struct {
	Events  chan Event
	dropped bool
}

// Dropped reports whether the subscriber fell behind and was cut off.
func (s *Subscriber) Dropped() bool {
	return s.dropped
}

// Subscribe returns the current contents and a subscriber for later changes,
// atomically, so no chunk is missed or seen twice. A subscriber that cannot
// keep up is closed instead of blocking Append.
func (b *Buffer) Subscribe(bufSize int) ([]string, *Subscriber) {
	if bufSize <= 0 {
		bufSize = 256
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{Events: make(chan Event, bufSize)}
	b.subs[sub] = struct{}{}

	snapshot := make([]string, len(b.chunks))
	copy(snapshot, b.chunks)
	return snapshot, sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Buffer) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.Events)
	}
}

// broadcast must be called with b.mu held.
func (b *Buffer) broadcast(ev Event) {
	for sub := range b.subs {
		select {
		case sub.Events <- ev:
		default:
			sub.dropped = true
			delete(b.subs, sub)
			close(sub.Events)
		}
	}
}
