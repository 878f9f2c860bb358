// Package preview binds a display surface to the URL served from inside the
// sandbox once the sandbox reports it is reachable.
package preview

import (
	"sync"
)

// Phase is the preview lifecycle phase.
type Phase string

const (
	PhaseLoading Phase = "loading"
	PhaseReady   Phase = "ready"
)

// State is the preview state: Loading, or Ready with the bound URL.
type State struct {
	Phase Phase  `json:"phase"`
	URL   string `json:"url,omitempty"`
}

// Ready reports whether the state is Ready.
func (s State) Ready() bool {
	return s.Phase == PhaseReady
}

// Surface displays the preview. Implementations must not call back into the
// Binder.
type Surface interface {
	// ShowLoading replaces the live view with a placeholder.
	ShowLoading()
	// Bind points the live view at url.
	Bind(url string)
}

// Binder is a one-way Loading -> Ready(url) state machine. Within one
// lifecycle only the first readiness signal is applied; Reset starts a new
// lifecycle.
type Binder struct {
	mu      sync.Mutex
	state   State
	surface Surface
	subs    map[chan State]struct{}
}

// NewBinder returns a binder in the Loading state with no surface.
func NewBinder() *Binder {
	return &Binder{
		state: State{Phase: PhaseLoading},
		subs:  make(map[chan State]struct{}),
	}
}

// Reset starts a new lifecycle: the state returns to Loading and surface (if
// non-nil) replaces the current surface and shows the placeholder.
func (b *Binder) Reset(surface Surface) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if surface != nil {
		b.surface = surface
	}
	b.state = State{Phase: PhaseLoading}
	if b.surface != nil {
		b.surface.ShowLoading()
	}
	b.broadcast()
}

// Signal applies a readiness signal. It returns true if the state moved to
// Ready; a signal in the Ready state or with an empty url is ignored.
func (b *Binder) Signal(url string) bool {
	if url == "" {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.Phase == PhaseReady {
		return false
	}
	b.state = State{Phase: PhaseReady, URL: url}
	if b.surface != nil {
		b.surface.Bind(url)
	}
	b.broadcast()
	return true
}

// State returns the current state.
func (b *Binder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Subscribe returns a channel that receives the current state immediately and
// every later change. Intermediate states may be skipped for slow readers;
// the latest state is always delivered.
func (b *Binder) Subscribe() <-chan State {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan State, 1)
	ch <- b.state
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe stops delivery to ch and closes it.
func (b *Binder) Unsubscribe(ch <-chan State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		if sub == ch {
			delete(b.subs, sub)
			close(sub)
			return
		}
	}
}

// broadcast must be called with b.mu held.
func (b *Binder) broadcast() {
	for ch := range b.subs {
		// Replace a stale undelivered state with the latest one.
		select {
		case <-ch:
		default:
		}
		ch <- b.state
	}
}
