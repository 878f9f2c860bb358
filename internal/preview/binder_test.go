package preview

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingSurface struct {
	mu    sync.Mutex
	calls []string
}

func (s *recordingSurface) ShowLoading() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "loading")
}

func (s *recordingSurface) Bind(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "bind:"+url)
}

func TestBinder_StartsLoading(t *testing.T) {
	b := NewBinder()
	assert.Equal(t, State{Phase: PhaseLoading}, b.State())
	assert.False(t, b.State().Ready())
}

func TestBinder_OneWayTransition(t *testing.T) {
	surface := &recordingSurface{}
	b := NewBinder()
	b.Reset(surface)

	assert.True(t, b.Signal("http://sandbox.local:3000"))
	assert.Equal(t, State{Phase: PhaseReady, URL: "http://sandbox.local:3000"}, b.State())

	// A second signal with a different url is ignored.
	assert.False(t, b.Signal("http://sandbox.local:5173"))
	assert.Equal(t, "http://sandbox.local:3000", b.State().URL)

	assert.Equal(t, []string{"loading", "bind:http://sandbox.local:3000"}, surface.calls)
}

func TestBinder_IgnoresEmptyURL(t *testing.T) {
	b := NewBinder()
	assert.False(t, b.Signal(""))
	assert.Equal(t, PhaseLoading, b.State().Phase)
}

func TestBinder_ResetStartsNewLifecycle(t *testing.T) {
	first := &recordingSurface{}
	b := NewBinder()
	b.Reset(first)
	b.Signal("http://sandbox.local:3000")

	second := &recordingSurface{}
	b.Reset(second)
	assert.Equal(t, State{Phase: PhaseLoading}, b.State())
	assert.Equal(t, []string{"loading"}, second.calls)

	assert.True(t, b.Signal("http://sandbox.local:4000"))
	assert.Equal(t, "http://sandbox.local:4000", b.State().URL)
	assert.Equal(t, []string{"loading", "bind:http://sandbox.local:3000"}, first.calls)
}

func TestBinder_ResetKeepsSurfaceWhenNil(t *testing.T) {
	surface := &recordingSurface{}
	b := NewBinder()
	b.Reset(surface)
	b.Reset(nil)
	assert.Equal(t, []string{"loading", "loading"}, surface.calls)
}

func TestBinder_Subscribe(t *testing.T) {
	b := NewBinder()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	assert.Equal(t, State{Phase: PhaseLoading}, <-ch)

	b.Signal("http://sandbox.local:3000")
	assert.Equal(t, State{Phase: PhaseReady, URL: "http://sandbox.local:3000"}, <-ch)
}

func TestBinder_SubscribeDeliversLatest(t *testing.T) {
	b := NewBinder()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Nobody reads while state changes twice.
	b.Signal("http://sandbox.local:3000")
	b.Reset(nil)

	assert.Equal(t, State{Phase: PhaseLoading}, <-ch)
	select {
	case s := <-ch:
		t.Fatalf("unexpected extra state %+v", s)
	default:
	}
}
