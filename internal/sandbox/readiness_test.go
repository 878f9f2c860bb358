package sandbox

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeReadiness_AnnouncesListeningPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	targets := LocalTargets("sandbox.local", []int{port})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := ProbeReadiness(ctx, targets, 20*time.Millisecond)

	select {
	case ev := <-ch:
		assert.Equal(t, port, ev.Port)
		assert.Equal(t, targets[0].URL, ev.URL)
	case <-ctx.Done():
		t.Fatal("readiness was never announced")
	}

	// Every target announced: the channel closes.
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-ctx.Done():
		t.Fatal("probe channel was not closed")
	}
}

func TestProbeReadiness_StopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	ch := ProbeReadiness(ctx, LocalTargets("localhost", []int{port}), 10*time.Millisecond)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("probe did not stop after cancel")
	}
}

func TestLocalTargets(t *testing.T) {
	targets := LocalTargets("sandbox.local", []int{3000})
	require.Len(t, targets, 1)
	assert.Equal(t, "127.0.0.1:3000", targets[0].Dial)
	assert.Equal(t, "http://sandbox.local:3000", targets[0].URL)
}
