package shell

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obot-platform/previewbox/internal/sandbox"
	"github.com/obot-platform/previewbox/internal/sandbox/mock"
)

func newInstance(t *testing.T, p *mock.Provider) *mock.Instance {
	t.Helper()
	inst, err := p.Create(context.Background(), sandbox.CreateOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close(context.Background()) })
	return inst.(*mock.Instance)
}

func TestFrameCommand(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ls -la", "ls -la\n"},
		{"ls -la\n", "ls -la\n"},
		{"ls -la\r\n", "ls -la\n"},
		{"", "\n"},
		{"echo a\necho b", "echo a\necho b\n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FrameCommand(tt.in), "%q", tt.in)
	}
}

func TestSpawn_WriteFramesCommand(t *testing.T) {
	inst := newInstance(t, mock.NewProvider())
	m := NewManager(Options{}, nil)

	s, err := m.Spawn(context.Background(), inst)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write(context.Background(), "ls -la"))

	procs := inst.Processes()
	require.Len(t, procs, 1)
	assert.Equal(t, "ls -la\n", procs[0].Input())
	assert.Equal(t, DefaultRows, procs[0].Opts.Rows)
	assert.Equal(t, DefaultCols, procs[0].Opts.Cols)
}

func TestSpawn_Output(t *testing.T) {
	inst := newInstance(t, mock.NewProvider())
	s, err := NewManager(Options{}, nil).Spawn(context.Background(), inst)
	require.NoError(t, err)

	proc := inst.Processes()[0]
	proc.Emit("hello\n")
	assert.Equal(t, "hello\n", <-s.Output())

	require.NoError(t, s.Close())
	select {
	case _, ok := <-s.Output():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("output not closed after Close")
	}
}

func TestSession_CloseReleasesUnreadOutput(t *testing.T) {
	inst := newInstance(t, mock.NewProvider())
	s, err := NewManager(Options{}, nil).Spawn(context.Background(), inst)
	require.NoError(t, err)

	// Nobody consumes Output; the reader fills its buffer and blocks.
	proc := inst.Processes()[0]
	for i := 0; i < 200; i++ {
		proc.Emit("line\n")
	}
	out := s.Output()
	require.Eventually(t, func() bool { return len(out) == cap(out) }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	time.Sleep(50 * time.Millisecond)

	received := 0
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-out:
			if !ok {
				assert.Equal(t, cap(out), received)
				return
			}
			received++
		case <-timeout:
			t.Fatalf("output not closed after Close, received %d chunks", received)
		}
	}
}

func TestSpawn_Error(t *testing.T) {
	p := mock.NewProvider()
	p.SpawnFunc = func(context.Context, sandbox.SpawnOptions) (sandbox.Process, error) {
		return nil, errors.New("resource exhausted")
	}
	inst := newInstance(t, p)

	_, err := NewManager(Options{Cmd: []string{"/bin/sh"}}, nil).Spawn(context.Background(), inst)
	require.Error(t, err)

	var spawnErr *sandbox.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, []string{"/bin/sh"}, spawnErr.Cmd)
	assert.Contains(t, err.Error(), "resource exhausted")
}

func TestSession_WriteAfterClose(t *testing.T) {
	inst := newInstance(t, mock.NewProvider())
	s, err := NewManager(Options{}, nil).Spawn(context.Background(), inst)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Write(context.Background(), "ls"), sandbox.ErrClosed)
}

func TestSession_InputIsRaw(t *testing.T) {
	inst := newInstance(t, mock.NewProvider())
	s, err := NewManager(Options{}, nil).Spawn(context.Background(), inst)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Input(context.Background(), []byte("l")))
	require.NoError(t, s.Input(context.Background(), []byte("s\r")))
	assert.Equal(t, "ls\r", inst.Processes()[0].Input())
}

func TestSession_Resize(t *testing.T) {
	inst := newInstance(t, mock.NewProvider())
	s, err := NewManager(Options{}, nil).Spawn(context.Background(), inst)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Resize(context.Background(), 24, 120))
	assert.Error(t, s.Resize(context.Background(), 0, 120))

	proc := inst.Processes()[0]
	require.Len(t, proc.ResizeCalls, 1)
	assert.Equal(t, 24, proc.ResizeCalls[0].Rows)
	assert.Equal(t, 120, proc.ResizeCalls[0].Cols)
}

func TestSession_Wait(t *testing.T) {
	inst := newInstance(t, mock.NewProvider())
	s, err := NewManager(Options{}, nil).Spawn(context.Background(), inst)
	require.NoError(t, err)

	inst.Processes()[0].Exit(2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	code, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, code)
}
