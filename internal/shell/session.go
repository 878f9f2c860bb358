// Package shell manages the interactive shell process running in a sandbox.
package shell

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/obot-platform/previewbox/internal/logger"
	"github.com/obot-platform/previewbox/internal/relay"
	"github.com/obot-platform/previewbox/internal/sandbox"
)

// Default terminal geometry.
const (
	DefaultRows = 10
	DefaultCols = 80
)

// Options configures spawned sessions.
type Options struct {
	Cmd       []string // empty = provider default shell
	Rows      int
	Cols      int
	ChunkSize int
	Env       map[string]string
}

// Manager spawns shell sessions.
type Manager struct {
	opts Options
	log  *logger.Logger
}

// NewManager creates a Manager.
func NewManager(opts Options, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	if opts.Rows <= 0 {
		opts.Rows = DefaultRows
	}
	if opts.Cols <= 0 {
		opts.Cols = DefaultCols
	}
	return &Manager{opts: opts, log: log.Named("shell")}
}

// Spawn starts one interactive process through spawner. A rejected spawn is
// returned as a *sandbox.SpawnError.
func (m *Manager) Spawn(ctx context.Context, spawner sandbox.Spawner) (*Session, error) {
	proc, err := spawner.Spawn(ctx, sandbox.SpawnOptions{
		Cmd:  m.opts.Cmd,
		Rows: m.opts.Rows,
		Cols: m.opts.Cols,
		Env:  m.opts.Env,
	})
	if err != nil {
		return nil, &sandbox.SpawnError{Cmd: m.opts.Cmd, Err: err}
	}

	// The reader goroutine ends at process EOF or when Close cancels it.
	readCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		proc:   proc,
		output: relay.Chunks(readCtx, proc, m.opts.ChunkSize),
		cancel: cancel,
		log:    m.log,
	}
	m.log.Debug("spawned shell session", "cmd", m.opts.Cmd)
	return s, nil
}

// Session is one interactive shell process.
type Session struct {
	proc   sandbox.Process
	output <-chan string
	cancel context.CancelFunc
	log    *logger.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
}

// FrameCommand returns command text terminated by exactly one newline.
func FrameCommand(text string) string {
	text = strings.TrimSuffix(text, "\n")
	text = strings.TrimSuffix(text, "\r")
	return text + "\n"
}

// Write submits one command line. A single trailing line terminator in text
// is replaced, never duplicated.
func (s *Session) Write(ctx context.Context, text string) error {
	return s.write(ctx, []byte(FrameCommand(text)))
}

// Input forwards raw keystrokes without framing.
func (s *Session) Input(ctx context.Context, data []byte) error {
	return s.write(ctx, data)
}

func (s *Session) write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return sandbox.ErrClosed
	}
	if _, err := s.proc.Write(data); err != nil {
		return fmt.Errorf("write to shell: %w", err)
	}
	return nil
}

// Output returns the process output as chunks in arrival order. The channel
// is closed when the process output ends. It must have a single consumer.
func (s *Session) Output() <-chan string {
	return s.output
}

// Resize changes the terminal dimensions.
func (s *Session) Resize(ctx context.Context, rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	return s.proc.Resize(ctx, rows, cols)
}

// Close terminates the process and stops the output reader. It is safe to
// call more than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	return s.proc.Close()
}

// Wait blocks until the process exits and returns its exit code.
func (s *Session) Wait(ctx context.Context) (int, error) {
	return s.proc.Wait(ctx)
}
