// Package sandbox provides an abstraction for disposable execution environments.
// It supports multiple backends: host processes in a scratch directory, Docker
// containers, and an in-memory fake used by tests.
//
// A booted sandbox is exposed as a set of narrow capabilities (filesystem
// write, process spawn, watch registration, readiness) so that callers only
// ever depend on the view they need.
package sandbox

import (
	"context"
	"time"
)

// Provider abstracts sandbox execution environments (local, Docker, mock).
// Every Create call yields a fresh, independent instance.
type Provider interface {
	// Name returns the provider identifier used in configuration.
	Name() string

	// Create boots a new sandbox instance. The instance is ready for
	// filesystem and process operations when Create returns.
	Create(ctx context.Context, opts CreateOptions) (Instance, error)
}

// Instance is one booted sandbox. Only the orchestrator holds an Instance;
// everything else receives one of the embedded capability interfaces.
type Instance interface {
	// ID returns the provider-specific instance identifier.
	ID() string

	FileSystem
	Spawner
	Watcher

	// Ready delivers readiness signals: a server inside the sandbox is
	// listening and reachable at the given URL. The channel is closed when
	// the instance is closed.
	Ready() <-chan ReadyEvent

	// Close tears the instance down and releases its resources.
	Close(ctx context.Context) error
}

// FileWriter writes file content inside the sandbox, overwriting any
// existing content and creating parent directories.
type FileWriter interface {
	WriteFile(ctx context.Context, path string, content []byte) error
}

// FileReader reads file content from inside the sandbox.
type FileReader interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// Mounter loads a whole file tree into the sandbox in one call.
type Mounter interface {
	Mount(ctx context.Context, tree FileTree) error
}

// FileSystem is the combined filesystem view of an instance.
type FileSystem interface {
	FileWriter
	FileReader
	Mounter
}

// Spawner starts processes inside the sandbox.
type Spawner interface {
	// Spawn starts a process. The context bounds the spawn request only; the
	// process outlives it and is stopped with Process.Close.
	Spawn(ctx context.Context, opts SpawnOptions) (Process, error)
}

// Watcher registers filesystem watches inside the sandbox.
type Watcher interface {
	// Watch streams change notifications below root until ctx is done.
	Watch(ctx context.Context, root string) (<-chan FSEvent, error)
}

// CreateOptions configures sandbox creation.
type CreateOptions struct {
	Labels map[string]string // Instance labels/tags for identification
	Env    map[string]string // Environment visible to every spawned process
}

// SpawnOptions configures an interactive process.
type SpawnOptions struct {
	Cmd  []string          // Command to run (empty = provider default shell)
	Rows int               // Terminal rows
	Cols int               // Terminal columns
	Env  map[string]string // Additional environment variables
}

// Process represents an interactive process running in a sandbox.
// It implements io.ReadWriteCloser for terminal I/O.
type Process interface {
	// Read reads output from the process.
	Read(p []byte) (n int, err error)

	// Write sends input to the process.
	Write(p []byte) (n int, err error)

	// Resize changes the terminal dimensions where supported.
	Resize(ctx context.Context, rows, cols int) error

	// Close terminates the process.
	Close() error

	// Wait blocks until the process exits and returns the exit code.
	Wait(ctx context.Context) (int, error)
}

// EventKind classifies a filesystem change notification.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventChange EventKind = "change"
	EventRemove EventKind = "remove"
	EventRename EventKind = "rename"
)

// FSEvent is a raw (eventKind, path) notification from a watch.
// Path is sandbox-absolute, e.g. "/src/a.js".
type FSEvent struct {
	Kind      EventKind `json:"kind"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyEvent announces that a server inside the sandbox is reachable.
type ReadyEvent struct {
	Port int    `json:"port"`
	URL  string `json:"url"`
}
