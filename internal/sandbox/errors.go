package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by providers.
var (
	ErrNotFound    = errors.New("not found")
	ErrClosed      = errors.New("sandbox closed")
	ErrInvalidPath = errors.New("invalid sandbox path")
)

// BootError reports that the sandbox itself could not be created. It is fatal
// to the lifecycle: no handle exists afterwards and nothing retries.
type BootError struct {
	Provider string
	Err      error
}

func (e *BootError) Error() string {
	return fmt.Sprintf("boot sandbox (%s): %v", e.Provider, e.Err)
}

func (e *BootError) Unwrap() error {
	return e.Err
}

// SpawnError reports that the interactive shell could not be started. The
// sandbox stays usable for file operations.
type SpawnError struct {
	Cmd []string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %v: %v", e.Cmd, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// WriteError reports a failed filesystem write inside the sandbox. Op is
// "write" for single-file pushes and "mount" for whole-tree loads.
type WriteError struct {
	Op   string
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// WatchError reports that the filesystem watch could not be registered.
// Push-direction sync keeps working without it.
type WatchError struct {
	Root string
	Err  error
}

func (e *WatchError) Error() string {
	return fmt.Sprintf("watch %s: %v", e.Root, e.Err)
}

func (e *WatchError) Unwrap() error {
	return e.Err
}
