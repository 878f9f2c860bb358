// Package filesync keeps the sandbox filesystem and the external file-state
// owner consistent. The push direction writes editor changes into the
// sandbox; the watch direction surfaces sandbox changes to the caller.
package filesync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/obot-platform/previewbox/internal/logger"
	"github.com/obot-platform/previewbox/internal/sandbox"
)

// ErrBridgeClosed is returned by Push after Close.
var ErrBridgeClosed = errors.New("file sync bridge closed")

// DefaultQueueSize bounds the push queue.
const DefaultQueueSize = 64

// FileChangeEvent is a single edit from the editor.
type FileChangeEvent struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Outcome describes what Push did with an event.
type Outcome int

const (
	// Applied means the content was written to the sandbox.
	Applied Outcome = iota
	// Dropped means no sandbox was attached when the event arrived.
	Dropped
	// Ignored means the event had an empty filename or content.
	Ignored
	// Failed means the write was attempted and did not land.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Dropped:
		return "dropped"
	case Ignored:
		return "ignored"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type pushRequest struct {
	ctx    context.Context
	writer sandbox.FileWriter
	event  FileChangeEvent
	result chan error
}

// Bridge serializes pushes through a bounded queue drained by one worker, so
// writes land in arrival order.
type Bridge struct {
	log *logger.Logger

	mu     sync.Mutex
	writer sandbox.FileWriter
	closed bool

	queue chan pushRequest
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewBridge creates a detached bridge and starts its push worker.
func NewBridge(log *logger.Logger, queueSize int) *Bridge {
	if log == nil {
		log = logger.Nop()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	b := &Bridge{
		log:   log.Named("filesync"),
		queue: make(chan pushRequest, queueSize),
		done:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Attach routes later pushes to writer.
func (b *Bridge) Attach(writer sandbox.FileWriter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writer = writer
}

// Detach stops routing pushes. Pushes already queued still go to the writer
// that was attached when they arrived.
func (b *Bridge) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writer = nil
}

// Attached reports whether a writer is attached.
func (b *Bridge) Attached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writer != nil
}

// Push applies one change event. With no writer attached the event is dropped
// without error; it is not queued for later. Otherwise Push waits for its own
// write and returns a *sandbox.WriteError if it failed.
func (b *Bridge) Push(ctx context.Context, ev FileChangeEvent) (Outcome, error) {
	if ev.Filename == "" || ev.Content == "" {
		return Ignored, nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Dropped, ErrBridgeClosed
	}
	writer := b.writer
	if writer == nil {
		b.mu.Unlock()
		b.log.Debug("dropping push, no sandbox attached", "path", ev.Filename)
		return Dropped, nil
	}

	req := pushRequest{
		ctx:    ctx,
		writer: writer,
		event:  ev,
		result: make(chan error, 1),
	}
	// Enqueue under the lock so queue order matches arrival order.
	select {
	case b.queue <- req:
	case <-ctx.Done():
		b.mu.Unlock()
		return Dropped, ctx.Err()
	}
	b.mu.Unlock()

	select {
	case err := <-req.result:
		if err != nil {
			return Failed, err
		}
		return Applied, nil
	case <-ctx.Done():
		return Failed, ctx.Err()
	}
}

func (b *Bridge) run() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case req := <-b.queue:
			req.result <- b.apply(req)
		}
	}
}

func (b *Bridge) apply(req pushRequest) error {
	if err := req.ctx.Err(); err != nil {
		return &sandbox.WriteError{Op: "write", Path: req.event.Filename, Err: err}
	}
	if err := req.writer.WriteFile(req.ctx, req.event.Filename, []byte(req.event.Content)); err != nil {
		b.log.Warn("push failed", "path", req.event.Filename, "error", err)
		return &sandbox.WriteError{Op: "write", Path: req.event.Filename, Err: err}
	}
	b.log.Debug("push applied", "path", req.event.Filename, "bytes", len(req.event.Content))
	return nil
}

// Watch registers one watch at root and returns its notifications. A failed
// registration is returned as a *sandbox.WatchError.
func (b *Bridge) Watch(ctx context.Context, watcher sandbox.Watcher, root string) (<-chan sandbox.FSEvent, error) {
	events, err := watcher.Watch(ctx, root)
	if err != nil {
		return nil, &sandbox.WatchError{Root: root, Err: err}
	}
	b.log.Debug("watch registered", "root", root)
	return events, nil
}

// Close stops the push worker. Queued pushes that have not started fail
// with ErrBridgeClosed.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.writer = nil
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()

	for {
		select {
		case req := <-b.queue:
			req.result <- ErrBridgeClosed
		default:
			return
		}
	}
}
