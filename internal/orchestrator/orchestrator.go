// Package orchestrator owns the sandbox lifecycle: it boots one sandbox
// instance, loads the initial file tree, spawns the shell, relays its output
// to the terminal, keeps the file sync bridge attached and binds the preview
// once the sandbox reports a reachable server.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/obot-platform/previewbox/internal/filesync"
	"github.com/obot-platform/previewbox/internal/logger"
	"github.com/obot-platform/previewbox/internal/metrics"
	"github.com/obot-platform/previewbox/internal/preview"
	"github.com/obot-platform/previewbox/internal/relay"
	"github.com/obot-platform/previewbox/internal/sandbox"
	"github.com/obot-platform/previewbox/internal/shell"
	"github.com/obot-platform/previewbox/internal/terminal"
)

var (
	// ErrNotBooted is returned by operations that need a sandbox handle.
	ErrNotBooted = errors.New("sandbox not booted")
	// ErrNoSession is returned by Submit when the shell failed to spawn.
	ErrNoSession = errors.New("no shell session")
)

// WatchConsumer receives filesystem notifications from the booted sandbox,
// together with a read view of its filesystem.
type WatchConsumer interface {
	HandleFSEvent(ctx context.Context, fs sandbox.FileReader, ev sandbox.FSEvent)
}

// WatchConsumerFunc adapts a function to WatchConsumer.
type WatchConsumerFunc func(ctx context.Context, fs sandbox.FileReader, ev sandbox.FSEvent)

// HandleFSEvent calls f.
func (f WatchConsumerFunc) HandleFSEvent(ctx context.Context, fs sandbox.FileReader, ev sandbox.FSEvent) {
	f(ctx, fs, ev)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(o *Orchestrator) {
		o.log = log
	}
}

// WithMetrics records lifecycle metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithShell configures the spawned shell.
func WithShell(opts shell.Options) Option {
	return func(o *Orchestrator) {
		o.shellOpts = opts
	}
}

// WithRelayOptions passes options to the output relay.
func WithRelayOptions(opts ...relay.Option) Option {
	return func(o *Orchestrator) {
		o.relayOpts = append(o.relayOpts, opts...)
	}
}

// WithWatchRoot sets the root of the filesystem watch (default "/").
func WithWatchRoot(root string) Option {
	return func(o *Orchestrator) {
		o.watchRoot = root
	}
}

// WithWatchConsumer adds a consumer of filesystem notifications.
func WithWatchConsumer(c WatchConsumer) Option {
	return func(o *Orchestrator) {
		o.consumers = append(o.consumers, c)
	}
}

// WithCreateOptions sets the options passed to the provider on boot.
func WithCreateOptions(opts sandbox.CreateOptions) Option {
	return func(o *Orchestrator) {
		o.createOpts = opts
	}
}

// WithQueueSize bounds the push queue.
func WithQueueSize(n int) Option {
	return func(o *Orchestrator) {
		o.queueSize = n
	}
}

// Orchestrator composes the sandbox lifecycle. At most one Handle exists at a
// time; Boot is attempted only when none does.
type Orchestrator struct {
	provider   sandbox.Provider
	log        *logger.Logger
	metrics    *metrics.Metrics
	shellOpts  shell.Options
	relayOpts  []relay.Option
	watchRoot  string
	consumers  []WatchConsumer
	createOpts sandbox.CreateOptions
	queueSize  int

	shells   *shell.Manager
	bridge   *filesync.Bridge
	binder   *preview.Binder
	terminal *terminal.Buffer

	// bootMu is the boot guard: Boot and Shutdown run one at a time.
	bootMu sync.Mutex

	// mu guards the handle slot.
	mu     sync.Mutex
	handle *Handle
}

// New creates an Orchestrator for provider.
func New(provider sandbox.Provider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider:  provider,
		watchRoot: "/",
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logger.Nop()
	}
	o.log = o.log.Named("orchestrator")

	o.shells = shell.NewManager(o.shellOpts, o.log)
	o.bridge = filesync.NewBridge(o.log, o.queueSize)
	o.binder = preview.NewBinder()
	o.terminal = terminal.NewBuffer()
	return o
}

// Handle is one booted sandbox. It hands out narrow views of the instance.
type Handle struct {
	inst     sandbox.Instance
	session  *shell.Session
	bootedAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ID returns the sandbox instance ID.
func (h *Handle) ID() string {
	return h.inst.ID()
}

// FileSystem returns the filesystem view of the sandbox.
func (h *Handle) FileSystem() sandbox.FileSystem {
	return h.inst
}

// Spawner returns the process view of the sandbox.
func (h *Handle) Spawner() sandbox.Spawner {
	return h.inst
}

// Watcher returns the watch-registration view of the sandbox.
func (h *Handle) Watcher() sandbox.Watcher {
	return h.inst
}

// Session returns the shell session, or nil if spawning failed.
func (h *Handle) Session() *shell.Session {
	return h.session
}

// BootedAt returns when the sandbox was created.
func (h *Handle) BootedAt() time.Time {
	return h.bootedAt
}

// Boot creates the sandbox, mounts tree, spawns the shell and starts the
// watch, in that order. If a handle already exists it is returned unchanged.
//
// A failed create returns a *sandbox.BootError and no handle. Failures of
// the later steps are joined into the returned error next to a usable handle.
func (o *Orchestrator) Boot(ctx context.Context, tree sandbox.FileTree, surface preview.Surface) (*Handle, error) {
	o.bootMu.Lock()
	defer o.bootMu.Unlock()

	if h := o.Handle(); h != nil {
		o.log.Debug("boot skipped, sandbox already booted", "sandbox_id", h.ID())
		return h, nil
	}

	o.binder.Reset(surface)
	o.metrics.SetPreviewReady(false)

	inst, err := o.provider.Create(ctx, o.createOpts)
	if err != nil {
		o.metrics.BootFailure("create")
		o.log.Error("sandbox creation failed", "provider", o.provider.Name(), "error", err)
		return nil, &sandbox.BootError{Provider: o.provider.Name(), Err: err}
	}
	o.metrics.Boot()

	lifeCtx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		inst:     inst,
		bootedAt: time.Now(),
		cancel:   cancel,
	}
	log := o.log.With("sandbox_id", inst.ID())

	var errs []error

	if len(tree) > 0 {
		if err := inst.Mount(ctx, tree); err != nil {
			o.metrics.BootFailure("mount")
			o.metrics.WriteError("mount")
			log.Warn("initial mount failed", "files", len(tree), "error", err)
			errs = append(errs, &sandbox.WriteError{Op: "mount", Err: err})
		}
	}

	o.terminal.Clear()
	sess, err := o.shells.Spawn(ctx, inst)
	if err != nil {
		o.metrics.BootFailure("spawn")
		log.Warn("shell spawn failed", "error", err)
		errs = append(errs, err)
	} else {
		h.session = sess
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			_ = relay.Run(lifeCtx, sess.Output(), &meteredSink{buf: o.terminal, metrics: o.metrics}, o.relayOpts...)
		}()
	}

	events, err := o.bridge.Watch(lifeCtx, inst, o.watchRoot)
	if err != nil {
		o.metrics.BootFailure("watch")
		log.Warn("watch registration failed", "root", o.watchRoot, "error", err)
		errs = append(errs, err)
	} else {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			o.consumeWatch(lifeCtx, inst, events)
		}()
	}

	o.mu.Lock()
	o.handle = h
	o.bridge.Attach(inst)
	o.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		o.consumeReady(lifeCtx, h)
	}()

	log.Info("sandbox booted", "provider", o.provider.Name(), "files", len(tree), "shell", h.session != nil)
	return h, errors.Join(errs...)
}

func (o *Orchestrator) consumeWatch(ctx context.Context, fs sandbox.FileReader, events <-chan sandbox.FSEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			o.metrics.WatchEvent(string(ev.Kind))
			for _, c := range o.consumers {
				c.HandleFSEvent(ctx, fs, ev)
			}
		}
	}
}

func (o *Orchestrator) consumeReady(ctx context.Context, h *Handle) {
	ready := h.inst.Ready()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ready:
			if !ok {
				return
			}
			o.signal(h, ev.URL)
		}
	}
}

// signal applies a readiness signal if h is still the current handle.
func (o *Orchestrator) signal(h *Handle, url string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.handle == nil || (h != nil && o.handle != h) {
		return false
	}
	if !o.binder.Signal(url) {
		return false
	}
	o.metrics.SetPreviewReady(true)
	o.log.Info("preview ready", "url", url)
	return true
}

// SignalReady applies an external readiness signal. It returns false when no
// sandbox is booted or the preview is already bound in this lifecycle.
func (o *Orchestrator) SignalReady(url string) bool {
	return o.signal(nil, url)
}

// Push applies a file change event. Before boot the event is dropped without
// error.
func (o *Orchestrator) Push(ctx context.Context, ev filesync.FileChangeEvent) (filesync.Outcome, error) {
	outcome, err := o.bridge.Push(ctx, ev)
	o.metrics.Push(outcome.String())

	var writeErr *sandbox.WriteError
	if errors.As(err, &writeErr) {
		o.metrics.WriteError(writeErr.Op)
	}
	return outcome, err
}

// Remount loads a whole new snapshot into the sandbox. It reports false
// without error when no sandbox is booted.
func (o *Orchestrator) Remount(ctx context.Context, tree sandbox.FileTree) (bool, error) {
	h := o.Handle()
	if h == nil {
		o.log.Debug("remount skipped, sandbox not booted", "files", len(tree))
		return false, nil
	}
	if err := h.inst.Mount(ctx, tree); err != nil {
		o.metrics.WriteError("mount")
		return true, &sandbox.WriteError{Op: "mount", Err: err}
	}
	o.log.Info("remounted file tree", "sandbox_id", h.ID(), "files", len(tree))
	return true, nil
}

// ReadFile reads a file back from the sandbox.
func (o *Orchestrator) ReadFile(ctx context.Context, path string) ([]byte, error) {
	h := o.Handle()
	if h == nil {
		return nil, ErrNotBooted
	}
	return h.inst.ReadFile(ctx, path)
}

func (o *Orchestrator) session() (*shell.Session, error) {
	h := o.Handle()
	if h == nil {
		return nil, ErrNotBooted
	}
	if h.session == nil {
		return nil, ErrNoSession
	}
	return h.session, nil
}

// Submit writes a command line to the shell.
func (o *Orchestrator) Submit(ctx context.Context, command string) error {
	s, err := o.session()
	if err != nil {
		return err
	}
	return s.Write(ctx, command)
}

// Input forwards raw terminal input to the shell.
func (o *Orchestrator) Input(ctx context.Context, data []byte) error {
	s, err := o.session()
	if err != nil {
		return err
	}
	return s.Input(ctx, data)
}

// Resize changes the shell's terminal size.
func (o *Orchestrator) Resize(ctx context.Context, rows, cols int) error {
	s, err := o.session()
	if err != nil {
		return err
	}
	return s.Resize(ctx, rows, cols)
}

// ClearTerminal empties the terminal buffer on user request. It does not
// touch the shell and works with or without a booted sandbox.
func (o *Orchestrator) ClearTerminal() {
	o.terminal.Clear()
	o.log.Debug("terminal cleared by user")
}

// Handle returns the current handle, or nil.
func (o *Orchestrator) Handle() *Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handle
}

// Preview returns the preview binder.
func (o *Orchestrator) Preview() *preview.Binder {
	return o.binder
}

// Terminal returns the terminal buffer.
func (o *Orchestrator) Terminal() *terminal.Buffer {
	return o.terminal
}

// ProviderName returns the name of the sandbox provider.
func (o *Orchestrator) ProviderName() string {
	return o.provider.Name()
}

// Status summarizes the lifecycle for display.
type Status struct {
	Booted   bool          `json:"booted"`
	ID       string        `json:"id,omitempty"`
	Provider string        `json:"provider"`
	Shell    bool          `json:"shell"`
	BootedAt *time.Time    `json:"bootedAt,omitempty"`
	Preview  preview.State `json:"preview"`
}

// Status returns the current lifecycle status.
func (o *Orchestrator) Status() Status {
	st := Status{
		Provider: o.provider.Name(),
		Preview:  o.binder.State(),
	}
	if h := o.Handle(); h != nil {
		bootedAt := h.bootedAt
		st.Booted = true
		st.ID = h.ID()
		st.Shell = h.session != nil
		st.BootedAt = &bootedAt
	}
	return st
}

// Shutdown tears the current sandbox down and clears the slot, so the next
// Boot starts a new lifecycle. It is a no-op when nothing is booted.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.bootMu.Lock()
	defer o.bootMu.Unlock()

	o.mu.Lock()
	h := o.handle
	o.handle = nil
	o.bridge.Detach()
	o.mu.Unlock()

	if h == nil {
		return nil
	}

	h.cancel()
	var errs []error
	if h.session != nil {
		if err := h.session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.inst.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	h.wg.Wait()

	o.binder.Reset(nil)
	o.metrics.SetPreviewReady(false)

	o.log.Info("sandbox shut down", "sandbox_id", h.ID())
	return errors.Join(errs...)
}

// Close shuts the sandbox down and stops the push worker.
func (o *Orchestrator) Close(ctx context.Context) error {
	err := o.Shutdown(ctx)
	o.bridge.Close()
	return err
}

// meteredSink counts relayed output on its way to the terminal buffer.
type meteredSink struct {
	buf     *terminal.Buffer
	metrics *metrics.Metrics
}

func (s *meteredSink) Append(chunk string) {
	s.metrics.TerminalChunk()
	s.buf.Append(chunk)
}

func (s *meteredSink) Clear() {
	s.metrics.TerminalClear()
	s.buf.Clear()
}
