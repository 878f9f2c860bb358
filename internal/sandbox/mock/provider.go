// Package mock provides an in-memory implementation of sandbox.Provider for testing.
package mock

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/obot-platform/previewbox/internal/sandbox"
)

// ProviderName is the configuration name of the mock provider.
const ProviderName = "mock"

// Provider is a mock sandbox provider for testing. Every Create yields a new
// in-memory Instance; the Func hooks override default behavior per call.
type Provider struct {
	mu        sync.Mutex
	instances []*Instance
	creates   int

	// Configurable behaviors for testing
	CreateFunc func(ctx context.Context, opts sandbox.CreateOptions) error
	MountFunc  func(ctx context.Context, tree sandbox.FileTree) error
	WriteFunc  func(ctx context.Context, path string, content []byte) error
	SpawnFunc  func(ctx context.Context, opts sandbox.SpawnOptions) (sandbox.Process, error)
	WatchFunc  func(ctx context.Context, root string) (<-chan sandbox.FSEvent, error)
	InputFunc  func(p *Process, data []byte)
}

// NewProvider creates a new mock provider with default behavior.
func NewProvider() *Provider {
	return &Provider{}
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return ProviderName
}

// Create returns a fresh in-memory instance unless CreateFunc fails.
func (p *Provider) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Instance, error) {
	p.mu.Lock()
	p.creates++
	n := p.creates
	p.mu.Unlock()

	if p.CreateFunc != nil {
		if err := p.CreateFunc(ctx, opts); err != nil {
			return nil, err
		}
	}

	inst := &Instance{
		provider: p,
		id:       fmt.Sprintf("mock-%d", n),
		labels:   opts.Labels,
		files:    make(map[string][]byte),
		ready:    make(chan sandbox.ReadyEvent, 16),
	}

	p.mu.Lock()
	p.instances = append(p.instances, inst)
	p.mu.Unlock()

	return inst, nil
}

// Creates returns how many times Create was called.
func (p *Provider) Creates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creates
}

// Instances returns every instance created so far, oldest first.
func (p *Provider) Instances() []*Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Instance, len(p.instances))
	copy(out, p.instances)
	return out
}

// Last returns the most recently created instance, or nil.
func (p *Provider) Last() *Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.instances) == 0 {
		return nil
	}
	return p.instances[len(p.instances)-1]
}

// Instance is an in-memory sandbox.
type Instance struct {
	provider *Provider
	id       string
	labels   map[string]string

	mu        sync.Mutex
	files     map[string][]byte
	writes    []string
	mounts    int
	processes []*Process
	watchers  []chan sandbox.FSEvent
	closed    bool

	ready     chan sandbox.ReadyEvent
	readyOnce sync.Once
}

// ID returns the instance identifier.
func (i *Instance) ID() string {
	return i.id
}

// Labels returns the labels passed to Create.
func (i *Instance) Labels() map[string]string {
	return i.labels
}

// WriteFile stores content in memory and records the write.
func (i *Instance) WriteFile(ctx context.Context, p string, content []byte) error {
	if i.provider.WriteFunc != nil {
		if err := i.provider.WriteFunc(ctx, p, content); err != nil {
			return err
		}
	}

	clean, err := sandbox.CleanPath(p)
	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return sandbox.ErrClosed
	}
	i.files[clean] = append([]byte(nil), content...)
	i.writes = append(i.writes, clean)
	return nil
}

// ReadFile returns stored content.
func (i *Instance) ReadFile(_ context.Context, p string) ([]byte, error) {
	clean, err := sandbox.CleanPath(p)
	if err != nil {
		return nil, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil, sandbox.ErrClosed
	}
	data, ok := i.files[clean]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, sandbox.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Mount stores every file of the tree.
func (i *Instance) Mount(ctx context.Context, tree sandbox.FileTree) error {
	if i.provider.MountFunc != nil {
		if err := i.provider.MountFunc(ctx, tree); err != nil {
			return err
		}
	}

	normalized, err := tree.Normalize()
	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return sandbox.ErrClosed
	}
	for p, content := range normalized {
		i.files[p] = []byte(content)
	}
	i.mounts++
	return nil
}

// Spawn starts a mock process.
func (i *Instance) Spawn(ctx context.Context, opts sandbox.SpawnOptions) (sandbox.Process, error) {
	if i.provider.SpawnFunc != nil {
		return i.provider.SpawnFunc(ctx, opts)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil, sandbox.ErrClosed
	}

	proc := NewProcess(opts)
	proc.onInput = i.provider.InputFunc
	i.processes = append(i.processes, proc)
	return proc, nil
}

// Watch registers a watcher that receives events passed to EmitFSEvent.
func (i *Instance) Watch(ctx context.Context, root string) (<-chan sandbox.FSEvent, error) {
	if i.provider.WatchFunc != nil {
		return i.provider.WatchFunc(ctx, root)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil, sandbox.ErrClosed
	}

	ch := make(chan sandbox.FSEvent, 64)
	i.watchers = append(i.watchers, ch)

	go func() {
		<-ctx.Done()
		i.removeWatcher(ch)
	}()

	return ch, nil
}

func (i *Instance) removeWatcher(ch chan sandbox.FSEvent) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for n, w := range i.watchers {
		if w == ch {
			i.watchers = append(i.watchers[:n], i.watchers[n+1:]...)
			close(ch)
			return
		}
	}
}

// Ready returns the readiness channel.
func (i *Instance) Ready() <-chan sandbox.ReadyEvent {
	return i.ready
}

// Close marks the instance closed, stops its processes and ends its watches.
func (i *Instance) Close(_ context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	procs := i.processes
	watchers := i.watchers
	i.watchers = nil
	i.mu.Unlock()

	for _, proc := range procs {
		_ = proc.Close()
	}
	for _, ch := range watchers {
		close(ch)
	}
	i.readyOnce.Do(func() { close(i.ready) })
	return nil
}

// Closed reports whether Close was called.
func (i *Instance) Closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// EmitFSEvent is a test helper that delivers an event to every active watch.
func (i *Instance) EmitFSEvent(kind sandbox.EventKind, p string) {
	ev := sandbox.FSEvent{Kind: kind, Path: p, Timestamp: time.Now()}

	i.mu.Lock()
	defer i.mu.Unlock()
	for _, ch := range i.watchers {
		select {
		case ch <- ev:
		default:
			// Channel full, skip (non-blocking)
		}
	}
}

// WatcherCount returns the number of active watches.
func (i *Instance) WatcherCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.watchers)
}

// SignalReady is a test helper that announces a server on port.
func (i *Instance) SignalReady(port int, url string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return
	}
	select {
	case i.ready <- sandbox.ReadyEvent{Port: port, URL: url}:
	default:
	}
}

// SetFile writes content directly, bypassing hooks and write records. It
// simulates a change made by a process inside the sandbox.
func (i *Instance) SetFile(p string, content string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.files[p] = []byte(content)
}

// File returns stored content and whether the file exists.
func (i *Instance) File(p string) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	data, ok := i.files[p]
	return string(data), ok
}

// Files returns a copy of every stored file.
func (i *Instance) Files() map[string]string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]string, len(i.files))
	for p, data := range i.files {
		out[p] = string(data)
	}
	return out
}

// Paths returns the stored paths, sorted.
func (i *Instance) Paths() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, 0, len(i.files))
	for p := range i.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Writes returns the paths passed to WriteFile, in order.
func (i *Instance) Writes() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, len(i.writes))
	copy(out, i.writes)
	return out
}

// Mounts returns how many times Mount succeeded.
func (i *Instance) Mounts() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.mounts
}

// Processes returns every process spawned so far.
func (i *Instance) Processes() []*Process {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*Process, len(i.processes))
	copy(out, i.processes)
	return out
}

// Process is a mock interactive process. Output is fed by tests through Emit;
// input written by the session is recorded.
type Process struct {
	Opts sandbox.SpawnOptions

	mu          sync.Mutex
	input       []byte
	ResizeCalls []struct{ Rows, Cols int }
	onInput     func(p *Process, data []byte)

	output  chan []byte
	pending []byte
	readMu  sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	exitCode  int
}

// NewProcess returns a process that is running until Close or Exit.
func NewProcess(opts sandbox.SpawnOptions) *Process {
	return &Process{
		Opts:   opts,
		output: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
}

func (p *Process) Read(b []byte) (int, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()

	if len(p.pending) == 0 {
		select {
		case chunk := <-p.output:
			p.pending = chunk
		case <-p.done:
			// Drain anything emitted before exit.
			select {
			case chunk := <-p.output:
				p.pending = chunk
			default:
				return 0, io.EOF
			}
		}
	}

	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *Process) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, io.ErrClosedPipe
	default:
	}

	p.mu.Lock()
	p.input = append(p.input, b...)
	hook := p.onInput
	p.mu.Unlock()

	if hook != nil {
		hook(p, append([]byte(nil), b...))
	}
	return len(b), nil
}

func (p *Process) Resize(_ context.Context, rows, cols int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ResizeCalls = append(p.ResizeCalls, struct{ Rows, Cols int }{rows, cols})
	return nil
}

// ResizeSnapshot returns a copy of the recorded resize calls.
func (p *Process) ResizeSnapshot() []struct{ Rows, Cols int } {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]struct{ Rows, Cols int }(nil), p.ResizeCalls...)
}

// Close terminates the process with exit code 0 unless Exit ran first.
func (p *Process) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

// Exit terminates the process with the given code.
func (p *Process) Exit(code int) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Emit queues output as if the process printed it.
func (p *Process) Emit(s string) {
	select {
	case p.output <- []byte(s):
	case <-p.done:
	}
}

// Input returns everything written to the process so far.
func (p *Process) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.input)
}

// Closed reports whether the process has terminated.
func (p *Process) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
