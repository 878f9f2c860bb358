// Package local provides a host-process implementation of sandbox.Provider.
// Each instance is a scratch directory below the configured workspace root;
// processes run directly on the host with that directory as their cwd.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obot-platform/previewbox/internal/config"
	"github.com/obot-platform/previewbox/internal/logger"
	"github.com/obot-platform/previewbox/internal/sandbox"
	"github.com/obot-platform/previewbox/internal/sandbox/localfs"
)

// stopTimeout is how long Close waits after SIGTERM before SIGKILL.
const stopTimeout = 3 * time.Second

// Provider implements the sandbox.Provider interface using local processes.
type Provider struct {
	cfg   config.SandboxConfig
	shell []string
	log   *logger.Logger
}

// NewProvider creates a new local sandbox provider.
func NewProvider(cfg *config.Config, log *logger.Logger) (*Provider, error) {
	if log == nil {
		log = logger.Nop()
	}
	shell, err := cfg.ShellArgv()
	if err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(shell[0]); err != nil {
		return nil, fmt.Errorf("shell not found: %w (looking for: %s)", err, shell[0])
	}
	if err := os.MkdirAll(cfg.Sandbox.WorkspaceDir, 0755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	return &Provider{
		cfg:   cfg.Sandbox,
		shell: shell,
		log:   log.Named("local"),
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return config.ProviderLocal
}

// Create prepares a fresh scratch directory and starts readiness probing.
func (p *Provider) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	dir := filepath.Join(p.cfg.WorkspaceDir, id)
	fs, err := localfs.New(dir, p.log.With("sandbox_id", id))
	if err != nil {
		return nil, err
	}

	probeCtx, cancel := context.WithCancel(context.Background())
	inst := &Instance{
		FS:     fs,
		id:     id,
		env:    opts.Env,
		shell:  p.shell,
		log:    p.log.With("sandbox_id", id),
		cancel: cancel,
		ready:  sandbox.ProbeReadiness(probeCtx, sandbox.LocalTargets(p.cfg.PreviewHost, p.cfg.PreviewPorts), p.cfg.ProbeInterval),
	}

	inst.log.Info("created sandbox", "dir", dir)
	return inst, nil
}

// Instance is a scratch directory plus the processes spawned in it.
type Instance struct {
	*localfs.FS

	id    string
	env   map[string]string
	shell []string
	log   *logger.Logger

	cancel context.CancelFunc
	ready  <-chan sandbox.ReadyEvent

	mu        sync.Mutex
	processes []*process
	closed    bool
}

// ID returns the instance identifier.
func (i *Instance) ID() string {
	return i.id
}

// Ready returns the readiness channel.
func (i *Instance) Ready() <-chan sandbox.ReadyEvent {
	return i.ready
}

// Spawn starts a process in the instance directory. Stdout and stderr are
// merged into a single stream.
func (i *Instance) Spawn(ctx context.Context, opts sandbox.SpawnOptions) (sandbox.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil, sandbox.ErrClosed
	}

	argv := opts.Cmd
	if len(argv) == 0 {
		argv = i.shell
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = i.Root()
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, "HOME="+i.Root(), "TERM=dumb")
	if opts.Cols > 0 {
		cmd.Env = append(cmd.Env, fmt.Sprintf("COLUMNS=%d", opts.Cols))
	}
	if opts.Rows > 0 {
		cmd.Env = append(cmd.Env, fmt.Sprintf("LINES=%d", opts.Rows))
	}
	for k, v := range i.env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.WaitDelay = stopTimeout
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, err
	}

	proc := &process{
		cmd:   cmd,
		stdin: stdin,
		out:   pr,
		done:  make(chan struct{}),
	}
	go proc.monitor(pw, i.log)
	i.processes = append(i.processes, proc)

	i.log.Info("spawned process", "cmd", argv, "pid", cmd.Process.Pid)
	return proc, nil
}

// Close stops every process, ends readiness probing and deletes the scratch
// directory.
func (i *Instance) Close(_ context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	procs := i.processes
	i.processes = nil
	i.mu.Unlock()

	i.cancel()

	var errs []error
	for _, proc := range procs {
		if err := proc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := i.RemoveAll(); err != nil {
		errs = append(errs, fmt.Errorf("remove sandbox dir: %w", err))
	}

	i.log.Info("closed sandbox")
	return errors.Join(errs...)
}

// process is a host process driven through pipes.
type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   *io.PipeReader

	done     chan struct{}
	exitCode int
	stopOnce sync.Once
}

// monitor waits for the process to exit and closes the output stream.
func (p *process) monitor(pw *io.PipeWriter, log *logger.Logger) {
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	p.exitCode = code
	_ = pw.Close()
	close(p.done)

	log.Debug("process exited", "pid", p.cmd.Process.Pid, "exit_code", code)
}

func (p *process) Read(b []byte) (int, error) {
	return p.out.Read(b)
}

func (p *process) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, io.ErrClosedPipe
	default:
	}
	return p.stdin.Write(b)
}

// Resize is a no-op: the process has no terminal attached.
func (p *process) Resize(_ context.Context, _, _ int) error {
	return nil
}

// Close sends SIGTERM to the process group and escalates to SIGKILL if it
// does not exit in time.
func (p *process) Close() error {
	var err error
	p.stopOnce.Do(func() {
		_ = p.stdin.Close()

		select {
		case <-p.done:
			return
		default:
		}

		if err = terminateProcessGroup(p.cmd); err != nil {
			return
		}
		select {
		case <-p.done:
		case <-time.After(stopTimeout):
			err = killProcessGroup(p.cmd)
			<-p.done
		}
	})
	return err
}

func (p *process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
