// Package docker provides a Docker-based implementation of the sandbox.Provider interface.
//
// The sandbox workspace lives in a host directory that is bind-mounted into
// the container, so file writes and watches go through the host filesystem
// while the shell runs inside the container.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	containerTypes "github.com/docker/docker/api/types/container"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/obot-platform/previewbox/internal/config"
	"github.com/obot-platform/previewbox/internal/logger"
	"github.com/obot-platform/previewbox/internal/sandbox"
	"github.com/obot-platform/previewbox/internal/sandbox/localfs"
)

const (
	labelManaged = "previewbox.managed"
	labelID      = "previewbox.sandbox.id"

	// removeTimeout bounds container removal during Close.
	removeTimeout = 10 * time.Second
)

// Provider implements the sandbox.Provider interface using Docker.
type Provider struct {
	client *client.Client
	cfg    config.SandboxConfig
	shell  []string
	log    *logger.Logger
}

// NewProvider connects to the Docker daemon and verifies it is reachable.
func NewProvider(cfg *config.Config, log *logger.Logger) (*Provider, error) {
	if log == nil {
		log = logger.Nop()
	}
	shell, err := cfg.ShellArgv()
	if err != nil {
		return nil, err
	}

	clientOpts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Sandbox.Docker.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(cfg.Sandbox.Docker.Host))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	return &Provider{
		client: cli,
		cfg:    cfg.Sandbox,
		shell:  shell,
		log:    log.Named("docker"),
	}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return config.ProviderDocker
}

// Close closes the Docker client connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

func containerName(id string) string {
	return "previewbox-" + id
}

// Create starts a container with a fresh workspace directory bind-mounted at
// the configured workdir and the preview ports published on loopback.
func (p *Provider) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Instance, error) {
	image := p.cfg.Docker.Image
	if err := p.ensureImage(ctx, image); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	log := p.log.With("sandbox_id", id)

	fs, err := localfs.New(filepath.Join(p.cfg.WorkspaceDir, id), log)
	if err != nil {
		return nil, err
	}

	labels := map[string]string{
		labelManaged: "true",
		labelID:      id,
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	var env []string
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)

	exposed, bindings := portSpec(p.cfg.PreviewPorts)
	useInit := true

	containerConfig := &containerTypes.Config{
		Image:        image,
		Cmd:          []string{"sleep", "infinity"},
		Env:          env,
		Labels:       labels,
		Hostname:     "previewbox",
		WorkingDir:   p.cfg.Docker.WorkDir,
		User:         p.cfg.Docker.User,
		ExposedPorts: exposed,
	}
	hostConfig := &containerTypes.HostConfig{
		Init:         &useInit,
		PortBindings: bindings,
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: fs.Root(),
			Target: p.cfg.Docker.WorkDir,
		}},
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName(id))
	if err != nil {
		_ = fs.RemoveAll()
		return nil, fmt.Errorf("create container: %w", err)
	}

	inst := &Instance{
		FS:          fs,
		client:      p.client,
		id:          id,
		containerID: resp.ID,
		workDir:     p.cfg.Docker.WorkDir,
		user:        p.cfg.Docker.User,
		shell:       p.shell,
		log:         log,
	}

	if err := p.client.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{}); err != nil {
		_ = inst.Close(context.Background())
		return nil, fmt.Errorf("start container: %w", err)
	}

	inspect, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		_ = inst.Close(context.Background())
		return nil, fmt.Errorf("inspect container: %w", err)
	}

	var published nat.PortMap
	if inspect.NetworkSettings != nil {
		published = inspect.NetworkSettings.Ports
	}

	probeCtx, cancel := context.WithCancel(context.Background())
	inst.cancel = cancel
	inst.ready = sandbox.ProbeReadiness(probeCtx, previewTargets(published, p.cfg.PreviewHost), p.cfg.ProbeInterval)

	log.Info("created sandbox container", "container", resp.ID[:12], "image", image)
	return inst, nil
}

// ensureImage checks if an image exists locally and pulls it if not.
func (p *Provider) ensureImage(ctx context.Context, image string) error {
	if _, err := p.client.ImageInspect(ctx, image); err == nil {
		return nil
	}

	p.log.Info("pulling sandbox image", "image", image)
	reader, err := p.client.ImagePull(ctx, image, imageTypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	defer func() { _ = reader.Close() }()

	// Drain the reader to complete the pull (progress is discarded)
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete image pull for %s: %w", image, err)
	}
	return nil
}

// portSpec exposes every preview port and publishes it on a random loopback
// host port.
func portSpec(ports []int) (nat.PortSet, nat.PortMap) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, port := range ports {
		p := nat.Port(fmt.Sprintf("%d/tcp", port))
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{
			HostIP:   "127.0.0.1",
			HostPort: "", // Empty = Docker assigns random available port
		}}
	}
	return exposed, bindings
}

// previewTargets maps published container ports to probe targets. The
// announced URL uses the host port, which is what a browser can reach.
func previewTargets(published nat.PortMap, host string) []sandbox.ProbeTarget {
	var targets []sandbox.ProbeTarget
	for containerPort, bindings := range published {
		if containerPort.Proto() != "tcp" {
			continue
		}
		for _, binding := range bindings {
			hostPort, err := strconv.Atoi(binding.HostPort)
			if err != nil || hostPort == 0 {
				continue
			}
			targets = append(targets, sandbox.ProbeTarget{
				Port: containerPort.Int(),
				Dial: net.JoinHostPort("127.0.0.1", binding.HostPort),
				URL:  fmt.Sprintf("http://%s", net.JoinHostPort(host, binding.HostPort)),
			})
			break
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Port < targets[j].Port })
	return targets
}

// Instance is a running container plus its host-side workspace.
type Instance struct {
	*localfs.FS

	client      *client.Client
	id          string
	containerID string
	workDir     string
	user        string
	shell       []string
	log         *logger.Logger

	cancel context.CancelFunc
	ready  <-chan sandbox.ReadyEvent

	mu     sync.Mutex
	ptys   []*dockerPTY
	closed bool
}

// ID returns the instance identifier.
func (i *Instance) ID() string {
	return i.id
}

// ContainerID returns the Docker container ID.
func (i *Instance) ContainerID() string {
	return i.containerID
}

// Ready returns the readiness channel.
func (i *Instance) Ready() <-chan sandbox.ReadyEvent {
	return i.ready
}

// Spawn creates an interactive exec session with a TTY.
func (i *Instance) Spawn(ctx context.Context, opts sandbox.SpawnOptions) (sandbox.Process, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil, sandbox.ErrClosed
	}

	cmd := opts.Cmd
	if len(cmd) == 0 {
		cmd = i.shell
	}

	env := make([]string, 0, len(opts.Env)+1)
	env = append(env, "TERM=xterm-256color")
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	execConfig := containerTypes.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Env:          env,
		User:         i.user,
		WorkingDir:   i.workDir,
	}

	execCreate, err := i.client.ContainerExecCreate(ctx, i.containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}

	resp, err := i.client.ContainerExecAttach(ctx, execCreate.ID, containerTypes.ExecStartOptions{
		Tty: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}

	// Resize PTY if dimensions provided
	if opts.Rows > 0 && opts.Cols > 0 {
		_ = i.client.ContainerExecResize(ctx, execCreate.ID, containerTypes.ResizeOptions{
			Height: uint(opts.Rows),
			Width:  uint(opts.Cols),
		})
	}

	pty := &dockerPTY{
		client:   i.client,
		execID:   execCreate.ID,
		hijacked: resp,
	}
	i.ptys = append(i.ptys, pty)
	return pty, nil
}

// Close removes the container and deletes the host workspace.
func (i *Instance) Close(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	ptys := i.ptys
	i.ptys = nil
	i.mu.Unlock()

	if i.cancel != nil {
		i.cancel()
	}
	for _, pty := range ptys {
		_ = pty.Close()
	}

	// Use a fresh context so removal still happens when ctx is already done.
	removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer cancel()

	var errs []error
	err := i.client.ContainerRemove(removeCtx, i.containerID, containerTypes.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !cerrdefs.IsNotFound(err) {
		errs = append(errs, fmt.Errorf("remove container: %w", err))
	}
	if err := i.RemoveAll(); err != nil {
		errs = append(errs, fmt.Errorf("remove workspace: %w", err))
	}

	i.log.Info("removed sandbox container", "container", i.containerID)
	return errors.Join(errs...)
}

// dockerPTY implements sandbox.Process for Docker exec sessions.
type dockerPTY struct {
	client    *client.Client
	execID    string
	hijacked  types.HijackedResponse
	closeOnce sync.Once
}

func (p *dockerPTY) Read(b []byte) (int, error) {
	return p.hijacked.Reader.Read(b)
}

func (p *dockerPTY) Write(b []byte) (int, error) {
	return p.hijacked.Conn.Write(b)
}

func (p *dockerPTY) Resize(ctx context.Context, rows, cols int) error {
	return p.client.ContainerExecResize(ctx, p.execID, containerTypes.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

func (p *dockerPTY) Close() error {
	p.closeOnce.Do(func() {
		p.hijacked.Close()
	})
	return nil
}

func (p *dockerPTY) Wait(ctx context.Context) (int, error) {
	// Wait for the exec to finish by polling
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
			inspect, err := p.client.ContainerExecInspect(ctx, p.execID)
			if err != nil {
				if cerrdefs.IsNotFound(err) {
					return -1, sandbox.ErrClosed
				}
				return -1, err
			}
			if !inspect.Running {
				return inspect.ExitCode, nil
			}
		}
	}
}
