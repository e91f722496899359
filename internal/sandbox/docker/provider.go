// Package docker implements the sandbox provider on the Docker Engine API.
// One container per session, addressed by a deterministic name; no provider
// state survives outside the daemon, so restarts recover by inspection.
package docker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/discobot/discobot/internal/common/logger"
	"github.com/discobot/discobot/internal/sandbox"
)

const (
	labelSession = "discobot.session"
	labelConfig  = "discobot.config"

	containerPrefix = "discobot-"
	workspaceTarget = "/workspace"
	dataTarget      = "/data"

	healthPollInterval = 500 * time.Millisecond
	execPollInterval   = 100 * time.Millisecond
)

// Config parameterizes the docker backend.
type Config struct {
	Host         string // empty uses the environment
	Network      string // empty uses the default bridge
	AgentPort    int
	StartTimeout time.Duration
}

// Provider runs sandboxes as Docker containers.
type Provider struct {
	cli    *client.Client
	cfg    Config
	http   *http.Client
	logger *logger.Logger
}

// New creates a docker Provider and verifies daemon connectivity.
func New(cfg Config, log *logger.Logger) (*Provider, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrBackendUnavailable, err)
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("%w: docker ping: %v", sandbox.ErrBackendUnavailable, err)
	}
	return &Provider{
		cli: cli,
		cfg: cfg,
		// Proxied responses include SSE streams, so no client timeout.
		// Redirects from the agent pass through to the caller untouched.
		http: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: log.WithFields(zap.String("component", "sandbox.docker")),
	}, nil
}

// Close releases the engine connection.
func (p *Provider) Close() error {
	return p.cli.Close()
}

func containerName(sessionID string) string {
	return containerPrefix + sessionID
}

// optsFingerprint is a stable digest of the creation options, stored as a
// label so re-creates can distinguish "same request again" from a conflict.
func optsFingerprint(opts sandbox.CreateOptions) string {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	canonical, _ := json.Marshal(struct {
		Image     string
		Env       []string
		CPU       float64
		MemoryMB  int64
		Workspace string
		Volume    string
	}{opts.Image, env, opts.CPULimit, opts.MemoryLimitMB, opts.WorkspaceSource, opts.DataVolume})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Create provisions the session's container. Idempotent for identical
// options; a live container created with different options is a conflict.
func (p *Provider) Create(ctx context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Instance, error) {
	fingerprint := optsFingerprint(opts)

	if existing, err := p.inspect(ctx, sessionID); err == nil {
		if existing.labels[labelConfig] == fingerprint {
			return existing.instance, nil
		}
		return nil, fmt.Errorf("%w: session %s has a container with different options", sandbox.ErrAlreadyExists, sessionID)
	} else if !isNotFound(err) {
		return nil, err
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	var mounts []mount.Mount
	if opts.WorkspaceSource != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: opts.WorkspaceSource,
			Target: workspaceTarget,
		})
	}
	if opts.DataVolume != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: opts.DataVolume,
			Target: dataTarget,
		})
	}

	resources := container.Resources{}
	if opts.MemoryLimitMB > 0 {
		resources.Memory = opts.MemoryLimitMB * 1024 * 1024
	}
	if opts.CPULimit > 0 {
		resources.NanoCPUs = int64(opts.CPULimit * 1e9)
	}

	agentPort, err := nat.NewPort("tcp", strconv.Itoa(p.cfg.AgentPort))
	if err != nil {
		return nil, fmt.Errorf("invalid agent port %d: %w", p.cfg.AgentPort, err)
	}

	containerCfg := &container.Config{
		Image:        opts.Image,
		Env:          env,
		WorkingDir:   workspaceTarget,
		ExposedPorts: nat.PortSet{agentPort: struct{}{}},
		Labels: map[string]string{
			labelSession: sessionID,
			labelConfig:  fingerprint,
		},
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(p.cfg.Network),
		Resources:   resources,
	}

	p.logger.Info("creating container",
		zap.String("session_id", sessionID),
		zap.String("image", opts.Image))

	resp, err := p.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName(sessionID))
	if err != nil {
		return nil, fmt.Errorf("%w: create container: %v", sandbox.ErrBackendUnavailable, err)
	}
	p.logger.Debug("container created",
		zap.String("session_id", sessionID),
		zap.String("container_id", resp.ID))

	return &sandbox.Instance{
		SessionID: sessionID,
		Status:    sandbox.StatusCreating,
		AgentPort: p.cfg.AgentPort,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Start runs the container and blocks until the in-container agent-api
// answers its health endpoint or the start timeout elapses.
func (p *Provider) Start(ctx context.Context, sessionID string) error {
	if err := p.cli.ContainerStart(ctx, containerName(sessionID), container.StartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
		}
		return fmt.Errorf("%w: start container: %v", sandbox.ErrBackendUnavailable, err)
	}

	inst, err := p.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(p.cfg.StartTimeout)
	healthURL := fmt.Sprintf("http://%s:%d/health", inst.IP, inst.AgentPort)
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: agent-api not healthy after %s", sandbox.ErrStartTimeout, p.cfg.StartTimeout)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", sandbox.ErrIO, err)
		}
		resp, err := p.http.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
}

type inspected struct {
	instance *sandbox.Instance
	labels   map[string]string
	id       string
}

func (p *Provider) inspect(ctx context.Context, sessionID string) (*inspected, error) {
	info, err := p.cli.ContainerInspect(ctx, containerName(sessionID))
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("%w: inspect: %v", sandbox.ErrBackendUnavailable, err)
	}

	status := sandbox.StatusStopped
	if info.State != nil {
		switch info.State.Status {
		case "created":
			status = sandbox.StatusCreating
		case "running":
			status = sandbox.StatusRunning
		}
	}

	var ip string
	if info.NetworkSettings != nil {
		if info.NetworkSettings.IPAddress != "" {
			ip = info.NetworkSettings.IPAddress
		} else {
			for _, netSettings := range info.NetworkSettings.Networks {
				if netSettings.IPAddress != "" {
					ip = netSettings.IPAddress
					break
				}
			}
		}
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, info.Created)

	labels := map[string]string{}
	if info.Config != nil && info.Config.Labels != nil {
		labels = info.Config.Labels
	}

	return &inspected{
		instance: &sandbox.Instance{
			SessionID: sessionID,
			Status:    status,
			IP:        ip,
			AgentPort: p.cfg.AgentPort,
			CreatedAt: createdAt,
		},
		labels: labels,
		id:     info.ID,
	}, nil
}

// Get returns current status and network coordinates.
func (p *Provider) Get(ctx context.Context, sessionID string) (*sandbox.Instance, error) {
	ins, err := p.inspect(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return ins.instance, nil
}

// Stop gracefully stops the container, killing it after timeout.
func (p *Provider) Stop(ctx context.Context, sessionID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := p.cli.ContainerStop(ctx, containerName(sessionID), container.StopOptions{Timeout: &seconds})
	if err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
		}
		return fmt.Errorf("%w: stop container: %v", sandbox.ErrBackendUnavailable, err)
	}
	return nil
}

// Destroy force-removes the container and its anonymous volumes. Unknown
// sessions are a no-op.
func (p *Provider) Destroy(ctx context.Context, sessionID string) error {
	err := p.cli.ContainerRemove(ctx, containerName(sessionID), container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("%w: remove container: %v", sandbox.ErrBackendUnavailable, err)
	}
	return nil
}

// ListSessions returns the session IDs of every container this provider
// manages, in any state. Used by the reconciliation sweep.
func (p *Provider) ListSessions(ctx context.Context) ([]string, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelSession)
	containers, err := p.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, fmt.Errorf("%w: list containers: %v", sandbox.ErrBackendUnavailable, err)
	}
	ids := make([]string, 0, len(containers))
	for _, ctr := range containers {
		if id := ctr.Labels[labelSession]; id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Exec runs argv to completion inside the container.
func (p *Provider) Exec(ctx context.Context, sessionID string, argv []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	execResp, err := p.cli.ContainerExecCreate(ctx, containerName(sessionID), container.ExecOptions{
		Cmd:          argv,
		Env:          env,
		User:         opts.User,
		AttachStdin:  len(opts.Stdin) > 0,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
		}
		if strings.Contains(err.Error(), "is not running") {
			return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotRunning, sessionID)
		}
		return nil, fmt.Errorf("%w: exec create: %v", sandbox.ErrExecFailed, err)
	}

	attachResp, err := p.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: exec attach: %v", sandbox.ErrExecFailed, err)
	}
	defer attachResp.Close()

	if len(opts.Stdin) > 0 {
		if _, err := attachResp.Conn.Write(opts.Stdin); err != nil {
			return nil, fmt.Errorf("%w: write stdin: %v", sandbox.ErrIO, err)
		}
		_ = attachResp.CloseWrite()
	}

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, attachResp.Reader); err != nil {
		return nil, fmt.Errorf("%w: read exec output: %v", sandbox.ErrIO, err)
	}

	inspectResp, err := p.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: exec inspect: %v", sandbox.ErrExecFailed, err)
	}

	return &sandbox.ExecResult{
		Stdout:   outBuf.Bytes(),
		Stderr:   errBuf.Bytes(),
		ExitCode: inspectResp.ExitCode,
	}, nil
}

// ExecStream runs argv with a live bidirectional stream. Only stdout carries
// protocol data; stderr is dropped so SFTP and tunnel framing stay intact.
func (p *Provider) ExecStream(ctx context.Context, sessionID string, argv []string, opts sandbox.ExecOptions) (sandbox.Stream, error) {
	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	execResp, err := p.cli.ContainerExecCreate(ctx, containerName(sessionID), container.ExecOptions{
		Cmd:          argv,
		Env:          env,
		User:         opts.User,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
		}
		if strings.Contains(err.Error(), "is not running") {
			return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotRunning, sessionID)
		}
		return nil, fmt.Errorf("%w: exec create: %v", sandbox.ErrExecFailed, err)
	}

	attachResp, err := p.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: exec attach: %v", sandbox.ErrExecFailed, err)
	}

	stdoutReader, stdoutWriter := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutWriter, io.Discard, attachResp.Reader)
		_ = stdoutWriter.CloseWithError(err)
	}()

	return &execStream{
		provider: p,
		execID:   execResp.ID,
		conn:     attachResp,
		stdout:   stdoutReader,
	}, nil
}

type execStream struct {
	provider *Provider
	execID   string
	conn     types.HijackedResponse
	stdout   *io.PipeReader
}

func (s *execStream) Read(b []byte) (int, error)  { return s.stdout.Read(b) }
func (s *execStream) Write(b []byte) (int, error) { return s.conn.Conn.Write(b) }

func (s *execStream) CloseWrite() error { return s.conn.CloseWrite() }

func (s *execStream) Close() error {
	s.conn.Close()
	return s.stdout.Close()
}

func (s *execStream) Wait(ctx context.Context) (int, error) {
	for {
		inspectResp, err := s.provider.cli.ContainerExecInspect(ctx, s.execID)
		if err != nil {
			return -1, fmt.Errorf("%w: exec inspect: %v", sandbox.ErrExecFailed, err)
		}
		if !inspectResp.Running {
			return inspectResp.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(execPollInterval):
		}
	}
}

// Attach opens an interactive PTY exec. With a TTY the engine sends a raw
// byte stream, no multiplex headers.
func (p *Provider) Attach(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error) {
	env := make([]string, 0, len(opts.Env)+1)
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "TERM=xterm-256color")

	cmd := opts.Command
	if len(cmd) == 0 {
		cmd = []string{"/bin/bash", "-l"}
	}

	consoleSize := &[2]uint{uint(opts.Rows), uint(opts.Cols)}
	execResp, err := p.cli.ContainerExecCreate(ctx, containerName(sessionID), container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		User:         opts.User,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ConsoleSize:  consoleSize,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
		}
		if strings.Contains(err.Error(), "is not running") {
			return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotRunning, sessionID)
		}
		return nil, fmt.Errorf("%w: exec create: %v", sandbox.ErrExecFailed, err)
	}

	attachResp, err := p.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{Tty: true, ConsoleSize: consoleSize})
	if err != nil {
		return nil, fmt.Errorf("%w: exec attach: %v", sandbox.ErrExecFailed, err)
	}

	return &execPTY{provider: p, execID: execResp.ID, conn: attachResp}, nil
}

type execPTY struct {
	provider *Provider
	execID   string
	conn     types.HijackedResponse
}

func (t *execPTY) Read(b []byte) (int, error)  { return t.conn.Reader.Read(b) }
func (t *execPTY) Write(b []byte) (int, error) { return t.conn.Conn.Write(b) }

func (t *execPTY) Close() error {
	t.conn.Close()
	return nil
}

func (t *execPTY) Resize(rows, cols uint16) error {
	err := t.provider.cli.ContainerExecResize(context.Background(), t.execID, container.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
	if err != nil {
		return fmt.Errorf("%w: exec resize: %v", sandbox.ErrIO, err)
	}
	return nil
}

func (t *execPTY) Wait(ctx context.Context) (int, error) {
	for {
		inspectResp, err := t.provider.cli.ContainerExecInspect(ctx, t.execID)
		if err != nil {
			return -1, fmt.Errorf("%w: exec inspect: %v", sandbox.ErrExecFailed, err)
		}
		if !inspectResp.Running {
			return inspectResp.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(execPollInterval):
		}
	}
}

// HTTPProxy forwards req to the container's agent-api. The caller owns the
// response body.
func (p *Provider) HTTPProxy(ctx context.Context, sessionID string, req *http.Request) (*http.Response, error) {
	inst, err := p.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if inst.Status != sandbox.StatusRunning || inst.IP == "" {
		return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotRunning, sessionID)
	}

	target := *req.URL
	target.Scheme = "http"
	target.Host = inst.IP + ":" + strconv.Itoa(inst.AgentPort)

	proxied, err := http.NewRequestWithContext(ctx, req.Method, target.String(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrIO, err)
	}
	proxied.Header = req.Header.Clone()

	resp, err := p.http.Do(proxied)
	if err != nil {
		return nil, fmt.Errorf("%w: proxy request: %v", sandbox.ErrIO, err)
	}
	return resp, nil
}

// UserInfo reports the image's default user by running id inside the
// container.
func (p *Provider) UserInfo(ctx context.Context, sessionID string) (*sandbox.UserInfo, error) {
	result, err := p.Exec(ctx, sessionID, []string{"sh", "-c", "id -u && id -g && id -un"}, sandbox.ExecOptions{})
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("%w: id exited %d: %s", sandbox.ErrExecFailed, result.ExitCode, result.Stderr)
	}
	lines := strings.Split(strings.TrimSpace(string(result.Stdout)), "\n")
	if len(lines) < 3 {
		return nil, fmt.Errorf("%w: unexpected id output %q", sandbox.ErrExecFailed, result.Stdout)
	}
	uid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return nil, fmt.Errorf("%w: parse uid: %v", sandbox.ErrExecFailed, err)
	}
	gid, err := strconv.Atoi(strings.TrimSpace(lines[1]))
	if err != nil {
		return nil, fmt.Errorf("%w: parse gid: %v", sandbox.ErrExecFailed, err)
	}
	return &sandbox.UserInfo{
		Username: strings.TrimSpace(lines[2]),
		UID:      uid,
		GID:      gid,
	}, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, sandbox.ErrNotFound)
}
