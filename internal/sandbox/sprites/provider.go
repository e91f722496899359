// Package sprites implements the sandbox provider on Sprites.dev remote
// VMs. Sprites are created lazily on first command; the agent-api inside the
// VM is reached through a forwarded local port rather than a routable IP.
package sprites

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/discobot/discobot/internal/common/logger"
	"github.com/discobot/discobot/internal/sandbox"
)

const (
	spriteNamePrefix    = "discobot-"
	workspacePath       = "/workspace"
	stepTimeout         = 120 * time.Second
	healthRetryInterval = 500 * time.Millisecond
	agentCommand        = "discobot-agent-api"
)

// Config parameterizes the vm backend.
type Config struct {
	Token        string
	AgentPort    int
	StartTimeout time.Duration
}

type vmState struct {
	fingerprint string
	env         map[string]string
	started     bool
	localPort   int
	proxy       *sprites.ProxySession
	createdAt   time.Time
}

// Provider runs sandboxes as Sprites.dev VMs.
type Provider struct {
	client *sprites.Client
	cfg    Config
	http   *http.Client
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*vmState
}

// New creates a sprites Provider.
func New(cfg Config, log *logger.Logger) (*Provider, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: sprites token not configured", sandbox.ErrBackendUnavailable)
	}
	return &Provider{
		client: sprites.New(cfg.Token),
		cfg:    cfg,
		// Redirects from the agent pass through to the caller untouched.
		http: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:   log.WithFields(zap.String("component", "sandbox.sprites")),
		sessions: make(map[string]*vmState),
	}, nil
}

func spriteName(sessionID string) string {
	return spriteNamePrefix + sessionID
}

func (p *Provider) sprite(sessionID string) *sprites.Sprite {
	return p.client.Sprite(spriteName(sessionID))
}

func envFingerprint(opts sandbox.CreateOptions) string {
	pairs := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		pairs = append(pairs, k+"="+v)
	}
	return opts.Image + "|" + strings.Join(pairs, ";")
}

// Create provisions the session's sprite. The VM itself materializes on the
// first command; a probe command forces it into existence.
func (p *Provider) Create(ctx context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Instance, error) {
	fingerprint := envFingerprint(opts)

	p.mu.Lock()
	if state, ok := p.sessions[sessionID]; ok {
		defer p.mu.Unlock()
		if state.fingerprint != fingerprint {
			return nil, fmt.Errorf("%w: session %s has a sprite with different options", sandbox.ErrAlreadyExists, sessionID)
		}
		return p.instanceLocked(sessionID, state), nil
	}
	p.mu.Unlock()

	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	p.logger.Info("creating sprite", zap.String("session_id", sessionID))
	out, err := p.sprite(sessionID).CommandContext(stepCtx, "echo", "discobot-ready").Output()
	if err != nil {
		return nil, fmt.Errorf("%w: create sprite: %v", sandbox.ErrBackendUnavailable, err)
	}
	if !strings.Contains(string(out), "discobot-ready") {
		return nil, fmt.Errorf("%w: unexpected sprite output %q", sandbox.ErrBackendUnavailable, out)
	}

	if _, err := p.sprite(sessionID).CommandContext(stepCtx, "mkdir", "-p", workspacePath).Output(); err != nil {
		return nil, fmt.Errorf("%w: prepare workspace: %v", sandbox.ErrBackendUnavailable, err)
	}

	state := &vmState{
		fingerprint: fingerprint,
		env:         opts.Env,
		createdAt:   time.Now().UTC(),
	}
	p.mu.Lock()
	p.sessions[sessionID] = state
	inst := p.instanceLocked(sessionID, state)
	p.mu.Unlock()
	return inst, nil
}

func (p *Provider) instanceLocked(sessionID string, state *vmState) *sandbox.Instance {
	status := sandbox.StatusCreating
	port := 0
	if state.started {
		status = sandbox.StatusRunning
		port = state.localPort
	}
	return &sandbox.Instance{
		SessionID: sessionID,
		Status:    status,
		IP:        "127.0.0.1",
		AgentPort: port,
		CreatedAt: state.createdAt,
	}
}

// Start launches the agent-api inside the sprite, forwards a local port to
// it, and waits for the health endpoint.
func (p *Provider) Start(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	state, ok := p.sessions[sessionID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	if state.started {
		return nil
	}

	// The agent must outlive this call, so the command context is detached.
	cmd := p.sprite(sessionID).CommandContext(context.Background(),
		agentCommand, "--port", strconv.Itoa(p.cfg.AgentPort), "--workspace", workspacePath)
	cmd.Env = flattenEnv(state.env)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start agent: %v", sandbox.ErrBackendUnavailable, err)
	}

	if err := p.waitForHealth(ctx, sessionID); err != nil {
		return err
	}

	localPort, err := freePort()
	if err != nil {
		return fmt.Errorf("%w: allocate local port: %v", sandbox.ErrIO, err)
	}
	proxy, err := p.sprite(sessionID).ProxyPort(ctx, localPort, p.cfg.AgentPort)
	if err != nil {
		return fmt.Errorf("%w: port forwarding: %v", sandbox.ErrBackendUnavailable, err)
	}

	p.mu.Lock()
	state.started = true
	state.localPort = localPort
	state.proxy = proxy
	p.mu.Unlock()

	p.logger.Info("sprite ready",
		zap.String("session_id", sessionID),
		zap.Int("local_port", localPort))
	return nil
}

func (p *Provider) waitForHealth(ctx context.Context, sessionID string) error {
	deadline := time.Now().Add(p.cfg.StartTimeout)
	healthURL := fmt.Sprintf("http://localhost:%d/health", p.cfg.AgentPort)

	for time.Now().Before(deadline) {
		checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		out, err := p.sprite(sessionID).CommandContext(checkCtx, "curl", "-sf", healthURL).Output()
		cancel()
		if err == nil && len(out) > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthRetryInterval):
		}
	}
	return fmt.Errorf("%w: agent-api not healthy after %s", sandbox.ErrStartTimeout, p.cfg.StartTimeout)
}

// Get returns current status. The IP is always loopback; the agent port is
// the forwarded local port.
func (p *Provider) Get(ctx context.Context, sessionID string) (*sandbox.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	return p.instanceLocked(sessionID, state), nil
}

// Stop tears down the port forward and kills the in-sprite agent.
func (p *Provider) Stop(ctx context.Context, sessionID string, timeout time.Duration) error {
	p.mu.Lock()
	state, ok := p.sessions[sessionID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	proxy := state.proxy
	state.started = false
	state.proxy = nil
	state.localPort = 0
	p.mu.Unlock()

	if proxy != nil {
		_ = proxy.Close()
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, _ = p.sprite(sessionID).CommandContext(stopCtx, "pkill", "-f", agentCommand).Output()
	return nil
}

// Destroy removes the sprite. Unknown sessions are a no-op.
func (p *Provider) Destroy(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	state, ok := p.sessions[sessionID]
	if ok {
		if state.proxy != nil {
			_ = state.proxy.Close()
		}
		delete(p.sessions, sessionID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if err := p.sprite(sessionID).Destroy(); err != nil {
		p.logger.Warn("failed to destroy sprite",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return fmt.Errorf("%w: destroy sprite: %v", sandbox.ErrBackendUnavailable, err)
	}
	return nil
}

// Exec runs argv to completion. Stdout and stderr arrive combined; sprites
// commands do not expose separate streams.
func (p *Provider) Exec(ctx context.Context, sessionID string, argv []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	if err := p.requireSession(sessionID); err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty argv", sandbox.ErrExecFailed)
	}

	cmd := p.sprite(sessionID).CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = flattenEnv(opts.Env)
	cmd.Dir = workspacePath

	if len(opts.Stdin) > 0 {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("%w: stdin pipe: %v", sandbox.ErrIO, err)
		}
		go func() {
			_, _ = stdin.Write(opts.Stdin)
			_ = stdin.Close()
		}()
	}

	out, err := cmd.CombinedOutput()
	result := &sandbox.ExecResult{Stdout: out}
	if err != nil {
		result.ExitCode = 1
		if exitErr, ok := err.(interface{ ExitCode() int }); ok {
			result.ExitCode = exitErr.ExitCode()
		}
	}
	return result, nil
}

// ExecStream runs argv with live pipes.
func (p *Provider) ExecStream(ctx context.Context, sessionID string, argv []string, opts sandbox.ExecOptions) (sandbox.Stream, error) {
	if err := p.requireSession(sessionID); err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty argv", sandbox.ErrExecFailed)
	}

	cmd := p.sprite(sessionID).CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = flattenEnv(opts.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", sandbox.ErrIO, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", sandbox.ErrIO, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start command: %v", sandbox.ErrExecFailed, err)
	}

	stream := &spriteStream{stdin: stdin, stdout: stdout, done: make(chan struct{})}
	go func() {
		defer close(stream.done)
		if err := cmd.Wait(); err != nil {
			stream.exitCode = 1
			if exitErr, ok := err.(interface{ ExitCode() int }); ok {
				stream.exitCode = exitErr.ExitCode()
			}
		}
	}()
	return stream, nil
}

type spriteStream struct {
	stdin    io.WriteCloser
	stdout   io.Reader
	done     chan struct{}
	exitCode int
}

func (s *spriteStream) Read(b []byte) (int, error)  { return s.stdout.Read(b) }
func (s *spriteStream) Write(b []byte) (int, error) { return s.stdin.Write(b) }
func (s *spriteStream) CloseWrite() error           { return s.stdin.Close() }

func (s *spriteStream) Close() error {
	return s.stdin.Close()
}

func (s *spriteStream) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-s.done:
		return s.exitCode, nil
	}
}

// Attach runs an interactive shell over the command pipes. Sprites commands
// carry no terminal channel, so resize requests are dropped.
func (p *Provider) Attach(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error) {
	cmd := opts.Command
	if len(cmd) == 0 {
		cmd = []string{"/bin/bash", "-i"}
	}
	stream, err := p.ExecStream(ctx, sessionID, cmd, sandbox.ExecOptions{Env: opts.Env, User: opts.User})
	if err != nil {
		return nil, err
	}
	return &streamPTY{Stream: stream}, nil
}

type streamPTY struct {
	sandbox.Stream
}

func (t *streamPTY) Resize(rows, cols uint16) error { return nil }

// HTTPProxy forwards req through the sprite's forwarded agent port.
func (p *Provider) HTTPProxy(ctx context.Context, sessionID string, req *http.Request) (*http.Response, error) {
	p.mu.Lock()
	state, ok := p.sessions[sessionID]
	var port int
	started := false
	if ok {
		port = state.localPort
		started = state.started
	}
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	if !started {
		return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotRunning, sessionID)
	}

	target := *req.URL
	target.Scheme = "http"
	target.Host = "127.0.0.1:" + strconv.Itoa(port)

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

// UserInfo reports the sprite's default user.
func (p *Provider) UserInfo(ctx context.Context, sessionID string) (*sandbox.UserInfo, error) {
	if err := p.requireSession(sessionID); err != nil {
		return nil, err
	}
	out, err := p.sprite(sessionID).CommandContext(ctx, "sh", "-c", "id -u && id -g && id -un").Output()
	if err != nil {
		return nil, fmt.Errorf("%w: id: %v", sandbox.ErrExecFailed, err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 3 {
		return nil, fmt.Errorf("%w: unexpected id output %q", sandbox.ErrExecFailed, out)
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

func (p *Provider) requireSession(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	return nil
}

func flattenEnv(env map[string]string) []string {
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	return result
}

// freePort asks the OS for an unused TCP port for the sprite tunnel's local
// end.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port, nil
}
