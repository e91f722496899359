// Package mock implements the sandbox provider in memory with a scripted
// in-process agent-api. It backs the integration test suites and the
// SANDBOX_BACKEND=mock development mode; no containers are involved.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/discobot/discobot/internal/sandbox"
	"github.com/discobot/discobot/pkg/aisdk"
)

// headerSession routes proxied requests to the right in-memory sandbox.
const headerSession = "X-Mock-Session"

// Sandbox is the observable state of one mock sandbox. Tests reach in
// through Provider.Sandbox for assertions.
type Sandbox struct {
	SessionID    string
	Status       sandbox.Status
	Opts         sandbox.CreateOptions
	CreatedAt    time.Time
	AgentStarted bool
	AgentType    string
	SystemPrompt string
	CancelCount  int
	Services     map[string]bool
}

// ChatScript produces the chunk stream the scripted agent answers with.
type ChatScript func(body []byte) []aisdk.Chunk

// DefaultChatScript streams a short greeting.
func DefaultChatScript(body []byte) []aisdk.Chunk {
	return []aisdk.Chunk{
		{Type: aisdk.ChunkStart, MessageID: "msg-mock"},
		{Type: aisdk.ChunkTextStart, ID: "t0"},
		{Type: aisdk.ChunkTextDelta, ID: "t0", Delta: "Hello from the mock agent."},
		{Type: aisdk.ChunkTextEnd, ID: "t0"},
		{Type: aisdk.ChunkFinish, FinishReason: "stop"},
	}
}

// Provider is the in-memory sandbox backend.
type Provider struct {
	mu        sync.Mutex
	sandboxes map[string]*Sandbox

	// Script is consulted per chat request. Swap it in tests to drive
	// tool-call or error scenarios.
	Script ChatScript
	// ChunkDelay spaces out scripted chunks so tests observe streaming.
	ChunkDelay time.Duration
	// FailHealth makes Start exceed its deadline, for timeout tests.
	FailHealth bool
	// StartTimeout bounds the (instant) health wait. Kept for parity with
	// real backends.
	StartTimeout time.Duration

	// Destroyed records every Destroy call, including no-ops.
	Destroyed []string

	server   *http.Server
	listener net.Listener
	port     int
	http     *http.Client
}

// NewProvider creates a mock Provider and starts its loopback agent-api.
func NewProvider() *Provider {
	p := &Provider{
		sandboxes:    make(map[string]*Sandbox),
		Script:       DefaultChatScript,
		StartTimeout: time.Second,
		// Redirects from the fake agent pass through like the real backends.
		http: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", p.handleHealth)
	mux.HandleFunc("/agent/start", p.handleAgentStart)
	mux.HandleFunc("/agent/chat", p.handleAgentChat)
	mux.HandleFunc("/agent/cancel", p.handleAgentCancel)
	mux.HandleFunc("/services", p.handleServices)
	mux.HandleFunc("/services/", p.handleService)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("mock sandbox listener: %v", err))
	}
	p.listener = listener
	p.port = listener.Addr().(*net.TCPAddr).Port
	p.server = &http.Server{Handler: mux}
	go func() { _ = p.server.Serve(listener) }()

	return p
}

// Close stops the loopback agent-api.
func (p *Provider) Close() error {
	return p.server.Close()
}

// Sandbox returns the mock state for a session, or nil.
func (p *Provider) Sandbox(sessionID string) *Sandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sandboxes[sessionID]
}

// Create registers an in-memory sandbox.
func (p *Provider) Create(ctx context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.sandboxes[sessionID]; ok {
		if existing.Opts.Image != opts.Image {
			return nil, fmt.Errorf("%w: session %s", sandbox.ErrAlreadyExists, sessionID)
		}
		return p.instanceLocked(existing), nil
	}

	sb := &Sandbox{
		SessionID: sessionID,
		Status:    sandbox.StatusCreating,
		Opts:      opts,
		CreatedAt: time.Now().UTC(),
		Services:  map[string]bool{"web": false},
	}
	p.sandboxes[sessionID] = sb
	return p.instanceLocked(sb), nil
}

func (p *Provider) instanceLocked(sb *Sandbox) *sandbox.Instance {
	return &sandbox.Instance{
		SessionID: sb.SessionID,
		Status:    sb.Status,
		IP:        "127.0.0.1",
		AgentPort: p.port,
		CreatedAt: sb.CreatedAt,
	}
}

// Start marks the sandbox running. FailHealth simulates an unhealthy agent.
func (p *Provider) Start(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	sb, ok := p.sandboxes[sessionID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	if p.FailHealth {
		return fmt.Errorf("%w: agent-api not healthy after %s", sandbox.ErrStartTimeout, p.StartTimeout)
	}
	p.mu.Lock()
	sb.Status = sandbox.StatusRunning
	p.mu.Unlock()
	return nil
}

// Get returns current status.
func (p *Provider) Get(ctx context.Context, sessionID string) (*sandbox.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	return p.instanceLocked(sb), nil
}

// Stop marks the sandbox stopped.
func (p *Provider) Stop(ctx context.Context, sessionID string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[sessionID]
	if !ok {
		return fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	sb.Status = sandbox.StatusStopped
	return nil
}

// Destroy removes the sandbox. Unknown sessions are recorded and ignored.
func (p *Provider) Destroy(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Destroyed = append(p.Destroyed, sessionID)
	delete(p.sandboxes, sessionID)
	return nil
}

// Exec pretends to run argv. A handful of commands used by the job executors
// and the SSH gateway get canned answers; everything else exits 0 silently.
func (p *Provider) Exec(ctx context.Context, sessionID string, argv []string, opts sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	p.mu.Lock()
	sb, ok := p.sandboxes[sessionID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	if sb.Status != sandbox.StatusRunning {
		return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotRunning, sessionID)
	}

	cmd := strings.Join(argv, " ")
	switch {
	case strings.Contains(cmd, "id -u && id -g && id -un"):
		return &sandbox.ExecResult{Stdout: []byte("1000\n1000\nagent\n")}, nil
	case strings.Contains(cmd, "rev-parse HEAD"):
		return &sandbox.ExecResult{Stdout: []byte("0123456789abcdef0123456789abcdef01234567\n")}, nil
	case len(argv) > 0 && argv[0] == "echo":
		return &sandbox.ExecResult{Stdout: []byte(strings.Join(argv[1:], " ") + "\n")}, nil
	}
	return &sandbox.ExecResult{}, nil
}

// ExecStream returns an echo stream: bytes written come back on read until
// CloseWrite, then the command "exits" 0.
func (p *Provider) ExecStream(ctx context.Context, sessionID string, argv []string, opts sandbox.ExecOptions) (sandbox.Stream, error) {
	p.mu.Lock()
	sb, ok := p.sandboxes[sessionID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	if sb.Status != sandbox.StatusRunning {
		return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotRunning, sessionID)
	}
	r, w := io.Pipe()
	return &echoStream{r: r, w: w, done: make(chan struct{})}, nil
}

type echoStream struct {
	r    *io.PipeReader
	w    *io.PipeWriter
	once sync.Once
	done chan struct{}
}

func (s *echoStream) Read(b []byte) (int, error)  { return s.r.Read(b) }
func (s *echoStream) Write(b []byte) (int, error) { return s.w.Write(b) }

func (s *echoStream) CloseWrite() error {
	s.once.Do(func() {
		_ = s.w.Close()
		close(s.done)
	})
	return nil
}

func (s *echoStream) Close() error {
	_ = s.CloseWrite()
	return s.r.Close()
}

func (s *echoStream) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-s.done:
		return 0, nil
	}
}

// Attach returns an echo PTY.
func (p *Provider) Attach(ctx context.Context, sessionID string, opts sandbox.AttachOptions) (sandbox.PTY, error) {
	stream, err := p.ExecStream(ctx, sessionID, []string{"sh"}, sandbox.ExecOptions{Env: opts.Env, User: opts.User})
	if err != nil {
		return nil, err
	}
	return &echoPTY{Stream: stream}, nil
}

type echoPTY struct {
	sandbox.Stream

	mu   sync.Mutex
	rows uint16
	cols uint16
}

func (t *echoPTY) Resize(rows, cols uint16) error {
	t.mu.Lock()
	t.rows, t.cols = rows, cols
	t.mu.Unlock()
	return nil
}

// HTTPProxy forwards req to the loopback agent-api, tagged with the session.
func (p *Provider) HTTPProxy(ctx context.Context, sessionID string, req *http.Request) (*http.Response, error) {
	p.mu.Lock()
	sb, ok := p.sandboxes[sessionID]
	var status sandbox.Status
	if ok {
		status = sb.Status
	}
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	if status != sandbox.StatusRunning {
		return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotRunning, sessionID)
	}

	target := *req.URL
	target.Scheme = "http"
	target.Host = fmt.Sprintf("127.0.0.1:%d", p.port)

	proxied, err := http.NewRequestWithContext(ctx, req.Method, target.String(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrIO, err)
	}
	proxied.Header = req.Header.Clone()
	proxied.Header.Set(headerSession, sessionID)

	resp, err := p.http.Do(proxied)
	if err != nil {
		return nil, fmt.Errorf("%w: proxy request: %v", sandbox.ErrIO, err)
	}
	return resp, nil
}

// UserInfo reports the canned mock user.
func (p *Provider) UserInfo(ctx context.Context, sessionID string) (*sandbox.UserInfo, error) {
	p.mu.Lock()
	_, ok := p.sandboxes[sessionID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: session %s", sandbox.ErrNotFound, sessionID)
	}
	return &sandbox.UserInfo{Username: "agent", UID: 1000, GID: 1000}, nil
}

// --- scripted agent-api handlers ---

func (p *Provider) sessionFor(r *http.Request) *Sandbox {
	return p.Sandbox(r.Header.Get(headerSession))
}

func (p *Provider) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (p *Provider) handleAgentStart(w http.ResponseWriter, r *http.Request) {
	sb := p.sessionFor(r)
	if sb == nil {
		http.Error(w, `{"error":"unknown session"}`, http.StatusNotFound)
		return
	}
	var body struct {
		AgentType    string `json:"agentType"`
		SystemPrompt string `json:"systemPrompt"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	p.mu.Lock()
	sb.AgentStarted = true
	sb.AgentType = body.AgentType
	sb.SystemPrompt = body.SystemPrompt
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"started"}`))
}

func (p *Provider) handleAgentChat(w http.ResponseWriter, r *http.Request) {
	sb := p.sessionFor(r)
	if sb == nil {
		http.Error(w, `{"error":"unknown session"}`, http.StatusNotFound)
		return
	}
	body, _ := io.ReadAll(r.Body)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(aisdk.StreamProtocolHeader, aisdk.StreamProtocolVersion)
	flusher, _ := w.(http.Flusher)

	for _, chunk := range p.Script(body) {
		fmt.Fprintf(w, "data: %s\n\n", chunk.Encode())
		if flusher != nil {
			flusher.Flush()
		}
		if p.ChunkDelay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(p.ChunkDelay):
			}
		}
	}
	fmt.Fprintf(w, "data: %s\n\n", aisdk.DoneSentinel)
	if flusher != nil {
		flusher.Flush()
	}
}

func (p *Provider) handleAgentCancel(w http.ResponseWriter, r *http.Request) {
	sb := p.sessionFor(r)
	if sb == nil {
		http.Error(w, `{"error":"unknown session"}`, http.StatusNotFound)
		return
	}
	p.mu.Lock()
	sb.CancelCount++
	p.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (p *Provider) handleServices(w http.ResponseWriter, r *http.Request) {
	sb := p.sessionFor(r)
	if sb == nil {
		http.Error(w, `{"error":"unknown session"}`, http.StatusNotFound)
		return
	}

	type svc struct {
		Name    string `json:"name"`
		Running bool   `json:"running"`
		Port    int    `json:"port"`
	}
	p.mu.Lock()
	out := make([]svc, 0, len(sb.Services))
	for name, running := range sb.Services {
		out = append(out, svc{Name: name, Running: running, Port: 3000})
	}
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"services": out})
}

func (p *Provider) handleService(w http.ResponseWriter, r *http.Request) {
	sb := p.sessionFor(r)
	if sb == nil {
		http.Error(w, `{"error":"unknown session"}`, http.StatusNotFound)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/services/")
	parts := strings.SplitN(rest, "/", 2)
	name := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	p.mu.Lock()
	_, known := sb.Services[name]
	p.mu.Unlock()
	if !known {
		http.Error(w, `{"error":"unknown service"}`, http.StatusNotFound)
		return
	}

	switch action {
	case "start":
		p.mu.Lock()
		sb.Services[name] = true
		p.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"started"}`))
	case "stop":
		p.mu.Lock()
		sb.Services[name] = false
		p.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"stopped"}`))
	case "output":
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "mock output for %s\n", name)
	default:
		if action == "http" || strings.HasPrefix(action, "http/") {
			// A /redirect path answers 302 so tests can assert the proxy
			// relays redirects instead of chasing them.
			if strings.HasSuffix(strings.TrimPrefix(action, "http"), "/redirect") {
				w.Header().Set("Location", "/login")
				w.WriteHeader(http.StatusFound)
				return
			}
			// Echo the forwarded request so proxy tests can assert on
			// routing and header hygiene.
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"service": name,
				"method":  r.Method,
				"path":    strings.TrimPrefix(action, "http"),
				"query":   r.URL.RawQuery,
				"cookie":  r.Header.Get("Cookie"),
				"auth":    r.Header.Get("Authorization"),
			})
			return
		}
		http.Error(w, `{"error":"unknown action"}`, http.StatusNotFound)
	}
}
