// Package agentapi is the typed client for the in-sandbox agent-api. All
// traffic rides the sandbox provider's HTTP proxy; the control plane never
// dials sandbox addresses directly.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/discobot/discobot/internal/model"
	"github.com/discobot/discobot/internal/sandbox"
)

// Client talks to one session's agent-api.
type Client struct {
	provider  sandbox.Provider
	sessionID string
}

// New creates a Client bound to a session.
func New(provider sandbox.Provider, sessionID string) *Client {
	return &Client{provider: provider, sessionID: sessionID}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.provider.HTTPProxy(ctx, c.sessionID, req)
}

// checkStatus drains and closes the response on non-2xx.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return fmt.Errorf("agent-api returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}

// Health probes the agent-api health endpoint.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return checkStatus(resp)
}

// StartAgentRequest configures the in-sandbox agent process.
type StartAgentRequest struct {
	AgentType    string                  `json:"agentType"`
	SystemPrompt string                  `json:"systemPrompt,omitempty"`
	MCPServers   []*model.AgentMCPServer `json:"mcpServers,omitempty"`
	Env          map[string]string       `json:"env,omitempty"`
}

// StartAgent launches the agent inside the sandbox. Credential material
// travels in Env and never appears in logs.
func (c *Client) StartAgent(ctx context.Context, req StartAgentRequest) error {
	resp, err := c.do(ctx, http.MethodPost, "/agent/start", req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return checkStatus(resp)
}

// Chat posts a chat turn and returns the raw SSE response. The caller owns
// the body and must drain it to completion or cancel ctx.
func (c *Client) Chat(ctx context.Context, payload json.RawMessage) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/agent/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.provider.HTTPProxy(ctx, c.sessionID, req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Cancel aborts the in-flight completion, if any.
func (c *Client) Cancel(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/agent/cancel", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return checkStatus(resp)
}

// Service is one long-running process managed by the agent-api.
type Service struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Port    int    `json:"port"`
}

// ListServices returns the sandbox's managed services.
func (c *Client) ListServices(ctx context.Context) ([]Service, error) {
	resp, err := c.do(ctx, http.MethodGet, "/services", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var body struct {
		Services []Service `json:"services"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode services: %w", err)
	}
	return body.Services, nil
}

// StartService starts a managed service by name.
func (c *Client) StartService(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodPost, "/services/"+name+"/start", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return checkStatus(resp)
}

// StopService stops a managed service by name.
func (c *Client) StopService(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodPost, "/services/"+name+"/stop", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return checkStatus(resp)
}

// ServiceOutput returns the captured output of a managed service.
func (c *Client) ServiceOutput(ctx context.Context, name string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/services/"+name+"/output", nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}
