// Package sandbox defines the backend-neutral contract for per-session
// containers. A session owns exactly one sandbox, addressed by the session
// ID; backends plug in behind the Provider interface.
package sandbox

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Typed failures shared by every backend. Callers branch with errors.Is.
var (
	ErrNotFound           = errors.New("sandbox not found")
	ErrAlreadyExists      = errors.New("sandbox already exists")
	ErrNotRunning         = errors.New("sandbox not running")
	ErrStartTimeout       = errors.New("sandbox start timed out")
	ErrExecFailed         = errors.New("exec failed")
	ErrIO                 = errors.New("sandbox io error")
	ErrBackendUnavailable = errors.New("sandbox backend unavailable")
)

// Status is the lifecycle state of a sandbox.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusDestroyed Status = "destroyed"
)

// CreateOptions parameterizes sandbox creation. Recreating an existing
// session's sandbox with identical options is a no-op.
type CreateOptions struct {
	Image string
	Env   map[string]string
	// CPULimit is in fractional cores; MemoryLimitMB in mebibytes.
	// Zero means backend default.
	CPULimit      float64
	MemoryLimitMB int64
	// WorkspaceSource is bind-mounted at the in-sandbox workspace path.
	WorkspaceSource string
	// DataVolume names a persistent volume for agent state.
	DataVolume string
}

// Instance is the observable state of one sandbox.
type Instance struct {
	SessionID string
	Status    Status
	// IP and AgentPort locate the in-sandbox agent-api on backends that
	// expose an address; proxy-only backends leave IP empty.
	IP        string
	AgentPort int
	CreatedAt time.Time
}

// ExecOptions parameterizes one-shot and streaming exec.
type ExecOptions struct {
	Env   map[string]string
	Stdin []byte
	// User is "uid:gid"; empty runs as the image default.
	User string
}

// ExecResult is the outcome of a one-shot exec.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Stream is a bidirectional byte stream attached to a running command.
// Used for SFTP and for TCP tunneling through socat.
type Stream interface {
	io.ReadWriteCloser
	// CloseWrite half-closes the write side so the remote command sees EOF.
	CloseWrite() error
	// Wait blocks until the command exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
}

// AttachOptions parameterizes an interactive PTY attach.
type AttachOptions struct {
	Env  map[string]string
	Rows uint16
	Cols uint16
	User string
	// Command overrides the default login shell.
	Command []string
}

// PTY is an interactive terminal attached to a sandbox process.
type PTY interface {
	io.ReadWriteCloser
	Resize(rows, cols uint16) error
	Wait(ctx context.Context) (int, error)
}

// UserInfo describes the default in-sandbox user.
type UserInfo struct {
	Username string `json:"username"`
	UID      int    `json:"uid"`
	GID      int    `json:"gid"`
}

// Provider is the pluggable sandbox backend. Every operation takes a
// cancellable context and fails with one of the package's typed errors.
type Provider interface {
	// Create provisions a sandbox for the session. Idempotent for
	// identical options; ErrAlreadyExists when options differ.
	Create(ctx context.Context, sessionID string, opts CreateOptions) (*Instance, error)

	// Start runs the sandbox and blocks until the in-sandbox agent-api
	// reports healthy or the configured start timeout elapses.
	Start(ctx context.Context, sessionID string) error

	// Get returns current status and network coordinates.
	Get(ctx context.Context, sessionID string) (*Instance, error)

	// Stop signals the sandbox to shut down, killing it after timeout.
	Stop(ctx context.Context, sessionID string, timeout time.Duration) error

	// Destroy removes the sandbox and its state. No-op for stopped or
	// unknown sessions.
	Destroy(ctx context.Context, sessionID string) error

	// Exec runs argv to completion and returns its output.
	Exec(ctx context.Context, sessionID string, argv []string, opts ExecOptions) (*ExecResult, error)

	// ExecStream runs argv with a live bidirectional stream.
	ExecStream(ctx context.Context, sessionID string, argv []string, opts ExecOptions) (Stream, error)

	// Attach opens an interactive PTY in the sandbox.
	Attach(ctx context.Context, sessionID string, opts AttachOptions) (PTY, error)

	// HTTPProxy forwards req to the sandbox's agent-api and returns the
	// raw response. The caller owns resp.Body.
	HTTPProxy(ctx context.Context, sessionID string, req *http.Request) (*http.Response, error)

	// UserInfo reports the default in-sandbox user.
	UserInfo(ctx context.Context, sessionID string) (*UserInfo, error)
}
