// Package model defines the persistent entities of the control plane.
// Entities reference each other by ID only; handlers resolve related rows
// through the store rather than holding object graphs in memory.
package model

import (
	"encoding/json"
	"time"
)

// AnonymousUserID is the reserved principal used when auth is disabled.
const AnonymousUserID = "00000000000000000000000000"

// User is an authenticated principal, unique by (provider, provider_id).
type User struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	ProviderID string    `json:"provider_id"`
	Email      string    `json:"email,omitempty"`
	Name       string    `json:"name,omitempty"`
	AvatarURL  string    `json:"avatar_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// UserSession is an opaque login token presented via cookie.
// Only the salted hash of the token is stored.
type UserSession struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Project is the tenant boundary. Every workspace, agent, session,
// credential and event is scoped to exactly one project.
type Project struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProjectRole is a member's role within a project.
type ProjectRole string

const (
	RoleOwner  ProjectRole = "owner"
	RoleMember ProjectRole = "member"
)

// ProjectMember grants a user access to every project-scoped operation.
type ProjectMember struct {
	ProjectID string      `json:"project_id"`
	UserID    string      `json:"user_id"`
	Role      ProjectRole `json:"role"`
	CreatedAt time.Time   `json:"created_at"`
}

// ProjectInvitation is a pending membership offer; accepting it creates a
// ProjectMember row.
type ProjectInvitation struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	Email     string      `json:"email"`
	Role      ProjectRole `json:"role"`
	TokenHash string      `json:"-"`
	ExpiresAt time.Time   `json:"expires_at"`
	CreatedAt time.Time   `json:"created_at"`
}

// WorkspaceSourceType tells where a workspace's working tree comes from.
type WorkspaceSourceType string

const (
	WorkspaceSourceLocal WorkspaceSourceType = "local"
	WorkspaceSourceGit   WorkspaceSourceType = "git"
)

// WorkspaceStatus is the lifecycle state of a workspace.
type WorkspaceStatus string

const (
	WorkspaceInitializing WorkspaceStatus = "initializing"
	WorkspaceCloning      WorkspaceStatus = "cloning"
	WorkspaceReady        WorkspaceStatus = "ready"
	WorkspaceError        WorkspaceStatus = "error"
)

// Workspace is a project-scoped working tree source shared by the sessions
// spawned from it.
type Workspace struct {
	ID           string              `json:"id"`
	ProjectID    string              `json:"project_id"`
	Name         string              `json:"name"`
	Path         string              `json:"path"`
	SourceType   WorkspaceSourceType `json:"source_type"`
	Status       WorkspaceStatus     `json:"status"`
	Commit       *string             `json:"commit,omitempty"`
	ErrorMessage *string             `json:"error_message,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// SessionStatus is the lifecycle state of a session. error is reachable from
// any transitional state; closed is reached only through commit.
type SessionStatus string

const (
	SessionInitializing    SessionStatus = "initializing"
	SessionCloning         SessionStatus = "cloning"
	SessionCreatingSandbox SessionStatus = "creating_sandbox"
	SessionStartingAgent   SessionStatus = "starting_agent"
	SessionRunning         SessionStatus = "running"
	SessionError           SessionStatus = "error"
	SessionClosed          SessionStatus = "closed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionError || s == SessionClosed
}

// CommitStatus tracks the archive-and-close flow of a session.
type CommitStatus string

const (
	CommitNone      CommitStatus = "none"
	CommitPending   CommitStatus = "pending"
	CommitCompleted CommitStatus = "completed"
)

// Session is one chat thread bound to a workspace and optionally an agent.
// A session owns exactly one sandbox across its lifetime, identified by the
// session ID.
type Session struct {
	ID           string        `json:"id"`
	ProjectID    string        `json:"project_id"`
	WorkspaceID  string        `json:"workspace_id"`
	AgentID      *string       `json:"agent_id,omitempty"`
	Name         string        `json:"name"`
	Description  *string       `json:"description,omitempty"`
	Status       SessionStatus `json:"status"`
	ErrorMessage *string       `json:"error_message,omitempty"`
	CommitStatus CommitStatus  `json:"commit_status"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// MessageRole identifies the author side of a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is a session-scoped chat message, immutable once written. Parts is
// the JSON-encoded sequence of UI message parts; unknown part types round-trip
// untouched.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Role      MessageRole     `json:"role"`
	Parts     json.RawMessage `json:"parts"`
	CreatedAt time.Time       `json:"created_at"`
}

// Agent is an AI agent configuration that can be bound to sessions.
type Agent struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	Name         string    `json:"name"`
	AgentType    string    `json:"agent_type"`
	SystemPrompt *string   `json:"system_prompt,omitempty"`
	IsDefault    bool      `json:"is_default"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// MCPServers is populated on reads that join the mcp server rows.
	MCPServers []*AgentMCPServer `json:"mcp_servers,omitempty"`
}

// MCPTransport is the transport of a configured MCP server.
type MCPTransport string

const (
	MCPTransportStdio MCPTransport = "stdio"
	MCPTransportHTTP  MCPTransport = "http"
)

// AgentMCPServer is an MCP server configured for an agent. The control plane
// treats the configuration as opaque; it is handed to the in-sandbox agent
// verbatim.
type AgentMCPServer struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	Name      string          `json:"name"`
	Transport MCPTransport    `json:"transport"`
	Command   string          `json:"command,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	URL       string          `json:"url,omitempty"`
	Env       json.RawMessage `json:"env,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// CredentialAuthType is how a credential authenticates against its provider.
type CredentialAuthType string

const (
	AuthTypeAPIKey CredentialAuthType = "api_key"
	AuthTypeOAuth  CredentialAuthType = "oauth"
)

// Credential is a project-scoped secret for a model provider. Secret
// material is encrypted at rest and never serialized into API responses.
type Credential struct {
	ID        string             `json:"id"`
	ProjectID string             `json:"project_id"`
	Provider  string             `json:"provider"`
	AuthType  CredentialAuthType `json:"auth_type"`
	Secret    string             `json:"-"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// JobType enumerates the closed set of async work the dispatcher runs.
type JobType string

const (
	JobContainerCreate  JobType = "container_create"
	JobContainerDestroy JobType = "container_destroy"
	JobWorkspaceInit    JobType = "workspace_init"
	JobSessionInit      JobType = "session_init"
	JobSessionCommit    JobType = "session_commit"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one unit of async work. Jobs sharing a (ResourceType, ResourceID)
// pair execute strictly sequentially.
type Job struct {
	ID           string          `json:"id"`
	Type         JobType         `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Status       JobStatus       `json:"status"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Error        *string         `json:"error,omitempty"`
	WorkerID     *string         `json:"worker_id,omitempty"`
	ResourceType *string         `json:"resource_type,omitempty"`
	ResourceID   *string         `json:"resource_id,omitempty"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// DispatcherLeader is the singleton leadership lease row.
type DispatcherLeader struct {
	ServerID    string    `json:"server_id"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	AcquiredAt  time.Time `json:"acquired_at"`
}

// Recognized project event types. The column is free-form; these are the
// types this process emits.
const (
	EventSessionUpdated     = "session_updated"
	EventWorkspaceUpdated   = "workspace_updated"
	EventStartupTaskUpdated = "startup_task_updated"
)

// ProjectEvent is one row of the append-only per-project event log. Seq is
// assigned by the database on insert and is strictly increasing across all
// events; clients must tolerate gaps left by rolled-back inserts.
type ProjectEvent struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	ProjectID string          `json:"project_id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// TerminalEventKind classifies a terminal history record.
type TerminalEventKind string

const (
	TerminalInput  TerminalEventKind = "input"
	TerminalOutput TerminalEventKind = "output"
	TerminalResize TerminalEventKind = "resize"
)

// TerminalEvent is one append-only terminal history record for a session.
type TerminalEvent struct {
	ID        int64             `json:"id"`
	SessionID string            `json:"session_id"`
	Kind      TerminalEventKind `json:"kind"`
	Data      []byte            `json:"data"`
	CreatedAt time.Time         `json:"created_at"`
}

// UserPreference is a per-user key/value setting.
type UserPreference struct {
	UserID    string    `json:"user_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
