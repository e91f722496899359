package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/discobot/discobot/internal/common/logger"
	"github.com/discobot/discobot/internal/db"
	"github.com/discobot/discobot/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.Open(":memory:", 0, 0)
	require.NoError(t, err)

	s, err := New(pool, "test-salt", logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func timeInFuture() time.Time {
	return time.Now().UTC().Add(time.Hour)
}

func createTestProject(t *testing.T, s *Store) *model.Project {
	t.Helper()
	p := &model.Project{Slug: "proj-" + model.NewID(), Name: "Test Project"}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return p
}

func createTestWorkspace(t *testing.T, s *Store, projectID string) *model.Workspace {
	t.Helper()
	ws := &model.Workspace{
		ProjectID:  projectID,
		Name:       "main",
		Path:       "/tmp/ws",
		SourceType: model.WorkspaceSourceLocal,
		Status:     model.WorkspaceReady,
	}
	require.NoError(t, s.CreateWorkspace(context.Background(), ws))
	return ws
}

func TestUserUniqueByProvider(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &model.User{Provider: "github", ProviderID: "42", Email: "a@b.c"}
	require.NoError(t, s.CreateUser(ctx, u))

	dup := &model.User{Provider: "github", ProviderID: "42"}
	err := s.CreateUser(ctx, dup)
	require.ErrorIs(t, err, ErrConflict)

	got, err := s.GetUserByProvider(ctx, "github", "42")
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)
}

func TestEnsureDefaultProjectIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureDefaultProject(ctx)
	require.NoError(t, err)
	require.Equal(t, DefaultProjectSlug, first.Slug)

	member, err := s.GetProjectMember(ctx, first.ID, model.AnonymousUserID)
	require.NoError(t, err)
	require.Equal(t, model.RoleOwner, member.Role)

	second, err := s.EnsureDefaultProject(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestUserSessionTokenLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &model.User{Provider: "github", ProviderID: "1"}
	require.NoError(t, s.CreateUser(ctx, u))

	hash := s.HashToken("plain-token")
	sess := &model.UserSession{UserID: u.ID, TokenHash: hash, ExpiresAt: timeInFuture()}
	require.NoError(t, s.CreateUserSession(ctx, sess))

	got, err := s.GetUserSessionByTokenHash(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, u.ID, got.UserID)

	_, err = s.GetUserSessionByTokenHash(ctx, s.HashToken("wrong"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteUserSession(ctx, hash))
	_, err = s.GetUserSessionByTokenHash(ctx, hash)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteProjectCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, s)
	ws := createTestWorkspace(t, s, p.ID)

	sess := &model.Session{ProjectID: p.ID, WorkspaceID: ws.ID, Name: "chat"}
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NoError(t, s.CreateMessage(ctx, &model.Message{
		SessionID: sess.ID, Role: model.RoleUser, Parts: []byte(`[{"type":"text","text":"hi"}]`),
	}))
	agent := &model.Agent{ProjectID: p.ID, Name: "default", AgentType: "claude"}
	require.NoError(t, s.CreateAgent(ctx, agent))
	require.NoError(t, s.CreateCredential(ctx, &model.Credential{
		ProjectID: p.ID, Provider: "anthropic", AuthType: model.AuthTypeAPIKey, Secret: "sk-test",
	}))

	require.NoError(t, s.DeleteProject(ctx, p.ID))

	_, err := s.GetProject(ctx, p.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetWorkspace(ctx, ws.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSession(ctx, sess.ID)
	require.ErrorIs(t, err, ErrNotFound)
	msgs, err := s.ListMessagesBySession(ctx, sess.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestDeleteWorkspaceCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, s)
	ws := createTestWorkspace(t, s, p.ID)
	sess := &model.Session{ProjectID: p.ID, WorkspaceID: ws.ID, Name: "chat"}
	require.NoError(t, s.CreateSession(ctx, sess))

	require.NoError(t, s.DeleteWorkspace(ctx, ws.ID))
	_, err := s.GetSession(ctx, sess.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetDefaultAgentClearsPrevious(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, s)
	a1 := &model.Agent{ProjectID: p.ID, Name: "one", AgentType: "claude", IsDefault: true}
	a2 := &model.Agent{ProjectID: p.ID, Name: "two", AgentType: "claude"}
	require.NoError(t, s.CreateAgent(ctx, a1))
	require.NoError(t, s.CreateAgent(ctx, a2))

	require.NoError(t, s.SetDefaultAgent(ctx, p.ID, a2.ID))

	def, err := s.GetDefaultAgent(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, a2.ID, def.ID)

	agents, err := s.ListAgentsByProject(ctx, p.ID)
	require.NoError(t, err)
	defaults := 0
	for _, a := range agents {
		if a.IsDefault {
			defaults++
		}
	}
	require.Equal(t, 1, defaults)
}

func TestAgentMCPServersRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, s)
	agent := &model.Agent{
		ProjectID: p.ID,
		Name:      "tools",
		AgentType: "claude",
		MCPServers: []*model.AgentMCPServer{
			{Name: "fs", Transport: model.MCPTransportStdio, Command: "mcp-fs", Args: []byte(`["--root","/workspace"]`)},
			{Name: "web", Transport: model.MCPTransportHTTP, URL: "http://mcp.internal"},
		},
	}
	require.NoError(t, s.CreateAgent(ctx, agent))

	got, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, got.MCPServers, 2)
	require.Equal(t, "fs", got.MCPServers[0].Name)
	require.JSONEq(t, `["--root","/workspace"]`, string(got.MCPServers[0].Args))
}

func TestCredentialEncryptedAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, s)
	cred := &model.Credential{
		ProjectID: p.ID, Provider: "anthropic", AuthType: model.AuthTypeAPIKey, Secret: "sk-very-secret",
	}
	require.NoError(t, s.CreateCredential(ctx, cred))

	var stored string
	err := s.r().QueryRowx(s.r().Rebind(`SELECT secret FROM credentials WHERE id = ?`), cred.ID).Scan(&stored)
	require.NoError(t, err)
	require.NotContains(t, stored, "sk-very-secret")

	got, err := s.GetCredential(ctx, p.ID, "anthropic")
	require.NoError(t, err)
	require.Equal(t, "sk-very-secret", got.Secret)
}

func TestSetUserPreferenceUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &model.User{Provider: "github", ProviderID: "7"}
	require.NoError(t, s.CreateUser(ctx, u))

	require.NoError(t, s.SetUserPreference(ctx, u.ID, "theme", "dark"))
	require.NoError(t, s.SetUserPreference(ctx, u.ID, "theme", "light"))

	prefs, err := s.ListUserPreferences(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	require.Equal(t, "light", prefs[0].Value)
}

func TestInvitationAccept(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, s)
	u := &model.User{Provider: "github", ProviderID: "9", Email: "new@user.dev"}
	require.NoError(t, s.CreateUser(ctx, u))

	hash := s.HashToken("invite-token")
	inv := &model.ProjectInvitation{
		ProjectID: p.ID, Email: u.Email, Role: model.RoleMember,
		TokenHash: hash, ExpiresAt: timeInFuture(),
	}
	require.NoError(t, s.CreateInvitation(ctx, inv))

	member, err := s.AcceptInvitation(ctx, hash, u.ID)
	require.NoError(t, err)
	require.Equal(t, p.ID, member.ProjectID)
	require.Equal(t, model.RoleMember, member.Role)

	// Token is single use.
	_, err = s.AcceptInvitation(ctx, hash, u.ID)
	require.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetProjectMember(ctx, p.ID, u.ID)
	require.NoError(t, err)
	require.Equal(t, model.RoleMember, got.Role)
}

func TestListSessionsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := createTestProject(t, s)
	ws := createTestWorkspace(t, s, p.ID)
	open := &model.Session{ProjectID: p.ID, WorkspaceID: ws.ID, Name: "open", Status: model.SessionRunning}
	closed := &model.Session{ProjectID: p.ID, WorkspaceID: ws.ID, Name: "done", Status: model.SessionClosed}
	require.NoError(t, s.CreateSession(ctx, open))
	require.NoError(t, s.CreateSession(ctx, closed))

	sessions, err := s.ListSessions(ctx, p.ID, SessionFilter{WorkspaceID: ws.ID})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, open.ID, sessions[0].ID)

	sessions, err = s.ListSessions(ctx, p.ID, SessionFilter{WorkspaceID: ws.ID, IncludeClosed: true})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
}
