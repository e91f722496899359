package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/discobot/discobot/internal/common/logger"
	"github.com/discobot/discobot/internal/completion"
	"github.com/discobot/discobot/internal/db"
	"github.com/discobot/discobot/internal/events"
	"github.com/discobot/discobot/internal/events/bus"
	"github.com/discobot/discobot/internal/jobqueue"
	"github.com/discobot/discobot/internal/model"
	"github.com/discobot/discobot/internal/sandbox"
	"github.com/discobot/discobot/internal/sandbox/mock"
	"github.com/discobot/discobot/internal/store"
)

type sessionEnv struct {
	store       *store.Store
	provider    *mock.Provider
	svc         *Service
	completions *completion.Service
	project     *model.Project
}

func newSessionEnv(t *testing.T) *sessionEnv {
	t.Helper()
	pool, err := db.Open(":memory:", 0, 0)
	require.NoError(t, err)
	st, err := store.New(pool, "test-salt", logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	provider := mock.NewProvider()
	t.Cleanup(func() { _ = provider.Close() })

	memBus := bus.NewMemoryEventBus(logger.Default())
	broker := events.NewBroker(st, memBus, 0, logger.Default())
	queue := jobqueue.New(st, memBus, logger.Default())
	completions := completion.NewService(st, provider, broker, logger.Default())
	svc := NewService(st, provider, queue, broker, completions, Config{
		Image:         "discobot-test:latest",
		StartTimeout:  2 * time.Second,
		WorkspaceBase: t.TempDir(),
	}, logger.Default())

	p := &model.Project{Slug: "proj-" + model.NewID(), Name: "Sessions"}
	require.NoError(t, st.CreateProject(context.Background(), p))
	return &sessionEnv{store: st, provider: provider, svc: svc, completions: completions, project: p}
}

func (e *sessionEnv) readyWorkspace(t *testing.T) *model.Workspace {
	t.Helper()
	ws := &model.Workspace{
		ProjectID:  e.project.ID,
		Name:       "main",
		Path:       t.TempDir(),
		SourceType: model.WorkspaceSourceLocal,
		Status:     model.WorkspaceReady,
	}
	require.NoError(t, e.store.CreateWorkspace(context.Background(), ws))
	return ws
}

func TestInitializeDrivesSessionToRunning(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()
	ws := env.readyWorkspace(t)

	sess, err := env.svc.Create(ctx, env.project.ID, ws.ID, nil, "")
	require.NoError(t, err)
	require.Equal(t, model.SessionInitializing, sess.Status)

	err = env.svc.Initialize(ctx, InitPayload{SessionID: sess.ID, WorkspaceID: ws.ID}, false)
	require.NoError(t, err)

	got, err := env.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionRunning, got.Status)

	sb := env.provider.Sandbox(sess.ID)
	require.NotNil(t, sb)
	require.Equal(t, sandbox.StatusRunning, sb.Status)
	require.True(t, sb.AgentStarted)
}

func TestInitializeDefersUntilWorkspaceReady(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()

	ws := &model.Workspace{
		ProjectID:  env.project.ID,
		Name:       "pending",
		Path:       t.TempDir(),
		SourceType: model.WorkspaceSourceLocal,
		Status:     model.WorkspaceInitializing,
	}
	require.NoError(t, env.store.CreateWorkspace(ctx, ws))

	sess, err := env.svc.Create(ctx, env.project.ID, ws.ID, nil, "")
	require.NoError(t, err)

	err = env.svc.Initialize(ctx, InitPayload{SessionID: sess.ID, WorkspaceID: ws.ID}, false)
	require.ErrorIs(t, err, ErrWorkspaceNotReady)

	got, err := env.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionCloning, got.Status)
	require.Nil(t, env.provider.Sandbox(sess.ID))
}

func TestInitializeFailureKeepsRetryableState(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()
	ws := env.readyWorkspace(t)
	env.provider.FailHealth = true

	sess, err := env.svc.Create(ctx, env.project.ID, ws.ID, nil, "")
	require.NoError(t, err)

	err = env.svc.Initialize(ctx, InitPayload{SessionID: sess.ID, WorkspaceID: ws.ID}, false)
	require.Error(t, err)

	// Mid-flight attempts leave the transitional status so the retry can
	// resume; only the final attempt parks the session in error.
	got, err := env.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionCreatingSandbox, got.Status)

	err = env.svc.Initialize(ctx, InitPayload{SessionID: sess.ID, WorkspaceID: ws.ID}, true)
	require.Error(t, err)

	got, err = env.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionError, got.Status)
	require.NotNil(t, got.ErrorMessage)
}

func TestInitializeWorkspaceLocalSource(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()

	ws, err := env.svc.CreateWorkspace(ctx, env.project.ID, "local", t.TempDir(), model.WorkspaceSourceLocal)
	require.NoError(t, err)
	require.Equal(t, model.WorkspaceInitializing, ws.Status)

	require.NoError(t, env.svc.InitializeWorkspace(ctx, WorkspacePayload{WorkspaceID: ws.ID}))

	got, err := env.store.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	require.Equal(t, model.WorkspaceReady, got.Status)
}

func TestInitializeWorkspaceMissingPath(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()

	ws, err := env.svc.CreateWorkspace(ctx, env.project.ID, "broken", "/does/not/exist", model.WorkspaceSourceLocal)
	require.NoError(t, err)

	require.Error(t, env.svc.InitializeWorkspace(ctx, WorkspacePayload{WorkspaceID: ws.ID}))

	got, err := env.store.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	require.Equal(t, model.WorkspaceError, got.Status)
	require.NotNil(t, got.ErrorMessage)
}

func TestTeardownSandboxDeletesSession(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()
	ws := env.readyWorkspace(t)

	sess, err := env.svc.Create(ctx, env.project.ID, ws.ID, nil, "")
	require.NoError(t, err)
	require.NoError(t, env.svc.Initialize(ctx, InitPayload{SessionID: sess.ID, WorkspaceID: ws.ID}, false))

	require.NoError(t, env.svc.TeardownSandbox(ctx, sess.ID, true))

	_, err = env.store.GetSession(ctx, sess.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Nil(t, env.provider.Sandbox(sess.ID))
	require.Contains(t, env.provider.Destroyed, sess.ID)

	// Idempotent for sessions already gone.
	require.NoError(t, env.svc.TeardownSandbox(ctx, sess.ID, true))
}

func TestRequestCommitRequiresRunning(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()
	ws := env.readyWorkspace(t)

	sess, err := env.svc.Create(ctx, env.project.ID, ws.ID, nil, "")
	require.NoError(t, err)

	err = env.svc.RequestCommit(ctx, sess.ID)
	require.ErrorIs(t, err, store.ErrConflict)

	require.NoError(t, env.svc.Initialize(ctx, InitPayload{SessionID: sess.ID, WorkspaceID: ws.ID}, false))
	require.NoError(t, env.svc.RequestCommit(ctx, sess.ID))

	got, err := env.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, model.CommitPending, got.CommitStatus)
}

func TestCommitClosesSession(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()
	ws := env.readyWorkspace(t)

	sess, err := env.svc.Create(ctx, env.project.ID, ws.ID, nil, "")
	require.NoError(t, err)
	require.NoError(t, env.svc.Initialize(ctx, InitPayload{SessionID: sess.ID, WorkspaceID: ws.ID}, false))
	require.NoError(t, env.svc.RequestCommit(ctx, sess.ID))

	require.NoError(t, env.svc.Commit(ctx, CommitPayload{SessionID: sess.ID, BaseCommit: "abc123"}))

	got, err := env.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionClosed, got.Status)
	require.Equal(t, model.CommitCompleted, got.CommitStatus)

	// A second commit of a closed session is a no-op.
	require.NoError(t, env.svc.Commit(ctx, CommitPayload{SessionID: sess.ID}))
}

func TestCommitWaitsForActiveCompletion(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()
	ws := env.readyWorkspace(t)

	sess, err := env.svc.Create(ctx, env.project.ID, ws.ID, nil, "")
	require.NoError(t, err)
	require.NoError(t, env.svc.Initialize(ctx, InitPayload{SessionID: sess.ID, WorkspaceID: ws.ID}, false))
	require.NoError(t, env.svc.RequestCommit(ctx, sess.ID))

	// While a completion holds the session's slot the commit chat must not
	// talk to the agent; the attempt fails and the job retries later.
	release, err := env.completions.Claim(sess.ID)
	require.NoError(t, err)

	err = env.svc.Commit(ctx, CommitPayload{SessionID: sess.ID})
	require.Error(t, err)
	var inProgress *completion.InProgressError
	require.ErrorAs(t, err, &inProgress)

	got, err := env.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, model.SessionRunning, got.Status, "a blocked commit leaves the session running")

	release()
	require.NoError(t, env.svc.Commit(ctx, CommitPayload{SessionID: sess.ID}))
}
