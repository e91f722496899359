package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/discobot/discobot/internal/common/logger"
	"github.com/discobot/discobot/internal/completion"
	"github.com/discobot/discobot/internal/db"
	"github.com/discobot/discobot/internal/dispatcher"
	"github.com/discobot/discobot/internal/events"
	"github.com/discobot/discobot/internal/events/bus"
	"github.com/discobot/discobot/internal/jobqueue"
	"github.com/discobot/discobot/internal/jobs"
	"github.com/discobot/discobot/internal/model"
	"github.com/discobot/discobot/internal/sandbox/mock"
	"github.com/discobot/discobot/internal/session"
	"github.com/discobot/discobot/internal/store"
)

// apiEnv is a full control plane on the mock backend: in-memory SQLite,
// in-process bus, fast dispatcher, real HTTP server.
type apiEnv struct {
	t        *testing.T
	store    *store.Store
	provider *mock.Provider
	broker   *events.Broker
	server   *httptest.Server
}

func newAPIEnv(t *testing.T) *apiEnv {
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
	poller := events.NewPoller(st, broker, memBus, 10*time.Millisecond, logger.Default())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = poller.Run(ctx) }()

	completions := completion.NewService(st, provider, broker, logger.Default())
	queue := jobqueue.New(st, memBus, logger.Default())
	sessions := session.NewService(st, provider, queue, broker, completions, session.Config{
		Image:         "discobot-test:latest",
		StartTimeout:  2 * time.Second,
		WorkspaceBase: t.TempDir(),
	}, logger.Default())

	disp := dispatcher.New(st, memBus, dispatcher.Config{
		ServerID:          "api-test",
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  500 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
	}, logger.Default())
	jobs.RegisterAll(disp, sessions)
	require.NoError(t, disp.Start(ctx))
	t.Cleanup(disp.Stop)

	srv := NewServer(Config{
		Store:       st,
		Sessions:    sessions,
		Completions: completions,
		Broker:      broker,
		Provider:    provider,
		Dispatcher:  disp,
		AuthEnabled: false,
		Logger:      logger.Default(),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &apiEnv{t: t, store: st, provider: provider, broker: broker, server: ts}
}

func (e *apiEnv) do(method, path string, body any) *http.Response {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(e.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	return resp
}

func (e *apiEnv) doJSON(method, path string, body any, wantStatus int, out any) {
	e.t.Helper()
	resp := e.do(method, path, body)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	require.Equal(e.t, wantStatus, resp.StatusCode, "body: %s", raw)
	if out != nil {
		require.NoError(e.t, json.Unmarshal(raw, out))
	}
}

func (e *apiEnv) createProject(slug string) *model.Project {
	e.t.Helper()
	var project model.Project
	e.doJSON(http.MethodPost, "/api/projects", map[string]string{
		"slug": slug,
		"name": "Test " + slug,
	}, http.StatusCreated, &project)
	return &project
}

func (e *apiEnv) createReadyWorkspace(projectID string) *model.Workspace {
	e.t.Helper()
	var ws model.Workspace
	e.doJSON(http.MethodPost, fmt.Sprintf("/api/projects/%s/workspaces", projectID), map[string]string{
		"name":       "main",
		"path":       e.t.TempDir(),
		"sourceType": "local",
	}, http.StatusCreated, &ws)

	require.Eventually(e.t, func() bool {
		got, err := e.store.GetWorkspace(context.Background(), ws.ID)
		return err == nil && got.Status == model.WorkspaceReady
	}, 5*time.Second, 10*time.Millisecond, "workspace init job must run")
	return &ws
}

func TestHealthAndUser(t *testing.T) {
	env := newAPIEnv(t)

	var health map[string]string
	env.doJSON(http.MethodGet, "/health", nil, http.StatusOK, &health)
	require.Equal(t, "ok", health["status"])

	var user model.User
	env.doJSON(http.MethodGet, "/api/user", nil, http.StatusOK, &user)
	require.Equal(t, model.AnonymousUserID, user.ID)
}

func TestProjectLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	project := env.createProject("alpha")

	var listed struct {
		Projects []*model.Project `json:"projects"`
	}
	env.doJSON(http.MethodGet, "/api/projects", nil, http.StatusOK, &listed)
	require.Len(t, listed.Projects, 1)
	require.Equal(t, project.ID, listed.Projects[0].ID)

	// Duplicate slug conflicts.
	resp := env.do(http.MethodPost, "/api/projects", map[string]string{"slug": "alpha", "name": "Again"})
	_ = resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Membership gates project access: a project without a membership row
	// for the caller is invisible.
	hidden := &model.Project{Slug: "hidden", Name: "Hidden"}
	require.NoError(t, env.store.CreateProject(context.Background(), hidden))
	resp = env.do(http.MethodGet, "/api/projects/"+hidden.ID, nil)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	env.doJSON(http.MethodDelete, "/api/projects/"+project.ID, nil, http.StatusNoContent, nil)
	resp = env.do(http.MethodGet, "/api/projects/"+project.ID, nil)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUserPreferences(t *testing.T) {
	env := newAPIEnv(t)

	env.doJSON(http.MethodPut, "/api/user/preferences", map[string]string{
		"theme": "dark",
		"lang":  "en",
	}, http.StatusNoContent, nil)

	var got struct {
		Preferences map[string]string `json:"preferences"`
	}
	env.doJSON(http.MethodGet, "/api/user/preferences", nil, http.StatusOK, &got)
	require.Equal(t, "dark", got.Preferences["theme"])
	require.Equal(t, "en", got.Preferences["lang"])

	// Upsert overwrites.
	env.doJSON(http.MethodPut, "/api/user/preferences", map[string]string{"theme": "light"}, http.StatusNoContent, nil)
	env.doJSON(http.MethodGet, "/api/user/preferences", nil, http.StatusOK, &got)
	require.Equal(t, "light", got.Preferences["theme"])
}

func TestInvitationLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	project := env.createProject("invites")

	var created struct {
		Invitation *model.ProjectInvitation `json:"invitation"`
		Token      string                   `json:"token"`
	}
	env.doJSON(http.MethodPost, fmt.Sprintf("/api/projects/%s/invitations", project.ID), map[string]string{
		"email": "dev@example.com",
		"role":  "member",
	}, http.StatusCreated, &created)
	require.NotEmpty(t, created.Token, "raw token is returned exactly once")

	var listed struct {
		Invitations []*model.ProjectInvitation `json:"invitations"`
	}
	env.doJSON(http.MethodGet, fmt.Sprintf("/api/projects/%s/invitations", project.ID), nil, http.StatusOK, &listed)
	require.Len(t, listed.Invitations, 1)

	env.doJSON(http.MethodDelete,
		fmt.Sprintf("/api/projects/%s/invitations/%s", project.ID, created.Invitation.ID),
		nil, http.StatusNoContent, nil)
}

func TestChatCreatesSessionAndStreams(t *testing.T) {
	env := newAPIEnv(t)
	project := env.createProject("chat")
	ws := env.createReadyWorkspace(project.ID)

	resp := env.do(http.MethodPost, fmt.Sprintf("/api/projects/%s/chat", project.ID), map[string]any{
		"workspaceId": ws.ID,
		"messages": []map[string]any{{
			"id":    model.NewID(),
			"role":  "user",
			"parts": []map[string]string{{"type": "text", "text": "hello"}},
		}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), `"text-delta"`)
	require.Contains(t, string(body), "[DONE]")

	var sessions struct {
		Sessions []*model.Session `json:"sessions"`
	}
	env.doJSON(http.MethodGet, fmt.Sprintf("/api/projects/%s/sessions", project.ID), nil, http.StatusOK, &sessions)
	require.Len(t, sessions.Sessions, 1)
	sess := sessions.Sessions[0]
	require.Equal(t, model.SessionRunning, sess.Status)

	require.Eventually(t, func() bool {
		var messages struct {
			Messages []*model.Message `json:"messages"`
		}
		env.doJSON(http.MethodGet,
			fmt.Sprintf("/api/projects/%s/sessions/%s/messages", project.ID, sess.ID),
			nil, http.StatusOK, &messages)
		return len(messages.Messages) == 2
	}, 5*time.Second, 20*time.Millisecond)

	// The stream endpoint replays the finished completion for late joiners.
	resp = env.do(http.MethodGet, fmt.Sprintf("/api/projects/%s/chat/%s/stream", project.ID, sess.ID), nil)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	replay, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(replay), "[DONE]")
}

func TestChatStreamWithoutCompletionIs204(t *testing.T) {
	env := newAPIEnv(t)
	project := env.createProject("quiet")
	ws := env.createReadyWorkspace(project.ID)

	sess := &model.Session{
		ID: model.NewID(), ProjectID: project.ID, WorkspaceID: ws.ID,
		Name: "idle", Status: model.SessionRunning, CommitStatus: model.CommitNone,
	}
	require.NoError(t, env.store.CreateSession(context.Background(), sess))

	resp := env.do(http.MethodGet, fmt.Sprintf("/api/projects/%s/chat/%s/stream", project.ID, sess.ID), nil)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestDeleteWorkspaceGuardsLiveSessions(t *testing.T) {
	env := newAPIEnv(t)
	project := env.createProject("guard")
	ws := env.createReadyWorkspace(project.ID)

	sess := &model.Session{
		ID: model.NewID(), ProjectID: project.ID, WorkspaceID: ws.ID,
		Name: "live", Status: model.SessionRunning, CommitStatus: model.CommitNone,
	}
	require.NoError(t, env.store.CreateSession(context.Background(), sess))

	// A workspace with a live session cannot be deleted by default.
	resp := env.do(http.MethodDelete, fmt.Sprintf("/api/projects/%s/workspaces/%s", project.ID, ws.ID), nil)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	got, err := env.store.GetWorkspace(context.Background(), ws.ID)
	require.NoError(t, err)
	require.Equal(t, ws.ID, got.ID)

	// Opting into the cascade tears sessions down with the workspace.
	env.doJSON(http.MethodDelete,
		fmt.Sprintf("/api/projects/%s/workspaces/%s?cascade=true", project.ID, ws.ID),
		nil, http.StatusNoContent, nil)

	_, err = env.store.GetWorkspace(context.Background(), ws.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteWorkspaceWithOnlyClosedSessions(t *testing.T) {
	env := newAPIEnv(t)
	project := env.createProject("closed")
	ws := env.createReadyWorkspace(project.ID)

	sess := &model.Session{
		ID: model.NewID(), ProjectID: project.ID, WorkspaceID: ws.ID,
		Name: "done", Status: model.SessionClosed, CommitStatus: model.CommitNone,
	}
	require.NoError(t, env.store.CreateSession(context.Background(), sess))

	env.doJSON(http.MethodDelete,
		fmt.Sprintf("/api/projects/%s/workspaces/%s", project.ID, ws.ID),
		nil, http.StatusNoContent, nil)
}

func TestSessionScopedToProject(t *testing.T) {
	env := newAPIEnv(t)
	owner := env.createProject("owner")
	other := env.createProject("other")
	ws := env.createReadyWorkspace(owner.ID)

	sess := &model.Session{
		ID: model.NewID(), ProjectID: owner.ID, WorkspaceID: ws.ID,
		Name: "scoped", Status: model.SessionRunning, CommitStatus: model.CommitNone,
	}
	require.NoError(t, env.store.CreateSession(context.Background(), sess))

	// An existing session reached through another project is forbidden, not
	// hidden: the caller is a member of both projects but the session is not
	// theirs to read here.
	resp := env.do(http.MethodGet, fmt.Sprintf("/api/projects/%s/sessions/%s", other.ID, sess.ID), nil)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// An ID that exists nowhere stays a plain 404.
	resp = env.do(http.MethodGet, fmt.Sprintf("/api/projects/%s/sessions/%s", other.ID, model.NewID()), nil)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The owning project still reads it normally.
	var got model.Session
	env.doJSON(http.MethodGet, fmt.Sprintf("/api/projects/%s/sessions/%s", owner.ID, sess.ID), nil, http.StatusOK, &got)
	require.Equal(t, sess.ID, got.ID)
}

func TestServicePassthrough(t *testing.T) {
	env := newAPIEnv(t)
	project := env.createProject("svc")
	ws := env.createReadyWorkspace(project.ID)

	// Spin up a running session through the chat endpoint.
	env.doJSON(http.MethodPost, fmt.Sprintf("/api/projects/%s/chat", project.ID), map[string]any{
		"workspaceId": ws.ID,
		"messages": []map[string]any{{
			"id":    model.NewID(),
			"role":  "user",
			"parts": []map[string]string{{"type": "text", "text": "hi"}},
		}},
	}, http.StatusOK, nil)

	var sessions struct {
		Sessions []*model.Session `json:"sessions"`
	}
	env.doJSON(http.MethodGet, fmt.Sprintf("/api/projects/%s/sessions", project.ID), nil, http.StatusOK, &sessions)
	require.Len(t, sessions.Sessions, 1)
	sess := sessions.Sessions[0]

	var services struct {
		Services []struct {
			Name    string `json:"name"`
			Running bool   `json:"running"`
		} `json:"services"`
	}
	base := fmt.Sprintf("/api/projects/%s/services", project.ID)
	env.doJSON(http.MethodGet, base+"?sessionId="+sess.ID, nil, http.StatusOK, &services)
	require.Len(t, services.Services, 1)
	require.Equal(t, "web", services.Services[0].Name)
	require.False(t, services.Services[0].Running)

	env.doJSON(http.MethodPost, base+"/web/start?sessionId="+sess.ID, nil, http.StatusNoContent, nil)
	env.doJSON(http.MethodGet, base+"?sessionId="+sess.ID, nil, http.StatusOK, &services)
	require.True(t, services.Services[0].Running)

	resp := env.do(http.MethodGet, base+"/web/output?sessionId="+sess.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(out), "mock output for web")

	// Missing sessionId is rejected before touching the sandbox.
	resp = env.do(http.MethodGet, base, nil)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServiceHTTPRelaysRedirect(t *testing.T) {
	env := newAPIEnv(t)
	project := env.createProject("redir")
	ws := env.createReadyWorkspace(project.ID)

	env.doJSON(http.MethodPost, fmt.Sprintf("/api/projects/%s/chat", project.ID), map[string]any{
		"workspaceId": ws.ID,
		"messages": []map[string]any{{
			"id":    model.NewID(),
			"role":  "user",
			"parts": []map[string]string{{"type": "text", "text": "hi"}},
		}},
	}, http.StatusOK, nil)

	var sessions struct {
		Sessions []*model.Session `json:"sessions"`
	}
	env.doJSON(http.MethodGet, fmt.Sprintf("/api/projects/%s/sessions", project.ID), nil, http.StatusOK, &sessions)
	require.Len(t, sessions.Sessions, 1)
	sess := sessions.Sessions[0]

	// The service answers 302; the proxy must relay it rather than follow it.
	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	url := fmt.Sprintf("%s/api/projects/%s/services/web/http/redirect?sessionId=%s",
		env.server.URL, project.ID, sess.ID)
	resp, err := client.Get(url)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/login", resp.Header.Get("Location"))
}

func TestSystemStatus(t *testing.T) {
	env := newAPIEnv(t)
	project := env.createProject("status")

	var status struct {
		OK           bool     `json:"ok"`
		Leader       bool     `json:"leader"`
		Messages     []string `json:"messages"`
		StartupTasks []any    `json:"startupTasks"`
	}
	env.doJSON(http.MethodGet, fmt.Sprintf("/api/projects/%s/system/status", project.ID), nil, http.StatusOK, &status)
	require.True(t, status.OK)
	require.Empty(t, status.Messages)

	require.Eventually(t, func() bool {
		env.doJSON(http.MethodGet, fmt.Sprintf("/api/projects/%s/system/status", project.ID), nil, http.StatusOK, &status)
		return status.Leader
	}, 5*time.Second, 20*time.Millisecond, "single instance must become leader")
}

func TestProjectEventStream(t *testing.T) {
	env := newAPIEnv(t)
	project := env.createProject("events")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		env.server.URL+fmt.Sprintf("/api/projects/%s/events", project.ID), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	readEvent := func() (name, data string) {
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && name != "":
				return name, data
			}
		}
		return "", ""
	}

	name, _ := readEvent()
	require.Equal(t, "connected", name)

	_, err = env.broker.Publish(context.Background(), project.ID, model.EventSessionUpdated,
		map[string]string{"sessionId": "live"})
	require.NoError(t, err)

	name, data := readEvent()
	require.Equal(t, model.EventSessionUpdated, name)
	require.Contains(t, data, "live")
}

func TestProjectEventReplayAfterID(t *testing.T) {
	env := newAPIEnv(t)
	project := env.createProject("replay")
	ctx := context.Background()

	first, err := env.broker.Publish(ctx, project.ID, model.EventWorkspaceUpdated, map[string]string{"n": "1"})
	require.NoError(t, err)
	_, err = env.broker.Publish(ctx, project.ID, model.EventWorkspaceUpdated, map[string]string{"n": "2"})
	require.NoError(t, err)

	reqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		env.server.URL+fmt.Sprintf("/api/projects/%s/events?afterId=%s", project.ID, first.ID), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), `"n":"2"`)
	require.NotContains(t, string(body), `"n":"1"`, "events at or before afterId are not replayed")
}
