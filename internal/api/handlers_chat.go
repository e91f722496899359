package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/discobot/discobot/internal/completion"
	"github.com/discobot/discobot/internal/model"
	"github.com/discobot/discobot/internal/store"
	"github.com/discobot/discobot/pkg/aisdk"
)

// sessionSpinupTimeout bounds how long POST /chat waits for a fresh session
// to leave the workspace preparation states.
const sessionSpinupTimeout = 90 * time.Second

type chatRequest struct {
	ID          string            `json:"id"`
	Messages    []aisdk.UIMessage `json:"messages"`
	WorkspaceID string            `json:"workspaceId"`
	AgentID     *string           `json:"agentId,omitempty"`
}

// handleChat starts a completion and mirrors its chunk stream to the caller.
// The completion keeps running server-side if the caller disconnects;
// GET /chat/{sid}/stream rejoins it.
func (s *Server) handleChat(c *gin.Context) {
	var body chatRequest
	if err := c.ShouldBindJSON(&body); err != nil || len(body.Messages) == 0 {
		respondCode(c, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	sess, err := s.resolveChatSession(c, body)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if sess == nil {
		return
	}

	if _, err := s.completions.Run(c.Request.Context(), sess, body.Messages); err != nil {
		s.respondError(c, err)
		return
	}
	sub, ok := s.completions.Subscribe(sess.ID)
	if !ok {
		// The completion finished between Run and Subscribe; nothing left.
		c.Status(http.StatusNoContent)
		return
	}
	s.streamChunks(c, sub)
}

// resolveChatSession reuses the payload's session when it exists in this
// project, else creates one and waits for it to reach creating_sandbox.
// A nil session with nil error means the response was already written.
func (s *Server) resolveChatSession(c *gin.Context, body chatRequest) (*model.Session, error) {
	if body.ID != "" {
		sess, err := s.store.GetSession(c.Request.Context(), body.ID)
		if err == nil {
			if sess.ProjectID != currentProject(c).ID {
				respondCode(c, http.StatusNotFound, codeNotFound)
				return nil, nil
			}
			return sess, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	if body.WorkspaceID == "" {
		respondCode(c, http.StatusBadRequest, codeInvalidRequest)
		return nil, nil
	}
	sess, err := s.sessions.Create(c.Request.Context(), currentProject(c).ID, body.WorkspaceID, body.AgentID, "")
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(sessionSpinupTimeout)
	for sess.Status == model.SessionInitializing || sess.Status == model.SessionCloning {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("session %s stuck in %s", sess.ID, sess.Status)
		}
		select {
		case <-c.Request.Context().Done():
			return nil, c.Request.Context().Err()
		case <-time.After(100 * time.Millisecond):
		}
		sess, err = s.store.GetSession(c.Request.Context(), sess.ID)
		if err != nil {
			return nil, err
		}
	}
	if sess.Status == model.SessionError {
		msg := "session failed"
		if sess.ErrorMessage != nil {
			msg = *sess.ErrorMessage
		}
		return nil, fmt.Errorf("%w: %s", store.ErrConflict, msg)
	}
	return sess, nil
}

// handleChatStream replays the session's buffered chunks and tails the live
// completion. 204 when there is nothing to stream.
func (s *Server) handleChatStream(c *gin.Context) {
	sess, ok := s.projectSession(c, c.Param("sid"))
	if !ok {
		return
	}
	sub, ok := s.completions.Subscribe(sess.ID)
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	s.streamChunks(c, sub)
}

func (s *Server) handleChatCancel(c *gin.Context) {
	sess, ok := s.projectSession(c, c.Param("sid"))
	if !ok {
		return
	}
	if err := s.completions.Cancel(c.Request.Context(), sess.ID); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// streamChunks writes a chunk subscription to the response as SSE, ending
// with the done sentinel.
func (s *Server) streamChunks(c *gin.Context, sub *completion.Subscription) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header(aisdk.StreamProtocolHeader, aisdk.StreamProtocolVersion)
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	for {
		chunk, ok, err := sub.Next(c.Request.Context())
		if err != nil || !ok {
			break
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", chunk.Encode()); err != nil {
			return
		}
		flush()
	}
	_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", aisdk.DoneSentinel)
	flush()
}
