package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/discobot/discobot/internal/model"
	"github.com/discobot/discobot/internal/sandbox"
	"github.com/discobot/discobot/internal/store"
)

func (s *Server) handleListSessions(c *gin.Context) {
	filter := store.SessionFilter{
		WorkspaceID:   c.Query("workspaceId"),
		IncludeClosed: c.Query("includeClosed") == "true",
	}
	sessions, err := s.store.ListSessions(c.Request.Context(), currentProject(c).ID, filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if sessions == nil {
		sessions = []*model.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.projectSession(c, c.Param("sid"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	sess, ok := s.projectSession(c, c.Param("sid"))
	if !ok {
		return
	}
	if err := s.sessions.Delete(c.Request.Context(), sess.ID); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleCommitSession(c *gin.Context) {
	sess, ok := s.projectSession(c, c.Param("sid"))
	if !ok {
		return
	}
	if err := s.sessions.RequestCommit(c.Request.Context(), sess.ID); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleListMessages(c *gin.Context) {
	sess, ok := s.projectSession(c, c.Param("sid"))
	if !ok {
		return
	}
	messages, err := s.store.ListMessagesBySession(c.Request.Context(), sess.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if messages == nil {
		messages = []*model.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (s *Server) handleTerminalHistory(c *gin.Context) {
	sess, ok := s.projectSession(c, c.Param("sid"))
	if !ok {
		return
	}
	events, err := s.store.ListTerminalEvents(c.Request.Context(), sess.ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if events == nil {
		events = []*model.TerminalEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// terminalControl is the client-to-server control frame on the terminal
// websocket. Data frames (binary) carry raw terminal input.
type terminalControl struct {
	Type string `json:"type"`
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
}

// handleTerminal bridges a websocket to an interactive PTY in the session's
// sandbox. Binary frames are terminal bytes in both directions; text frames
// from the client are JSON control messages (resize). Input, output and
// resizes are appended to the session's terminal history.
func (s *Server) handleTerminal(c *gin.Context) {
	sess, ok := s.projectSession(c, c.Param("sid"))
	if !ok {
		return
	}
	if sess.Status != model.SessionRunning {
		respondCode(c, http.StatusConflict, codeSandboxNotRunning)
		return
	}

	rows := queryUint16(c, "rows", 24)
	cols := queryUint16(c, "cols", 80)

	pty, err := s.provider.Attach(c.Request.Context(), sess.ID, sandbox.AttachOptions{
		Rows: rows,
		Cols: cols,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		_ = pty.Close()
		s.logger.WithError(err).Warn("terminal websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()
	defer func() { _ = pty.Close() }()

	// History writes are best effort and must not stall the bridge.
	record := func(kind model.TerminalEventKind, data []byte) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ev := &model.TerminalEvent{SessionID: sess.ID, Kind: kind, Data: data}
		if err := s.store.AppendTerminalEvent(ctx, ev); err != nil {
			s.logger.WithError(err).Debug("terminal history append failed",
				zap.String("session_id", sess.ID))
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := pty.Read(buf)
			if n > 0 {
				out := append([]byte(nil), buf[:n]...)
				record(model.TerminalOutput, out)
				if werr := conn.WriteMessage(websocket.BinaryMessage, out); werr != nil {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					s.logger.WithError(err).Debug("terminal read ended",
						zap.String("session_id", sess.ID))
				}
				return
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch msgType {
		case websocket.BinaryMessage:
			record(model.TerminalInput, data)
			if _, err := pty.Write(data); err != nil {
				break
			}
		case websocket.TextMessage:
			var ctl terminalControl
			if err := json.Unmarshal(data, &ctl); err != nil {
				continue
			}
			if ctl.Type == "resize" && ctl.Rows > 0 && ctl.Cols > 0 {
				if err := pty.Resize(ctl.Rows, ctl.Cols); err == nil {
					record(model.TerminalResize, data)
				}
			}
		}
	}
	_ = pty.Close()
	<-done
}

func queryUint16(c *gin.Context, name string, def uint16) uint16 {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || v == 0 {
		return def
	}
	return uint16(v)
}
