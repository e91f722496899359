package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/discobot/discobot/internal/agentapi"
	"github.com/discobot/discobot/internal/model"
)

// resolveServiceSession resolves the ?sessionId= target for a service route
// and requires its sandbox to be running.
func (s *Server) resolveServiceSession(c *gin.Context) (*model.Session, bool) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		respondCode(c, http.StatusBadRequest, codeInvalidRequest)
		return nil, false
	}
	sess, ok := s.projectSession(c, sessionID)
	if !ok {
		return nil, false
	}
	if sess.Status != model.SessionRunning {
		respondCode(c, http.StatusConflict, codeSandboxNotRunning)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleListServices(c *gin.Context) {
	sess, ok := s.resolveServiceSession(c)
	if !ok {
		return
	}
	services, err := agentapi.New(s.provider, sess.ID).ListServices(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	if services == nil {
		services = []agentapi.Service{}
	}
	c.JSON(http.StatusOK, gin.H{"services": services})
}

func (s *Server) handleStartService(c *gin.Context) {
	sess, ok := s.resolveServiceSession(c)
	if !ok {
		return
	}
	if err := agentapi.New(s.provider, sess.ID).StartService(c.Request.Context(), c.Param("svc")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStopService(c *gin.Context) {
	sess, ok := s.resolveServiceSession(c)
	if !ok {
		return
	}
	if err := agentapi.New(s.provider, sess.ID).StopService(c.Request.Context(), c.Param("svc")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleServiceOutput forwards the service's output stream untouched, so an
// SSE response from the agent-api stays SSE here.
func (s *Server) handleServiceOutput(c *gin.Context) {
	sess, ok := s.resolveServiceSession(c)
	if !ok {
		return
	}
	path := "/services/" + c.Param("svc") + "/output"
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, path, nil)
	if err != nil {
		s.respondError(c, err)
		return
	}
	req.Header.Set("Accept", c.GetHeader("Accept"))
	resp, err := s.provider.HTTPProxy(c.Request.Context(), sess.ID, req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	s.relayResponse(c, resp)
}

// handleServiceHTTP forwards an arbitrary request to an HTTP endpoint the
// service exposes inside the sandbox. Control plane credentials are stripped
// before the request crosses the sandbox boundary.
func (s *Server) handleServiceHTTP(c *gin.Context) {
	sess, ok := s.resolveServiceSession(c)
	if !ok {
		return
	}
	path := "/services/" + c.Param("svc") + "/http" + c.Param("path")

	query := c.Request.URL.Query()
	query.Del("sessionId")
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, path, c.Request.Body)
	if err != nil {
		s.respondError(c, err)
		return
	}
	req.Header = c.Request.Header.Clone()
	req.Header.Del("Authorization")
	req.Header.Del("Cookie")
	req.ContentLength = c.Request.ContentLength

	resp, err := s.provider.HTTPProxy(c.Request.Context(), sess.ID, req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	s.relayResponse(c, resp)
}

// relayResponse copies a proxied response to the client with incremental
// flushing so streamed bodies arrive as they are produced.
func (s *Server) relayResponse(c *gin.Context, resp *http.Response) {
	for name, values := range resp.Header {
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
	c.Status(resp.StatusCode)

	flusher, _ := c.Writer.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				s.logger.WithError(err).Debug("service proxy stream ended")
			}
			return
		}
	}
}

// handleSystemStatus summarizes background work: running and pending jobs
// surface as startup tasks, failed attempts as messages.
func (s *Server) handleSystemStatus(c *gin.Context) {
	jobs, err := s.store.ListActiveJobs(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}

	messages := []string{}
	tasks := []gin.H{}
	for _, job := range jobs {
		task := gin.H{
			"id":       job.ID,
			"type":     job.Type,
			"status":   job.Status,
			"attempts": job.Attempts,
		}
		if job.ResourceType != nil {
			task["resourceType"] = *job.ResourceType
		}
		if job.ResourceID != nil {
			task["resourceId"] = *job.ResourceID
		}
		tasks = append(tasks, task)
		if job.Error != nil && *job.Error != "" {
			messages = append(messages, *job.Error)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":           len(messages) == 0,
		"messages":     messages,
		"startupTasks": tasks,
		"leader":       s.dispatcher.IsLeader(),
	})
}
