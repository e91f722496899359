package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/discobot/discobot/internal/metrics"
	"github.com/discobot/discobot/internal/model"
	"github.com/discobot/discobot/internal/store"
)

// SessionCookie carries the login token. Only its salted hash is stored.
const SessionCookie = "discobot_session"

const (
	ctxUser    = "discobot.user"
	ctxProject = "discobot.project"
)

// currentUser returns the authenticated user injected by the auth middleware.
func currentUser(c *gin.Context) *model.User {
	return c.MustGet(ctxUser).(*model.User)
}

// currentProject returns the project injected by the membership middleware.
func currentProject(c *gin.Context) *model.Project {
	return c.MustGet(ctxProject).(*model.Project)
}

// requestLogger logs each request with latency and records the HTTP metrics.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()

		fields := []zap.Field{
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Duration("latency", time.Since(start)),
		}
		switch {
		case status >= 500:
			s.logger.Error("request", fields...)
		case status >= 400:
			s.logger.Warn("request", fields...)
		default:
			s.logger.Debug("request", fields...)
		}
	}
}

// corsMiddleware permits browser clients on other origins. Credentials ride
// on the session cookie, so the origin is echoed rather than wildcarded.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Accept, Cache-Control")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authMiddleware resolves the request's user. With auth enabled the session
// cookie must hash to a live UserSession row; otherwise the reserved
// anonymous user is used.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authEnabled {
			user, err := s.store.EnsureAnonymousUser(c.Request.Context())
			if err != nil {
				s.respondError(c, err)
				return
			}
			c.Set(ctxUser, user)
			c.Next()
			return
		}

		token, err := c.Cookie(SessionCookie)
		if err != nil || token == "" {
			respondCode(c, http.StatusUnauthorized, codeUnauthorized)
			return
		}
		sess, err := s.store.GetUserSessionByTokenHash(c.Request.Context(), s.store.HashToken(token))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				respondCode(c, http.StatusUnauthorized, codeUnauthorized)
				return
			}
			s.respondError(c, err)
			return
		}
		user, err := s.store.GetUser(c.Request.Context(), sess.UserID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				respondCode(c, http.StatusUnauthorized, codeUnauthorized)
				return
			}
			s.respondError(c, err)
			return
		}
		c.Set(ctxUser, user)
		c.Next()
	}
}

// membershipMiddleware requires a ProjectMember row for the route's project
// and injects the project. Non-members get 403 even for missing projects
// they could not know about; unknown projects are 404 for members of nothing.
func (s *Server) membershipMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		projectID := c.Param("pid")

		project, err := s.store.GetProject(c.Request.Context(), projectID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				respondCode(c, http.StatusNotFound, codeNotFound)
				return
			}
			s.respondError(c, err)
			return
		}
		if _, err := s.store.GetProjectMember(c.Request.Context(), projectID, user.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				respondCode(c, http.StatusForbidden, codeForbidden)
				return
			}
			s.respondError(c, err)
			return
		}
		c.Set(ctxProject, project)
		c.Next()
	}
}

// projectSession resolves a session route param within the current project.
// An unknown ID reads as 404; a session owned by another project is 403.
func (s *Server) projectSession(c *gin.Context, sessionID string) (*model.Session, bool) {
	sess, err := s.store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	if sess.ProjectID != currentProject(c).ID {
		respondCode(c, http.StatusForbidden, codeForbidden)
		return nil, false
	}
	return sess, true
}
