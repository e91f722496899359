// Package api is the JSON/SSE HTTP surface of the control plane: project and
// session CRUD, chat streaming, the project event stream, service
// passthrough, and the terminal websocket. Routes are grouped under /api
// with cookie auth and per-project membership checks.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/discobot/discobot/internal/common/logger"
	"github.com/discobot/discobot/internal/completion"
	"github.com/discobot/discobot/internal/dispatcher"
	"github.com/discobot/discobot/internal/events"
	"github.com/discobot/discobot/internal/sandbox"
	"github.com/discobot/discobot/internal/session"
	"github.com/discobot/discobot/internal/store"
)

// Server wires the service layer to the HTTP surface.
type Server struct {
	store       *store.Store
	sessions    *session.Service
	completions *completion.Service
	broker      *events.Broker
	provider    sandbox.Provider
	dispatcher  *dispatcher.Service
	authEnabled bool
	logger      *logger.Logger
	upgrader    websocket.Upgrader
}

// Config holds the API server's dependencies.
type Config struct {
	Store       *store.Store
	Sessions    *session.Service
	Completions *completion.Service
	Broker      *events.Broker
	Provider    sandbox.Provider
	Dispatcher  *dispatcher.Service
	AuthEnabled bool
	Logger      *logger.Logger
}

// NewServer creates the API server.
func NewServer(cfg Config) *Server {
	return &Server{
		store:       cfg.Store,
		sessions:    cfg.Sessions,
		completions: cfg.Completions,
		broker:      cfg.Broker,
		provider:    cfg.Provider,
		dispatcher:  cfg.Dispatcher,
		authEnabled: cfg.AuthEnabled,
		logger:      cfg.Logger.WithFields(zap.String("component", "api")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cookie auth already gates the upgrade; origin checks would
			// break non-browser terminal clients.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine with all routes and middleware mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(s.requestLogger())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(s.authMiddleware())

	api.GET("/user", s.handleGetUser)
	api.POST("/auth/logout", s.handleLogout)
	api.GET("/user/preferences", s.handleListPreferences)
	api.PUT("/user/preferences", s.handlePutPreferences)
	api.POST("/invitations/accept", s.handleAcceptInvitation)

	api.GET("/projects", s.handleListProjects)
	api.POST("/projects", s.handleCreateProject)

	project := api.Group("/projects/:pid")
	project.Use(s.membershipMiddleware())

	project.GET("", s.handleGetProject)
	project.DELETE("", s.handleDeleteProject)

	project.GET("/members", s.handleListMembers)
	project.POST("/members", s.handleAddMember)
	project.DELETE("/members/:uid", s.handleRemoveMember)

	project.GET("/invitations", s.handleListInvitations)
	project.POST("/invitations", s.handleCreateInvitation)
	project.DELETE("/invitations/:iid", s.handleDeleteInvitation)

	project.GET("/workspaces", s.handleListWorkspaces)
	project.POST("/workspaces", s.handleCreateWorkspace)
	project.GET("/workspaces/:wid", s.handleGetWorkspace)
	project.DELETE("/workspaces/:wid", s.handleDeleteWorkspace)

	project.GET("/sessions", s.handleListSessions)
	project.GET("/sessions/:sid", s.handleGetSession)
	project.DELETE("/sessions/:sid", s.handleDeleteSession)
	project.POST("/sessions/:sid/commit", s.handleCommitSession)
	project.GET("/sessions/:sid/messages", s.handleListMessages)
	project.GET("/sessions/:sid/terminal/history", s.handleTerminalHistory)
	project.GET("/sessions/:sid/terminal", s.handleTerminal)

	project.GET("/agents", s.handleListAgents)
	project.POST("/agents", s.handleCreateAgent)
	project.GET("/agents/:aid", s.handleGetAgent)
	project.PATCH("/agents/:aid", s.handleUpdateAgent)
	project.DELETE("/agents/:aid", s.handleDeleteAgent)
	project.POST("/agents/:aid/default", s.handleSetDefaultAgent)

	project.GET("/credentials", s.handleListCredentials)
	project.POST("/credentials", s.handleCreateCredential)
	project.DELETE("/credentials/:cid", s.handleDeleteCredential)

	project.GET("/events", s.handleEvents)

	project.POST("/chat", s.handleChat)
	project.GET("/chat/:sid/stream", s.handleChatStream)
	project.POST("/chat/:sid/cancel", s.handleChatCancel)

	project.GET("/services", s.handleListServices)
	project.POST("/services/:svc/start", s.handleStartService)
	project.POST("/services/:svc/stop", s.handleStopService)
	project.GET("/services/:svc/output", s.handleServiceOutput)
	project.Any("/services/:svc/http/*path", s.handleServiceHTTP)

	project.GET("/system/status", s.handleSystemStatus)

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "discobot",
	})
}
