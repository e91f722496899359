package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/discobot/discobot/internal/model"
)

type mcpServerBody struct {
	Name      string          `json:"name"`
	Transport string          `json:"transport"`
	Command   string          `json:"command,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	URL       string          `json:"url,omitempty"`
	Env       json.RawMessage `json:"env,omitempty"`
}

func (b mcpServerBody) toModel() (*model.AgentMCPServer, bool) {
	transport := model.MCPTransport(b.Transport)
	if b.Name == "" {
		return nil, false
	}
	switch transport {
	case model.MCPTransportStdio:
		if b.Command == "" {
			return nil, false
		}
	case model.MCPTransportHTTP:
		if b.URL == "" {
			return nil, false
		}
	default:
		return nil, false
	}
	return &model.AgentMCPServer{
		Name:      b.Name,
		Transport: transport,
		Command:   b.Command,
		Args:      b.Args,
		URL:       b.URL,
		Env:       b.Env,
	}, true
}

func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := s.store.ListAgentsByProject(c.Request.Context(), currentProject(c).ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if agents == nil {
		agents = []*model.Agent{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) handleCreateAgent(c *gin.Context) {
	var body struct {
		Name         string          `json:"name"`
		AgentType    string          `json:"agentType"`
		SystemPrompt *string         `json:"systemPrompt,omitempty"`
		IsDefault    bool            `json:"isDefault"`
		MCPServers   []mcpServerBody `json:"mcpServers,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" || body.AgentType == "" {
		respondCode(c, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	agent := &model.Agent{
		ID:           model.NewID(),
		ProjectID:    currentProject(c).ID,
		Name:         body.Name,
		AgentType:    body.AgentType,
		SystemPrompt: body.SystemPrompt,
	}
	for _, srv := range body.MCPServers {
		m, ok := srv.toModel()
		if !ok {
			respondCode(c, http.StatusBadRequest, codeInvalidRequest)
			return
		}
		agent.MCPServers = append(agent.MCPServers, m)
	}
	if err := s.store.CreateAgent(c.Request.Context(), agent); err != nil {
		s.respondError(c, err)
		return
	}
	if body.IsDefault {
		if err := s.store.SetDefaultAgent(c.Request.Context(), agent.ProjectID, agent.ID); err != nil {
			s.respondError(c, err)
			return
		}
		agent.IsDefault = true
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) projectAgent(c *gin.Context, agentID string) (*model.Agent, bool) {
	agent, err := s.store.GetAgent(c.Request.Context(), agentID)
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	if agent.ProjectID != currentProject(c).ID {
		respondCode(c, http.StatusNotFound, codeNotFound)
		return nil, false
	}
	return agent, true
}

func (s *Server) handleGetAgent(c *gin.Context) {
	agent, ok := s.projectAgent(c, c.Param("aid"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleUpdateAgent(c *gin.Context) {
	agent, ok := s.projectAgent(c, c.Param("aid"))
	if !ok {
		return
	}
	var body struct {
		Name         *string          `json:"name,omitempty"`
		AgentType    *string          `json:"agentType,omitempty"`
		SystemPrompt *string          `json:"systemPrompt,omitempty"`
		MCPServers   *[]mcpServerBody `json:"mcpServers,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondCode(c, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	if body.Name != nil {
		agent.Name = *body.Name
	}
	if body.AgentType != nil {
		agent.AgentType = *body.AgentType
	}
	if body.SystemPrompt != nil {
		agent.SystemPrompt = body.SystemPrompt
	}
	if body.MCPServers != nil {
		agent.MCPServers = nil
		for _, srv := range *body.MCPServers {
			m, ok := srv.toModel()
			if !ok {
				respondCode(c, http.StatusBadRequest, codeInvalidRequest)
				return
			}
			agent.MCPServers = append(agent.MCPServers, m)
		}
	}
	if err := s.store.UpdateAgent(c.Request.Context(), agent); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(c *gin.Context) {
	agent, ok := s.projectAgent(c, c.Param("aid"))
	if !ok {
		return
	}
	if err := s.store.DeleteAgent(c.Request.Context(), agent.ID); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSetDefaultAgent(c *gin.Context) {
	agent, ok := s.projectAgent(c, c.Param("aid"))
	if !ok {
		return
	}
	if err := s.store.SetDefaultAgent(c.Request.Context(), agent.ProjectID, agent.ID); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListCredentials(c *gin.Context) {
	creds, err := s.store.ListCredentialsByProject(c.Request.Context(), currentProject(c).ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	// Secret material never serializes; the model drops it via json:"-".
	if creds == nil {
		creds = []*model.Credential{}
	}
	c.JSON(http.StatusOK, gin.H{"credentials": creds})
}

func (s *Server) handleCreateCredential(c *gin.Context) {
	var body struct {
		Provider string `json:"provider"`
		AuthType string `json:"authType"`
		Secret   string `json:"secret"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Provider == "" || body.Secret == "" {
		respondCode(c, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	authType := model.CredentialAuthType(body.AuthType)
	if authType == "" {
		authType = model.AuthTypeAPIKey
	}
	if authType != model.AuthTypeAPIKey && authType != model.AuthTypeOAuth {
		respondCode(c, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	cred := &model.Credential{
		ID:        model.NewID(),
		ProjectID: currentProject(c).ID,
		Provider:  body.Provider,
		AuthType:  authType,
		Secret:    body.Secret,
	}
	if err := s.store.CreateCredential(c.Request.Context(), cred); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cred)
}

func (s *Server) handleDeleteCredential(c *gin.Context) {
	if err := s.store.DeleteCredential(c.Request.Context(), currentProject(c).ID, c.Param("cid")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
