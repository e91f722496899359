package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/discobot/discobot/internal/model"
)

func (s *Server) handleListWorkspaces(c *gin.Context) {
	workspaces, err := s.store.ListWorkspacesByProject(c.Request.Context(), currentProject(c).ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if workspaces == nil {
		workspaces = []*model.Workspace{}
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": workspaces})
}

func (s *Server) handleCreateWorkspace(c *gin.Context) {
	var body struct {
		Name       string `json:"name"`
		Path       string `json:"path"`
		SourceType string `json:"sourceType"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" || body.Path == "" {
		respondCode(c, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	sourceType := model.WorkspaceSourceType(body.SourceType)
	if sourceType == "" {
		sourceType = model.WorkspaceSourceLocal
	}
	if sourceType != model.WorkspaceSourceLocal && sourceType != model.WorkspaceSourceGit {
		respondCode(c, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	ws, err := s.sessions.CreateWorkspace(c.Request.Context(), currentProject(c).ID, body.Name, body.Path, sourceType)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ws)
}

func (s *Server) handleGetWorkspace(c *gin.Context) {
	ws, err := s.store.GetWorkspace(c.Request.Context(), c.Param("wid"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if ws.ProjectID != currentProject(c).ID {
		respondCode(c, http.StatusNotFound, codeNotFound)
		return
	}
	c.JSON(http.StatusOK, ws)
}

func (s *Server) handleDeleteWorkspace(c *gin.Context) {
	ws, err := s.store.GetWorkspace(c.Request.Context(), c.Param("wid"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if ws.ProjectID != currentProject(c).ID {
		respondCode(c, http.StatusNotFound, codeNotFound)
		return
	}
	cascade := c.Query("cascade") == "true"
	deleteFiles := c.Query("deleteFiles") == "true"
	if err := s.sessions.DeleteWorkspace(c.Request.Context(), ws.ID, cascade, deleteFiles); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
