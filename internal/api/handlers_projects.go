package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/discobot/discobot/internal/model"
	"github.com/discobot/discobot/internal/store"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

func (s *Server) handleListProjects(c *gin.Context) {
	projects, err := s.store.ListProjectsForUser(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if projects == nil {
		projects = []*model.Project{}
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) handleCreateProject(c *gin.Context) {
	var body struct {
		Slug string `json:"slug"`
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" {
		respondCode(c, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	if body.Slug == "" || !slugPattern.MatchString(body.Slug) {
		respondCode(c, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	project := &model.Project{
		ID:   model.NewID(),
		Slug: body.Slug,
		Name: body.Name,
	}
	if err := s.store.CreateProject(c.Request.Context(), project); err != nil {
		s.respondError(c, err)
		return
	}
	member := &model.ProjectMember{
		ProjectID: project.ID,
		UserID:    currentUser(c).ID,
		Role:      model.RoleOwner,
	}
	if err := s.store.AddProjectMember(c.Request.Context(), member); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (s *Server) handleGetProject(c *gin.Context) {
	c.JSON(http.StatusOK, currentProject(c))
}

func (s *Server) handleDeleteProject(c *gin.Context) {
	project := currentProject(c)

	// Destroy every session's sandbox before the cascade removes the rows.
	sessions, err := s.store.ListSessions(c.Request.Context(), project.ID, store.SessionFilter{IncludeClosed: true})
	if err != nil {
		s.respondError(c, err)
		return
	}
	for _, sess := range sessions {
		if err := s.sessions.Delete(c.Request.Context(), sess.ID); err != nil {
			s.respondError(c, err)
			return
		}
	}
	if err := s.store.DeleteProject(c.Request.Context(), project.ID); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListMembers(c *gin.Context) {
	members, err := s.store.ListProjectMembers(c.Request.Context(), currentProject(c).ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if members == nil {
		members = []*model.ProjectMember{}
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func (s *Server) handleAddMember(c *gin.Context) {
	var body struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.UserID == "" {
		respondCode(c, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	role := model.ProjectRole(body.Role)
	if role == "" {
		role = model.RoleMember
	}
	if role != model.RoleOwner && role != model.RoleMember {
		respondCode(c, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	if _, err := s.store.GetUser(c.Request.Context(), body.UserID); err != nil {
		s.respondError(c, err)
		return
	}
	member := &model.ProjectMember{
		ProjectID: currentProject(c).ID,
		UserID:    body.UserID,
		Role:      role,
	}
	if err := s.store.AddProjectMember(c.Request.Context(), member); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, member)
}

func (s *Server) handleRemoveMember(c *gin.Context) {
	if err := s.store.RemoveProjectMember(c.Request.Context(), currentProject(c).ID, c.Param("uid")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListInvitations(c *gin.Context) {
	invitations, err := s.store.ListInvitations(c.Request.Context(), currentProject(c).ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if invitations == nil {
		invitations = []*model.ProjectInvitation{}
	}
	c.JSON(http.StatusOK, gin.H{"invitations": invitations})
}

func (s *Server) handleCreateInvitation(c *gin.Context) {
	var body struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Email == "" {
		respondCode(c, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	role := model.ProjectRole(body.Role)
	if role == "" {
		role = model.RoleMember
	}
	if role != model.RoleOwner && role != model.RoleMember {
		respondCode(c, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	token, err := newInviteToken()
	if err != nil {
		s.respondError(c, err)
		return
	}
	inv := &model.ProjectInvitation{
		ID:        model.NewID(),
		ProjectID: currentProject(c).ID,
		Email:     body.Email,
		Role:      role,
		TokenHash: s.store.HashToken(token),
		ExpiresAt: time.Now().UTC().Add(7 * 24 * time.Hour),
	}
	if err := s.store.CreateInvitation(c.Request.Context(), inv); err != nil {
		s.respondError(c, err)
		return
	}
	// The raw token appears exactly once, in this response.
	c.JSON(http.StatusCreated, gin.H{
		"invitation": inv,
		"token":      token,
	})
}

func (s *Server) handleDeleteInvitation(c *gin.Context) {
	if err := s.store.DeleteInvitation(c.Request.Context(), currentProject(c).ID, c.Param("iid")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func newInviteToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
