package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleGetUser(c *gin.Context) {
	c.JSON(http.StatusOK, currentUser(c))
}

func (s *Server) handleLogout(c *gin.Context) {
	token, err := c.Cookie(SessionCookie)
	if err == nil && token != "" {
		if err := s.store.DeleteUserSession(c.Request.Context(), s.store.HashToken(token)); err != nil {
			s.respondError(c, err)
			return
		}
	}
	c.SetCookie(SessionCookie, "", -1, "/", "", false, true)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListPreferences(c *gin.Context) {
	prefs, err := s.store.ListUserPreferences(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	out := make(map[string]string, len(prefs))
	for _, p := range prefs {
		out[p.Key] = p.Value
	}
	c.JSON(http.StatusOK, gin.H{"preferences": out})
}

func (s *Server) handlePutPreferences(c *gin.Context) {
	var body map[string]string
	if err := c.ShouldBindJSON(&body); err != nil {
		respondCode(c, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	if len(body) > 100 {
		respondCode(c, http.StatusRequestEntityTooLarge, codeTooLarge)
		return
	}
	user := currentUser(c)
	for key, value := range body {
		if key == "" {
			respondCode(c, http.StatusBadRequest, codeInvalidRequest)
			return
		}
		if err := s.store.SetUserPreference(c.Request.Context(), user.ID, key, value); err != nil {
			s.respondError(c, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAcceptInvitation(c *gin.Context) {
	var body struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Token == "" {
		respondCode(c, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	member, err := s.store.AcceptInvitation(c.Request.Context(), s.store.HashToken(body.Token), currentUser(c).ID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, member)
}
