package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/discobot/discobot/internal/completion"
	"github.com/discobot/discobot/internal/sandbox"
	"github.com/discobot/discobot/internal/store"
)

// Error codes carried in the response envelope. The envelope shape is
// {"error": "<code>", ...details}.
const (
	codeInvalidRequest       = "invalid_request"
	codeUnauthorized         = "unauthorized"
	codeForbidden            = "forbidden"
	codeNotFound             = "not_found"
	codeConflict             = "conflict"
	codeTooLarge             = "too_large"
	codeInternal             = "internal"
	codeBackendUnavailable   = "backend_unavailable"
	codeCompletionInProgress = "completion_in_progress"
	codeNoActiveCompletion   = "no_active_completion"
	codeSandboxNotRunning    = "sandbox_not_running"
)

func respondCode(c *gin.Context, status int, code string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}

// respondError maps domain errors onto the envelope. Unrecognized errors are
// logged and surface as 500 internal without leaking detail.
func (s *Server) respondError(c *gin.Context, err error) {
	var inProgress *completion.InProgressError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, sandbox.ErrNotFound):
		respondCode(c, http.StatusNotFound, codeNotFound)
	case errors.Is(err, store.ErrConflict):
		respondCode(c, http.StatusConflict, codeConflict)
	case errors.As(err, &inProgress):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":        codeCompletionInProgress,
			"completionId": inProgress.CompletionID,
		})
	case errors.Is(err, completion.ErrNoActiveCompletion):
		respondCode(c, http.StatusConflict, codeNoActiveCompletion)
	case errors.Is(err, completion.ErrNoUserMessage):
		respondCode(c, http.StatusBadRequest, codeInvalidRequest)
	case errors.Is(err, sandbox.ErrNotRunning):
		respondCode(c, http.StatusConflict, codeSandboxNotRunning)
	case errors.Is(err, sandbox.ErrBackendUnavailable):
		respondCode(c, http.StatusServiceUnavailable, codeBackendUnavailable)
	default:
		s.logger.WithError(err).Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path))
		respondCode(c, http.StatusInternalServerError, codeInternal)
	}
}
