package api

import (
	"errors"
	"net/http"

	"machines/internal/session"

	"github.com/gin-gonic/gin"
)

var ErrInvalidRequest = errors.New("invalid request")

// respondError writes the error body. Internal failures carry raw store and
// transport detail, which belongs in the request log, not the response; the
// client gets a generic reason instead.
func respondError(c *gin.Context, code int, err error) {
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "internal error"
	}
	c.JSON(code, ErrorResponse{
		Error: msg,
		Code:  code,
	})
}

func respondErrorWithDetails(c *gin.Context, code int, err error, details string) {
	c.JSON(code, ErrorResponse{
		Error:   err.Error(),
		Code:    code,
		Details: details,
	})
}

func mapServiceError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
