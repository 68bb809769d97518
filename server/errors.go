package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hupe1980/him"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	// Field names the rejected input for validation failures.
	Field string `json:"field,omitempty"`
	// Index is the offending record of a batch.
	Index *int `json:"index,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, him.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, him.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, him.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_FAILED"
	case errors.Is(err, him.ErrCapacity):
		return http.StatusServiceUnavailable, "CAPACITY_EXHAUSTED"
	case errors.Is(err, him.ErrInvalidState):
		return http.StatusConflict, "INVALID_STATE"
	default:
		return http.StatusInternalServerError, "STORAGE_IO"
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code, name := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: name}

	var verr *him.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
		if verr.Index >= 0 {
			idx := verr.Index
			resp.Index = &idx
		}
	}
	if code >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "request failed", "route", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(code, resp)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: "INVALID_REQUEST"})
}
