package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

var (
	ErrNotFound           = errors.New("not_found")
	ErrMethodNotAllowed   = errors.New("method_not_allowed")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// errorBody has the same shape as webhook results so every response from the
// service parses the same way.
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// ErrorHandlingMiddleware renders the last handler error when nothing was written.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}
		status, body := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, body)
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func notFound(c *gin.Context)         { AbortWithError(c, ErrNotFound) }
func methodNotAllowed(c *gin.Context) { AbortWithError(c, ErrMethodNotAllowed) }

// mapError never exposes the error text of unknown errors.
func mapError(err error) (int, errorBody) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, errorBody{Error: "Not found", Code: "not_found"}
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed", Code: "method_not_allowed"}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorBody{Error: "Service unavailable", Code: "service_unavailable"}
	default:
		return http.StatusInternalServerError, errorBody{Error: "Internal server error", Code: "internal_error"}
	}
}

// classifyErrorForLog returns the error_type and error_code fields of the request log.
func classifyErrorForLog(err error) (string, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", "deadline_exceeded"
	case errors.Is(err, context.Canceled):
		return "canceled", "context_canceled"
	}
	status, body := mapError(err)
	if status >= http.StatusInternalServerError {
		return body.Code, "server_error"
	}
	return body.Code, "client_error"
}
