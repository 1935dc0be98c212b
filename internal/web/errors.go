package web

// errors.go provides unified error responses for the status API.
//
// Every error is logged server-side with its technical detail and request id,
// then mapped through core.MapError so the client gets an operator-facing
// message, a suggested action and a stable code.

import (
	"errors"
	"net/http"

	"github.com/JonMunkholm/pqrsync/internal/core"
	"github.com/JonMunkholm/pqrsync/internal/ingest"
	"github.com/JonMunkholm/pqrsync/internal/logging"
)

// errBadRequest marks client input errors.
var errBadRequest = errors.New("invalid request")

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// respondError logs err and writes its mapped form with the status statusFor
// picks.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := core.MapError(err)

	logger := logging.FromContext(r.Context())
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request error", attrs...)
	} else {
		logger.Warn("request error", attrs...)
	}

	writeJSONStatus(w, status, ErrorResponse{
		Error:   err.Error(),
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ingest.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrRunInProgress):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
