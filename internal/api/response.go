package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"podium/internal/auth"
	"podium/pkg/types"
)

// Envelope is the body of every API response
type Envelope struct {
	Status  bool        `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, message string, data interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(Envelope{Status: true, Message: message, Data: data}); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(Envelope{Status: false, Message: message}); err != nil {
		log.Printf("Failed to encode error response: %v", err)
	}
}

// sendFailure maps a coordinator error onto a status code. Infrastructure
// details never reach the client.
func (s *Server) sendFailure(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	message := err.Error()
	if code >= http.StatusInternalServerError {
		log.Printf("Request failed: method=%s path=%s err=%v", r.Method, r.URL.Path, err)
		message = http.StatusText(code)
	}
	s.sendError(w, message, code)
}

// StatusFor returns the HTTP status of a coordinator or credential error
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrInvalidClaims):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrUnauthorized), errors.Is(err, types.ErrDuplicateAttendance):
		return http.StatusForbidden
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrAlreadyDecided),
		errors.Is(err, types.ErrInvalidTransition),
		errors.Is(err, types.ErrAtBoundary),
		errors.Is(err, types.ErrSessionAlreadyOpen),
		errors.Is(err, types.ErrAlreadyQueued):
		return http.StatusConflict
	case errors.Is(err, types.ErrCodeExpired),
		errors.Is(err, types.ErrCodeInvalid),
		errors.Is(err, types.ErrStageOutOfOrder),
		errors.Is(err, types.ErrSessionClosed),
		types.IsValidationError(err):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
