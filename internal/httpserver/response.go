package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/blackmichael/activity-feeds/internal/domain"
)

type followResponse struct {
	Success bool `json:"success"`
}

type feedResponse struct {
	Results []domain.Activity `json:"results"`
}

type errorResponse struct {
	Error   string              `json:"error"`
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorResponse{Error: errType, Message: message})
}

// handleError maps service errors onto HTTP responses. Only unexpected
// errors are logged here; refusals and bad input are the caller's problem.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, key domain.FeedKey, err error) {
	var verr *domain.ValidationFailedError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "validation_failed",
			Message: verr.Error(),
			Errors:  verr.Fields,
		})
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", "a valid bearer token is required")
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, domain.ErrRealtimeDisabled):
		writeError(w, http.StatusNotImplemented, "realtime_disabled", err.Error())
	default:
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("feed", key.String()),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
