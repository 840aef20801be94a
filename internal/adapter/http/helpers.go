package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/curator/internal/domain"
	"github.com/Strob0t/curator/internal/service"
)

const headerUserID = "X-User-ID"

// retryAfterSeconds is advertised on 409 already-running and 503 responses.
const retryAfterSeconds = 60

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request, bodyLimit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// userID returns the caller's user from the X-User-ID header, falling back
// to the user_id query parameter.
func userID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(headerUserID)); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}

// requireUser writes a 400 and returns false when the request names no user.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := userID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "X-User-ID header or user_id parameter is required")
		return "", false
	}
	return id, true
}

// queryInt parses an integer query parameter, returning def when absent or invalid.
func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return def
	}
	return v
}

type errorResponse struct {
	Error     string   `json:"error"`
	Available []string `json:"available,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorStatus maps an error to its HTTP status. retry reports whether a
// Retry-After header belongs on the response.
func errorStatus(err error) (status int, retry bool) {
	var noExec *service.NoExecutorError
	switch {
	case errors.As(err, &noExec):
		return http.StatusUnprocessableEntity, false
	case errors.Is(err, service.ErrAgentAlreadyRunning):
		return http.StatusConflict, true
	case errors.Is(err, service.ErrAgentInactive):
		return http.StatusConflict, false
	case errors.Is(err, service.ErrEngineShuttingDown), service.IsTransient(err):
		return http.StatusServiceUnavailable, true
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, false
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, false
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, false
	default:
		return http.StatusInternalServerError, false
	}
}

// writeDomainError writes err with the status errorStatus assigns to it.
// Internal errors are logged and replaced with a generic message.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, retry := errorStatus(err)
	if retry {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}

	resp := errorResponse{Error: err.Error()}
	var noExec *service.NoExecutorError
	switch {
	case errors.As(err, &noExec):
		resp.Available = noExec.Available
		if resp.Available == nil {
			resp.Available = []string{}
		}
	case status == http.StatusBadRequest:
		resp.Error = strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": ")
	case status == http.StatusServiceUnavailable && !errors.Is(err, service.ErrEngineShuttingDown):
		resp.Error = service.TransientErrorMessage
	case status == http.StatusInternalServerError:
		slog.ErrorContext(r.Context(), "request failed", "error", err)
		resp.Error = "internal server error"
	}
	writeJSON(w, status, resp)
}
