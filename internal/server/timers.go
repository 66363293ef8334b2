package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ChuLiYu/tickcast/internal/registry"
	"github.com/ChuLiYu/tickcast/pkg/types"
)

// StartRequest is the body of POST /api/timers.
type StartRequest struct {
	Seconds json.Number `json:"seconds"`
}

// StartResponse is returned for a created timer.
type StartResponse struct {
	ID      types.TimerID `json:"id"`
	Seconds int64         `json:"seconds"`
}

// StopResponse is returned by DELETE /api/timers/{id}.
type StopResponse struct {
	ID      types.TimerID `json:"id"`
	Stopped bool          `json:"stopped"`
}

// ListResponse is returned by GET /api/timers.
type ListResponse struct {
	Timers []types.Timer `json:"timers"`
}

// ErrorResponse is the body of every 4xx/5xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// handleStart handles POST /api/timers.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	seconds, err := parseSeconds(req.Seconds, s.cfg.MaxSeconds)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid seconds", err.Error())
		return
	}

	timer, err := s.reg.Start(seconds)
	switch {
	case errors.Is(err, registry.ErrInvalidDuration):
		writeJSONError(w, http.StatusBadRequest, "Invalid seconds", err.Error())
		return
	case err != nil:
		writeJSONError(w, http.StatusServiceUnavailable, "Registry unavailable", err.Error())
		return
	}

	writeJSONResponse(w, http.StatusCreated, StartResponse{ID: timer.ID, Seconds: timer.SecondsLeft})
}

// handleStop handles DELETE /api/timers/{id}. Stopping an unknown timer is
// not an error.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseTimerID(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid timer id", r.PathValue("id"))
		return
	}

	writeJSONResponse(w, http.StatusOK, StopResponse{ID: id, Stopped: s.reg.Stop(id)})
}

// handleList handles GET /api/timers.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, ListResponse{Timers: s.reg.List()})
}

// handleStatus handles GET /api/status, the polling fallback.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, types.NewStatus(s.reg.List(), s.reg.Hub().Counts()))
}

// parseSeconds accepts only positive integers up to max.
func parseSeconds(n json.Number, max int64) (int64, error) {
	if n == "" {
		return 0, errors.New("seconds is required")
	}
	// reject 5.0, 1e3 and friends; only plain integers are accepted
	if bytes.ContainsAny([]byte(n), ".eE") {
		return 0, fmt.Errorf("seconds must be an integer, got %s", n)
	}
	v, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("seconds must be an integer, got %s", n)
	}
	if v <= 0 {
		return 0, fmt.Errorf("seconds must be positive, got %d", v)
	}
	if v > max {
		return 0, fmt.Errorf("seconds must be at most %d, got %d", max, v)
	}
	return v, nil
}

// writeJSONResponse writes a JSON response.
func writeJSONResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, message, details string) {
	writeJSONResponse(w, status, ErrorResponse{Error: message, Details: details})
}
