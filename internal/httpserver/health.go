package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"
)

// HealthResponse is the JSON response for the health check endpoint
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version,omitempty"`
	OfflineEntries int    `json:"offline_entries"`
}

// StatusResponse summarizes the daemon state for operators.
type StatusResponse struct {
	AttemptActive bool            `json:"attempt_active"`
	Offline       []OfflineStatus `json:"offline"`
}

// OfflineStatus describes one offline entry without its hashes.
type OfflineStatus struct {
	User      string `json:"user"`
	Username  string `json:"username,omitempty"`
	Serial    string `json:"serial"`
	Remaining int    `json:"remaining"`
	Refill    bool   `json:"refill"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
	}
	if s.store != nil {
		resp.OfflineEntries = s.store.Len()
	}

	writeJSON(w, resp)
}

// handleStatus lists the offline entries and whether a login is running.
// Only loopback clients should reach it; it reveals user names.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Offline: []OfflineStatus{}}
	if s.sessionMgr != nil {
		resp.AttemptActive = s.sessionMgr.Count() > 0
	}
	if s.store != nil {
		for _, e := range s.store.Entries() {
			resp.Offline = append(resp.Offline, OfflineStatus{
				User:      e.User,
				Username:  e.Username,
				Serial:    e.Serial,
				Remaining: e.Remaining(),
				Refill:    e.RefillToken != "",
			})
		}
	}

	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort: headers/status may already be written.
		slog.Error("failed to encode response", "error", err)
	}
}
