package handlers

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/localrunapp/localrun/internal/agentwire"
	"github.com/localrunapp/localrun/internal/database"
)

type serverSummary struct {
	database.Server
	Connected   bool                    `json:"connected"`
	LatestStats *agentwire.StatsPayload `json:"latest_stats,omitempty"`
	Sessions    int                     `json:"terminal_sessions"`
}

func summarize(srv database.Server) serverSummary {
	sum := serverSummary{Server: srv}
	if conn := Registry.Get(srv.ID); conn != nil && conn.Connected() {
		sum.Connected = true
		sum.LatestStats = conn.LastStats()
		sum.Sessions = len(conn.SessionIDs())
	}
	return sum
}

// ListServers returns all registered servers with live connectivity.
func ListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := database.ListServers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list servers")
		return
	}
	out := make([]serverSummary, 0, len(servers))
	for _, srv := range servers {
		out = append(out, summarize(srv))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetServerInfo returns one server's row plus live state.
func GetServerInfo(w http.ResponseWriter, r *http.Request) {
	srv, err := database.GetServer(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Server not found")
		return
	}
	writeJSON(w, http.StatusOK, summarize(*srv))
}

// RequestScan asks a server's agent to run a service discovery scan.
// Fire and forget; results arrive on the agent channel.
func RequestScan(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "id")
	if _, err := database.GetServer(serverID); err != nil {
		writeError(w, http.StatusNotFound, "Server not found")
		return
	}

	err := Registry.SendToAgent(r.Context(), serverID, agentwire.Message{
		Type: agentwire.TypeScanRequest,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Agent not connected")
		return
	}
	if err := database.MarkScanStarted(serverID); err != nil {
		log.Printf("[servers] mark scan started %s: %v", serverID, err)
	}
	Registry.PublishScanStatus(serverID, "scanning")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scanning"})
}
