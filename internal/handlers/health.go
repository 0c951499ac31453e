package handlers

import (
	"net/http"
	"time"
)

var startTime = time.Now()

// HealthCheck reports liveness plus basic runtime counters.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"tunnels":        len(Supervisor.Running()),
	})
}
