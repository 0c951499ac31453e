package handlers

import (
	"net/http"
	"strconv"

	"github.com/localrunapp/localrun/internal/logging"
)

// GetLogs returns the tail of the backend log file. ?lines= bounds the
// tail, ?subsystem= keeps only one subsystem's lines (supervisor,
// registry, reconcile, ...).
func GetLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 5000 {
			lines = n
		}
	}
	tail, err := logging.ReadTail(lines, r.URL.Query().Get("subsystem"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": tail})
}

// ClearLogs truncates the backend log file.
func ClearLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to clear logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
