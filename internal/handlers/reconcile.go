package handlers

import (
	"log"
	"net/http"
)

// RunReconcile performs one on-demand reconcile pass. Partial failures
// return 207 with the failed actions listed.
func RunReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := Reconciler.Run(r.Context())
	if err != nil {
		log.Printf("[reconcile] on-demand run: %v", err)
		writeError(w, http.StatusBadGateway, "Reconcile failed: "+err.Error())
		return
	}

	status := http.StatusOK
	failures := make([]string, 0, len(report.Failures))
	for _, f := range report.Failures {
		failures = append(failures, f.Action.String()+": "+f.Err.Error())
	}
	if len(failures) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]interface{}{
		"applied":  report.Applied,
		"failures": failures,
	})
}
