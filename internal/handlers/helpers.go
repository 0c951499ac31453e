package handlers

import (
	"encoding/json"
	"log"
	"net/http"
)

// apiError is the error body every endpoint returns; the dashboard
// surfaces Detail verbatim.
type apiError struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[http] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	if status >= http.StatusInternalServerError {
		log.Printf("[http] %d: %s", status, detail)
	}
	writeJSON(w, status, apiError{Detail: detail})
}
