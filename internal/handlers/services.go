package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/localrunapp/localrun/internal/database"
	"github.com/localrunapp/localrun/internal/supervisor"
)

func serviceID(r *http.Request) (uint, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		return 0, false
	}
	return uint(id), true
}

// ListServices returns all services with their live supervisor state
// merged over the persisted rows.
func ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := database.ListServices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list services")
		return
	}

	out := make([]map[string]interface{}, 0, len(services))
	for _, svc := range services {
		st := Supervisor.Status(svc.ID)
		entry := map[string]interface{}{
			"service": svc,
			"state":   string(st.State),
		}
		if st.PublicURL != "" {
			entry["public_url"] = st.PublicURL
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

// StartService launches the tunnel for one service.
func StartService(w http.ResponseWriter, r *http.Request) {
	id, ok := serviceID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid service ID")
		return
	}
	svc, err := database.GetService(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Service not found")
		return
	}
	if !svc.Enabled {
		writeError(w, http.StatusConflict, "Service is disabled")
		return
	}

	if err := Supervisor.Start(r.Context(), *svc); err != nil {
		switch {
		case errors.Is(err, supervisor.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, "Service already running")
		default:
			log.Printf("[services] start %d: %v", id, err)
			writeError(w, http.StatusBadGateway, "Failed to start tunnel: "+err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, Supervisor.Status(id))
}

// StopService terminates the tunnel for one service. Stopping a
// stopped service succeeds.
func StopService(w http.ResponseWriter, r *http.Request) {
	id, ok := serviceID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid service ID")
		return
	}
	if err := Supervisor.Stop(id); err != nil {
		log.Printf("[services] stop %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to stop tunnel")
		return
	}
	writeJSON(w, http.StatusOK, Supervisor.Status(id))
}

// RestartService stops then starts a service's tunnel.
func RestartService(w http.ResponseWriter, r *http.Request) {
	id, ok := serviceID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid service ID")
		return
	}
	svc, err := database.GetService(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Service not found")
		return
	}

	if err := Supervisor.Stop(id); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		log.Printf("[services] restart %d: stop: %v", id, err)
	}
	if err := Supervisor.Start(r.Context(), *svc); err != nil {
		log.Printf("[services] restart %d: start: %v", id, err)
		writeError(w, http.StatusBadGateway, "Failed to restart tunnel: "+err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, Supervisor.Status(id))
}

// ServiceStatus reports the live supervisor state for one service.
func ServiceStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := serviceID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid service ID")
		return
	}
	if _, err := database.GetService(id); err != nil {
		writeError(w, http.StatusNotFound, "Service not found")
		return
	}
	writeJSON(w, http.StatusOK, Supervisor.Status(id))
}

// StartAllServices starts every enabled service, continuing past
// individual failures.
func StartAllServices(w http.ResponseWriter, r *http.Request) {
	services, err := database.ListEnabledServices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list services")
		return
	}

	started := 0
	failures := map[string]string{}
	for _, svc := range services {
		if err := Supervisor.Start(r.Context(), svc); err != nil {
			if errors.Is(err, supervisor.ErrAlreadyRunning) {
				continue
			}
			failures[strconv.Itoa(int(svc.ID))] = err.Error()
			continue
		}
		started++
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"started":  started,
		"failures": failures,
	})
}

// StopAllServices stops every running tunnel.
func StopAllServices(w http.ResponseWriter, r *http.Request) {
	running := Supervisor.Running()
	Supervisor.StopAll()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stopped": len(running),
	})
}
