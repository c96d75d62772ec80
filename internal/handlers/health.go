package handlers

import (
	"net/http"
)

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]interface{}{
		"status":  "healthy",
		"service": "mosync",
	}
	if h.hub != nil {
		body["watch_connections"] = h.hub.ConnectionCount()
	}

	for _, check := range h.checks {
		if err := check.Ping(); err != nil {
			body[check.Name] = "error"
			body["status"] = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		body[check.Name] = "connected"
	}

	writeJSON(w, status, body)
}
