package dispatcher

import (
	"net/http"
)

type healthHandler struct {
	deps Deps
}

type dependencyHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type readyResponse struct {
	Status       string                      `json:"status"`
	Dependencies map[string]dependencyHealth `json:"dependencies"`
}

// Health implements GET /health: a liveness-adjacent check that the process
// itself is answering requests, with no dependency calls.
func (h *healthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dependencyHealth{Status: "ok"})
}

// Live implements GET /health/live: identical contract to Health, kept
// separate so an orchestrator's liveness and startup probes can point at
// distinct paths without coupling to readiness semantics.
func (h *healthHandler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dependencyHealth{Status: "ok"})
}

// Ready implements GET /health/ready: per-dependency health, 503 if any
// dependency is unhealthy.
func (h *healthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	deps := map[string]dependencyHealth{}

	if err := h.deps.Store.Ping(r.Context()); err != nil {
		deps["redis"] = dependencyHealth{Status: "unhealthy", Message: err.Error()}
	} else {
		deps["redis"] = dependencyHealth{Status: "ok"}
	}

	status := http.StatusOK
	overall := "ok"
	for _, d := range deps {
		if d.Status != "ok" {
			status = http.StatusServiceUnavailable
			overall = "unhealthy"
			break
		}
	}

	writeJSON(w, status, readyResponse{Status: overall, Dependencies: deps})
}
