package api

import (
	"net/http"
	"time"

	"github.com/cuemby/bos/pkg/storage"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// ReadyResponse adds per-dependency results to the health envelope.
type ReadyResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services,omitempty"`
}

// handleHealthz reports liveness: the process is up and the store answers.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListKeys(r.Context(), storage.KindMeta, ""); err != nil {
		respond(w, http.StatusServiceUnavailable, HealthResponse{
			Status:    "unhealthy",
			Timestamp: time.Now(),
			Detail:    err.Error(),
		})
		return
	}
	respond(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

// handleReadyz reports readiness: liveness plus the mandatory external
// services responding to their health probes.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{Status: "ready", Services: map[string]string{}}
	status := http.StatusOK

	if _, err := s.store.ListKeys(r.Context(), storage.KindMeta, ""); err != nil {
		resp.Status = "not ready"
		resp.Services["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	for _, checker := range s.checkers {
		result := checker.Check(r.Context())
		resp.Services[checker.Name()] = result.Message
		if !result.Healthy {
			resp.Status = "not ready"
			status = http.StatusServiceUnavailable
		}
	}
	respond(w, status, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{"version": s.version})
}
