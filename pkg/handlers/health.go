package handlers

import (
	"net/http"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/config"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/proxy"
)

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
}

// HealthHandler handles health check, ping, and per-listener liveness.
type HealthHandler struct {
	cfg    *config.Config
	health *proxy.HealthRegistry
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(cfg *config.Config, health *proxy.HealthRegistry, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, health: health, logger: logger}
}

// RegisterRoutes registers the health routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
	mux.HandleFunc("GET /healthz/{listener}", h.ListenerHealth)
}

// Health handles GET /health requests.
// Returns a simple "ok" status for load balancer health checks.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ping handles GET /ping requests with service details.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     "vaultlink-gateway",
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("failed to encode ping response", zap.Error(err))
	}
}

// ListenerHealth reports one protocol listener's liveness: 200 when the
// listener is accepting, 503 otherwise.
func (h *HealthHandler) ListenerHealth(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("listener")
	if h.health.IsUp(name) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	http.Error(w, "listener down", http.StatusServiceUnavailable)
}
