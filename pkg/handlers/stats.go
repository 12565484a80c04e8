package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/adapters/backend"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/proxy"
)

// StatsResponse is the admin view of gateway load: live backend pools and
// listener liveness.
type StatsResponse struct {
	Backends  backend.Stats   `json:"backends"`
	Listeners map[string]bool `json:"listeners"`
}

// StatsHandler serves GET /api/stats.
type StatsHandler struct {
	manager *backend.Manager
	health  *proxy.HealthRegistry
	logger  *zap.Logger
}

// NewStatsHandler creates the stats handler.
func NewStatsHandler(manager *backend.Manager, health *proxy.HealthRegistry, logger *zap.Logger) *StatsHandler {
	return &StatsHandler{manager: manager, health: health, logger: logger}
}

// RegisterRoutes registers the stats route on the given mux.
func (h *StatsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/stats", h.Stats)
}

func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireOwner(w, r); !ok {
		return
	}

	response := StatsResponse{
		Backends:  h.manager.GetStats(),
		Listeners: h.health.Snapshot(),
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("failed to encode stats response", zap.Error(err))
	}
}
