package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/models"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/services"
)

// CreateShareRequest is the POST body for shared-link creation. Exactly one
// of connector_id and dataset_id must be set.
type CreateShareRequest struct {
	ConnectorID *uuid.UUID `json:"connector_id,omitempty"`
	DatasetID   *uuid.UUID `json:"dataset_id,omitempty"`
	Password    string     `json:"password,omitempty"`
	// RequiresAuth is a pointer so an omitted field is distinguishable from
	// an explicit false: omitted falls back to the connector's visibility
	// (restricted connectors default to requiring authentication).
	RequiresAuth *bool      `json:"requires_authentication,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	MaxUses      *int       `json:"max_uses,omitempty"`
}

// CreatedShareResponse carries the one-time share token and public path.
type CreatedShareResponse struct {
	Link *models.SharedLink `json:"link"`
	// Token is returned exactly once, at creation.
	Token string `json:"token"`
}

// SharesHandler serves the shared-link admin endpoints.
type SharesHandler struct {
	links      services.SharedLinkService
	connectors services.ConnectorService
	logger     *zap.Logger
}

// NewSharesHandler creates the shared-link admin handler.
func NewSharesHandler(links services.SharedLinkService, connectors services.ConnectorService, logger *zap.Logger) *SharesHandler {
	return &SharesHandler{links: links, connectors: connectors, logger: logger}
}

// RegisterRoutes registers the share routes on the given mux.
func (h *SharesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/shares", h.Create)
	mux.HandleFunc("GET /api/shares/{id}", h.GetStatus)
	mux.HandleFunc("GET /api/shares/{id}/status", h.GetStatus)
	mux.HandleFunc("POST /api/shares/{id}/revoke", h.Revoke)
	mux.HandleFunc("DELETE /api/shares/{id}", h.Revoke)
}

func (h *SharesHandler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}

	var req CreateShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON") //nolint:errcheck
		return
	}

	// Connector-backed shares must reference a connector the caller owns.
	// Its visibility feeds the authentication default downstream.
	var connectorIsPublic bool
	if req.ConnectorID != nil {
		connector, err := h.connectors.Get(r.Context(), ownerID, *req.ConnectorID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		connectorIsPublic = connector.IsPublic
	}

	created, err := h.links.Create(r.Context(), &services.CreateShareRequest{
		ConnectorID:       req.ConnectorID,
		DatasetID:         req.DatasetID,
		ConnectorIsPublic: connectorIsPublic,
		Password:          req.Password,
		RequiresAuth:      req.RequiresAuth,
		ExpiresAt:         req.ExpiresAt,
		MaxUses:           req.MaxUses,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusCreated, CreatedShareResponse{
		Link:  created.Link,
		Token: created.Token,
	}); err != nil {
		h.logger.Error("failed to encode share response", zap.Error(err))
	}
}

func (h *SharesHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireOwner(w, r); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	status, err := h.links.GetStatus(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, status); err != nil {
		h.logger.Error("failed to encode share status response", zap.Error(err))
	}
}

// Revoke permanently disables a link. Revocation is idempotent and does not
// interrupt requests already in flight.
func (h *SharesHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireOwner(w, r); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.links.Revoke(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"}); err != nil {
		h.logger.Error("failed to encode revoke response", zap.Error(err))
	}
}
