package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/models"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/services"
)

// OwnerHeader identifies the owning application on admin requests. The
// gateway trusts its deployer to authenticate owners upstream.
const OwnerHeader = "X-Owner-Id"

// CreateConnectorRequest is the POST body for connector registration.
// Credentials appear here once and are never echoed back.
type CreateConnectorRequest struct {
	Name              string          `json:"name"`
	ConnectorType     string          `json:"connector_type"`
	Credentials       json.RawMessage `json:"credentials"`
	AllowedOperations []string        `json:"allowed_operations"`
	IsPublic          bool            `json:"is_public"`
}

// CreatedConnectorResponse carries the one-time access token.
type CreatedConnectorResponse struct {
	Connector *models.ProxyConnector `json:"connector"`
	// Token is returned exactly once, at creation. Store it; the gateway
	// keeps no readable copy.
	Token string `json:"token"`
}

// ListConnectorsResponse wraps the array for forward compatibility.
type ListConnectorsResponse struct {
	Connectors []*models.ProxyConnector `json:"connectors"`
}

// ConnectorsHandler serves the connector registry endpoints.
type ConnectorsHandler struct {
	connectors services.ConnectorService
	links      services.SharedLinkService
	logger     *zap.Logger
}

// NewConnectorsHandler creates the connector admin handler.
func NewConnectorsHandler(connectors services.ConnectorService, links services.SharedLinkService, logger *zap.Logger) *ConnectorsHandler {
	return &ConnectorsHandler{connectors: connectors, links: links, logger: logger}
}

// RegisterRoutes registers the connector routes on the given mux.
func (h *ConnectorsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/connectors", h.Create)
	mux.HandleFunc("GET /api/connectors", h.List)
	mux.HandleFunc("GET /api/connectors/{id}", h.Get)
	mux.HandleFunc("POST /api/connectors/{id}/revoke", h.Revoke)
	mux.HandleFunc("DELETE /api/connectors/{id}", h.Revoke)
	mux.HandleFunc("GET /api/connectors/{id}/shares", h.ListShares)
}

func (h *ConnectorsHandler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}

	var req CreateConnectorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrorResponse(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON") //nolint:errcheck
		return
	}

	created, err := h.connectors.Create(r.Context(), &services.CreateConnectorRequest{
		OwnerID:           ownerID,
		Name:              req.Name,
		ConnectorType:     models.ConnectorType(req.ConnectorType),
		Credentials:       string(req.Credentials),
		AllowedOperations: req.AllowedOperations,
		IsPublic:          req.IsPublic,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusCreated, CreatedConnectorResponse{
		Connector: created.Connector,
		Token:     created.Token,
	}); err != nil {
		h.logger.Error("failed to encode connector response", zap.Error(err))
	}
}

func (h *ConnectorsHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}

	connectors, err := h.connectors.List(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if connectors == nil {
		connectors = []*models.ProxyConnector{}
	}

	if err := WriteJSON(w, http.StatusOK, ListConnectorsResponse{Connectors: connectors}); err != nil {
		h.logger.Error("failed to encode connectors response", zap.Error(err))
	}
}

func (h *ConnectorsHandler) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	connector, err := h.connectors.Get(r.Context(), ownerID, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, connector); err != nil {
		h.logger.Error("failed to encode connector response", zap.Error(err))
	}
}

// Revoke permanently disables a connector and cascades to its shared links.
func (h *ConnectorsHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.connectors.Revoke(r.Context(), ownerID, id); err != nil {
		writeServiceError(w, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked"}); err != nil {
		h.logger.Error("failed to encode revoke response", zap.Error(err))
	}
}

func (h *ConnectorsHandler) ListShares(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	// Ownership check first; links themselves are not owner-scoped.
	if _, err := h.connectors.Get(r.Context(), ownerID, id); err != nil {
		writeServiceError(w, err)
		return
	}

	shares, err := h.links.ListByConnector(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if shares == nil {
		shares = []*services.ShareStatus{}
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"shares": shares}); err != nil {
		h.logger.Error("failed to encode shares response", zap.Error(err))
	}
}

func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID := r.Header.Get(OwnerHeader)
	if ownerID == "" {
		ErrorResponse(w, http.StatusUnauthorized, "missing_owner", "the "+OwnerHeader+" header is required") //nolint:errcheck
		return "", false
	}
	return ownerID, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		ErrorResponse(w, http.StatusBadRequest, "invalid_id", "the id path segment must be a UUID") //nolint:errcheck
		return uuid.Nil, false
	}
	return id, true
}
