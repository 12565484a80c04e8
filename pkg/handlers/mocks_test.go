package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/apperrors"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/models"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/services"
)

// fakeConnectorService is a hand-rolled ConnectorService for handler tests.
type fakeConnectorService struct {
	connectors map[uuid.UUID]*models.ProxyConnector
	createErr  error
	revoked    []uuid.UUID
}

func newFakeConnectorService() *fakeConnectorService {
	return &fakeConnectorService{connectors: make(map[uuid.UUID]*models.ProxyConnector)}
}

func (f *fakeConnectorService) Create(_ context.Context, req *services.CreateConnectorRequest) (*services.CreatedConnector, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if req.Name == "" || !req.ConnectorType.IsValid() {
		return nil, apperrors.ErrMalformedRequest
	}
	connector := &models.ProxyConnector{
		ID:                uuid.New(),
		OwnerID:           req.OwnerID,
		Name:              req.Name,
		ConnectorType:     req.ConnectorType,
		AllowedOperations: req.AllowedOperations,
		IsPublic:          req.IsPublic,
		CreatedAt:         time.Now(),
	}
	f.connectors[connector.ID] = connector
	token, err := services.NewConnectorToken()
	if err != nil {
		return nil, err
	}
	return &services.CreatedConnector{Connector: connector, Token: token}, nil
}

func (f *fakeConnectorService) Get(_ context.Context, ownerID string, id uuid.UUID) (*models.ProxyConnector, error) {
	connector, ok := f.connectors[id]
	if !ok || connector.OwnerID != ownerID {
		return nil, apperrors.ErrNotFound
	}
	return connector, nil
}

func (f *fakeConnectorService) List(_ context.Context, ownerID string) ([]*models.ProxyConnector, error) {
	var out []*models.ProxyConnector
	for _, c := range f.connectors {
		if c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeConnectorService) Revoke(_ context.Context, ownerID string, id uuid.UUID) error {
	connector, ok := f.connectors[id]
	if !ok || connector.OwnerID != ownerID {
		return apperrors.ErrNotFound
	}
	now := time.Now()
	connector.RevokedAt = &now
	f.revoked = append(f.revoked, id)
	return nil
}

func (f *fakeConnectorService) ResolveToken(context.Context, string) (*models.ProxyConnector, string, error) {
	return nil, "", apperrors.ErrTokenNotFound
}

// fakeSharedLinkService is a hand-rolled SharedLinkService.
type fakeSharedLinkService struct {
	links     map[uuid.UUID]*models.SharedLink
	createErr error
	revoked   []uuid.UUID
}

func newFakeSharedLinkService() *fakeSharedLinkService {
	return &fakeSharedLinkService{links: make(map[uuid.UUID]*models.SharedLink)}
}

func (f *fakeSharedLinkService) Create(_ context.Context, req *services.CreateShareRequest) (*services.CreatedShare, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if (req.ConnectorID == nil) == (req.DatasetID == nil) {
		return nil, apperrors.ErrMalformedRequest
	}
	token, err := services.NewShareToken()
	if err != nil {
		return nil, err
	}
	requiresAuth := req.ConnectorID != nil && !req.ConnectorIsPublic
	if req.RequiresAuth != nil {
		requiresAuth = *req.RequiresAuth
	}
	link := &models.SharedLink{
		ShareID:       uuid.New(),
		ConnectorID:   req.ConnectorID,
		DatasetID:     req.DatasetID,
		PublicURLPath: "/s/" + token,
		RequiresAuth:  requiresAuth,
		HasPassword:   req.Password != "",
		ExpiresAt:     req.ExpiresAt,
		MaxUses:       req.MaxUses,
		CreatedAt:     time.Now(),
	}
	f.links[link.ShareID] = link
	return &services.CreatedShare{Link: link, Token: token}, nil
}

func (f *fakeSharedLinkService) GetStatus(_ context.Context, shareID uuid.UUID) (*services.ShareStatus, error) {
	link, ok := f.links[shareID]
	if !ok {
		return nil, apperrors.ErrTokenNotFound
	}
	return &services.ShareStatus{Link: link, Status: link.Status(time.Now())}, nil
}

func (f *fakeSharedLinkService) ListByConnector(_ context.Context, connectorID uuid.UUID) ([]*services.ShareStatus, error) {
	var out []*services.ShareStatus
	for _, link := range f.links {
		if link.ConnectorID != nil && *link.ConnectorID == connectorID {
			out = append(out, &services.ShareStatus{Link: link, Status: link.Status(time.Now())})
		}
	}
	return out, nil
}

func (f *fakeSharedLinkService) Revoke(_ context.Context, shareID uuid.UUID) error {
	link, ok := f.links[shareID]
	if !ok {
		return apperrors.ErrTokenNotFound
	}
	if link.RevokedAt == nil {
		now := time.Now()
		link.RevokedAt = &now
	}
	f.revoked = append(f.revoked, shareID)
	return nil
}
