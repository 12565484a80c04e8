package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/apperrors"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/audit"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/models"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/repositories"
)

// CreateShareRequest carries the parameters for a new shared link. Exactly
// one of ConnectorID and DatasetID must be set.
type CreateShareRequest struct {
	ConnectorID *uuid.UUID
	DatasetID   *uuid.UUID
	// ConnectorIsPublic is the referenced connector's visibility. The admin
	// surface fills it in after the ownership check; it decides the
	// authentication default below.
	ConnectorIsPublic bool
	Password          string
	// RequiresAuth overrides the visibility-derived default when set.
	RequiresAuth *bool
	ExpiresAt    *time.Time
	MaxUses      *int
}

// CreatedShare is the one-time creation result; the share token appears here
// and in no other response.
type CreatedShare struct {
	Link  *models.SharedLink
	Token string
}

// ShareStatus is the owner-facing view of a link's lifecycle.
type ShareStatus struct {
	Link   *models.SharedLink `json:"link"`
	Status models.LinkStatus  `json:"status"`
}

// SharedLinkService manages shared-link lifecycle.
type SharedLinkService interface {
	Create(ctx context.Context, req *CreateShareRequest) (*CreatedShare, error)
	GetStatus(ctx context.Context, shareID uuid.UUID) (*ShareStatus, error)
	ListByConnector(ctx context.Context, connectorID uuid.UUID) ([]*ShareStatus, error)
	Revoke(ctx context.Context, shareID uuid.UUID) error
}

type sharedLinkService struct {
	repo    repositories.SharedLinkRepository
	auditor *audit.Auditor
	logger  *zap.Logger
}

// NewSharedLinkService creates the shared-link manager.
func NewSharedLinkService(repo repositories.SharedLinkRepository, auditor *audit.Auditor, logger *zap.Logger) SharedLinkService {
	return &sharedLinkService{repo: repo, auditor: auditor, logger: logger}
}

func (s *sharedLinkService) Create(ctx context.Context, req *CreateShareRequest) (*CreatedShare, error) {
	if (req.ConnectorID == nil) == (req.DatasetID == nil) {
		return nil, fmt.Errorf("%w: a link references exactly one connector or one dataset", apperrors.ErrMalformedRequest)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		return nil, fmt.Errorf("%w: expiry must be in the future", apperrors.ErrMalformedRequest)
	}
	if req.MaxUses != nil && *req.MaxUses < 1 {
		return nil, fmt.Errorf("%w: max_uses must be at least 1", apperrors.ErrMalformedRequest)
	}

	token, err := NewShareToken()
	if err != nil {
		return nil, err
	}

	// A link to a restricted connector requires caller authentication
	// unless the owner opts out explicitly. Public connectors default open.
	requiresAuth := req.ConnectorID != nil && !req.ConnectorIsPublic
	if req.RequiresAuth != nil {
		requiresAuth = *req.RequiresAuth
	}

	link := &models.SharedLink{
		ConnectorID:   req.ConnectorID,
		DatasetID:     req.DatasetID,
		PublicURLPath: "/s/" + token,
		RequiresAuth:  requiresAuth,
		ExpiresAt:     req.ExpiresAt,
		MaxUses:       req.MaxUses,
	}

	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		hashStr := string(hash)
		link.PasswordHash = &hashStr
		link.HasPassword = true
	}

	if err := s.repo.Create(ctx, link, token); err != nil {
		return nil, err
	}

	s.logger.Info("shared link created",
		zap.String("share_id", link.ShareID.String()),
		zap.Bool("has_password", link.HasPassword),
		zap.Bool("requires_authentication", link.RequiresAuth))

	return &CreatedShare{Link: link, Token: token}, nil
}

func (s *sharedLinkService) GetStatus(ctx context.Context, shareID uuid.UUID) (*ShareStatus, error) {
	link, err := s.repo.GetByID(ctx, shareID)
	if err != nil {
		return nil, err
	}
	return &ShareStatus{Link: link, Status: link.Status(time.Now())}, nil
}

func (s *sharedLinkService) ListByConnector(ctx context.Context, connectorID uuid.UUID) ([]*ShareStatus, error) {
	links, err := s.repo.ListByConnector(ctx, connectorID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	statuses := make([]*ShareStatus, len(links))
	for i, link := range links {
		statuses[i] = &ShareStatus{Link: link, Status: link.Status(now)}
	}
	return statuses, nil
}

// Revoke marks a link revoked. Revoking an already-revoked link succeeds.
func (s *sharedLinkService) Revoke(ctx context.Context, shareID uuid.UUID) error {
	if err := s.repo.Revoke(ctx, shareID); err != nil {
		return err
	}
	s.auditor.RecordRevocation(shareID, "shared_link", "")
	return nil
}

// CheckPassword verifies a presented password against a link's bcrypt hash.
func CheckPassword(link *models.SharedLink, password string) error {
	if link.PasswordHash == nil {
		return nil
	}
	if password == "" {
		return apperrors.ErrPasswordRequired
	}
	if bcrypt.CompareHashAndPassword([]byte(*link.PasswordHash), []byte(password)) != nil {
		return apperrors.ErrPasswordIncorrect
	}
	return nil
}

var _ SharedLinkService = (*sharedLinkService)(nil)
