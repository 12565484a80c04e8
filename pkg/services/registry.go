package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/apperrors"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/audit"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/crypto"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/models"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/repositories"
)

// operationVocabulary lists the operations each connector type understands.
// Allow-lists are validated against this at registration time so a connector
// can never carry an operation its protocol will never produce.
var operationVocabulary = map[models.ConnectorType][]string{
	models.TypePostgres:    {"SELECT", "INSERT", "UPDATE", "DELETE", "CREATE", "ALTER", "DROP", "TRUNCATE", "SHOW", "EXPLAIN", "DESCRIBE"},
	models.TypeSQLServer:   {"SELECT", "INSERT", "UPDATE", "DELETE", "CREATE", "ALTER", "DROP", "TRUNCATE", "SHOW", "EXPLAIN", "DESCRIBE"},
	models.TypeClickHouse:  {"SELECT", "INSERT", "CREATE", "ALTER", "DROP", "TRUNCATE", "SHOW", "EXPLAIN", "DESCRIBE"},
	models.TypeMongoDB:     {"FIND", "AGGREGATE", "COUNT", "INSERT", "UPDATE", "DELETE"},
	models.TypeObjectStore: {"GET", "PUT", "DELETE", "LIST"},
	models.TypeHTTPAPI:     {"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
}

// CreateConnectorRequest carries everything needed to register a connector.
// Credentials arrive in plaintext exactly once, here, and are encrypted
// before they touch the store.
type CreateConnectorRequest struct {
	OwnerID           string
	Name              string
	ConnectorType     models.ConnectorType
	Credentials       string
	AllowedOperations []string
	IsPublic          bool
}

// CreatedConnector is the one-time creation result. The access token is
// returned here and never again.
type CreatedConnector struct {
	Connector *models.ProxyConnector
	Token     string
}

// ConnectorService manages the connector registry.
type ConnectorService interface {
	Create(ctx context.Context, req *CreateConnectorRequest) (*CreatedConnector, error)
	Get(ctx context.Context, ownerID string, id uuid.UUID) (*models.ProxyConnector, error)
	List(ctx context.Context, ownerID string) ([]*models.ProxyConnector, error)
	Revoke(ctx context.Context, ownerID string, id uuid.UUID) error

	// ResolveToken looks up a connector by access token, consulting the
	// cache first. Returns the connector and its encrypted credentials.
	ResolveToken(ctx context.Context, token string) (*models.ProxyConnector, string, error)
}

type connectorService struct {
	repo      repositories.ConnectorRepository
	linkRepo  repositories.SharedLinkRepository
	encryptor *crypto.CredentialEncryptor
	cache     *redis.Client
	cacheTTL  time.Duration
	auditor   *audit.Auditor
	logger    *zap.Logger
}

// NewConnectorService creates the connector registry service. cache may be
// nil; resolution then always hits the store.
func NewConnectorService(
	repo repositories.ConnectorRepository,
	linkRepo repositories.SharedLinkRepository,
	encryptor *crypto.CredentialEncryptor,
	cache *redis.Client,
	cacheTTL time.Duration,
	auditor *audit.Auditor,
	logger *zap.Logger,
) ConnectorService {
	return &connectorService{
		repo:      repo,
		linkRepo:  linkRepo,
		encryptor: encryptor,
		cache:     cache,
		cacheTTL:  cacheTTL,
		auditor:   auditor,
		logger:    logger,
	}
}

func (s *connectorService) Create(ctx context.Context, req *CreateConnectorRequest) (*CreatedConnector, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: connector name is required", apperrors.ErrMalformedRequest)
	}
	if !req.ConnectorType.IsValid() {
		return nil, fmt.Errorf("%w: unknown connector type %q", apperrors.ErrMalformedRequest, req.ConnectorType)
	}
	if req.Credentials == "" {
		return nil, fmt.Errorf("%w: credentials are required", apperrors.ErrMalformedRequest)
	}
	if !json.Valid([]byte(req.Credentials)) {
		return nil, fmt.Errorf("%w: credentials must be a JSON document", apperrors.ErrMalformedRequest)
	}

	ops, err := normalizeOperations(req.ConnectorType, req.AllowedOperations)
	if err != nil {
		return nil, err
	}

	encrypted, err := s.encryptor.Encrypt(req.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	token, err := NewConnectorToken()
	if err != nil {
		return nil, err
	}

	connector := &models.ProxyConnector{
		OwnerID:           req.OwnerID,
		Name:              req.Name,
		ConnectorType:     req.ConnectorType,
		AllowedOperations: ops,
		IsPublic:          req.IsPublic,
	}

	if err := s.repo.Create(ctx, connector, token, encrypted); err != nil {
		return nil, err
	}

	s.logger.Info("connector registered",
		zap.String("connector_id", connector.ID.String()),
		zap.String("owner_id", connector.OwnerID),
		zap.String("connector_type", string(connector.ConnectorType)))

	return &CreatedConnector{Connector: connector, Token: token}, nil
}

func (s *connectorService) Get(ctx context.Context, ownerID string, id uuid.UUID) (*models.ProxyConnector, error) {
	return s.repo.GetByID(ctx, ownerID, id)
}

func (s *connectorService) List(ctx context.Context, ownerID string) ([]*models.ProxyConnector, error) {
	return s.repo.List(ctx, ownerID)
}

// Revoke invalidates the connector, its cached resolution, and every
// dependent shared link. Idempotent.
func (s *connectorService) Revoke(ctx context.Context, ownerID string, id uuid.UUID) error {
	// Fetch the token before revoking so the cache entry can be dropped;
	// resolution is keyed by token, not ID.
	token, err := s.repo.GetTokenByID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.Revoke(ctx, ownerID, id); err != nil {
		return err
	}

	s.invalidate(ctx, token)
	s.auditor.RecordRevocation(id, "connector", ownerID)

	return nil
}

// cachedResolution is the cache representation of a token lookup. The
// credentials field holds ciphertext only; plaintext never enters Redis.
type cachedResolution struct {
	Connector            *models.ProxyConnector `json:"connector"`
	EncryptedCredentials string                 `json:"encrypted_credentials"`
}

func cacheKey(token string) string { return "gateway:token:" + token }

func (s *connectorService) ResolveToken(ctx context.Context, token string) (*models.ProxyConnector, string, error) {
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, cacheKey(token)).Result()
		if err == nil {
			var cached cachedResolution
			if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil {
				return cached.Connector, cached.EncryptedCredentials, nil
			}
		} else if err != redis.Nil {
			// Cache trouble is never fatal; fall through to the store.
			s.logger.Warn("token cache read failed", zap.Error(err))
		}
	}

	connector, encrypted, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		return nil, "", err
	}

	// Only live connectors are cached. Revoked ones must keep hitting the
	// store so a revocation never outlives a stale cache entry.
	if s.cache != nil && !connector.Revoked() {
		payload, jsonErr := json.Marshal(cachedResolution{Connector: connector, EncryptedCredentials: encrypted})
		if jsonErr == nil {
			if err := s.cache.Set(ctx, cacheKey(token), payload, s.cacheTTL).Err(); err != nil {
				s.logger.Warn("token cache write failed", zap.Error(err))
			}
		}
	}

	return connector, encrypted, nil
}

func (s *connectorService) invalidate(ctx context.Context, token string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, cacheKey(token)).Err(); err != nil {
		s.logger.Warn("token cache invalidation failed", zap.Error(err))
	}
}

// normalizeOperations upper-cases, deduplicates, and validates an allow-list
// against the connector type's vocabulary. An empty list is legal and means
// the connector allows nothing until its owner says otherwise.
func normalizeOperations(t models.ConnectorType, ops []string) ([]string, error) {
	vocabulary := operationVocabulary[t]

	seen := make(map[string]bool, len(ops))
	normalized := make([]string, 0, len(ops))
	for _, op := range ops {
		upper := strings.ToUpper(strings.TrimSpace(op))
		if upper == "" || seen[upper] {
			continue
		}
		valid := false
		for _, known := range vocabulary {
			if upper == known {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("%w: operation %q is not valid for connector type %q", apperrors.ErrMalformedRequest, op, t)
		}
		seen[upper] = true
		normalized = append(normalized, upper)
	}
	return normalized, nil
}

var _ ConnectorService = (*connectorService)(nil)
