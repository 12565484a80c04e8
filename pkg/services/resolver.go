package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/apperrors"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/auth"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/crypto"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/models"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/repositories"
)

// AccessRequest is one proxied request as seen by the resolver: an opaque
// token plus whatever secrets and identity the protocol listener extracted.
type AccessRequest struct {
	Token string
	// Operation is the protocol-level verb (SQL verb, Mongo command, HTTP
	// method, object-store action) already upper-cased by the listener.
	// Empty means the request carries no operation to authorize (for
	// example a dataset-link metadata fetch).
	Operation string
	// Password is the presented share password, if any.
	Password string
	// IdentityToken is the caller's JWT for links requiring authentication.
	IdentityToken string
	// ExpectedType, when set, is the connector type the listener serves.
	ExpectedType models.ConnectorType
	// Protocol and ClientIP feed the audit trail.
	Protocol string
	ClientIP string
}

// Grant is a successful authorization. It carries a single-use credential
// handle rather than plaintext; the forwarding step opens the handle only
// if it actually needs to build a new backend pool.
type Grant struct {
	ConnectorID   uuid.UUID
	ConnectorType models.ConnectorType
	LinkID        *uuid.UUID
	DatasetID     *uuid.UUID
	Credentials   *crypto.SecretHandle
	// Caller is the authenticated subject, when the link required one.
	Caller   string
	ClientIP string
	// UsesAfterClaim is the link's use count after this request claimed
	// its use. Nil for unbounded links and connector tokens.
	UsesAfterClaim *int
}

// Resolver authorizes access requests. All checks complete before any
// backend work: a rejected request never costs a backend round trip.
type Resolver interface {
	Authorize(ctx context.Context, req *AccessRequest) (*Grant, error)
}

type resolver struct {
	connectors ConnectorService
	links      repositories.SharedLinkRepository
	connRepo   repositories.ConnectorRepository
	verifier   auth.Verifier
	accountant Accountant
	encryptor  *crypto.CredentialEncryptor
	logger     *zap.Logger
	now        func() time.Time
}

// NewResolver creates the token resolver.
func NewResolver(
	connectors ConnectorService,
	links repositories.SharedLinkRepository,
	connRepo repositories.ConnectorRepository,
	verifier auth.Verifier,
	accountant Accountant,
	encryptor *crypto.CredentialEncryptor,
	logger *zap.Logger,
) Resolver {
	return &resolver{
		connectors: connectors,
		links:      links,
		connRepo:   connRepo,
		verifier:   verifier,
		accountant: accountant,
		encryptor:  encryptor,
		logger:     logger,
		now:        time.Now,
	}
}

// Authorize runs the full check pipeline. Check order is fixed so denials
// are deterministic: revocation, then expiry, then password, then caller
// identity, then the operation allow-list, and only then the bounded-use
// claim. The usage claim comes last because it is the only check with a
// side effect; a request denied by an earlier check consumes nothing.
func (r *resolver) Authorize(ctx context.Context, req *AccessRequest) (*Grant, error) {
	switch ClassifyToken(req.Token) {
	case TokenConnector:
		return r.authorizeConnector(ctx, req)
	case TokenShare:
		return r.authorizeShare(ctx, req)
	default:
		// Unknown prefixes never reach the store.
		return nil, apperrors.ErrTokenNotFound
	}
}

func (r *resolver) authorizeConnector(ctx context.Context, req *AccessRequest) (*Grant, error) {
	connector, encrypted, err := r.connectors.ResolveToken(ctx, req.Token)
	if err != nil {
		return nil, err
	}

	if connector.Revoked() {
		return nil, apperrors.ErrTokenRevoked
	}

	// A valid token presented on the wrong dialect is reported exactly like
	// an unknown token so a probing client learns nothing.
	if req.ExpectedType != "" && connector.ConnectorType != req.ExpectedType {
		r.logger.Warn("token presented on wrong listener",
			zap.String("connector_id", connector.ID.String()),
			zap.String("listener", string(req.ExpectedType)),
			zap.String("connector_type", string(connector.ConnectorType)))
		return nil, apperrors.ErrTokenNotFound
	}

	if req.Operation != "" && !connector.AllowsOperation(req.Operation) {
		return nil, apperrors.ErrOperationNotAllowed
	}

	grant := &Grant{
		ConnectorID:   connector.ID,
		ConnectorType: connector.ConnectorType,
		Credentials:   r.encryptor.Handle(encrypted),
		ClientIP:      req.ClientIP,
	}

	if err := r.accountant.RecordAttempt(ctx, grant); err != nil {
		return nil, err
	}

	return grant, nil
}

func (r *resolver) authorizeShare(ctx context.Context, req *AccessRequest) (*Grant, error) {
	link, err := r.links.GetByToken(ctx, req.Token)
	if err != nil {
		return nil, err
	}

	if link.Revoked() {
		return nil, apperrors.ErrTokenRevoked
	}
	if link.ExpiresAt != nil && !r.now().Before(*link.ExpiresAt) {
		return nil, apperrors.ErrTokenExpired
	}

	if err := CheckPassword(link, req.Password); err != nil {
		return nil, err
	}

	caller := ""
	if link.RequiresAuth {
		if req.IdentityToken == "" {
			return nil, apperrors.ErrAuthenticationRequired
		}
		claims, err := r.verifier.Verify(req.IdentityToken)
		if err != nil {
			return nil, apperrors.ErrAuthenticationRequired
		}
		caller = claims.Subject
	}

	grant := &Grant{
		LinkID:    &link.ShareID,
		DatasetID: link.DatasetID,
		Caller:    caller,
		ClientIP:  req.ClientIP,
	}

	if link.ConnectorID != nil {
		connector, encrypted, err := r.connRepo.GetForProxy(ctx, *link.ConnectorID)
		if err != nil {
			return nil, apperrors.ErrConnectorUnavailable
		}
		// Connector revocation cascades to links, but guard against a
		// revocation that landed between the two reads.
		if connector.Revoked() {
			return nil, apperrors.ErrTokenRevoked
		}
		if req.Operation != "" && !connector.AllowsOperation(req.Operation) {
			return nil, apperrors.ErrOperationNotAllowed
		}
		grant.ConnectorID = connector.ID
		grant.ConnectorType = connector.ConnectorType
		grant.Credentials = r.encryptor.Handle(encrypted)
	}

	// The bounded-use claim is the final gate. Concurrent requests against
	// the same link race here and the store admits at most max_uses total.
	if err := r.accountant.RecordAttempt(ctx, grant); err != nil {
		return nil, err
	}

	return grant, nil
}

var _ Resolver = (*resolver)(nil)
