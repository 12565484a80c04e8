// Package repositories implements data access for connector and shared-link
// records against the PostgreSQL store.
package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/apperrors"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/models"
)

const connectorColumns = `id, owner_id, name, connector_type, allowed_operations,
	is_public, total_requests, revoked_at, created_at, last_accessed_at`

// ConnectorRepository defines data access for proxy connector records.
// Credentials are stored as encrypted TEXT - encryption/decryption is
// handled by the vault; this layer only moves ciphertext.
type ConnectorRepository interface {
	// Create inserts a new connector with its access token and encrypted credentials.
	Create(ctx context.Context, c *models.ProxyConnector, token, encryptedCredentials string) error

	// GetByID retrieves a connector by ID scoped to an owner.
	GetByID(ctx context.Context, ownerID string, id uuid.UUID) (*models.ProxyConnector, error)

	// GetByToken retrieves a connector and its encrypted credentials by
	// access token. This is the proxy hot path. Revoked connectors are
	// still returned (with RevokedAt set) so the resolver can distinguish
	// revoked from unknown.
	GetByToken(ctx context.Context, token string) (*models.ProxyConnector, string, error)

	// GetCredentials returns the encrypted credentials for a connector ID.
	GetCredentials(ctx context.Context, id uuid.UUID) (string, error)

	// GetTokenByID returns the access token for a connector ID. Used to
	// invalidate cache entries keyed by token when a connector is revoked.
	GetTokenByID(ctx context.Context, id uuid.UUID) (string, error)

	// GetForProxy retrieves a connector and its encrypted credentials by ID
	// without owner scoping. Used when a shared link references a connector;
	// the link itself is the access grant.
	GetForProxy(ctx context.Context, id uuid.UUID) (*models.ProxyConnector, string, error)

	// List retrieves all connectors for an owner.
	List(ctx context.Context, ownerID string) ([]*models.ProxyConnector, error)

	// Revoke soft-deletes a connector and all dependent shared links in one
	// transaction. Idempotent: revoking an already-revoked connector is a no-op.
	Revoke(ctx context.Context, ownerID string, id uuid.UUID) error

	// RecordAccess atomically increments total_requests and stamps
	// last_accessed_at. Returns apperrors.ErrTokenRevoked if the connector
	// was revoked between authorization and accounting.
	RecordAccess(ctx context.Context, id uuid.UUID) error
}

type connectorRepository struct {
	pool *pgxpool.Pool
}

// NewConnectorRepository creates a PostgreSQL-backed connector repository.
func NewConnectorRepository(pool *pgxpool.Pool) ConnectorRepository {
	return &connectorRepository{pool: pool}
}

func (r *connectorRepository) Create(ctx context.Context, c *models.ProxyConnector, token, encryptedCredentials string) error {
	c.CreatedAt = time.Now()

	query := `
		INSERT INTO gateway_connectors
			(owner_id, name, connector_type, token, encrypted_credentials, allowed_operations, is_public, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := r.pool.QueryRow(ctx, query,
		c.OwnerID,
		c.Name,
		string(c.ConnectorType),
		token,
		encryptedCredentials,
		c.AllowedOperations,
		c.IsPublic,
		c.CreatedAt,
	).Scan(&c.ID)
	if err != nil {
		// Unique constraint violation (PostgreSQL error code 23505)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create connector: %w", err)
	}

	return nil
}

func (r *connectorRepository) GetByID(ctx context.Context, ownerID string, id uuid.UUID) (*models.ProxyConnector, error) {
	query := `
		SELECT ` + connectorColumns + `
		FROM gateway_connectors
		WHERE owner_id = $1 AND id = $2`

	c, err := scanConnector(r.pool.QueryRow(ctx, query, ownerID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get connector: %w", err)
	}
	return c, nil
}

func (r *connectorRepository) GetByToken(ctx context.Context, token string) (*models.ProxyConnector, string, error) {
	query := `
		SELECT ` + connectorColumns + `, encrypted_credentials
		FROM gateway_connectors
		WHERE token = $1`

	row := r.pool.QueryRow(ctx, query, token)

	var c models.ProxyConnector
	var connectorType string
	var encryptedCredentials string
	err := row.Scan(
		&c.ID,
		&c.OwnerID,
		&c.Name,
		&connectorType,
		&c.AllowedOperations,
		&c.IsPublic,
		&c.TotalRequests,
		&c.RevokedAt,
		&c.CreatedAt,
		&c.LastAccessedAt,
		&encryptedCredentials,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", apperrors.ErrTokenNotFound
		}
		return nil, "", fmt.Errorf("failed to resolve token: %w", err)
	}
	c.ConnectorType = models.ConnectorType(connectorType)

	return &c, encryptedCredentials, nil
}

func (r *connectorRepository) GetCredentials(ctx context.Context, id uuid.UUID) (string, error) {
	var encrypted string
	err := r.pool.QueryRow(ctx,
		`SELECT encrypted_credentials FROM gateway_connectors WHERE id = $1`, id,
	).Scan(&encrypted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperrors.ErrNotFound
		}
		return "", fmt.Errorf("failed to get credentials: %w", err)
	}
	return encrypted, nil
}

func (r *connectorRepository) GetForProxy(ctx context.Context, id uuid.UUID) (*models.ProxyConnector, string, error) {
	query := `
		SELECT ` + connectorColumns + `, encrypted_credentials
		FROM gateway_connectors
		WHERE id = $1`

	row := r.pool.QueryRow(ctx, query, id)

	var c models.ProxyConnector
	var connectorType string
	var encryptedCredentials string
	err := row.Scan(
		&c.ID,
		&c.OwnerID,
		&c.Name,
		&connectorType,
		&c.AllowedOperations,
		&c.IsPublic,
		&c.TotalRequests,
		&c.RevokedAt,
		&c.CreatedAt,
		&c.LastAccessedAt,
		&encryptedCredentials,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", apperrors.ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to get connector for proxy: %w", err)
	}
	c.ConnectorType = models.ConnectorType(connectorType)

	return &c, encryptedCredentials, nil
}

func (r *connectorRepository) GetTokenByID(ctx context.Context, id uuid.UUID) (string, error) {
	var token string
	err := r.pool.QueryRow(ctx,
		`SELECT token FROM gateway_connectors WHERE id = $1`, id,
	).Scan(&token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", apperrors.ErrNotFound
		}
		return "", fmt.Errorf("failed to get token: %w", err)
	}
	return token, nil
}

func (r *connectorRepository) List(ctx context.Context, ownerID string) ([]*models.ProxyConnector, error) {
	query := `
		SELECT ` + connectorColumns + `
		FROM gateway_connectors
		WHERE owner_id = $1
		ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connectors: %w", err)
	}
	defer rows.Close()

	var connectors []*models.ProxyConnector
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connector: %w", err)
		}
		connectors = append(connectors, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connectors: %w", err)
	}

	return connectors, nil
}

// Revoke marks the connector and every dependent shared link revoked in a
// single transaction. Soft-delete preserves the audit history; nothing is
// physically removed.
func (r *connectorRepository) Revoke(ctx context.Context, ownerID string, id uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	now := time.Now()

	result, err := tx.Exec(ctx, `
		UPDATE gateway_connectors
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE owner_id = $1 AND id = $3`, ownerID, now, id)
	if err != nil {
		return fmt.Errorf("failed to revoke connector: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	_, err = tx.Exec(ctx, `
		UPDATE gateway_shared_links
		SET revoked_at = COALESCE(revoked_at, $1)
		WHERE connector_id = $2`, now, id)
	if err != nil {
		return fmt.Errorf("failed to revoke dependent shared links: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit revocation: %w", err)
	}

	return nil
}

// RecordAccess is the store-side atomic accounting primitive: a single
// conditional UPDATE so that concurrent requests against the same connector
// never race the revocation check.
func (r *connectorRepository) RecordAccess(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE gateway_connectors
		SET total_requests = total_requests + 1, last_accessed_at = now()
		WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to record access: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrTokenRevoked
	}
	return nil
}

// scanConnector reads one connector row from either a pgx.Row or pgx.Rows.
func scanConnector(row pgx.Row) (*models.ProxyConnector, error) {
	var c models.ProxyConnector
	var connectorType string
	err := row.Scan(
		&c.ID,
		&c.OwnerID,
		&c.Name,
		&connectorType,
		&c.AllowedOperations,
		&c.IsPublic,
		&c.TotalRequests,
		&c.RevokedAt,
		&c.CreatedAt,
		&c.LastAccessedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ConnectorType = models.ConnectorType(connectorType)
	return &c, nil
}

// Ensure connectorRepository implements ConnectorRepository at compile time.
var _ ConnectorRepository = (*connectorRepository)(nil)
