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

const sharedLinkColumns = `share_id, connector_id, dataset_id, public_url_path,
	requires_authentication, password_hash, expires_at, max_uses, current_uses,
	revoked_at, created_at`

// SharedLinkRepository defines data access for shared-link records.
type SharedLinkRepository interface {
	// Create inserts a new shared link with its access token.
	Create(ctx context.Context, link *models.SharedLink, token string) error

	// GetByToken retrieves a shared link by access token. Revoked and
	// expired links are still returned so the resolver can report why
	// access was denied rather than pretending the token is unknown.
	GetByToken(ctx context.Context, token string) (*models.SharedLink, error)

	// GetByID retrieves a shared link by its share ID.
	GetByID(ctx context.Context, shareID uuid.UUID) (*models.SharedLink, error)

	// ListByConnector retrieves all links referencing a connector.
	ListByConnector(ctx context.Context, connectorID uuid.UUID) ([]*models.SharedLink, error)

	// ConsumeUse atomically claims one use of a bounded link. The increment
	// only happens when the bound has room, so N concurrent callers against
	// max_uses=N admit exactly N. Returns the new current_uses count, or
	// ErrTokenExhausted / ErrTokenRevoked when no use could be claimed.
	ConsumeUse(ctx context.Context, shareID uuid.UUID) (int, error)

	// Revoke soft-deletes a shared link. Idempotent.
	Revoke(ctx context.Context, shareID uuid.UUID) error
}

type sharedLinkRepository struct {
	pool *pgxpool.Pool
}

// NewSharedLinkRepository creates a PostgreSQL-backed shared-link repository.
func NewSharedLinkRepository(pool *pgxpool.Pool) SharedLinkRepository {
	return &sharedLinkRepository{pool: pool}
}

func (r *sharedLinkRepository) Create(ctx context.Context, link *models.SharedLink, token string) error {
	link.CreatedAt = time.Now()

	query := `
		INSERT INTO gateway_shared_links
			(connector_id, dataset_id, token, public_url_path, requires_authentication,
			 password_hash, expires_at, max_uses, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING share_id`

	err := r.pool.QueryRow(ctx, query,
		link.ConnectorID,
		link.DatasetID,
		token,
		link.PublicURLPath,
		link.RequiresAuth,
		link.PasswordHash,
		link.ExpiresAt,
		link.MaxUses,
		link.CreatedAt,
	).Scan(&link.ShareID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create shared link: %w", err)
	}

	return nil
}

func (r *sharedLinkRepository) GetByToken(ctx context.Context, token string) (*models.SharedLink, error) {
	query := `
		SELECT ` + sharedLinkColumns + `
		FROM gateway_shared_links
		WHERE token = $1`

	link, err := scanSharedLink(r.pool.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to resolve share token: %w", err)
	}
	return link, nil
}

func (r *sharedLinkRepository) GetByID(ctx context.Context, shareID uuid.UUID) (*models.SharedLink, error) {
	query := `
		SELECT ` + sharedLinkColumns + `
		FROM gateway_shared_links
		WHERE share_id = $1`

	link, err := scanSharedLink(r.pool.QueryRow(ctx, query, shareID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get shared link: %w", err)
	}
	return link, nil
}

func (r *sharedLinkRepository) ListByConnector(ctx context.Context, connectorID uuid.UUID) ([]*models.SharedLink, error) {
	query := `
		SELECT ` + sharedLinkColumns + `
		FROM gateway_shared_links
		WHERE connector_id = $1
		ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, connectorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list shared links: %w", err)
	}
	defer rows.Close()

	var links []*models.SharedLink
	for rows.Next() {
		link, err := scanSharedLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan shared link: %w", err)
		}
		links = append(links, link)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shared links: %w", err)
	}

	return links, nil
}

// ConsumeUse performs the bounded-use check and the increment in one
// conditional UPDATE. The row only changes when the link is unrevoked and
// under its bound, so there is no window between check and claim.
func (r *sharedLinkRepository) ConsumeUse(ctx context.Context, shareID uuid.UUID) (int, error) {
	var currentUses int
	err := r.pool.QueryRow(ctx, `
		UPDATE gateway_shared_links
		SET current_uses = current_uses + 1
		WHERE share_id = $1
		  AND revoked_at IS NULL
		  AND (max_uses IS NULL OR current_uses < max_uses)
		RETURNING current_uses`, shareID).Scan(&currentUses)
	if err == nil {
		return currentUses, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to consume use: %w", err)
	}

	// No use was claimed. Re-read to tell the caller which terminal state
	// the link is in.
	link, lookupErr := r.GetByID(ctx, shareID)
	if lookupErr != nil {
		if errors.Is(lookupErr, apperrors.ErrNotFound) {
			return 0, apperrors.ErrTokenNotFound
		}
		return 0, lookupErr
	}
	if link.Revoked() {
		return 0, apperrors.ErrTokenRevoked
	}
	return 0, apperrors.ErrTokenExhausted
}

func (r *sharedLinkRepository) Revoke(ctx context.Context, shareID uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE gateway_shared_links
		SET revoked_at = COALESCE(revoked_at, now())
		WHERE share_id = $1`, shareID)
	if err != nil {
		return fmt.Errorf("failed to revoke shared link: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func scanSharedLink(row pgx.Row) (*models.SharedLink, error) {
	var link models.SharedLink
	err := row.Scan(
		&link.ShareID,
		&link.ConnectorID,
		&link.DatasetID,
		&link.PublicURLPath,
		&link.RequiresAuth,
		&link.PasswordHash,
		&link.ExpiresAt,
		&link.MaxUses,
		&link.CurrentUses,
		&link.RevokedAt,
		&link.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	link.HasPassword = link.PasswordHash != nil
	return &link, nil
}

var _ SharedLinkRepository = (*sharedLinkRepository)(nil)
