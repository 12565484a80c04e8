package models

import (
	"time"

	"github.com/google/uuid"
)

// LinkStatus is the lifecycle state of a shared link.
// Active links may transition to any of the three terminal states; terminal
// states never transition back.
type LinkStatus string

const (
	LinkActive    LinkStatus = "active"
	LinkExpired   LinkStatus = "expired"
	LinkExhausted LinkStatus = "exhausted"
	LinkRevoked   LinkStatus = "revoked"
)

// SharedLink is a public-facing, time/usage-bounded access grant layered on
// top of a proxy connector or a dataset. Exactly one of ConnectorID and
// DatasetID is set (enforced by a CHECK constraint in the store).
type SharedLink struct {
	ShareID       uuid.UUID  `json:"share_id"`
	ConnectorID   *uuid.UUID `json:"connector_id,omitempty"`
	DatasetID     *uuid.UUID `json:"dataset_id,omitempty"`
	PublicURLPath string     `json:"public_url_path"`
	RequiresAuth  bool       `json:"requires_authentication"`
	PasswordHash  *string    `json:"-"`
	HasPassword   bool       `json:"has_password"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	MaxUses       *int       `json:"max_uses,omitempty"`
	CurrentUses   int        `json:"current_uses"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Revoked reports whether the link has been revoked.
func (l *SharedLink) Revoked() bool {
	return l.RevokedAt != nil
}

// Status derives the lifecycle state at the given instant. Precedence when
// several cutoffs have been crossed: revoked, then expired, then exhausted.
// Expiry before exhaustion matches the resolver's check ordering so status
// reports agree with authorization errors.
func (l *SharedLink) Status(now time.Time) LinkStatus {
	if l.RevokedAt != nil {
		return LinkRevoked
	}
	if l.ExpiresAt != nil && !now.Before(*l.ExpiresAt) {
		return LinkExpired
	}
	if l.MaxUses != nil && l.CurrentUses >= *l.MaxUses {
		return LinkExhausted
	}
	return LinkActive
}
