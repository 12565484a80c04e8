package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/audit"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/repositories"
)

// Accountant records usage against connectors and links. Attempts are
// counted when a request is authorized, not when it succeeds: a request that
// passed every check consumed the grant even if the backend then failed.
type Accountant interface {
	// RecordAttempt claims one use for the grant. For bounded links this is
	// the store-side compare-and-increment: it fails with ErrTokenExhausted
	// or ErrTokenRevoked when no use can be claimed, and that failure is an
	// authorization failure, not an accounting error.
	RecordAttempt(ctx context.Context, grant *Grant) error

	// RecordOutcome emits the audit record for a completed request.
	RecordOutcome(ctx context.Context, grant *Grant, protocol, operation string, outcome audit.Outcome, latency time.Duration, bytes int64, reason string)
}

type accountant struct {
	connectors repositories.ConnectorRepository
	links      repositories.SharedLinkRepository
	auditor    *audit.Auditor
	logger     *zap.Logger
}

// NewAccountant creates the usage accountant.
func NewAccountant(
	connectors repositories.ConnectorRepository,
	links repositories.SharedLinkRepository,
	auditor *audit.Auditor,
	logger *zap.Logger,
) Accountant {
	return &accountant{connectors: connectors, links: links, auditor: auditor, logger: logger}
}

func (a *accountant) RecordAttempt(ctx context.Context, grant *Grant) error {
	if grant.LinkID != nil {
		uses, err := a.links.ConsumeUse(ctx, *grant.LinkID)
		if err != nil {
			return err
		}
		grant.UsesAfterClaim = &uses
	}

	if grant.ConnectorID != uuid.Nil {
		if err := a.connectors.RecordAccess(ctx, grant.ConnectorID); err != nil {
			return err
		}
	}

	return nil
}

func (a *accountant) RecordOutcome(ctx context.Context, grant *Grant, protocol, operation string, outcome audit.Outcome, latency time.Duration, bytes int64, reason string) {
	subject := grant.ConnectorID
	if grant.LinkID != nil {
		subject = *grant.LinkID
	}

	a.auditor.RecordRequest(subject, protocol, operation, outcome, grant.Caller, grant.ClientIP, reason)
	a.logger.Debug("request completed",
		zap.String("protocol", protocol),
		zap.String("operation", operation),
		zap.String("outcome", string(outcome)),
		zap.Duration("latency", latency),
		zap.Int64("bytes", bytes))
}

var _ Accountant = (*accountant)(nil)
