package models

import (
	"time"

	"github.com/google/uuid"
)

// ConnectorType identifies the protocol family a proxy connector fronts.
type ConnectorType string

const (
	TypePostgres    ConnectorType = "postgres"
	TypeSQLServer   ConnectorType = "sqlserver"
	TypeClickHouse  ConnectorType = "clickhouse"
	TypeMongoDB     ConnectorType = "mongodb"
	TypeObjectStore ConnectorType = "s3"
	TypeHTTPAPI     ConnectorType = "http"
)

// KnownConnectorTypes lists every type the gateway can proxy.
var KnownConnectorTypes = []ConnectorType{
	TypePostgres, TypeSQLServer, TypeClickHouse, TypeMongoDB, TypeObjectStore, TypeHTTPAPI,
}

// IsValid reports whether t is a registered connector type.
func (t ConnectorType) IsValid() bool {
	for _, known := range KnownConnectorTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ProxyConnector is a registered mapping from an opaque access token to a
// real backing data source. Credentials are stored encrypted; no read path
// outside the vault ever sees plaintext, and the EncryptedCredentials field
// is deliberately absent from the model so it cannot leak through API
// responses. Repositories return the ciphertext separately.
type ProxyConnector struct {
	ID                uuid.UUID     `json:"id"`
	OwnerID           string        `json:"owner_id"`
	Name              string        `json:"name"`
	ConnectorType     ConnectorType `json:"connector_type"`
	AllowedOperations []string      `json:"allowed_operations"`
	IsPublic          bool          `json:"is_public"`
	TotalRequests     int64         `json:"total_requests"`
	RevokedAt         *time.Time    `json:"revoked_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	LastAccessedAt    *time.Time    `json:"last_accessed_at,omitempty"`
}

// Revoked reports whether the connector has been revoked by its owner.
func (c *ProxyConnector) Revoked() bool {
	return c.RevokedAt != nil
}

// AllowsOperation reports whether op is in the connector's allow-list.
// Matching is exact; callers normalize operations to upper case when parsing.
func (c *ProxyConnector) AllowsOperation(op string) bool {
	for _, allowed := range c.AllowedOperations {
		if allowed == op {
			return true
		}
	}
	return false
}
