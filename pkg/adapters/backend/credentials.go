// Package backend manages per-connector backend clients: TTL'd pools keyed
// by connector ID, credentials decrypted once per pool creation, background
// cleanup of idle pools.
package backend

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/apperrors"
)

// PostgresCredentials is the decrypted credential document for a postgres
// connector.
type PostgresCredentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslmode"`
}

// ConnString renders a pgx-compatible connection URL.
func (c *PostgresCredentials) ConnString() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "prefer"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.User), url.QueryEscape(c.Password), c.Host, port, c.Database, sslmode)
}

// SQLServerCredentials is the decrypted credential document for a sqlserver
// connector.
type SQLServerCredentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"database"`
	Encrypt  string `json:"encrypt"`
}

// ConnString renders a go-mssqldb connection URL.
func (c *SQLServerCredentials) ConnString() string {
	port := c.Port
	if port == 0 {
		port = 1433
	}
	query := url.Values{}
	query.Set("database", c.Database)
	if c.Encrypt != "" {
		query.Set("encrypt", c.Encrypt)
	}
	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, port),
		RawQuery: query.Encode(),
	}
	return u.String()
}

// ClickHouseCredentials points at a ClickHouse HTTP interface.
type ClickHouseCredentials struct {
	URL      string `json:"url"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// MongoCredentials holds either a complete URI or discrete fields.
type MongoCredentials struct {
	URI      string `json:"uri"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"database"`
}

// ConnString returns the URI, building one from discrete fields when absent.
func (c *MongoCredentials) ConnString() string {
	if c.URI != "" {
		return c.URI
	}
	port := c.Port
	if port == 0 {
		port = 27017
	}
	auth := ""
	if c.Username != "" {
		auth = url.QueryEscape(c.Username) + ":" + url.QueryEscape(c.Password) + "@"
	}
	return fmt.Sprintf("mongodb://%s%s:%d/%s", auth, c.Host, port, c.Database)
}

// ObjectStoreCredentials is the decrypted credential document for an s3
// connector. The bucket is fixed per connector so a token can never wander
// across buckets.
type ObjectStoreCredentials struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	UseSSL    bool   `json:"use_ssl"`
}

// HTTPAPICredentials describes the real upstream an http connector fronts.
type HTTPAPICredentials struct {
	BaseURL     string            `json:"base_url"`
	Headers     map[string]string `json:"headers"`
	BearerToken string            `json:"bearer_token"`
}

// parseCredentials decodes a decrypted credential document into dst and
// validates the fields the backend cannot live without. Stored credentials
// that fail here mean the record is corrupt, never a client error.
func parseCredentials(plaintext string, dst any, required func() error) error {
	if err := json.Unmarshal([]byte(plaintext), dst); err != nil {
		return fmt.Errorf("%w: stored credentials are not valid JSON", apperrors.ErrConnectorUnavailable)
	}
	if err := required(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrConnectorUnavailable, err)
	}
	return nil
}

// ParsePostgresCredentials decodes and validates postgres credentials.
func ParsePostgresCredentials(plaintext string) (*PostgresCredentials, error) {
	var c PostgresCredentials
	err := parseCredentials(plaintext, &c, func() error {
		if c.Host == "" || c.User == "" || c.Database == "" {
			return fmt.Errorf("host, user, and database are required")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseSQLServerCredentials decodes and validates sqlserver credentials.
func ParseSQLServerCredentials(plaintext string) (*SQLServerCredentials, error) {
	var c SQLServerCredentials
	err := parseCredentials(plaintext, &c, func() error {
		if c.Host == "" || c.Username == "" || c.Database == "" {
			return fmt.Errorf("host, username, and database are required")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseClickHouseCredentials decodes and validates clickhouse credentials.
func ParseClickHouseCredentials(plaintext string) (*ClickHouseCredentials, error) {
	var c ClickHouseCredentials
	err := parseCredentials(plaintext, &c, func() error {
		if c.URL == "" {
			return fmt.Errorf("url is required")
		}
		if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
			return fmt.Errorf("url must be an HTTP endpoint")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseMongoCredentials decodes and validates mongodb credentials.
func ParseMongoCredentials(plaintext string) (*MongoCredentials, error) {
	var c MongoCredentials
	err := parseCredentials(plaintext, &c, func() error {
		if c.URI == "" && c.Host == "" {
			return fmt.Errorf("uri or host is required")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseObjectStoreCredentials decodes and validates s3 credentials.
func ParseObjectStoreCredentials(plaintext string) (*ObjectStoreCredentials, error) {
	var c ObjectStoreCredentials
	err := parseCredentials(plaintext, &c, func() error {
		if c.Endpoint == "" || c.AccessKey == "" || c.SecretKey == "" || c.Bucket == "" {
			return fmt.Errorf("endpoint, access_key, secret_key, and bucket are required")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseHTTPAPICredentials decodes and validates http connector credentials.
func ParseHTTPAPICredentials(plaintext string) (*HTTPAPICredentials, error) {
	var c HTTPAPICredentials
	err := parseCredentials(plaintext, &c, func() error {
		if c.BaseURL == "" {
			return fmt.Errorf("base_url is required")
		}
		if _, err := url.Parse(c.BaseURL); err != nil {
			return fmt.Errorf("base_url is not a valid URL: %v", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}
