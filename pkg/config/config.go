package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for vaultlink-gateway.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"0.0.0.0"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// AdminPort serves the owner-facing management API and health checks.
	AdminPort int `yaml:"admin_port" env:"ADMIN_PORT" env-default:"8080"`

	// Listeners holds one port per protocol variant.
	Listeners ListenerConfig `yaml:"listeners"`

	// Timeouts bound every suspension point on the proxy path.
	Timeouts TimeoutConfig `yaml:"timeouts"`

	// Database configuration (PostgreSQL, the durable store)
	Database DatabaseConfig `yaml:"database"`

	// Redis cache for hot-path token resolution (optional)
	Redis RedisConfig `yaml:"redis"`

	// Backend connection pool settings
	Backend BackendConfig `yaml:"backend"`

	// Auth configuration for requires_authentication shared links
	Auth AuthConfig `yaml:"auth"`

	// PublicBaseURL is the externally visible base for shared-link URLs.
	PublicBaseURL string `yaml:"public_base_url" env:"PUBLIC_BASE_URL" env-default:"http://localhost:8087"`

	// Credential encryption key for connector secrets.
	// Must be a 32-byte key, base64 encoded. Generate with: openssl rand -base64 32
	// Server will fail to start if this is not set.
	CredentialsKey string `yaml:"-" env:"GATEWAY_CREDENTIALS_KEY"` // Secret - not in YAML
}

// ListenerConfig maps each protocol listener to its port. A port of 0
// disables that listener; the others are unaffected.
type ListenerConfig struct {
	PostgresPort    int `yaml:"postgres_port" env:"LISTENER_POSTGRES_PORT" env-default:"6432"`
	SQLServerPort   int `yaml:"sqlserver_port" env:"LISTENER_SQLSERVER_PORT" env-default:"6433"`
	ClickHousePort  int `yaml:"clickhouse_port" env:"LISTENER_CLICKHOUSE_PORT" env-default:"8124"`
	MongoDBPort     int `yaml:"mongodb_port" env:"LISTENER_MONGODB_PORT" env-default:"27018"`
	ObjectStorePort int `yaml:"objectstore_port" env:"LISTENER_OBJECTSTORE_PORT" env-default:"9001"`
	HTTPAPIPort     int `yaml:"httpapi_port" env:"LISTENER_HTTPAPI_PORT" env-default:"8086"`
	SharedLinkPort  int `yaml:"sharedlink_port" env:"LISTENER_SHAREDLINK_PORT" env-default:"8087"`
}

// TimeoutConfig bounds the three suspension points of a proxied request
// plus shutdown draining. A client or backend that does not respond within
// the bound gets a typed timeout error, never an indefinite hang.
type TimeoutConfig struct {
	ClientHandshakeSeconds int `yaml:"client_handshake_seconds" env:"TIMEOUT_CLIENT_HANDSHAKE_SECONDS" env-default:"10"`
	BackendDialSeconds     int `yaml:"backend_dial_seconds" env:"TIMEOUT_BACKEND_DIAL_SECONDS" env-default:"10"`
	BackendResponseSeconds int `yaml:"backend_response_seconds" env:"TIMEOUT_BACKEND_RESPONSE_SECONDS" env-default:"60"`
	ShutdownGraceSeconds   int `yaml:"shutdown_grace_seconds" env:"TIMEOUT_SHUTDOWN_GRACE_SECONDS" env-default:"30"`
}

// ClientHandshake returns the handshake timeout as a duration.
func (t TimeoutConfig) ClientHandshake() time.Duration {
	return time.Duration(t.ClientHandshakeSeconds) * time.Second
}

// BackendDial returns the backend dial timeout as a duration.
func (t TimeoutConfig) BackendDial() time.Duration {
	return time.Duration(t.BackendDialSeconds) * time.Second
}

// BackendResponse returns the backend response timeout as a duration.
func (t TimeoutConfig) BackendResponse() time.Duration {
	return time.Duration(t.BackendResponseSeconds) * time.Second
}

// ShutdownGrace returns the drain deadline as a duration.
func (t TimeoutConfig) ShutdownGrace() time.Duration {
	return time.Duration(t.ShutdownGraceSeconds) * time.Second
}

// DatabaseConfig holds PostgreSQL configuration for the durable store.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"vaultlink"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"vaultlink_gateway"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"PGMIGRATIONS_PATH" env-default:"migrations"`
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds the resolver-cache configuration. Empty host disables
// caching; every resolution then hits the store directly.
type RedisConfig struct {
	Host       string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port       int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password   string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB         int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	TTLSeconds int    `yaml:"ttl_seconds" env:"REDIS_TTL_SECONDS" env-default:"30"`
}

// TTL returns the cache entry lifetime as a duration.
func (c *RedisConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// BackendConfig holds backend connection pool settings.
type BackendConfig struct {
	// PoolTTLMinutes is how long idle backend pools are kept alive.
	PoolTTLMinutes int `yaml:"pool_ttl_minutes" env:"BACKEND_POOL_TTL_MINUTES" env-default:"5"`
	// PoolMaxConns is the maximum number of connections per connector pool.
	PoolMaxConns int32 `yaml:"pool_max_conns" env:"BACKEND_POOL_MAX_CONNS" env-default:"10"`
	// PoolMinConns is the minimum number of connections per connector pool.
	PoolMinConns int32 `yaml:"pool_min_conns" env:"BACKEND_POOL_MIN_CONNS" env-default:"1"`
}

// AuthConfig configures validation of caller identity tokens for shared
// links with requires_authentication set.
type AuthConfig struct {
	// EnableVerification controls whether JWT signatures are validated.
	// Set to false for local development without an auth server.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSURL is the authentication service's JWKS endpoint.
	JWKSURL string `yaml:"jwks_url" env:"AUTH_JWKS_URL" env-default:""`

	// Issuer is the only accepted token issuer.
	Issuer string `yaml:"issuer" env:"AUTH_ISSUER" env-default:""`
}

// Load reads configuration from config.yaml with environment variable
// overrides. The version parameter is injected at build time.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		// A missing config.yaml is fine; env vars and defaults suffice.
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if cfg.CredentialsKey == "" {
		return nil, fmt.Errorf("GATEWAY_CREDENTIALS_KEY must be set")
	}

	return cfg, nil
}
