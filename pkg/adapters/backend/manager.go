package backend

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/microsoft/go-mssqldb"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/apperrors"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/audit"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/crypto"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/logging"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/retry"
)

const (
	DefaultTTLMinutes      = 5
	DefaultCleanupInterval = 1 * time.Minute
	DefaultPoolMaxConns    = 10
	DefaultPoolMinConns    = 1
)

// Config holds configuration for the backend manager.
type Config struct {
	TTLMinutes   int
	PoolMaxConns int32
	PoolMinConns int32
	DialTimeout  time.Duration
}

// Manager owns one backend client per connector with TTL-based expiry and
// automatic cleanup. Backends are keyed by connector ID and never shared
// across connectors: two connectors pointing at the same database still get
// separate pools so revoking one cannot starve the other.
//
// Credentials are decrypted exactly once, when a backend is first built.
// Requests that find an existing backend drop their credential handle
// unopened.
type Manager struct {
	mu       sync.RWMutex
	backends map[uuid.UUID]*managedBackend
	ttl      time.Duration
	poolMax  int32
	poolMin  int32
	dial     time.Duration
	stopped  bool
	stopChan chan struct{}
	auditor  *audit.Auditor
	logger   *zap.Logger
}

// managedBackend is one live backend client with its close routine.
type managedBackend struct {
	mu       sync.Mutex
	value    any
	kind     string
	closeFn  func()
	healthFn func(context.Context) error // nil means no health check on reuse
	lastUsed time.Time
}

// NewManager creates a backend manager and starts its cleanup goroutine.
func NewManager(cfg Config, auditor *audit.Auditor, logger *zap.Logger) *Manager {
	if cfg.TTLMinutes <= 0 {
		cfg.TTLMinutes = DefaultTTLMinutes
	}
	if cfg.PoolMaxConns <= 0 {
		cfg.PoolMaxConns = DefaultPoolMaxConns
	}
	if cfg.PoolMinConns <= 0 {
		cfg.PoolMinConns = DefaultPoolMinConns
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	m := &Manager{
		backends: make(map[uuid.UUID]*managedBackend),
		ttl:      time.Duration(cfg.TTLMinutes) * time.Minute,
		poolMax:  cfg.PoolMaxConns,
		poolMin:  cfg.PoolMinConns,
		dial:     cfg.DialTimeout,
		stopChan: make(chan struct{}),
		auditor:  auditor,
		logger:   logger,
	}

	go m.cleanupExpired()
	return m
}

// openCredentials exchanges the handle for plaintext. Failures here are
// operator problems (corrupt ciphertext, rotated key), audited as such.
func (m *Manager) openCredentials(id uuid.UUID, creds *crypto.SecretHandle) (string, error) {
	plaintext, err := creds.Open()
	if err != nil {
		m.logger.Error("credential decryption failed",
			zap.String("connector_id", id.String()),
			zap.String("error", logging.SanitizeError(err)))
		m.auditor.RecordConnectorUnavailable(id, "backend", "credential decryption failed", "")
		return "", fmt.Errorf("%w: credential decryption failed", apperrors.ErrConnectorUnavailable)
	}
	return plaintext, nil
}

// getOrCreate returns the live backend for id, building one with create when
// absent or unhealthy. create must return the client, its close routine, and
// an optional health check.
func (m *Manager) getOrCreate(ctx context.Context, id uuid.UUID, kind string, create func(ctx context.Context) (any, func(), func(context.Context) error, error)) (any, error) {
	m.mu.RLock()
	managed, exists := m.backends[id]
	m.mu.RUnlock()

	if exists && managed.kind == kind {
		managed.mu.Lock()
		if managed.healthFn != nil {
			healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := retry.Do(healthCtx, retry.ProxyConfig(), func() error {
				return managed.healthFn(healthCtx)
			})
			cancel()
			if err != nil {
				m.logger.Warn("backend unhealthy, recreating",
					zap.String("connector_id", id.String()),
					zap.String("error", logging.SanitizeError(err)))
				managed.mu.Unlock()
				m.remove(id)
				return m.createBackend(ctx, id, kind, create)
			}
		}
		managed.lastUsed = time.Now()
		value := managed.value
		managed.mu.Unlock()
		return value, nil
	}

	return m.createBackend(ctx, id, kind, create)
}

func (m *Manager) createBackend(ctx context.Context, id uuid.UUID, kind string, create func(ctx context.Context) (any, func(), func(context.Context) error, error)) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Another goroutine may have built it while we waited for the lock.
	if managed, exists := m.backends[id]; exists && managed.kind == kind {
		managed.mu.Lock()
		managed.lastUsed = time.Now()
		value := managed.value
		managed.mu.Unlock()
		return value, nil
	}

	createCtx, cancel := context.WithTimeout(ctx, m.dial)
	defer cancel()

	value, closeFn, healthFn, err := create(createCtx)
	if err != nil {
		m.logger.Error("failed to create backend",
			zap.String("connector_id", id.String()),
			zap.String("kind", kind),
			zap.String("error", logging.SanitizeError(err)))
		return nil, err
	}

	m.backends[id] = &managedBackend{
		value:    value,
		kind:     kind,
		closeFn:  closeFn,
		healthFn: healthFn,
		lastUsed: time.Now(),
	}

	m.logger.Info("created backend",
		zap.String("connector_id", id.String()),
		zap.String("kind", kind),
		zap.Int("total_backends", len(m.backends)))

	return value, nil
}

// Postgres returns the pgx pool for a postgres connector.
func (m *Manager) Postgres(ctx context.Context, id uuid.UUID, creds *crypto.SecretHandle) (*pgxpool.Pool, error) {
	value, err := m.getOrCreate(ctx, id, "postgres", func(ctx context.Context) (any, func(), func(context.Context) error, error) {
		plaintext, err := m.openCredentials(id, creds)
		if err != nil {
			return nil, nil, nil, err
		}
		parsed, err := ParsePostgresCredentials(plaintext)
		if err != nil {
			return nil, nil, nil, err
		}

		poolConfig, err := pgxpool.ParseConfig(parsed.ConnString())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: invalid connection parameters", apperrors.ErrConnectorUnavailable)
		}
		poolConfig.MaxConns = m.poolMax
		poolConfig.MinConns = m.poolMin
		poolConfig.MaxConnIdleTime = m.ttl

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", apperrors.ErrBackendUnreachable, err)
		}
		health := func(ctx context.Context) error { return pool.Ping(ctx) }
		return pool, pool.Close, health, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*pgxpool.Pool), nil
}

// SQLServer returns the database/sql handle for a sqlserver connector.
func (m *Manager) SQLServer(ctx context.Context, id uuid.UUID, creds *crypto.SecretHandle) (*sql.DB, error) {
	value, err := m.getOrCreate(ctx, id, "sqlserver", func(ctx context.Context) (any, func(), func(context.Context) error, error) {
		plaintext, err := m.openCredentials(id, creds)
		if err != nil {
			return nil, nil, nil, err
		}
		parsed, err := ParseSQLServerCredentials(plaintext)
		if err != nil {
			return nil, nil, nil, err
		}

		db, err := sql.Open("sqlserver", parsed.ConnString())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: invalid connection parameters", apperrors.ErrConnectorUnavailable)
		}
		db.SetMaxOpenConns(int(m.poolMax))
		db.SetMaxIdleConns(int(m.poolMin))
		db.SetConnMaxIdleTime(m.ttl)

		if err := db.PingContext(ctx); err != nil {
			db.Close() //nolint:errcheck
			return nil, nil, nil, fmt.Errorf("%w: %v", apperrors.ErrBackendUnreachable, err)
		}
		health := func(ctx context.Context) error { return db.PingContext(ctx) }
		return db, func() { db.Close() }, health, nil //nolint:errcheck
	})
	if err != nil {
		return nil, err
	}
	return value.(*sql.DB), nil
}

// Mongo returns the mongo client for a mongodb connector.
func (m *Manager) Mongo(ctx context.Context, id uuid.UUID, creds *crypto.SecretHandle) (*mongo.Client, error) {
	value, err := m.getOrCreate(ctx, id, "mongodb", func(ctx context.Context) (any, func(), func(context.Context) error, error) {
		plaintext, err := m.openCredentials(id, creds)
		if err != nil {
			return nil, nil, nil, err
		}
		parsed, err := ParseMongoCredentials(plaintext)
		if err != nil {
			return nil, nil, nil, err
		}

		opts := options.Client().
			ApplyURI(parsed.ConnString()).
			SetMaxPoolSize(uint64(m.poolMax)).
			SetMaxConnIdleTime(m.ttl)

		client, err := mongo.Connect(ctx, opts)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", apperrors.ErrBackendUnreachable, err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, nil, fmt.Errorf("%w: %v", apperrors.ErrBackendUnreachable, err)
		}

		closeFn := func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(disconnectCtx)
		}
		health := func(ctx context.Context) error { return client.Ping(ctx, nil) }
		return client, closeFn, health, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*mongo.Client), nil
}

// ObjectStoreClient pairs a minio client with the connector's fixed bucket.
type ObjectStoreClient struct {
	Client *minio.Client
	Bucket string
}

// ObjectStore returns the minio client for an s3 connector.
func (m *Manager) ObjectStore(ctx context.Context, id uuid.UUID, creds *crypto.SecretHandle) (*ObjectStoreClient, error) {
	value, err := m.getOrCreate(ctx, id, "s3", func(ctx context.Context) (any, func(), func(context.Context) error, error) {
		plaintext, err := m.openCredentials(id, creds)
		if err != nil {
			return nil, nil, nil, err
		}
		parsed, err := ParseObjectStoreCredentials(plaintext)
		if err != nil {
			return nil, nil, nil, err
		}

		client, err := minio.New(parsed.Endpoint, &minio.Options{
			Creds:  miniocreds.NewStaticV4(parsed.AccessKey, parsed.SecretKey, ""),
			Secure: parsed.UseSSL,
			Region: parsed.Region,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: invalid connection parameters", apperrors.ErrConnectorUnavailable)
		}

		// minio clients hold no persistent connections; nothing to close
		// and no cheap health probe.
		return &ObjectStoreClient{Client: client, Bucket: parsed.Bucket}, func() {}, nil, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*ObjectStoreClient), nil
}

// HTTPTarget is the resolved upstream for an http connector: base URL plus
// the credential headers to substitute on every forwarded request.
type HTTPTarget struct {
	BaseURL     *url.URL
	Headers     map[string]string
	BearerToken string
	Client      *http.Client
}

// HTTPAPI returns the reverse-proxy target for an http connector.
func (m *Manager) HTTPAPI(ctx context.Context, id uuid.UUID, creds *crypto.SecretHandle) (*HTTPTarget, error) {
	value, err := m.getOrCreate(ctx, id, "http", func(ctx context.Context) (any, func(), func(context.Context) error, error) {
		plaintext, err := m.openCredentials(id, creds)
		if err != nil {
			return nil, nil, nil, err
		}
		parsed, err := ParseHTTPAPICredentials(plaintext)
		if err != nil {
			return nil, nil, nil, err
		}

		base, err := url.Parse(parsed.BaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: invalid base URL", apperrors.ErrConnectorUnavailable)
		}

		client := &http.Client{Timeout: 0} // per-request deadlines come from the listener
		target := &HTTPTarget{
			BaseURL:     base,
			Headers:     parsed.Headers,
			BearerToken: parsed.BearerToken,
			Client:      client,
		}
		return target, func() { client.CloseIdleConnections() }, nil, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*HTTPTarget), nil
}

// ClickHouseTarget is the resolved ClickHouse HTTP interface for a
// clickhouse connector.
type ClickHouseTarget struct {
	URL      *url.URL
	User     string
	Password string
	Client   *http.Client
}

// ClickHouse returns the HTTP relay target for a clickhouse connector.
func (m *Manager) ClickHouse(ctx context.Context, id uuid.UUID, creds *crypto.SecretHandle) (*ClickHouseTarget, error) {
	value, err := m.getOrCreate(ctx, id, "clickhouse", func(ctx context.Context) (any, func(), func(context.Context) error, error) {
		plaintext, err := m.openCredentials(id, creds)
		if err != nil {
			return nil, nil, nil, err
		}
		parsed, err := ParseClickHouseCredentials(plaintext)
		if err != nil {
			return nil, nil, nil, err
		}

		endpoint, err := url.Parse(parsed.URL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: invalid endpoint URL", apperrors.ErrConnectorUnavailable)
		}

		client := &http.Client{Timeout: 0}
		target := &ClickHouseTarget{
			URL:      endpoint,
			User:     parsed.User,
			Password: parsed.Password,
			Client:   client,
		}
		return target, func() { client.CloseIdleConnections() }, nil, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*ClickHouseTarget), nil
}

// Invalidate closes and removes the backend for a connector. Called on
// revocation so a revoked connector's pool does not linger until TTL.
func (m *Manager) Invalidate(id uuid.UUID) {
	m.remove(id)
}

func (m *Manager) remove(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if managed, exists := m.backends[id]; exists {
		if managed.closeFn != nil {
			managed.closeFn()
		}
		delete(m.backends, id)
		m.logger.Debug("removed backend", zap.String("connector_id", id.String()))
	}
}

func (m *Manager) cleanupExpired() {
	ticker := time.NewTicker(DefaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.performCleanup()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) performCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}

	now := time.Now()
	var expired []uuid.UUID
	for id, managed := range m.backends {
		managed.mu.Lock()
		idle := now.Sub(managed.lastUsed)
		managed.mu.Unlock()
		if idle > m.ttl {
			expired = append(expired, id)
		}
	}

	for _, id := range expired {
		if managed := m.backends[id]; managed != nil {
			if managed.closeFn != nil {
				managed.closeFn()
			}
			delete(m.backends, id)
		}
	}

	if len(expired) > 0 {
		m.logger.Info("cleaned up idle backends",
			zap.Int("count", len(expired)),
			zap.Int("remaining", len(m.backends)))
	}
}

// Close shuts down every backend and stops the cleanup goroutine. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil
	}
	m.stopped = true
	close(m.stopChan)

	for _, managed := range m.backends {
		if managed.closeFn != nil {
			managed.closeFn()
		}
	}
	m.backends = make(map[uuid.UUID]*managedBackend)
	m.logger.Info("backend manager closed")
	return nil
}

// Stats describes the manager's current state for the admin API.
type Stats struct {
	TotalBackends     int            `json:"total_backends"`
	TTLMinutes        int            `json:"ttl_minutes"`
	BackendsByKind    map[string]int `json:"backends_by_kind"`
	OldestIdleSeconds int            `json:"oldest_idle_seconds"`
}

// GetStats returns a snapshot of live backends. Safe to call concurrently.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	stats := Stats{
		TotalBackends:  len(m.backends),
		TTLMinutes:     int(m.ttl.Minutes()),
		BackendsByKind: make(map[string]int),
	}

	for _, managed := range m.backends {
		stats.BackendsByKind[managed.kind]++
		managed.mu.Lock()
		idle := int(now.Sub(managed.lastUsed).Seconds())
		managed.mu.Unlock()
		if idle > stats.OldestIdleSeconds {
			stats.OldestIdleSeconds = idle
		}
	}

	return stats
}
