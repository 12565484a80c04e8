package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/adapters/backend"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/audit"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/auth"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/config"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/crypto"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/database"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/handlers"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/middleware"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/models"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/proxy"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/proxy/clickhouse"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/proxy/httpapi"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/proxy/mongowire"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/proxy/objectstore"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/proxy/pgwire"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/proxy/sharelink"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/repositories"
	"github.com/vaultlink-inc/vaultlink-gateway/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("public_base_url", cfg.PublicBaseURL),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.String("redis", fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("gateway failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	encryptor, err := crypto.NewCredentialEncryptor(cfg.CredentialsKey)
	if err != nil {
		return fmt.Errorf("credential encryptor: %w", err)
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	migrationDB := stdlib.OpenDBFromPool(db.Pool)
	if err := database.RunMigrations(migrationDB, cfg.Database.MigrationsPath, logger); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if err := migrationDB.Close(); err != nil {
		logger.Warn("failed to close migration connection", zap.Error(err))
	}

	cache, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if cache == nil {
		logger.Info("redis not configured, token resolution cache disabled")
	} else {
		defer cache.Close() //nolint:errcheck
	}

	verifier, err := auth.NewJWKSVerifier(&auth.VerifierConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSURL:            cfg.Auth.JWKSURL,
		Issuer:             cfg.Auth.Issuer,
	})
	if err != nil {
		return fmt.Errorf("jwt verifier: %w", err)
	}

	auditor := audit.NewAuditor(logger)
	connectorRepo := repositories.NewConnectorRepository(db.Pool)
	linkRepo := repositories.NewSharedLinkRepository(db.Pool)

	connectors := services.NewConnectorService(connectorRepo, linkRepo, encryptor, cache, cfg.Redis.TTL(), auditor, logger)
	links := services.NewSharedLinkService(linkRepo, auditor, logger)
	accountant := services.NewAccountant(connectorRepo, linkRepo, auditor, logger)
	resolver := services.NewResolver(connectors, linkRepo, connectorRepo, verifier, accountant, encryptor, logger)

	manager := backend.NewManager(backend.Config{
		TTLMinutes:   cfg.Backend.PoolTTLMinutes,
		PoolMaxConns: cfg.Backend.PoolMaxConns,
		PoolMinConns: cfg.Backend.PoolMinConns,
		DialTimeout:  cfg.Timeouts.BackendDial(),
	}, auditor, logger)
	defer manager.Close()

	health := proxy.NewHealthRegistry()
	group := buildListeners(cfg, resolver, accountant, manager, logger)

	adminMux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, health, logger).RegisterRoutes(adminMux)
	handlers.NewConnectorsHandler(connectors, links, logger).RegisterRoutes(adminMux)
	handlers.NewSharesHandler(links, connectors, logger).RegisterRoutes(adminMux)
	handlers.NewStatsHandler(manager, health, logger).RegisterRoutes(adminMux)

	adminAddr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.AdminPort)
	group.Add(proxy.NewHTTPListener("admin", adminAddr, middleware.RequestLogger(logger)(adminMux), logger))

	if err := group.Start(); err != nil {
		return fmt.Errorf("listeners: %w", err)
	}
	for _, name := range group.Names() {
		health.SetUp(name)
	}

	logger.Info("gateway started",
		zap.String("version", cfg.Version),
		zap.Strings("listeners", group.Names()))

	<-ctx.Done()
	logger.Info("shutting down", zap.Duration("grace", cfg.Timeouts.ShutdownGrace()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownGrace())
	defer cancel()
	group.Shutdown(shutdownCtx)
	for _, name := range group.Names() {
		health.SetDown(name)
	}

	return nil
}

// buildListeners assembles one listener per configured protocol port. A
// port of zero disables that surface.
func buildListeners(
	cfg *config.Config,
	resolver services.Resolver,
	accountant services.Accountant,
	manager *backend.Manager,
	logger *zap.Logger,
) *proxy.Group {
	group := proxy.NewGroup(logger)
	addr := func(port int) string { return fmt.Sprintf("%s:%d", cfg.BindAddr, port) }

	if port := cfg.Listeners.PostgresPort; port > 0 {
		handler := pgwire.NewHandler(pgwire.Config{
			Dialect:          models.TypePostgres,
			Protocol:         "postgres",
			Resolver:         resolver,
			Accountant:       accountant,
			Executor:         pgwire.NewPostgresExecutorFactory(manager),
			HandshakeTimeout: cfg.Timeouts.ClientHandshake(),
			ResponseTimeout:  cfg.Timeouts.BackendResponse(),
			Logger:           logger,
		})
		group.Add(proxy.NewTCPListener("postgres", addr(port), handler.Handle, logger))
	}

	if port := cfg.Listeners.SQLServerPort; port > 0 {
		handler := pgwire.NewHandler(pgwire.Config{
			Dialect:          models.TypeSQLServer,
			Protocol:         "sqlserver",
			Resolver:         resolver,
			Accountant:       accountant,
			Executor:         pgwire.NewSQLServerExecutorFactory(manager),
			HandshakeTimeout: cfg.Timeouts.ClientHandshake(),
			ResponseTimeout:  cfg.Timeouts.BackendResponse(),
			Logger:           logger,
		})
		group.Add(proxy.NewTCPListener("sqlserver", addr(port), handler.Handle, logger))
	}

	if port := cfg.Listeners.MongoDBPort; port > 0 {
		handler := mongowire.NewHandler(mongowire.Config{
			Protocol:         "mongodb",
			Resolver:         resolver,
			Accountant:       accountant,
			Runner:           mongowire.NewMongoRunnerFactory(manager),
			HandshakeTimeout: cfg.Timeouts.ClientHandshake(),
			ResponseTimeout:  cfg.Timeouts.BackendResponse(),
			Logger:           logger,
		})
		group.Add(proxy.NewTCPListener("mongodb", addr(port), handler.Handle, logger))
	}

	if port := cfg.Listeners.ClickHousePort; port > 0 {
		handler := clickhouse.NewHandler(clickhouse.Config{
			Protocol:        "clickhouse",
			Resolver:        resolver,
			Accountant:      accountant,
			Relay:           clickhouse.NewRelayFactory(manager),
			ResponseTimeout: cfg.Timeouts.BackendResponse(),
			Logger:          logger,
		})
		group.Add(proxy.NewHTTPListener("clickhouse", addr(port), handler, logger))
	}

	if port := cfg.Listeners.ObjectStorePort; port > 0 {
		handler := objectstore.NewHandler(objectstore.Config{
			Protocol:        "objectstore",
			Resolver:        resolver,
			Accountant:      accountant,
			Backend:         objectstore.NewMinioBackendFactory(manager),
			ResponseTimeout: cfg.Timeouts.BackendResponse(),
			Logger:          logger,
		})
		group.Add(proxy.NewHTTPListener("objectstore", addr(port), handler, logger))
	}

	if port := cfg.Listeners.HTTPAPIPort; port > 0 {
		handler := httpapi.NewHandler(httpapi.Config{
			Protocol:        "httpapi",
			Resolver:        resolver,
			Accountant:      accountant,
			Target:          httpapi.NewTargetFactory(manager),
			ResponseTimeout: cfg.Timeouts.BackendResponse(),
			Logger:          logger,
		})
		group.Add(proxy.NewHTTPListener("httpapi", addr(port), handler, logger))
	}

	if port := cfg.Listeners.SharedLinkPort; port > 0 {
		handler := sharelink.NewHandler(sharelink.Config{
			Protocol:        "sharedlink",
			Resolver:        resolver,
			Accountant:      accountant,
			HTTPTarget:      httpapi.NewTargetFactory(manager),
			ObjectStore:     objectstore.NewMinioBackendFactory(manager),
			ResponseTimeout: cfg.Timeouts.BackendResponse(),
			Logger:          logger,
		})
		group.Add(proxy.NewHTTPListener("sharedlink", addr(port), handler, logger))
	}

	return group
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
