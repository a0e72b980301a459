// Command gatewayd runs the Bluetap control plane: the cluster registry and
// heartbeat monitor, the replication coordinator, the auth manager and the
// HTTP API that ties them together.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/bluetap/internal/auth"
	authmemory "github.com/prn-tf/bluetap/internal/auth/memory"
	authpostgres "github.com/prn-tf/bluetap/internal/auth/postgres"
	authredis "github.com/prn-tf/bluetap/internal/auth/redis"
	"github.com/prn-tf/bluetap/internal/client"
	"github.com/prn-tf/bluetap/internal/config"
	"github.com/prn-tf/bluetap/internal/coordinator"
	"github.com/prn-tf/bluetap/internal/domain"
	"github.com/prn-tf/bluetap/internal/gateway"
	"github.com/prn-tf/bluetap/internal/metadata"
	metamemory "github.com/prn-tf/bluetap/internal/metadata/memory"
	metapostgres "github.com/prn-tf/bluetap/internal/metadata/postgres"
	"github.com/prn-tf/bluetap/internal/metrics"
	"github.com/prn-tf/bluetap/internal/middleware"
	"github.com/prn-tf/bluetap/internal/registry"
)

func main() {
	cfgFile := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := newLogger(cfg.Log)
	m := metrics.New()
	ctx := context.Background()

	// Metadata store and user directory.
	var (
		store metadata.Store
		users auth.UserStore
	)
	switch cfg.Database.Driver {
	case "memory":
		store = metamemory.NewStore()
		memUsers := authmemory.NewUsers()
		if u := bootstrapUser(cfg.Auth); u != nil {
			memUsers.Add(u)
			logger.Info().Str("username", u.Username).Msg("bootstrap user seeded")
		}
		users = memUsers
	default:
		pg, err := metapostgres.NewStore(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to metadata store")
		}
		defer pg.Close()

		pgUsers, err := authpostgres.NewUsers(ctx, pg.Pool())
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize user directory")
		}
		if u := bootstrapUser(cfg.Auth); u != nil {
			if err := pgUsers.Create(ctx, u); err != nil && !errors.Is(err, domain.ErrUserAlreadyExists) {
				logger.Fatal().Err(err).Msg("failed to seed bootstrap user")
			}
		}
		store = pg
		users = pgUsers
	}

	// Session keyspace.
	var (
		sessions      auth.Store
		sessionHealth gateway.Checker = gateway.CheckerFunc(func(context.Context) error { return nil })
	)
	if cfg.Redis.Enabled {
		rs, err := authredis.NewStore(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to session store")
		}
		defer rs.Close()
		sessions = rs
		sessionHealth = gateway.CheckerFunc(rs.Health)
	} else {
		sessions = authmemory.NewStore()
		logger.Warn().Msg("redis disabled, sessions will not survive restarts")
	}

	// Cluster registry and heartbeat monitor.
	reg := registry.New(registry.Options{
		HeartbeatTimeout: cfg.Registry.HeartbeatTimeout,
		GraceWindow:      cfg.Registry.GraceWindow,
		ForceOverride:    cfg.Registry.ForceOverride,
		Persister:        store,
		Metrics:          m,
	}, logger)
	defer reg.Close()

	if nodes, err := store.ListNodes(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to load persisted node records")
	} else {
		reg.Restore(nodes)
	}

	monitor := registry.NewHeartbeatMonitor(reg, cfg.Registry.SweepInterval, logger)
	monitor.Start()
	defer monitor.Stop()

	// Replication coordinator, sharing the data-plane client with repair.
	nodeClient := client.NewHTTPNodeClient(logger)
	coord, err := coordinator.New(coordinator.Options{
		Registry:     reg,
		Store:        store,
		NodeClient:   nodeClient,
		Replication:  cfg.Replication,
		Metrics:      m,
		Logger:       logger,
		ScanInterval: cfg.Replication.ScanInterval,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start coordinator")
	}
	defer coord.Close()

	authMgr := auth.NewManager(auth.Options{
		Users:   users,
		Store:   sessions,
		Sender:  auth.LogSender{Logger: logger},
		Config:  cfg.Auth,
		Metrics: m,
		Logger:  logger,
	})

	health := gateway.NewHealthChecker(map[string]gateway.Checker{
		"metadata": gateway.CheckerFunc(store.Ping),
		"sessions": sessionHealth,
	}, logger)

	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), m, logger)
	defer rateLimiter.Stop()

	router := gateway.NewRouter(gateway.RouterConfig{
		Cluster:     gateway.NewClusterHandler(reg, m, logger),
		Objects:     gateway.NewObjectHandler(coord, reg, store, logger),
		Auth:        gateway.NewAuthHandler(authMgr, logger),
		Health:      health,
		SessionAuth: middleware.NewSessionAuth(authMgr, logger),
		AdminAuth:   middleware.NewAdminAuth(cfg.Server.AdminToken, logger),
		RateLimiter: rateLimiter,
		Tracing:     middleware.NewTracing(m, logger),
		Metrics:     m,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.ListenAddr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown incomplete")
	}
}

// bootstrapUser builds the seed account from configuration, or nil when none
// is configured.
func bootstrapUser(cfg config.AuthConfig) *domain.User {
	if cfg.BootstrapUsername == "" || cfg.BootstrapPassword == "" {
		return nil
	}
	tenant := cfg.BootstrapTenant
	if tenant == "" {
		tenant = "default"
	}
	return &domain.User{
		ID:           uuid.NewString(),
		TenantID:     tenant,
		Username:     cfg.BootstrapUsername,
		PasswordHash: auth.HashPassword(cfg.BootstrapPassword),
		CreatedAt:    time.Now().UTC(),
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
