package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/gentmat/bore-control/pkg/api"
	"github.com/gentmat/bore-control/pkg/auth"
	"github.com/gentmat/bore-control/pkg/breaker"
	"github.com/gentmat/bore-control/pkg/cache"
	"github.com/gentmat/bore-control/pkg/capacity"
	"github.com/gentmat/bore-control/pkg/clock"
	"github.com/gentmat/bore-control/pkg/config"
	"github.com/gentmat/bore-control/pkg/events"
	"github.com/gentmat/bore-control/pkg/health"
	"github.com/gentmat/bore-control/pkg/instance"
	"github.com/gentmat/bore-control/pkg/log"
	"github.com/gentmat/bore-control/pkg/metrics"
	"github.com/gentmat/bore-control/pkg/relay"
	"github.com/gentmat/bore-control/pkg/store"
	"github.com/gentmat/bore-control/pkg/sweeper"
	"github.com/gentmat/bore-control/pkg/token"
	"github.com/gentmat/bore-control/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane server",
	Long: `Run the control plane server: the public API, the internal relay
API, and the background sweeper loops. Configuration is read from the
environment (see pkg/config).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func serve(cfg *config.Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: !cfg.Development(),
	})
	logger := log.WithComponent("main")
	logger.Info().
		Str("version", Version).
		Str("env", cfg.Env).
		Msg("starting bore-control")

	metrics.SetVersion(Version)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	metrics.RegisterComponent("store", true, "connected")

	var rdb *redis.Client
	if cfg.CacheEnabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).
				Msg("redis unreachable, liveness falls back to local cache")
			rdb = nil
		}
		if rdb != nil {
			defer rdb.Close()
		}
	}

	clk := clock.Real()
	bus := events.NewBus()
	bus.Start()

	registry := relay.NewRegistry(st, bus, clk, breaker.Settings{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     5 * time.Second,
		CallTimeout:      time.Second,
	}, nil)
	registry.SetLoadMirror(cache.NewRelayLoads(rdb, 2*cfg.RelayProbeInterval, clk))
	if err := registry.Hydrate(context.Background()); err != nil {
		return fmt.Errorf("failed to hydrate relays: %w", err)
	}
	seedDefaultRelay(cfg, registry, *logger)

	admission := capacity.NewAdmission(st, registry, cfg.LimitsFor, cfg.CapacityReservedPct)
	broker := token.NewBroker(st, cfg.LimitsFor, cfg.TunnelTokenTTL, clk)
	liveness := cache.NewLiveness(rdb, 2*cfg.HeartbeatTimeout, clk)
	mgr := instance.NewManager(st, bus, registry, admission, broker, liveness, clk)
	engine := health.NewEngine(st, mgr, liveness, cfg.IdleTimeout, clk)

	secret := cfg.JWTSecret
	if secret == "" {
		secret = "dev-secret-do-not-use-in-production"
	}
	internalKey := cfg.InternalAPIKey
	if internalKey == "" {
		internalKey = "dev-internal-key"
	}
	authMgr := auth.NewManager(st, secret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, cfg.TrialDuration, clk)

	sw := sweeper.New(sweeper.Config{
		HeartbeatTimeout:   cfg.HeartbeatTimeout,
		CheckInterval:      cfg.HeartbeatCheckInterval,
		TokenReapInterval:  cfg.TokenReapInterval,
		RelayProbeInterval: cfg.RelayProbeInterval,
	}, st, mgr, broker, registry, liveness, clk)
	sw.Start()

	srv := api.NewServer(api.Deps{
		Store:       st,
		Auth:        authMgr,
		Instances:   mgr,
		Health:      engine,
		Relays:      registry,
		Admission:   admission,
		Tokens:      broker,
		Bus:         bus,
		InternalKey: internalKey,
		Production:  !cfg.Development(),
	})
	metrics.RegisterComponent("api", true, "serving")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.ListenAddr); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("api server failed")
	}

	// Shutdown order: stop producing work, then stop fan-out, then drain
	// in-flight requests, then release the store.
	sw.Stop()
	bus.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("api shutdown failed")
	}

	logger.Info().Msg("bore-control stopped")
	return nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Development() && os.Getenv("DATABASE_URL") == "" {
		log.WithComponent("main").Info().Msg("no DATABASE_URL set, using in-memory store")
		return store.NewMemoryStore(), nil
	}

	st, err := store.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store.WithRetry(st), nil
}

// seedDefaultRelay registers the configured default relay when the fleet is
// empty, so a fresh deployment can hand out connections immediately.
func seedDefaultRelay(cfg *config.Config, registry *relay.Registry, logger zerolog.Logger) {
	if len(registry.FleetStats().Servers) > 0 {
		return
	}
	err := registry.Register(context.Background(), &types.Relay{
		ID:           "default",
		Host:         cfg.DefaultRelayHost,
		Port:         cfg.DefaultRelayPort,
		MaxTunnels:   100,
		MaxBandwidth: 1000,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to seed default relay")
		return
	}
	logger.Info().
		Str("host", cfg.DefaultRelayHost).
		Int("port", cfg.DefaultRelayPort).
		Msg("seeded default relay")
}
