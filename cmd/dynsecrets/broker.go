package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvx/dynsecrets/internal/broker"
	"github.com/nvx/dynsecrets/internal/config"
	"github.com/nvx/dynsecrets/internal/gateway"
	"github.com/nvx/dynsecrets/internal/gateway/httpapi"
	"github.com/nvx/dynsecrets/internal/gateway/ws"
	"github.com/nvx/dynsecrets/internal/janitor"
	"github.com/nvx/dynsecrets/internal/notification"
	"github.com/nvx/dynsecrets/internal/observability"
	"github.com/nvx/dynsecrets/internal/ratelimit"
	"github.com/nvx/dynsecrets/internal/registry"
	"github.com/nvx/dynsecrets/internal/storage"
	pgstore "github.com/nvx/dynsecrets/internal/storage/postgres"
	sqlitestore "github.com/nvx/dynsecrets/internal/storage/sqlite"
	"github.com/nvx/dynsecrets/internal/vault"
	goutils "github.com/jkaninda/go-utils"
)

var (
	brokerConfigPath string
	brokerPort       string
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Start the credential broker (HTTP API, WebSocket event stream)",
	RunE:  runBroker,
}

func init() {
	// Register flags on both root and broker so that
	// `dynsecrets --config path` and `dynsecrets broker --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, brokerCmd} {
		cmd.Flags().StringVar(&brokerConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&brokerPort, "port", "", "override HTTP listen address (e.g. :8400)")
	}
}

// runBroker starts the broker: secrets client, lease registry, audit store,
// and the host-facing HTTP API.
func runBroker(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("DYNSECRETS_CONFIG", brokerConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if brokerPort != "" {
		cfg.API.ListenAddr = brokerPort
	}

	logger.Info("starting credential broker",
		slog.String("config", brokerConfigPath),
		slog.Int("profiles", len(cfg.Profiles)),
	)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Secrets service client.
	vc, err := vault.NewClient(&cfg.Vault, logger)
	if err != nil {
		return err
	}

	// Audit store.
	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	logger.Debug("audit store ready", slog.String("driver", store.Driver()))

	// Observability (optional).
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}
	defer obs.Shutdown(context.Background())
	if obs != nil && obs.Health != nil && cfg.Observability.Health != nil {
		if cfg.Observability.Health.IncludeDB {
			obs.Health.AddCheck("database", store.Ping)
		}
		if cfg.Observability.Health.IncludeVault {
			obs.Health.AddCheck("vault", vc.Ping)
		}
	}

	// Notification dispatcher (optional, nil-safe).
	dispatcher := notification.NewDispatcher(cfg.Notification, logger)

	// WebSocket lease event hub (optional).
	hub := ws.NewHub(cfg.Events, logger)

	// Lease lifecycle core.
	reg := registry.New()
	b := broker.New(vc, vc, reg, cfg.Profiles, logger, broker.Options{
		Audit:    store,
		Events:   eventPublisher(hub),
		Notifier: dispatcher,
		Metrics:  obs.MetricsOrNil(),
	})

	// Stale-pending watchdog (optional).
	if wd := broker.NewWatchdog(b, cfg.Watchdog, logger); wd != nil {
		cancelWatchdog := wd.Start(ctx)
		defer cancelWatchdog()
		logger.Debug("stale-pending watchdog started",
			slog.String("poll_interval", cfg.Watchdog.PollInterval().String()),
			slog.String("stale_after", cfg.Watchdog.StaleAfter().String()),
		)
	}

	// Audit retention janitor (optional).
	jn, err := janitor.New(cfg.Retention, store, logger)
	if err != nil {
		return err
	}
	if jn != nil {
		cancelJanitor := jn.Start(ctx)
		defer cancelJanitor()
		logger.Debug("retention janitor started",
			slog.String("schedule", cfg.Retention.CronSchedule()),
		)
	}

	// HTTP API gateway.
	var gw gateway.Gateway = buildHTTPGateway(cfg, b, store, hub, obs, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}

	logger.Info("credential broker stopped")
	return nil
}

// openStore opens the configured audit backend, defaulting to SQLite under
// the data dir.
func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageDriverName() {
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		return pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
	default:
		path := cfg.DatabasePath()
		journalMode := ""
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			if cfg.Storage.SQLite.Path != "" {
				path = cfg.Storage.SQLite.Path
			}
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqlitestore.Config{
			Path:        path,
			JournalMode: journalMode,
		}, logger)
	}
}

// buildHTTPGateway wires the HTTP API gateway from config.
func buildHTTPGateway(cfg *config.Config, b *broker.Broker, store storage.Store, hub *ws.Hub, obs *observability.Observability, logger *slog.Logger) *httpapi.Gateway {
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.API.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.API.RateLimit.BurstSize,
	})

	// Build API key → client ID mapping from config + env override.
	apiKeys := cfg.API.APIKeyClientMapping
	if apiKeys == nil {
		apiKeys = make(map[string]string)
	}
	if envKeys := os.Getenv("DYNSECRETS_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				apiKeys[parts[0]] = parts[1]
			}
		}
	}

	httpCfg := httpapi.Config{
		ListenAddr:     cfg.API.Addr(),
		EnableDocs:     cfg.API.EnableDocs,
		APIKeys:        apiKeys,
		MaxRequestSize: cfg.API.MaxRequestSizeBytes,
	}
	if obs != nil {
		httpCfg.Metrics = obs.Metrics
		httpCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			httpCfg.MetricsRegistry = obs.Metrics.Registry
		}
		if obs.Tracer != nil {
			httpCfg.Tracer = obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	gw := httpapi.NewGateway(httpCfg, b, limiter, logger).WithAuditStore(store)
	if cfg.API.EnableDocs {
		gw.WithOpenAPIDocs()
	}
	if hub != nil {
		gw.WithHandler(cfg.Events.WSPath(), hub.Handler())
		logger.Debug("lease event stream mounted", slog.String("path", cfg.Events.WSPath()))
	}
	return gw
}

// eventPublisher adapts a possibly-nil hub to the broker's EventPublisher.
// A typed nil inside a non-nil interface would defeat the broker's nil check.
func eventPublisher(hub *ws.Hub) broker.EventPublisher {
	if hub == nil {
		return nil
	}
	return hub
}
