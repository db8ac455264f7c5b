package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Studio-Elephant-and-Rope/steward/internal/adapters/storage/memory"
	"github.com/Studio-Elephant-and-Rope/steward/internal/adapters/storage/postgres"
	"github.com/Studio-Elephant-and-Rope/steward/internal/api/handlers"
	"github.com/Studio-Elephant-and-Rope/steward/internal/config"
	"github.com/Studio-Elephant-and-Rope/steward/internal/confidence"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/services"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/store"
	"github.com/Studio-Elephant-and-Rope/steward/internal/correlation"
	"github.com/Studio-Elephant-and-Rope/steward/internal/detection"
	"github.com/Studio-Elephant-and-Rope/steward/internal/evidence"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
	"github.com/Studio-Elephant-and-Rope/steward/internal/normalization"
	"github.com/Studio-Elephant-and-Rope/steward/internal/notification"
	"github.com/Studio-Elephant-and-Rope/steward/internal/notification/kafka"
	"github.com/Studio-Elephant-and-Rope/steward/internal/notification/webhook"
	"github.com/Studio-Elephant-and-Rope/steward/internal/orchestrator"
	"github.com/Studio-Elephant-and-Rope/steward/internal/promotion"
	"github.com/Studio-Elephant-and-Rope/steward/internal/replay"
	"github.com/Studio-Elephant-and-Rope/steward/internal/server"
	"github.com/Studio-Elephant-and-Rope/steward/internal/telemetry"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Steward control plane",
	Long: `Start the Steward HTTP API, the OTLP receiver and event delivery.

The server provides:
  • REST API for signals, candidates, promotion, replay and incidents
  • Health check endpoint at /health
  • Prometheus metrics at /metrics
  • Graceful shutdown on SIGTERM/SIGINT

The server will load configuration from:
  1. Environment variables (STEWARD_*)
  2. Configuration file (if specified with --config)
  3. Default values

Examples:
  steward serve                            # In-memory storage, no rules
  steward serve --config steward.yaml      # Start with a config file
  STEWARD_SERVER_PORT=9090 steward serve   # Override port via environment`,
	RunE: runServe,
}

// runServe starts the control plane and blocks until a shutdown signal.
func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}

	server.Version, server.Commit, server.BuildDate = Version, Commit, BuildDate

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Server setup failed")
		return err
	}
	defer app.Close()

	logger.Info("Starting Steward",
		"version", getVersionString(),
		"commit", getCommitString(),
		"build_date", getBuildDateString(),
		"environment", logger.GetConfig().Environment,
		"server_address", cfg.Server.Address(),
		"storage_type", cfg.Storage.Type,
		"rules", app.ruleCount,
		"otlp_enabled", cfg.Telemetry.Receiver.Enabled,
		"kafka_enabled", cfg.Events.Kafka.Enabled,
	)

	if err := app.server.Run(ctx); err != nil {
		logger.WithError(err).Error("Server shutdown with error")
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("Server shutdown completed")
	return nil
}

// application is a fully wired control plane.
type application struct {
	server    *server.Server
	ruleCount int
	closers   []func() error
}

// Close releases storage and publisher resources in reverse acquisition order.
func (a *application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// backend is the storage a control plane runs on.
type backend struct {
	keyed     ports.KeyedStore
	incidents ports.IncidentRepository
	health    server.HealthCheck
	close     func() error
}

// openBackend opens the configured storage.
func openBackend(ctx context.Context, cfg config.StorageConfig, logger *logging.Logger) (*backend, error) {
	switch cfg.Type {
	case config.StorageMemory:
		return &backend{
			keyed:     memory.NewKeyedStore(),
			incidents: memory.NewIncidentRepository(),
			close:     func() error { return nil },
		}, nil

	case config.StoragePostgres:
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			DSN:             cfg.DSN,
			MaxConns:        int32(cfg.MaxOpenConnections),
			MinConns:        int32(cfg.MinIdleConnections),
			MaxConnLifetime: time.Duration(cfg.ConnectionMaxLifetimeMinutes) * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		keyed, err := postgres.NewKeyedStore(pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		incidents, err := postgres.NewIncidentRepository(pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return &backend{
			keyed:     keyed,
			incidents: incidents,
			health:    pool.Ping,
			close: func() error {
				pool.Close()
				return nil
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
}

// loadRules reads the configured ruleset. No file means no rules.
func loadRules(path string) (*detection.Ruleset, error) {
	if path == "" {
		return detection.NewRuleset(nil)
	}
	rules, err := detection.LoadRulesFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load detection rules: %w", err)
	}
	return rules, nil
}

// buildPublishers creates a publisher per configured event destination.
func buildPublishers(cfg *config.Config, logger *logging.Logger) ([]notification.Publisher, []func() error, error) {
	var publishers []notification.Publisher
	var closers []func() error

	for _, hook := range cfg.Notifications.Webhooks {
		if hook.Enabled {
			publishers = append(publishers, webhook.NewClient(webhook.ClientConfig{
				Endpoints: cfg.Notifications.Webhooks,
			}, logger))
			break
		}
	}

	if cfg.Events.Kafka.Enabled {
		publisher, err := kafka.NewPublisher(kafka.NewWriter(cfg.Events.Kafka), logger)
		if err != nil {
			return nil, nil, err
		}
		publishers = append(publishers, publisher)
		closers = append(closers, publisher.Close)
	}
	return publishers, closers, nil
}

// buildApp wires the whole pipeline over the configured storage.
func buildApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *application, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &application{}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	db, err := openBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, db.close)

	rules, err := loadRules(cfg.Pipeline.RulesFile)
	if err != nil {
		return nil, err
	}
	app.ruleCount = rules.Len()

	publishers, publisherClosers, err := buildPublishers(cfg, logger)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, publisherClosers...)
	events, err := notification.NewService(notification.ServiceConfig{
		WorkerCount: cfg.Notifications.Workers,
		BufferSize:  cfg.Notifications.BufferSize,
	}, logger, publishers...)
	if err != nil {
		return nil, err
	}

	clock := ports.SystemClock()
	catalog := store.NewCatalog(db.keyed)
	normalizer := normalization.NewEngine(normalization.Config{
		Version:       cfg.Pipeline.NormalizationVersion,
		MaxFutureSkew: cfg.Pipeline.MaxFutureSkew,
	})

	calculator, err := confidence.NewCalculator(cfg.Confidence)
	if err != nil {
		return nil, err
	}
	correlationCfg := correlation.DefaultConfig()
	if cfg.Pipeline.CandidateVersion != "" {
		correlationCfg.CandidateVersion = cfg.Pipeline.CandidateVersion
	}
	if cfg.Pipeline.WindowTruncation > 0 {
		correlationCfg.WindowTruncation = cfg.Pipeline.WindowTruncation
	}
	correlationCfg.PolicyVersion = cfg.Promotion.Version
	engine, err := correlation.NewEngine(correlationCfg, logger)
	if err != nil {
		return nil, err
	}

	signals, err := services.NewSignalService(catalog, normalizer, rules, clock, logger)
	if err != nil {
		return nil, err
	}
	graphs, err := evidence.NewGraphService(catalog, cfg.Pipeline.GraphCacheSize, logger)
	if err != nil {
		return nil, err
	}
	candidates, err := services.NewCandidateService(catalog, graphs, evidence.NewBundler(clock), calculator, engine, cfg.Pipeline.Workers, logger)
	if err != nil {
		return nil, err
	}
	incidents, err := services.NewIncidentService(db.incidents, events, clock, logger)
	if err != nil {
		return nil, err
	}
	gate, err := promotion.NewGate(cfg.Promotion, db.incidents, catalog, logger)
	if err != nil {
		return nil, err
	}
	orch, err := orchestrator.New(catalog.Candidates, gate, incidents, logger,
		orchestrator.WithAttemptLog(catalog),
		orchestrator.WithEventSink(events),
		orchestrator.WithClock(clock))
	if err != nil {
		return nil, err
	}
	verifier, err := replay.NewVerifier(catalog, db.incidents, normalizer, calculator, engine, logger)
	if err != nil {
		return nil, err
	}

	receiver, err := telemetry.NewReceiver(cfg.Telemetry.Receiver, logger,
		telemetry.NewConverter(telemetry.ConverterConfigFromReceiver(cfg.Telemetry.Receiver), clock, logger),
		signals)
	if err != nil {
		return nil, err
	}

	signalHandler, err := handlers.NewSignalHandler(signals, logger)
	if err != nil {
		return nil, err
	}
	candidateHandler, err := handlers.NewCandidateHandler(candidates, orch, verifier, clock, logger)
	if err != nil {
		return nil, err
	}
	graphHandler, err := handlers.NewGraphHandler(graphs, logger)
	if err != nil {
		return nil, err
	}
	incidentHandler, err := handlers.NewIncidentHandler(incidents, logger)
	if err != nil {
		return nil, err
	}

	opts := []server.Option{
		server.WithRoutes(signalHandler, candidateHandler, graphHandler, incidentHandler),
		// Events start first and stop last so receiver traffic drains into them.
		server.WithComponent("events", events),
		server.WithComponent("otlp_receiver", receiver),
	}
	if db.health != nil {
		opts = append(opts, server.WithHealthCheck("storage", db.health))
	}

	app.server, err = server.New(cfg, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	return app, nil
}

// init registers the serve command with the root command.
func init() {
	rootCmd.AddCommand(serveCmd)
}
