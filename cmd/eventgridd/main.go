// Command eventgridd runs the outbox dispatcher daemon: it claims stored
// events from PostgreSQL and publishes them to the configured transport.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/tautly/eventgrid/bus"
	"github.com/tautly/eventgrid/bus/kafkabus"
	"github.com/tautly/eventgrid/bus/membus"
	"github.com/tautly/eventgrid/bus/natsjs"
	"github.com/tautly/eventgrid/bus/redistream"
	"github.com/tautly/eventgrid/config"
	"github.com/tautly/eventgrid/outbox"
	"github.com/tautly/eventgrid/postgres"
	"github.com/tautly/eventgrid/schema"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", "", "path to configuration file")
	schemaDir := flag.String("schemas", "", "directory of JSON schema files to register at startup")
	flag.Parse()

	// Create a context that we can cancel on shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if cfg.Postgres.DSN == "" {
		slog.Error("postgres.dsn is not configured")
		os.Exit(1)
	}

	db, err := postgres.NewDB(ctx, cfg.Postgres.DSN)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("Database connection established")

	if err := db.Migrate(ctx); err != nil {
		slog.Error("Failed to apply database schema", "error", err)
		os.Exit(1)
	}

	adapter, err := newAdapter(cfg)
	if err != nil {
		slog.Error("Failed to create transport adapter", "error", err, "adapter", cfg.Adapter)
		os.Exit(1)
	}

	eventBus := bus.New(adapter, bus.WithDLQSuffix(cfg.Bus.DLQSuffix))
	if err := eventBus.Start(ctx); err != nil {
		slog.Error("Failed to start event bus", "error", err)
		os.Exit(1)
	}
	defer eventBus.Stop()
	slog.Info("Event bus started", "adapter", cfg.Adapter)

	registry := schema.NewRegistry(postgres.NewSchemaStore(db),
		schema.WithDefaultCompatibility(schema.CompatibilityLevel(cfg.Registry.Compatibility)))
	if *schemaDir != "" {
		if err := registerSchemas(ctx, registry, *schemaDir); err != nil {
			slog.Error("Failed to register schemas", "error", err, "dir", *schemaDir)
			os.Exit(1)
		}
	}

	store := postgres.NewOutboxStore(db)
	dispatcher := outbox.NewDispatcher(store, eventBus, outbox.Config{
		BatchSize:           cfg.Outbox.BatchSize,
		Interval:            cfg.Outbox.Interval,
		RetryDelay:          cfg.Outbox.RetryDelay,
		DeadLetterThreshold: cfg.Outbox.DeadLetterThreshold,
		StuckTimeout:        cfg.Outbox.StuckTimeout,
		SweepInterval:       cfg.Outbox.SweepInterval,
		Retention:           cfg.Outbox.Retention,
		PurgeInterval:       cfg.Outbox.PurgeInterval,
	})
	dispatcher.Start(ctx)
	defer dispatcher.Stop()
	slog.Info("Outbox dispatcher started")

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("Shutdown signal received. Exiting.")
}

// registerSchemas registers every *.json file in dir as a schema version,
// using the file name without extension as the subject. Registration is
// idempotent, so restarts with unchanged files are no-ops.
func registerSchemas(ctx context.Context, registry *schema.Registry, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		definition, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		subject := strings.TrimSuffix(entry.Name(), ".json")
		res, err := registry.Register(ctx, subject, definition)
		if err != nil {
			return err
		}
		if res.Created {
			slog.Info("Registered schema from file", "subject", subject, "version", res.Version)
		}
	}
	return nil
}

func newAdapter(cfg config.Config) (bus.Adapter, error) {
	switch cfg.Adapter {
	case "memory":
		return membus.New(membus.Config{}), nil
	case "redis":
		return redistream.New(redistream.Config{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), nil
	case "kafka":
		return kafkabus.New(kafkabus.Config{
			Brokers:    cfg.Kafka.Brokers,
			ClientID:   cfg.Kafka.ClientID,
			AutoCommit: cfg.Kafka.AutoCommit,
		})
	case "nats":
		return natsjs.New(natsjs.Config{URL: cfg.NATS.URL})
	default:
		return nil, &bus.NotSupportedError{Capability: "adapter " + cfg.Adapter}
	}
}
