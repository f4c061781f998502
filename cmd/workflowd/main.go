// Command workflowd runs the worker pool pull loop against a configured
// storage backend and bus, in the style of cmd/demo in the teacher repo.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/coreflow/workflow/pkg/bus"
	"github.com/coreflow/workflow/pkg/bus/redisbus"
	"github.com/coreflow/workflow/pkg/config"
	"github.com/coreflow/workflow/pkg/engine"
	"github.com/coreflow/workflow/pkg/storage"
	"github.com/coreflow/workflow/pkg/storage/inmem"
	"github.com/coreflow/workflow/pkg/storage/mongodoc"
	"github.com/coreflow/workflow/pkg/storage/postgres"
	"github.com/coreflow/workflow/pkg/telemetry"
	"github.com/coreflow/workflow/pkg/worker"
	"github.com/coreflow/workflow/pkg/workflow"
)

func main() {
	var configFile string

	root := &cobra.Command{
		Use:   "workflowd",
		Short: "Runs the workflow engine's worker pool against a storage backend.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configFile)
		},
	}
	root.Flags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "workflowd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	adapter, err := buildStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("workflowd: storage: %w", err)
	}

	pubsub, err := buildBus(cfg.Bus)
	if err != nil {
		return fmt.Errorf("workflowd: bus: %w", err)
	}

	log, metrics, tracer := telemetry.NewClueLogger(), telemetry.NewClueMetrics(), telemetry.NewClueTracer()

	registry := engine.NewRegistry()
	// A real deployment registers its workflows and activities here before
	// starting the pool; workflowd itself carries no domain handlers.
	_ = engine.New(registry, adapter, pubsub)

	instanceID := cfg.WorkerInstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	wc := worker.DefaultConfig(workflow.WorkerInstanceID(instanceID))
	if cfg.Worker.TickInterval > 0 {
		wc.TickInterval = cfg.Worker.TickInterval
	}
	if cfg.Worker.MaxConcurrency > 0 {
		wc.MaxConcurrency = cfg.Worker.MaxConcurrency
	}
	if cfg.Worker.MaxPullCount > 0 {
		wc.MaxPullCount = cfg.Worker.MaxPullCount
	}
	if cfg.Worker.LeaseStaleAfter > 0 {
		wc.LeaseStaleAfter = cfg.Worker.LeaseStaleAfter
	}
	if cfg.Worker.PingInterval > 0 {
		wc.PingInterval = cfg.Worker.PingInterval
	}
	if cfg.Worker.MaxWakesPerSecond > 0 {
		wc.MaxWakesPerSecond = cfg.Worker.MaxWakesPerSecond
	}

	pool := worker.New(wc, adapter, pubsub, registry).WithTelemetry(log, metrics, tracer)

	log.Info(ctx, "workflowd starting", "worker_instance_id", instanceID, "storage_backend", string(cfg.Storage.Backend))
	err = pool.Run(ctx)
	if err != nil && ctx.Err() != nil {
		// Context cancellation (SIGINT/SIGTERM) is the expected shutdown
		// path, not a failure.
		return nil
	}
	return err
}

func buildStorage(ctx context.Context, cfg config.StorageConfig) (storage.Adapter, error) {
	switch cfg.Backend {
	case config.BackendInmem, "":
		return inmem.New(), nil

	case config.BackendPostgres:
		if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		return postgres.New(pool), nil

	case config.BackendMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err == nil {
			err = client.Ping(ctx, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		adapter := mongodoc.New(client, client.Database(cfg.MongoDatabase))
		if err := adapter.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("ensure indexes: %w", err)
		}
		return adapter, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func buildBus(cfg config.BusConfig) (bus.PubSub, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return redisbus.New(client), nil
}
