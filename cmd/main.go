package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	redisclient "github.com/inkforge/inkforge-backend/internal/clients/redis"
	"github.com/inkforge/inkforge-backend/internal/clients/textgen"
	"github.com/inkforge/inkforge-backend/internal/data/db"
	"github.com/inkforge/inkforge-backend/internal/data/repos"
	"github.com/inkforge/inkforge-backend/internal/observability"
	"github.com/inkforge/inkforge-backend/internal/pipeline"
	"github.com/inkforge/inkforge-backend/internal/pipeline/stages"
	"github.com/inkforge/inkforge-backend/internal/platform/envutil"
	"github.com/inkforge/inkforge-backend/internal/platform/logger"
	"github.com/inkforge/inkforge-backend/internal/services"
)

func main() {
	log, err := logger.New(os.Getenv("APP_ENV"))
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, log)
	if err != nil {
		log.Fatal("tracing init failed", "error", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownTracing(flushCtx)
	}()

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("postgres init failed", "error", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Fatal("migration failed", "error", err)
	}

	bus := redisclient.NewEventBus(log)
	if err := bus.Ping(ctx); err != nil {
		log.Warn("redis unreachable, live event fan-out degraded", "error", err)
	}
	bus.StartForwarder(ctx)
	defer bus.Close()

	repoSet := repos.NewSet(pg.DB(), log)
	notifier := services.NewPipelineNotifier(bus, log)

	registry := pipeline.NewRegistry()
	generator := textgen.NewClient(log)
	if err := stages.RegisterAll(registry, generator); err != nil {
		log.Fatal("pipeline registration failed", "error", err)
	}
	log.Info("pipelines registered", "types", registry.Types())

	engine := pipeline.NewEngine(repoSet, registry, notifier, log)
	health := pipeline.NewHealthTracker(envutil.Int("PIPELINE_HEALTH_FAILURE_THRESHOLD", 3, log))
	runner := pipeline.NewRecoveryRunner(engine, health, log)

	dispatcher := pipeline.NewDispatcher(repoSet, runner, pipeline.DispatcherConfigFromEnv(log), log)
	dispatcher.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Info("shutting down", "signal", sig.String())

	cancel()
	dispatcher.Stop()
}
