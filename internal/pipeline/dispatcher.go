package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/inkforge/inkforge-backend/internal/data/repos"
	types "github.com/inkforge/inkforge-backend/internal/domain"
	"github.com/inkforge/inkforge-backend/internal/platform/dbctx"
	"github.com/inkforge/inkforge-backend/internal/platform/envutil"
	"github.com/inkforge/inkforge-backend/internal/platform/logger"
)

// DispatcherConfig tunes the background claim loop. Values come from the
// environment with sensible defaults.
type DispatcherConfig struct {
	PollInterval  time.Duration
	SweepInterval time.Duration
	StaleRunning  time.Duration
	Concurrency   int
}

func DispatcherConfigFromEnv(log *logger.Logger) DispatcherConfig {
	return DispatcherConfig{
		PollInterval:  envutil.Duration("PIPELINE_POLL_INTERVAL", 3*time.Second, log),
		SweepInterval: envutil.Duration("PIPELINE_LOCK_SWEEP_INTERVAL", time.Minute, log),
		StaleRunning:  envutil.Duration("PIPELINE_STALE_RUNNING_AFTER", 2*time.Minute, log),
		Concurrency:   envutil.Int("PIPELINE_DISPATCHER_CONCURRENCY", 4, log),
	}
}

// Dispatcher polls for runnable executions (fresh pending rows, or running
// rows whose worker stopped heartbeating) and hands them to the recovery
// runner. One dispatcher per process; multiple processes coordinate through
// the claim query and the resource lock.
type Dispatcher struct {
	log    *logger.Logger
	repos  *repos.Set
	runner *RecoveryRunner
	cfg    DispatcherConfig

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

func NewDispatcher(rs *repos.Set, runner *RecoveryRunner, cfg DispatcherConfig, baseLog *logger.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.StaleRunning <= 0 {
		cfg.StaleRunning = 2 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Dispatcher{
		log:     baseLog.With("component", "PipelineDispatcher"),
		repos:   rs,
		runner:  runner,
		cfg:     cfg,
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the claim loop until ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.loop(ctx)
}

// Stop signals the loop and waits for in-flight executions to wind down.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopped) })
	<-d.done
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)

	poll := time.NewTicker(d.cfg.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(d.cfg.SweepInterval)
	defer sweep.Stop()

	d.log.Info("dispatcher started",
		"poll_interval", d.cfg.PollInterval.String(),
		"concurrency", d.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return
		case <-d.stopped:
			_ = g.Wait()
			d.log.Info("dispatcher stopped")
			return
		case <-sweep.C:
			if n, err := d.repos.Locks.SweepExpired(dbctx.Context{Ctx: ctx}); err != nil {
				d.log.Warn("lock sweep failed", "error", err)
			} else if n > 0 {
				d.log.Debug("swept expired locks", "count", n)
			}
		case <-poll.C:
			d.drain(gctx, g)
		}
	}
}

// drain claims runnable rows until the table is empty or the worker pool is
// saturated.
func (d *Dispatcher) drain(ctx context.Context, g *errgroup.Group) {
	for {
		exec, err := d.repos.Executions.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, d.cfg.StaleRunning)
		if err != nil {
			d.log.Warn("claim failed", "error", err)
			return
		}
		if exec == nil {
			return
		}
		claimed := exec
		started := g.TryGo(func() error {
			d.run(ctx, claimed)
			return nil
		})
		if !started {
			// Pool full; the row stays claimed but its stale heartbeat will
			// make it claimable again if nobody picks it up.
			return
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, exec *types.PipelineExecution) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatcher worker panic", "execution_id", exec.ID, "panic", r)
		}
	}()

	log := d.log.With("execution_id", exec.ID.String(), "pipeline_type", exec.PipelineType)
	res, err := d.runner.ExecuteWithAutoRecovery(ctx, ExecuteRequest{
		PipelineType:         exec.PipelineType,
		ExecutionID:          exec.ID,
		ResumeFromCheckpoint: exec.Status == types.StatusRunning,
	})
	switch {
	case err == nil:
		log.Info("execution finished", "status", res.Status, "recovered", res.Recovered)
	case errors.Is(err, ErrLockContention):
		log.Debug("execution busy elsewhere, will retry")
	case Interrupted(err):
		log.Warn("execution interrupted, left for takeover")
	default:
		log.Error("execution failed", "error", err)
	}
}
