// Package orchestrator supervises the pipeline: it runs the stage workers,
// keeps the shared session heartbeat, sweeps expired leases, and snapshots
// frontier state for observability.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skyhive/skyhive/internal/pipeline"
	"github.com/skyhive/skyhive/internal/progress"
	"github.com/skyhive/skyhive/internal/session"
	"github.com/skyhive/skyhive/internal/stage"
)

// SessionKeeper is the slice of the session manager the supervisor drives.
type SessionKeeper interface {
	Heartbeat(ctx context.Context) error
	State() session.State
	// Fatal delivers the terminal authentication error that halts the run.
	Fatal() <-chan error
}

// Config tunes the supervisor's maintenance cadences.
type Config struct {
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	SnapshotInterval  time.Duration
}

// Orchestrator owns the run loop of the whole pipeline.
type Orchestrator struct {
	frontier pipeline.Frontier
	sessions SessionKeeper
	workers  []*stage.Worker
	hub      *progress.Hub
	clock    pipeline.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs an Orchestrator over already-wired workers.
func New(
	frontier pipeline.Frontier,
	sessions SessionKeeper,
	workers []*stage.Worker,
	hub *progress.Hub,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		frontier: frontier,
		sessions: sessions,
		workers:  workers,
		hub:      hub,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
	}
}

// Run blocks until the context finishes or authentication fails fatally.
// A fatal authentication error stops every worker and is returned; a context
// cancellation is a clean shutdown and returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, worker := range o.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(runCtx)
		}()
	}
	o.logger.Info("pipeline started", zap.Int("workers", len(o.workers)))

	heartbeat := time.NewTicker(o.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(o.cfg.SweepInterval)
	defer sweep.Stop()
	snapshot := time.NewTicker(o.cfg.SnapshotInterval)
	defer snapshot.Stop()

	var runErr error
	for runErr == nil {
		select {
		case <-runCtx.Done():
			o.logger.Info("shutdown requested, draining workers")
			cancel()
			wg.Wait()
			return nil
		case err := <-o.sessions.Fatal():
			o.logger.Error("authentication failed fatally, halting pipeline", zap.Error(err))
			runErr = err
		case <-heartbeat.C:
			o.runHeartbeat(runCtx)
		case <-sweep.C:
			o.runSweep(runCtx)
		case <-snapshot.C:
			o.runSnapshot(runCtx)
		}
	}

	cancel()
	wg.Wait()
	return runErr
}

func (o *Orchestrator) runHeartbeat(ctx context.Context) {
	if err := o.sessions.Heartbeat(ctx); err != nil {
		o.logger.Warn("session heartbeat failed", zap.Error(err))
	}
	o.hub.Emit(progress.Event{
		TS:           o.clock.Now(),
		Kind:         progress.KindSessionState,
		SessionState: string(o.sessions.State()),
	})
}

func (o *Orchestrator) runSweep(ctx context.Context) {
	released, err := o.frontier.ReleaseExpiredLeases(ctx)
	if err != nil {
		o.logger.Warn("lease sweep failed", zap.Error(err))
		return
	}
	if released == 0 {
		return
	}
	o.logger.Info("expired leases released", zap.Int("count", released))
	o.hub.Emit(progress.Event{
		TS:    o.clock.Now(),
		Kind:  progress.KindLeasesSwept,
		Swept: released,
	})
}

func (o *Orchestrator) runSnapshot(ctx context.Context) {
	counts, err := o.frontier.StatusCounts(ctx)
	if err != nil {
		o.logger.Warn("frontier snapshot failed", zap.Error(err))
		return
	}
	o.hub.Emit(progress.Event{
		TS:           o.clock.Now(),
		Kind:         progress.KindSnapshot,
		StatusCounts: counts,
	})
}
