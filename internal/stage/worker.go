// Package stage implements the generic stage-worker engine: a bounded-
// concurrency loop that claims batches of entities, runs one collection
// action per entity on the shared session, stages the results, and advances
// entity state in the frontier.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/skyhive/skyhive/internal/pipeline"
	"github.com/skyhive/skyhive/internal/progress"
)

// Config controls Worker behavior for one stage.
type Config struct {
	Stage        pipeline.Stage
	InputStatus  pipeline.Status
	OutputStatus pipeline.Status
	// BatchSize bounds one ClaimBatch call.
	BatchSize int
	// Concurrency bounds the per-entity fan-out within a batch.
	Concurrency int
	// LeaseDuration is attached to every claim.
	LeaseDuration time.Duration
	// IdleWait separates claim attempts when the frontier has no work.
	IdleWait time.Duration
	// ShutdownGrace lets in-flight collections finish after cancellation
	// instead of aborting mid-write.
	ShutdownGrace time.Duration
	// Topic, when set, has completions published to the external feed.
	Topic string
}

// Counters tracks per-worker progress stats.
type Counters struct {
	Claimed   int64 `json:"claimed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Released  int64 `json:"released"`
	Records   int64 `json:"records"`
}

// Worker drives one pipeline stage.
type Worker struct {
	frontier     pipeline.Frontier
	sink         pipeline.Sink
	sessions     pipeline.SessionSource
	collector    pipeline.Collector
	publisher    pipeline.Publisher
	hub          *progress.Hub
	clock        pipeline.Clock
	backpressure *semaphore.Weighted
	cfg          Config
	owner        string
	logger       *zap.Logger

	claimed   atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	released  atomic.Int64
	records   atomic.Int64
}

// New constructs a Worker. owner identifies this worker's leases in the
// frontier. backpressure is the global in-flight claim ceiling shared across
// stages; nil disables it.
func New(
	frontier pipeline.Frontier,
	sink pipeline.Sink,
	sessions pipeline.SessionSource,
	collector pipeline.Collector,
	publisher pipeline.Publisher,
	hub *progress.Hub,
	clock pipeline.Clock,
	backpressure *semaphore.Weighted,
	cfg Config,
	owner string,
	logger *zap.Logger,
) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = time.Minute
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 5 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		frontier:     frontier,
		sink:         sink,
		sessions:     sessions,
		collector:    collector,
		publisher:    publisher,
		hub:          hub,
		clock:        clock,
		backpressure: backpressure,
		cfg:          cfg,
		owner:        owner,
		logger:       logger.With(zap.String("stage", string(cfg.Stage))),
	}
}

// Counters returns a snapshot of the worker's progress stats.
func (w *Worker) Counters() Counters {
	return Counters{
		Claimed:   w.claimed.Load(),
		Succeeded: w.succeeded.Load(),
		Failed:    w.failed.Load(),
		Released:  w.released.Load(),
		Records:   w.records.Load(),
	}
}

// Stage returns the stage this worker drives.
func (w *Worker) Stage() pipeline.Stage {
	return w.cfg.Stage
}

// Run blocks, claiming and processing batches until the context finishes.
// Stage-local errors never terminate the loop.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := w.runBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("batch failed", zap.Error(err))
		}
		if processed == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.IdleWait):
			}
		}
	}
}

func (w *Worker) runBatch(ctx context.Context) (int, error) {
	// Acquiring before claiming pauses claims while the session manager is
	// re-authenticating, so no lease burns down during an outage.
	handle, err := w.sessions.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire session: %w", err)
	}

	if w.backpressure != nil {
		if err := w.backpressure.Acquire(ctx, int64(w.cfg.BatchSize)); err != nil {
			return 0, fmt.Errorf("acquire claim budget: %w", err)
		}
		defer w.backpressure.Release(int64(w.cfg.BatchSize))
	}

	batch, err := w.frontier.ClaimBatch(ctx, w.cfg.InputStatus, w.cfg.BatchSize, w.owner, w.cfg.LeaseDuration)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}
	w.claimed.Add(int64(len(batch)))
	w.hub.Emit(progress.Event{
		TS:      w.clock.Now(),
		Kind:    progress.KindBatchClaimed,
		Stage:   w.cfg.Stage,
		Claimed: len(batch),
	})

	// Cancellation lets in-flight collections finish their current entity
	// within the grace period rather than abort mid-write.
	batchCtx, cancel := graceContext(ctx, w.cfg.ShutdownGrace)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for _, entity := range batch {
		g.Go(func() error {
			w.processEntity(batchCtx, handle, entity)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // per-entity errors are handled in place
	return len(batch), nil
}

func (w *Worker) processEntity(ctx context.Context, handle pipeline.SessionHandle, entity pipeline.Entity) {
	select {
	case <-handle.Invalidated():
		w.giveBack(ctx, entity, pipeline.ErrSessionInvalid)
		return
	default:
	}

	records, err := w.collect(ctx, handle, entity)

	// Whatever was captured becomes durable even when collection failed
	// part-way: the cursor in those records is what makes the next attempt
	// resume instead of restart.
	staged, appendErr := w.appendRecords(ctx, records)
	w.records.Add(int64(staged))
	if err == nil {
		err = appendErr
	}

	switch {
	case err == nil:
		w.complete(ctx, entity, staged)
	case errors.Is(err, pipeline.ErrSessionInvalid):
		w.sessions.Invalidate(handle, err)
		w.giveBack(ctx, entity, err)
	case pipeline.IsPermanent(err):
		w.failTerminal(ctx, entity, err)
	default:
		w.failRetryable(ctx, entity, err)
	}
}

func (w *Worker) collect(ctx context.Context, handle pipeline.SessionHandle, entity pipeline.Entity) ([]pipeline.Record, error) {
	page, err := handle.NewPage(ctx)
	if err != nil {
		return nil, pipeline.Transient(fmt.Errorf("open page: %w", err))
	}
	defer page.Close()
	return w.collector.Collect(ctx, entity, page)
}

func (w *Worker) appendRecords(ctx context.Context, records []pipeline.Record) (int, error) {
	for i, rec := range records {
		if err := w.sink.Append(ctx, rec); err != nil {
			return i, pipeline.Transient(fmt.Errorf("append record: %w", err))
		}
	}
	return len(records), nil
}

func (w *Worker) complete(ctx context.Context, entity pipeline.Entity, staged int) {
	err := w.frontier.Complete(ctx, entity.ID, entity.Version, w.cfg.OutputStatus)
	if err != nil {
		w.handleTransitionErr(entity, err)
		return
	}
	w.succeeded.Add(1)
	w.hub.Emit(progress.Event{
		TS:       w.clock.Now(),
		Kind:     progress.KindEntityCompleted,
		Stage:    w.cfg.Stage,
		EntityID: entity.ID,
		Records:  staged,
	})
	w.publishCompletion(ctx, entity, staged)
}

func (w *Worker) failRetryable(ctx context.Context, entity pipeline.Entity, cause error) {
	w.logger.Warn("collection failed",
		zap.String("entity", entity.ID),
		zap.Error(cause),
	)
	if err := w.frontier.Fail(ctx, entity.ID, entity.Version, w.cfg.Stage, cause); err != nil {
		w.handleTransitionErr(entity, err)
		return
	}
	w.failed.Add(1)
	w.hub.Emit(progress.Event{
		TS:       w.clock.Now(),
		Kind:     progress.KindEntityFailed,
		Stage:    w.cfg.Stage,
		EntityID: entity.ID,
		Note:     cause.Error(),
	})
}

func (w *Worker) failTerminal(ctx context.Context, entity pipeline.Entity, cause error) {
	w.logger.Warn("collection failed permanently",
		zap.String("entity", entity.ID),
		zap.Error(cause),
	)
	if err := w.frontier.MarkFailed(ctx, entity.ID, entity.Version, w.cfg.Stage, cause); err != nil {
		w.handleTransitionErr(entity, err)
		return
	}
	w.failed.Add(1)
	w.hub.Emit(progress.Event{
		TS:       w.clock.Now(),
		Kind:     progress.KindEntityFailed,
		Stage:    w.cfg.Stage,
		EntityID: entity.ID,
		Terminal: true,
		Note:     cause.Error(),
	})
}

// giveBack releases the lease without charging the entity: the failure was
// the shared session's, not the entity's.
func (w *Worker) giveBack(ctx context.Context, entity pipeline.Entity, cause error) {
	if err := w.frontier.Release(ctx, entity.ID, entity.Version); err != nil {
		w.handleTransitionErr(entity, err)
		return
	}
	w.released.Add(1)
	w.hub.Emit(progress.Event{
		TS:       w.clock.Now(),
		Kind:     progress.KindEntityReleased,
		Stage:    w.cfg.Stage,
		EntityID: entity.ID,
		Note:     cause.Error(),
	})
}

// handleTransitionErr abandons the unit of work on a version conflict: the
// lease was stolen back and someone else owns the entity now. Anything else
// is logged.
func (w *Worker) handleTransitionErr(entity pipeline.Entity, err error) {
	if errors.Is(err, pipeline.ErrConflict) {
		w.logger.Debug("entity mutated concurrently, abandoning", zap.String("entity", entity.ID))
		return
	}
	w.logger.Error("frontier transition failed",
		zap.String("entity", entity.ID),
		zap.Error(err),
	)
}

func (w *Worker) publishCompletion(ctx context.Context, entity pipeline.Entity, staged int) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	event := pipeline.CompletionEvent{
		EntityID:  entity.ID,
		Handle:    entity.Handle,
		Stage:     w.cfg.Stage,
		Status:    w.cfg.OutputStatus,
		Records:   staged,
		Timestamp: w.clock.Now(),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		w.logger.Warn("publish completion failed",
			zap.String("entity", entity.ID),
			zap.Error(err),
		)
	}
}

// graceContext returns a context that outlives parent's cancellation by
// grace, so claimed work drains instead of aborting mid-write.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	var timer atomic.Pointer[time.Timer]
	stop := context.AfterFunc(parent, func() {
		timer.Store(time.AfterFunc(grace, cancel))
	})
	return ctx, func() {
		stop()
		if t := timer.Load(); t != nil {
			t.Stop()
		}
		cancel()
	}
}
