// Package worker implements the per-lane stage execution loop.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/boingo-ai/property-pipeline/internal/metrics"
	"github.com/boingo-ai/property-pipeline/internal/pipeline"
)

// Reporter is the coordinator surface a worker needs: run snapshots for
// staleness checks and the single entry point for stage outcomes.
type Reporter interface {
	GetRun(ctx context.Context, runID string) (pipeline.Run, error)
	ReportStageResult(ctx context.Context, runID string, outcome pipeline.StageOutcome) error
}

// Config controls Worker behavior.
type Config struct {
	Lane string
	// StageDeadline bounds one handler invocation. The coordinator's
	// sweeper enforces the same bound from outside; this keeps a hung
	// handler from pinning the worker past it.
	StageDeadline time.Duration
	// HeartbeatInterval is how often the worker heartbeats its agent
	// kind while alive.
	HeartbeatInterval time.Duration
	// NackDelay is the redelivery delay when reporting an outcome fails.
	NackDelay time.Duration
}

// Worker consumes tasks from one lane and runs them through its stage
// handler. Handlers never raise across the queue boundary; every path
// produces a StageOutcome that is reported to the coordinator.
type Worker struct {
	fabric   pipeline.Fabric
	handler  pipeline.StageHandler
	reporter Reporter
	registry pipeline.StatusRegistry
	metrics  *metrics.Metrics
	clock    pipeline.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	fabric pipeline.Fabric,
	handler pipeline.StageHandler,
	reporter Reporter,
	registry pipeline.StatusRegistry,
	m *metrics.Metrics,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Lane == "" {
		cfg.Lane = string(handler.Kind()) + "-lane"
	}
	if cfg.StageDeadline <= 0 {
		cfg.StageDeadline = 2 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.NackDelay <= 0 {
		cfg.NackDelay = time.Second
	}
	return &Worker{
		fabric:   fabric,
		handler:  handler,
		reporter: reporter,
		registry: registry,
		metrics:  m,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, consuming lane tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx)

	for {
		task, err := w.fabric.Dequeue(ctx, w.cfg.Lane)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("lane dequeue failed", zap.String("lane", w.cfg.Lane), zap.Error(err))
			continue
		}
		w.processTask(ctx, task)
	}
}

func (w *Worker) processTask(ctx context.Context, task pipeline.Task) {
	logger := w.logger.With(
		zap.String("lane", w.cfg.Lane),
		zap.String("task_id", task.TaskID),
		zap.String("run_id", task.RunID),
		zap.Int("attempt", task.Attempt),
	)

	run, err := w.reporter.GetRun(ctx, task.RunID)
	if err != nil {
		// Unknown run means nothing to execute; redelivering would loop.
		logger.Error("run lookup failed, dropping task", zap.Error(err))
		w.fabric.Ack(w.cfg.Lane, task)
		return
	}
	if run.Stage.Terminal() || run.Stage != task.Stage || run.Attempt(task.Stage) != task.Attempt {
		// Superseded delivery: a retry, cancel, or redelivered duplicate
		// already moved the run on.
		logger.Debug("stale task discarded", zap.String("run_stage", string(run.Stage)))
		w.fabric.Ack(w.cfg.Lane, task)
		return
	}

	kind := w.handler.Kind()
	if w.registry != nil {
		w.registry.RecordStart(kind)
	}
	start := w.clock.Now()
	stageCtx, cancel := context.WithTimeout(ctx, w.cfg.StageDeadline)
	outcome := w.handler.Handle(stageCtx, task)
	cancel()
	elapsed := w.clock.Now().Sub(start)

	success := outcome.Failure == nil
	if w.registry != nil {
		w.registry.RecordEnd(kind, success)
	}
	if w.metrics != nil {
		result := "success"
		if !success {
			result = "failure"
		}
		w.metrics.StageAttempt(string(task.Stage), result, elapsed)
	}

	// Re-check before reporting so a cancel that landed mid-handler wins.
	if current, err := w.reporter.GetRun(ctx, task.RunID); err == nil && current.Stage.Terminal() {
		logger.Info("run finished during stage execution, outcome discarded")
		w.fabric.Ack(w.cfg.Lane, task)
		return
	}

	if err := w.reporter.ReportStageResult(ctx, task.RunID, outcome); err != nil {
		logger.Error("outcome report failed, task redelivered", zap.Error(err))
		w.fabric.Nack(w.cfg.Lane, task, w.cfg.NackDelay)
		return
	}
	w.fabric.Ack(w.cfg.Lane, task)

	if success {
		logger.Info("stage completed", zap.Duration("elapsed", elapsed))
	} else {
		logger.Warn("stage failed",
			zap.Duration("elapsed", elapsed),
			zap.String("reason", outcome.Failure.Reason),
			zap.Bool("retryable", outcome.Failure.Retryable),
		)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	if w.registry == nil {
		return
	}
	w.registry.Heartbeat(w.handler.Kind())
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.registry.Heartbeat(w.handler.Kind())
		}
	}
}
