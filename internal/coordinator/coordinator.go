// Package coordinator owns the per-run state machine: stage sequencing,
// retry-vs-fail decisions, timeout sweeping, and status propagation.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/boingo-ai/property-pipeline/internal/metrics"
	"github.com/boingo-ai/property-pipeline/internal/pipeline"
)

// StageConfig holds the retry and deadline knobs for one stage.
type StageConfig struct {
	Lane        string
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Deadline    time.Duration
}

// Config controls coordinator behavior. All values are configuration
// driven; defaults are applied by New.
type Config struct {
	Stages          map[pipeline.RunStage]StageConfig
	SweepInterval   time.Duration
	CompletionTopic string
}

// stageOrder is the fixed total order of the pipeline; there is no
// branching or skip logic.
var stageOrder = []pipeline.RunStage{
	pipeline.StageCrawling,
	pipeline.StageCleaning,
	pipeline.StageFormatting,
}

// Coordinator is the single decision point for run progress. All stage
// outcomes funnel through ReportStageResult; workers never advance a run
// themselves.
type Coordinator struct {
	store    pipeline.RunStore
	fabric   pipeline.Fabric
	registry pipeline.StatusRegistry
	notifier pipeline.Notifier
	metrics  *metrics.Metrics
	clock    pipeline.Clock
	ids      pipeline.IDGenerator
	logger   *zap.Logger
	cfg      Config

	locks keyedLocks
}

// New constructs a Coordinator. The registry handle is consulted for
// admission warnings; the notifier receives completion events.
func New(
	store pipeline.RunStore,
	fabric pipeline.Fabric,
	registry pipeline.StatusRegistry,
	notifier pipeline.Notifier,
	m *metrics.Metrics,
	clock pipeline.Clock,
	ids pipeline.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Stages == nil {
		cfg.Stages = map[pipeline.RunStage]StageConfig{}
	}
	for _, stage := range stageOrder {
		sc := cfg.Stages[stage]
		if sc.Lane == "" {
			sc.Lane = string(pipeline.AgentFor(stage)) + "-lane"
		}
		if sc.MaxAttempts <= 0 {
			sc.MaxAttempts = 3
		}
		if sc.BackoffBase <= 0 {
			sc.BackoffBase = 250 * time.Millisecond
		}
		if sc.BackoffMax <= 0 {
			sc.BackoffMax = 5 * time.Second
		}
		if sc.Deadline <= 0 {
			sc.Deadline = 2 * time.Minute
		}
		cfg.Stages[stage] = sc
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.CompletionTopic == "" {
		cfg.CompletionTopic = "run-completed"
	}
	return &Coordinator{
		store:    store,
		fabric:   fabric,
		registry: registry,
		notifier: notifier,
		metrics:  m,
		clock:    clock,
		ids:      ids,
		logger:   logger,
		cfg:      cfg,
		locks:    newKeyedLocks(),
	}
}

// Submit validates the target, creates the run, and enqueues the first
// crawl task. The returned run ID is immediately queryable via GetRun.
func (c *Coordinator) Submit(ctx context.Context, target pipeline.Target) (string, error) {
	if err := pipeline.ValidateTarget(target); err != nil {
		return "", err
	}
	target.Frequency = pipeline.NormalizeFrequency(target.Frequency)

	runID, err := c.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	if target.ID == "" {
		targetID, err := c.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("generate target id: %w", err)
		}
		target.ID = targetID
	}
	now := c.clock.Now()
	if target.CreatedAt.IsZero() {
		target.CreatedAt = now
	}
	run := pipeline.Run{
		RunID:     runID,
		TargetID:  target.ID,
		Target:    target,
		Stage:     pipeline.StagePending,
		Attempts:  map[pipeline.RunStage]int{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RunStarted()
	}

	unlock := c.locks.lock(runID)
	defer unlock()
	stored, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("load run: %w", err)
	}
	if err := c.advance(ctx, stored, pipeline.StageCrawling, ""); err != nil {
		return "", err
	}
	c.logger.Info("run submitted",
		zap.String("run_id", runID),
		zap.String("target_id", target.ID),
		zap.String("url", target.WebsiteURL),
	)
	return runID, nil
}

// ReportStageResult applies one stage outcome under per-run
// serialization. Duplicate or stale reports (wrong stage or attempt,
// terminal run) are ignored idempotently.
func (c *Coordinator) ReportStageResult(ctx context.Context, runID string, outcome pipeline.StageOutcome) error {
	unlock := c.locks.lock(runID)
	defer unlock()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Stage.Terminal() {
		// Operator cancel or a racing outcome already finished the run;
		// discard rather than advance.
		c.logger.Debug("outcome discarded for terminal run", zap.String("run_id", runID))
		return nil
	}
	if run.Stage != outcome.Stage || run.Attempt(outcome.Stage) != outcome.Attempt {
		c.logger.Debug("stale stage outcome ignored",
			zap.String("run_id", runID),
			zap.String("reported_stage", string(outcome.Stage)),
			zap.Int("reported_attempt", outcome.Attempt),
		)
		return nil
	}

	if outcome.Warning != "" {
		run = c.annotate(run, outcome.Warning)
	}

	if outcome.Failure == nil {
		return c.advanceAfterSuccess(ctx, run, outcome)
	}
	return c.handleFailure(ctx, run, outcome)
}

// GetRun returns a point-in-time snapshot; it never blocks on in-flight
// work.
func (c *Coordinator) GetRun(ctx context.Context, runID string) (pipeline.Run, error) {
	return c.store.GetRun(ctx, runID)
}

// Cancel marks a run failed externally. In-flight workers detect the
// terminal stage before reporting and discard their result.
func (c *Coordinator) Cancel(ctx context.Context, runID, reason string) error {
	unlock := c.locks.lock(runID)
	defer unlock()

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Stage.Terminal() {
		return pipeline.ErrRunTerminal
	}
	if reason == "" {
		reason = "canceled by operator"
	}
	return c.fail(ctx, run, fmt.Sprintf("canceled at %s: %s", run.Stage, reason))
}

// Sweep scans in-flight runs for stage deadline overruns and treats each
// as a retryable timeout failure. It is the sole timeout-enforcement
// mechanism: workers are not trusted to self-report on timeout.
func (c *Coordinator) Sweep(ctx context.Context) {
	now := c.clock.Now()
	for _, stage := range stageOrder {
		sc := c.cfg.Stages[stage]
		runs, err := c.store.ListRuns(ctx, stage)
		if err != nil {
			c.logger.Error("sweep list runs failed", zap.String("stage", string(stage)), zap.Error(err))
			continue
		}
		for _, run := range runs {
			if now.Sub(run.UpdatedAt) <= sc.Deadline {
				continue
			}
			outcome := pipeline.Failure(stage, run.Attempt(stage),
				fmt.Sprintf("stage %s deadline exceeded", stage), true)
			if err := c.ReportStageResult(ctx, run.RunID, outcome); err != nil {
				c.logger.Error("sweep report failed", zap.String("run_id", run.RunID), zap.Error(err))
			} else {
				c.logger.Warn("stale run swept",
					zap.String("run_id", run.RunID),
					zap.String("stage", string(stage)),
				)
			}
		}
	}
}

// RunSweeper blocks, sweeping periodically until the context finishes.
func (c *Coordinator) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// advanceAfterSuccess records the stage artifact bookkeeping already done
// by the handler and moves the run to the next stage, or finalizes it.
func (c *Coordinator) advanceAfterSuccess(ctx context.Context, run pipeline.Run, outcome pipeline.StageOutcome) error {
	next := nextStage(run.Stage)
	if next == pipeline.StageSucceeded {
		return c.finalize(ctx, run)
	}
	return c.advance(ctx, run, next, outcome.ArtifactRef)
}

// advance moves the run into stage at attempt 1 and enqueues its task.
func (c *Coordinator) advance(ctx context.Context, run pipeline.Run, stage pipeline.RunStage, inputRef string) error {
	sc := c.cfg.Stages[stage]
	if run.Attempts == nil {
		run.Attempts = map[pipeline.RunStage]int{}
	}
	run.Stage = stage
	run.Attempts[stage] = 1
	run.LastError = ""
	run = c.annotateIfDegraded(run, stage)
	run.UpdatedAt = c.clock.Now()
	if err := c.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("advance run to %s: %w", stage, err)
	}
	task := pipeline.Task{
		TaskID:   taskID(run.RunID, stage, 1),
		RunID:    run.RunID,
		Stage:    stage,
		Attempt:  1,
		InputRef: inputRef,
	}
	if err := c.fabric.Enqueue(ctx, sc.Lane, task, time.Time{}); err != nil {
		return fmt.Errorf("enqueue %s task: %w", stage, err)
	}
	return nil
}

// handleFailure is the retry-vs-fail decision. Non-retryable failures and
// exhausted budgets terminate the run; everything else re-enqueues the
// same stage with exponential backoff.
func (c *Coordinator) handleFailure(ctx context.Context, run pipeline.Run, outcome pipeline.StageOutcome) error {
	stage := run.Stage
	sc := c.cfg.Stages[stage]
	reason := outcome.Failure.Reason

	if !outcome.Failure.Retryable {
		return c.fail(ctx, run, fmt.Sprintf("unprocessable input at %s: %s", stage, reason))
	}
	attempt := run.Attempt(stage)
	if attempt >= sc.MaxAttempts {
		return c.fail(ctx, run, fmt.Sprintf("%s failed after %d attempts: %s", stage, attempt, reason))
	}

	nextAttempt := attempt + 1
	run.Attempts[stage] = nextAttempt
	run.LastError = reason
	run.UpdatedAt = c.clock.Now()
	if err := c.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("record retry for %s: %w", stage, err)
	}
	delay := backoff(sc.BackoffBase, sc.BackoffMax, attempt)
	task := pipeline.Task{
		TaskID:  taskID(run.RunID, stage, nextAttempt),
		RunID:   run.RunID,
		Stage:   stage,
		Attempt: nextAttempt,
	}
	if err := c.fabric.Enqueue(ctx, sc.Lane, task, c.clock.Now().Add(delay)); err != nil {
		return fmt.Errorf("enqueue %s retry: %w", stage, err)
	}
	if c.metrics != nil {
		c.metrics.RetryScheduled(string(stage))
	}
	c.logger.Warn("stage retry scheduled",
		zap.String("run_id", run.RunID),
		zap.String("stage", string(stage)),
		zap.Int("attempt", nextAttempt),
		zap.Duration("delay", delay),
		zap.String("reason", reason),
	)
	return nil
}

// finalize marks the run succeeded and publishes the completion event;
// the format handler has already persisted the Result.
func (c *Coordinator) finalize(ctx context.Context, run pipeline.Run) error {
	run.Stage = pipeline.StageSucceeded
	run.LastError = ""
	run.UpdatedAt = c.clock.Now()
	if err := c.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RunCompleted("succeeded")
	}
	c.publishTerminal(ctx, run)
	c.logger.Info("run succeeded", zap.String("run_id", run.RunID))
	return nil
}

func (c *Coordinator) fail(ctx context.Context, run pipeline.Run, reason string) error {
	run.Stage = pipeline.StageFailed
	run.LastError = reason
	run.UpdatedAt = c.clock.Now()
	if err := c.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RunCompleted("failed")
	}
	c.publishTerminal(ctx, run)
	c.logger.Warn("run failed", zap.String("run_id", run.RunID), zap.String("reason", reason))
	return nil
}

// publishTerminal announces a run reaching Succeeded or Failed so
// downstream consumers (Pub/Sub, the upstream status endpoint) see every
// terminal transition, not just the happy path.
func (c *Coordinator) publishTerminal(ctx context.Context, run pipeline.Run) {
	if c.notifier == nil {
		return
	}
	payload := map[string]any{
		"run_id":    run.RunID,
		"target_id": run.TargetID,
		"stage":     string(run.Stage),
		"timestamp": c.clock.Now().Format(time.RFC3339),
	}
	if _, err := c.notifier.Publish(ctx, c.cfg.CompletionTopic, payload); err != nil {
		// Notification is best effort; the run is already durable.
		c.logger.Warn("completion publish failed", zap.String("run_id", run.RunID), zap.Error(err))
	}
}

// annotateIfDegraded consults the registry before admission. Unhealthy
// agents never block the run; the task proceeds with a warning so the
// system favors eventual progress over strict admission control.
func (c *Coordinator) annotateIfDegraded(run pipeline.Run, stage pipeline.RunStage) pipeline.Run {
	if c.registry == nil {
		return run
	}
	kind := pipeline.AgentFor(stage)
	rec, ok := c.registry.Snapshot()[kind]
	if !ok || rec.Healthy {
		return run
	}
	return c.annotate(run, fmt.Sprintf("%s agent degraded at admission", kind))
}

func (c *Coordinator) annotate(run pipeline.Run, warning string) pipeline.Run {
	for _, w := range run.Warnings {
		if w == warning {
			return run
		}
	}
	run.Warnings = append(run.Warnings, warning)
	if c.metrics != nil {
		c.metrics.DegradedAnnotation()
	}
	return run
}

func nextStage(stage pipeline.RunStage) pipeline.RunStage {
	switch stage {
	case pipeline.StageCrawling:
		return pipeline.StageCleaning
	case pipeline.StageCleaning:
		return pipeline.StageFormatting
	default:
		return pipeline.StageSucceeded
	}
}

func taskID(runID string, stage pipeline.RunStage, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, stage, attempt)
}
