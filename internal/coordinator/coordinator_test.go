package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boingo-ai/property-pipeline/internal/metrics"
	notifymem "github.com/boingo-ai/property-pipeline/internal/notify/memory"
	"github.com/boingo-ai/property-pipeline/internal/pipeline"
	queuemem "github.com/boingo-ai/property-pipeline/internal/queue/memory"
	"github.com/boingo-ai/property-pipeline/internal/registry"
	storemem "github.com/boingo-ai/property-pipeline/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "id-" + string(rune('a'+s.n-1)), nil
}

type harness struct {
	coord    *Coordinator
	store    *storemem.RunStore
	fabric   *queuemem.Fabric
	registry *registry.Registry
	notifier *notifymem.Publisher
	clock    *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newFakeClock()
	store := storemem.NewRunStore()
	fabric := queuemem.NewFabric(queuemem.Config{Visibility: time.Minute})
	reg := registry.New(registry.Config{}, clock, zap.NewNop())
	notifier := notifymem.New()
	m, err := metrics.New()
	require.NoError(t, err)
	coord := New(store, fabric, reg, notifier, m, clock, &seqIDs{}, Config{
		Stages: map[pipeline.RunStage]StageConfig{
			pipeline.StageCrawling: {MaxAttempts: 3, BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second, Deadline: 30 * time.Second},
		},
	}, zap.NewNop())
	return &harness{coord: coord, store: store, fabric: fabric, registry: reg, notifier: notifier, clock: clock}
}

func validTarget() pipeline.Target {
	return pipeline.Target{
		WebsiteURL:    "https://www.example-realty.com/listings",
		Location:      "Austin, TX",
		Frequency:     "Weekly",
		MaxProperties: 50,
	}
}

func dequeue(t *testing.T, f *queuemem.Fabric, lane string) pipeline.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	task, err := f.Dequeue(ctx, lane)
	require.NoError(t, err)
	return task
}

func TestSubmitCreatesRunAndEnqueuesCrawl(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	runID, err := h.coord.Submit(context.Background(), validTarget())
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run, err := h.coord.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageCrawling, run.Stage)
	require.Equal(t, 1, run.Attempt(pipeline.StageCrawling))

	task := dequeue(t, h.fabric, "crawl-lane")
	require.Equal(t, runID, task.RunID)
	require.Equal(t, pipeline.StageCrawling, task.Stage)
	require.Equal(t, 1, task.Attempt)
}

func TestSubmitRejectsInvalidTarget(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	target := validTarget()
	target.WebsiteURL = "ftp://example.com"
	_, err := h.coord.Submit(context.Background(), target)
	var verr *pipeline.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "website_url", verr.Field)
}

func TestSuccessfulOutcomesWalkAllStages(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	runID, err := h.coord.Submit(ctx, validTarget())
	require.NoError(t, err)
	dequeue(t, h.fabric, "crawl-lane")

	require.NoError(t, h.coord.ReportStageResult(ctx, runID,
		pipeline.Success(pipeline.StageCrawling, 1, "memory://raw/1")))
	run, err := h.coord.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageCleaning, run.Stage)

	task := dequeue(t, h.fabric, "clean-lane")
	require.Equal(t, "memory://raw/1", task.InputRef)

	require.NoError(t, h.coord.ReportStageResult(ctx, runID,
		pipeline.Success(pipeline.StageCleaning, 1, "memory://cleaned/1")))
	dequeue(t, h.fabric, "format-lane")

	require.NoError(t, h.coord.ReportStageResult(ctx, runID,
		pipeline.Success(pipeline.StageFormatting, 1, "memory://result/1")))

	run, err = h.coord.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageSucceeded, run.Stage)
	require.Empty(t, run.LastError)

	msgs := h.notifier.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "run-completed", msgs[0].Topic)
}

func TestRetryableFailureReenqueuesWithBackoff(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	runID, err := h.coord.Submit(ctx, validTarget())
	require.NoError(t, err)
	dequeue(t, h.fabric, "crawl-lane")

	require.NoError(t, h.coord.ReportStageResult(ctx, runID,
		pipeline.Failure(pipeline.StageCrawling, 1, "connection reset", true)))

	run, err := h.coord.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageCrawling, run.Stage)
	require.Equal(t, 2, run.Attempt(pipeline.StageCrawling))
	require.Equal(t, "connection reset", run.LastError)

	task := dequeue(t, h.fabric, "crawl-lane")
	require.Equal(t, 2, task.Attempt)
}

func TestBudgetExhaustionFailsRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	runID, err := h.coord.Submit(ctx, validTarget())
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, h.coord.ReportStageResult(ctx, runID,
			pipeline.Failure(pipeline.StageCrawling, attempt, "timeout", true)))
	}

	run, err := h.coord.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageFailed, run.Stage)
	require.Contains(t, run.LastError, "crawling")
	require.Contains(t, run.LastError, "3 attempts")
}

func TestPermanentFailureShortCircuits(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	runID, err := h.coord.Submit(ctx, validTarget())
	require.NoError(t, err)

	require.NoError(t, h.coord.ReportStageResult(ctx, runID,
		pipeline.Failure(pipeline.StageCrawling, 1, "404 not found", false)))

	run, err := h.coord.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageFailed, run.Stage)
	require.Contains(t, run.LastError, "unprocessable input at crawling")
}

func TestFailedRunPublishesTerminalEvent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	runID, err := h.coord.Submit(ctx, validTarget())
	require.NoError(t, err)

	require.NoError(t, h.coord.ReportStageResult(ctx, runID,
		pipeline.Failure(pipeline.StageCrawling, 1, "404 not found", false)))

	msgs := h.notifier.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "run-completed", msgs[0].Topic)
	payload, ok := msgs[0].Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, runID, payload["run_id"])
	require.Equal(t, string(pipeline.StageFailed), payload["stage"])
}

func TestStaleOutcomeIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	runID, err := h.coord.Submit(ctx, validTarget())
	require.NoError(t, err)

	require.NoError(t, h.coord.ReportStageResult(ctx, runID,
		pipeline.Failure(pipeline.StageCrawling, 1, "flaky", true)))

	// A duplicate delivery of attempt 1 reports again; the run is now on
	// attempt 2, so this must not double-count.
	require.NoError(t, h.coord.ReportStageResult(ctx, runID,
		pipeline.Failure(pipeline.StageCrawling, 1, "flaky", true)))

	run, err := h.coord.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, 2, run.Attempt(pipeline.StageCrawling))
}

func TestOutcomeAfterCancelDiscarded(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	runID, err := h.coord.Submit(ctx, validTarget())
	require.NoError(t, err)
	require.NoError(t, h.coord.Cancel(ctx, runID, "target decommissioned"))

	require.NoError(t, h.coord.ReportStageResult(ctx, runID,
		pipeline.Success(pipeline.StageCrawling, 1, "memory://raw/1")))

	run, err := h.coord.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageFailed, run.Stage)
	require.Contains(t, run.LastError, "target decommissioned")
}

func TestCancelTerminalRunRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	runID, err := h.coord.Submit(ctx, validTarget())
	require.NoError(t, err)
	require.NoError(t, h.coord.Cancel(ctx, runID, ""))
	require.ErrorIs(t, h.coord.Cancel(ctx, runID, ""), pipeline.ErrRunTerminal)
}

func TestSweepTimesOutStaleRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	runID, err := h.coord.Submit(ctx, validTarget())
	require.NoError(t, err)

	h.clock.Advance(31 * time.Second)
	h.coord.Sweep(ctx)

	run, err := h.coord.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageCrawling, run.Stage)
	require.Equal(t, 2, run.Attempt(pipeline.StageCrawling))
	require.Contains(t, run.LastError, "deadline exceeded")
}

func TestSweepLeavesFreshRunsAlone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	runID, err := h.coord.Submit(ctx, validTarget())
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	h.coord.Sweep(ctx)

	run, err := h.coord.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, 1, run.Attempt(pipeline.StageCrawling))
}

func TestDegradedAgentAnnotatesButAdmits(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	// Drive the crawl agent's failure rate over threshold.
	for i := 0; i < 20; i++ {
		h.registry.RecordEnd(pipeline.AgentCrawl, false)
	}
	snap := h.registry.Snapshot()
	require.False(t, snap[pipeline.AgentCrawl].Healthy)

	runID, err := h.coord.Submit(ctx, validTarget())
	require.NoError(t, err)

	run, err := h.coord.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StageCrawling, run.Stage)
	require.Contains(t, run.Warnings, "crawl agent degraded at admission")

	// Task was still enqueued despite the degraded agent.
	task := dequeue(t, h.fabric, "crawl-lane")
	require.Equal(t, runID, task.RunID)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()
	base := 100 * time.Millisecond
	max := time.Second
	for attempt := 1; attempt <= 6; attempt++ {
		d := backoff(base, max, attempt)
		require.GreaterOrEqual(t, d, base)
		require.LessOrEqual(t, d, max+max/4)
	}
	require.GreaterOrEqual(t, backoff(base, max, 1), 100*time.Millisecond)
	require.LessOrEqual(t, backoff(base, max, 1), 125*time.Millisecond)
}
