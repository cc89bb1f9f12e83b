package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boingo-ai/property-pipeline/internal/metrics"
	"github.com/boingo-ai/property-pipeline/internal/pipeline"
	queuemem "github.com/boingo-ai/property-pipeline/internal/queue/memory"
	"github.com/boingo-ai/property-pipeline/internal/registry"
)

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type stubHandler struct {
	kind    pipeline.AgentKind
	outcome pipeline.StageOutcome
	calls   int
	mu      sync.Mutex
}

func (h *stubHandler) Kind() pipeline.AgentKind { return h.kind }

func (h *stubHandler) Handle(_ context.Context, _ pipeline.Task) pipeline.StageOutcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return h.outcome
}

func (h *stubHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type stubReporter struct {
	mu        sync.Mutex
	run       pipeline.Run
	runErr    error
	reportErr error
	reported  []pipeline.StageOutcome
	done      chan struct{}
}

func newStubReporter(run pipeline.Run) *stubReporter {
	return &stubReporter{run: run, done: make(chan struct{}, 8)}
}

func (r *stubReporter) GetRun(_ context.Context, _ string) (pipeline.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run, r.runErr
}

func (r *stubReporter) ReportStageResult(_ context.Context, _ string, outcome pipeline.StageOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reportErr != nil {
		return r.reportErr
	}
	r.reported = append(r.reported, outcome)
	select {
	case r.done <- struct{}{}:
	default:
	}
	return nil
}

func (r *stubReporter) outcomes() []pipeline.StageOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.StageOutcome(nil), r.reported...)
}

func activeRun(stage pipeline.RunStage, attempt int) pipeline.Run {
	return pipeline.Run{
		RunID:    "run-1",
		Stage:    stage,
		Attempts: map[pipeline.RunStage]int{stage: attempt},
	}
}

func crawlTask(attempt int) pipeline.Task {
	return pipeline.Task{
		TaskID:  "run-1:crawling:1",
		RunID:   "run-1",
		Stage:   pipeline.StageCrawling,
		Attempt: attempt,
	}
}

func startWorker(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return cancel
}

func TestWorkerExecutesAndReportsOutcome(t *testing.T) {
	t.Parallel()
	fabric := queuemem.NewFabric(queuemem.Config{Visibility: time.Minute})
	handler := &stubHandler{
		kind:    pipeline.AgentCrawl,
		outcome: pipeline.Success(pipeline.StageCrawling, 1, "memory://raw/1"),
	}
	reporter := newStubReporter(activeRun(pipeline.StageCrawling, 1))
	reg := registry.New(registry.Config{}, realClock{}, zap.NewNop())
	m, err := metrics.New()
	require.NoError(t, err)

	w := New(fabric, handler, reporter, reg, m, realClock{}, Config{}, zap.NewNop())
	startWorker(t, w)

	require.NoError(t, fabric.Enqueue(context.Background(), "crawl-lane", crawlTask(1), time.Time{}))

	select {
	case <-reporter.done:
	case <-time.After(2 * time.Second):
		t.Fatal("outcome not reported")
	}
	outcomes := reporter.outcomes()
	require.Len(t, outcomes, 1)
	require.Nil(t, outcomes[0].Failure)
	require.Equal(t, "memory://raw/1", outcomes[0].ArtifactRef)

	snap := reg.Snapshot()
	require.Equal(t, int64(1), snap[pipeline.AgentCrawl].Succeeded)
}

func TestWorkerDiscardsStaleTask(t *testing.T) {
	t.Parallel()
	fabric := queuemem.NewFabric(queuemem.Config{Visibility: time.Minute})
	handler := &stubHandler{
		kind:    pipeline.AgentCrawl,
		outcome: pipeline.Success(pipeline.StageCrawling, 1, "memory://raw/1"),
	}
	// Run already moved to attempt 2; the attempt-1 delivery is stale.
	reporter := newStubReporter(activeRun(pipeline.StageCrawling, 2))

	w := New(fabric, handler, reporter, nil, nil, realClock{}, Config{}, zap.NewNop())
	startWorker(t, w)

	require.NoError(t, fabric.Enqueue(context.Background(), "crawl-lane", crawlTask(1), time.Time{}))

	require.Eventually(t, func() bool {
		return fabric.Depth("crawl-lane") == 0
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, handler.callCount())
	require.Empty(t, reporter.outcomes())
}

func TestWorkerDiscardsTaskForTerminalRun(t *testing.T) {
	t.Parallel()
	fabric := queuemem.NewFabric(queuemem.Config{Visibility: time.Minute})
	handler := &stubHandler{
		kind:    pipeline.AgentCrawl,
		outcome: pipeline.Success(pipeline.StageCrawling, 1, "memory://raw/1"),
	}
	reporter := newStubReporter(pipeline.Run{RunID: "run-1", Stage: pipeline.StageFailed})

	w := New(fabric, handler, reporter, nil, nil, realClock{}, Config{}, zap.NewNop())
	startWorker(t, w)

	require.NoError(t, fabric.Enqueue(context.Background(), "crawl-lane", crawlTask(1), time.Time{}))

	require.Eventually(t, func() bool {
		return fabric.Depth("crawl-lane") == 0
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, handler.callCount())
}

func TestWorkerNacksWhenReportFails(t *testing.T) {
	t.Parallel()
	fabric := queuemem.NewFabric(queuemem.Config{Visibility: time.Minute})
	handler := &stubHandler{
		kind:    pipeline.AgentCrawl,
		outcome: pipeline.Success(pipeline.StageCrawling, 1, "memory://raw/1"),
	}
	reporter := newStubReporter(activeRun(pipeline.StageCrawling, 1))
	reporter.reportErr = errors.New("store unavailable")

	w := New(fabric, handler, reporter, nil, nil, realClock{}, Config{NackDelay: 10 * time.Millisecond}, zap.NewNop())
	startWorker(t, w)

	require.NoError(t, fabric.Enqueue(context.Background(), "crawl-lane", crawlTask(1), time.Time{}))

	// The nacked task becomes visible again and the handler runs twice.
	require.Eventually(t, func() bool {
		return handler.callCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerRecordsFailureInRegistry(t *testing.T) {
	t.Parallel()
	fabric := queuemem.NewFabric(queuemem.Config{Visibility: time.Minute})
	handler := &stubHandler{
		kind:    pipeline.AgentCrawl,
		outcome: pipeline.Failure(pipeline.StageCrawling, 1, "connection reset", true),
	}
	reporter := newStubReporter(activeRun(pipeline.StageCrawling, 1))
	reg := registry.New(registry.Config{}, realClock{}, zap.NewNop())

	w := New(fabric, handler, reporter, reg, nil, realClock{}, Config{}, zap.NewNop())
	startWorker(t, w)

	require.NoError(t, fabric.Enqueue(context.Background(), "crawl-lane", crawlTask(1), time.Time{}))

	select {
	case <-reporter.done:
	case <-time.After(2 * time.Second):
		t.Fatal("outcome not reported")
	}
	snap := reg.Snapshot()
	require.Equal(t, int64(1), snap[pipeline.AgentCrawl].Failed)
}
