package crawl

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/boingo-ai/property-pipeline/internal/pipeline"
)

// Handler executes the crawl stage: probe fetch, optional headless
// promotion, then persist the capture. It never returns an error across
// the queue boundary; every path yields a StageOutcome.
type Handler struct {
	store     pipeline.RunStore
	artifacts pipeline.ArtifactStore
	probe     Fetcher
	headless  Fetcher
	detector  Detector
	clock     pipeline.Clock
	logger    *zap.Logger
}

// NewHandler constructs a crawl Handler. The headless fetcher and
// detector are optional; without them every fetch stays on the probe
// path.
func NewHandler(
	store pipeline.RunStore,
	artifacts pipeline.ArtifactStore,
	probe Fetcher,
	headless Fetcher,
	detector Detector,
	clock pipeline.Clock,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:     store,
		artifacts: artifacts,
		probe:     probe,
		headless:  headless,
		detector:  detector,
		clock:     clock,
		logger:    logger,
	}
}

// Kind identifies this handler's agent lane.
func (h *Handler) Kind() pipeline.AgentKind { return pipeline.AgentCrawl }

// Handle fetches the run's target page and records the raw capture.
func (h *Handler) Handle(ctx context.Context, task pipeline.Task) pipeline.StageOutcome {
	run, err := h.store.GetRun(ctx, task.RunID)
	if err != nil {
		return pipeline.Failure(task.Stage, task.Attempt,
			fmt.Sprintf("load run: %v", err), true)
	}

	resp, err := h.probe.Fetch(ctx, FetchRequest{URL: run.Target.WebsiteURL})
	if err != nil {
		return h.classifyFetchError(task, resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 {
		return h.classifyFetchError(task, resp.StatusCode, nil)
	}

	var warning string
	if h.detector != nil && h.headless != nil && h.detector.ShouldPromote(resp) {
		h.logger.Info("promoting fetch to headless",
			zap.String("run_id", task.RunID),
			zap.String("url", run.Target.WebsiteURL),
		)
		rendered, err := h.headless.Fetch(ctx, FetchRequest{URL: run.Target.WebsiteURL})
		if err == nil && rendered.StatusCode < 400 {
			resp = rendered
		} else {
			// Keep the static capture rather than losing the attempt.
			warning = "headless render failed, static capture used"
			h.logger.Warn("headless fetch failed, keeping probe capture",
				zap.String("run_id", task.RunID),
				zap.Error(err),
			)
		}
	}

	path := fmt.Sprintf("raw/%s/%d.html", task.RunID, task.Attempt)
	ref, err := h.artifacts.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewReader(resp.Body))
	if err != nil {
		return pipeline.Failure(task.Stage, task.Attempt,
			fmt.Sprintf("persist capture: %v", err), true)
	}
	capture := pipeline.RawCapture{
		RunID:        task.RunID,
		Attempt:      task.Attempt,
		FetchedAt:    h.clock.Now(),
		PayloadRef:   ref,
		Size:         int64(len(resp.Body)),
		StatusCode:   resp.StatusCode,
		UsedHeadless: resp.UsedHeadless,
	}
	if err := h.store.RecordCapture(ctx, capture); err != nil {
		return pipeline.Failure(task.Stage, task.Attempt,
			fmt.Sprintf("record capture: %v", err), true)
	}

	outcome := pipeline.Success(task.Stage, task.Attempt, ref)
	outcome.Warning = warning
	return outcome
}

// classifyFetchError maps fetch failures onto the retry policy: client
// errors other than 429 are unprocessable, everything else is worth
// retrying.
func (h *Handler) classifyFetchError(task pipeline.Task, status int, err error) pipeline.StageOutcome {
	reason := fmt.Sprintf("fetch failed with status %d", status)
	if err != nil {
		reason = fmt.Sprintf("fetch failed: %v", err)
		if status > 0 {
			reason = fmt.Sprintf("fetch failed with status %d: %v", status, err)
		}
	}
	retryable := true
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		retryable = false
	}
	return pipeline.Failure(task.Stage, task.Attempt, reason, retryable)
}
