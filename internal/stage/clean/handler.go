// Package clean implements the second pipeline stage: reducing a raw
// HTML capture to listing text and drafting the structured schema via
// the text service.
package clean

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/boingo-ai/property-pipeline/internal/pipeline"
	"github.com/boingo-ai/property-pipeline/internal/textservice"
)

const cleanSystemPrompt = `You are a real estate data cleaning agent. You receive the visible text
of a property listing page. Produce a JSON object with two keys:
"listing" matching the property listing schema and "confidence" between
0 and 1 reflecting how completely the page supported the extraction.
Respond with JSON only.`

// Completer is the text-service surface the handler needs.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Config controls clean-stage behavior.
type Config struct {
	// ConfidenceThreshold rejects drafts the text service is not sure
	// about. Low confidence means the page itself does not support the
	// extraction, so the run fails rather than retrying the same capture.
	ConfidenceThreshold float64
	// MaxPromptBytes truncates page text before prompting.
	MaxPromptBytes int
}

// Draft is the artifact payload the clean stage persists for the format
// stage: a listing draft plus the extraction confidence.
type Draft struct {
	Listing    pipeline.Listing `json:"listing"`
	Confidence float64          `json:"confidence"`
}

// Handler executes the clean stage.
type Handler struct {
	store     pipeline.RunStore
	artifacts pipeline.ArtifactStore
	completer Completer
	cfg       Config
	logger    *zap.Logger
}

// NewHandler constructs a clean Handler.
func NewHandler(
	store pipeline.RunStore,
	artifacts pipeline.ArtifactStore,
	completer Completer,
	cfg Config,
	logger *zap.Logger,
) *Handler {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.5
	}
	if cfg.MaxPromptBytes <= 0 {
		cfg.MaxPromptBytes = 64 * 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:     store,
		artifacts: artifacts,
		completer: completer,
		cfg:       cfg,
		logger:    logger,
	}
}

// Kind identifies this handler's agent lane.
func (h *Handler) Kind() pipeline.AgentKind { return pipeline.AgentClean }

// Handle turns the latest raw capture into a cleaned listing draft.
func (h *Handler) Handle(ctx context.Context, task pipeline.Task) pipeline.StageOutcome {
	ref := task.InputRef
	if ref == "" {
		capture, err := h.store.LatestCapture(ctx, task.RunID)
		if err != nil {
			return pipeline.Failure(task.Stage, task.Attempt,
				fmt.Sprintf("locate capture: %v", err), true)
		}
		ref = capture.PayloadRef
	}
	raw, err := h.artifacts.GetObject(ctx, ref)
	if err != nil {
		return pipeline.Failure(task.Stage, task.Attempt,
			fmt.Sprintf("read capture %s: %v", ref, err), true)
	}

	text, err := extractText(raw)
	if err != nil {
		return pipeline.Failure(task.Stage, task.Attempt,
			fmt.Sprintf("extract page text: %v", err), false)
	}
	if text == "" {
		return pipeline.Failure(task.Stage, task.Attempt,
			"capture contained no visible text", false)
	}
	if len(text) > h.cfg.MaxPromptBytes {
		cut := h.cfg.MaxPromptBytes
		// Back off to a rune boundary so the prompt stays valid UTF-8.
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}

	completion, err := h.completer.Complete(ctx, cleanSystemPrompt, text)
	if err != nil {
		return h.classifyCompletionError(task, err)
	}

	draft, err := parseDraft(completion)
	if err != nil {
		// The model emitted something other than the schema; a fresh
		// completion usually fixes it.
		return pipeline.Failure(task.Stage, task.Attempt,
			fmt.Sprintf("parse cleaned draft: %v", err), true)
	}
	draft.Listing.Features = dedupeFeatures(draft.Listing.Features)

	if draft.Confidence < h.cfg.ConfidenceThreshold {
		return pipeline.Failure(task.Stage, task.Attempt,
			fmt.Sprintf("extraction confidence %.2f below threshold %.2f",
				draft.Confidence, h.cfg.ConfidenceThreshold), false)
	}

	payload, err := json.Marshal(draft)
	if err != nil {
		return pipeline.Failure(task.Stage, task.Attempt,
			fmt.Sprintf("marshal draft: %v", err), true)
	}
	path := fmt.Sprintf("cleaned/%s/%d.json", task.RunID, task.Attempt)
	outRef, err := h.artifacts.PutObject(ctx, path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return pipeline.Failure(task.Stage, task.Attempt,
			fmt.Sprintf("persist draft: %v", err), true)
	}
	artifact := pipeline.CleanedArtifact{
		RunID:                task.RunID,
		Attempt:              task.Attempt,
		PayloadRef:           outRef,
		ExtractionConfidence: draft.Confidence,
	}
	if err := h.store.RecordCleaned(ctx, artifact); err != nil {
		return pipeline.Failure(task.Stage, task.Attempt,
			fmt.Sprintf("record cleaned artifact: %v", err), true)
	}

	h.logger.Info("capture cleaned",
		zap.String("run_id", task.RunID),
		zap.Float64("confidence", draft.Confidence),
		zap.Int("features", len(draft.Listing.Features)),
	)
	return pipeline.Success(task.Stage, task.Attempt, outRef)
}

func (h *Handler) classifyCompletionError(task pipeline.Task, err error) pipeline.StageOutcome {
	var apiErr *textservice.APIError
	if errors.As(err, &apiErr) {
		return pipeline.Failure(task.Stage, task.Attempt, apiErr.Error(), apiErr.Retryable())
	}
	return pipeline.Failure(task.Stage, task.Attempt,
		fmt.Sprintf("completion failed: %v", err), true)
}

// parseDraft tolerates markdown code fences around the JSON body, which
// chat models add even when told not to.
func parseDraft(completion string) (Draft, error) {
	trimmed := strings.TrimSpace(completion)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	var draft Draft
	if err := json.Unmarshal([]byte(trimmed), &draft); err != nil {
		return Draft{}, err
	}
	if draft.Confidence < 0 || draft.Confidence > 1 {
		return Draft{}, fmt.Errorf("confidence %v out of range", draft.Confidence)
	}
	return draft, nil
}

// dedupeFeatures drops repeated feature names case-insensitively,
// keeping the first value seen.
func dedupeFeatures(features []pipeline.Feature) []pipeline.Feature {
	if len(features) == 0 {
		return features
	}
	seen := make(map[string]struct{}, len(features))
	out := features[:0]
	for _, f := range features {
		key := strings.ToLower(strings.TrimSpace(f.Feature))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, f)
	}
	return out
}
