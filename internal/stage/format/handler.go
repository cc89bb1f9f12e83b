// Package format implements the final pipeline stage: validating the
// cleaned draft into the listing schema, persisting the immutable
// result, and delivering it upstream.
package format

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/boingo-ai/property-pipeline/internal/boingo"
	"github.com/boingo-ai/property-pipeline/internal/pipeline"
	"github.com/boingo-ai/property-pipeline/internal/stage/clean"
)

// Pusher delivers a finalized listing to the upstream API.
type Pusher interface {
	CreateResult(ctx context.Context, payload boingo.ResultPayload) error
}

// Handler executes the format stage.
type Handler struct {
	store     pipeline.RunStore
	artifacts pipeline.ArtifactStore
	pusher    Pusher
	clock     pipeline.Clock
	ids       pipeline.IDGenerator
	logger    *zap.Logger
}

// NewHandler constructs a format Handler. The pusher is optional; when
// nil the result stays local.
func NewHandler(
	store pipeline.RunStore,
	artifacts pipeline.ArtifactStore,
	pusher Pusher,
	clock pipeline.Clock,
	ids pipeline.IDGenerator,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:     store,
		artifacts: artifacts,
		pusher:    pusher,
		clock:     clock,
		ids:       ids,
		logger:    logger,
	}
}

// Kind identifies this handler's agent lane.
func (h *Handler) Kind() pipeline.AgentKind { return pipeline.AgentFormat }

// Handle validates the cleaned draft and writes the terminal result.
// Results are write-once: a redelivered task finds the existing result
// and reports success without rewriting it.
func (h *Handler) Handle(ctx context.Context, task pipeline.Task) pipeline.StageOutcome {
	if existing, err := h.store.GetResult(ctx, task.RunID); err == nil {
		h.logger.Debug("result already finalized", zap.String("run_id", task.RunID))
		return pipeline.Success(task.Stage, task.Attempt, existing.ResultID)
	} else if !errors.Is(err, pipeline.ErrResultNotFound) {
		return pipeline.Failure(task.Stage, task.Attempt,
			fmt.Sprintf("check existing result: %v", err), true)
	}

	run, err := h.store.GetRun(ctx, task.RunID)
	if err != nil {
		return pipeline.Failure(task.Stage, task.Attempt,
			fmt.Sprintf("load run: %v", err), true)
	}

	ref := task.InputRef
	if ref == "" {
		cleaned, err := h.store.LatestCleaned(ctx, task.RunID)
		if err != nil {
			return pipeline.Failure(task.Stage, task.Attempt,
				fmt.Sprintf("locate cleaned artifact: %v", err), true)
		}
		ref = cleaned.PayloadRef
	}
	payload, err := h.artifacts.GetObject(ctx, ref)
	if err != nil {
		return pipeline.Failure(task.Stage, task.Attempt,
			fmt.Sprintf("read cleaned artifact %s: %v", ref, err), true)
	}
	var draft clean.Draft
	if err := json.Unmarshal(payload, &draft); err != nil {
		return pipeline.Failure(task.Stage, task.Attempt,
			fmt.Sprintf("decode cleaned artifact: %v", err), false)
	}

	listing := normalize(draft.Listing)
	if err := validateListing(listing); err != nil {
		// The draft cannot satisfy the schema; another format attempt
		// against the same artifact would fail the same way.
		return pipeline.Failure(task.Stage, task.Attempt,
			fmt.Sprintf("listing validation: %v", err), false)
	}

	resultID, err := h.ids.NewID()
	if err != nil {
		return pipeline.Failure(task.Stage, task.Attempt,
			fmt.Sprintf("generate result id: %v", err), true)
	}
	result := pipeline.Result{
		ResultID:          resultID,
		TargetID:          run.TargetID,
		RunID:             task.RunID,
		StructuredPayload: listing,
		FinalizedAt:       h.clock.Now(),
	}
	if err := h.store.CreateResult(ctx, result); err != nil {
		return pipeline.Failure(task.Stage, task.Attempt,
			fmt.Sprintf("persist result: %v", err), true)
	}

	outcome := pipeline.Success(task.Stage, task.Attempt, resultID)
	if h.pusher != nil {
		err := h.pusher.CreateResult(ctx, boingo.ResultPayload{
			RunID:       task.RunID,
			TargetID:    run.TargetID,
			Listing:     listing,
			FinalizedAt: result.FinalizedAt,
		})
		if err != nil {
			// The run still succeeds locally; delivery can be replayed
			// from the stored result.
			outcome.Warning = "upstream delivery failed"
			h.logger.Warn("result push failed",
				zap.String("run_id", task.RunID),
				zap.Error(err),
			)
		}
	}

	h.logger.Info("result finalized",
		zap.String("run_id", task.RunID),
		zap.String("result_id", resultID),
	)
	return outcome
}

// normalize trims whitespace and canonicalizes enum-ish fields.
func normalize(l pipeline.Listing) pipeline.Listing {
	l.Address.Country = strings.TrimSpace(l.Address.Country)
	l.Address.Region = strings.TrimSpace(l.Address.Region)
	l.Address.City = strings.TrimSpace(l.Address.City)
	l.Address.District = strings.TrimSpace(l.Address.District)

	l.Details.Title = strings.TrimSpace(l.Details.Title)
	l.Details.Description = strings.TrimSpace(l.Details.Description)
	l.Details.Price = strings.TrimSpace(l.Details.Price)
	l.Details.Currency = strings.ToUpper(strings.TrimSpace(l.Details.Currency))
	l.Details.Status = strings.ToLower(strings.TrimSpace(l.Details.Status))
	l.Details.ListingType = strings.ToLower(strings.TrimSpace(l.Details.ListingType))
	l.Details.Category = strings.TrimSpace(l.Details.Category)

	l.Contact.PhoneNumber = strings.TrimSpace(l.Contact.PhoneNumber)
	l.Contact.Email = strings.TrimSpace(l.Contact.Email)

	for i := range l.Features {
		l.Features[i].Feature = strings.TrimSpace(l.Features[i].Feature)
		l.Features[i].Value = strings.TrimSpace(l.Features[i].Value)
	}
	return l
}

func validateListing(l pipeline.Listing) error {
	if l.Details.Title == "" {
		return fmt.Errorf("listing_title is required")
	}
	if l.Details.Price == "" {
		return fmt.Errorf("price is required")
	}
	if l.Details.Currency == "" {
		return fmt.Errorf("currency is required")
	}
	if l.Contact.PhoneNumber == "" {
		return fmt.Errorf("contact phone_number is required")
	}
	return nil
}
