package format

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boingo-ai/property-pipeline/internal/boingo"
	"github.com/boingo-ai/property-pipeline/internal/pipeline"
	"github.com/boingo-ai/property-pipeline/internal/stage/clean"
	storagemem "github.com/boingo-ai/property-pipeline/internal/storage/memory"
	storemem "github.com/boingo-ai/property-pipeline/internal/store/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return "result-" + string(rune('0'+s.n)), nil
}

type stubPusher struct {
	err      error
	payloads []boingo.ResultPayload
}

func (p *stubPusher) CreateResult(_ context.Context, payload boingo.ResultPayload) error {
	if p.err != nil {
		return p.err
	}
	p.payloads = append(p.payloads, payload)
	return nil
}

func seedRunAndDraft(t *testing.T, store *storemem.RunStore, blobs *storagemem.BlobStore, draft clean.Draft) string {
	t.Helper()
	run := pipeline.Run{
		RunID:    "run-1",
		TargetID: "target-1",
		Target:   pipeline.Target{ID: "target-1", WebsiteURL: "https://example.com"},
		Stage:    pipeline.StageFormatting,
		Attempts: map[pipeline.RunStage]int{pipeline.StageFormatting: 1},
	}
	require.NoError(t, store.CreateRun(context.Background(), run))

	payload, err := json.Marshal(draft)
	require.NoError(t, err)
	ref, err := blobs.PutObject(context.Background(), "cleaned/run-1/1.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return ref
}

func validDraft() clean.Draft {
	return clean.Draft{
		Listing: pipeline.Listing{
			Address: pipeline.Address{Country: "US", Region: "TX", City: "Austin"},
			Details: pipeline.Details{
				Title:    "  3 Bed House in Austin ",
				Price:    "450000",
				Currency: "usd",
				Status:   "Active",
			},
			Contact: pipeline.Contact{PhoneNumber: " +1-512-555-0100 "},
		},
		Confidence: 0.9,
	}
}

func formattingTask(inputRef string) pipeline.Task {
	return pipeline.Task{
		TaskID:   "run-1:formatting:1",
		RunID:    "run-1",
		Stage:    pipeline.StageFormatting,
		Attempt:  1,
		InputRef: inputRef,
	}
}

func TestHandleFinalizesAndPushes(t *testing.T) {
	t.Parallel()
	store := storemem.NewRunStore()
	blobs := storagemem.NewBlobStore()
	ref := seedRunAndDraft(t, store, blobs, validDraft())
	pusher := &stubPusher{}
	clock := fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	h := NewHandler(store, blobs, pusher, clock, &seqIDs{}, zap.NewNop())
	outcome := h.Handle(context.Background(), formattingTask(ref))
	require.Nil(t, outcome.Failure)
	require.Empty(t, outcome.Warning)
	require.Equal(t, "result-1", outcome.ArtifactRef)

	result, err := store.GetResult(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, "target-1", result.TargetID)
	require.Equal(t, clock.now, result.FinalizedAt)

	// Normalization applied before persistence and push.
	require.Equal(t, "3 Bed House in Austin", result.StructuredPayload.Details.Title)
	require.Equal(t, "USD", result.StructuredPayload.Details.Currency)
	require.Equal(t, "active", result.StructuredPayload.Details.Status)
	require.Equal(t, "+1-512-555-0100", result.StructuredPayload.Contact.PhoneNumber)

	require.Len(t, pusher.payloads, 1)
	require.Equal(t, "run-1", pusher.payloads[0].RunID)
}

func TestHandleIdempotentOnRedelivery(t *testing.T) {
	t.Parallel()
	store := storemem.NewRunStore()
	blobs := storagemem.NewBlobStore()
	ref := seedRunAndDraft(t, store, blobs, validDraft())
	pusher := &stubPusher{}

	h := NewHandler(store, blobs, pusher, fixedClock{}, &seqIDs{}, zap.NewNop())
	first := h.Handle(context.Background(), formattingTask(ref))
	require.Nil(t, first.Failure)

	second := h.Handle(context.Background(), formattingTask(ref))
	require.Nil(t, second.Failure)
	require.Equal(t, first.ArtifactRef, second.ArtifactRef)
	require.Len(t, pusher.payloads, 1)
}

func TestHandlePushFailureDegradesNotFails(t *testing.T) {
	t.Parallel()
	store := storemem.NewRunStore()
	blobs := storagemem.NewBlobStore()
	ref := seedRunAndDraft(t, store, blobs, validDraft())
	pusher := &stubPusher{err: errors.New("upstream down")}

	h := NewHandler(store, blobs, pusher, fixedClock{}, &seqIDs{}, zap.NewNop())
	outcome := h.Handle(context.Background(), formattingTask(ref))
	require.Nil(t, outcome.Failure)
	require.Equal(t, "upstream delivery failed", outcome.Warning)

	_, err := store.GetResult(context.Background(), "run-1")
	require.NoError(t, err)
}

func TestHandleInvalidListingPermanent(t *testing.T) {
	t.Parallel()
	store := storemem.NewRunStore()
	blobs := storagemem.NewBlobStore()
	draft := validDraft()
	draft.Listing.Details.Price = ""
	ref := seedRunAndDraft(t, store, blobs, draft)

	h := NewHandler(store, blobs, nil, fixedClock{}, &seqIDs{}, zap.NewNop())
	outcome := h.Handle(context.Background(), formattingTask(ref))
	require.NotNil(t, outcome.Failure)
	require.False(t, outcome.Failure.Retryable)
	require.Contains(t, outcome.Failure.Reason, "price is required")

	_, err := store.GetResult(context.Background(), "run-1")
	require.ErrorIs(t, err, pipeline.ErrResultNotFound)
}

func TestHandleCorruptDraftPermanent(t *testing.T) {
	t.Parallel()
	store := storemem.NewRunStore()
	blobs := storagemem.NewBlobStore()
	seedRunAndDraft(t, store, blobs, validDraft())
	ref, err := blobs.PutObject(context.Background(), "cleaned/run-1/2.json", "application/json",
		bytes.NewReader([]byte("not json")))
	require.NoError(t, err)

	h := NewHandler(store, blobs, nil, fixedClock{}, &seqIDs{}, zap.NewNop())
	outcome := h.Handle(context.Background(), formattingTask(ref))
	require.NotNil(t, outcome.Failure)
	require.False(t, outcome.Failure.Retryable)
}

func TestHandleFallsBackToLatestCleaned(t *testing.T) {
	t.Parallel()
	store := storemem.NewRunStore()
	blobs := storagemem.NewBlobStore()
	ref := seedRunAndDraft(t, store, blobs, validDraft())
	require.NoError(t, store.RecordCleaned(context.Background(), pipeline.CleanedArtifact{
		RunID: "run-1", Attempt: 1, PayloadRef: ref, ExtractionConfidence: 0.9,
	}))

	h := NewHandler(store, blobs, nil, fixedClock{}, &seqIDs{}, zap.NewNop())
	outcome := h.Handle(context.Background(), formattingTask(""))
	require.Nil(t, outcome.Failure)
}
