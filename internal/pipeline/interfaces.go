package pipeline

import (
	"context"
	"io"
	"time"
)

// RunStore persists runs, artifacts, and results. Updates must enforce
// optimistic versioning: an UpdateRun whose Version does not match the
// stored run fails with ErrVersionConflict.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, stage RunStage) ([]Run, error)

	RecordCapture(ctx context.Context, capture RawCapture) error
	LatestCapture(ctx context.Context, runID string) (RawCapture, error)
	RecordCleaned(ctx context.Context, artifact CleanedArtifact) error
	LatestCleaned(ctx context.Context, runID string) (CleanedArtifact, error)

	CreateResult(ctx context.Context, result Result) error
	GetResult(ctx context.Context, runID string) (Result, error)
}

// ArtifactStore writes stage payloads and returns a URI reference.
type ArtifactStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, ref string) ([]byte, error)
}

// Fabric provides named-lane task routing with at-least-once delivery.
// A dequeued task that is neither acked nor nacked becomes visible again
// after the fabric's visibility timeout.
type Fabric interface {
	Enqueue(ctx context.Context, lane string, task Task, notBefore time.Time) error
	Dequeue(ctx context.Context, lane string) (Task, error)
	Ack(lane string, task Task)
	Nack(lane string, task Task, retryAfter time.Duration)
	Depth(lane string) int
}

// StageHandler executes one stage transformation. It always returns an
// outcome; errors internal to the handler surface as outcome failures.
type StageHandler interface {
	Kind() AgentKind
	Handle(ctx context.Context, task Task) StageOutcome
}

// StatusRegistry tracks liveness/throughput/error-rate per agent kind.
type StatusRegistry interface {
	Heartbeat(kind AgentKind)
	RecordStart(kind AgentKind)
	RecordEnd(kind AgentKind, success bool)
	Snapshot() map[AgentKind]AgentStatusRecord
}

// Notifier publishes run-completion events to Pub/Sub (or similar).
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run/result IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
