// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"time"
)

// RunStage represents the lifecycle state of a pipeline run.
type RunStage string

// Run stage values persisted in the run store. Transitions only move
// forward through the fixed order or sideways to Failed.
const (
	StagePending    RunStage = "pending"
	StageCrawling   RunStage = "crawling"
	StageCleaning   RunStage = "cleaning"
	StageFormatting RunStage = "formatting"
	StageSucceeded  RunStage = "succeeded"
	StageFailed     RunStage = "failed"
)

// Terminal reports whether the stage ends the run.
func (s RunStage) Terminal() bool {
	return s == StageSucceeded || s == StageFailed
}

// AgentKind identifies the logical worker role executing one stage.
type AgentKind string

// Agent kinds tracked by the status registry, one per stage lane.
const (
	AgentCrawl  AgentKind = "crawl"
	AgentClean  AgentKind = "clean"
	AgentFormat AgentKind = "format"
)

// AgentFor maps an in-flight run stage to the agent kind executing it.
func AgentFor(stage RunStage) AgentKind {
	switch stage {
	case StageCrawling:
		return AgentCrawl
	case StageCleaning:
		return AgentClean
	case StageFormatting:
		return AgentFormat
	default:
		return ""
	}
}

// Target describes a website/property to scrape. Identity is immutable
// after creation.
type Target struct {
	ID            string    `json:"id"`
	WebsiteURL    string    `json:"website_url"`
	Location      string    `json:"location"`
	Frequency     string    `json:"frequency"`
	MaxProperties int       `json:"max_properties,omitempty"`
	Priority      int       `json:"priority,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Run carries one target through the full pipeline. It is owned
// exclusively by the coordinator and is the single source of truth for
// pipeline progress.
type Run struct {
	RunID     string           `json:"run_id"`
	TargetID  string           `json:"target_id"`
	Target    Target           `json:"target"`
	Stage     RunStage         `json:"stage"`
	Attempts  map[RunStage]int `json:"attempts"`
	LastError string           `json:"last_error,omitempty"`
	Warnings  []string         `json:"warnings,omitempty"`
	Version   int64            `json:"version"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Attempt returns the recorded attempt count for a stage.
func (r Run) Attempt(stage RunStage) int {
	if r.Attempts == nil {
		return 0
	}
	return r.Attempts[stage]
}

// Clone deep-copies the run so snapshot reads never alias coordinator state.
func (r Run) Clone() Run {
	cp := r
	if r.Attempts != nil {
		cp.Attempts = make(map[RunStage]int, len(r.Attempts))
		for k, v := range r.Attempts {
			cp.Attempts[k] = v
		}
	}
	if r.Warnings != nil {
		cp.Warnings = append([]string(nil), r.Warnings...)
	}
	return cp
}

// RawCapture is the artifact produced by a successful crawl attempt.
// Retries supersede rather than mutate: each attempt yields a new capture
// and consumers select the latest.
type RawCapture struct {
	RunID        string    `json:"run_id"`
	Attempt      int       `json:"attempt"`
	FetchedAt    time.Time `json:"fetched_at"`
	PayloadRef   string    `json:"payload_ref"`
	Size         int64     `json:"size"`
	StatusCode   int       `json:"status_code"`
	UsedHeadless bool      `json:"used_headless"`
}

// CleanedArtifact is produced by the clean stage from the latest capture.
type CleanedArtifact struct {
	RunID                string  `json:"run_id"`
	Attempt              int     `json:"attempt"`
	PayloadRef           string  `json:"payload_ref"`
	ExtractionConfidence float64 `json:"extraction_confidence"`
}

// Result is the terminal artifact, immutable once written, one-to-one
// with a successfully completed run.
type Result struct {
	ResultID          string    `json:"result_id"`
	TargetID          string    `json:"target_id"`
	RunID             string    `json:"run_id"`
	StructuredPayload Listing   `json:"structured_payload"`
	FinalizedAt       time.Time `json:"finalized_at"`
}

// AgentStatusRecord is the aggregate, process-wide health record for one
// agent kind.
type AgentStatusRecord struct {
	AgentKind     AgentKind `json:"agent_kind"`
	Healthy       bool      `json:"healthy"`
	InFlight      int       `json:"in_flight"`
	Succeeded     int64     `json:"succeeded"`
	Failed        int64     `json:"failed"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Task is one unit of queued stage work. Stage tasks are routed by lane
// and may be delivered more than once; handlers must be idempotent with
// respect to RunID plus Attempt.
type Task struct {
	TaskID  string   `json:"task_id"`
	RunID   string   `json:"run_id"`
	Stage   RunStage `json:"stage"`
	Attempt int      `json:"attempt"`
	// InputRef points at the previous stage's artifact, empty for crawl.
	InputRef string `json:"input_ref,omitempty"`
}

// StageFailure describes why a stage attempt did not produce an artifact.
type StageFailure struct {
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

// StageOutcome is the value a stage handler always reports back to the
// coordinator; handlers never raise across the queue boundary.
type StageOutcome struct {
	Stage       RunStage      `json:"stage"`
	Attempt     int           `json:"attempt"`
	ArtifactRef string        `json:"artifact_ref,omitempty"`
	Failure     *StageFailure `json:"failure,omitempty"`
	// Warning carries a degraded-service note that should be annotated on
	// the run without failing the stage.
	Warning string `json:"warning,omitempty"`
}

// Success builds a successful outcome carrying the produced artifact ref.
func Success(stage RunStage, attempt int, artifactRef string) StageOutcome {
	return StageOutcome{Stage: stage, Attempt: attempt, ArtifactRef: artifactRef}
}

// Failure builds a failed outcome with the retryable flag set by the
// handler's failure taxonomy.
func Failure(stage RunStage, attempt int, reason string, retryable bool) StageOutcome {
	return StageOutcome{
		Stage:   stage,
		Attempt: attempt,
		Failure: &StageFailure{Reason: reason, Retryable: retryable},
	}
}

// Listing is the final structured property schema.
type Listing struct {
	Address  Address   `json:"address"`
	Property GeoPoint  `json:"property"`
	Details  Details   `json:"listing"`
	Features []Feature `json:"features"`
	Files    []string  `json:"files"`
	Contact  Contact   `json:"contact"`
}

// Address locates the listed property.
type Address struct {
	Country  string `json:"country"`
	Region   string `json:"region"`
	City     string `json:"city"`
	District string `json:"district"`
}

// GeoPoint carries optional coordinates.
type GeoPoint struct {
	Lat string `json:"lat,omitempty"`
	Lng string `json:"lng,omitempty"`
}

// Details holds the listing text and pricing fields.
type Details struct {
	Title       string `json:"listing_title"`
	Description string `json:"description"`
	Price       string `json:"price"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	ListingType string `json:"listing_type"`
	Category    string `json:"category"`
}

// Feature is one amenity/attribute pair.
type Feature struct {
	Feature string `json:"feature"`
	Value   string `json:"value"`
}

// Contact identifies the listing agent.
type Contact struct {
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email_address,omitempty"`
	Company     string `json:"company,omitempty"`
}
