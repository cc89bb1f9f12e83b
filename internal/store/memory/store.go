// Package memory provides an in-memory run store for development/testing.
package memory

import (
	"context"
	"sync"

	"github.com/boingo-ai/property-pipeline/internal/pipeline"
)

// RunStore keeps runs, artifacts, and results in process memory. Writes
// enforce the same optimistic versioning contract as the Postgres store
// so the coordinator behaves identically against either.
type RunStore struct {
	mu       sync.RWMutex
	runs     map[string]pipeline.Run
	captures map[string][]pipeline.RawCapture
	cleaned  map[string][]pipeline.CleanedArtifact
	results  map[string]pipeline.Result
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:     make(map[string]pipeline.Run),
		captures: make(map[string][]pipeline.RawCapture),
		cleaned:  make(map[string][]pipeline.CleanedArtifact),
		results:  make(map[string]pipeline.Result),
	}
}

// CreateRun stores a new run at version 1.
func (s *RunStore) CreateRun(_ context.Context, run pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.RunID]; exists {
		return pipeline.ErrVersionConflict
	}
	run.Version = 1
	s.runs[run.RunID] = run.Clone()
	return nil
}

// UpdateRun replaces the stored run if the caller holds the current
// version, then bumps it.
func (s *RunStore) UpdateRun(_ context.Context, run pipeline.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[run.RunID]
	if !ok {
		return pipeline.ErrRunNotFound
	}
	if cur.Version != run.Version {
		return pipeline.ErrVersionConflict
	}
	run.Version++
	s.runs[run.RunID] = run.Clone()
	return nil
}

// GetRun returns a snapshot of the run.
func (s *RunStore) GetRun(_ context.Context, runID string) (pipeline.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return pipeline.Run{}, pipeline.ErrRunNotFound
	}
	return run.Clone(), nil
}

// ListRuns returns all runs in the given stage; an empty stage lists
// everything.
func (s *RunStore) ListRuns(_ context.Context, stage pipeline.RunStage) ([]pipeline.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pipeline.Run
	for _, run := range s.runs {
		if stage == "" || run.Stage == stage {
			out = append(out, run.Clone())
		}
	}
	return out, nil
}

// RecordCapture appends a raw capture; prior attempts are kept, never
// mutated.
func (s *RunStore) RecordCapture(_ context.Context, capture pipeline.RawCapture) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures[capture.RunID] = append(s.captures[capture.RunID], capture)
	return nil
}

// LatestCapture returns the capture with the highest attempt number.
func (s *RunStore) LatestCapture(_ context.Context, runID string) (pipeline.RawCapture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	captures := s.captures[runID]
	if len(captures) == 0 {
		return pipeline.RawCapture{}, pipeline.ErrArtifactNotFound
	}
	latest := captures[0]
	for _, c := range captures[1:] {
		if c.Attempt >= latest.Attempt {
			latest = c
		}
	}
	return latest, nil
}

// RecordCleaned appends a cleaned artifact.
func (s *RunStore) RecordCleaned(_ context.Context, artifact pipeline.CleanedArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleaned[artifact.RunID] = append(s.cleaned[artifact.RunID], artifact)
	return nil
}

// LatestCleaned returns the cleaned artifact with the highest attempt.
func (s *RunStore) LatestCleaned(_ context.Context, runID string) (pipeline.CleanedArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifacts := s.cleaned[runID]
	if len(artifacts) == 0 {
		return pipeline.CleanedArtifact{}, pipeline.ErrArtifactNotFound
	}
	latest := artifacts[0]
	for _, a := range artifacts[1:] {
		if a.Attempt >= latest.Attempt {
			latest = a
		}
	}
	return latest, nil
}

// CreateResult stores the terminal result exactly once per run.
func (s *RunStore) CreateResult(_ context.Context, result pipeline.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[result.RunID]; exists {
		return pipeline.ErrVersionConflict
	}
	s.results[result.RunID] = result
	return nil
}

// GetResult fetches the result for a run.
func (s *RunStore) GetResult(_ context.Context, runID string) (pipeline.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[runID]
	if !ok {
		return pipeline.Result{}, pipeline.ErrResultNotFound
	}
	return result, nil
}
