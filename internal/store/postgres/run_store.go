// Package postgres provides the Postgres-backed run store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/boingo-ai/property-pipeline/internal/pipeline"
)

// Config controls the Postgres connection pool used by the run store.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// RunStore persists runs, stage artifacts, and results in Postgres.
// Run updates use optimistic versioning: the UPDATE is guarded by the
// caller's version and bumps it, so a stale writer loses the race.
type RunStore struct {
	pool dbPool
}

// NewRunStore connects a pool using the provided config.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: pool}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewRunStoreWithPool(pool dbPool) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	s.pool.Close()
}

// CreateRun inserts a run at version 1.
func (s *RunStore) CreateRun(ctx context.Context, run pipeline.Run) error {
	target, err := json.Marshal(run.Target)
	if err != nil {
		return fmt.Errorf("marshal target: %w", err)
	}
	attempts, err := json.Marshal(run.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	warnings, err := json.Marshal(run.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	const query = `
		INSERT INTO runs (run_id, target_id, target, stage, attempts, last_error, warnings, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)
	`
	if _, err := s.pool.Exec(ctx, query,
		run.RunID,
		run.TargetID,
		target,
		string(run.Stage),
		attempts,
		run.LastError,
		warnings,
		run.CreatedAt,
		run.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun writes the run guarded by its version; zero rows affected
// means another writer advanced it first.
func (s *RunStore) UpdateRun(ctx context.Context, run pipeline.Run) error {
	attempts, err := json.Marshal(run.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	warnings, err := json.Marshal(run.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	const query = `
		UPDATE runs
		SET stage = $1, attempts = $2, last_error = $3, warnings = $4, version = version + 1, updated_at = $5
		WHERE run_id = $6 AND version = $7
	`
	tag, err := s.pool.Exec(ctx, query,
		string(run.Stage),
		attempts,
		run.LastError,
		warnings,
		run.UpdatedAt,
		run.RunID,
		run.Version,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrVersionConflict
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (pipeline.Run, error) {
	const query = `
		SELECT run_id, target_id, target, stage, attempts, last_error, warnings, version, created_at, updated_at
		FROM runs WHERE run_id = $1
	`
	return s.scanRun(s.pool.QueryRow(ctx, query, runID))
}

// ListRuns returns runs in the given stage; empty stage lists all.
func (s *RunStore) ListRuns(ctx context.Context, stage pipeline.RunStage) ([]pipeline.Run, error) {
	const base = `
		SELECT run_id, target_id, target, stage, attempts, last_error, warnings, version, created_at, updated_at
		FROM runs
	`
	var (
		rows pgx.Rows
		err  error
	)
	if stage == "" {
		rows, err = s.pool.Query(ctx, base)
	} else {
		rows, err = s.pool.Query(ctx, base+` WHERE stage = $1`, string(stage))
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Run
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *RunStore) scanRun(row rowScanner) (pipeline.Run, error) {
	var (
		run      pipeline.Run
		target   []byte
		stage    string
		attempts []byte
		warnings []byte
	)
	err := row.Scan(
		&run.RunID,
		&run.TargetID,
		&target,
		&stage,
		&attempts,
		&run.LastError,
		&warnings,
		&run.Version,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.Run{}, pipeline.ErrRunNotFound
		}
		return pipeline.Run{}, fmt.Errorf("scan run: %w", err)
	}
	run.Stage = pipeline.RunStage(stage)
	if len(target) > 0 {
		if err := json.Unmarshal(target, &run.Target); err != nil {
			return pipeline.Run{}, fmt.Errorf("unmarshal target: %w", err)
		}
	}
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &run.Attempts); err != nil {
			return pipeline.Run{}, fmt.Errorf("unmarshal attempts: %w", err)
		}
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &run.Warnings); err != nil {
			return pipeline.Run{}, fmt.Errorf("unmarshal warnings: %w", err)
		}
	}
	return run, nil
}

// RecordCapture appends a raw capture row.
func (s *RunStore) RecordCapture(ctx context.Context, capture pipeline.RawCapture) error {
	const query = `
		INSERT INTO raw_captures (run_id, attempt, fetched_at, payload_ref, size, status_code, used_headless)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := s.pool.Exec(ctx, query,
		capture.RunID,
		capture.Attempt,
		capture.FetchedAt,
		capture.PayloadRef,
		capture.Size,
		capture.StatusCode,
		capture.UsedHeadless,
	); err != nil {
		return fmt.Errorf("insert raw capture: %w", err)
	}
	return nil
}

// LatestCapture selects the most recent successful capture for a run.
func (s *RunStore) LatestCapture(ctx context.Context, runID string) (pipeline.RawCapture, error) {
	const query = `
		SELECT run_id, attempt, fetched_at, payload_ref, size, status_code, used_headless
		FROM raw_captures WHERE run_id = $1
		ORDER BY attempt DESC LIMIT 1
	`
	var c pipeline.RawCapture
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&c.RunID, &c.Attempt, &c.FetchedAt, &c.PayloadRef, &c.Size, &c.StatusCode, &c.UsedHeadless,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.RawCapture{}, pipeline.ErrArtifactNotFound
		}
		return pipeline.RawCapture{}, fmt.Errorf("select latest capture: %w", err)
	}
	return c, nil
}

// RecordCleaned appends a cleaned artifact row.
func (s *RunStore) RecordCleaned(ctx context.Context, artifact pipeline.CleanedArtifact) error {
	const query = `
		INSERT INTO cleaned_artifacts (run_id, attempt, payload_ref, extraction_confidence)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.pool.Exec(ctx, query,
		artifact.RunID,
		artifact.Attempt,
		artifact.PayloadRef,
		artifact.ExtractionConfidence,
	); err != nil {
		return fmt.Errorf("insert cleaned artifact: %w", err)
	}
	return nil
}

// LatestCleaned selects the most recent cleaned artifact for a run.
func (s *RunStore) LatestCleaned(ctx context.Context, runID string) (pipeline.CleanedArtifact, error) {
	const query = `
		SELECT run_id, attempt, payload_ref, extraction_confidence
		FROM cleaned_artifacts WHERE run_id = $1
		ORDER BY attempt DESC LIMIT 1
	`
	var a pipeline.CleanedArtifact
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&a.RunID, &a.Attempt, &a.PayloadRef, &a.ExtractionConfidence,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.CleanedArtifact{}, pipeline.ErrArtifactNotFound
		}
		return pipeline.CleanedArtifact{}, fmt.Errorf("select latest cleaned artifact: %w", err)
	}
	return a, nil
}

// CreateResult inserts the terminal result row; a duplicate run_id
// violates the unique constraint and surfaces as an error.
func (s *RunStore) CreateResult(ctx context.Context, result pipeline.Result) error {
	payload, err := json.Marshal(result.StructuredPayload)
	if err != nil {
		return fmt.Errorf("marshal structured payload: %w", err)
	}
	const query = `
		INSERT INTO results (result_id, target_id, run_id, structured_payload, finalized_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.pool.Exec(ctx, query,
		result.ResultID,
		result.TargetID,
		result.RunID,
		payload,
		result.FinalizedAt,
	); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// GetResult fetches the result for a run.
func (s *RunStore) GetResult(ctx context.Context, runID string) (pipeline.Result, error) {
	const query = `
		SELECT result_id, target_id, run_id, structured_payload, finalized_at
		FROM results WHERE run_id = $1
	`
	var (
		result  pipeline.Result
		payload []byte
	)
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&result.ResultID, &result.TargetID, &result.RunID, &payload, &result.FinalizedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.Result{}, pipeline.ErrResultNotFound
		}
		return pipeline.Result{}, fmt.Errorf("select result: %w", err)
	}
	if err := json.Unmarshal(payload, &result.StructuredPayload); err != nil {
		return pipeline.Result{}, fmt.Errorf("unmarshal structured payload: %w", err)
	}
	return result, nil
}
