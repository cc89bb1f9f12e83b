// Package main hosts the pipeline service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, target submission, run inspection, cancellation, and
//     agent status endpoints. Submissions are validated, normalized into pipeline.Target, and admitted through the
//     coordinator, which persists the run before enqueueing the first stage task.
//   - Coordinator & fabric: the coordinator owns every run transition. Stage tasks flow through named lanes on an
//     in-memory fabric with at-least-once delivery; a dequeued task that is never acked becomes visible again after
//     the visibility timeout. All stage outcomes funnel back through ReportStageResult, which dedupes redeliveries
//     by stage and attempt before advancing, retrying with jittered backoff, or failing the run.
//   - Stage handlers: crawl performs a Colly probe fetch with optional promotion to a headless Chromedp render,
//     clean extracts a listing draft from the captured HTML via the chat-completions text service, and format
//     validates, normalizes, and finalizes the result, pushing it upstream when a Boingo client is configured.
//   - Persistence & fanout: runs and artifacts live in the in-memory store or Postgres when a DSN is set; raw and
//     cleaned payloads go to the configured blob store (memory/local/GCS). Run completion events fan out to Pub/Sub
//     and the upstream status endpoint when configured.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler. The agent status registry tracks
//     per-lane liveness and failure rates and annotates runs admitted while a lane is degraded.
//
// Operational notes:
//   - Concurrency model: a fixed worker pool per lane sized by pipeline.workers_per_lane; headless fetches have
//     their own semaphore inside the Chromedp fetcher. Shutdown is coordinated via context cancellation propagated
//     from main through the dispatcher to workers.
//   - Timeouts: each stage bounds its handler invocation, and the coordinator's sweeper independently fails runs
//     whose stage deadline has lapsed, so a crashed worker cannot strand a run.
//   - Observability: zap logs carry run IDs and stages at key transitions; Prometheus counters/histograms track run
//     admissions, stage attempts, retries, and lane depths. Tracing is not yet wired in.
//
// Quick checklist:
//   - Configure env vars: PIPELINE_SERVER_PORT, PIPELINE_PIPELINE_WORKERS_PER_LANE, PIPELINE_CRAWL_HEADLESS_ENABLED,
//     storage (PIPELINE_STORAGE_*), pubsub, text service credentials (PIPELINE_TEXT_*), Boingo credentials
//     (PIPELINE_BOINGO_*), and the database DSN when persistence beyond memory is required.
//   - Run locally: go run ./cmd/pipelined -config config.yaml (or rely solely on env overrides).
package main
