// Package main hosts the auditd entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes start, stop and status for audit units plus /healthz, /readyz and
//     /metrics. Callers are identified by a bearer JWT or, with auth disabled, the X-Owner-ID header.
//   - Orchestrator: internal/orchestrator owns every unit status write. Each write is conditional on the status
//     the caller read, so a user stop racing a worker report resolves to exactly one winner.
//   - Work queue: Redis (internal/queue/redis) in production, an in-process queue for local runs. One live task
//     per unit, visibility timeouts for redelivery after a crash, cancel flags for running tasks.
//   - Workers: internal/worker claims tasks, runs the crawl (colly) or analyze stage, heartbeats the claim and
//     polls the cancel flag. Stage results are archived to GCS, a local directory or memory.
//   - Notifications: lifecycle events are batched by internal/progress and fanned out to the log, Prometheus and
//     Pub/Sub.
//
// Quick checklist:
//   - Configure env vars: AUDIT_QUEUE_BACKEND=redis with AUDIT_REDIS_ADDR, AUDIT_DATABASE_DSN for Postgres,
//     AUDIT_AUTH_ENABLED and AUDIT_AUTH_SECRET, AUDIT_STORAGE_BACKEND with its bucket or directory, and
//     AUDIT_PUBSUB_PROJECT_ID for notifications. PORT overrides server.port.
//   - Run locally: go run ./cmd/auditd serve --config config.yaml
//   - Apply the schema once per database: auditd migrate
//   - Seed a unit and mint a token for its owner: auditd seed --id u1 --owner o1 --config-json '{"urls":["https://example.com"]}',
//     then auditd token --owner o1
//   - Tracing: set AUDIT_TELEMETRY_PROJECT_ID to export spans to Cloud Trace.
package main
