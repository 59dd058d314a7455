// Package main hosts the skyhive pipeline entrypoint.
//
// Architecture overview:
//   - CLI: cmd wires Cobra subcommands. 'run' hosts the full pipeline; 'seed'
//     inserts starting handles or DIDs into the shared frontier.
//   - Frontier: a status-driven work queue (memory or Postgres via pgx) holds
//     one row per Bluesky account. Workers claim batches under short leases,
//     and version-checked completion keeps concurrent claimers from clobbering
//     each other. An orchestrator sweep returns expired leases to the pool.
//   - Browser & session: a single Chromedp browser (headful by default) carries
//     the signed-in session for every stage. The authenticator never touches
//     credentials; it watches the notifications feed while the operator logs in
//     by hand, and the session manager heartbeats that probe afterwards. Auth
//     loss halts the pipeline after a bounded number of re-login attempts.
//   - Stages: profile moves entities discovered -> profiled, content moves
//     profiled -> content_collected, and discovery walks the follow graphs of
//     fully collected entities to feed new accounts back into the frontier.
//     Collectors never parse the DOM; they capture the site's own XHR payloads
//     through network interception and record them verbatim.
//   - Persistence & fanout: captured pages are appended as newline-delimited
//     JSON under the staging root before the frontier advances, so a crash can
//     only re-fetch, never lose. Stage completions optionally fan out to GCP
//     Pub/Sub. Progress events batch through a hub into zap logs and
//     Prometheus counters.
//   - Configuration & plumbing: Viper populates config from file and SKYHIVE_
//     env vars; zap provides structured logging; the chi HTTP server exposes
//     /healthz, /readyz, /metrics, and a small /v1 surface for status, seeding,
//     and lease sweeps.
//
// Operational notes:
//   - Concurrency model: per-stage worker pools bounded by a global weighted
//     semaphore, so the browser is never asked for more tabs than configured.
//     Shutdown is coordinated by context cancellation from the signal handler
//     down through the orchestrator to every worker.
//   - Politeness: one account, one browser, bounded in-flight claims. The
//     pipeline deliberately looks like a single busy user, not a fleet.
//   - Resume: the content stage consults the staging files for the last
//     recorded cursor and skips captured pages it has already written.
//
// Quick start:
//   - skyhive seed alice.bsky.social (postgres backend), or POST /v1/entities
//     against a running service.
//   - skyhive run --config skyhive.yaml, sign in when the browser opens, and
//     watch /v1/status. Env overrides use the SKYHIVE_ prefix, e.g.
//     SKYHIVE_FRONTIER_BACKEND=postgres.
package main
