// Package metrics exposes Prometheus instrumentation and component
// health for the controller.
//
// All metrics are registered at init under the quarry_ prefix. State
// gauges (volumes, claims, snapshots, attachments by phase) are
// sampled from the store by the Collector on a 15 second tick rather
// than updated inline, so a crashed update path can never leave a
// gauge stale forever. Reconcile, backend, API and raft metrics are
// recorded inline at their call sites.
//
// The health registry backs /healthz and /readyz. Liveness is always
// OK while the process runs; readiness requires every critical
// component (store, backends, reconciler) to have reported healthy.
package metrics
