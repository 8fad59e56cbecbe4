// Package backend defines the adapter boundary between the controller
// and actual storage systems.
//
// The controller never talks to storage directly. Every create,
// delete, attach, detach, and snapshot operation goes through the
// Adapter interface, and storage classes select which registered
// adapter serves them by name:
//
//	StorageClass.Backend ──> Registry.Get(name) ──> Adapter
//
// # Idempotency
//
// Every mutating call is keyed by an idempotency token or a handle.
// Adapters must treat a repeated call with the same token as the same
// request: a retried CreateVolume returns the volume made by the first
// attempt, a retried Detach of an already detached pair succeeds. The
// controller leans on this whenever a call times out, because a
// timeout says nothing about whether the backend finished the work.
//
// # Asynchronous snapshots
//
// CreateSnapshot returning is not the same as the snapshot being
// usable. Backends may materialize snapshots in the background, so
// readiness is a separate observation through SnapshotStatus and the
// controller polls until the state settles at Ready or Failed.
//
// # Implementations
//
// LocalDir stores volumes as directories under a base path, with
// snapshots as recursive copies and attachments as marker files. It
// is synchronous and suited to single node use. Fake is the in-memory
// test double with injectable failures and manually driven snapshot
// readiness. Metered wraps any adapter with Prometheus operation
// metrics.
package backend
