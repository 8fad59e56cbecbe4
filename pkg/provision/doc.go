// Package provision matches claims to storage classes and drives
// volume creation and deletion through backend adapters.
//
// The central property is idempotency under crash and retry. The
// volume ID and the backend idempotency token are both derived from
// the claim ID, so no matter where a previous attempt died (before
// the backend call, after the backend call but before the record
// write, after the record write but before the claim update) the next
// invocation converges on the same single volume:
//
//	claim pending ──> resolve class ──> backend create (token)
//	      ──> volume record Bound ──> claim Bound
//
// Failure handling splits three ways. Retryable backend failures
// leave the claim Pending and bubble up for backoff. Validation and
// permanent backend failures mark the claim Failed with a reason.
// Wait conditions, a clone source snapshot that is not Ready yet or a
// release blocked by a live attachment, are returned unchanged so the
// reconciler revisits later without burning a retry attempt.
//
// Release is gated on every attachment of the volume being detached
// and leaves a Deleted tombstone behind; Purge sweeps tombstones
// after a grace period so late status queries still resolve.
//
// Clones take a reference on their source snapshot for the duration
// of the backend create. Snapshot deletion observes that reference
// count and refuses while it is nonzero.
package provision
