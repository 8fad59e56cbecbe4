// Package snapshot manages point-in-time snapshot lifecycle.
//
// A snapshot record moves Pending -> Ready or Pending -> Failed and
// is immutable once Ready. Readiness is never inferred from the
// backend create call returning: some backends materialize snapshots
// asynchronously, so Sync issues the create on its first visit and
// then polls SnapshotStatus until the backend explicitly confirms
// Ready or Failed.
//
// Cloning is handled by the provisioning engine; this package only
// guards the source side. Each in-flight clone holds a reference in
// Snapshot.ActiveClones, and Delete refuses with ErrSnapshotInUse
// until the count drains to zero.
package snapshot
