/*
Package storage provides BoltDB-backed state persistence for Quarry's
controller records.

The storage package implements the Store interface using BoltDB as the
underlying database, holding volumes, claims, snapshots, attachments,
and storage classes. All data is serialized as JSON and stored in
separate buckets. The store is the single source of truth: components
never cache mutable state across calls.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │            BoltStore                       │           │
	│  │  - File: <dataDir>/quarry.db               │           │
	│  │  - Transactions: ACID with fsync           │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │              Bucket Structure              │           │
	│  │  ┌──────────────────────────────┐          │           │
	│  │  │ volumes      (Volume ID)     │          │           │
	│  │  │ claims       (Claim ID)      │          │           │
	│  │  │ snapshots    (Snapshot ID)   │          │           │
	│  │  │ attachments  (volume@node)   │          │           │
	│  │  │ classes      (Class ID)      │          │           │
	│  │  └──────────────────────────────┘          │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │      Optimistic Concurrency                │           │
	│  │  - Every record carries Version            │           │
	│  │  - Update = compare-and-swap on Version    │           │
	│  │  - Mismatch → ErrVersionConflict           │           │
	│  │  - Success bumps Version atomically        │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Version Discipline

Create stores a record at version 0 and fails ErrAlreadyExists on ID
collision. Update re-reads the stored record inside the write
transaction, compares versions, and either commits the new state with
the version incremented or returns ErrVersionConflict. Concurrent
updaters of the same record therefore serialize: exactly one wins each
round, the rest re-read and retry. Deletes are idempotent.

Storage classes are exempt from versioning; they are immutable policy
written once at startup (or via apply) and only read afterwards.

The Restore* methods bypass the discipline with verbatim puts; they
exist solely for raft snapshot restore and for cmd/quarry-migrate.

# Transaction Model

  - Read: db.View() - concurrent, consistent snapshots
  - Write: db.Update() - serialized, atomic commits with fsync
  - Filtered lists (by volume) scan and filter in memory; record counts
    in a controller are small enough that secondary indexes don't pay

# Integration Points

  - pkg/manager: the raft FSM applies committed commands here
  - pkg/provision, pkg/attach, pkg/snapshot: read-modify-write via CAS
  - pkg/reconciler: periodic rescans via the List methods
  - pkg/metrics: the collector samples record counts by phase

# See Also

  - pkg/types for record definitions
  - pkg/errdefs for ErrNotFound / ErrAlreadyExists / ErrVersionConflict
  - BoltDB documentation: https://github.com/etcd-io/bbolt
*/
package storage
