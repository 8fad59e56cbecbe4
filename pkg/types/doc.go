/*
Package types defines the core data structures used throughout Quarry.

This package contains all fundamental types that represent Quarry's domain
model: storage classes, claims, volumes, attachments, and snapshots. These
types are used by all other packages for state management, API communication,
and reconciliation logic.

# Core Types

Policy:
  - StorageClass: Named policy bundle (media, replication, encryption,
    backend adapter, capacity bounds) selected by claims
  - AccessMode: single-writer or multi-reader attachment constraint

Volume Lifecycle:
  - Claim: User request for storage with desired capacity and class
  - Volume: Provisioned unit of storage capacity with a backend handle
  - SnapshotRef: Link from a cloned volume back to its source snapshot

Attachment:
  - Attachment: (Volume, Node) pair with a desired/actual state machine
  - AttachmentState: detached, attaching, attached, detaching, failed

Snapshots:
  - Snapshot: Point-in-time copy with explicit backend-confirmed readiness
  - SnapshotState: pending, ready, failed

# State Machines

Claims:

	Pending → Bound → Released
	   ↓
	 Failed

Volumes:

	Pending → Provisioning → Bound → Releasing → Deleted
	                ↓
	              Failed

Attachments (per volume/node pair; failures roll back to the prior
stable state until attempts are exhausted):

	Detached → Attaching → Attached → Detaching → Detached
	              ↓                       ↓
	           Detached                Attached
	         (then Failed)           (then Failed)

# Versioning

Every persisted record carries a Version field, incremented by the state
store on each successful update. All mutation is read-modify-write under
compare-and-swap; see pkg/storage.

# Integration Points

This package integrates with:

  - pkg/storage: Persists all types to BoltDB with version discipline
  - pkg/provision: Drives Claim and Volume lifecycle
  - pkg/attach: Drives Attachment state transitions
  - pkg/snapshot: Drives Snapshot readiness and cloning
  - pkg/reconciler: Monitors phase fields to schedule work
  - pkg/api: Serializes types to JSON for the HTTP surface

# See Also

  - pkg/storage for the persistence contract
  - pkg/errdefs for the error taxonomy raised on invalid transitions
*/
package types
