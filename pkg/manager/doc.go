/*
Package manager implements the quarry controller node with Raft consensus.

The manager is the control plane of quarry. It owns the state store,
replicates every mutation through the Raft log, and hosts the engines
that converge claims, volumes, snapshots, and attachments toward their
desired state. Controllers form a 1-7 node quorum; only the leader
dispatches reconciliation, followers replicate state and stand by for
failover.

# Architecture

	┌────────────────────── CONTROLLER NODE ──────────────────────┐
	│                                                             │
	│  ┌─────────────────────────────────────────────┐            │
	│  │          HTTP API Server (pkg/api)          │            │
	│  └──────────────────┬──────────────────────────┘            │
	│                     │                                       │
	│  ┌──────────────────▼──────────────────────────┐            │
	│  │               Manager                       │            │
	│  │  - validates and stores requests            │            │
	│  │  - proposes Raft commands                   │            │
	│  │  - hosts provisioner, attacher, snapshots   │            │
	│  │  - runs the reconciliation loop             │            │
	│  └──────────────────┬──────────────────────────┘            │
	│                     │                                       │
	│  ┌──────────────────▼──────────────────────────┐            │
	│  │          Raft Consensus Layer               │            │
	│  │  - leader election (2-3s failover)          │            │
	│  │  - log replication across controllers       │            │
	│  └──────────────────┬──────────────────────────┘            │
	│                     │                                       │
	│  ┌──────────────────▼──────────────────────────┐            │
	│  │        FSM over the BoltDB store            │            │
	│  │  - Apply(): committed CAS commands          │            │
	│  │  - Snapshot()/Restore(): log compaction     │            │
	│  └─────────────────────────────────────────────┘            │
	│                                                             │
	└─────────────────────────────────────────────────────────────┘

# Command flow

Mutations never touch the local store directly. The raftStore adapter
marshals each create, CAS update, or delete into a Command, proposes it
through the log, and the FSM applies the committed entry on every node.
Because the store's version checks run inside the FSM, a CAS that loses
a race fails identically across the cluster and the caller sees
ErrVersionConflict, exactly as it would against a plain local store.

A manager built without Bootstrap or Join runs standalone: Apply
bypasses Raft and dispatches commands straight to the FSM. Tests and
single-node deployments use this mode; the engines cannot tell the
difference.

# Joining

Join tokens are generated on the leader and validated when a new node
posts a join request through the API. A valid token turns into an
AddVoter call, after which the new node catches up from the leader's
log and snapshots.
*/
package manager
