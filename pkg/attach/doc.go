// Package attach coordinates which node each volume is attached to.
//
// Every (volume, node) pair is an Attachment record with a desired
// and an actual state. Callers only ever set the desired state, via
// RequestAttach and RequestDetach; the reconciler then calls Sync
// repeatedly until the actual state converges:
//
//	Detached --attach--> Attaching --ok--> Attached
//	Attached --detach--> Detaching --ok--> Detached
//
// A failed step rolls back to the prior stable state and counts an
// attempt. Retryable failures within the attempt budget surface to
// the reconciler for backoff; exceeding the budget, or any permanent
// failure, parks the attachment in Failed until an operator
// re-requests it.
//
// # Single-writer arbitration
//
// A single-writer volume admits at most one non-detached attachment.
// The invariant is enforced twice. RequestAttach rejects an obvious
// second writer synchronously with ErrConflict. For races that slip
// past that check, Sync claims Volume.WriterNode under the store's
// compare-and-swap before issuing the backend attach; of two racing
// attaches exactly one CAS wins and the loser parks in Failed with a
// conflict reason. The writer claim is released when the node
// detaches or its attach rolls back to Detached.
package attach
