// Package reconciler is the top-level control loop driving stored
// state toward desired state.
//
// Work arrives two ways: change events from the broker, and a
// periodic rescan of the whole store. The rescan makes the loop level
// triggered; a lost event only delays convergence, never prevents it.
// Items are deduplicated in the queue and fanned out to a pool of
// workers, with a per-entity exclusion token guaranteeing that two
// workers never act on the same entity at once while distinct
// entities proceed in parallel. No token is held across a backend
// call.
//
// Each dispatch routes to the owning component: claims to the
// provisioning engine, attachments to the coordinator, snapshots to
// the snapshot manager, releasing volumes to the engine's release
// path. The returned error picks one of five outcomes:
//
//	nil        converged, reset the entity's backoff curve
//	conflict   lost a CAS race, requeue immediately with fresh state
//	wait       blocked on other work, poll later, no attempt counted
//	retryable  back off exponentially; after the attempt budget the
//	           entity is marked Failed with the reason on its record
//	other      terminal, the component already surfaced the reason
//
// Failures surface on the entity's phase and reason fields, never by
// stopping the loop. Under raft, dispatch and rescan run only on the
// leader; follower queues drain without acting.
package reconciler
