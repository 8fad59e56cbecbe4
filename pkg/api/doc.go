/*
Package api exposes the controller over HTTP JSON.

The server is a thin translation layer: handlers decode wire requests,
call the manager, and map the error taxonomy onto HTTP status codes.
No storage or reconciliation logic lives here.

# Surface

	POST   /v1/claims                     create a claim
	GET    /v1/claims[/{id}]              inspect claims
	DELETE /v1/claims/{id}                release a claim
	GET    /v1/volumes[/{id}]             inspect volumes
	GET    /v1/volumes/{id}/attachments   attachments of one volume
	POST   /v1/snapshots                  request a snapshot
	GET    /v1/snapshots[/{id}]           inspect snapshots
	DELETE /v1/snapshots/{id}             delete a snapshot
	POST   /v1/attachments                request an attach
	POST   /v1/attachments/detach         request a detach
	GET    /v1/attachments[/{id}]         inspect attachments
	POST   /v1/classes                    store a storage class
	GET    /v1/classes[/{id}]             inspect storage classes
	GET    /v1/cluster                    raft membership and stats
	POST   /v1/cluster/join               join a new controller
	POST   /v1/cluster/tokens             mint a join token
	GET    /v1/events                     stream lifecycle events (ndjson)

Probes live at /healthz, /readyz, and /livez; Prometheus metrics at
/metrics.

# Error mapping

Not-found errors return 404, validation errors 400, and conflicts
(version races, a second writer on a single-writer volume, deleting a
snapshot with live clones) 409. The body is always {"error": "..."}.

# Local socket

StartUnix serves the same routes on a Unix socket with mutations
blocked, so local tooling can inspect state without credentials.
*/
package api
