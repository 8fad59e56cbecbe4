// Package v1 defines the wire types of the controller HTTP API. The
// stored types stay wire-agnostic; these structs pin the JSON field
// names the CLI and external callers depend on.
package v1

import (
	"time"
)

// CreateClaimRequest is the body of POST /v1/claims.
type CreateClaimRequest struct {
	Name             string `json:"name"`
	Class            string `json:"class,omitempty"`
	Capacity         string `json:"capacity"`
	AccessMode       string `json:"access_mode,omitempty"`
	SourceSnapshotID string `json:"source_snapshot,omitempty"`
}

// CreateSnapshotRequest is the body of POST /v1/snapshots.
type CreateSnapshotRequest struct {
	VolumeID string `json:"volume_id"`
}

// AttachRequest is the body of POST /v1/attachments.
type AttachRequest struct {
	VolumeID string `json:"volume_id"`
	NodeID   string `json:"node_id"`
}

// JoinRequest is the body of POST /v1/cluster/join.
type JoinRequest struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
	Token   string `json:"token"`
}

// TokenResponse is the body returned by POST /v1/cluster/tokens.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ClusterInfo describes the Raft cluster.
type ClusterInfo struct {
	Leader  string                 `json:"leader"`
	Servers []ClusterServer        `json:"servers"`
	Stats   map[string]interface{} `json:"stats,omitempty"`
}

// ClusterServer is one member of the Raft configuration.
type ClusterServer struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// ErrorResponse carries an API error message.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Claim is the wire form of a claim.
type Claim struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Class          string    `json:"class,omitempty"`
	Capacity       string    `json:"capacity"`
	AccessMode     string    `json:"access_mode"`
	SourceSnapshot string    `json:"source_snapshot,omitempty"`
	Phase          string    `json:"phase"`
	VolumeID       string    `json:"volume_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Volume is the wire form of a volume.
type Volume struct {
	ID         string    `json:"id"`
	ClaimID    string    `json:"claim_id"`
	Class      string    `json:"class"`
	Capacity   string    `json:"capacity"`
	AccessMode string    `json:"access_mode"`
	Phase      string    `json:"phase"`
	Handle     string    `json:"handle,omitempty"`
	Source     string    `json:"source_snapshot,omitempty"`
	WriterNode string    `json:"writer_node,omitempty"`
	Encrypted  bool      `json:"encrypted"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Snapshot is the wire form of a snapshot.
type Snapshot struct {
	ID           string     `json:"id"`
	VolumeID     string     `json:"volume_id"`
	State        string     `json:"state"`
	ActiveClones int        `json:"active_clones"`
	Reason       string     `json:"reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ReadyAt      *time.Time `json:"ready_at,omitempty"`
}

// Attachment is the wire form of an attachment.
type Attachment struct {
	ID           string `json:"id"`
	VolumeID     string `json:"volume_id"`
	NodeID       string `json:"node_id"`
	DesiredState string `json:"desired_state"`
	ActualState  string `json:"actual_state"`
	Attempts     int    `json:"attempts"`
	Reason       string `json:"reason,omitempty"`
}

// Class is the wire form of a storage class.
type Class struct {
	ID          string            `json:"id"`
	Media       string            `json:"media"`
	Replication int               `json:"replication"`
	Encrypted   bool              `json:"encrypted"`
	Backend     string            `json:"backend"`
	MinSize     string            `json:"min_size,omitempty"`
	MaxSize     string            `json:"max_size,omitempty"`
	Default     bool              `json:"default"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// Event is the wire form of a lifecycle event.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	EntityID  string    `json:"entity_id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}
