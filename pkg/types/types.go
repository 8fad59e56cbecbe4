package types

import (
	"fmt"
	"math"
	"time"
)

// StorageClass is a named policy bundle governing how volumes of that
// class are provisioned. Classes are loaded at startup (or via apply)
// and are read-only to the controller afterwards.
type StorageClass struct {
	ID                string
	Media             MediaType
	ReplicationFactor int
	Encrypted         bool
	Backend           string // adapter name in the backend registry
	MinBytes          int64  // 0 = no lower bound
	MaxBytes          int64  // 0 = no upper bound
	Default           bool
	Parameters        map[string]string // adapter-specific options
}

// MediaType describes the storage media a class provisions on
type MediaType string

const (
	MediaSSD  MediaType = "ssd"
	MediaHDD  MediaType = "hdd"
	MediaNVMe MediaType = "nvme"
)

// AccessMode constrains how many nodes may attach a volume concurrently
type AccessMode string

const (
	// AccessSingleWriter allows at most one non-detached attachment
	AccessSingleWriter AccessMode = "single-writer"

	// AccessMultiReader allows many concurrent read-only attachments
	AccessMultiReader AccessMode = "multi-reader"
)

// Claim is a request for a volume with a desired capacity and class.
// A Claim references at most one Volume and a Volume satisfies at most
// one Claim (binding is 1:1).
type Claim struct {
	ID               string
	Name             string
	ClassID          string // empty = cluster default class
	CapacityBytes    int64
	AccessMode       AccessMode
	SourceSnapshotID string // non-empty = clone from snapshot
	Phase            ClaimPhase
	VolumeID         string
	Version          int64
	Reason           string // populated when Phase is Failed
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ClaimPhase represents the lifecycle phase of a claim
type ClaimPhase string

const (
	ClaimPending  ClaimPhase = "pending"
	ClaimBound    ClaimPhase = "bound"
	ClaimReleased ClaimPhase = "released"
	ClaimFailed   ClaimPhase = "failed"
)

// Volume is a unit of persistent storage capacity, independent of any
// particular consumer. Volume records are owned by the state store and
// mutated only through the provisioning engine, attachment coordinator,
// and snapshot manager.
type Volume struct {
	ID             string
	ClaimID        string
	ClassID        string
	RequestedBytes int64
	CapacityBytes  int64 // actual provisioned capacity, >= RequestedBytes
	AccessMode     AccessMode
	Phase          VolumePhase
	Handle         string // opaque backend handle
	Source         *SnapshotRef
	WriterNode     string // single-writer arbitration, set via CAS
	WrappedKey     []byte // data key wrapped by the cluster KEK, encrypted classes only
	Version        int64
	Reason         string
	CreatedAt      time.Time
	DeletedAt      time.Time
}

// SnapshotRef records the snapshot a volume was cloned from
type SnapshotRef struct {
	SnapshotID string
	Handle     string
}

// VolumePhase represents the lifecycle phase of a volume
type VolumePhase string

const (
	VolumePending      VolumePhase = "pending"
	VolumeProvisioning VolumePhase = "provisioning"
	VolumeBound        VolumePhase = "bound"
	VolumeReleasing    VolumePhase = "releasing"
	VolumeDeleted      VolumePhase = "deleted"
	VolumeFailed       VolumePhase = "failed"
)

// Attachment is the binding of a Volume to a compute node for active
// use. DesiredState is set by the caller, ActualState is driven toward
// it by the attachment coordinator.
type Attachment struct {
	ID           string // VolumeID "@" NodeID
	VolumeID     string
	NodeID       string
	DesiredState AttachmentState
	ActualState  AttachmentState
	Attempts     int
	Version      int64
	Reason       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AttachmentState represents the attach state machine position
type AttachmentState string

const (
	AttachmentDetached  AttachmentState = "detached"
	AttachmentAttaching AttachmentState = "attaching"
	AttachmentAttached  AttachmentState = "attached"
	AttachmentDetaching AttachmentState = "detaching"
	AttachmentFailed    AttachmentState = "failed"
)

// AttachmentID builds the composite store key for a (volume, node) pair
func AttachmentID(volumeID, nodeID string) string {
	return volumeID + "@" + nodeID
}

// Detached reports whether the attachment holds no backend resources.
// A nil attachment counts as detached.
func (a *Attachment) Detached() bool {
	return a == nil || a.ActualState == AttachmentDetached
}

// Snapshot is an immutable point-in-time copy of a volume's data,
// usable as a clone source. A snapshot becomes Ready only after the
// backend explicitly confirms it, not merely after the create call
// returns (some backends snapshot asynchronously).
type Snapshot struct {
	ID           string
	VolumeID     string
	ClassID      string // routes backend lookups after the source volume is gone
	SourceHandle string // backend handle of the source volume
	Handle       string // backend snapshot handle, set once issued
	State        SnapshotState
	ActiveClones int // in-flight clone operations referencing this snapshot
	Version      int64
	Reason       string
	CreatedAt    time.Time
	ReadyAt      time.Time
}

// SnapshotState represents snapshot readiness
type SnapshotState string

const (
	SnapshotPending SnapshotState = "pending"
	SnapshotReady   SnapshotState = "ready"
	SnapshotFailed  SnapshotState = "failed"

	// SnapshotDeleting marks a snapshot claimed for deletion; clones
	// can no longer take references on it.
	SnapshotDeleting SnapshotState = "deleting"
)

// Event represents a controller event (for streaming and the reconciler
// work feed)
type Event struct {
	Type         string
	Timestamp    time.Time
	ClaimID      string
	VolumeID     string
	SnapshotID   string
	AttachmentID string
	Message      string
}

// capacity units, powers of two per convention
const (
	Kibibyte int64 = 1024
	Mebibyte       = 1024 * Kibibyte
	Gibibyte       = 1024 * Mebibyte
	Tebibyte       = 1024 * Gibibyte
)

// ParseCapacity parses a capacity string like "10Gi", "512Mi" or a bare
// byte count into bytes.
func ParseCapacity(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty capacity")
	}

	multiplier := int64(1)
	digits := s
	switch {
	case len(s) > 2 && s[len(s)-2:] == "Ki":
		multiplier, digits = Kibibyte, s[:len(s)-2]
	case len(s) > 2 && s[len(s)-2:] == "Mi":
		multiplier, digits = Mebibyte, s[:len(s)-2]
	case len(s) > 2 && s[len(s)-2:] == "Gi":
		multiplier, digits = Gibibyte, s[:len(s)-2]
	case len(s) > 2 && s[len(s)-2:] == "Ti":
		multiplier, digits = Tebibyte, s[:len(s)-2]
	}

	var n int64
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid capacity %q", s)
		}
		if n > (math.MaxInt64-int64(c-'0'))/10 {
			return 0, fmt.Errorf("capacity %q overflows", s)
		}
		n = n*10 + int64(c-'0')
	}
	if n == 0 {
		return 0, fmt.Errorf("capacity must be positive: %q", s)
	}
	if n > math.MaxInt64/multiplier {
		return 0, fmt.Errorf("capacity %q overflows", s)
	}
	return n * multiplier, nil
}

// FormatCapacity renders bytes using the largest exact power-of-two
// unit, falling back to a byte count.
func FormatCapacity(bytes int64) string {
	switch {
	case bytes >= Tebibyte && bytes%Tebibyte == 0:
		return fmt.Sprintf("%dTi", bytes/Tebibyte)
	case bytes >= Gibibyte && bytes%Gibibyte == 0:
		return fmt.Sprintf("%dGi", bytes/Gibibyte)
	case bytes >= Mebibyte && bytes%Mebibyte == 0:
		return fmt.Sprintf("%dMi", bytes/Mebibyte)
	case bytes >= Kibibyte && bytes%Kibibyte == 0:
		return fmt.Sprintf("%dKi", bytes/Kibibyte)
	default:
		return fmt.Sprintf("%d", bytes)
	}
}
