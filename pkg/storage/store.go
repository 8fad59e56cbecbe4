package storage

import (
	"github.com/quarry-sh/quarry/pkg/types"
)

// Store defines the interface for controller state storage. It is the
// single source of truth for volume, claim, snapshot, and attachment
// records; no other component caches mutable state across calls.
//
// Every record carries a monotonic Version. Create stores the record at
// version 0 and fails ErrAlreadyExists on ID collision. Update is a
// compare-and-swap: the record's Version must match the stored version
// or ErrVersionConflict is returned; on success the version is bumped
// both in the store and in the caller's record. Blind overwrites are
// not possible through this interface.
type Store interface {
	// Volumes
	CreateVolume(volume *types.Volume) error
	GetVolume(id string) (*types.Volume, error)
	ListVolumes() ([]*types.Volume, error)
	UpdateVolume(volume *types.Volume) error
	DeleteVolume(id string) error

	// Claims
	CreateClaim(claim *types.Claim) error
	GetClaim(id string) (*types.Claim, error)
	ListClaims() ([]*types.Claim, error)
	UpdateClaim(claim *types.Claim) error
	DeleteClaim(id string) error

	// Snapshots
	CreateSnapshot(snapshot *types.Snapshot) error
	GetSnapshot(id string) (*types.Snapshot, error)
	ListSnapshots() ([]*types.Snapshot, error)
	ListSnapshotsByVolume(volumeID string) ([]*types.Snapshot, error)
	UpdateSnapshot(snapshot *types.Snapshot) error
	DeleteSnapshot(id string) error

	// Attachments
	CreateAttachment(att *types.Attachment) error
	GetAttachment(id string) (*types.Attachment, error)
	ListAttachments() ([]*types.Attachment, error)
	ListAttachmentsByVolume(volumeID string) ([]*types.Attachment, error)
	UpdateAttachment(att *types.Attachment) error
	DeleteAttachment(id string) error

	// Storage classes (read-only policy, loaded at startup or via apply)
	PutClass(class *types.StorageClass) error
	GetClass(id string) (*types.StorageClass, error)
	ListClasses() ([]*types.StorageClass, error)

	// Utility
	Close() error
}
