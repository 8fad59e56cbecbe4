package manager

import (
	"encoding/json"

	"github.com/quarry-sh/quarry/pkg/storage"
	"github.com/quarry-sh/quarry/pkg/types"
)

// raftStore implements storage.Store by routing every mutation through
// the Raft log while serving reads from the local store. The engines
// and the reconciler are written against storage.Store and do not know
// whether they run standalone or replicated.
//
// Version bookkeeping mirrors the local store: a successful CAS bumps
// the caller's record so the caller can keep mutating without a
// re-read, and a successful create leaves it at zero.
type raftStore struct {
	local   *storage.BoltStore
	propose func(Command) error
}

func newRaftStore(local *storage.BoltStore, propose func(Command) error) *raftStore {
	return &raftStore{
		local:   local,
		propose: propose,
	}
}

func (s *raftStore) submit(op string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.propose(Command{Op: op, Data: data})
}

// Volumes

func (s *raftStore) CreateVolume(volume *types.Volume) error {
	volume.Version = 0
	return s.submit("create_volume", volume)
}

func (s *raftStore) GetVolume(id string) (*types.Volume, error) {
	return s.local.GetVolume(id)
}

func (s *raftStore) ListVolumes() ([]*types.Volume, error) {
	return s.local.ListVolumes()
}

func (s *raftStore) UpdateVolume(volume *types.Volume) error {
	if err := s.submit("cas_volume", volume); err != nil {
		return err
	}
	volume.Version++
	return nil
}

func (s *raftStore) DeleteVolume(id string) error {
	return s.submit("delete_volume", id)
}

// Claims

func (s *raftStore) CreateClaim(claim *types.Claim) error {
	claim.Version = 0
	return s.submit("create_claim", claim)
}

func (s *raftStore) GetClaim(id string) (*types.Claim, error) {
	return s.local.GetClaim(id)
}

func (s *raftStore) ListClaims() ([]*types.Claim, error) {
	return s.local.ListClaims()
}

func (s *raftStore) UpdateClaim(claim *types.Claim) error {
	if err := s.submit("cas_claim", claim); err != nil {
		return err
	}
	claim.Version++
	return nil
}

func (s *raftStore) DeleteClaim(id string) error {
	return s.submit("delete_claim", id)
}

// Snapshots

func (s *raftStore) CreateSnapshot(snapshot *types.Snapshot) error {
	snapshot.Version = 0
	return s.submit("create_snapshot", snapshot)
}

func (s *raftStore) GetSnapshot(id string) (*types.Snapshot, error) {
	return s.local.GetSnapshot(id)
}

func (s *raftStore) ListSnapshots() ([]*types.Snapshot, error) {
	return s.local.ListSnapshots()
}

func (s *raftStore) ListSnapshotsByVolume(volumeID string) ([]*types.Snapshot, error) {
	return s.local.ListSnapshotsByVolume(volumeID)
}

func (s *raftStore) UpdateSnapshot(snapshot *types.Snapshot) error {
	if err := s.submit("cas_snapshot", snapshot); err != nil {
		return err
	}
	snapshot.Version++
	return nil
}

func (s *raftStore) DeleteSnapshot(id string) error {
	return s.submit("delete_snapshot", id)
}

// Attachments

func (s *raftStore) CreateAttachment(att *types.Attachment) error {
	att.Version = 0
	return s.submit("create_attachment", att)
}

func (s *raftStore) GetAttachment(id string) (*types.Attachment, error) {
	return s.local.GetAttachment(id)
}

func (s *raftStore) ListAttachments() ([]*types.Attachment, error) {
	return s.local.ListAttachments()
}

func (s *raftStore) ListAttachmentsByVolume(volumeID string) ([]*types.Attachment, error) {
	return s.local.ListAttachmentsByVolume(volumeID)
}

func (s *raftStore) UpdateAttachment(att *types.Attachment) error {
	if err := s.submit("cas_attachment", att); err != nil {
		return err
	}
	att.Version++
	return nil
}

func (s *raftStore) DeleteAttachment(id string) error {
	return s.submit("delete_attachment", id)
}

// Storage classes

func (s *raftStore) PutClass(class *types.StorageClass) error {
	return s.submit("put_class", class)
}

func (s *raftStore) GetClass(id string) (*types.StorageClass, error) {
	return s.local.GetClass(id)
}

func (s *raftStore) ListClasses() ([]*types.StorageClass, error) {
	return s.local.ListClasses()
}

func (s *raftStore) Close() error {
	return s.local.Close()
}
