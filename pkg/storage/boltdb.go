package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/quarry-sh/quarry/pkg/errdefs"
	"github.com/quarry-sh/quarry/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketVolumes     = []byte("volumes")
	bucketClaims      = []byte("claims")
	bucketSnapshots   = []byte("snapshots")
	bucketAttachments = []byte("attachments")
	bucketClasses     = []byte("classes")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "quarry.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketVolumes,
			bucketClaims,
			bucketSnapshots,
			bucketAttachments,
			bucketClasses,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// create stores a record at version 0, failing on ID collision
func (s *BoltStore) create(bucket []byte, id string, marshal func() ([]byte, error)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(id)) != nil {
			return fmt.Errorf("%s %s: %w", bucket, id, errdefs.ErrAlreadyExists)
		}
		data, err := marshal()
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

// delete removes a record; deleting a missing key is a no-op
func (s *BoltStore) delete(bucket []byte, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(id))
	})
}

// Volume operations

func (s *BoltStore) CreateVolume(volume *types.Volume) error {
	volume.Version = 0
	return s.create(bucketVolumes, volume.ID, func() ([]byte, error) {
		return json.Marshal(volume)
	})
}

func (s *BoltStore) GetVolume(id string) (*types.Volume, error) {
	var volume types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVolumes).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("volume %s: %w", id, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &volume)
	})
	if err != nil {
		return nil, err
	}
	return &volume, nil
}

func (s *BoltStore) ListVolumes() ([]*types.Volume, error) {
	var volumes []*types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(k, v []byte) error {
			var volume types.Volume
			if err := json.Unmarshal(v, &volume); err != nil {
				return err
			}
			volumes = append(volumes, &volume)
			return nil
		})
	})
	return volumes, err
}

// UpdateVolume applies a compare-and-swap update: volume.Version must
// equal the stored version, otherwise ErrVersionConflict. On success
// the version is incremented in the store and in volume.
func (s *BoltStore) UpdateVolume(volume *types.Volume) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		data := b.Get([]byte(volume.ID))
		if data == nil {
			return fmt.Errorf("volume %s: %w", volume.ID, errdefs.ErrNotFound)
		}
		var current types.Volume
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Version != volume.Version {
			return fmt.Errorf("volume %s: expected version %d, stored %d: %w",
				volume.ID, volume.Version, current.Version, errdefs.ErrVersionConflict)
		}
		next := *volume
		next.Version++
		out, err := json.Marshal(&next)
		if err != nil {
			return err
		}
		return b.Put([]byte(volume.ID), out)
	})
	if err != nil {
		return err
	}
	volume.Version++
	return nil
}

func (s *BoltStore) DeleteVolume(id string) error {
	return s.delete(bucketVolumes, id)
}

// Claim operations

func (s *BoltStore) CreateClaim(claim *types.Claim) error {
	claim.Version = 0
	return s.create(bucketClaims, claim.ID, func() ([]byte, error) {
		return json.Marshal(claim)
	})
}

func (s *BoltStore) GetClaim(id string) (*types.Claim, error) {
	var claim types.Claim
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketClaims).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("claim %s: %w", id, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &claim)
	})
	if err != nil {
		return nil, err
	}
	return &claim, nil
}

func (s *BoltStore) ListClaims() ([]*types.Claim, error) {
	var claims []*types.Claim
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClaims).ForEach(func(k, v []byte) error {
			var claim types.Claim
			if err := json.Unmarshal(v, &claim); err != nil {
				return err
			}
			claims = append(claims, &claim)
			return nil
		})
	})
	return claims, err
}

func (s *BoltStore) UpdateClaim(claim *types.Claim) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClaims)
		data := b.Get([]byte(claim.ID))
		if data == nil {
			return fmt.Errorf("claim %s: %w", claim.ID, errdefs.ErrNotFound)
		}
		var current types.Claim
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Version != claim.Version {
			return fmt.Errorf("claim %s: expected version %d, stored %d: %w",
				claim.ID, claim.Version, current.Version, errdefs.ErrVersionConflict)
		}
		next := *claim
		next.Version++
		out, err := json.Marshal(&next)
		if err != nil {
			return err
		}
		return b.Put([]byte(claim.ID), out)
	})
	if err != nil {
		return err
	}
	claim.Version++
	return nil
}

func (s *BoltStore) DeleteClaim(id string) error {
	return s.delete(bucketClaims, id)
}

// Snapshot operations

func (s *BoltStore) CreateSnapshot(snapshot *types.Snapshot) error {
	snapshot.Version = 0
	return s.create(bucketSnapshots, snapshot.ID, func() ([]byte, error) {
		return json.Marshal(snapshot)
	})
}

func (s *BoltStore) GetSnapshot(id string) (*types.Snapshot, error) {
	var snapshot types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("snapshot %s: %w", id, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &snapshot)
	})
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (s *BoltStore) ListSnapshots() ([]*types.Snapshot, error) {
	var snapshots []*types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
			var snapshot types.Snapshot
			if err := json.Unmarshal(v, &snapshot); err != nil {
				return err
			}
			snapshots = append(snapshots, &snapshot)
			return nil
		})
	})
	return snapshots, err
}

func (s *BoltStore) ListSnapshotsByVolume(volumeID string) ([]*types.Snapshot, error) {
	snapshots, err := s.ListSnapshots()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Snapshot
	for _, snapshot := range snapshots {
		if snapshot.VolumeID == volumeID {
			filtered = append(filtered, snapshot)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateSnapshot(snapshot *types.Snapshot) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data := b.Get([]byte(snapshot.ID))
		if data == nil {
			return fmt.Errorf("snapshot %s: %w", snapshot.ID, errdefs.ErrNotFound)
		}
		var current types.Snapshot
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Version != snapshot.Version {
			return fmt.Errorf("snapshot %s: expected version %d, stored %d: %w",
				snapshot.ID, snapshot.Version, current.Version, errdefs.ErrVersionConflict)
		}
		next := *snapshot
		next.Version++
		out, err := json.Marshal(&next)
		if err != nil {
			return err
		}
		return b.Put([]byte(snapshot.ID), out)
	})
	if err != nil {
		return err
	}
	snapshot.Version++
	return nil
}

func (s *BoltStore) DeleteSnapshot(id string) error {
	return s.delete(bucketSnapshots, id)
}

// Attachment operations

func (s *BoltStore) CreateAttachment(att *types.Attachment) error {
	att.Version = 0
	return s.create(bucketAttachments, att.ID, func() ([]byte, error) {
		return json.Marshal(att)
	})
}

func (s *BoltStore) GetAttachment(id string) (*types.Attachment, error) {
	var att types.Attachment
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAttachments).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("attachment %s: %w", id, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &att)
	})
	if err != nil {
		return nil, err
	}
	return &att, nil
}

func (s *BoltStore) ListAttachments() ([]*types.Attachment, error) {
	var atts []*types.Attachment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttachments).ForEach(func(k, v []byte) error {
			var att types.Attachment
			if err := json.Unmarshal(v, &att); err != nil {
				return err
			}
			atts = append(atts, &att)
			return nil
		})
	})
	return atts, err
}

func (s *BoltStore) ListAttachmentsByVolume(volumeID string) ([]*types.Attachment, error) {
	atts, err := s.ListAttachments()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Attachment
	for _, att := range atts {
		if att.VolumeID == volumeID {
			filtered = append(filtered, att)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateAttachment(att *types.Attachment) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttachments)
		data := b.Get([]byte(att.ID))
		if data == nil {
			return fmt.Errorf("attachment %s: %w", att.ID, errdefs.ErrNotFound)
		}
		var current types.Attachment
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Version != att.Version {
			return fmt.Errorf("attachment %s: expected version %d, stored %d: %w",
				att.ID, att.Version, current.Version, errdefs.ErrVersionConflict)
		}
		next := *att
		next.Version++
		out, err := json.Marshal(&next)
		if err != nil {
			return err
		}
		return b.Put([]byte(att.ID), out)
	})
	if err != nil {
		return err
	}
	att.Version++
	return nil
}

func (s *BoltStore) DeleteAttachment(id string) error {
	return s.delete(bucketAttachments, id)
}

// Storage class operations. Classes are immutable policy loaded at
// startup, so Put is a plain upsert with no version discipline.

func (s *BoltStore) PutClass(class *types.StorageClass) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(class)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketClasses).Put([]byte(class.ID), data)
	})
}

func (s *BoltStore) GetClass(id string) (*types.StorageClass, error) {
	var class types.StorageClass
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketClasses).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("storage class %s: %w", id, errdefs.ErrNotFound)
		}
		return json.Unmarshal(data, &class)
	})
	if err != nil {
		return nil, err
	}
	return &class, nil
}

func (s *BoltStore) ListClasses() ([]*types.StorageClass, error) {
	var classes []*types.StorageClass
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClasses).ForEach(func(k, v []byte) error {
			var class types.StorageClass
			if err := json.Unmarshal(v, &class); err != nil {
				return err
			}
			classes = append(classes, &class)
			return nil
		})
	})
	return classes, err
}

// Restore operations put records verbatim, preserving versions. They
// exist for raft snapshot restore and the migration tool only; normal
// mutation goes through Create/Update.

func (s *BoltStore) RestoreVolume(volume *types.Volume) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(volume)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketVolumes).Put([]byte(volume.ID), data)
	})
}

func (s *BoltStore) RestoreClaim(claim *types.Claim) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(claim)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketClaims).Put([]byte(claim.ID), data)
	})
}

func (s *BoltStore) RestoreSnapshot(snapshot *types.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshots).Put([]byte(snapshot.ID), data)
	})
}

func (s *BoltStore) RestoreAttachment(att *types.Attachment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(att)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAttachments).Put([]byte(att.ID), data)
	})
}
