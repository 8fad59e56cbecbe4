package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quarry-sh/quarry/pkg/backend"
	"github.com/quarry-sh/quarry/pkg/errdefs"
	"github.com/quarry-sh/quarry/pkg/events"
	"github.com/quarry-sh/quarry/pkg/log"
	"github.com/quarry-sh/quarry/pkg/storage"
	"github.com/quarry-sh/quarry/pkg/types"
)

// Manager creates point-in-time snapshots, tracks their readiness on
// the backend, and guards their deletion against in-flight clones.
type Manager struct {
	store    storage.Store
	registry *backend.Registry
	broker   *events.Broker
}

// NewManager creates a snapshot manager. broker may be nil.
func NewManager(store storage.Store, registry *backend.Registry, broker *events.Broker) *Manager {
	return &Manager{
		store:    store,
		registry: registry,
		broker:   broker,
	}
}

// Request records a snapshot request against a bound volume. The
// record starts Pending; the backend call and readiness tracking
// happen asynchronously via Sync.
func (m *Manager) Request(volumeID string) (*types.Snapshot, error) {
	volume, err := m.store.GetVolume(volumeID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("volume %s: %w", volumeID, errdefs.ErrVolumeNotBound)
		}
		return nil, err
	}
	if volume.Phase != types.VolumeBound {
		return nil, fmt.Errorf("volume %s is %s: %w", volumeID, volume.Phase, errdefs.ErrVolumeNotBound)
	}

	snap := &types.Snapshot{
		ID:           "snap-" + uuid.NewString(),
		VolumeID:     volume.ID,
		ClassID:      volume.ClassID,
		SourceHandle: volume.Handle,
		State:        types.SnapshotPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.CreateSnapshot(snap); err != nil {
		return nil, err
	}
	m.publish(events.EventSnapshotRequested, snap.ID, "snapshot requested for "+volume.ID)
	return snap, nil
}

// Sync drives a pending snapshot toward Ready or Failed. The first
// call issues the backend create; subsequent calls poll readiness.
// Not-ready polls return ErrSnapshotNotReady so the caller schedules
// another visit without counting a failure.
func (m *Manager) Sync(ctx context.Context, snapshotID string) error {
	snap, err := m.store.GetSnapshot(snapshotID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	if snap.State != types.SnapshotPending {
		return nil
	}

	adapter, err := m.adapterFor(snap)
	if err != nil {
		return m.fail(snap, err)
	}

	if snap.Handle == "" {
		// The snapshot ID is the idempotency token: a crash between
		// the backend call and this record write re-issues the same
		// token and adopts the first attempt's snapshot.
		handle, err := adapter.CreateSnapshot(ctx, snap.SourceHandle, snap.ID)
		if err != nil {
			if errdefs.IsRetryable(err) {
				return err
			}
			return m.fail(snap, err)
		}
		snap.Handle = handle
		if err := m.store.UpdateSnapshot(snap); err != nil {
			return err
		}
	}

	state, err := adapter.SnapshotStatus(ctx, snap.Handle)
	if err != nil {
		if errdefs.IsRetryable(err) {
			return err
		}
		return m.fail(snap, err)
	}

	switch state {
	case types.SnapshotReady:
		snap.State = types.SnapshotReady
		snap.ReadyAt = time.Now().UTC()
		if err := m.store.UpdateSnapshot(snap); err != nil {
			return err
		}
		m.publish(events.EventSnapshotReady, snap.ID, "snapshot ready")
		log.WithComponent("snapshot").Info().
			Str("snapshot_id", snap.ID).
			Str("volume_id", snap.VolumeID).
			Msg("Snapshot ready")
		return nil
	case types.SnapshotFailed:
		return m.fail(snap, fmt.Errorf("backend reported snapshot %s failed", snap.Handle))
	default:
		// Still materializing, poll again later
		return fmt.Errorf("snapshot %s still pending on backend: %w", snap.ID, errdefs.ErrSnapshotNotReady)
	}
}

// Delete removes a snapshot. It fails ErrSnapshotInUse while any
// clone referencing it is in flight, and is idempotent for unknown
// IDs.
func (m *Manager) Delete(ctx context.Context, snapshotID string) error {
	snap, err := m.store.GetSnapshot(snapshotID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}

	if snap.ActiveClones > 0 {
		return fmt.Errorf("snapshot %s has %d clone(s) in flight: %w",
			snap.ID, snap.ActiveClones, errdefs.ErrSnapshotInUse)
	}

	// Tombstone under CAS before touching the backend. A clone racing
	// this delete either loses the version check here, or wins it and
	// bumps ActiveClones so the retried delete sees it.
	if snap.State != types.SnapshotDeleting {
		snap.State = types.SnapshotDeleting
		if err := m.store.UpdateSnapshot(snap); err != nil {
			return err
		}
	}

	if snap.Handle != "" {
		adapter, err := m.adapterFor(snap)
		if err != nil {
			return err
		}
		if err := adapter.DeleteSnapshot(ctx, snap.Handle); err != nil {
			return err
		}
	}

	if err := m.store.DeleteSnapshot(snap.ID); err != nil {
		return err
	}
	m.publish(events.EventSnapshotDeleted, snap.ID, "snapshot deleted")
	return nil
}

func (m *Manager) fail(snap *types.Snapshot, cause error) error {
	snap.State = types.SnapshotFailed
	snap.Reason = cause.Error()
	if err := m.store.UpdateSnapshot(snap); err != nil {
		return err
	}
	m.publish(events.EventSnapshotFailed, snap.ID, snap.Reason)
	log.WithComponent("snapshot").Error().Err(cause).
		Str("snapshot_id", snap.ID).
		Msg("Snapshot failed")
	return cause
}

func (m *Manager) adapterFor(snap *types.Snapshot) (backend.Adapter, error) {
	class, err := m.store.GetClass(snap.ClassID)
	if err != nil {
		return nil, err
	}
	return m.registry.Get(class.Backend)
}

func (m *Manager) publish(eventType events.EventType, entityID, message string) {
	if m.broker != nil {
		m.broker.Publish(events.New(eventType, entityID, message))
	}
}
