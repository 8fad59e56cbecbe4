package snapshot

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-sh/quarry/pkg/backend"
	"github.com/quarry-sh/quarry/pkg/errdefs"
	"github.com/quarry-sh/quarry/pkg/storage"
	"github.com/quarry-sh/quarry/pkg/types"
)

type snapFixture struct {
	store   *storage.BoltStore
	fake    *backend.Fake
	manager *Manager
}

func newSnapFixture(t *testing.T) *snapFixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := backend.NewFake()
	registry := backend.NewRegistry()
	registry.Register("fake", fake)

	require.NoError(t, store.PutClass(&types.StorageClass{ID: "standard", Backend: "fake"}))

	return &snapFixture{
		store:   store,
		fake:    fake,
		manager: NewManager(store, registry, nil),
	}
}

func (f *snapFixture) createBoundVolume(t *testing.T, id string) *types.Volume {
	t.Helper()
	_, _, err := f.fake.CreateVolume(context.Background(), backend.VolumeSpec{
		Token:         id,
		CapacityBytes: types.Gibibyte,
	})
	require.NoError(t, err)

	volume := &types.Volume{
		ID:      id,
		ClassID: "standard",
		Phase:   types.VolumeBound,
		Handle:  id,
	}
	require.NoError(t, f.store.CreateVolume(volume))
	return volume
}

func TestRequestRequiresBoundVolume(t *testing.T) {
	f := newSnapFixture(t)

	_, err := f.manager.Request("vol-missing")
	assert.ErrorIs(t, err, errdefs.ErrVolumeNotBound)

	volume := f.createBoundVolume(t, "vol-1")
	volume.Phase = types.VolumeReleasing
	require.NoError(t, f.store.UpdateVolume(volume))

	_, err = f.manager.Request("vol-1")
	assert.ErrorIs(t, err, errdefs.ErrVolumeNotBound)
}

func TestSnapshotSyncImmediateReady(t *testing.T) {
	f := newSnapFixture(t)
	f.createBoundVolume(t, "vol-1")

	snap, err := f.manager.Request("vol-1")
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotPending, snap.State)
	assert.Equal(t, "vol-1", snap.VolumeID)

	require.NoError(t, f.manager.Sync(context.Background(), snap.ID))

	got, err := f.store.GetSnapshot(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotReady, got.State)
	assert.NotEmpty(t, got.Handle)
	assert.False(t, got.ReadyAt.IsZero())
}

// TestSnapshotAsyncReadiness verifies the backend create returning
// does not mark the snapshot Ready; only the explicit status
// confirmation does.
func TestSnapshotAsyncReadiness(t *testing.T) {
	f := newSnapFixture(t)
	f.fake.AsyncSnapshots = true
	f.createBoundVolume(t, "vol-1")
	ctx := context.Background()

	snap, err := f.manager.Request("vol-1")
	require.NoError(t, err)

	// First sync issues the backend call but the snapshot is still
	// materializing
	err = f.manager.Sync(ctx, snap.ID)
	require.ErrorIs(t, err, errdefs.ErrSnapshotNotReady)

	got, err := f.store.GetSnapshot(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotPending, got.State)
	assert.NotEmpty(t, got.Handle)

	// Polling again before confirmation stays pending
	err = f.manager.Sync(ctx, snap.ID)
	require.ErrorIs(t, err, errdefs.ErrSnapshotNotReady)

	f.fake.MarkSnapshotReady(got.Handle)
	require.NoError(t, f.manager.Sync(ctx, snap.ID))

	got, err = f.store.GetSnapshot(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotReady, got.State)
}

func TestSnapshotBackendFailure(t *testing.T) {
	f := newSnapFixture(t)
	f.fake.AsyncSnapshots = true
	f.createBoundVolume(t, "vol-1")
	ctx := context.Background()

	snap, err := f.manager.Request("vol-1")
	require.NoError(t, err)

	_ = f.manager.Sync(ctx, snap.ID)
	got, err := f.store.GetSnapshot(snap.ID)
	require.NoError(t, err)

	f.fake.MarkSnapshotFailed(got.Handle)
	err = f.manager.Sync(ctx, snap.ID)
	require.Error(t, err)

	got, err = f.store.GetSnapshot(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotFailed, got.State)
	assert.NotEmpty(t, got.Reason)

	// Terminal: further syncs are no-ops
	require.NoError(t, f.manager.Sync(ctx, snap.ID))
}

func TestSnapshotSyncRetryableCreate(t *testing.T) {
	f := newSnapFixture(t)
	f.createBoundVolume(t, "vol-1")
	ctx := context.Background()

	snap, err := f.manager.Request("vol-1")
	require.NoError(t, err)

	f.fake.FailWith("create_snapshot", errdefs.RetryableBackend("create_snapshot", errors.New("backend busy")))
	err = f.manager.Sync(ctx, snap.ID)
	require.Error(t, err)
	assert.True(t, errdefs.IsRetryable(err))

	// Still pending, no handle issued
	got, err := f.store.GetSnapshot(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotPending, got.State)
	assert.Empty(t, got.Handle)

	f.fake.FailWith("create_snapshot", nil)
	require.NoError(t, f.manager.Sync(ctx, snap.ID))
	got, err = f.store.GetSnapshot(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotReady, got.State)
}

func TestDeleteBlockedWhileClonesInFlight(t *testing.T) {
	f := newSnapFixture(t)
	f.createBoundVolume(t, "vol-1")
	ctx := context.Background()

	snap, err := f.manager.Request("vol-1")
	require.NoError(t, err)
	require.NoError(t, f.manager.Sync(ctx, snap.ID))

	got, err := f.store.GetSnapshot(snap.ID)
	require.NoError(t, err)
	got.ActiveClones = 1
	require.NoError(t, f.store.UpdateSnapshot(got))

	err = f.manager.Delete(ctx, snap.ID)
	require.ErrorIs(t, err, errdefs.ErrSnapshotInUse)

	// Clone completes, deletion proceeds
	got, err = f.store.GetSnapshot(snap.ID)
	require.NoError(t, err)
	got.ActiveClones = 0
	require.NoError(t, f.store.UpdateSnapshot(got))

	require.NoError(t, f.manager.Delete(ctx, snap.ID))
	_, err = f.store.GetSnapshot(snap.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	// Idempotent
	require.NoError(t, f.manager.Delete(ctx, snap.ID))
}

func TestSnapshotFanOut(t *testing.T) {
	f := newSnapFixture(t)
	f.createBoundVolume(t, "vol-1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		snap, err := f.manager.Request("vol-1")
		require.NoError(t, err)
		require.NoError(t, f.manager.Sync(ctx, snap.ID))
	}

	snaps, err := f.store.ListSnapshotsByVolume("vol-1")
	require.NoError(t, err)
	assert.Len(t, snaps, 3)
}

// racingCloneStore injects a clone reference between Delete's check and
// its tombstone write, so the write loses its version check.
type racingCloneStore struct {
	storage.Store
	armed bool
}

func (s *racingCloneStore) UpdateSnapshot(snap *types.Snapshot) error {
	if s.armed {
		s.armed = false
		fresh, err := s.Store.GetSnapshot(snap.ID)
		if err == nil {
			fresh.ActiveClones++
			if err := s.Store.UpdateSnapshot(fresh); err != nil {
				return err
			}
		}
	}
	return s.Store.UpdateSnapshot(snap)
}

func TestDeleteLosesRaceToCloneAcquire(t *testing.T) {
	f := newSnapFixture(t)
	store := &racingCloneStore{Store: f.store}
	registry := backend.NewRegistry()
	registry.Register("fake", f.fake)
	manager := NewManager(store, registry, nil)

	f.createBoundVolume(t, "vol-1")
	ctx := context.Background()

	snap, err := manager.Request("vol-1")
	require.NoError(t, err)
	require.NoError(t, manager.Sync(ctx, snap.ID))

	// A clone takes a reference while the delete is committing its
	// tombstone; the delete must lose the version check, not remove
	// the snapshot out from under the clone.
	store.armed = true
	err = manager.Delete(ctx, snap.ID)
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err), "expected version conflict, got %v", err)
	assert.Zero(t, f.fake.Calls("delete_snapshot"))

	got, err := f.store.GetSnapshot(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotReady, got.State)
	assert.Equal(t, 1, got.ActiveClones)

	// Retried with fresh state, the delete sees the live reference
	err = manager.Delete(ctx, snap.ID)
	require.ErrorIs(t, err, errdefs.ErrSnapshotInUse)

	// Clone completes, deletion proceeds
	got, err = f.store.GetSnapshot(snap.ID)
	require.NoError(t, err)
	got.ActiveClones = 0
	require.NoError(t, f.store.UpdateSnapshot(got))
	require.NoError(t, manager.Delete(ctx, snap.ID))
	_, err = f.store.GetSnapshot(snap.ID)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}
