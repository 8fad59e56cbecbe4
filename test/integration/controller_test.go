package integration

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-sh/quarry/pkg/errdefs"
	"github.com/quarry-sh/quarry/pkg/manager"
	"github.com/quarry-sh/quarry/pkg/reconciler"
	"github.com/quarry-sh/quarry/pkg/types"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

// newController starts a standalone manager with a tight reconcile loop
// and a premium-ssd class backed by the local directory adapter.
func newController(t *testing.T) *manager.Manager {
	t.Helper()

	m, err := manager.NewManager(&manager.Config{
		NodeID:     "node-1",
		DataDir:    t.TempDir(),
		VolumeRoot: t.TempDir(),
		Reconcile: reconciler.Config{
			RescanInterval: 50 * time.Millisecond,
			WaitDelay:      20 * time.Millisecond,
		},
	})
	require.NoError(t, err)

	require.NoError(t, m.PutClass(&types.StorageClass{
		ID:      "premium-ssd",
		Media:   types.MediaSSD,
		Backend: "localdir",
		Default: true,
	}))

	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Shutdown() })

	return m
}

func waitBound(t *testing.T, m *manager.Manager, claimID string) *types.Volume {
	t.Helper()

	require.Eventually(t, func() bool {
		c, err := m.GetClaim(claimID)
		return err == nil && c.Phase == types.ClaimBound
	}, waitFor, tick, "claim %s never bound", claimID)

	claim, err := m.GetClaim(claimID)
	require.NoError(t, err)
	volume, err := m.GetVolume(claim.VolumeID)
	require.NoError(t, err)
	return volume
}

func waitAttachState(t *testing.T, m *manager.Manager, id string, state types.AttachmentState) {
	t.Helper()

	require.Eventually(t, func() bool {
		att, err := m.GetAttachment(id)
		return err == nil && att.ActualState == state
	}, waitFor, tick, "attachment %s never reached %s", id, state)
}

// TestProvisionAttachDetachFlow walks the full lifecycle of a
// single-writer volume: claim → bound → attached to n1 → second writer
// rejected → detach → attach to n2.
func TestProvisionAttachDetachFlow(t *testing.T) {
	m := newController(t)

	t.Log("Step 1: Creating 10Gi claim against premium-ssd...")
	claim := &types.Claim{
		Name:          "db-data",
		ClassID:       "premium-ssd",
		CapacityBytes: 10 * types.Gibibyte,
		AccessMode:    types.AccessSingleWriter,
	}
	require.NoError(t, m.CreateClaim(claim))

	volume := waitBound(t, m, claim.ID)
	require.Equal(t, types.VolumeBound, volume.Phase)
	require.GreaterOrEqual(t, volume.CapacityBytes, 10*types.Gibibyte)
	require.Equal(t, claim.ID, volume.ClaimID)
	t.Logf("✓ Claim bound to volume %s (%s)", volume.ID, types.FormatCapacity(volume.CapacityBytes))

	t.Log("Step 2: Attaching to n1...")
	att1, err := m.RequestAttach(volume.ID, "n1")
	require.NoError(t, err)
	waitAttachState(t, m, att1.ID, types.AttachmentAttached)
	t.Log("✓ Attached to n1")

	t.Log("Step 3: Second writer must be rejected...")
	_, err = m.RequestAttach(volume.ID, "n2")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrConflict)
	t.Log("✓ n2 rejected with conflict")

	t.Log("Step 4: Detaching from n1...")
	require.NoError(t, m.RequestDetach(volume.ID, "n1"))
	waitAttachState(t, m, att1.ID, types.AttachmentDetached)
	t.Log("✓ Detached from n1")

	t.Log("Step 5: Attaching to n2 after release...")
	att2, err := m.RequestAttach(volume.ID, "n2")
	require.NoError(t, err)
	waitAttachState(t, m, att2.ID, types.AttachmentAttached)
	t.Log("✓ Attached to n2")

	// The writer handover must never leave two live attachments.
	atts, err := m.ListAttachmentsByVolume(volume.ID)
	require.NoError(t, err)
	var live int
	for _, a := range atts {
		if !a.Detached() {
			live++
		}
	}
	assert.Equal(t, 1, live)
}

// TestSnapshotCloneFlow snapshots a bound volume, waits for backend
// readiness, then provisions a second claim from the snapshot.
func TestSnapshotCloneFlow(t *testing.T) {
	m := newController(t)

	claim := &types.Claim{Name: "source", CapacityBytes: types.Gibibyte}
	require.NoError(t, m.CreateClaim(claim))
	v1 := waitBound(t, m, claim.ID)

	t.Log("Step 1: Requesting snapshot...")
	snap, err := m.RequestSnapshot(v1.ID)
	require.NoError(t, err)
	require.Equal(t, types.SnapshotPending, snap.State)

	require.Eventually(t, func() bool {
		s, err := m.GetSnapshot(snap.ID)
		return err == nil && s.State == types.SnapshotReady
	}, waitFor, tick, "snapshot never became ready")
	t.Logf("✓ Snapshot %s ready", snap.ID)

	t.Log("Step 2: Cloning a new volume from the snapshot...")
	clone := &types.Claim{
		Name:             "restore",
		CapacityBytes:    types.Gibibyte,
		SourceSnapshotID: snap.ID,
	}
	require.NoError(t, m.CreateClaim(clone))
	v2 := waitBound(t, m, clone.ID)

	require.NotEqual(t, v1.ID, v2.ID)
	require.NotNil(t, v2.Source)
	assert.Equal(t, snap.ID, v2.Source.SnapshotID)
	t.Logf("✓ Clone %s bound from snapshot %s", v2.ID, snap.ID)
}

// TestCloneWaitsForSnapshotReadiness creates the clone claim while the
// snapshot is still pending. The claim must stay pending rather than
// fail, then bind once the snapshot confirms.
func TestCloneWaitsForSnapshotReadiness(t *testing.T) {
	m := newController(t)

	claim := &types.Claim{Name: "source", CapacityBytes: types.Gibibyte}
	require.NoError(t, m.CreateClaim(claim))
	v1 := waitBound(t, m, claim.ID)

	snap, err := m.RequestSnapshot(v1.ID)
	require.NoError(t, err)

	clone := &types.Claim{
		Name:             "eager-restore",
		CapacityBytes:    types.Gibibyte,
		SourceSnapshotID: snap.ID,
	}
	require.NoError(t, m.CreateClaim(clone))

	// The clone must never be marked failed while it waits.
	require.Eventually(t, func() bool {
		c, err := m.GetClaim(clone.ID)
		if err != nil {
			return false
		}
		require.NotEqual(t, types.ClaimFailed, c.Phase, "clone failed instead of waiting: %s", c.Reason)
		return c.Phase == types.ClaimBound
	}, waitFor, tick, "clone never bound after snapshot readiness")
}

// TestClaimTeardownDetachesBeforeDelete deletes a claim whose volume is
// still attached. The loop must drive the attachment to Detached first
// and only then delete the volume; the release call itself refuses to
// run past a live attachment.
func TestClaimTeardownDetachesBeforeDelete(t *testing.T) {
	m := newController(t)

	claim := &types.Claim{Name: "busy", CapacityBytes: types.Gibibyte}
	require.NoError(t, m.CreateClaim(claim))
	volume := waitBound(t, m, claim.ID)

	att, err := m.RequestAttach(volume.ID, "n1")
	require.NoError(t, err)
	waitAttachState(t, m, att.ID, types.AttachmentAttached)

	t.Log("Step 1: Releasing the claim while attached...")
	require.NoError(t, m.DeleteClaim(claim.ID))

	require.Eventually(t, func() bool {
		v, err := m.GetVolume(volume.ID)
		if errdefs.IsNotFound(err) {
			return true
		}
		return err == nil && v.Phase == types.VolumeDeleted
	}, waitFor, tick, "volume never deleted after claim release")
	t.Log("✓ Volume deleted")

	// Teardown removes the attachment record along with the volume.
	_, err = m.GetAttachment(att.ID)
	assert.True(t, errdefs.IsNotFound(err), "attachment record survived teardown: %v", err)

	// The claim lingers as a Released tombstone until the purge grace
	// period expires.
	got, err := m.GetClaim(claim.ID)
	if err == nil {
		assert.Equal(t, types.ClaimReleased, got.Phase)
	} else {
		assert.True(t, errdefs.IsNotFound(err))
	}
}

// TestProvisioningIdempotent lets the rescan loop revisit a bound claim
// repeatedly and checks no duplicate volume appears. The backend create
// is keyed by an idempotency token derived from the claim ID, so even a
// replayed provision settles on one volume.
func TestProvisioningIdempotent(t *testing.T) {
	m := newController(t)

	claim := &types.Claim{Name: "once", CapacityBytes: types.Gibibyte}
	require.NoError(t, m.CreateClaim(claim))
	waitBound(t, m, claim.ID)

	// Several rescan intervals worth of revisits.
	time.Sleep(300 * time.Millisecond)

	volumes, err := m.ListVolumes()
	require.NoError(t, err)
	require.Len(t, volumes, 1)
	assert.Equal(t, claim.ID, volumes[0].ClaimID)
}

// TestConcurrentCASSingleWinner races compare-and-swap updates from the
// same base version. Exactly one writer wins; the rest get a version
// conflict.
func TestConcurrentCASSingleWinner(t *testing.T) {
	m := newController(t)

	claim := &types.Claim{Name: "contended", CapacityBytes: types.Gibibyte}
	require.NoError(t, m.CreateClaim(claim))
	volume := waitBound(t, m, claim.ID)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			stale := *volume
			stale.Reason = "writer"
			err := m.Store().UpdateVolume(&stale)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, errdefs.ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("writer %d: unexpected error %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)
}
