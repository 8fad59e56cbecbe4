package reconciler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-sh/quarry/pkg/attach"
	"github.com/quarry-sh/quarry/pkg/backend"
	"github.com/quarry-sh/quarry/pkg/errdefs"
	"github.com/quarry-sh/quarry/pkg/events"
	"github.com/quarry-sh/quarry/pkg/provision"
	"github.com/quarry-sh/quarry/pkg/snapshot"
	"github.com/quarry-sh/quarry/pkg/storage"
	"github.com/quarry-sh/quarry/pkg/types"
)

type loopFixture struct {
	store      *storage.BoltStore
	fake       *backend.Fake
	engine     *provision.Engine
	coord      *attach.Coordinator
	snaps      *snapshot.Manager
	reconciler *Reconciler
}

func newLoopFixture(t *testing.T, cfg Config) *loopFixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := backend.NewFake()
	registry := backend.NewRegistry()
	registry.Register("fake", fake)

	require.NoError(t, store.PutClass(&types.StorageClass{
		ID:      "standard",
		Backend: "fake",
		Default: true,
	}))

	engine := provision.NewEngine(store, registry, nil, nil)
	coord := attach.NewCoordinator(store, registry, nil)
	snaps := snapshot.NewManager(store, registry, nil)

	if cfg.WaitDelay == 0 {
		cfg.WaitDelay = 20 * time.Millisecond
	}
	if cfg.RescanInterval == 0 {
		cfg.RescanInterval = 50 * time.Millisecond
	}

	r := New(store, engine, coord, snaps, nil, cfg)
	r.Start()
	t.Cleanup(r.Stop)

	return &loopFixture{
		store:      store,
		fake:       fake,
		engine:     engine,
		coord:      coord,
		snaps:      snaps,
		reconciler: r,
	}
}

func TestLoopProvisionsPendingClaim(t *testing.T) {
	f := newLoopFixture(t, Config{})

	require.NoError(t, f.store.CreateClaim(&types.Claim{
		ID:            "c1",
		CapacityBytes: types.Gibibyte,
		Phase:         types.ClaimPending,
	}))
	f.reconciler.Enqueue(KindClaim, "c1")

	require.Eventually(t, func() bool {
		claim, err := f.store.GetClaim("c1")
		return err == nil && claim.Phase == types.ClaimBound
	}, 3*time.Second, 10*time.Millisecond)

	volume, err := f.store.GetVolume("vol-c1")
	require.NoError(t, err)
	assert.Equal(t, types.VolumeBound, volume.Phase)
}

// TestLoopRescanCatchesMissedEvents creates the claim without ever
// enqueueing it; the rescan alone must find and provision it.
func TestLoopRescanCatchesMissedEvents(t *testing.T) {
	f := newLoopFixture(t, Config{})

	require.NoError(t, f.store.CreateClaim(&types.Claim{
		ID:            "c1",
		CapacityBytes: types.Gibibyte,
		Phase:         types.ClaimPending,
	}))

	require.Eventually(t, func() bool {
		claim, err := f.store.GetClaim("c1")
		return err == nil && claim.Phase == types.ClaimBound
	}, 3*time.Second, 10*time.Millisecond)
}

func TestLoopRetriesTransientBackendFailure(t *testing.T) {
	f := newLoopFixture(t, Config{MaxAttempts: 10})

	f.fake.FailWith("create_volume", errdefs.RetryableBackend("create_volume", errors.New("backend overloaded")))
	require.NoError(t, f.store.CreateClaim(&types.Claim{
		ID:            "c1",
		CapacityBytes: types.Gibibyte,
		Phase:         types.ClaimPending,
	}))
	f.reconciler.Enqueue(KindClaim, "c1")

	// Let a few attempts fail, then recover the backend
	require.Eventually(t, func() bool {
		return f.fake.Calls("create_volume") >= 1
	}, 3*time.Second, 10*time.Millisecond)
	f.fake.FailWith("create_volume", nil)

	require.Eventually(t, func() bool {
		claim, err := f.store.GetClaim("c1")
		return err == nil && claim.Phase == types.ClaimBound
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLoopExhaustsRetriesAndFailsClaim(t *testing.T) {
	f := newLoopFixture(t, Config{MaxAttempts: 2})

	f.fake.FailWith("create_volume", errdefs.RetryableBackend("create_volume", errors.New("backend down")))
	require.NoError(t, f.store.CreateClaim(&types.Claim{
		ID:            "c1",
		CapacityBytes: types.Gibibyte,
		Phase:         types.ClaimPending,
	}))
	f.reconciler.Enqueue(KindClaim, "c1")

	require.Eventually(t, func() bool {
		claim, err := f.store.GetClaim("c1")
		return err == nil && claim.Phase == types.ClaimFailed
	}, 5*time.Second, 10*time.Millisecond)

	claim, err := f.store.GetClaim("c1")
	require.NoError(t, err)
	assert.Contains(t, claim.Reason, "backend down")
}

func TestLoopDrivesAttachment(t *testing.T) {
	f := newLoopFixture(t, Config{})

	require.NoError(t, f.store.CreateClaim(&types.Claim{
		ID:            "c1",
		CapacityBytes: types.Gibibyte,
		Phase:         types.ClaimPending,
	}))
	f.reconciler.Enqueue(KindClaim, "c1")

	require.Eventually(t, func() bool {
		claim, err := f.store.GetClaim("c1")
		return err == nil && claim.Phase == types.ClaimBound
	}, 3*time.Second, 10*time.Millisecond)

	att, err := f.coord.RequestAttach("vol-c1", "node-a")
	require.NoError(t, err)
	f.reconciler.Enqueue(KindAttachment, att.ID)

	require.Eventually(t, func() bool {
		got, err := f.store.GetAttachment(att.ID)
		return err == nil && got.ActualState == types.AttachmentAttached
	}, 3*time.Second, 10*time.Millisecond)
}

// TestLoopTeardownWaitsForDetach releases a claim whose volume is
// attached: the loop must detach first, then delete, then release the
// claim record.
func TestLoopTeardownWaitsForDetach(t *testing.T) {
	f := newLoopFixture(t, Config{})

	require.NoError(t, f.store.CreateClaim(&types.Claim{
		ID:            "c1",
		CapacityBytes: types.Gibibyte,
		Phase:         types.ClaimPending,
	}))
	f.reconciler.Enqueue(KindClaim, "c1")
	require.Eventually(t, func() bool {
		claim, err := f.store.GetClaim("c1")
		return err == nil && claim.Phase == types.ClaimBound
	}, 3*time.Second, 10*time.Millisecond)

	att, err := f.coord.RequestAttach("vol-c1", "node-a")
	require.NoError(t, err)
	f.reconciler.Enqueue(KindAttachment, att.ID)
	require.Eventually(t, func() bool {
		got, err := f.store.GetAttachment(att.ID)
		return err == nil && got.ActualState == types.AttachmentAttached
	}, 3*time.Second, 10*time.Millisecond)

	// Mark the claim released; the loop owns the rest
	claim, err := f.store.GetClaim("c1")
	require.NoError(t, err)
	claim.Phase = types.ClaimReleased
	require.NoError(t, f.store.UpdateClaim(claim))
	f.reconciler.Enqueue(KindClaim, "c1")

	require.Eventually(t, func() bool {
		volume, err := f.store.GetVolume("vol-c1")
		return err == nil && volume.Phase == types.VolumeDeleted
	}, 5*time.Second, 10*time.Millisecond)

	assert.Empty(t, f.fake.AttachedNodes("vol-c1"))
	assert.Equal(t, 0, f.fake.VolumeCount())
}

func TestLoopDrivesSnapshotReadiness(t *testing.T) {
	f := newLoopFixture(t, Config{})
	f.fake.AsyncSnapshots = true

	require.NoError(t, f.store.CreateClaim(&types.Claim{
		ID:            "c1",
		CapacityBytes: types.Gibibyte,
		Phase:         types.ClaimPending,
	}))
	f.reconciler.Enqueue(KindClaim, "c1")
	require.Eventually(t, func() bool {
		claim, err := f.store.GetClaim("c1")
		return err == nil && claim.Phase == types.ClaimBound
	}, 3*time.Second, 10*time.Millisecond)

	snap, err := f.snaps.Request("vol-c1")
	require.NoError(t, err)
	f.reconciler.Enqueue(KindSnapshot, snap.ID)

	// The loop issues the backend call and then polls; the snapshot
	// stays Pending until the backend confirms
	require.Eventually(t, func() bool {
		got, err := f.store.GetSnapshot(snap.ID)
		return err == nil && got.Handle != ""
	}, 3*time.Second, 10*time.Millisecond)

	got, err := f.store.GetSnapshot(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotPending, got.State)

	f.fake.MarkSnapshotReady(got.Handle)

	require.Eventually(t, func() bool {
		got, err := f.store.GetSnapshot(snap.ID)
		return err == nil && got.State == types.SnapshotReady
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLoopFollowerDoesNotDispatch(t *testing.T) {
	f := newLoopFixture(t, Config{IsLeader: func() bool { return false }})

	require.NoError(t, f.store.CreateClaim(&types.Claim{
		ID:            "c1",
		CapacityBytes: types.Gibibyte,
		Phase:         types.ClaimPending,
	}))
	f.reconciler.Enqueue(KindClaim, "c1")

	time.Sleep(200 * time.Millisecond)
	claim, err := f.store.GetClaim("c1")
	require.NoError(t, err)
	assert.Equal(t, types.ClaimPending, claim.Phase)
	assert.Zero(t, f.fake.Calls("create_volume"))
}

func TestItemForEvent(t *testing.T) {
	tests := []struct {
		name  string
		event *events.Event
		want  Item
		ok    bool
	}{
		{"claim", events.New(events.EventClaimCreated, "c1", ""), Item{KindClaim, "c1"}, true},
		{"volume", events.New(events.EventVolumeReleasing, "v1", ""), Item{KindVolume, "v1"}, true},
		{"snapshot", events.New(events.EventSnapshotRequested, "s1", ""), Item{KindSnapshot, "s1"}, true},
		{"attachment", events.New(events.EventAttachRequested, "v1@n1", ""), Item{KindAttachment, "v1@n1"}, true},
		{"no entity", events.New(events.EventClaimCreated, "", ""), Item{}, false},
		{"nil", nil, Item{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := itemForEvent(tt.event)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
