package attach

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

type attachFixture struct {
	store *storage.BoltStore
	fake  *backend.Fake
	coord *Coordinator
}

func newAttachFixture(t *testing.T) *attachFixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := backend.NewFake()
	registry := backend.NewRegistry()
	registry.Register("fake", fake)

	require.NoError(t, store.PutClass(&types.StorageClass{ID: "standard", Backend: "fake"}))

	return &attachFixture{
		store: store,
		fake:  fake,
		coord: NewCoordinator(store, registry, nil),
	}
}

func (f *attachFixture) createVolume(t *testing.T, id string, mode types.AccessMode) *types.Volume {
	t.Helper()
	_, _, err := f.fake.CreateVolume(context.Background(), backend.VolumeSpec{
		Token:         id,
		CapacityBytes: types.Gibibyte,
	})
	require.NoError(t, err)

	volume := &types.Volume{
		ID:         id,
		ClassID:    "standard",
		AccessMode: mode,
		Phase:      types.VolumeBound,
		Handle:     id,
	}
	require.NoError(t, f.store.CreateVolume(volume))
	return volume
}

func TestAttachLifecycle(t *testing.T) {
	f := newAttachFixture(t)
	f.createVolume(t, "vol-1", types.AccessSingleWriter)
	ctx := context.Background()

	att, err := f.coord.RequestAttach("vol-1", "node-a")
	require.NoError(t, err)
	assert.Equal(t, types.AttachmentAttached, att.DesiredState)
	assert.Equal(t, types.AttachmentDetached, att.ActualState)

	require.NoError(t, f.coord.Sync(ctx, att.ID))

	got, err := f.store.GetAttachment(att.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AttachmentAttached, got.ActualState)
	assert.ElementsMatch(t, []string{"node-a"}, f.fake.AttachedNodes("vol-1"))

	volume, err := f.store.GetVolume("vol-1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", volume.WriterNode)
}

func TestAttachRequiresBoundVolume(t *testing.T) {
	f := newAttachFixture(t)
	volume := f.createVolume(t, "vol-1", types.AccessSingleWriter)
	volume.Phase = types.VolumeReleasing
	require.NoError(t, f.store.UpdateVolume(volume))

	_, err := f.coord.RequestAttach("vol-1", "node-a")
	assert.ErrorIs(t, err, errdefs.ErrVolumeNotBound)
}

// TestSingleWriterScenario walks the full exclusivity sequence: attach
// to one node, reject a second writer, detach, then the second node
// succeeds.
func TestSingleWriterScenario(t *testing.T) {
	f := newAttachFixture(t)
	f.createVolume(t, "vol-1", types.AccessSingleWriter)
	ctx := context.Background()

	att1, err := f.coord.RequestAttach("vol-1", "node-1")
	require.NoError(t, err)
	require.NoError(t, f.coord.Sync(ctx, att1.ID))

	// Second writer is rejected synchronously
	_, err = f.coord.RequestAttach("vol-1", "node-2")
	require.ErrorIs(t, err, errdefs.ErrConflict)

	// Detach node-1
	require.NoError(t, f.coord.RequestDetach("vol-1", "node-1"))
	require.NoError(t, f.coord.Sync(ctx, att1.ID))

	got, err := f.store.GetAttachment(att1.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AttachmentDetached, got.ActualState)

	volume, err := f.store.GetVolume("vol-1")
	require.NoError(t, err)
	assert.Empty(t, volume.WriterNode)

	// Now node-2 may attach
	att2, err := f.coord.RequestAttach("vol-1", "node-2")
	require.NoError(t, err)
	require.NoError(t, f.coord.Sync(ctx, att2.ID))

	got, err = f.store.GetAttachment(att2.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AttachmentAttached, got.ActualState)
	assert.ElementsMatch(t, []string{"node-2"}, f.fake.AttachedNodes("vol-1"))
}

func TestMultiReaderAllowsConcurrentAttachments(t *testing.T) {
	f := newAttachFixture(t)
	f.createVolume(t, "vol-1", types.AccessMultiReader)
	ctx := context.Background()

	for _, node := range []string{"node-a", "node-b", "node-c"} {
		att, err := f.coord.RequestAttach("vol-1", node)
		require.NoError(t, err)
		require.NoError(t, f.coord.Sync(ctx, att.ID))
	}

	assert.Len(t, f.fake.AttachedNodes("vol-1"), 3)
}

// TestConcurrentAttachExactlyOneWinner bypasses the synchronous check
// by creating both attachment records directly, then drives both
// through Sync. The writer-slot CAS must let exactly one through.
func TestConcurrentAttachExactlyOneWinner(t *testing.T) {
	f := newAttachFixture(t)
	f.createVolume(t, "vol-1", types.AccessSingleWriter)
	ctx := context.Background()

	ids := []string{
		types.AttachmentID("vol-1", "node-1"),
		types.AttachmentID("vol-1", "node-2"),
	}
	for i, node := range []string{"node-1", "node-2"} {
		require.NoError(t, f.store.CreateAttachment(&types.Attachment{
			ID:           ids[i],
			VolumeID:     "vol-1",
			NodeID:       node,
			DesiredState: types.AttachmentAttached,
			ActualState:  types.AttachmentDetached,
		}))
	}

	// Drive both until they settle, tolerating CAS retries
	for i := 0; i < 10; i++ {
		settled := true
		for _, id := range ids {
			err := f.coord.Sync(ctx, id)
			if err != nil && !errors.Is(err, errdefs.ErrConflict) {
				settled = false
			}
		}
		if settled {
			break
		}
	}

	var attached, failed int
	for _, id := range ids {
		att, err := f.store.GetAttachment(id)
		require.NoError(t, err)
		switch att.ActualState {
		case types.AttachmentAttached:
			attached++
		case types.AttachmentFailed:
			failed++
		}
	}
	assert.Equal(t, 1, attached, "exactly one writer must win")
	assert.Equal(t, 1, failed, "the loser must park in Failed")
	assert.Len(t, f.fake.AttachedNodes("vol-1"), 1)
}

func TestAttachRetryableFailureRollsBack(t *testing.T) {
	f := newAttachFixture(t)
	f.createVolume(t, "vol-1", types.AccessSingleWriter)
	ctx := context.Background()

	att, err := f.coord.RequestAttach("vol-1", "node-a")
	require.NoError(t, err)

	f.fake.FailWith("attach", errdefs.RetryableBackend("attach", errors.New("node busy")))
	err = f.coord.Sync(ctx, att.ID)
	require.Error(t, err)

	got, err := f.store.GetAttachment(att.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AttachmentDetached, got.ActualState)
	assert.Equal(t, 1, got.Attempts)

	// Writer claim released on rollback so nothing wedges
	volume, err := f.store.GetVolume("vol-1")
	require.NoError(t, err)
	assert.Empty(t, volume.WriterNode)

	// Backend recovers, the retry converges
	f.fake.FailWith("attach", nil)
	require.NoError(t, f.coord.Sync(ctx, att.ID))
	got, err = f.store.GetAttachment(att.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AttachmentAttached, got.ActualState)
	assert.Equal(t, 0, got.Attempts)
}

func TestAttachExhaustsAttemptsThenFails(t *testing.T) {
	f := newAttachFixture(t)
	f.createVolume(t, "vol-1", types.AccessSingleWriter)
	ctx := context.Background()

	att, err := f.coord.RequestAttach("vol-1", "node-a")
	require.NoError(t, err)

	f.fake.FailWith("attach", errdefs.RetryableBackend("attach", errors.New("node busy")))
	for i := 0; i < DefaultMaxAttempts; i++ {
		_ = f.coord.Sync(ctx, att.ID)
	}

	got, err := f.store.GetAttachment(att.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AttachmentFailed, got.ActualState)
	assert.Equal(t, DefaultMaxAttempts, got.Attempts)
	assert.NotEmpty(t, got.Reason)

	// Failed attachments stay put until re-requested
	require.NoError(t, f.coord.Sync(ctx, att.ID))
	got, err = f.store.GetAttachment(att.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AttachmentFailed, got.ActualState)
}

func TestAttachPermanentFailureFailsImmediately(t *testing.T) {
	f := newAttachFixture(t)
	f.createVolume(t, "vol-1", types.AccessSingleWriter)
	ctx := context.Background()

	att, err := f.coord.RequestAttach("vol-1", "node-a")
	require.NoError(t, err)

	f.fake.FailWith("attach", errdefs.PermanentBackend("attach", errors.New("incompatible node")))
	require.NoError(t, f.coord.Sync(ctx, att.ID))

	got, err := f.store.GetAttachment(att.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AttachmentFailed, got.ActualState)
	assert.Equal(t, 1, got.Attempts)
}

func TestReattachAfterFailureReset(t *testing.T) {
	f := newAttachFixture(t)
	f.createVolume(t, "vol-1", types.AccessSingleWriter)
	ctx := context.Background()

	att, err := f.coord.RequestAttach("vol-1", "node-a")
	require.NoError(t, err)

	f.fake.FailWith("attach", errdefs.PermanentBackend("attach", errors.New("incompatible node")))
	require.NoError(t, f.coord.Sync(ctx, att.ID))

	f.fake.FailWith("attach", nil)
	att, err = f.coord.RequestAttach("vol-1", "node-a")
	require.NoError(t, err)
	assert.Equal(t, types.AttachmentDetached, att.ActualState)
	assert.Zero(t, att.Attempts)

	require.NoError(t, f.coord.Sync(ctx, att.ID))
	got, err := f.store.GetAttachment(att.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AttachmentAttached, got.ActualState)
}

func TestDetachIdempotent(t *testing.T) {
	f := newAttachFixture(t)
	f.createVolume(t, "vol-1", types.AccessSingleWriter)

	// Detaching a pair that was never attached is a no-op success
	require.NoError(t, f.coord.RequestDetach("vol-1", "node-gone"))
	require.NoError(t, f.coord.Sync(context.Background(), types.AttachmentID("vol-1", "node-gone")))
}

func TestDetachFailureRollsBackToAttached(t *testing.T) {
	f := newAttachFixture(t)
	f.createVolume(t, "vol-1", types.AccessSingleWriter)
	ctx := context.Background()

	att, err := f.coord.RequestAttach("vol-1", "node-a")
	require.NoError(t, err)
	require.NoError(t, f.coord.Sync(ctx, att.ID))

	require.NoError(t, f.coord.RequestDetach("vol-1", "node-a"))
	f.fake.FailWith("detach", errdefs.RetryableBackend("detach", errors.New("node unreachable")))
	err = f.coord.Sync(ctx, att.ID)
	require.Error(t, err)

	got, err := f.store.GetAttachment(att.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AttachmentAttached, got.ActualState)

	// Writer claim must survive a failed detach
	volume, err := f.store.GetVolume("vol-1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", volume.WriterNode)
}

// contestedVolumeStore makes the next UpdateVolume lose its version
// check by sneaking a competing update in first.
type contestedVolumeStore struct {
	storage.Store
	armed bool
}

func (s *contestedVolumeStore) UpdateVolume(volume *types.Volume) error {
	if s.armed {
		s.armed = false
		fresh, err := s.Store.GetVolume(volume.ID)
		if err == nil {
			fresh.Reason = "competing update"
			if err := s.Store.UpdateVolume(fresh); err != nil {
				return err
			}
		}
	}
	return s.Store.UpdateVolume(volume)
}

func TestDetachRetriesWriterReleaseAfterConflict(t *testing.T) {
	f := newAttachFixture(t)
	store := &contestedVolumeStore{Store: f.store}
	registry := backend.NewRegistry()
	registry.Register("fake", f.fake)
	coord := NewCoordinator(store, registry, nil)

	f.createVolume(t, "vol-1", types.AccessSingleWriter)
	ctx := context.Background()

	att, err := coord.RequestAttach("vol-1", "node-1")
	require.NoError(t, err)
	require.NoError(t, coord.Sync(ctx, att.ID))

	volume, err := f.store.GetVolume("vol-1")
	require.NoError(t, err)
	require.Equal(t, "node-1", volume.WriterNode)

	require.NoError(t, coord.RequestDetach("vol-1", "node-1"))

	// The writer release loses its version check on the first pass.
	// The attachment must hold in Detaching so the next Sync retries
	// the release instead of stranding the slot.
	store.armed = true
	err = coord.Sync(ctx, att.ID)
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err), "expected version conflict, got %v", err)

	got, err := f.store.GetAttachment(att.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AttachmentDetaching, got.ActualState)

	require.NoError(t, coord.Sync(ctx, att.ID))

	got, err = f.store.GetAttachment(att.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AttachmentDetached, got.ActualState)

	volume, err = f.store.GetVolume("vol-1")
	require.NoError(t, err)
	assert.Empty(t, volume.WriterNode)

	// The slot is free again for another node
	att2, err := coord.RequestAttach("vol-1", "node-2")
	require.NoError(t, err)
	require.NoError(t, coord.Sync(ctx, att2.ID))
	got, err = f.store.GetAttachment(att2.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AttachmentAttached, got.ActualState)
}
