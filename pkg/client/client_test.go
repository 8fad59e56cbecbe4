package client_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apiv1 "github.com/quarry-sh/quarry/api/v1"
	"github.com/quarry-sh/quarry/pkg/api"
	"github.com/quarry-sh/quarry/pkg/client"
	"github.com/quarry-sh/quarry/pkg/manager"
	"github.com/quarry-sh/quarry/pkg/reconciler"
	"github.com/quarry-sh/quarry/pkg/types"
)

func newTestClient(t *testing.T) *client.Client {
	t.Helper()

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:     "node-1",
		DataDir:    t.TempDir(),
		VolumeRoot: t.TempDir(),
		Reconcile: reconciler.Config{
			RescanInterval: 50 * time.Millisecond,
			WaitDelay:      20 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	require.NoError(t, mgr.PutClass(&types.StorageClass{
		ID:      "standard",
		Media:   types.MediaSSD,
		Backend: "localdir",
		Default: true,
	}))
	require.NoError(t, mgr.Start())
	t.Cleanup(func() { mgr.Shutdown() })

	srv := httptest.NewServer(api.NewServer(mgr).Handler())
	t.Cleanup(srv.Close)

	return client.New(srv.URL)
}

func TestClaimRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	claim, err := c.CreateClaim(ctx, apiv1.CreateClaimRequest{
		Name:     "data",
		Capacity: "1Mi",
	})
	require.NoError(t, err)
	require.NotEmpty(t, claim.ID)

	require.Eventually(t, func() bool {
		got, err := c.GetClaim(ctx, claim.ID)
		return err == nil && got.Phase == "bound"
	}, 5*time.Second, 20*time.Millisecond, "claim never bound")

	claims, err := c.ListClaims(ctx)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	volume, err := c.GetVolume(ctx, claims[0].VolumeID)
	require.NoError(t, err)
	assert.Equal(t, "bound", volume.Phase)

	require.NoError(t, c.DeleteClaim(ctx, claim.ID))
}

func TestErrorClassification(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.GetClaim(ctx, "missing")
	assert.True(t, client.IsNotFound(err), "expected not found, got %v", err)

	// Snapshotting an unknown volume conflicts.
	_, err = c.CreateSnapshot(ctx, "vol-missing")
	assert.True(t, client.IsConflict(err), "expected conflict, got %v", err)
}

func TestStreamEvents(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan apiv1.Event, 16)
	go func() {
		_ = c.StreamEvents(ctx, func(e apiv1.Event) {
			received <- e
		})
	}()

	// Give the stream a moment to subscribe before generating events.
	time.Sleep(100 * time.Millisecond)

	_, err := c.CreateClaim(ctx, apiv1.CreateClaimRequest{Name: "data", Capacity: "1Mi"})
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, "claim.created", event.Type)
		assert.NotEmpty(t, event.EntityID)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}
