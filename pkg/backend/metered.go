package backend

import (
	"context"
	"time"

	"github.com/quarry-sh/quarry/pkg/metrics"
	"github.com/quarry-sh/quarry/pkg/types"
)

// Metered wraps an Adapter and records operation counts and latencies
// for every call it forwards.
type Metered struct {
	name    string
	adapter Adapter
}

// NewMetered wraps adapter with metrics recorded under the given
// backend name.
func NewMetered(name string, adapter Adapter) *Metered {
	return &Metered{name: name, adapter: adapter}
}

func (m *Metered) observe(op string, start time.Time, err error) {
	metrics.RecordBackendOp(m.name, op, time.Since(start), err)
}

func (m *Metered) CreateVolume(ctx context.Context, spec VolumeSpec) (string, int64, error) {
	start := time.Now()
	handle, capacity, err := m.adapter.CreateVolume(ctx, spec)
	m.observe("create_volume", start, err)
	return handle, capacity, err
}

func (m *Metered) DeleteVolume(ctx context.Context, handle string) error {
	start := time.Now()
	err := m.adapter.DeleteVolume(ctx, handle)
	m.observe("delete_volume", start, err)
	return err
}

func (m *Metered) Attach(ctx context.Context, handle, nodeID string) error {
	start := time.Now()
	err := m.adapter.Attach(ctx, handle, nodeID)
	m.observe("attach", start, err)
	return err
}

func (m *Metered) Detach(ctx context.Context, handle, nodeID string) error {
	start := time.Now()
	err := m.adapter.Detach(ctx, handle, nodeID)
	m.observe("detach", start, err)
	return err
}

func (m *Metered) CreateSnapshot(ctx context.Context, handle, token string) (string, error) {
	start := time.Now()
	snapHandle, err := m.adapter.CreateSnapshot(ctx, handle, token)
	m.observe("create_snapshot", start, err)
	return snapHandle, err
}

func (m *Metered) SnapshotStatus(ctx context.Context, snapshotHandle string) (types.SnapshotState, error) {
	start := time.Now()
	state, err := m.adapter.SnapshotStatus(ctx, snapshotHandle)
	m.observe("snapshot_status", start, err)
	return state, err
}

func (m *Metered) DeleteSnapshot(ctx context.Context, snapshotHandle string) error {
	start := time.Now()
	err := m.adapter.DeleteSnapshot(ctx, snapshotHandle)
	m.observe("delete_snapshot", start, err)
	return err
}

func (m *Metered) Probe(ctx context.Context) error {
	start := time.Now()
	err := m.adapter.Probe(ctx)
	m.observe("probe", start, err)
	return err
}
