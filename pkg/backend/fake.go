package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/quarry-sh/quarry/pkg/errdefs"
	"github.com/quarry-sh/quarry/pkg/types"
)

// Fake is an in-memory Adapter for tests. Failures are injected per
// operation and snapshot readiness is controlled explicitly, so tests
// can exercise the asynchronous paths without a real backend.
type Fake struct {
	mu sync.Mutex

	volumes   map[string]VolumeSpec
	snapshots map[string]types.SnapshotState
	attached  map[string]map[string]bool

	// failures maps an operation name (create_volume, attach, ...) to
	// the error its next invocations return.
	failures map[string]error

	// AsyncSnapshots keeps new snapshots Pending until MarkSnapshotReady.
	AsyncSnapshots bool

	calls map[string]int
}

// NewFake creates an empty fake adapter.
func NewFake() *Fake {
	return &Fake{
		volumes:   make(map[string]VolumeSpec),
		snapshots: make(map[string]types.SnapshotState),
		attached:  make(map[string]map[string]bool),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

// FailWith makes the named operation return err until cleared with a
// nil err.
func (f *Fake) FailWith(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

// Calls returns how many times the named operation ran, injected
// failures included.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// VolumeCount returns the number of provisioned volumes.
func (f *Fake) VolumeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.volumes)
}

// AttachedNodes returns the nodes a volume is currently attached to.
func (f *Fake) AttachedNodes(handle string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var nodes []string
	for node := range f.attached[handle] {
		nodes = append(nodes, node)
	}
	return nodes
}

// MarkSnapshotReady flips a pending snapshot to Ready.
func (f *Fake) MarkSnapshotReady(snapshotHandle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.snapshots[snapshotHandle]; ok {
		f.snapshots[snapshotHandle] = types.SnapshotReady
	}
}

// MarkSnapshotFailed flips a pending snapshot to Failed.
func (f *Fake) MarkSnapshotFailed(snapshotHandle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.snapshots[snapshotHandle]; ok {
		f.snapshots[snapshotHandle] = types.SnapshotFailed
	}
}

func (f *Fake) begin(op string) error {
	f.calls[op]++
	return f.failures[op]
}

func (f *Fake) CreateVolume(ctx context.Context, spec VolumeSpec) (string, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("create_volume"); err != nil {
		return "", 0, err
	}
	if existing, ok := f.volumes[spec.Token]; ok {
		return spec.Token, existing.CapacityBytes, nil
	}
	if spec.SourceHandle != "" {
		if f.snapshots[spec.SourceHandle] != types.SnapshotReady {
			return "", 0, errdefs.PermanentBackend("create_volume",
				fmt.Errorf("snapshot %s not available", spec.SourceHandle))
		}
	}
	stored := spec
	stored.CapacityBytes = roundUp(spec.CapacityBytes, types.Mebibyte)
	f.volumes[spec.Token] = stored
	return spec.Token, stored.CapacityBytes, nil
}

func (f *Fake) DeleteVolume(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("delete_volume"); err != nil {
		return err
	}
	delete(f.volumes, handle)
	delete(f.attached, handle)
	return nil
}

func (f *Fake) Attach(ctx context.Context, handle, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("attach"); err != nil {
		return err
	}
	if _, ok := f.volumes[handle]; !ok {
		return errdefs.PermanentBackend("attach", fmt.Errorf("volume %s not found", handle))
	}
	if f.attached[handle] == nil {
		f.attached[handle] = make(map[string]bool)
	}
	f.attached[handle][nodeID] = true
	return nil
}

func (f *Fake) Detach(ctx context.Context, handle, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("detach"); err != nil {
		return err
	}
	delete(f.attached[handle], nodeID)
	return nil
}

func (f *Fake) CreateSnapshot(ctx context.Context, handle, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("create_snapshot"); err != nil {
		return "", err
	}
	if _, ok := f.volumes[handle]; !ok {
		return "", errdefs.PermanentBackend("create_snapshot", fmt.Errorf("volume %s not found", handle))
	}
	if _, ok := f.snapshots[token]; !ok {
		if f.AsyncSnapshots {
			f.snapshots[token] = types.SnapshotPending
		} else {
			f.snapshots[token] = types.SnapshotReady
		}
	}
	return token, nil
}

func (f *Fake) SnapshotStatus(ctx context.Context, snapshotHandle string) (types.SnapshotState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("snapshot_status"); err != nil {
		return "", err
	}
	state, ok := f.snapshots[snapshotHandle]
	if !ok {
		return types.SnapshotFailed, nil
	}
	return state, nil
}

func (f *Fake) DeleteSnapshot(ctx context.Context, snapshotHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("delete_snapshot"); err != nil {
		return err
	}
	delete(f.snapshots, snapshotHandle)
	return nil
}

func (f *Fake) Probe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.begin("probe")
}
