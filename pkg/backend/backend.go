package backend

import (
	"context"
	"sort"
	"sync"

	"github.com/quarry-sh/quarry/pkg/errdefs"
	"github.com/quarry-sh/quarry/pkg/types"
)

// VolumeSpec carries everything an adapter needs to materialize a volume.
// Token is the idempotency token: adapters must return the same volume
// for repeated calls with the same token, never a duplicate.
type VolumeSpec struct {
	// Token is derived from the claim ID and stable across retries.
	Token string

	// CapacityBytes is the requested size. Adapters may round up and
	// return the actual provisioned size from CreateVolume.
	CapacityBytes int64

	Media       types.MediaType
	Replication int
	Parameters  map[string]string

	// SourceHandle names a snapshot to clone data from. Empty for a
	// blank volume.
	SourceHandle string

	// DataKey is the plaintext volume encryption key for encrypted
	// storage classes, nil otherwise. Adapters must never persist it.
	DataKey []byte
}

// Adapter performs the actual storage operations against one backend.
// All calls must be safe to retry: a timeout does not mean the
// operation failed, so the caller will invoke again with the same
// token or handle and expects the adapter to converge.
type Adapter interface {
	// CreateVolume provisions a volume and returns its backend handle
	// and the actual capacity, which is at least spec.CapacityBytes.
	CreateVolume(ctx context.Context, spec VolumeSpec) (handle string, capacityBytes int64, err error)

	// DeleteVolume removes a volume. Deleting an unknown handle is a
	// no-op success.
	DeleteVolume(ctx context.Context, handle string) error

	// Attach makes the volume available on the given node.
	Attach(ctx context.Context, handle, nodeID string) error

	// Detach reverses Attach. Detaching a pair that is not attached is
	// a no-op success.
	Detach(ctx context.Context, handle, nodeID string) error

	// CreateSnapshot starts a point-in-time snapshot of the volume.
	// The returned handle may refer to a snapshot that is still
	// materializing; readiness is observed through SnapshotStatus.
	CreateSnapshot(ctx context.Context, handle, token string) (string, error)

	// SnapshotStatus reports whether a snapshot has finished
	// materializing on the backend.
	SnapshotStatus(ctx context.Context, snapshotHandle string) (types.SnapshotState, error)

	// DeleteSnapshot removes a snapshot. Unknown handles are a no-op.
	DeleteSnapshot(ctx context.Context, snapshotHandle string) error

	// Probe checks backend reachability for health reporting.
	Probe(ctx context.Context) error
}

// Registry maps backend names, as referenced by storage classes, to
// their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter under the given name, replacing any
// previous registration.
func (r *Registry) Register(name string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = adapter
}

// Get returns the adapter for a backend name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[name]
	if !ok {
		return nil, errdefs.Validationf("unknown backend %q", name)
	}
	return adapter, nil
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
