package attach

import (
	"context"
	"fmt"
	"time"

	"github.com/quarry-sh/quarry/pkg/backend"
	"github.com/quarry-sh/quarry/pkg/errdefs"
	"github.com/quarry-sh/quarry/pkg/events"
	"github.com/quarry-sh/quarry/pkg/log"
	"github.com/quarry-sh/quarry/pkg/storage"
	"github.com/quarry-sh/quarry/pkg/types"
)

// DefaultMaxAttempts bounds backend retries per attach or detach
// before the attachment is marked Failed for operator intervention.
const DefaultMaxAttempts = 5

// Coordinator tracks which node each volume is attached to and drives
// attach and detach state transitions through backend adapters.
//
// Single-writer exclusivity is arbitrated on the volume record: the
// coordinator claims Volume.WriterNode under compare-and-swap before
// issuing any backend attach, so two racing attaches resolve to
// exactly one winner no matter how their backend calls interleave.
type Coordinator struct {
	store       storage.Store
	registry    *backend.Registry
	broker      *events.Broker
	maxAttempts int
}

// NewCoordinator creates an attachment coordinator. broker may be nil.
func NewCoordinator(store storage.Store, registry *backend.Registry, broker *events.Broker) *Coordinator {
	return &Coordinator{
		store:       store,
		registry:    registry,
		broker:      broker,
		maxAttempts: DefaultMaxAttempts,
	}
}

// RequestAttach records the desire to attach a volume to a node. The
// single-writer invariant is checked synchronously: a request that
// would add a second writer is rejected with ErrConflict instead of
// being queued. The actual backend attach happens asynchronously via
// Sync.
func (c *Coordinator) RequestAttach(volumeID, nodeID string) (*types.Attachment, error) {
	if nodeID == "" {
		return nil, errdefs.Validationf("node ID cannot be empty")
	}

	volume, err := c.store.GetVolume(volumeID)
	if err != nil {
		return nil, err
	}
	if volume.Phase != types.VolumeBound {
		return nil, fmt.Errorf("volume %s is %s: %w", volumeID, volume.Phase, errdefs.ErrVolumeNotBound)
	}

	if volume.AccessMode == types.AccessSingleWriter {
		if err := c.checkSingleWriter(volume, nodeID); err != nil {
			return nil, err
		}
	}

	id := types.AttachmentID(volumeID, nodeID)
	att, err := c.store.GetAttachment(id)
	if errdefs.IsNotFound(err) {
		att = &types.Attachment{
			ID:           id,
			VolumeID:     volumeID,
			NodeID:       nodeID,
			DesiredState: types.AttachmentAttached,
			ActualState:  types.AttachmentDetached,
			CreatedAt:    time.Now().UTC(),
			UpdatedAt:    time.Now().UTC(),
		}
		if err := c.store.CreateAttachment(att); err != nil {
			return nil, err
		}
		c.publish(events.EventAttachRequested, att.ID, "attach requested")
		return att, nil
	}
	if err != nil {
		return nil, err
	}

	att.DesiredState = types.AttachmentAttached
	if att.ActualState == types.AttachmentFailed {
		// Operator re-request clears the failure for a fresh run
		att.ActualState = types.AttachmentDetached
		att.Attempts = 0
		att.Reason = ""
	}
	att.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateAttachment(att); err != nil {
		return nil, err
	}
	c.publish(events.EventAttachRequested, att.ID, "attach requested")
	return att, nil
}

// RequestDetach records the desire to detach. Detaching a pair that
// does not exist or is already detached is a no-op success.
func (c *Coordinator) RequestDetach(volumeID, nodeID string) error {
	att, err := c.store.GetAttachment(types.AttachmentID(volumeID, nodeID))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	if att.DesiredState == types.AttachmentDetached {
		return nil
	}
	att.DesiredState = types.AttachmentDetached
	att.Attempts = 0
	att.Reason = ""
	att.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateAttachment(att); err != nil {
		return err
	}
	c.publish(events.EventDetachRequested, att.ID, "detach requested")
	return nil
}

// Sync drives the attachment's actual state one step toward its
// desired state. It is invoked repeatedly by the reconciler; a nil
// return means the attachment converged or is parked in Failed.
func (c *Coordinator) Sync(ctx context.Context, attachmentID string) error {
	att, err := c.store.GetAttachment(attachmentID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}

	switch att.DesiredState {
	case types.AttachmentAttached:
		return c.syncAttach(ctx, att)
	case types.AttachmentDetached:
		return c.syncDetach(ctx, att)
	default:
		return errdefs.Validationf("attachment %s has invalid desired state %q", att.ID, att.DesiredState)
	}
}

func (c *Coordinator) syncAttach(ctx context.Context, att *types.Attachment) error {
	switch att.ActualState {
	case types.AttachmentAttached, types.AttachmentFailed:
		return nil
	case types.AttachmentDetaching:
		// Let the in-flight detach settle first
		return nil
	}

	volume, err := c.store.GetVolume(att.VolumeID)
	if err != nil {
		return err
	}
	if volume.Phase != types.VolumeBound {
		return fmt.Errorf("volume %s is %s: %w", volume.ID, volume.Phase, errdefs.ErrVolumeNotBound)
	}

	// Claim writer slot before touching the backend. The CAS on the
	// volume record is the arbitration point for concurrent attaches.
	if volume.AccessMode == types.AccessSingleWriter && volume.WriterNode != att.NodeID {
		if volume.WriterNode != "" {
			return c.fail(att, fmt.Errorf("volume %s already claimed by writer %s: %w",
				volume.ID, volume.WriterNode, errdefs.ErrConflict))
		}
		volume.WriterNode = att.NodeID
		if err := c.store.UpdateVolume(volume); err != nil {
			// A concurrent writer may have won; re-read on requeue
			return err
		}
	}

	att.ActualState = types.AttachmentAttaching
	att.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateAttachment(att); err != nil {
		return err
	}

	adapter, err := c.adapterFor(volume)
	if err != nil {
		return c.fail(att, err)
	}

	// Backend call happens outside any store transaction; it may take
	// seconds to minutes and must not block other entities.
	if err := adapter.Attach(ctx, volume.Handle, att.NodeID); err != nil {
		return c.rollback(ctx, att, volume, types.AttachmentDetached, err)
	}

	att.ActualState = types.AttachmentAttached
	att.Attempts = 0
	att.Reason = ""
	att.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateAttachment(att); err != nil {
		return err
	}
	c.publish(events.EventAttached, att.ID, "attached to "+att.NodeID)

	log.WithComponent("attach").Info().
		Str("volume_id", att.VolumeID).
		Str("node_id", att.NodeID).
		Msg("Volume attached")
	return nil
}

func (c *Coordinator) syncDetach(ctx context.Context, att *types.Attachment) error {
	if att.ActualState == types.AttachmentDetached {
		return nil
	}

	volume, err := c.store.GetVolume(att.VolumeID)
	if err != nil {
		return err
	}

	att.ActualState = types.AttachmentDetaching
	att.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateAttachment(att); err != nil {
		return err
	}

	adapter, err := c.adapterFor(volume)
	if err != nil {
		return c.fail(att, err)
	}

	if err := adapter.Detach(ctx, volume.Handle, att.NodeID); err != nil {
		return c.rollback(ctx, att, volume, types.AttachmentAttached, err)
	}

	// Release the writer slot before the record flips to Detached. A
	// lost CAS here leaves the attachment in Detaching, so the next
	// Sync retries the release instead of hitting the converged
	// fast path with the slot still held.
	if volume.AccessMode == types.AccessSingleWriter && volume.WriterNode == att.NodeID {
		volume.WriterNode = ""
		if err := c.store.UpdateVolume(volume); err != nil {
			return err
		}
	}

	att.ActualState = types.AttachmentDetached
	att.Attempts = 0
	att.Reason = ""
	att.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateAttachment(att); err != nil {
		return err
	}
	c.publish(events.EventDetached, att.ID, "detached from "+att.NodeID)

	log.WithComponent("attach").Info().
		Str("volume_id", att.VolumeID).
		Str("node_id", att.NodeID).
		Msg("Volume detached")
	return nil
}

// rollback returns the attachment to its prior stable state after a
// failed backend call, counting the attempt. Retryable failures under
// the attempt budget bubble up for backoff; anything else parks the
// attachment in Failed.
func (c *Coordinator) rollback(ctx context.Context, att *types.Attachment, volume *types.Volume, stable types.AttachmentState, cause error) error {
	att.Attempts++
	att.Reason = cause.Error()
	att.UpdatedAt = time.Now().UTC()

	if errdefs.IsRetryable(cause) && att.Attempts < c.maxAttempts {
		att.ActualState = stable
		if err := c.store.UpdateAttachment(att); err != nil {
			return err
		}
		if stable == types.AttachmentDetached {
			c.releaseWriter(volume, att.NodeID)
		}
		return cause
	}

	att.ActualState = types.AttachmentFailed
	if err := c.store.UpdateAttachment(att); err != nil {
		return err
	}
	if stable == types.AttachmentDetached {
		c.releaseWriter(volume, att.NodeID)
	}
	c.publish(events.EventAttachFailed, att.ID, att.Reason)

	log.WithComponent("attach").Error().Err(cause).
		Str("volume_id", att.VolumeID).
		Str("node_id", att.NodeID).
		Int("attempts", att.Attempts).
		Msg("Attachment failed, operator intervention required")
	return nil
}

// fail parks the attachment in Failed without counting an attempt,
// for conditions no retry can fix.
func (c *Coordinator) fail(att *types.Attachment, cause error) error {
	att.ActualState = types.AttachmentFailed
	att.Reason = cause.Error()
	att.UpdatedAt = time.Now().UTC()
	if err := c.store.UpdateAttachment(att); err != nil {
		return err
	}
	c.publish(events.EventAttachFailed, att.ID, att.Reason)
	return cause
}

// releaseWriter drops the writer claim taken by a failed attach.
func (c *Coordinator) releaseWriter(volume *types.Volume, nodeID string) {
	if volume.AccessMode != types.AccessSingleWriter {
		return
	}
	current, err := c.store.GetVolume(volume.ID)
	if err != nil {
		return
	}
	if current.WriterNode != nodeID {
		return
	}
	current.WriterNode = ""
	if err := c.store.UpdateVolume(current); err != nil {
		log.WithComponent("attach").Warn().Err(err).
			Str("volume_id", volume.ID).
			Msg("Failed to release writer claim")
	}
}

func (c *Coordinator) checkSingleWriter(volume *types.Volume, nodeID string) error {
	if volume.WriterNode != "" && volume.WriterNode != nodeID {
		return fmt.Errorf("volume %s already claimed by writer %s: %w",
			volume.ID, volume.WriterNode, errdefs.ErrConflict)
	}
	attachments, err := c.store.ListAttachmentsByVolume(volume.ID)
	if err != nil {
		return err
	}
	for _, other := range attachments {
		if other.NodeID == nodeID {
			continue
		}
		if !other.Detached() && other.ActualState != types.AttachmentFailed {
			return fmt.Errorf("volume %s has attachment %s in state %s: %w",
				volume.ID, other.ID, other.ActualState, errdefs.ErrConflict)
		}
		if other.DesiredState == types.AttachmentAttached && other.ActualState != types.AttachmentFailed {
			return fmt.Errorf("volume %s has pending attach for %s: %w",
				volume.ID, other.NodeID, errdefs.ErrConflict)
		}
	}
	return nil
}

func (c *Coordinator) adapterFor(volume *types.Volume) (backend.Adapter, error) {
	class, err := c.store.GetClass(volume.ClassID)
	if err != nil {
		return nil, err
	}
	return c.registry.Get(class.Backend)
}

func (c *Coordinator) publish(eventType events.EventType, entityID, message string) {
	if c.broker != nil {
		c.broker.Publish(events.New(eventType, entityID, message))
	}
}
