package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quarry-sh/quarry/pkg/backend"
	"github.com/quarry-sh/quarry/pkg/errdefs"
	"github.com/quarry-sh/quarry/pkg/events"
	"github.com/quarry-sh/quarry/pkg/log"
	"github.com/quarry-sh/quarry/pkg/security"
	"github.com/quarry-sh/quarry/pkg/storage"
	"github.com/quarry-sh/quarry/pkg/types"
)

// VolumeIDForClaim derives the volume ID, and the backend idempotency
// token, from the claim ID. The derivation is deterministic so a crash
// between the backend create and the record write cannot double
// provision: the retry presents the same token and adopts whatever the
// first attempt produced.
func VolumeIDForClaim(claimID string) string {
	return "vol-" + claimID
}

// Engine matches pending claims to storage classes and drives volume
// creation and deletion through backend adapters.
type Engine struct {
	store    storage.Store
	registry *backend.Registry
	keys     *security.KeyManager
	broker   *events.Broker
}

// NewEngine creates a provisioning engine. keys may be nil when no
// encrypted storage classes are configured; broker may be nil to
// disable event publication.
func NewEngine(store storage.Store, registry *backend.Registry, keys *security.KeyManager, broker *events.Broker) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		keys:     keys,
		broker:   broker,
	}
}

// Provision satisfies a claim with a bound volume. It is idempotent:
// invoking it again for a bound claim returns the existing volume, and
// a crash-interrupted invocation converges on retry via the
// idempotency token.
//
// Retryable backend failures leave the claim Pending and are returned
// for the caller to back off on. Validation and permanent backend
// failures mark the claim Failed with a reason before returning.
func (e *Engine) Provision(ctx context.Context, claimID string) (*types.Volume, error) {
	claim, err := e.store.GetClaim(claimID)
	if err != nil {
		return nil, err
	}

	switch claim.Phase {
	case types.ClaimBound:
		return e.store.GetVolume(claim.VolumeID)
	case types.ClaimReleased, types.ClaimFailed:
		return nil, errdefs.Validationf("claim %s is %s, not provisionable", claimID, claim.Phase)
	}

	class, err := e.resolveClass(claim.ClassID)
	if err != nil {
		return nil, e.failClaim(claim, err)
	}
	if err := checkCapacity(claim.CapacityBytes, class); err != nil {
		return nil, e.failClaim(claim, err)
	}

	accessMode := claim.AccessMode
	if accessMode == "" {
		accessMode = types.AccessSingleWriter
	}

	adapter, err := e.registry.Get(class.Backend)
	if err != nil {
		return nil, e.failClaim(claim, err)
	}

	spec := backend.VolumeSpec{
		Token:         VolumeIDForClaim(claim.ID),
		CapacityBytes: claim.CapacityBytes,
		Media:         class.Media,
		Replication:   class.ReplicationFactor,
		Parameters:    class.Parameters,
	}

	var source *types.SnapshotRef
	if claim.SourceSnapshotID != "" {
		snap, guard, err := e.acquireCloneSource(claim.SourceSnapshotID)
		if err != nil {
			if errdefs.IsWait(err) || errdefs.IsConflict(err) || errdefs.IsNotFound(err) {
				return nil, err
			}
			return nil, e.failClaim(claim, err)
		}
		defer guard()
		spec.SourceHandle = snap.Handle
		source = &types.SnapshotRef{SnapshotID: snap.ID, Handle: snap.Handle}
	}

	var wrappedKey []byte
	if class.Encrypted {
		if e.keys == nil {
			return nil, e.failClaim(claim, errdefs.Validationf("class %s is encrypted but no key manager is configured", class.ID))
		}
		dataKey, err := security.GenerateDataKey()
		if err != nil {
			return nil, err
		}
		wrappedKey, err = e.keys.WrapKey(dataKey)
		if err != nil {
			return nil, err
		}
		spec.DataKey = dataKey
	}

	handle, capacity, err := adapter.CreateVolume(ctx, spec)
	if err != nil {
		if errdefs.IsRetryable(err) {
			log.WithComponent("provision").Warn().Err(err).
				Str("claim_id", claim.ID).
				Msg("Backend create failed, will retry")
			return nil, err
		}
		return nil, e.failClaim(claim, err)
	}

	volume := &types.Volume{
		ID:             VolumeIDForClaim(claim.ID),
		ClaimID:        claim.ID,
		ClassID:        class.ID,
		RequestedBytes: claim.CapacityBytes,
		CapacityBytes:  capacity,
		AccessMode:     accessMode,
		Phase:          types.VolumeBound,
		Handle:         handle,
		Source:         source,
		WrappedKey:     wrappedKey,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.CreateVolume(volume); err != nil {
		if !errors.Is(err, errdefs.ErrAlreadyExists) {
			return nil, err
		}
		// A previous attempt got as far as the record write
		volume, err = e.store.GetVolume(volume.ID)
		if err != nil {
			return nil, err
		}
	}

	claim.Phase = types.ClaimBound
	claim.VolumeID = volume.ID
	claim.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateClaim(claim); err != nil {
		return nil, err
	}

	e.publish(events.EventClaimBound, claim.ID, "claim bound to "+volume.ID)
	e.publish(events.EventVolumeProvisioned, volume.ID,
		fmt.Sprintf("provisioned %s on %s", types.FormatCapacity(volume.CapacityBytes), class.Backend))

	log.WithComponent("provision").Info().
		Str("claim_id", claim.ID).
		Str("volume_id", volume.ID).
		Str("class", class.ID).
		Int64("capacity_bytes", volume.CapacityBytes).
		Msg("Volume provisioned")

	return volume, nil
}

// Release tears down a volume once nothing is attached to it. It fails
// ErrVolumeInUse while any attachment is not detached. The volume
// record survives as a Deleted tombstone until Purge removes it.
func (e *Engine) Release(ctx context.Context, volumeID string) error {
	volume, err := e.store.GetVolume(volumeID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	if volume.Phase == types.VolumeDeleted {
		return nil
	}

	attachments, err := e.store.ListAttachmentsByVolume(volumeID)
	if err != nil {
		return err
	}
	for _, att := range attachments {
		if !att.Detached() {
			return fmt.Errorf("attachment %s is %s: %w", att.ID, att.ActualState, errdefs.ErrVolumeInUse)
		}
	}

	if volume.Phase != types.VolumeReleasing {
		volume.Phase = types.VolumeReleasing
		if err := e.store.UpdateVolume(volume); err != nil {
			return err
		}
		e.publish(events.EventVolumeReleasing, volume.ID, "volume releasing")
	}

	class, err := e.store.GetClass(volume.ClassID)
	if err != nil {
		return err
	}
	adapter, err := e.registry.Get(class.Backend)
	if err != nil {
		return err
	}
	if err := adapter.DeleteVolume(ctx, volume.Handle); err != nil {
		return err
	}

	// Detached attachment records are bookkeeping only at this point
	for _, att := range attachments {
		if err := e.store.DeleteAttachment(att.ID); err != nil {
			return err
		}
	}

	volume.Phase = types.VolumeDeleted
	volume.DeletedAt = time.Now().UTC()
	if err := e.store.UpdateVolume(volume); err != nil {
		return err
	}
	e.publish(events.EventVolumeDeleted, volume.ID, "volume deleted")

	if volume.ClaimID != "" {
		claim, err := e.store.GetClaim(volume.ClaimID)
		if err == nil && claim.Phase != types.ClaimReleased {
			claim.Phase = types.ClaimReleased
			claim.UpdatedAt = time.Now().UTC()
			if err := e.store.UpdateClaim(claim); err != nil {
				return err
			}
			e.publish(events.EventClaimReleased, claim.ID, "claim released")
		}
	}

	log.WithComponent("provision").Info().Str("volume_id", volume.ID).Msg("Volume released")
	return nil
}

// Purge removes Deleted volume tombstones, and their released claims,
// older than the grace period.
func (e *Engine) Purge(ctx context.Context, grace time.Duration) error {
	volumes, err := e.store.ListVolumes()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-grace)
	for _, volume := range volumes {
		if volume.Phase != types.VolumeDeleted || volume.DeletedAt.After(cutoff) {
			continue
		}
		if volume.ClaimID != "" {
			claim, err := e.store.GetClaim(volume.ClaimID)
			if err == nil && claim.Phase == types.ClaimReleased {
				if err := e.store.DeleteClaim(claim.ID); err != nil {
					return err
				}
			}
		}
		if err := e.store.DeleteVolume(volume.ID); err != nil {
			return err
		}
	}
	return nil
}

// acquireCloneSource checks snapshot readiness and takes a clone
// reference on it. The returned guard drops the reference and must be
// called once the backend create has finished either way.
func (e *Engine) acquireCloneSource(snapshotID string) (*types.Snapshot, func(), error) {
	snap, err := e.store.GetSnapshot(snapshotID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			// The snapshot request may simply not have landed yet
			return nil, nil, fmt.Errorf("snapshot %s not recorded: %w", snapshotID, errdefs.ErrSnapshotNotReady)
		}
		return nil, nil, err
	}
	if snap.State != types.SnapshotReady {
		return nil, nil, fmt.Errorf("snapshot %s is %s: %w", snapshotID, snap.State, errdefs.ErrSnapshotNotReady)
	}

	snap.ActiveClones++
	if err := e.store.UpdateSnapshot(snap); err != nil {
		return nil, nil, err
	}

	guard := func() {
		// Re-read so the decrement survives unrelated snapshot
		// updates, and retry lost CAS races. A dropped decrement would
		// pin ActiveClones above zero and block deletion forever.
		for {
			current, err := e.store.GetSnapshot(snapshotID)
			if err != nil || current.ActiveClones == 0 {
				return
			}
			current.ActiveClones--
			err = e.store.UpdateSnapshot(current)
			if err == nil {
				return
			}
			if !errdefs.IsConflict(err) {
				log.WithComponent("provision").Warn().Err(err).
					Str("snapshot_id", snapshotID).
					Msg("Failed to drop clone reference")
				return
			}
		}
	}
	return snap, guard, nil
}

// resolveClass returns the named class, or the cluster default when
// classID is empty.
func (e *Engine) resolveClass(classID string) (*types.StorageClass, error) {
	if classID != "" {
		class, err := e.store.GetClass(classID)
		if err != nil {
			if errdefs.IsNotFound(err) {
				return nil, errdefs.Validationf("storage class %q not found", classID)
			}
			return nil, err
		}
		return class, nil
	}

	classes, err := e.store.ListClasses()
	if err != nil {
		return nil, err
	}
	for _, class := range classes {
		if class.Default {
			return class, nil
		}
	}
	return nil, errdefs.Validationf("no storage class named and no default configured")
}

func checkCapacity(requested int64, class *types.StorageClass) error {
	if requested <= 0 {
		return errdefs.Validationf("requested capacity must be positive")
	}
	if class.MinBytes > 0 && requested < class.MinBytes {
		return fmt.Errorf("requested %s below class minimum %s: %w",
			types.FormatCapacity(requested), types.FormatCapacity(class.MinBytes), errdefs.ErrCapacityExceeded)
	}
	if class.MaxBytes > 0 && requested > class.MaxBytes {
		return fmt.Errorf("requested %s above class maximum %s: %w",
			types.FormatCapacity(requested), types.FormatCapacity(class.MaxBytes), errdefs.ErrCapacityExceeded)
	}
	return nil
}

// failClaim marks the claim terminally Failed with the error as reason
// and returns the original error.
func (e *Engine) failClaim(claim *types.Claim, cause error) error {
	claim.Phase = types.ClaimFailed
	claim.Reason = cause.Error()
	claim.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateClaim(claim); err != nil {
		return err
	}
	e.publish(events.EventClaimFailed, claim.ID, claim.Reason)
	log.WithComponent("provision").Error().Err(cause).
		Str("claim_id", claim.ID).
		Msg("Claim failed permanently")
	return cause
}

func (e *Engine) publish(eventType events.EventType, entityID, message string) {
	if e.broker != nil {
		e.broker.Publish(events.New(eventType, entityID, message))
	}
}
