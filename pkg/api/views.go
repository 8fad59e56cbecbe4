package api

import (
	apiv1 "github.com/quarry-sh/quarry/api/v1"
	"github.com/quarry-sh/quarry/pkg/errdefs"
	"github.com/quarry-sh/quarry/pkg/events"
	"github.com/quarry-sh/quarry/pkg/types"
)

// Conversions between stored records and their wire forms.

func claimView(c *types.Claim) apiv1.Claim {
	return apiv1.Claim{
		ID:             c.ID,
		Name:           c.Name,
		Class:          c.ClassID,
		Capacity:       types.FormatCapacity(c.CapacityBytes),
		AccessMode:     string(c.AccessMode),
		SourceSnapshot: c.SourceSnapshotID,
		Phase:          string(c.Phase),
		VolumeID:       c.VolumeID,
		Reason:         c.Reason,
		CreatedAt:      c.CreatedAt,
	}
}

func volumeView(v *types.Volume) apiv1.Volume {
	view := apiv1.Volume{
		ID:         v.ID,
		ClaimID:    v.ClaimID,
		Class:      v.ClassID,
		Capacity:   types.FormatCapacity(v.CapacityBytes),
		AccessMode: string(v.AccessMode),
		Phase:      string(v.Phase),
		Handle:     v.Handle,
		WriterNode: v.WriterNode,
		Encrypted:  len(v.WrappedKey) > 0,
		Reason:     v.Reason,
		CreatedAt:  v.CreatedAt,
	}
	if v.Source != nil {
		view.Source = v.Source.SnapshotID
	}
	return view
}

func snapshotView(s *types.Snapshot) apiv1.Snapshot {
	view := apiv1.Snapshot{
		ID:           s.ID,
		VolumeID:     s.VolumeID,
		State:        string(s.State),
		ActiveClones: s.ActiveClones,
		Reason:       s.Reason,
		CreatedAt:    s.CreatedAt,
	}
	if !s.ReadyAt.IsZero() {
		readyAt := s.ReadyAt
		view.ReadyAt = &readyAt
	}
	return view
}

func attachmentView(a *types.Attachment) apiv1.Attachment {
	return apiv1.Attachment{
		ID:           a.ID,
		VolumeID:     a.VolumeID,
		NodeID:       a.NodeID,
		DesiredState: string(a.DesiredState),
		ActualState:  string(a.ActualState),
		Attempts:     a.Attempts,
		Reason:       a.Reason,
	}
}

func classView(c *types.StorageClass) apiv1.Class {
	view := apiv1.Class{
		ID:          c.ID,
		Media:       string(c.Media),
		Replication: c.ReplicationFactor,
		Encrypted:   c.Encrypted,
		Backend:     c.Backend,
		Default:     c.Default,
		Parameters:  c.Parameters,
	}
	if c.MinBytes > 0 {
		view.MinSize = types.FormatCapacity(c.MinBytes)
	}
	if c.MaxBytes > 0 {
		view.MaxSize = types.FormatCapacity(c.MaxBytes)
	}
	return view
}

func eventView(e *events.Event) apiv1.Event {
	return apiv1.Event{
		ID:        e.ID,
		Type:      string(e.Type),
		EntityID:  e.EntityID,
		Timestamp: e.Timestamp,
		Message:   e.Message,
	}
}

func classFromView(view apiv1.Class) (*types.StorageClass, error) {
	if view.ID == "" {
		return nil, errdefs.Validationf("storage class requires an id")
	}
	if view.Backend == "" {
		return nil, errdefs.Validationf("storage class %s requires a backend", view.ID)
	}

	media := types.MediaType(view.Media)
	switch media {
	case types.MediaSSD, types.MediaHDD, types.MediaNVMe:
	case "":
		media = types.MediaSSD
	default:
		return nil, errdefs.Validationf("unknown media %q", view.Media)
	}

	class := &types.StorageClass{
		ID:                view.ID,
		Media:             media,
		ReplicationFactor: view.Replication,
		Encrypted:         view.Encrypted,
		Backend:           view.Backend,
		Default:           view.Default,
		Parameters:        view.Parameters,
	}
	if class.ReplicationFactor <= 0 {
		class.ReplicationFactor = 1
	}

	var err error
	if view.MinSize != "" {
		if class.MinBytes, err = types.ParseCapacity(view.MinSize); err != nil {
			return nil, errdefs.Validationf("min_size: %v", err)
		}
	}
	if view.MaxSize != "" {
		if class.MaxBytes, err = types.ParseCapacity(view.MaxSize); err != nil {
			return nil, errdefs.Validationf("max_size: %v", err)
		}
	}
	if class.MinBytes > 0 && class.MaxBytes > 0 && class.MinBytes > class.MaxBytes {
		return nil, errdefs.Validationf("min_size exceeds max_size")
	}

	return class, nil
}
