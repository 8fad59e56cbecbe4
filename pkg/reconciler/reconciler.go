package reconciler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/quarry-sh/quarry/pkg/attach"
	"github.com/quarry-sh/quarry/pkg/errdefs"
	"github.com/quarry-sh/quarry/pkg/events"
	"github.com/quarry-sh/quarry/pkg/log"
	"github.com/quarry-sh/quarry/pkg/metrics"
	"github.com/quarry-sh/quarry/pkg/provision"
	"github.com/quarry-sh/quarry/pkg/snapshot"
	"github.com/quarry-sh/quarry/pkg/storage"
	"github.com/quarry-sh/quarry/pkg/types"
)

// Config tunes the reconciliation loop.
type Config struct {
	// Workers is the number of concurrent dispatch goroutines.
	Workers int

	// RescanInterval is how often stored state is re-scanned to catch
	// missed events. The loop is level triggered: the rescan alone is
	// enough for convergence, events just make it faster.
	RescanInterval time.Duration

	// BackendTimeout bounds every backend call made from a dispatch.
	BackendTimeout time.Duration

	// MaxAttempts bounds consecutive retryable failures per entity
	// before it is marked Failed.
	MaxAttempts int

	// WaitDelay is the revisit delay for wait conditions (snapshot not
	// ready, volume still attached). These do not consume attempts.
	WaitDelay time.Duration

	// PurgeGrace is how long Deleted volume tombstones linger.
	PurgeGrace time.Duration

	// IsLeader gates dispatching. Under raft only the leader mutates
	// state; followers keep their queues but sit idle. nil means
	// always leader.
	IsLeader func() bool

	// Clock drives requeue timers. Defaults to the wall clock.
	Clock clock.Clock
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RescanInterval <= 0 {
		c.RescanInterval = 30 * time.Second
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = 2 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = 5 * time.Second
	}
	if c.PurgeGrace <= 0 {
		c.PurgeGrace = time.Hour
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
}

// Reconciler drives every pending entity's next legal transition by
// dispatching to the provisioning engine, attachment coordinator, and
// snapshot manager until stored state matches desired state.
type Reconciler struct {
	store       storage.Store
	provisioner *provision.Engine
	attacher    *attach.Coordinator
	snapshots   *snapshot.Manager
	broker      *events.Broker

	cfg     Config
	queue   *Queue
	backoff *Backoff
	busy    *busySet

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a reconciler over the given components.
func New(store storage.Store, provisioner *provision.Engine, attacher *attach.Coordinator, snapshots *snapshot.Manager, broker *events.Broker, cfg Config) *Reconciler {
	cfg.applyDefaults()
	return &Reconciler{
		store:       store,
		provisioner: provisioner,
		attacher:    attacher,
		snapshots:   snapshots,
		broker:      broker,
		cfg:         cfg,
		queue:       NewQueue(),
		backoff:     NewBackoff(),
		busy:        newBusySet(),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the workers, the event feed, and the rescan ticker.
func (r *Reconciler) Start() {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}

	if r.broker != nil {
		r.wg.Add(1)
		go r.eventFeed()
	}

	r.wg.Add(1)
	go r.rescanLoop()

	metrics.UpdateComponent("reconciler", true, "")
	log.WithComponent("reconciler").Info().
		Int("workers", r.cfg.Workers).
		Dur("rescan_interval", r.cfg.RescanInterval).
		Msg("Reconciler started")
}

// Stop shuts down the loop and waits for in-flight dispatches.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.queue.Close()
	})
	r.wg.Wait()
}

// Enqueue adds an entity to the work queue.
func (r *Reconciler) Enqueue(kind Kind, id string) {
	r.queue.Add(Item{Kind: kind, ID: id})
}

// enqueueAfter re-adds an item once the delay elapses.
func (r *Reconciler) enqueueAfter(item Item, delay time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-r.cfg.Clock.After(delay):
			r.queue.Add(item)
		case <-r.stopCh:
		}
	}()
}

func (r *Reconciler) isLeader() bool {
	return r.cfg.IsLeader == nil || r.cfg.IsLeader()
}

func (r *Reconciler) eventFeed() {
	defer r.wg.Done()
	sub := r.broker.Subscribe()
	defer r.broker.Unsubscribe(sub)

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			if item, ok := itemForEvent(event); ok {
				r.queue.Add(item)
			}
		case <-r.stopCh:
			return
		}
	}
}

// itemForEvent maps an event to the entity it concerns by its type
// prefix.
func itemForEvent(event *events.Event) (Item, bool) {
	if event == nil || event.EntityID == "" {
		return Item{}, false
	}
	prefix, _, found := strings.Cut(string(event.Type), ".")
	if !found {
		return Item{}, false
	}
	switch prefix {
	case "claim":
		return Item{Kind: KindClaim, ID: event.EntityID}, true
	case "volume":
		return Item{Kind: KindVolume, ID: event.EntityID}, true
	case "snapshot":
		return Item{Kind: KindSnapshot, ID: event.EntityID}, true
	case "attachment":
		return Item{Kind: KindAttachment, ID: event.EntityID}, true
	}
	return Item{}, false
}

func (r *Reconciler) rescanLoop() {
	defer r.wg.Done()
	// Scan once at startup to pick up state left over from a crash
	r.rescan()

	ticker := time.NewTicker(r.cfg.RescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.rescan()
		case <-r.stopCh:
			return
		}
	}
}

// rescan walks stored state and enqueues every entity that is not in
// a terminal or converged position. This catches events lost to
// crashes or full subscriber buffers.
func (r *Reconciler) rescan() {
	if !r.isLeader() {
		return
	}

	if claims, err := r.store.ListClaims(); err == nil {
		for _, claim := range claims {
			if claim.Phase == types.ClaimPending || claim.Phase == types.ClaimReleased {
				r.queue.Add(Item{Kind: KindClaim, ID: claim.ID})
			}
		}
	}

	if volumes, err := r.store.ListVolumes(); err == nil {
		for _, volume := range volumes {
			if volume.Phase == types.VolumeReleasing {
				r.queue.Add(Item{Kind: KindVolume, ID: volume.ID})
			}
		}
	}

	if snapshots, err := r.store.ListSnapshots(); err == nil {
		for _, snap := range snapshots {
			if snap.State == types.SnapshotPending {
				r.queue.Add(Item{Kind: KindSnapshot, ID: snap.ID})
			}
		}
	}

	if attachments, err := r.store.ListAttachments(); err == nil {
		for _, att := range attachments {
			if att.ActualState != att.DesiredState && att.ActualState != types.AttachmentFailed {
				r.queue.Add(Item{Kind: KindAttachment, ID: att.ID})
			}
		}
	}

	if err := r.provisioner.Purge(context.Background(), r.cfg.PurgeGrace); err != nil {
		log.WithComponent("reconciler").Warn().Err(err).Msg("Tombstone purge failed")
	}
}

func (r *Reconciler) worker() {
	defer r.wg.Done()
	for {
		item, ok := r.queue.Get()
		if !ok {
			return
		}

		if !r.isLeader() {
			// Followers drop work; the leader's rescan owns it
			continue
		}

		if !r.busy.tryAcquire(item) {
			// Another worker holds this entity; come back shortly
			r.enqueueAfter(item, 100*time.Millisecond)
			continue
		}
		r.process(item)
		r.busy.release(item)
	}
}

func (r *Reconciler) process(item Item) {
	timer := metrics.NewTimer()
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.BackendTimeout)
	err := r.dispatch(ctx, item)
	cancel()

	switch {
	case err == nil:
		r.backoff.Clear(item)
		metrics.RecordReconcile(string(item.Kind), "ok", timer.Duration())

	case errdefs.IsConflict(err):
		// Lost a CAS race; re-read immediately with fresh state
		metrics.RecordReconcile(string(item.Kind), "conflict", timer.Duration())
		r.queue.Add(item)

	case errdefs.IsWait(err):
		// Blocked on other work completing; poll without burning an
		// attempt
		metrics.RecordReconcile(string(item.Kind), "wait", timer.Duration())
		r.enqueueAfter(item, r.cfg.WaitDelay)

	case errdefs.IsRetryable(err):
		delay, attempts := r.backoff.Next(item)
		if attempts >= r.cfg.MaxAttempts {
			metrics.RecordReconcile(string(item.Kind), "exhausted", timer.Duration())
			r.markFailed(item, err)
			r.backoff.Clear(item)
			break
		}
		metrics.RecordReconcile(string(item.Kind), "retry", timer.Duration())
		log.WithComponent("reconciler").Warn().Err(err).
			Str("kind", string(item.Kind)).
			Str("id", item.ID).
			Int("attempt", attempts).
			Dur("delay", delay).
			Msg("Dispatch failed, backing off")
		r.enqueueAfter(item, delay)

	default:
		// Terminal: the component already surfaced the reason on the
		// entity's status
		metrics.RecordReconcile(string(item.Kind), "terminal", timer.Duration())
		r.backoff.Clear(item)
	}
}

func (r *Reconciler) dispatch(ctx context.Context, item Item) error {
	switch item.Kind {
	case KindClaim:
		return r.dispatchClaim(ctx, item.ID)
	case KindVolume:
		return r.dispatchVolume(ctx, item.ID)
	case KindSnapshot:
		return r.snapshots.Sync(ctx, item.ID)
	case KindAttachment:
		return r.attacher.Sync(ctx, item.ID)
	default:
		return errdefs.Validationf("unknown work item kind %q", item.Kind)
	}
}

func (r *Reconciler) dispatchClaim(ctx context.Context, claimID string) error {
	claim, err := r.store.GetClaim(claimID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}

	switch claim.Phase {
	case types.ClaimPending:
		_, err := r.provisioner.Provision(ctx, claimID)
		return err
	case types.ClaimReleased:
		return r.teardownClaim(ctx, claim)
	default:
		return nil
	}
}

// teardownClaim drives a released claim's volume to deletion: first
// every attachment is asked to detach, then the release itself runs,
// failing ErrVolumeInUse until the detaches land.
func (r *Reconciler) teardownClaim(ctx context.Context, claim *types.Claim) error {
	if claim.VolumeID == "" {
		return nil
	}

	volume, err := r.store.GetVolume(claim.VolumeID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	if volume.Phase == types.VolumeDeleted {
		return nil
	}

	attachments, err := r.store.ListAttachmentsByVolume(volume.ID)
	if err != nil {
		return err
	}
	for _, att := range attachments {
		if att.DesiredState != types.AttachmentDetached {
			if err := r.attacher.RequestDetach(att.VolumeID, att.NodeID); err != nil {
				return err
			}
			r.queue.Add(Item{Kind: KindAttachment, ID: att.ID})
		}
	}

	return r.provisioner.Release(ctx, volume.ID)
}

func (r *Reconciler) dispatchVolume(ctx context.Context, volumeID string) error {
	volume, err := r.store.GetVolume(volumeID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	if volume.Phase == types.VolumeReleasing {
		return r.provisioner.Release(ctx, volumeID)
	}
	return nil
}

// markFailed surfaces an exhausted retry budget on the entity's
// status field. Attachment failure marking lives in the coordinator's
// own attempt accounting, so only the other kinds are handled here.
func (r *Reconciler) markFailed(item Item, cause error) {
	log.WithComponent("reconciler").Error().Err(cause).
		Str("kind", string(item.Kind)).
		Str("id", item.ID).
		Msg("Retry budget exhausted, marking failed")

	switch item.Kind {
	case KindClaim:
		claim, err := r.store.GetClaim(item.ID)
		if err != nil || claim.Phase != types.ClaimPending {
			return
		}
		claim.Phase = types.ClaimFailed
		claim.Reason = cause.Error()
		claim.UpdatedAt = time.Now().UTC()
		if err := r.store.UpdateClaim(claim); err != nil {
			log.WithComponent("reconciler").Warn().Err(err).Str("id", item.ID).Msg("Failed to mark claim failed")
		}
	case KindVolume:
		volume, err := r.store.GetVolume(item.ID)
		if err != nil || volume.Phase != types.VolumeReleasing {
			return
		}
		volume.Phase = types.VolumeFailed
		volume.Reason = cause.Error()
		if err := r.store.UpdateVolume(volume); err != nil {
			log.WithComponent("reconciler").Warn().Err(err).Str("id", item.ID).Msg("Failed to mark volume failed")
		}
	case KindSnapshot:
		snap, err := r.store.GetSnapshot(item.ID)
		if err != nil || snap.State != types.SnapshotPending {
			return
		}
		snap.State = types.SnapshotFailed
		snap.Reason = cause.Error()
		if err := r.store.UpdateSnapshot(snap); err != nil {
			log.WithComponent("reconciler").Warn().Err(err).Str("id", item.ID).Msg("Failed to mark snapshot failed")
		}
	}
}
