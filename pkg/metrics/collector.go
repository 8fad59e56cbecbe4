package metrics

import (
	"time"

	"github.com/quarry-sh/quarry/pkg/types"
)

// StateSource is the slice of the state store the collector samples.
type StateSource interface {
	ListVolumes() ([]*types.Volume, error)
	ListClaims() ([]*types.Claim, error)
	ListSnapshots() ([]*types.Snapshot, error)
	ListAttachments() ([]*types.Attachment, error)
}

// RaftSource exposes consensus state for the raft gauges.
type RaftSource interface {
	IsLeader() bool
	GetRaftStats() map[string]interface{}
}

// Collector periodically samples stored state into the phase gauges.
type Collector struct {
	source StateSource
	raft   RaftSource
	stopCh chan struct{}
}

// NewCollector creates a collector over the given state source. raft
// may be nil for single-node deployments without consensus.
func NewCollector(source StateSource, raft RaftSource) *Collector {
	return &Collector{
		source: source,
		raft:   raft,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectVolumeMetrics()
	c.collectClaimMetrics()
	c.collectSnapshotMetrics()
	c.collectAttachmentMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectVolumeMetrics() {
	volumes, err := c.source.ListVolumes()
	if err != nil {
		return
	}

	counts := make(map[types.VolumePhase]int)
	for _, volume := range volumes {
		counts[volume.Phase]++
	}

	VolumesTotal.Reset()
	for phase, count := range counts {
		VolumesTotal.WithLabelValues(string(phase)).Set(float64(count))
	}
}

func (c *Collector) collectClaimMetrics() {
	claims, err := c.source.ListClaims()
	if err != nil {
		return
	}

	counts := make(map[types.ClaimPhase]int)
	for _, claim := range claims {
		counts[claim.Phase]++
	}

	ClaimsTotal.Reset()
	for phase, count := range counts {
		ClaimsTotal.WithLabelValues(string(phase)).Set(float64(count))
	}
}

func (c *Collector) collectSnapshotMetrics() {
	snapshots, err := c.source.ListSnapshots()
	if err != nil {
		return
	}

	counts := make(map[types.SnapshotState]int)
	for _, snap := range snapshots {
		counts[snap.State]++
	}

	SnapshotsTotal.Reset()
	for state, count := range counts {
		SnapshotsTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectAttachmentMetrics() {
	attachments, err := c.source.ListAttachments()
	if err != nil {
		return
	}

	counts := make(map[types.AttachmentState]int)
	for _, att := range attachments {
		counts[att.ActualState]++
	}

	AttachmentsTotal.Reset()
	for state, count := range counts {
		AttachmentsTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectRaftMetrics() {
	if c.raft == nil {
		return
	}

	if c.raft.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	stats := c.raft.GetRaftStats()
	if stats != nil {
		if lastIndex, ok := stats["last_log_index"].(uint64); ok {
			RaftLogIndex.Set(float64(lastIndex))
		}
		if appliedIndex, ok := stats["applied_index"].(uint64); ok {
			RaftAppliedIndex.Set(float64(appliedIndex))
		}
	}
}
