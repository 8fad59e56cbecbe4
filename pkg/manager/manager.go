package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/quarry-sh/quarry/pkg/attach"
	"github.com/quarry-sh/quarry/pkg/backend"
	"github.com/quarry-sh/quarry/pkg/client"
	"github.com/quarry-sh/quarry/pkg/errdefs"
	"github.com/quarry-sh/quarry/pkg/events"
	"github.com/quarry-sh/quarry/pkg/log"
	"github.com/quarry-sh/quarry/pkg/metrics"
	"github.com/quarry-sh/quarry/pkg/provision"
	"github.com/quarry-sh/quarry/pkg/reconciler"
	"github.com/quarry-sh/quarry/pkg/security"
	"github.com/quarry-sh/quarry/pkg/snapshot"
	"github.com/quarry-sh/quarry/pkg/storage"
	"github.com/quarry-sh/quarry/pkg/types"
)

// applyTimeout bounds a single Raft log proposal.
const applyTimeout = 5 * time.Second

// Manager is a quarry controller node. It owns the state store, the
// Raft consensus layer, and the engines that move claims, volumes,
// snapshots, and attachments toward their desired state.
//
// A Manager can run standalone (no Raft, mutations applied directly)
// or clustered (mutations proposed through the log). The engines see
// the same storage.Store interface either way.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *FSM
	local *storage.BoltStore
	state *raftStore

	registry     *backend.Registry
	keys         *security.KeyManager
	provisioner  *provision.Engine
	attacher     *attach.Coordinator
	snapshots    *snapshot.Manager
	reconciler   *reconciler.Reconciler
	collector    *metrics.Collector
	tokenManager *TokenManager
	eventBroker  *events.Broker

	classFile string
}

// Config holds configuration for creating a Manager.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// VolumeRoot is where the local directory backend keeps volume
	// data. Empty selects the backend default.
	VolumeRoot string

	// ClassFile optionally points at a YAML storage class file applied
	// on startup.
	ClassFile string

	// Reconcile overrides reconciliation tuning. Zero values take the
	// package defaults.
	Reconcile reconciler.Config
}

// NewManager creates a new Manager instance.
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %v", err)
	}

	keys, err := security.NewKeyManagerFromClusterID(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create key manager: %v", err)
	}

	local, err := backend.NewLocalDir(cfg.VolumeRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to create local backend: %v", err)
	}

	registry := backend.NewRegistry()
	registry.Register("localdir", backend.NewMetered("localdir", local))

	eventBroker := events.NewBroker()
	eventBroker.Start()

	m := &Manager{
		nodeID:       cfg.NodeID,
		bindAddr:     cfg.BindAddr,
		dataDir:      cfg.DataDir,
		fsm:          NewFSM(store),
		local:        store,
		registry:     registry,
		keys:         keys,
		tokenManager: NewTokenManager(),
		eventBroker:  eventBroker,
		classFile:    cfg.ClassFile,
	}

	m.state = newRaftStore(store, m.Apply)
	m.provisioner = provision.NewEngine(m.state, registry, keys, eventBroker)
	m.attacher = attach.NewCoordinator(m.state, registry, eventBroker)
	m.snapshots = snapshot.NewManager(m.state, registry, eventBroker)

	rcfg := cfg.Reconcile
	rcfg.IsLeader = m.IsLeader
	m.reconciler = reconciler.New(m.state, m.provisioner, m.attacher, m.snapshots, eventBroker, rcfg)
	m.collector = metrics.NewCollector(store, m)

	return m, nil
}

// raftConfig builds the tuned Raft configuration. The defaults target
// WAN deployments; controller clusters sit on a LAN and want failover
// well under ten seconds, so detection and election run tighter.
func (m *Manager) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

// startRaft wires up the transport, the snapshot store, and the BoltDB
// log and stable stores, then creates the Raft instance.
func (m *Manager) startRaft(config *raft.Config) (*raft.NetworkTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %v", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %v", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %v", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %v", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %v", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %v", err)
	}

	m.raft = r
	return transport, nil
}

// Bootstrap initializes a new single-node Raft cluster.
func (m *Manager) Bootstrap() error {
	config := m.raftConfig()

	transport, err := m.startRaft(config)
	if err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      config.LocalID,
				Address: transport.LocalAddr(),
			},
		},
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %v", err)
	}

	return nil
}

// Join adds this manager to an existing cluster. leaderAddr is the
// leader's API address; the join request rides the HTTP API because
// Raft itself only talks to configured peers.
func (m *Manager) Join(leaderAddr string, token string) error {
	if _, err := m.startRaft(m.raftConfig()); err != nil {
		return err
	}

	log.WithComponent("manager").Info().
		Str("leader", leaderAddr).
		Str("node_id", m.nodeID).
		Msg("contacting leader to join cluster")

	c := client.New(leaderAddr)
	if err := c.JoinCluster(context.Background(), m.nodeID, m.bindAddr, token); err != nil {
		return fmt.Errorf("failed to join cluster: %v", err)
	}

	return nil
}

// Start launches the reconciler and the metrics collector, registers
// health components, and applies the configured class file.
func (m *Manager) Start() error {
	metrics.RegisterComponent("store", true, "")
	metrics.RegisterComponent("backends", true, "")
	metrics.RegisterComponent("reconciler", false, "not started")

	m.probeBackends()

	if m.classFile != "" {
		if err := m.ApplyClassFile(m.classFile); err != nil {
			return err
		}
	}

	m.reconciler.Start()
	m.collector.Start()

	log.WithComponent("manager").Info().
		Str("node_id", m.nodeID).
		Strs("backends", m.registry.Names()).
		Msg("controller started")

	return nil
}

// probeBackends checks adapter reachability and reports it to the
// health registry.
func (m *Manager) probeBackends() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, name := range m.registry.Names() {
		adapter, err := m.registry.Get(name)
		if err != nil {
			continue
		}
		if err := adapter.Probe(ctx); err != nil {
			metrics.UpdateComponent("backends", false, fmt.Sprintf("%s: %v", name, err))
			log.WithComponent("manager").Warn().
				Str("backend", name).
				Err(err).
				Msg("backend probe failed")
			return
		}
	}
	metrics.UpdateComponent("backends", true, "")
}

// ApplyClassFile loads a YAML class file and stores every class. In a
// cluster this has to run on the leader; followers receive the classes
// through replication.
func (m *Manager) ApplyClassFile(path string) error {
	classes, err := LoadClassFile(path)
	if err != nil {
		return err
	}

	if m.raft != nil && !m.waitForLeadership(10 * time.Second) {
		log.WithComponent("manager").Info().
			Str("path", path).
			Msg("not the leader, skipping class file apply")
		return nil
	}

	for _, class := range classes {
		if err := m.PutClass(class); err != nil {
			return fmt.Errorf("failed to store class %s: %w", class.ID, err)
		}
	}

	log.WithComponent("manager").Info().
		Int("classes", len(classes)).
		Str("path", path).
		Msg("storage classes applied")

	return nil
}

func (m *Manager) waitForLeadership(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.IsLeader() {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

// AddVoter adds a new manager node to the Raft cluster.
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %v", err)
	}

	log.WithComponent("manager").Info().
		Str("node_id", nodeID).
		Str("address", address).
		Msg("voter added to cluster")

	return nil
}

// RemoveServer removes a server from the Raft cluster.
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	if !m.IsLeader() {
		return fmt.Errorf("not the leader")
	}

	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %v", err)
	}

	return nil
}

// GetClusterServers returns information about all servers in the Raft
// cluster.
func (m *Manager) GetClusterServers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %v", err)
	}

	return future.Configuration().Servers, nil
}

// IsLeader returns true if this manager is the Raft leader. A
// standalone manager without Raft is always the leader.
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return true
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// GetRaftStats returns Raft statistics.
func (m *Manager) GetRaftStats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}

	stats := make(map[string]interface{})
	stats["state"] = m.raft.State().String()
	stats["last_log_index"] = m.raft.LastIndex()
	stats["applied_index"] = m.raft.AppliedIndex()
	stats["leader"] = string(m.raft.Leader())

	return stats
}

// GetEventBroker returns the event broker.
func (m *Manager) GetEventBroker() *events.Broker {
	return m.eventBroker
}

// Store exposes the consensus-backed state store.
func (m *Manager) Store() storage.Store {
	return m.state
}

// Apply submits a command for execution. Clustered it goes through the
// Raft log; standalone it applies directly to the local store.
func (m *Manager) Apply(cmd Command) error {
	if m.raft == nil {
		return m.fsm.dispatch(cmd)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %v", err)
	}

	future := m.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %v", err)
	}

	// The FSM returns store errors as the apply response. They come
	// back unwrapped so errdefs classification keeps working.
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}

	return nil
}

// GenerateJoinToken generates a token that lets a new node join the
// cluster within the given duration.
func (m *Manager) GenerateJoinToken(duration time.Duration) (*JoinToken, error) {
	if !m.IsLeader() {
		return nil, fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}
	return m.tokenManager.GenerateToken(duration)
}

// HandleJoin validates a join token and adds the node as a voter. It
// backs the join endpoint on the API server.
func (m *Manager) HandleJoin(nodeID, address, token string) error {
	if err := m.tokenManager.ValidateToken(token); err != nil {
		return errdefs.Validationf("join rejected: %v", err)
	}
	return m.AddVoter(nodeID, address)
}

// CreateClaim validates and stores a new claim. Provisioning happens
// asynchronously; watch the claim phase or the event stream for the
// outcome.
func (m *Manager) CreateClaim(claim *types.Claim) error {
	if claim.Name == "" {
		return errdefs.Validationf("claim requires a name")
	}
	if claim.CapacityBytes <= 0 {
		return errdefs.Validationf("claim requires a positive capacity")
	}
	switch claim.AccessMode {
	case types.AccessSingleWriter, types.AccessMultiReader, "":
	default:
		return errdefs.Validationf("unknown access mode %q", claim.AccessMode)
	}

	if claim.ID == "" {
		claim.ID = "claim-" + uuid.New().String()
	}
	claim.Phase = types.ClaimPending
	claim.VolumeID = ""
	claim.Reason = ""
	now := time.Now()
	claim.CreatedAt = now
	claim.UpdatedAt = now

	if err := m.state.CreateClaim(claim); err != nil {
		return err
	}

	m.eventBroker.Publish(events.New(events.EventClaimCreated, claim.ID,
		fmt.Sprintf("claim %s created requesting %s", claim.Name, types.FormatCapacity(claim.CapacityBytes))))
	m.reconciler.Enqueue(reconciler.KindClaim, claim.ID)

	return nil
}

// GetClaim returns a claim by ID.
func (m *Manager) GetClaim(id string) (*types.Claim, error) {
	return m.state.GetClaim(id)
}

// ListClaims returns all claims.
func (m *Manager) ListClaims() ([]*types.Claim, error) {
	return m.state.ListClaims()
}

// DeleteClaim releases a claim. A pending claim with no volume is
// removed outright; a bound claim moves to Released and the reconciler
// tears down its volume.
func (m *Manager) DeleteClaim(id string) error {
	claim, err := m.state.GetClaim(id)
	if err != nil {
		return err
	}

	if claim.Phase == types.ClaimPending && claim.VolumeID == "" {
		if err := m.state.DeleteClaim(id); err != nil {
			return err
		}
		m.eventBroker.Publish(events.New(events.EventClaimDeleted, id, "pending claim deleted"))
		return nil
	}

	if claim.Phase == types.ClaimReleased {
		return nil
	}

	claim.Phase = types.ClaimReleased
	claim.UpdatedAt = time.Now()
	if err := m.state.UpdateClaim(claim); err != nil {
		return err
	}

	m.eventBroker.Publish(events.New(events.EventClaimReleased, id, "claim released"))
	m.reconciler.Enqueue(reconciler.KindClaim, id)

	return nil
}

// GetVolume returns a volume by ID.
func (m *Manager) GetVolume(id string) (*types.Volume, error) {
	return m.state.GetVolume(id)
}

// ListVolumes returns all volumes.
func (m *Manager) ListVolumes() ([]*types.Volume, error) {
	return m.state.ListVolumes()
}

// RequestSnapshot records a snapshot request against a bound volume.
func (m *Manager) RequestSnapshot(volumeID string) (*types.Snapshot, error) {
	snap, err := m.snapshots.Request(volumeID)
	if err != nil {
		return nil, err
	}
	m.reconciler.Enqueue(reconciler.KindSnapshot, snap.ID)
	return snap, nil
}

// GetSnapshot returns a snapshot by ID.
func (m *Manager) GetSnapshot(id string) (*types.Snapshot, error) {
	return m.state.GetSnapshot(id)
}

// ListSnapshots returns all snapshots.
func (m *Manager) ListSnapshots() ([]*types.Snapshot, error) {
	return m.state.ListSnapshots()
}

// DeleteSnapshot removes a snapshot. It fails with ErrSnapshotInUse
// while clones still reference it.
func (m *Manager) DeleteSnapshot(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()
	return m.snapshots.Delete(ctx, id)
}

// RequestAttach records intent to attach a volume to a node. The
// second writer on a single-writer volume is rejected here, before any
// backend work happens.
func (m *Manager) RequestAttach(volumeID, nodeID string) (*types.Attachment, error) {
	att, err := m.attacher.RequestAttach(volumeID, nodeID)
	if err != nil {
		return nil, err
	}
	m.reconciler.Enqueue(reconciler.KindAttachment, att.ID)
	return att, nil
}

// RequestDetach records intent to detach a volume from a node.
func (m *Manager) RequestDetach(volumeID, nodeID string) error {
	if err := m.attacher.RequestDetach(volumeID, nodeID); err != nil {
		return err
	}
	m.reconciler.Enqueue(reconciler.KindAttachment, types.AttachmentID(volumeID, nodeID))
	return nil
}

// GetAttachment returns an attachment by ID.
func (m *Manager) GetAttachment(id string) (*types.Attachment, error) {
	return m.state.GetAttachment(id)
}

// ListAttachments returns all attachments.
func (m *Manager) ListAttachments() ([]*types.Attachment, error) {
	return m.state.ListAttachments()
}

// ListAttachmentsByVolume returns the attachments of one volume.
func (m *Manager) ListAttachmentsByVolume(volumeID string) ([]*types.Attachment, error) {
	return m.state.ListAttachmentsByVolume(volumeID)
}

// PutClass stores a storage class.
func (m *Manager) PutClass(class *types.StorageClass) error {
	return m.state.PutClass(class)
}

// GetClass returns a storage class by ID.
func (m *Manager) GetClass(id string) (*types.StorageClass, error) {
	return m.state.GetClass(id)
}

// ListClasses returns all storage classes.
func (m *Manager) ListClasses() ([]*types.StorageClass, error) {
	return m.state.ListClasses()
}

// Shutdown gracefully stops the manager.
func (m *Manager) Shutdown() error {
	m.collector.Stop()
	m.reconciler.Stop()
	m.eventBroker.Stop()

	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			log.WithComponent("manager").Warn().Err(err).Msg("raft shutdown error")
		}
	}

	return m.local.Close()
}
