package coordinator

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/outlayer/pkg/log"
	"github.com/cuemby/outlayer/pkg/metrics"
	"github.com/cuemby/outlayer/pkg/storage"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Cluster wraps a Raft node plus the replicated store layered over it.
// A freshly bootstrapped single-node cluster is immediately its own
// leader; additional nodes Join an existing leader to grow the cluster.
type Cluster struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *FSM
	Store *ReplicatedStore
}

// Config bootstraps a Cluster.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

func raftConfig(nodeID string) *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(nodeID)
	// Tuned for LAN/edge deployments rather than Raft's WAN-conservative
	// defaults: sub-second leader election on a single dropped heartbeat.
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.CommitTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond
	return cfg
}

func newRaftNode(cfg *Config, fsm *FSM) (*raft.Raft, *raft.NetworkTransport, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("coordinator: create data dir: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator: new transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator: new snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator: new log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator: new stable store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig(cfg.NodeID), fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("coordinator: new raft: %w", err)
	}
	return r, transport, nil
}

// Bootstrap opens the node's local store, starts Raft, and forms a new
// single-node cluster with this node as the only (and therefore leader)
// member.
func Bootstrap(cfg Config) (*Cluster, error) {
	local, err := storage.NewBoltStore(filepath.Join(cfg.DataDir, "coordinator"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: open local store: %w", err)
	}
	fsm := NewFSM(local)

	r, transport, err := newRaftNode(&cfg, fsm)
	if err != nil {
		return nil, err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(cfg.NodeID), Address: transport.LocalAddr()},
		},
	}
	if err := r.BootstrapCluster(configuration).Error(); err != nil {
		return nil, fmt.Errorf("coordinator: bootstrap cluster: %w", err)
	}

	c := &Cluster{nodeID: cfg.NodeID, bindAddr: cfg.BindAddr, dataDir: cfg.DataDir, raft: r, fsm: fsm}
	c.Store = NewReplicatedStore(local, r)
	go c.watchLeadership()
	return c, nil
}

// Join opens the node's local store, starts Raft, and expects to be added
// as a voter to an already-running cluster by the leader (via AddVoter).
func Join(cfg Config) (*Cluster, error) {
	local, err := storage.NewBoltStore(filepath.Join(cfg.DataDir, "coordinator"))
	if err != nil {
		return nil, fmt.Errorf("coordinator: open local store: %w", err)
	}
	fsm := NewFSM(local)

	r, _, err := newRaftNode(&cfg, fsm)
	if err != nil {
		return nil, err
	}

	c := &Cluster{nodeID: cfg.NodeID, bindAddr: cfg.BindAddr, dataDir: cfg.DataDir, raft: r, fsm: fsm}
	c.Store = NewReplicatedStore(local, r)
	go c.watchLeadership()
	return c, nil
}

// AddVoter adds a new node to the cluster's Raft configuration. Only the
// leader can do this; callers should check IsLeader first.
func (c *Cluster) AddVoter(nodeID, addr string) error {
	if !c.IsLeader() {
		return fmt.Errorf("coordinator: not leader")
	}
	future := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this node currently holds Raft leadership.
func (c *Cluster) IsLeader() bool { return c.raft.State() == raft.Leader }

// LeaderAddr returns the current leader's Raft transport address, if known.
func (c *Cluster) LeaderAddr() string { return string(c.raft.Leader()) }

// EnsureLeader returns an error naming the current leader when this node
// is not the leader. The HTTP handlers do not call it; a write submitted
// on a follower fails when its Raft Apply is rejected.
func (c *Cluster) EnsureLeader() error {
	if !c.IsLeader() {
		return fmt.Errorf("coordinator: not leader, current leader is %q", c.LeaderAddr())
	}
	return nil
}

func (c *Cluster) watchLeadership() {
	logger := log.WithComponent("coordinator-cluster")
	for isLeader := range c.raft.LeaderCh() {
		if isLeader {
			metrics.RaftLeader.Set(1)
			logger.Info().Str("node_id", c.nodeID).Msg("acquired raft leadership")
		} else {
			metrics.RaftLeader.Set(0)
			logger.Info().Str("node_id", c.nodeID).Msg("lost raft leadership")
		}
	}
}

// Shutdown stops Raft and closes the local store.
func (c *Cluster) Shutdown() error {
	if err := c.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("coordinator: raft shutdown: %w", err)
	}
	return c.Store.Close()
}
