package replica

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ValentinKolb/dBoard/lib/consistency"
	"github.com/ValentinKolb/dBoard/lib/dispatch"
	"github.com/ValentinKolb/dBoard/lib/index"
	"github.com/ValentinKolb/dBoard/lib/membership"
	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/benbjohnson/clock"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/rcrowley/go-metrics"
	"go.uber.org/multierr"
)

var Logger = logger.GetLogger("replica")

// ErrStopped is returned by Start after Stop
var ErrStopped = errors.New("replica stopped")

// Config configures a replica
type Config struct {
	// Address is the address the other replicas reach this replica at
	Address string
	// Schema of the board, the default schema if nil
	Schema *protocol.Schema
	// Policy is the consistency policy of the cluster
	Policy consistency.Kind
	// ClusterSize is the expected number of replicas (N)
	ClusterSize int
	// WriteQuorum and ReadQuorum are W and R of the quorum policy
	WriteQuorum int
	ReadQuorum  int
	// MaxClients limits the connected clients
	MaxClients int

	PushInterval      time.Duration
	DiscoveryInterval time.Duration
	SyncEvery         int
	CoordinatorWait   time.Duration
	Clock             clock.Clock
}

// Stats describes the state of a replica
type Stats struct {
	Address          string                            `json:"address"`
	Policy           consistency.Kind                  `json:"policy"`
	Coordinator      string                            `json:"coordinator"`
	IsCoordinator    bool                              `json:"isCoordinator"`
	Peers            []string                          `json:"peers"`
	Stored           int                               `json:"stored"`
	HighestMessageID int64                             `json:"highestMessageId"`
	Dispatch         dispatch.Stats                    `json:"dispatch"`
	Metrics          map[string]map[string]interface{} `json:"metrics"`
}

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IReplica is one server of a board. It accepts client operations and the
// operations other replicas send to it.
type IReplica interface {
	// Start launches the discovery and push loops
	Start() error
	// Stop ends all loops and closes peer connections. Idempotent.
	Stop() error

	// Join connects a client, see dispatch.IDispatcher.Join
	Join(ctx context.Context, address string, existingClientID int64, previousServer string) (int64, error)
	// Leave disconnects a client
	Leave(ctx context.Context, address string) error
	// Publish publishes on behalf of a client, false if the client did not join
	Publish(ctx context.Context, address string, pub protocol.Publication) (bool, error)
	// Subscribe adds a standing subscription, false if the client did not join
	Subscribe(ctx context.Context, address string, pattern protocol.Pattern) (bool, error)
	// Unsubscribe removes a standing subscription, false if the client did not join
	Unsubscribe(ctx context.Context, address string, pattern protocol.Pattern) (bool, error)
	// Retrieve answers a one-shot query, false if the client did not join
	Retrieve(ctx context.Context, address string, pattern protocol.Pattern) (dispatch.Result, bool, error)
	// RetrieveStream answers a one-shot query through push deliveries
	RetrieveStream(ctx context.Context, address string, pattern protocol.Pattern) (string, bool, error)

	// Relay accepts a publication sent by the peer replica from
	Relay(ctx context.Context, from string, pub protocol.Publication) error
	// PeerRetrieve returns every stored publication matching pattern
	PeerRetrieve(pattern protocol.Pattern) []protocol.Publication
	// HighestMessageID returns the highest stored message id
	HighestMessageID() int64
	// NewMessageID hands out a message id, only on the coordinator
	NewMessageID() (int64, error)
	// NewClientID hands out a client id, only on the coordinator
	NewClientID() (int64, error)
	// Ping returns nil while the replica is running
	Ping() error

	// Coordinator waits for the coordinator election and returns the winner
	Coordinator(ctx context.Context) (string, error)
	// Schema returns the board schema
	Schema() *protocol.Schema
	// Stats returns a snapshot of the replica state
	Stats() Stats
}

// NewReplica wires index, membership view, consistency policy and dispatcher
func NewReplica(config Config, registry membership.IRegistry, dialer membership.PeerDialer, deliverer dispatch.IDeliverer) (IReplica, error) {
	if config.Schema == nil {
		config.Schema = protocol.DefaultSchema()
	}
	if config.Address == "" {
		return nil, fmt.Errorf("replica address must be set")
	}
	if config.ClusterSize <= 0 {
		config.ClusterSize = 1
	}

	r := &replicaImpl{
		config:   config,
		registry: registry,
		metrics:  metrics.NewRegistry(),
		index:    index.NewMatchIndex(config.Schema),
	}

	r.view = membership.NewMembershipView(membership.Config{
		Self:              config.Address,
		ClusterSize:       config.ClusterSize,
		DiscoveryInterval: config.DiscoveryInterval,
		SyncEvery:         config.SyncEvery,
		CoordinatorWait:   config.CoordinatorWait,
		Clock:             config.Clock,
	}, registry, dialer)

	policy, err := consistency.New(config.Policy, consistency.Deps{
		Index:        r.index,
		Membership:   r.view,
		ReplicaCount: config.ClusterSize,
		WriteQuorum:  config.WriteQuorum,
		ReadQuorum:   config.ReadQuorum,
		Metrics:      r.metrics,
	})
	if err != nil {
		return nil, err
	}
	r.policy = policy
	r.view.OnSynchronize(policy.Synchronize)

	r.dispatcher = dispatch.NewDispatcher(dispatch.Config{
		MaxClients:   config.MaxClients,
		PushInterval: config.PushInterval,
		Clock:        config.Clock,
		Metrics:      r.metrics,
	}, r.index, policy, r.view, deliverer)

	return r, nil
}

type replicaImpl struct {
	config     Config
	registry   membership.IRegistry
	metrics    metrics.Registry
	index      index.IMatchIndex
	view       membership.IMembershipView
	policy     consistency.IConsistencyPolicy
	dispatcher dispatch.IDispatcher

	mu      sync.Mutex
	started bool
	stopped bool
}

// --------------------------------------------------------------------------
// Interface Methods (docu see replica.IReplica)
// --------------------------------------------------------------------------

func (r *replicaImpl) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	if r.started {
		return nil
	}
	r.started = true

	Logger.Infof("starting replica %s (policy %s, cluster size %d)", r.config.Address, r.policy.Name(), r.config.ClusterSize)
	r.view.Start()
	r.dispatcher.Start()
	return nil
}

func (r *replicaImpl) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()

	Logger.Infof("stopping replica %s", r.config.Address)
	r.dispatcher.Stop()
	err := r.view.Stop()
	if closer, ok := r.registry.(io.Closer); ok {
		err = multierr.Append(err, closer.Close())
	}
	return err
}

func (r *replicaImpl) Join(ctx context.Context, address string, existingClientID int64, previousServer string) (int64, error) {
	return r.dispatcher.Join(ctx, address, existingClientID, previousServer)
}

func (r *replicaImpl) Leave(ctx context.Context, address string) error {
	return r.dispatcher.Leave(ctx, address)
}

func (r *replicaImpl) Publish(ctx context.Context, address string, pub protocol.Publication) (bool, error) {
	return r.dispatcher.Publish(ctx, address, pub)
}

func (r *replicaImpl) Subscribe(ctx context.Context, address string, pattern protocol.Pattern) (bool, error) {
	return r.dispatcher.Subscribe(ctx, address, pattern)
}

func (r *replicaImpl) Unsubscribe(ctx context.Context, address string, pattern protocol.Pattern) (bool, error) {
	return r.dispatcher.Unsubscribe(ctx, address, pattern)
}

func (r *replicaImpl) Retrieve(ctx context.Context, address string, pattern protocol.Pattern) (dispatch.Result, bool, error) {
	return r.dispatcher.Retrieve(ctx, address, pattern)
}

func (r *replicaImpl) RetrieveStream(ctx context.Context, address string, pattern protocol.Pattern) (string, bool, error) {
	return r.dispatcher.RetrieveStream(ctx, address, pattern)
}

func (r *replicaImpl) Relay(ctx context.Context, from string, pub protocol.Publication) error {
	return r.dispatcher.Relay(ctx, from, pub)
}

func (r *replicaImpl) PeerRetrieve(pattern protocol.Pattern) []protocol.Publication {
	return r.index.Snapshot(pattern)
}

func (r *replicaImpl) HighestMessageID() int64 {
	return r.index.HighestMessageIDStored()
}

func (r *replicaImpl) NewMessageID() (int64, error) {
	return r.view.RequestNewMessageID()
}

func (r *replicaImpl) NewClientID() (int64, error) {
	return r.view.RequestNewClientID()
}

func (r *replicaImpl) Ping() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	return nil
}

func (r *replicaImpl) Coordinator(ctx context.Context) (string, error) {
	return r.view.Coordinator(ctx)
}

func (r *replicaImpl) Schema() *protocol.Schema {
	return r.index.Schema()
}

func (r *replicaImpl) Stats() Stats {
	coordinator, _ := r.view.CoordinatorAddress()
	peers := make([]string, 0)
	for _, p := range r.view.Peers() {
		peers = append(peers, p.Address())
	}
	return Stats{
		Address:          r.config.Address,
		Policy:           r.policy.Name(),
		Coordinator:      coordinator,
		IsCoordinator:    r.view.IsCoordinator(),
		Peers:            peers,
		Stored:           r.index.Len(),
		HighestMessageID: r.index.HighestMessageIDStored(),
		Dispatch:         r.dispatcher.Stats(),
		Metrics:          r.metrics.GetAll(),
	}
}
