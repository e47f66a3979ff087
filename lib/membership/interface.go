package membership

import (
	"context"
	"errors"
	"time"

	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/benbjohnson/clock"
)

var (
	// ErrNotCoordinator is returned when a coordinator-only operation is called elsewhere
	ErrNotCoordinator = errors.New("this replica is not the coordinator")
	// ErrCoordinatorUnknown is returned when no coordinator was elected within the wait bound
	ErrCoordinatorUnknown = errors.New("coordinator unknown")
	// ErrQuorumUnreachable is returned when not enough peers answered a quorum request
	ErrQuorumUnreachable = errors.New("quorum unreachable")
	// ErrPeerUnavailable is returned when no connection to a peer could be created
	ErrPeerUnavailable = errors.New("peer unavailable")
)

// --------------------------------------------------------------------------
// Collaborators
// --------------------------------------------------------------------------

// IPeer is the logical connection to another replica
type IPeer interface {
	// Address returns the address of the remote replica
	Address() string
	// Ping checks that the remote replica answers
	Ping(ctx context.Context) error
	// Publish relays a publication, the remote sees this replica as the sender
	Publish(ctx context.Context, pub protocol.Publication) error
	// Retrieve returns every publication of the remote matching pattern
	Retrieve(ctx context.Context, pattern protocol.Pattern) ([]protocol.Publication, error)
	// HighestMessageID returns the highest message id stored at the remote
	HighestMessageID(ctx context.Context) (int64, error)
	// NewMessageID asks the remote (the coordinator) for a message id
	NewMessageID(ctx context.Context) (int64, error)
	// NewClientID asks the remote (the coordinator) for a client id
	NewClientID(ctx context.Context) (int64, error)
	// Close releases the connection
	Close() error
}

// PeerDialer opens a connection to the replica at address
type PeerDialer func(address string) (IPeer, error)

// IRegistry returns the best known list of live replica addresses.
// The list may lag behind and may include the calling replica itself.
type IRegistry interface {
	ListLiveReplicas(ctx context.Context) ([]string, error)
}

// --------------------------------------------------------------------------
// Membership View
// --------------------------------------------------------------------------

// Config configures a membership view
type Config struct {
	// Self is the address of this replica as the other replicas know it
	Self string
	// ClusterSize is the number of replicas (including this one) that must be
	// seen before a coordinator is elected
	ClusterSize int
	// DiscoveryInterval is the period of the discovery loop (default 1s)
	DiscoveryInterval time.Duration
	// SyncEvery runs the synchronize hook every n-th discovery tick (default 10)
	SyncEvery int
	// CoordinatorWait bounds how long Coordinator waits for an election (default 30s)
	CoordinatorWait time.Duration
	// DialAttempts is the number of attempts to connect to a new peer (default 5)
	DialAttempts int
	// DialInterval paces connection attempts (default 100ms)
	DialInterval time.Duration
	// Clock drives the discovery loop and the coordinator wait (default wall clock)
	Clock clock.Clock
}

// IMembershipView tracks peers and the coordinator of this replica
type IMembershipView interface {
	// Self returns the address of this replica
	Self() string
	// Start launches the discovery loop
	Start()
	// Stop ends the discovery loop and closes all peer connections. Idempotent.
	Stop() error
	// Discover runs a single discovery iteration
	Discover(ctx context.Context) error
	// OnSynchronize registers the hook called every SyncEvery discovery ticks
	OnSynchronize(fn func(ctx context.Context) error)

	// Coordinator waits until a coordinator is elected and returns its address
	Coordinator(ctx context.Context) (string, error)
	// CoordinatorAddress returns the coordinator if one was elected
	CoordinatorAddress() (string, bool)
	// IsCoordinator reports whether this replica was elected coordinator
	IsCoordinator() bool
	// IsFromCoordinator reports whether address is the elected coordinator
	IsFromCoordinator(address string) bool

	// Peers returns the connected peers ordered by address
	Peers() []IPeer
	// Dial returns the cached connection to address, creating it if needed
	Dial(ctx context.Context, address string) (IPeer, error)

	// RequestNewMessageID hands out a message id, only valid on the coordinator
	RequestNewMessageID() (int64, error)
	// RequestNewClientID hands out a client id, only valid on the coordinator
	RequestNewClientID() (int64, error)
	// NextMessageID returns a message id, asking the coordinator if necessary
	NextMessageID(ctx context.Context) (int64, error)
	// NextClientID returns a client id, asking the coordinator if necessary
	NextClientID(ctx context.Context) (int64, error)

	// Broadcast relays pub to every replica listed by the last discovery. It
	// fails if fewer than ClusterSize-1 peers are known or any of them missed pub.
	Broadcast(ctx context.Context, pub protocol.Publication) error
	// CreateWriteQuorum relays pub until w peers acknowledged it
	CreateWriteQuorum(ctx context.Context, pub protocol.Publication, w int) error
	// CreateReadQuorum returns the match set of the freshest of r sampled peers
	CreateReadQuorum(ctx context.Context, pattern protocol.Pattern, r int) ([]protocol.Publication, error)
	// GetAllMessagesFromPeers returns the match sets of all reachable peers
	GetAllMessagesFromPeers(ctx context.Context, pattern protocol.Pattern) ([]protocol.Publication, error)
}
