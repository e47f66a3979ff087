package consistency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ValentinKolb/dBoard/lib/index"
	"github.com/ValentinKolb/dBoard/lib/membership"
	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/rcrowley/go-metrics"
)

var Logger = logger.GetLogger("consistency")

var (
	// ErrInvalidQuorum is returned when the quorum sizes violate R+W>N and W>N/2
	ErrInvalidQuorum = fmt.Errorf("%w: invalid quorum configuration", protocol.ErrProtocolViolation)
	// ErrUnknownPolicy is returned by New for an unknown policy name
	ErrUnknownPolicy = errors.New("unknown consistency policy")
)

// Kind names one of the three policies
type Kind string

const (
	Sequential     Kind = "sequential"
	ReadYourWrites Kind = "readyourwrites"
	Quorum         Kind = "quorum"
)

// ParseKind parses a policy name, case insensitive
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Sequential, ReadYourWrites, Quorum:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q (use sequential, readyourwrites or quorum)", ErrUnknownPolicy, s)
}

// Origin describes who handed a publication to the policy.
// Peer is empty for publications of clients connected to this replica.
type Origin struct {
	ClientID int64
	Peer     string
}

// IsRelay reports whether the publication was relayed by another replica
func (o Origin) IsRelay() bool {
	return o.Peer != ""
}

func (o Origin) String() string {
	if o.IsRelay() {
		return "peer " + o.Peer
	}
	return fmt.Sprintf("client %d", o.ClientID)
}

// QuorumUpdatePublisher is the origin of publications imported by a read quorum or a synchronize run
var QuorumUpdatePublisher = Origin{ClientID: protocol.UnassignedID, Peer: "quorumUpdatePublisher"}

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IConsistencyPolicy decides what cross-replica coordination happens before
// the local index is updated or read. The policy applies publications to
// the index itself.
type IConsistencyPolicy interface {
	// Name returns the policy kind
	Name() Kind
	// EnforceOnJoin runs before a join completes. previousServer is the
	// replica the client was connected to before, empty if none.
	EnforceOnJoin(ctx context.Context, clientID int64, previousServer string) error
	// EnforceOnPublish coordinates pub with the other replicas and applies it locally
	EnforceOnPublish(ctx context.Context, pub protocol.Publication, origin Origin) error
	// EnforceOnRetrieve runs before the local index is read for pattern
	EnforceOnRetrieve(ctx context.Context, pattern protocol.Pattern) error
	// EnforceOnLeave runs when a client leaves
	EnforceOnLeave(ctx context.Context, clientID int64) error
	// Synchronize is the periodic background reconciliation
	Synchronize(ctx context.Context) error
}

// Deps are the collaborators shared by all policies
type Deps struct {
	Index      index.IMatchIndex
	Membership membership.IMembershipView
	// ReplicaCount is N, the number of replicas of the cluster (quorum only)
	ReplicaCount int
	// WriteQuorum is W (quorum only)
	WriteQuorum int
	// ReadQuorum is R (quorum only)
	ReadQuorum int
	// Metrics receives the policy timers, a private registry is used if nil
	Metrics metrics.Registry
}

// New creates the policy of the given kind
func New(kind Kind, deps Deps) (IConsistencyPolicy, error) {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRegistry()
	}
	switch kind {
	case Sequential:
		return NewSequential(deps), nil
	case ReadYourWrites:
		return NewReadYourWrites(deps), nil
	case Quorum:
		return NewQuorum(deps)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, kind)
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

// importPublications applies pubs to idx and returns the first error
func importPublications(idx index.IMatchIndex, source string, pubs []protocol.Publication) error {
	var firstErr error
	imported := 0
	for _, pub := range pubs {
		if err := idx.Publish(pub); err != nil {
			Logger.Warningf("import of message %d from %s failed: %v", pub.MessageID, source, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		imported++
	}
	Logger.Debugf("imported %d of %d publications from %s", imported, len(pubs), source)
	return firstErr
}
