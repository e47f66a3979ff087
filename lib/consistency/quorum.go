package consistency

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/rcrowley/go-metrics"
)

// NewQuorum creates the quorum policy. It fails with ErrInvalidQuorum unless
// R+W > N and W > N/2.
func NewQuorum(deps Deps) (IConsistencyPolicy, error) {
	n, w, r := deps.ReplicaCount, deps.WriteQuorum, deps.ReadQuorum
	if w <= 0 || r <= 0 || r+w <= n || 2*w <= n {
		Logger.Errorf("rejecting quorum configuration N=%d W=%d R=%d", n, w, r)
		return nil, fmt.Errorf("%w: N=%d W=%d R=%d violates R+W>N and W>N/2", ErrInvalidQuorum, n, w, r)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRegistry()
	}
	return &quorumImpl{
		deps:      deps,
		writes:    metrics.GetOrRegisterTimer("quorum.write", deps.Metrics),
		reads:     metrics.GetOrRegisterTimer("quorum.read", deps.Metrics),
		syncs:     metrics.GetOrRegisterTimer("quorum.synchronize", deps.Metrics),
		failures:  metrics.GetOrRegisterCounter("quorum.failures", deps.Metrics),
		importsOK: metrics.GetOrRegisterCounter("quorum.imported", deps.Metrics),
	}, nil
}

type quorumImpl struct {
	deps Deps

	writes    metrics.Timer
	reads     metrics.Timer
	syncs     metrics.Timer
	failures  metrics.Counter
	importsOK metrics.Counter
}

// --------------------------------------------------------------------------
// Interface Methods (docu see consistency.IConsistencyPolicy)
// --------------------------------------------------------------------------

func (q *quorumImpl) Name() Kind {
	return Quorum
}

func (q *quorumImpl) EnforceOnJoin(_ context.Context, _ int64, _ string) error {
	return nil
}

func (q *quorumImpl) EnforceOnPublish(ctx context.Context, pub protocol.Publication, origin Origin) error {
	// relays and imports are already covered by the quorum of their publisher
	if origin.IsRelay() || origin.ClientID != pub.ClientID {
		return q.deps.Index.Publish(pub)
	}

	if pub.MessageID == protocol.UnassignedID {
		id, err := q.deps.Membership.NextMessageID(ctx)
		if err != nil {
			return err
		}
		pub = pub.WithMessageID(id)
	}

	start := time.Now()
	if err := q.deps.Membership.CreateWriteQuorum(ctx, pub, q.deps.WriteQuorum); err != nil {
		q.failures.Inc(1)
		return err
	}
	q.writes.UpdateSince(start)

	return q.deps.Index.Publish(pub)
}

func (q *quorumImpl) EnforceOnRetrieve(ctx context.Context, pattern protocol.Pattern) error {
	start := time.Now()
	pubs, err := q.deps.Membership.CreateReadQuorum(ctx, pattern, q.deps.ReadQuorum)
	if err != nil {
		q.failures.Inc(1)
		return err
	}
	q.reads.UpdateSince(start)

	return q.importAll(ctx, pubs)
}

func (q *quorumImpl) EnforceOnLeave(_ context.Context, _ int64) error {
	return nil
}

func (q *quorumImpl) Synchronize(ctx context.Context) error {
	defer q.syncs.UpdateSince(time.Now())

	pubs, err := q.deps.Membership.GetAllMessagesFromPeers(ctx, q.deps.Index.Schema().RetrieveAll())
	if err != nil {
		// partial results are still imported
		Logger.Warningf("synchronize: some peers did not answer: %v", err)
	}
	if importErr := q.importAll(ctx, pubs); importErr != nil {
		return importErr
	}
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// importAll applies pubs through the quorumUpdatePublisher origin
func (q *quorumImpl) importAll(ctx context.Context, pubs []protocol.Publication) error {
	var firstErr error
	for _, pub := range pubs {
		if err := q.EnforceOnPublish(ctx, pub, QuorumUpdatePublisher); err != nil {
			Logger.Warningf("import of message %d failed: %v", pub.MessageID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		q.importsOK.Inc(1)
	}
	return firstErr
}
