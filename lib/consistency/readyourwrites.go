package consistency

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/rcrowley/go-metrics"
)

// NewReadYourWrites creates the policy that only carries a client's own
// publications along when it moves to another replica
func NewReadYourWrites(deps Deps) IConsistencyPolicy {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRegistry()
	}
	return &readYourWritesImpl{
		deps:      deps,
		migration: metrics.GetOrRegisterTimer("readyourwrites.migration", deps.Metrics),
	}
}

type readYourWritesImpl struct {
	deps      Deps
	migration metrics.Timer
}

// --------------------------------------------------------------------------
// Interface Methods (docu see consistency.IConsistencyPolicy)
// --------------------------------------------------------------------------

func (r *readYourWritesImpl) Name() Kind {
	return ReadYourWrites
}

func (r *readYourWritesImpl) EnforceOnJoin(ctx context.Context, clientID int64, previousServer string) error {
	if previousServer == "" || previousServer == r.deps.Membership.Self() {
		return nil
	}
	defer r.migration.UpdateSince(time.Now())

	peer, err := r.deps.Membership.Dial(ctx, previousServer)
	if err != nil {
		return fmt.Errorf("connect to previous server: %w", err)
	}
	pubs, err := peer.Retrieve(ctx, r.deps.Index.Schema().ByClient(clientID))
	if err != nil {
		return fmt.Errorf("retrieve publications of client %d from %s: %w", clientID, previousServer, err)
	}

	Logger.Infof("client %d moved from %s, importing %d of its publications", clientID, previousServer, len(pubs))
	return importPublications(r.deps.Index, previousServer, pubs)
}

func (r *readYourWritesImpl) EnforceOnPublish(ctx context.Context, pub protocol.Publication, _ Origin) error {
	if pub.MessageID == protocol.UnassignedID {
		id, err := r.deps.Membership.NextMessageID(ctx)
		if err != nil {
			return err
		}
		pub = pub.WithMessageID(id)
	}
	return r.deps.Index.Publish(pub)
}

func (r *readYourWritesImpl) EnforceOnRetrieve(_ context.Context, _ protocol.Pattern) error {
	return nil
}

func (r *readYourWritesImpl) EnforceOnLeave(_ context.Context, _ int64) error {
	return nil
}

func (r *readYourWritesImpl) Synchronize(_ context.Context) error {
	return nil
}
