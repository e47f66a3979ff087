package consistency

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ValentinKolb/dBoard/lib/membership"
	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/ValentinKolb/dBoard/lib/util"
	"github.com/rcrowley/go-metrics"
	"go.uber.org/multierr"
)

// NewSequential creates the total order policy
func NewSequential(deps Deps) IConsistencyPolicy {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRegistry()
	}
	return &sequentialImpl{
		deps:     deps,
		buffer:   util.NewMapHeap[protocol.Publication](),
		buffered: metrics.GetOrRegisterGauge("sequential.buffered", deps.Metrics),
		forwards: metrics.GetOrRegisterCounter("sequential.forwarded", deps.Metrics),
		catchUps: metrics.GetOrRegisterCounter("sequential.catchups", deps.Metrics),
	}
}

type sequentialImpl struct {
	deps Deps

	// reorder buffer, guarded by mu
	mu           sync.Mutex
	buffer       *util.MapHeap[protocol.Publication]
	nextExpected int64

	buffered metrics.Gauge
	forwards metrics.Counter
	catchUps metrics.Counter
}

// --------------------------------------------------------------------------
// Interface Methods (docu see consistency.IConsistencyPolicy)
// --------------------------------------------------------------------------

func (s *sequentialImpl) Name() Kind {
	return Sequential
}

func (s *sequentialImpl) EnforceOnJoin(_ context.Context, _ int64, _ string) error {
	return nil
}

func (s *sequentialImpl) EnforceOnPublish(ctx context.Context, pub protocol.Publication, origin Origin) error {
	view := s.deps.Membership

	if origin.IsRelay() && view.IsFromCoordinator(origin.Peer) {
		return s.deliver(pub)
	}

	if _, err := view.Coordinator(ctx); err != nil {
		return err
	}

	// the relay may have arrived before this replica finished its election
	if origin.IsRelay() && view.IsFromCoordinator(origin.Peer) {
		return s.deliver(pub)
	}

	if view.IsCoordinator() {
		return s.order(ctx, pub)
	}

	if origin.IsRelay() {
		Logger.Errorf("publication relayed by %s, which is not the coordinator", origin.Peer)
		return fmt.Errorf("%w: relay from %s", membership.ErrNotCoordinator, origin.Peer)
	}

	// the coordinator broadcasts it back to us
	address, _ := view.CoordinatorAddress()
	peer, err := view.Dial(ctx, address)
	if err != nil {
		return err
	}
	s.forwards.Inc(1)
	if err := peer.Publish(ctx, pub); err != nil {
		return fmt.Errorf("forward to coordinator %s: %w", address, err)
	}
	return nil
}

func (s *sequentialImpl) EnforceOnRetrieve(_ context.Context, _ protocol.Pattern) error {
	return nil
}

func (s *sequentialImpl) EnforceOnLeave(_ context.Context, _ int64) error {
	return nil
}

func (s *sequentialImpl) Synchronize(ctx context.Context) error {
	view := s.deps.Membership
	address, ok := view.CoordinatorAddress()
	if !ok || view.IsCoordinator() {
		return nil
	}

	s.mu.Lock()
	next, buffered := s.nextExpected, s.buffer.Len()
	s.mu.Unlock()

	peer, err := view.Dial(ctx, address)
	if err != nil {
		return err
	}
	highest, err := peer.HighestMessageID(ctx)
	if err != nil {
		return fmt.Errorf("highest message id of coordinator %s: %w", address, err)
	}
	if highest < next {
		return nil
	}

	Logger.Warningf("missing messages %d to %d (%d buffered), catching up from coordinator %s", next, highest, buffered, address)
	pubs, err := peer.Retrieve(ctx, s.deps.Index.Schema().RetrieveAll())
	if err != nil {
		return fmt.Errorf("catch up from coordinator %s: %w", address, err)
	}
	slices.SortFunc(pubs, func(a, b protocol.Publication) int { return cmp.Compare(a.MessageID, b.MessageID) })

	var errs error
	for _, pub := range pubs {
		if pub.MessageID >= next {
			errs = multierr.Append(errs, s.deliver(pub))
		}
	}
	s.catchUps.Inc(1)
	return errs
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// order assigns the next id to pub, applies it in order and broadcasts it
func (s *sequentialImpl) order(ctx context.Context, pub protocol.Publication) error {
	if pub.MessageID == protocol.UnassignedID {
		id, err := s.deps.Membership.RequestNewMessageID()
		if err != nil {
			return err
		}
		pub = pub.WithMessageID(id)
	}

	if err := s.deliver(pub); err != nil {
		return err
	}
	return s.deps.Membership.Broadcast(ctx, pub)
}

// deliver inserts pub into the reorder buffer and applies every publication
// that is next in line
func (s *sequentialImpl) deliver(pub protocol.Publication) error {
	if pub.MessageID < 0 {
		return fmt.Errorf("%w: ordered publication without message id", protocol.ErrProtocolViolation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// already applied, let the index detect conflicts
	if pub.MessageID < s.nextExpected {
		return s.deps.Index.Publish(pub)
	}

	if existing, ok := s.buffer.GetByKey(pub.MessageID); ok {
		if !existing.Equal(pub) {
			Logger.Errorf("conflicting buffered publications for message id %d", pub.MessageID)
			return fmt.Errorf("%w: message id %d already buffered with different content", protocol.ErrProtocolViolation, pub.MessageID)
		}
		return nil
	}
	s.buffer.AddItem(pub.MessageID, pub)

	var err error
	for {
		id, next, ok := s.buffer.Peek()
		if !ok || id != s.nextExpected {
			break
		}
		s.buffer.PopMin()
		if applyErr := s.deps.Index.Publish(next); applyErr != nil && err == nil {
			err = applyErr
		}
		s.nextExpected++
	}
	s.buffered.Update(int64(s.buffer.Len()))
	return err
}
