package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dBoard/lib/consistency"
	"github.com/ValentinKolb/dBoard/lib/index"
	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/ValentinKolb/dBoard/lib/util"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rcrowley/go-metrics"
	"github.com/sony/gobreaker"
)

var Logger = logger.GetLogger("dispatch")

// NewDispatcher creates a dispatcher. The push loop starts with Start.
func NewDispatcher(config Config, idx index.IMatchIndex, policy consistency.IConsistencyPolicy, ids IClientIDSource, deliverer IDeliverer) IDispatcher {
	if config.MaxClients <= 0 {
		config.MaxClients = DefaultMaxClients
	}
	if config.PushInterval <= 0 {
		config.PushInterval = DefaultPushInterval
	}
	if config.BreakerTrips == 0 {
		config.BreakerTrips = DefaultBreakerTrips
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = DefaultBreakerTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NewRegistry()
	}

	d := &dispatcherImpl{
		config:     config,
		index:      idx,
		policy:     policy,
		ids:        ids,
		deliverer:  deliverer,
		managers:   xsync.NewMapOf[string, *clientManager](),
		publishes:  metrics.GetOrRegisterMeter("dispatch.publish", config.Metrics),
		retrieves:  metrics.GetOrRegisterMeter("dispatch.retrieve", config.Metrics),
		deliveries: metrics.GetOrRegisterMeter("dispatch.delivery", config.Metrics),
		failed:     metrics.GetOrRegisterCounter("dispatch.delivery.failed", config.Metrics),
	}
	d.elsewhere = newClientManager(ClientElsewhere, protocol.UnassignedID, nil)
	d.loop = util.NewPeriodicTask("push", config.PushInterval, config.Clock, d.Push)
	return d
}

type dispatcherImpl struct {
	config    Config
	index     index.IMatchIndex
	policy    consistency.IConsistencyPolicy
	ids       IClientIDSource
	deliverer IDeliverer

	managers   *xsync.MapOf[string, *clientManager]
	elsewhere  *clientManager
	numClients atomic.Int64
	loop       *util.PeriodicTask
	stopOnce   sync.Once

	publishes  metrics.Meter
	retrieves  metrics.Meter
	deliveries metrics.Meter
	failed     metrics.Counter
}

// --------------------------------------------------------------------------
// Interface Methods (docu see dispatch.IDispatcher)
// --------------------------------------------------------------------------

func (d *dispatcherImpl) Start() {
	Logger.Infof("starting push loop (every %s, policy %s)", d.config.PushInterval, d.policy.Name())
	d.loop.Start()
}

func (d *dispatcherImpl) Stop() {
	d.stopOnce.Do(func() {
		d.loop.Stop()
		d.managers.Range(func(address string, m *clientManager) bool {
			m.close()
			d.managers.Delete(address)
			return true
		})
		d.elsewhere.close()
		d.elsewhere.queue.Wait()
	})
}

func (d *dispatcherImpl) Join(ctx context.Context, address string, existingClientID int64, previousServer string) (int64, error) {
	if m, ok := d.live(address); ok {
		return m.clientID, nil
	}

	// reserve a slot, released again if the join does not complete
	if d.numClients.Add(1) > int64(d.config.MaxClients) {
		d.numClients.Add(-1)
		Logger.Warningf("rejecting client %s, %d clients connected", address, d.config.MaxClients)
		return 0, fmt.Errorf("%w: limit is %d", ErrTooManyClients, d.config.MaxClients)
	}

	clientID := existingClientID
	if clientID < 0 {
		var err error
		if clientID, err = d.ids.NextClientID(ctx); err != nil {
			d.numClients.Add(-1)
			return 0, fmt.Errorf("obtain client id: %w", err)
		}
	}

	if err := d.policy.EnforceOnJoin(ctx, clientID, previousServer); err != nil {
		d.numClients.Add(-1)
		Logger.Errorf("join of client %d (%s) failed: %v", clientID, address, err)
		return 0, err
	}

	m := newClientManager(address, clientID, d.newBreaker(address))
	var winner *clientManager
	d.managers.Compute(address, func(old *clientManager, loaded bool) (*clientManager, bool) {
		if loaded && !old.left.Load() {
			winner = old
			return old, false
		}
		winner = m
		return m, false
	})
	if winner != m {
		m.close()
		d.numClients.Add(-1)
		return winner.clientID, nil
	}

	Logger.Infof("client %d joined from %s", clientID, address)
	return clientID, nil
}

func (d *dispatcherImpl) Leave(ctx context.Context, address string) error {
	m, ok := d.managers.Load(address)
	if !ok || !m.left.CompareAndSwap(false, true) {
		return nil
	}

	d.managers.Compute(address, func(old *clientManager, loaded bool) (*clientManager, bool) {
		// a newer manager under the same address stays
		return old, !loaded || old == m
	})
	d.numClients.Add(-1)
	m.queue.Close()
	d.deliverer.Forget(address)

	Logger.Infof("client %d left (%s)", m.clientID, address)
	return d.policy.EnforceOnLeave(ctx, m.clientID)
}

func (d *dispatcherImpl) Publish(ctx context.Context, address string, pub protocol.Publication) (bool, error) {
	m, ok := d.live(address)
	if !ok {
		return false, nil
	}

	pub = pub.WithClientID(m.clientID).WithMessageID(protocol.UnassignedID)
	if err := d.index.Schema().ValidatePublication(pub); err != nil {
		return true, err
	}

	err := m.submit(ctx, func(ctx context.Context) error {
		return d.policy.EnforceOnPublish(ctx, pub, consistency.Origin{ClientID: m.clientID})
	})
	if err == nil {
		d.publishes.Mark(1)
	}
	return true, err
}

func (d *dispatcherImpl) Relay(ctx context.Context, from string, pub protocol.Publication) error {
	return d.elsewhere.submit(ctx, func(ctx context.Context) error {
		return d.policy.EnforceOnPublish(ctx, pub, consistency.Origin{ClientID: pub.ClientID, Peer: from})
	})
}

func (d *dispatcherImpl) Subscribe(ctx context.Context, address string, pattern protocol.Pattern) (bool, error) {
	m, ok := d.live(address)
	if !ok {
		return false, nil
	}
	if err := d.index.Schema().ValidatePattern(pattern); err != nil {
		return true, err
	}

	return true, m.submit(ctx, func(_ context.Context) error {
		m.addSubscription(index.NewSubscription(d.index.Schema(), pattern))
		return nil
	})
}

func (d *dispatcherImpl) Unsubscribe(ctx context.Context, address string, pattern protocol.Pattern) (bool, error) {
	m, ok := d.live(address)
	if !ok {
		return false, nil
	}

	return true, m.submit(ctx, func(_ context.Context) error {
		if m.removeSubscriptions(pattern) == 0 {
			Logger.Debugf("client %d has no subscription %v", m.clientID, pattern)
		}
		return nil
	})
}

func (d *dispatcherImpl) Retrieve(ctx context.Context, address string, pattern protocol.Pattern) (Result, bool, error) {
	m, ok := d.live(address)
	if !ok {
		return Result{}, false, nil
	}
	if err := d.index.Schema().ValidatePattern(pattern); err != nil {
		return Result{}, true, err
	}

	var result Result
	err := m.submit(ctx, func(ctx context.Context) error {
		if err := d.policy.EnforceOnRetrieve(ctx, pattern); err != nil {
			return err
		}
		pubs := d.index.Snapshot(pattern)
		result = Result{Count: len(pubs), Publications: pubs}
		return nil
	})
	if err != nil {
		return Result{}, true, err
	}
	d.retrieves.Mark(1)
	return result, true, nil
}

func (d *dispatcherImpl) RetrieveStream(ctx context.Context, address string, pattern protocol.Pattern) (string, bool, error) {
	result, ok, err := d.Retrieve(ctx, address, pattern)
	if !ok || err != nil {
		return "", ok, err
	}
	m, ok := d.live(address)
	if !ok {
		return "", false, nil
	}

	queryID := uuid.NewString()
	if err := d.deliver(ctx, m, Delivery{QueryID: queryID, Count: result.Count}); err != nil {
		return queryID, true, err
	}
	for start := 0; start < len(result.Publications); start += streamBatchSize {
		end := min(start+streamBatchSize, len(result.Publications))
		batch := Delivery{QueryID: queryID, Count: result.Count, Publications: result.Publications[start:end]}
		if err := d.deliver(ctx, m, batch); err != nil {
			return queryID, true, err
		}
	}
	return queryID, true, nil
}

func (d *dispatcherImpl) Push(ctx context.Context) {
	d.managers.Range(func(_ string, m *clientManager) bool {
		if m.left.Load() || !m.pushPending.CompareAndSwap(false, true) {
			return true
		}
		ok := m.submitAsync(ctx, func(ctx context.Context) error {
			m.pushPending.Store(false)
			d.pushTo(ctx, m)
			return nil
		})
		if !ok {
			m.pushPending.Store(false)
		}
		return true
	})
}

func (d *dispatcherImpl) ClientID(address string) (int64, bool) {
	m, ok := d.live(address)
	if !ok {
		return 0, false
	}
	return m.clientID, true
}

func (d *dispatcherImpl) NumClients() int {
	return int(d.numClients.Load())
}

func (d *dispatcherImpl) Stats() Stats {
	subscriptions := 0
	d.managers.Range(func(_ string, m *clientManager) bool {
		subscriptions += len(m.snapshotSubscriptions())
		return true
	})
	return Stats{
		Clients:       d.NumClients(),
		Publishes:     d.publishes.Count(),
		Retrieves:     d.retrieves.Count(),
		Deliveries:    d.deliveries.Count(),
		Failed:        d.failed.Count(),
		PublishRate:   d.publishes.Rate1(),
		RetrieveRate:  d.retrieves.Rate1(),
		DeliveryRate:  d.deliveries.Rate1(),
		Subscriptions: subscriptions,
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// live returns the manager of a client that has not left
func (d *dispatcherImpl) live(address string) (*clientManager, bool) {
	m, ok := d.managers.Load(address)
	if !ok || m.left.Load() {
		return nil, false
	}
	return m, true
}

// pushTo delivers the new matches of every standing subscription of m
func (d *dispatcherImpl) pushTo(ctx context.Context, m *clientManager) {
	for _, sub := range m.snapshotSubscriptions() {
		if m.left.Load() {
			return
		}
		pubs := d.index.Retrieve(sub)
		if len(pubs) == 0 {
			continue
		}
		if err := d.deliver(ctx, m, Delivery{Count: len(pubs), Publications: pubs}); err != nil {
			Logger.Warningf("skipping %d matches for client %d: %v", len(pubs), m.clientID, err)
		}
	}
}

// deliver pushes one delivery through the breaker of m
func (d *dispatcherImpl) deliver(ctx context.Context, m *clientManager, delivery Delivery) error {
	if m.left.Load() {
		return ErrClientLeft
	}
	_, err := m.breaker.Execute(func() (interface{}, error) {
		return nil, d.deliverer.Deliver(ctx, m.address, delivery)
	})
	if err != nil {
		d.failed.Inc(1)
		if errors.Is(err, gobreaker.ErrOpenState) {
			return fmt.Errorf("deliveries to %s suspended: %w", m.address, err)
		}
		return err
	}
	d.deliveries.Mark(1)
	return nil
}

func (d *dispatcherImpl) newBreaker(address string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        address,
		MaxRequests: 1,
		Timeout:     d.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= d.config.BreakerTrips
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			Logger.Warningf("delivery breaker of %s changed from %s to %s", name, from, to)
		},
	})
}
