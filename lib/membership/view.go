package membership

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/dBoard/lib/coord"
	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/ValentinKolb/dBoard/lib/util"
	"github.com/benbjohnson/clock"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var Logger = logger.GetLogger("membership")

const (
	defaultDiscoveryInterval = time.Second
	defaultSyncEvery         = 10
	defaultCoordinatorWait   = 30 * time.Second
	defaultDialAttempts      = 5
	defaultDialInterval      = 100 * time.Millisecond
)

// NewMembershipView creates a view. Discovery starts with Start or Discover.
func NewMembershipView(config Config, registry IRegistry, dialer PeerDialer) IMembershipView {
	if config.DiscoveryInterval <= 0 {
		config.DiscoveryInterval = defaultDiscoveryInterval
	}
	if config.SyncEvery <= 0 {
		config.SyncEvery = defaultSyncEvery
	}
	if config.CoordinatorWait <= 0 {
		config.CoordinatorWait = defaultCoordinatorWait
	}
	if config.DialAttempts <= 0 {
		config.DialAttempts = defaultDialAttempts
	}
	if config.DialInterval <= 0 {
		config.DialInterval = defaultDialInterval
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	v := &membershipViewImpl{
		config:   config,
		registry: registry,
		dialer:   dialer,
		conns:    xsync.NewMapOf[string, IPeer](),
		limiter:  rate.NewLimiter(rate.Every(config.DialInterval), max(config.ClusterSize, 1)),
		rand:     util.NewRand(),
		elected:  make(chan struct{}),
	}
	v.loop = util.NewPeriodicTask("discovery", config.DiscoveryInterval, config.Clock, v.tick)
	return v
}

type membershipViewImpl struct {
	config   Config
	registry IRegistry
	dialer   PeerDialer
	conns    *xsync.MapOf[string, IPeer]
	limiter  *rate.Limiter
	loop     *util.PeriodicTask
	ticks    int

	randMu sync.Mutex
	rand   *rand.Rand

	// election state, never held during peer RPC
	mu          sync.RWMutex
	coordinator string
	members     []string
	state       *coord.State
	elected     chan struct{}
	syncHook    func(ctx context.Context) error
}

// --------------------------------------------------------------------------
// Interface Methods (docu see membership.IMembershipView)
// --------------------------------------------------------------------------

func (v *membershipViewImpl) Self() string {
	return v.config.Self
}

func (v *membershipViewImpl) Start() {
	Logger.Infof("starting discovery for %s (cluster size %d, every %s)", v.config.Self, v.config.ClusterSize, v.config.DiscoveryInterval)
	v.loop.Start()
}

func (v *membershipViewImpl) Stop() error {
	v.loop.Stop()

	var err error
	v.conns.Range(func(address string, peer IPeer) bool {
		err = multierr.Append(err, peer.Close())
		v.conns.Delete(address)
		return true
	})
	return err
}

func (v *membershipViewImpl) OnSynchronize(fn func(ctx context.Context) error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.syncHook = fn
}

func (v *membershipViewImpl) Discover(ctx context.Context) error {
	addresses, err := v.registry.ListLiveReplicas(ctx)
	if err != nil {
		Logger.Warningf("failed to list live replicas: %v", err)
		return err
	}

	// connect to every new peer, failures are retried on the next iteration
	seen := map[string]struct{}{v.config.Self: {}}
	var peers []string
	for _, address := range addresses {
		if _, dup := seen[address]; dup {
			continue
		}
		seen[address] = struct{}{}
		peers = append(peers, address)

		if _, err := v.Dial(ctx, address); err != nil {
			Logger.Warningf("skipping peer %s for now: %v", address, err)
		}
	}
	slices.Sort(peers)
	v.mu.Lock()
	v.members = peers
	v.mu.Unlock()

	if _, ok := v.CoordinatorAddress(); ok {
		return nil
	}
	if len(peers)+1 < v.config.ClusterSize {
		Logger.Debugf("seen %d of %d replicas, deferring election", len(peers)+1, v.config.ClusterSize)
		return nil
	}

	v.elect(slices.Min(append(peers, v.config.Self)))
	return nil
}

func (v *membershipViewImpl) Coordinator(ctx context.Context) (string, error) {
	if address, ok := v.CoordinatorAddress(); ok {
		return address, nil
	}

	timer := v.config.Clock.Timer(v.config.CoordinatorWait)
	defer timer.Stop()

	select {
	case <-v.elected:
		address, _ := v.CoordinatorAddress()
		return address, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrCoordinatorUnknown, ctx.Err())
	case <-timer.C:
		Logger.Errorf("no coordinator elected after %s", v.config.CoordinatorWait)
		return "", fmt.Errorf("%w: no election within %s", ErrCoordinatorUnknown, v.config.CoordinatorWait)
	}
}

func (v *membershipViewImpl) CoordinatorAddress() (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.coordinator, v.coordinator != ""
}

func (v *membershipViewImpl) IsCoordinator() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state != nil
}

func (v *membershipViewImpl) IsFromCoordinator(address string) bool {
	coordinator, ok := v.CoordinatorAddress()
	return ok && address == coordinator
}

func (v *membershipViewImpl) Peers() []IPeer {
	peers := make([]IPeer, 0, v.conns.Size())
	v.conns.Range(func(_ string, peer IPeer) bool {
		peers = append(peers, peer)
		return true
	})
	sort.Slice(peers, func(i, j int) bool { return peers[i].Address() < peers[j].Address() })
	return peers
}

func (v *membershipViewImpl) Dial(ctx context.Context, address string) (IPeer, error) {
	if peer, ok := v.conns.Load(address); ok {
		return peer, nil
	}

	var lastErr error
	for attempt := 1; attempt <= v.config.DialAttempts; attempt++ {
		if err := v.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrPeerUnavailable, address, err)
		}

		peer, err := v.dialer(address)
		if err == nil {
			actual, loaded := v.conns.LoadOrStore(address, peer)
			if loaded {
				_ = peer.Close()
			} else {
				Logger.Infof("connected to peer %s", address)
			}
			return actual, nil
		}
		lastErr = err
		Logger.Debugf("connection attempt %d/%d to %s failed: %v", attempt, v.config.DialAttempts, address, err)
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrPeerUnavailable, address, lastErr)
}

func (v *membershipViewImpl) RequestNewMessageID() (int64, error) {
	v.mu.RLock()
	state := v.state
	v.mu.RUnlock()

	if state == nil {
		Logger.Errorf("message id requested from %s, which is not the coordinator", v.config.Self)
		return 0, ErrNotCoordinator
	}
	return state.NextMessageID(), nil
}

func (v *membershipViewImpl) RequestNewClientID() (int64, error) {
	v.mu.RLock()
	state := v.state
	v.mu.RUnlock()

	if state == nil {
		Logger.Errorf("client id requested from %s, which is not the coordinator", v.config.Self)
		return 0, ErrNotCoordinator
	}
	return state.NextClientID(), nil
}

func (v *membershipViewImpl) NextMessageID(ctx context.Context) (int64, error) {
	peer, err := v.coordinatorPeer(ctx)
	if err != nil {
		return 0, err
	}
	if peer == nil {
		return v.RequestNewMessageID()
	}
	return peer.NewMessageID(ctx)
}

func (v *membershipViewImpl) NextClientID(ctx context.Context) (int64, error) {
	peer, err := v.coordinatorPeer(ctx)
	if err != nil {
		return 0, err
	}
	if peer == nil {
		return v.RequestNewClientID()
	}
	return peer.NewClientID(ctx)
}

func (v *membershipViewImpl) Broadcast(ctx context.Context, pub protocol.Publication) error {
	v.mu.RLock()
	members := v.members
	v.mu.RUnlock()

	var mu sync.Mutex
	var errs error
	if expected := v.config.ClusterSize - 1; len(members) < expected {
		errs = fmt.Errorf("%w: %d of %d peers known", ErrPeerUnavailable, len(members), expected)
	}

	var g errgroup.Group
	for _, address := range members {
		g.Go(func() error {
			peer, err := v.Dial(ctx, address)
			if err == nil {
				err = peer.Publish(ctx, pub)
			}
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", address, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if errs != nil {
		Logger.Errorf("broadcast of message %d incomplete: %v", pub.MessageID, errs)
	}
	return errs
}

func (v *membershipViewImpl) CreateWriteQuorum(ctx context.Context, pub protocol.Publication, w int) error {
	if w <= 0 {
		return nil
	}

	acks := 0
	var errs error
	for _, peer := range v.shuffledPeers() {
		if acks >= w {
			break
		}
		if err := peer.Publish(ctx, pub); err != nil {
			Logger.Warningf("write quorum: peer %s did not acknowledge message %d: %v", peer.Address(), pub.MessageID, err)
			errs = multierr.Append(errs, err)
			continue
		}
		acks++
	}

	if acks < w {
		Logger.Errorf("write quorum for message %d failed: %d of %d acknowledgements", pub.MessageID, acks, w)
		return fmt.Errorf("%w: %d of %d write acknowledgements: %v", ErrQuorumUnreachable, acks, w, errs)
	}
	return nil
}

func (v *membershipViewImpl) CreateReadQuorum(ctx context.Context, pattern protocol.Pattern, r int) ([]protocol.Publication, error) {
	if r <= 0 {
		return nil, nil
	}

	sample := v.shuffledPeers()
	if len(sample) < r {
		Logger.Errorf("read quorum of %d requested with only %d peers", r, len(sample))
		return nil, fmt.Errorf("%w: %d peers for a read quorum of %d", ErrQuorumUnreachable, len(sample), r)
	}
	sample = sample[:r]

	highest := make([]int64, len(sample))
	g, gctx := errgroup.WithContext(ctx)
	for i, peer := range sample {
		g.Go(func() error {
			h, err := peer.HighestMessageID(gctx)
			if err != nil {
				return fmt.Errorf("%s: %w", peer.Address(), err)
			}
			highest[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		Logger.Errorf("read quorum failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrQuorumUnreachable, err)
	}

	// ties go to the first peer in sample order
	best := 0
	for i := range highest {
		if highest[i] > highest[best] {
			best = i
		}
	}

	pubs, err := sample[best].Retrieve(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: retrieve from %s: %v", ErrQuorumUnreachable, sample[best].Address(), err)
	}
	return pubs, nil
}

func (v *membershipViewImpl) GetAllMessagesFromPeers(ctx context.Context, pattern protocol.Pattern) ([]protocol.Publication, error) {
	peers := v.Peers()
	results := make([][]protocol.Publication, len(peers))

	var mu sync.Mutex
	var errs error
	var g errgroup.Group
	for i, peer := range peers {
		g.Go(func() error {
			pubs, err := peer.Retrieve(ctx, pattern)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", peer.Address(), err))
				mu.Unlock()
				return nil
			}
			results[i] = pubs
			return nil
		})
	}
	_ = g.Wait()

	var all []protocol.Publication
	for _, pubs := range results {
		all = append(all, pubs...)
	}
	return all, errs
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// elect latches the coordinator. Later calls are ignored.
func (v *membershipViewImpl) elect(candidate string) {
	v.mu.Lock()
	if v.coordinator != "" {
		v.mu.Unlock()
		return
	}
	v.coordinator = candidate
	if candidate == v.config.Self {
		v.state = coord.NewState()
	}
	close(v.elected)
	v.mu.Unlock()

	if candidate == v.config.Self {
		Logger.Infof("%s elected itself as coordinator", v.config.Self)
	} else {
		Logger.Infof("%s elected %s as coordinator", v.config.Self, candidate)
	}
}

// coordinatorPeer returns the connection to the coordinator, nil if this replica is the coordinator
func (v *membershipViewImpl) coordinatorPeer(ctx context.Context) (IPeer, error) {
	address, err := v.Coordinator(ctx)
	if err != nil {
		return nil, err
	}
	if address == v.config.Self {
		return nil, nil
	}
	return v.Dial(ctx, address)
}

// shuffledPeers returns the peers in random order
func (v *membershipViewImpl) shuffledPeers() []IPeer {
	peers := v.Peers()
	v.randMu.Lock()
	v.rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	v.randMu.Unlock()
	return peers
}

// tick is one iteration of the discovery loop
func (v *membershipViewImpl) tick(ctx context.Context) {
	_ = v.Discover(ctx)

	v.ticks++
	if v.ticks%v.config.SyncEvery != 0 {
		return
	}

	v.mu.RLock()
	hook := v.syncHook
	v.mu.RUnlock()
	if hook == nil {
		return
	}
	if err := hook(ctx); err != nil {
		Logger.Warningf("synchronize failed: %v", err)
	}
}
