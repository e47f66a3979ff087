package membership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// In-memory network of fake replicas
// --------------------------------------------------------------------------

var errDown = errors.New("replica down")

type node struct {
	mu      sync.Mutex
	pubs    []protocol.Publication
	highest int64
	down    bool
	refuse  bool
	closed  int
}

type network struct {
	mu    sync.Mutex
	nodes map[string]*node
	views map[string]IMembershipView
	dials atomic.Int64
}

func newNetwork(addresses ...string) *network {
	n := &network{nodes: map[string]*node{}, views: map[string]IMembershipView{}}
	for _, a := range addresses {
		n.nodes[a] = &node{highest: -1}
	}
	return n
}

func (n *network) node(address string) *node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[address]
}

func (n *network) view(address string) IMembershipView {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.views[address]
}

func (n *network) dialer(address string) (IPeer, error) {
	n.dials.Add(1)
	nd := n.node(address)
	if nd == nil {
		return nil, fmt.Errorf("no such replica %s", address)
	}
	nd.mu.Lock()
	defer nd.mu.Unlock()
	if nd.refuse {
		return nil, fmt.Errorf("connection to %s refused", address)
	}
	return &fakePeer{address: address, net: n, node: nd}, nil
}

func (n *network) setDown(address string, down bool) {
	nd := n.node(address)
	nd.mu.Lock()
	nd.down = down
	nd.mu.Unlock()
}

func (n *network) setRefused(address string, refuse bool) {
	nd := n.node(address)
	nd.mu.Lock()
	nd.refuse = refuse
	nd.mu.Unlock()
}

func (n *network) received(address string) []protocol.Publication {
	nd := n.node(address)
	nd.mu.Lock()
	defer nd.mu.Unlock()
	return append([]protocol.Publication(nil), nd.pubs...)
}

type fakePeer struct {
	address string
	net     *network
	node    *node
}

func (p *fakePeer) Address() string { return p.address }

func (p *fakePeer) check() error {
	p.node.mu.Lock()
	defer p.node.mu.Unlock()
	if p.node.down {
		return errDown
	}
	return nil
}

func (p *fakePeer) Ping(_ context.Context) error { return p.check() }

func (p *fakePeer) Publish(_ context.Context, pub protocol.Publication) error {
	if err := p.check(); err != nil {
		return err
	}
	p.node.mu.Lock()
	defer p.node.mu.Unlock()
	p.node.pubs = append(p.node.pubs, pub)
	p.node.highest = max(p.node.highest, pub.MessageID)
	return nil
}

func (p *fakePeer) Retrieve(_ context.Context, _ protocol.Pattern) ([]protocol.Publication, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	p.node.mu.Lock()
	defer p.node.mu.Unlock()
	return append([]protocol.Publication(nil), p.node.pubs...), nil
}

func (p *fakePeer) HighestMessageID(_ context.Context) (int64, error) {
	if err := p.check(); err != nil {
		return 0, err
	}
	p.node.mu.Lock()
	defer p.node.mu.Unlock()
	return p.node.highest, nil
}

func (p *fakePeer) NewMessageID(_ context.Context) (int64, error) {
	if err := p.check(); err != nil {
		return 0, err
	}
	return p.net.view(p.address).RequestNewMessageID()
}

func (p *fakePeer) NewClientID(_ context.Context) (int64, error) {
	if err := p.check(); err != nil {
		return 0, err
	}
	return p.net.view(p.address).RequestNewClientID()
}

func (p *fakePeer) Close() error {
	p.node.mu.Lock()
	defer p.node.mu.Unlock()
	p.node.closed++
	return nil
}

// mutableRegistry is a registry whose answer can change between calls
type mutableRegistry struct {
	mu        sync.Mutex
	addresses []string
	calls     atomic.Int64
}

func (r *mutableRegistry) set(addresses ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addresses = addresses
}

func (r *mutableRegistry) ListLiveReplicas(_ context.Context) ([]string, error) {
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.addresses...), nil
}

var clusterAddresses = []string{"replica-3:5000", "replica-1:5000", "replica-5:5000", "replica-2:5000", "replica-4:5000"}

// newCluster creates one view per address, all sharing a static registry
func newCluster(t *testing.T, addresses ...string) *network {
	t.Helper()
	n := newNetwork(addresses...)
	registry := NewStaticRegistry(addresses)
	for _, a := range addresses {
		v := NewMembershipView(Config{
			Self:            a,
			ClusterSize:     len(addresses),
			CoordinatorWait: time.Second,
			DialInterval:    time.Millisecond,
		}, registry, n.dialer)
		n.views[a] = v
		t.Cleanup(func() { _ = v.Stop() })
	}
	return n
}

func discoverAll(t *testing.T, n *network) {
	t.Helper()
	for _, v := range n.views {
		require.NoError(t, v.Discover(context.Background()))
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// --------------------------------------------------------------------------
// Election
// --------------------------------------------------------------------------

func TestCoordinatorIsIdenticalEverywhere(t *testing.T) {
	n := newCluster(t, clusterAddresses...)
	discoverAll(t, n)

	coordinators := 0
	for address, v := range n.views {
		c, err := v.Coordinator(context.Background())
		require.NoError(t, err, address)
		assert.Equal(t, "replica-1:5000", c, address)
		if v.IsCoordinator() {
			coordinators++
			assert.Equal(t, "replica-1:5000", address)
		}
	}
	assert.Equal(t, 1, coordinators)
}

func TestElectionWaitsForClusterSize(t *testing.T) {
	n := newNetwork("b", "c", "a")
	registry := &mutableRegistry{}
	registry.set("b", "c")

	v := NewMembershipView(Config{Self: "b", ClusterSize: 3, CoordinatorWait: 50 * time.Millisecond}, registry, n.dialer)
	defer v.Stop()

	require.NoError(t, v.Discover(context.Background()))
	_, ok := v.CoordinatorAddress()
	assert.False(t, ok)

	_, err := v.Coordinator(context.Background())
	assert.ErrorIs(t, err, ErrCoordinatorUnknown)

	registry.set("a", "b", "c")
	require.NoError(t, v.Discover(context.Background()))
	c, err := v.Coordinator(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", c)
	assert.False(t, v.IsCoordinator())
	assert.True(t, v.IsFromCoordinator("a"))
	assert.False(t, v.IsFromCoordinator("c"))
}

func TestElectionIsLatched(t *testing.T) {
	n := newNetwork("b", "c", "a")
	registry := &mutableRegistry{}
	registry.set("b", "c")

	v := NewMembershipView(Config{Self: "c", ClusterSize: 2}, registry, n.dialer)
	defer v.Stop()

	require.NoError(t, v.Discover(context.Background()))
	c, _ := v.CoordinatorAddress()
	require.Equal(t, "b", c)

	// a smaller address joins later, the coordinator stays the same
	registry.set("a", "b", "c")
	require.NoError(t, v.Discover(context.Background()))
	c, _ = v.CoordinatorAddress()
	assert.Equal(t, "b", c)
	assert.Len(t, v.Peers(), 2)
}

func TestCoordinatorWaitsForElection(t *testing.T) {
	n := newNetwork("a", "b")
	registry := &mutableRegistry{}
	registry.set("b")

	v := NewMembershipView(Config{Self: "b", ClusterSize: 2, CoordinatorWait: 5 * time.Second}, registry, n.dialer)
	defer v.Stop()

	result := make(chan string, 1)
	go func() {
		c, _ := v.Coordinator(context.Background())
		result <- c
	}()

	registry.set("a", "b")
	require.NoError(t, v.Discover(context.Background()))

	select {
	case c := <-result:
		assert.Equal(t, "a", c)
	case <-time.After(2 * time.Second):
		t.Fatal("Coordinator did not return after the election")
	}
}

func TestCoordinatorHonorsContext(t *testing.T) {
	v := NewMembershipView(Config{Self: "a", ClusterSize: 3}, NewStaticRegistry(nil), newNetwork().dialer)
	defer v.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := v.Coordinator(ctx)
	assert.ErrorIs(t, err, ErrCoordinatorUnknown)
}

// --------------------------------------------------------------------------
// Ids
// --------------------------------------------------------------------------

func TestRequestIDOffCoordinatorFails(t *testing.T) {
	n := newCluster(t, "a", "b", "c")
	discoverAll(t, n)

	_, err := n.view("b").RequestNewMessageID()
	assert.ErrorIs(t, err, ErrNotCoordinator)
	_, err = n.view("c").RequestNewClientID()
	assert.ErrorIs(t, err, ErrNotCoordinator)

	id, err := n.view("a").RequestNewMessageID()
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
}

func TestNextIDsAreRoutedToCoordinator(t *testing.T) {
	n := newCluster(t, "a", "b", "c")
	discoverAll(t, n)

	var got []int64
	for i := 0; i < 3; i++ {
		for _, address := range []string{"c", "a", "b"} {
			id, err := n.view(address).NextMessageID(context.Background())
			require.NoError(t, err)
			got = append(got, id)
		}
	}
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8}, got)

	cid, err := n.view("b").NextClientID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), cid)
	cid, err = n.view("a").NextClientID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), cid)
}

// --------------------------------------------------------------------------
// Connections
// --------------------------------------------------------------------------

func TestDialCachesConnections(t *testing.T) {
	n := newCluster(t, "a", "b")
	v := n.view("a")

	p1, err := v.Dial(context.Background(), "b")
	require.NoError(t, err)
	p2, err := v.Dial(context.Background(), "b")
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, int64(1), n.dials.Load())
}

func TestDialRetries(t *testing.T) {
	n := newNetwork("b")
	var attempts atomic.Int64
	dialer := func(address string) (IPeer, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("address already in use")
		}
		return n.dialer(address)
	}

	v := NewMembershipView(Config{Self: "a", ClusterSize: 2, DialAttempts: 3, DialInterval: time.Millisecond}, NewStaticRegistry(nil), dialer)
	defer v.Stop()

	peer, err := v.Dial(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "b", peer.Address())
	assert.Equal(t, int64(3), attempts.Load())

	_, err = v.Dial(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrPeerUnavailable)
}

func TestStopClosesPeersOnce(t *testing.T) {
	n := newCluster(t, "a", "b", "c")
	v := n.view("a")
	require.NoError(t, v.Discover(context.Background()))
	require.Len(t, v.Peers(), 2)

	require.NoError(t, v.Stop())
	require.NoError(t, v.Stop())
	assert.Equal(t, 1, n.node("b").closed)
	assert.Equal(t, 1, n.node("c").closed)
	assert.Empty(t, v.Peers())
}

// --------------------------------------------------------------------------
// Quorums and fan-out
// --------------------------------------------------------------------------

func testPub(id int64) protocol.Publication {
	return protocol.Publication{MessageID: id, ClientID: 0, Fields: []string{"x"}, Content: fmt.Sprintf("m%d", id)}
}

func TestWriteQuorum(t *testing.T) {
	n := newCluster(t, "a", "b", "c", "d", "e")
	discoverAll(t, n)
	n.setDown("e", true)
	v := n.view("a")

	require.NoError(t, v.CreateWriteQuorum(context.Background(), testPub(0), 3))

	acks := 0
	for _, address := range []string{"b", "c", "d", "e"} {
		acks += len(n.received(address))
	}
	assert.Equal(t, 3, acks)

	err := v.CreateWriteQuorum(context.Background(), testPub(1), 4)
	assert.ErrorIs(t, err, ErrQuorumUnreachable)
}

func TestReadQuorumPicksFreshestPeer(t *testing.T) {
	n := newCluster(t, "a", "b", "c", "d")
	discoverAll(t, n)

	peer, err := n.view("b").Dial(context.Background(), "c")
	require.NoError(t, err)
	require.NoError(t, peer.Publish(context.Background(), testPub(0)))
	require.NoError(t, peer.Publish(context.Background(), testPub(4)))
	peer, err = n.view("b").Dial(context.Background(), "d")
	require.NoError(t, err)
	require.NoError(t, peer.Publish(context.Background(), testPub(2)))

	pubs, err := n.view("a").CreateReadQuorum(context.Background(), protocol.Pattern{}, 3)
	require.NoError(t, err)
	require.Len(t, pubs, 2)
	assert.Equal(t, int64(4), pubs[1].MessageID)

	_, err = n.view("a").CreateReadQuorum(context.Background(), protocol.Pattern{}, 4)
	assert.ErrorIs(t, err, ErrQuorumUnreachable)

	n.setDown("d", true)
	_, err = n.view("a").CreateReadQuorum(context.Background(), protocol.Pattern{}, 3)
	assert.ErrorIs(t, err, ErrQuorumUnreachable)
}

func TestBroadcastAggregatesErrors(t *testing.T) {
	n := newCluster(t, "a", "b", "c", "d")
	discoverAll(t, n)
	n.setDown("c", true)
	n.setDown("d", true)

	err := n.view("a").Broadcast(context.Background(), testPub(0))
	require.Error(t, err)
	assert.ErrorIs(t, err, errDown)
	assert.Contains(t, err.Error(), "c: replica down")
	assert.Contains(t, err.Error(), "d: replica down")
	assert.Len(t, n.received("b"), 1)
}

func TestBroadcastDialsUnconnectedMembers(t *testing.T) {
	n := newCluster(t, "a", "b", "c")
	n.setRefused("c", true)
	v := n.view("a")
	require.NoError(t, v.Discover(context.Background()))
	require.True(t, v.IsCoordinator())
	require.Len(t, v.Peers(), 1)

	// c is still unreachable, the broadcast must not report success
	err := v.Broadcast(context.Background(), testPub(0))
	assert.ErrorIs(t, err, ErrPeerUnavailable)
	assert.Contains(t, err.Error(), "c: ")
	assert.Len(t, n.received("b"), 1)

	n.setRefused("c", false)
	require.NoError(t, v.Broadcast(context.Background(), testPub(1)))
	assert.Len(t, n.received("b"), 2)
	require.Len(t, n.received("c"), 1)
	assert.Equal(t, int64(1), n.received("c")[0].MessageID)
	assert.Len(t, v.Peers(), 2)
}

func TestBroadcastFailsWithMissingMembers(t *testing.T) {
	n := newNetwork("a", "b", "c")
	registry := &mutableRegistry{}
	registry.set("a", "b")
	v := NewMembershipView(Config{
		Self:            "a",
		ClusterSize:     3,
		CoordinatorWait: time.Second,
		DialInterval:    time.Millisecond,
	}, registry, n.dialer)
	t.Cleanup(func() { _ = v.Stop() })

	require.NoError(t, v.Discover(context.Background()))
	err := v.Broadcast(context.Background(), testPub(0))
	assert.ErrorIs(t, err, ErrPeerUnavailable)
	assert.Contains(t, err.Error(), "1 of 2 peers known")
	assert.Len(t, n.received("b"), 1)
	assert.Empty(t, n.received("c"))
}

func TestGetAllMessagesFromPeers(t *testing.T) {
	n := newCluster(t, "a", "b", "c", "d")
	discoverAll(t, n)
	v := n.view("a")

	for i, address := range []string{"b", "c", "d"} {
		peer, err := v.Dial(context.Background(), address)
		require.NoError(t, err)
		require.NoError(t, peer.Publish(context.Background(), testPub(int64(i))))
	}
	n.setDown("d", true)

	pubs, err := v.GetAllMessagesFromPeers(context.Background(), protocol.Pattern{})
	assert.ErrorIs(t, err, errDown)
	assert.Len(t, pubs, 2)
}

// --------------------------------------------------------------------------
// Registries
// --------------------------------------------------------------------------

func TestProbeRegistry(t *testing.T) {
	n := newNetwork("a", "b", "c")
	n.setDown("c", true)

	r := NewProbeRegistry([]string{"a", "b", "c", "missing"}, n.dialer, "a")
	live, err := r.ListLiveReplicas(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, live)

	n.setDown("c", false)
	live, err = r.ListLiveReplicas(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, live)
}

// --------------------------------------------------------------------------
// Discovery loop
// --------------------------------------------------------------------------

func TestDiscoveryLoopRunsSynchronizeHook(t *testing.T) {
	mock := clock.NewMock()
	n := newNetwork("a", "b")
	registry := &mutableRegistry{}
	registry.set("a", "b")

	v := NewMembershipView(Config{
		Self:              "a",
		ClusterSize:       2,
		DiscoveryInterval: time.Second,
		SyncEvery:         2,
		Clock:             mock,
	}, registry, n.dialer)

	var syncs atomic.Int64
	v.OnSynchronize(func(ctx context.Context) error {
		syncs.Add(1)
		return nil
	})
	v.Start()
	defer v.Stop()

	for i := 1; i <= 4; i++ {
		mock.Add(time.Second)
		want := int64(i)
		require.True(t, waitFor(t, time.Second, func() bool { return registry.calls.Load() >= want }), "tick %d", i)
	}
	require.True(t, waitFor(t, time.Second, func() bool { return syncs.Load() == 2 }))
	assert.True(t, v.IsCoordinator())
}
