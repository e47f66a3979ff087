package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dBoard/lib/consistency"
	"github.com/ValentinKolb/dBoard/lib/index"
	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Fakes
// --------------------------------------------------------------------------

// localPolicy numbers publications itself and applies them to the index
type localPolicy struct {
	idx     index.IMatchIndex
	nextID  atomic.Int64
	mu      sync.Mutex
	origins []consistency.Origin
	order   []string
	leaves  []int64
	joinErr error
}

func (p *localPolicy) Name() consistency.Kind { return "local" }
func (p *localPolicy) EnforceOnJoin(_ context.Context, _ int64, _ string) error {
	return p.joinErr
}
func (p *localPolicy) EnforceOnPublish(_ context.Context, pub protocol.Publication, origin consistency.Origin) error {
	p.mu.Lock()
	p.origins = append(p.origins, origin)
	p.order = append(p.order, pub.Content)
	p.mu.Unlock()
	if pub.MessageID == protocol.UnassignedID {
		pub = pub.WithMessageID(p.nextID.Add(1) - 1)
	}
	return p.idx.Publish(pub)
}
func (p *localPolicy) EnforceOnRetrieve(_ context.Context, _ protocol.Pattern) error { return nil }
func (p *localPolicy) EnforceOnLeave(_ context.Context, clientID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaves = append(p.leaves, clientID)
	return nil
}
func (p *localPolicy) Synchronize(_ context.Context) error { return nil }

type counterIDs struct{ next atomic.Int64 }

func (c *counterIDs) NextClientID(_ context.Context) (int64, error) {
	return c.next.Add(1) - 1, nil
}

type recordingDeliverer struct {
	mu         sync.Mutex
	deliveries map[string][]Delivery
	forgotten  []string
	fail       atomic.Bool
	calls      atomic.Int64
}

func newRecordingDeliverer() *recordingDeliverer {
	return &recordingDeliverer{deliveries: map[string][]Delivery{}}
}

func (r *recordingDeliverer) Deliver(_ context.Context, address string, d Delivery) error {
	r.calls.Add(1)
	if r.fail.Load() {
		return errors.New("connection refused")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries[address] = append(r.deliveries[address], d)
	return nil
}

func (r *recordingDeliverer) Forget(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgotten = append(r.forgotten, address)
}

func (r *recordingDeliverer) get(address string) []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries[address]...)
}

type fixture struct {
	idx       index.IMatchIndex
	policy    *localPolicy
	deliverer *recordingDeliverer
	d         IDispatcher
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	schema, err := protocol.NewSchema([]protocol.Field{{Name: "topic", Allowed: []string{"news", "sports"}}}, ";", "*", 128)
	require.NoError(t, err)

	f := &fixture{idx: index.NewMatchIndex(schema), deliverer: newRecordingDeliverer()}
	f.policy = &localPolicy{idx: f.idx}
	f.d = NewDispatcher(config, f.idx, f.policy, &counterIDs{}, f.deliverer)
	t.Cleanup(f.d.Stop)
	return f
}

func msg(topic, content string) protocol.Publication {
	return protocol.Publication{MessageID: protocol.UnassignedID, ClientID: protocol.UnassignedID, Fields: []string{topic}, Content: content}
}

func topic(t string) protocol.Pattern {
	return protocol.Pattern{MessageID: protocol.AnyID, ClientID: protocol.AnyID, Fields: []string{t}}
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
// Join / Leave
// --------------------------------------------------------------------------

func TestJoinAssignsIDs(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	id0, err := f.d.Join(ctx, "client-a", -1, "")
	require.NoError(t, err)
	id1, err := f.d.Join(ctx, "client-b", -1, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), id0)
	assert.Equal(t, int64(1), id1)

	again, err := f.d.Join(ctx, "client-a", -1, "")
	require.NoError(t, err)
	assert.Equal(t, id0, again)

	kept, err := f.d.Join(ctx, "client-c", 42, "")
	require.NoError(t, err)
	assert.Equal(t, int64(42), kept)

	assert.Equal(t, 3, f.d.NumClients())
	id, ok := f.d.ClientID("client-c")
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
}

func TestJoinLimit(t *testing.T) {
	f := newFixture(t, Config{MaxClients: 2})
	ctx := context.Background()

	_, err := f.d.Join(ctx, "a", -1, "")
	require.NoError(t, err)
	_, err = f.d.Join(ctx, "b", -1, "")
	require.NoError(t, err)
	_, err = f.d.Join(ctx, "c", -1, "")
	assert.ErrorIs(t, err, ErrTooManyClients)
	assert.Equal(t, 2, f.d.NumClients())

	require.NoError(t, f.d.Leave(ctx, "a"))
	_, err = f.d.Join(ctx, "c", -1, "")
	assert.NoError(t, err)
}

func TestJoinPolicyFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.policy.joinErr = errors.New("previous server unreachable")

	_, err := f.d.Join(context.Background(), "a", -1, "elsewhere")
	assert.Error(t, err)
	assert.Equal(t, 0, f.d.NumClients())
	_, ok := f.d.ClientID("a")
	assert.False(t, ok)
}

func TestLeaveIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.d.Join(ctx, "a", -1, "")
	require.NoError(t, err)
	_, err = f.d.Join(ctx, "b", -1, "")
	require.NoError(t, err)

	require.NoError(t, f.d.Leave(ctx, "a"))
	require.NoError(t, f.d.Leave(ctx, "a"))
	require.NoError(t, f.d.Leave(ctx, "never-joined"))
	assert.Equal(t, 1, f.d.NumClients())
	assert.Equal(t, []int64{0}, f.policy.leaves)
	assert.Equal(t, []string{"a"}, f.deliverer.forgotten)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.d.Leave(ctx, "b"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, f.d.NumClients())
}

func TestOperationsWithoutManager(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	ok, err := f.d.Publish(ctx, "ghost", msg("news", "hi"))
	assert.False(t, ok)
	assert.NoError(t, err)

	ok, err = f.d.Subscribe(ctx, "ghost", topic("news"))
	assert.False(t, ok)
	assert.NoError(t, err)

	ok, err = f.d.Unsubscribe(ctx, "ghost", topic("news"))
	assert.False(t, ok)
	assert.NoError(t, err)

	_, ok, err = f.d.Retrieve(ctx, "ghost", topic("news"))
	assert.False(t, ok)
	assert.NoError(t, err)

	_, err = f.d.Join(ctx, "left", -1, "")
	require.NoError(t, err)
	require.NoError(t, f.d.Leave(ctx, "left"))
	ok, err = f.d.Publish(ctx, "left", msg("news", "hi"))
	assert.False(t, ok)
	assert.NoError(t, err)
}

// --------------------------------------------------------------------------
// Publish / Retrieve
// --------------------------------------------------------------------------

func TestPublishAndRetrieve(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	id, err := f.d.Join(ctx, "a", -1, "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ok, err := f.d.Publish(ctx, "a", msg("news", fmt.Sprintf("n%d", i)))
		require.True(t, ok)
		require.NoError(t, err)
	}
	ok, err := f.d.Publish(ctx, "a", msg("sports", "s0"))
	require.True(t, ok)
	require.NoError(t, err)

	result, ok, err := f.d.Retrieve(ctx, "a", topic("news"))
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Count)
	for _, pub := range result.Publications {
		assert.Equal(t, id, pub.ClientID)
	}

	// one-shot retrieves do not move any cursor
	result, _, err = f.d.Retrieve(ctx, "a", topic("*"))
	require.NoError(t, err)
	assert.Equal(t, 4, result.Count)
	assert.Equal(t, int64(2), f.d.Stats().Retrieves)
	assert.Equal(t, int64(4), f.d.Stats().Publishes)
}

func TestPublishValidates(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.d.Join(ctx, "a", -1, "")
	require.NoError(t, err)

	ok, err := f.d.Publish(ctx, "a", msg("weather", "rain"))
	assert.True(t, ok)
	assert.ErrorIs(t, err, protocol.ErrProtocolViolation)

	ok, err = f.d.Subscribe(ctx, "a", protocol.Pattern{MessageID: protocol.AnyID, ClientID: protocol.AnyID})
	assert.True(t, ok)
	assert.ErrorIs(t, err, protocol.ErrProtocolViolation)
}

func TestOperationsOfOneClientKeepOrder(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	addresses := []string{"a", "b", "c", "d"}
	for _, a := range addresses {
		_, err := f.d.Join(ctx, a, -1, "")
		require.NoError(t, err)
	}

	const perClient = 50
	var wg sync.WaitGroup
	for _, a := range addresses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perClient; i++ {
				_, err := f.d.Publish(ctx, a, msg("news", fmt.Sprintf("%s-%03d", a, i)))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	last := map[string]string{}
	for _, content := range f.policy.order {
		client := content[:1]
		assert.Greater(t, content, last[client], "operations of %s reordered", client)
		last[client] = content
	}
	assert.Equal(t, perClient*len(addresses), f.idx.Len())
}

func TestRelayUsesPeerOrigin(t *testing.T) {
	f := newFixture(t, Config{})
	pub := msg("news", "relayed").WithMessageID(7).WithClientID(3)

	require.NoError(t, f.d.Relay(context.Background(), "replica-2:5000", pub))
	require.Len(t, f.policy.origins, 1)
	assert.Equal(t, consistency.Origin{ClientID: 3, Peer: "replica-2:5000"}, f.policy.origins[0])
	assert.Equal(t, int64(7), f.idx.HighestMessageIDStored())
}

// --------------------------------------------------------------------------
// Push delivery
// --------------------------------------------------------------------------

func TestPushDeliversNewMatchesOnce(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.d.Join(ctx, "sub", -1, "")
	require.NoError(t, err)
	_, err = f.d.Join(ctx, "pub", -1, "")
	require.NoError(t, err)
	_, err = f.d.Subscribe(ctx, "sub", topic("news"))
	require.NoError(t, err)

	_, err = f.d.Publish(ctx, "pub", msg("news", "first"))
	require.NoError(t, err)
	_, err = f.d.Publish(ctx, "pub", msg("sports", "ignored"))
	require.NoError(t, err)

	f.d.Push(ctx)
	require.True(t, waitFor(t, time.Second, func() bool { return len(f.deliverer.get("sub")) == 1 }))

	// nothing new, nothing delivered
	f.d.Push(ctx)
	_, err = f.d.Publish(ctx, "pub", msg("news", "second"))
	require.NoError(t, err)
	f.d.Push(ctx)
	require.True(t, waitFor(t, time.Second, func() bool { return len(f.deliverer.get("sub")) == 2 }))

	got := f.deliverer.get("sub")
	assert.Equal(t, "first", got[0].Publications[0].Content)
	assert.Equal(t, "second", got[1].Publications[0].Content)
	assert.Empty(t, got[0].QueryID)
	assert.Empty(t, f.deliverer.get("pub"))
}

func TestPushSkipsClientsThatLeft(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.d.Join(ctx, "sub", -1, "")
	require.NoError(t, err)
	_, err = f.d.Subscribe(ctx, "sub", topic("*"))
	require.NoError(t, err)
	_, err = f.d.Publish(ctx, "sub", msg("news", "x"))
	require.NoError(t, err)

	require.NoError(t, f.d.Leave(ctx, "sub"))
	f.d.Push(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.deliverer.calls.Load())
}

func TestUnsubscribeStopsPushes(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.d.Join(ctx, "sub", -1, "")
	require.NoError(t, err)
	_, err = f.d.Subscribe(ctx, "sub", topic("news"))
	require.NoError(t, err)
	_, err = f.d.Subscribe(ctx, "sub", topic("news"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.d.Stats().Subscriptions)

	ok, err := f.d.Unsubscribe(ctx, "sub", topic("news"))
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, 0, f.d.Stats().Subscriptions)

	_, err = f.d.Publish(ctx, "sub", msg("news", "x"))
	require.NoError(t, err)
	f.d.Push(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.deliverer.calls.Load())
}

func TestPushLoopRunsOnTicks(t *testing.T) {
	mock := clock.NewMock()
	f := newFixture(t, Config{PushInterval: time.Second, Clock: mock})
	ctx := context.Background()

	_, err := f.d.Join(ctx, "sub", -1, "")
	require.NoError(t, err)
	_, err = f.d.Subscribe(ctx, "sub", topic("sports"))
	require.NoError(t, err)
	_, err = f.d.Publish(ctx, "sub", msg("sports", "goal"))
	require.NoError(t, err)

	f.d.Start()
	mock.Add(time.Second)
	require.True(t, waitFor(t, time.Second, func() bool { return len(f.deliverer.get("sub")) == 1 }))
}

func TestBreakerSuspendsFailingClient(t *testing.T) {
	f := newFixture(t, Config{BreakerTrips: 2, BreakerTimeout: time.Hour})
	ctx := context.Background()
	f.deliverer.fail.Store(true)

	_, err := f.d.Join(ctx, "sub", -1, "")
	require.NoError(t, err)
	_, err = f.d.Subscribe(ctx, "sub", topic("news"))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err = f.d.Publish(ctx, "sub", msg("news", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		f.d.Push(ctx)
		want := int64(i + 1)
		require.True(t, waitFor(t, time.Second, func() bool { return f.d.Stats().Failed >= want }))
	}

	// the breaker opened after two failures, later deliveries never reached the deliverer
	assert.Equal(t, int64(2), f.deliverer.calls.Load())
}

func TestRetrieveStreamAnnouncesCount(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.d.Join(ctx, "a", -1, "")
	require.NoError(t, err)
	const n = streamBatchSize + 5
	for i := 0; i < n; i++ {
		_, err := f.d.Publish(ctx, "a", msg("news", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	queryID, ok, err := f.d.RetrieveStream(ctx, "a", topic("news"))
	require.True(t, ok)
	require.NoError(t, err)
	require.NotEmpty(t, queryID)

	got := f.deliverer.get("a")
	require.Len(t, got, 3)
	assert.True(t, got[0].IsAnnouncement())
	assert.Equal(t, n, got[0].Count)

	received := 0
	for _, d := range got[1:] {
		assert.Equal(t, queryID, d.QueryID)
		assert.False(t, d.IsAnnouncement())
		received += len(d.Publications)
	}
	assert.Equal(t, n, received)
}
