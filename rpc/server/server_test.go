package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/dBoard/lib/dispatch"
	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/ValentinKolb/dBoard/rpc/client"
	"github.com/ValentinKolb/dBoard/rpc/common"
	"github.com/ValentinKolb/dBoard/rpc/serializer"
	"github.com/ValentinKolb/dBoard/rpc/transport/unix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Test Setup
// --------------------------------------------------------------------------

// socketDir returns a short temp dir, unix socket paths are limited to ~100 bytes
func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "dboard")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "socket %s not created", path)
}

// startServer starts a single replica board served on a unix socket
func startServer(t *testing.T, dir string) (*rpcServer, string) {
	t.Helper()
	endpoint := filepath.Join(dir, "replica.sock")

	config := common.ServerConfig{
		ReplicaAddress:        endpoint,
		ClusterMembers:        []string{endpoint},
		ClusterSize:           1,
		Policy:                "sequential",
		PushIntervalMs:        20,
		DiscoveryIntervalMs:   10,
		CoordinatorWaitSecond: 5,
		TimeoutSecond:         5,
		Transport:             common.ServerTransportConfig{Endpoint: endpoint},
		LogLevel:              "error",
	}

	s := NewRPCServer(config, unix.NewUnixDefaultServerTransport(), unix.NewUnixClientTransport, serializer.NewBinarySerializer())
	served := make(chan error, 1)
	go func() { served <- s.Serve() }()
	t.Cleanup(func() {
		assert.NoError(t, s.Stop())
		select {
		case <-served:
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
	})

	waitForSocket(t, endpoint)
	require.NotNil(t, s.Replica())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Replica().Coordinator(ctx)
	require.NoError(t, err)
	return s, endpoint
}

// newClient connects a board client, with a delivery listener when listen is set
func newClient(t *testing.T, dir, endpoint, name string, listen bool) client.IBoardClient {
	t.Helper()
	config := common.ClientConfig{
		TimeoutSecond: 5,
		Transport: common.ClientTransportConfig{
			Endpoints:  []string{endpoint},
			RetryCount: 1,
		},
	}
	c, err := client.NewBoardClient(config, protocol.DefaultSchema(), unix.NewUnixClientTransport(), serializer.NewBinarySerializer())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	if listen {
		listenAt := filepath.Join(dir, name+".sock")
		require.NoError(t, c.ListenForDeliveries(unix.NewUnixDefaultServerTransport(), listenAt))
		waitForSocket(t, listenAt)
		assert.Equal(t, listenAt, c.Address())
	}
	return c
}

func replyTo(value string) protocol.Pattern {
	return protocol.Pattern{MessageID: protocol.AnyID, ClientID: protocol.AnyID, Fields: []string{value}}
}

func nextDelivery(t *testing.T, c client.IBoardClient) dispatch.Delivery {
	t.Helper()
	select {
	case d := <-c.Deliveries():
		return d
	case <-time.After(5 * time.Second):
		t.Fatalf("no delivery received")
		return dispatch.Delivery{}
	}
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestServer_PublishAndRetrieve(t *testing.T) {
	dir := socketDir(t)
	_, endpoint := startServer(t, dir)
	c := newClient(t, dir, endpoint, "alice", false)

	id, err := c.Join(protocol.UnassignedID, "")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, id, int64(0))
	assert.Equal(t, id, c.ClientID())

	ok, err := c.Publish([]string{"bob"}, "hello bob")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.Publish([]string{"carol"}, "hello carol")
	require.NoError(t, err)
	assert.True(t, ok)

	pubs, ok, err := c.Retrieve(replyTo("bob"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, pubs, 1)
	assert.Equal(t, "hello bob", pubs[0].Content)
	assert.Equal(t, id, pubs[0].ClientID)
	assert.GreaterOrEqual(t, pubs[0].MessageID, int64(0))

	pubs, ok, err = c.Retrieve(protocol.DefaultSchema().RetrieveAll())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, pubs, 2)
}

func TestServer_BulletinBoardThreads(t *testing.T) {
	dir := socketDir(t)
	_, endpoint := startServer(t, dir)
	alice := newClient(t, dir, endpoint, "alice", false)
	bob := newClient(t, dir, endpoint, "bob", false)
	for _, c := range []client.IBoardClient{alice, bob} {
		_, err := c.Join(protocol.UnassignedID, "")
		require.NoError(t, err)
	}

	aliceBoard, err := client.NewBulletinBoard(alice, protocol.DefaultSchema())
	require.NoError(t, err)
	bobBoard, err := client.NewBulletinBoard(bob, protocol.DefaultSchema())
	require.NoError(t, err)

	ok, err := aliceBoard.Post("lunch", "who is in?")
	require.NoError(t, err)
	require.True(t, ok)

	posts, err := bobBoard.Read()
	require.NoError(t, err)
	require.Len(t, posts, 1)
	ok, err = bobBoard.Reply(posts[0].MessageID, "re: lunch", "me")
	require.NoError(t, err)
	require.True(t, ok)

	posts, err = aliceBoard.Read()
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "lunch", posts[0].Title)
	assert.Equal(t, alice.ClientID(), posts[0].ClientID)
	assert.Equal(t, "me", posts[1].Body)
	assert.Equal(t, bob.ClientID(), posts[1].ClientID)
	assert.Equal(t, 1, posts[1].Depth)

	chosen, err := aliceBoard.Choose(posts[1].MessageID)
	require.NoError(t, err)
	assert.Equal(t, posts[0].MessageID, chosen.ReplyTo)
}

func TestServer_OperationsRequireJoin(t *testing.T) {
	dir := socketDir(t)
	_, endpoint := startServer(t, dir)
	c := newClient(t, dir, endpoint, "alice", false)

	ok, err := c.Publish([]string{"bob"}, "hello")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.Retrieve(replyTo("bob"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Join(protocol.UnassignedID, "")
	require.NoError(t, err)
	require.NoError(t, c.Leave())

	ok, err = c.Subscribe(replyTo("bob"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestServer_RejectsMalformedPublication(t *testing.T) {
	dir := socketDir(t)
	_, endpoint := startServer(t, dir)
	c := newClient(t, dir, endpoint, "alice", false)
	_, err := c.Join(protocol.UnassignedID, "")
	require.NoError(t, err)

	// the default schema has exactly one field
	_, err = c.Publish([]string{"bob", "extra"}, "hello")
	require.Error(t, err)
}

func TestServer_SubscriptionPush(t *testing.T) {
	dir := socketDir(t)
	_, endpoint := startServer(t, dir)

	subscriber := newClient(t, dir, endpoint, "sub", true)
	_, err := subscriber.Join(protocol.UnassignedID, "")
	require.NoError(t, err)
	ok, err := subscriber.Subscribe(replyTo("news"))
	require.NoError(t, err)
	require.True(t, ok)

	publisher := newClient(t, dir, endpoint, "pub", false)
	_, err = publisher.Join(protocol.UnassignedID, "")
	require.NoError(t, err)
	_, err = publisher.Publish([]string{"weather"}, "sunny")
	require.NoError(t, err)
	_, err = publisher.Publish([]string{"news"}, "breaking")
	require.NoError(t, err)

	d := nextDelivery(t, subscriber)
	assert.Empty(t, d.QueryID)
	require.Len(t, d.Publications, 1)
	assert.Equal(t, "breaking", d.Publications[0].Content)
	assert.Equal(t, publisher.ClientID(), d.Publications[0].ClientID)
}

func TestServer_RetrieveStream(t *testing.T) {
	dir := socketDir(t)
	_, endpoint := startServer(t, dir)
	c := newClient(t, dir, endpoint, "alice", true)
	_, err := c.Join(protocol.UnassignedID, "")
	require.NoError(t, err)

	const total = 40
	for i := 0; i < total; i++ {
		ok, err := c.Publish([]string{"bulk"}, fmt.Sprintf("message %d", i))
		require.NoError(t, err)
		require.True(t, ok)
	}

	queryID, ok, err := c.RetrieveStream(replyTo("bulk"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, queryID)

	announcement := nextDelivery(t, c)
	assert.True(t, announcement.IsAnnouncement())
	assert.Equal(t, queryID, announcement.QueryID)
	assert.Equal(t, total, announcement.Count)

	var received []protocol.Publication
	for len(received) < total {
		d := nextDelivery(t, c)
		require.Equal(t, queryID, d.QueryID)
		require.NotEmpty(t, d.Publications)
		received = append(received, d.Publications...)
	}
	assert.Len(t, received, total)
	for i := 1; i < len(received); i++ {
		assert.Less(t, received[i-1].MessageID, received[i].MessageID)
	}
}

func TestServer_Stats(t *testing.T) {
	dir := socketDir(t)
	_, endpoint := startServer(t, dir)
	c := newClient(t, dir, endpoint, "alice", false)
	_, err := c.Join(protocol.UnassignedID, "")
	require.NoError(t, err)
	_, err = c.Publish([]string{"bob"}, "hello")
	require.NoError(t, err)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, endpoint, stats.Address)
	assert.Equal(t, endpoint, stats.Coordinator)
	assert.True(t, stats.IsCoordinator)
	assert.Equal(t, 1, stats.Stored)
	assert.Equal(t, 1, stats.Dispatch.Clients)
}

func TestServer_UnknownRoute(t *testing.T) {
	dir := socketDir(t)
	_, endpoint := startServer(t, dir)

	tr := unix.NewUnixClientTransport()
	require.NoError(t, tr.Connect(common.ClientConfig{
		TimeoutSecond: 5,
		Transport:     common.ClientTransportConfig{Endpoints: []string{endpoint}},
	}))
	defer tr.Close()

	s := serializer.NewBinarySerializer()
	req, err := s.Serialize(*common.NewPingRequest())
	require.NoError(t, err)

	data, err := tr.Send(99, req)
	require.NoError(t, err)
	var resp common.Message
	require.NoError(t, s.Deserialize(data, &resp))
	assert.Equal(t, common.MsgTError, resp.MsgType)
	assert.Contains(t, resp.Err, "route 99 not found")

	data, err = tr.Send(common.RouteBoard, req)
	require.NoError(t, err)
	require.NoError(t, s.Deserialize(data, &resp))
	assert.Equal(t, common.MsgTPing, resp.MsgType)
	assert.Empty(t, resp.Err)
}

func TestServer_StopIsIdempotent(t *testing.T) {
	dir := socketDir(t)
	s, _ := startServer(t, dir)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}
