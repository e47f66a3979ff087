// Package client implements the RPC clients of the message board.
//
// Key Components:
//
//   - NewBoardClient: Client of one replica. It offers the client operations
//     (Join, Leave, Publish, Subscribe, Unsubscribe, Retrieve, RetrieveStream)
//     and the replica statistics. With ListenForDeliveries the client serves
//     the delivery route itself, the replica then pushes the matches of
//     standing subscriptions and streamed retrieves to it. Received pushes
//     are read from Deliveries.
//
//   - NewBulletinBoard: threaded posts on a joined board client. Replies
//     carry the id of the answered post in the replyTo field, Read returns
//     all posts with every reply below its parent.
//
//   - NewPeerDialer: membership.PeerDialer used by a replica to reach the
//     other replicas (relay, peer retrieve, highest id, id requests, ping).
//
//   - NewDeliverer: dispatch.IDeliverer used by a replica to push deliveries
//     to the listeners of its clients. One connection per client is kept
//     until the client leaves.
//
// Publications and patterns are carried in their codec form, so every side
// must use the same schema.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  TimeoutSecond: 5,
//	  Transport: common.ClientTransportConfig{
//	    Endpoints:  []string{"localhost:5001"},
//	    RetryCount: 3,
//	  },
//	}
//
//	board, _ := client.NewBoardClient(config, protocol.DefaultSchema(),
//	  tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//	_ = board.ListenForDeliveries(tcp.NewTCPServerTransport(), "localhost:7001")
//
//	board.Join(-1, "")
//	board.Subscribe(pattern)
//	for delivery := range board.Deliveries() {
//	  ...
//	}
//
// Thread Safety:
//
//	All client implementations are thread-safe and can be used concurrently from
//	multiple goroutines without additional synchronization.
package client
