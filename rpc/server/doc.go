// Package server implements the RPC server of a board replica.
//
// The server builds a replica.IReplica from its configuration and serves it
// on the board route of the configured transport. Other replicas are reached
// through the peer client of the rpc/client package and client pushes through
// its deliverer, both over the same kind of transport the server listens on.
//
// Key Components:
//
//   - IRPCServerAdapter: Interface of the per route request handlers. Every
//     request is handled with a context bounded by the server timeout.
//
//   - NewBoardServerAdapter: Adapter for the board route. It translates the
//     client operations (Join, Leave, Publish, Subscribe, Unsubscribe,
//     Retrieve, RetrieveStream, Stats) and the replica to replica operations
//     (Ping, Relay, PeerRetrieve, HighestID, NewMessageID, NewClientID) to
//     replica.IReplica calls.
//
//   - NewRPCServer: Factory function creating a configured server with the
//     specified transport and serializer mechanisms.
//
// Metrics:
//
//	When MetricsEndpoint is set, the server exposes prometheus metrics at
//	/metrics: request and error counters per message type, the number of
//	connected clients, the number of stored publications and the highest
//	stored message id.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  ReplicaAddress: "localhost:5001",
//	  ClusterMembers: []string{"localhost:5001", "localhost:5002", "localhost:5003"},
//	  ClusterSize:    3,
//	  Policy:         "sequential",
//	  TimeoutSecond:  5,
//	  Transport:      common.ServerTransportConfig{Endpoint: "localhost:5001"},
//	  LogLevel:       "info",
//	}
//
//	s := server.NewRPCServer(
//	  config,
//	  tcp.NewTCPServerTransport(),
//	  tcp.NewTCPClientTransport,
//	  serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// Thread Safety:
//
//	The server handles concurrent requests across multiple connections.
//	Serve must be called only once, Stop may be called from any goroutine.
package server
