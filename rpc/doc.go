// Package rpc provides the remote procedure call layer of the replicated
// message board. It connects clients with replicas and replicas with each
// other across network boundaries.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the RPC system,
//     including the Message protocol, configuration structures, and logging.
//
//   - transport: Network communication abstractions with pluggable implementations
//     (TCP, Unix sockets, HTTP).
//
//   - serializer: Message serialization with multiple format options (Binary, JSON, GOB)
//     for converting between Message objects and byte arrays.
//
//   - client: The board client, the peer client used between replicas and the
//     deliverer pushing matches to client listeners.
//
//   - server: RPC server hosting one replica, including the adapter that maps
//     board messages to replica operations.
package rpc
