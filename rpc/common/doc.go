// Package common provides the data structures shared by the rpc server,
// the rpc clients and the transports of the message board.
//
// Key Components:
//
//   - Message: Core data structure for all RPC communication, used for
//     requests and responses alike. Publications and patterns travel in
//     their codec form (see protocol.Codec) inside Records. Factory
//     functions exist for every request and response.
//
//   - MessageType: Enumeration of all operations, split into client
//     operations, replica to replica operations and push deliveries.
//
//   - Routes: Every frame names a route. A replica serves RouteBoard, a
//     client that wants push deliveries serves RouteDelivery.
//
//   - ServerConfig / ClientConfig: Configuration of replicas and clients
//     including the transport settings.
//
//   - Logger: Custom formatting for the dragonboat logger package, which
//     every package of the module logs through.
package common
