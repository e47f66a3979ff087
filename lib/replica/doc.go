// Package replica assembles one server of a board.
//
// A replica owns a match index, a membership view, the consistency policy
// selected at startup and a dispatcher for its clients:
//
//	client ops -> dispatch.IDispatcher -> consistency.IConsistencyPolicy -> index.IMatchIndex
//	                                             |
//	                                   membership.IMembershipView -> peers
//
// IReplica exposes the client verbs (Join, Leave, Publish, Subscribe,
// Unsubscribe, Retrieve) and the operations other replicas call through
// their membership.IPeer connection (Relay, PeerRetrieve, HighestMessageID,
// NewMessageID, NewClientID, Ping). The rpc/server package maps both onto
// the wire. Every synchronize tick of the membership view runs the policy's
// Synchronize.
package replica
