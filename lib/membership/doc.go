// Package membership keeps track of the peer replicas of a board and of the
// coordinator among them.
//
// A background discovery loop polls an IRegistry for the live replica
// addresses and opens one cached IPeer connection per newly seen address.
// Nothing is elected until the number of replicas seen (including this one)
// reaches the configured cluster size. From then on the coordinator is the
// smallest address by string comparison. The decision is latched for the
// lifetime of the process, later changes of the peer set never move it.
//
// The coordinator owns a coord.State. Every other replica obtains message
// and client ids through NextMessageID/NextClientID, which forward to the
// coordinator. Asking a non-coordinator for an id directly
// (RequestNewMessageID) fails with ErrNotCoordinator.
//
// The quorum helpers used by the quorum consistency policy live here as well:
//
//   - CreateWriteQuorum publishes to a random permutation of the peers until
//     W of them acknowledged.
//   - CreateReadQuorum asks R random peers for their highest stored message
//     id and retrieves the match set from the most recent one.
//   - GetAllMessagesFromPeers pulls the match set of a pattern from every peer.
//
// Locking:
//
//	The election state is guarded by a mutex that is never held while talking
//	to a peer, so two replicas discovering each other at the same time cannot
//	block on one another.
package membership
