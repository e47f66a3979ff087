// Package consistency implements the three replication policies of a board.
//
// A policy is chosen once at startup and sits between the dispatcher and the
// match index. Every publish, retrieve, join and leave of a client passes
// through it, and it decides what has to happen on the other replicas before
// the local index is updated or read.
//
// Sequential:
//
//	Every publication is numbered by the coordinator and applied in id order
//	at every replica. Clients of other replicas forward their publications to
//	the coordinator, which assigns the id and broadcasts it. Publications that
//	arrive ahead of their turn wait in a reorder buffer. Synchronize fetches
//	the ids a replica missed from the coordinator.
//
// ReadYourWrites:
//
//	Publications are applied locally only. When a client joins with the
//	address of the replica it used before, its publications are copied over
//	before the join completes.
//
// Quorum:
//
//	A publication of a local client is written to W peers before it is
//	applied locally, and a retrieve reads from the freshest of R peers and
//	imports the result. The constructor rejects configurations unless
//	R+W > N and W > N/2. Synchronize pulls all publications from every peer
//	so that replicas which missed a write catch up.
//
// Publications relayed by another replica carry an Origin with the peer
// address; QuorumUpdatePublisher marks imported ones.
package consistency
