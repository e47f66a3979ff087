// Package dispatch manages the clients connected to a replica.
//
// Every joined client gets a manager holding its client id, its standing
// subscriptions and an ordered task queue. All operations of one client
// (publish, subscribe, unsubscribe, retrieve) are pushed onto that queue and
// executed one after the other by the queue's consumer, while operations of
// different clients run concurrently. Publications relayed by other replicas
// share the queue of a single manager named ClientElsewhere.
//
// Operations against an address without a manager do not fail, they return
// false so the caller can tell the client to join first.
//
// Push loop:
//
//	Every PushInterval the dispatcher queues one push task per live client.
//	The task retrieves the new matches of each standing subscription and hands
//	them to the IDeliverer. Deliveries pass through a per-client circuit
//	breaker, a client whose deliveries keep failing is skipped until the
//	breaker closes again. A failed delivery is logged and dropped.
//
// Streamed retrieves first deliver the number of matches and then the
// matches themselves, all tagged with the same query id.
package dispatch
