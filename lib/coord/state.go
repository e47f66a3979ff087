// Package coord holds the id counters owned by the coordinator replica.
//
// Only the replica that won the coordinator election creates a State. Every
// other replica obtains message and client ids through an RPC to the
// coordinator, which keeps the ids unique without a distributed counter.
package coord

import "sync/atomic"

// State hands out message ids and client ids, both starting at 0.
// It is safe for concurrent use.
type State struct {
	nextMessageID atomic.Int64
	nextClientID  atomic.Int64
}

// NewState creates counters starting at 0
func NewState() *State {
	return &State{}
}

// NextMessageID returns a fresh message id
func (s *State) NextMessageID() int64 {
	return s.nextMessageID.Add(1) - 1
}

// NextClientID returns a fresh client id
func (s *State) NextClientID() int64 {
	return s.nextClientID.Add(1) - 1
}

// Issued returns how many message and client ids were handed out so far
func (s *State) Issued() (messages, clients int64) {
	return s.nextMessageID.Load(), s.nextClientID.Load()
}
