package index

import (
	"sync"

	"github.com/ValentinKolb/dBoard/lib/protocol"
)

// catchAll is the cursor key of subscriptions that constrain no field
var catchAll = protocol.ConditionKey{}

// Subscription is a pattern together with its match cursors.
// It is safe for concurrent use.
type Subscription struct {
	pattern protocol.Pattern
	keys    []protocol.ConditionKey

	mu      sync.Mutex
	cursors map[protocol.ConditionKey]int64
}

// NewSubscription creates a subscription whose cursors start before the first message
func NewSubscription(schema *protocol.Schema, pattern protocol.Pattern) *Subscription {
	keys := schema.PatternKeys(pattern)
	cursors := make(map[protocol.ConditionKey]int64, len(keys)+1)
	if len(keys) == 0 {
		cursors[catchAll] = -1
	}
	for _, k := range keys {
		cursors[k] = -1
	}
	return &Subscription{
		pattern: pattern,
		keys:    keys,
		cursors: cursors,
	}
}

// Pattern returns the pattern of the subscription
func (s *Subscription) Pattern() protocol.Pattern {
	return s.pattern
}

// Cursors returns a copy of the current cursors
func (s *Subscription) Cursors() map[protocol.ConditionKey]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := make(map[protocol.ConditionKey]int64, len(s.cursors))
	for k, v := range s.cursors {
		c[k] = v
	}
	return c
}

// advance moves every cursor up to id, cursors never move backwards.
// The caller must hold s.mu.
func (s *Subscription) advance(id int64) {
	for k, v := range s.cursors {
		if id > v {
			s.cursors[k] = id
		}
	}
}
