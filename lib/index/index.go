package index

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("index")

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IMatchIndex stores all publications known to a replica and matches them
// against subscriptions
type IMatchIndex interface {
	// Publish stores pub under all of its condition keys.
	// The publication must carry an assigned messageId. Publishing an identical
	// publication again is a no-op, a different publication under a known
	// messageId returns an error wrapping protocol.ErrProtocolViolation.
	Publish(pub protocol.Publication) error
	// Retrieve returns the publications matching sub that were not returned to
	// sub before, in ascending messageId order, and advances its cursors.
	// Returns an empty slice if nothing new matches.
	Retrieve(sub *Subscription) []protocol.Publication
	// Snapshot returns every stored publication matching pattern
	Snapshot(pattern protocol.Pattern) []protocol.Publication
	// HighestMessageIDStored returns the highest messageId ever published here, -1 if none
	HighestMessageIDStored() int64
	// Len returns the number of stored publications
	Len() int
	// Schema returns the schema the index was created for
	Schema() *protocol.Schema
}

// NewMatchIndex creates an empty index for the given schema
func NewMatchIndex(schema *protocol.Schema) IMatchIndex {
	m := &matchIndexImpl{
		schema: schema,
		lists:  xsync.NewMapOf[protocol.ConditionKey, *publicationList](),
		all:    newPublicationList(),
		byID:   xsync.NewMapOf[int64, *protocol.Publication](),
	}
	m.highest.Store(-1)
	return m
}

type matchIndexImpl struct {
	schema  *protocol.Schema
	lists   *xsync.MapOf[protocol.ConditionKey, *publicationList]
	all     *publicationList
	byID    *xsync.MapOf[int64, *protocol.Publication]
	highest atomic.Int64

	// publishes hold the read side while inserting into their lists,
	// retrieves hold the write side while reading
	gate sync.RWMutex
}

// --------------------------------------------------------------------------
// Interface Methods (docu see index.IMatchIndex)
// --------------------------------------------------------------------------

func (m *matchIndexImpl) Schema() *protocol.Schema {
	return m.schema
}

func (m *matchIndexImpl) Publish(pub protocol.Publication) error {
	if pub.MessageID < 0 {
		return fmt.Errorf("%w: publication without message id", protocol.ErrProtocolViolation)
	}
	if err := m.schema.ValidatePublication(pub); err != nil {
		return err
	}

	// the index owns its own copy
	stored := pub.WithMessageID(pub.MessageID)

	existing, loaded := m.byID.LoadOrStore(stored.MessageID, &stored)
	if loaded {
		if existing.Equal(pub) {
			return nil
		}
		Logger.Errorf("conflicting publications for message id %d: stored %+v, received %+v", pub.MessageID, *existing, pub)
		return fmt.Errorf("%w: message id %d already used by a different publication", protocol.ErrProtocolViolation, pub.MessageID)
	}

	m.gate.RLock()
	for _, key := range m.schema.PublicationKeys(stored) {
		list, _ := m.lists.LoadOrCompute(key, newPublicationList)
		list.insert(&stored)
	}
	m.all.insert(&stored)
	m.gate.RUnlock()

	for {
		current := m.highest.Load()
		if stored.MessageID <= current || m.highest.CompareAndSwap(current, stored.MessageID) {
			break
		}
	}

	Logger.Debugf("stored message %d of client %d", stored.MessageID, stored.ClientID)
	return nil
}

func (m *matchIndexImpl) Retrieve(sub *Subscription) []protocol.Publication {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	m.gate.Lock()
	matches := m.match(sub)
	m.gate.Unlock()

	if len(matches) == 0 {
		return []protocol.Publication{}
	}
	sub.advance(matches[len(matches)-1].MessageID)

	result := make([]protocol.Publication, len(matches))
	for i, p := range matches {
		result[i] = *p
	}
	return result
}

func (m *matchIndexImpl) Snapshot(pattern protocol.Pattern) []protocol.Publication {
	return m.Retrieve(NewSubscription(m.schema, pattern))
}

func (m *matchIndexImpl) HighestMessageIDStored() int64 {
	return m.highest.Load()
}

func (m *matchIndexImpl) Len() int {
	return m.all.len()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// match computes the publications above the cursors of sub that are listed
// under every condition key of sub. The caller holds sub.mu and the gate.
func (m *matchIndexImpl) match(sub *Subscription) []*protocol.Publication {
	if len(sub.keys) == 0 {
		return m.all.after(sub.cursors[catchAll])
	}

	candidates := make([][]*protocol.Publication, 0, len(sub.keys))
	smallest := 0
	for i, key := range sub.keys {
		list, ok := m.lists.Load(key)
		if !ok {
			// nothing was ever published with this value
			return nil
		}
		c := list.after(sub.cursors[key])
		if len(c) == 0 {
			return nil
		}
		candidates = append(candidates, c)
		if len(c) < len(candidates[smallest]) {
			smallest = i
		}
	}

	// intersect all candidate lists, starting from the smallest one
	result := candidates[smallest]
	for i, c := range candidates {
		if i == smallest {
			continue
		}
		ids := make(map[int64]struct{}, len(c))
		for _, p := range c {
			ids[p.MessageID] = struct{}{}
		}
		filtered := result[:0:0]
		for _, p := range result {
			if _, ok := ids[p.MessageID]; ok {
				filtered = append(filtered, p)
			}
		}
		result = filtered
		if len(result) == 0 {
			return nil
		}
	}
	return result
}
