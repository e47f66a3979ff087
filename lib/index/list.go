package index

import (
	"sync"

	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/google/btree"
)

// degree of the B-trees backing the publication lists
const btreeDegree = 32

// publicationList holds the publications of one condition key ordered by messageId
type publicationList struct {
	mu   sync.Mutex
	tree *btree.BTreeG[*protocol.Publication]
}

func lessByMessageID(a, b *protocol.Publication) bool {
	return a.MessageID < b.MessageID
}

func newPublicationList() *publicationList {
	return &publicationList{
		tree: btree.NewG[*protocol.Publication](btreeDegree, lessByMessageID),
	}
}

// insert adds pub, an entry with the same messageId is replaced
func (l *publicationList) insert(pub *protocol.Publication) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tree.ReplaceOrInsert(pub)
}

// after returns all entries with a messageId greater than cursor in ascending order
func (l *publicationList) after(cursor int64) []*protocol.Publication {
	l.mu.Lock()
	defer l.mu.Unlock()

	var result []*protocol.Publication
	pivot := &protocol.Publication{MessageID: cursor + 1}
	l.tree.AscendGreaterOrEqual(pivot, func(p *protocol.Publication) bool {
		result = append(result, p)
		return true
	})
	return result
}

// len returns the number of entries
func (l *publicationList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tree.Len()
}
