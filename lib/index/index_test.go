package index

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	topics  = []string{"news", "sports", "weather"}
	authors = []string{"alice", "bob", "carol"}
)

func testSchema(t *testing.T) *protocol.Schema {
	t.Helper()
	s, err := protocol.NewSchema(
		[]protocol.Field{
			{Name: "topic", Allowed: topics},
			{Name: "author"},
		},
		";", "*", 128,
	)
	require.NoError(t, err)
	return s
}

func pub(id, client int64, topic, author string) protocol.Publication {
	return protocol.Publication{
		MessageID: id,
		ClientID:  client,
		Fields:    []string{topic, author},
		Content:   fmt.Sprintf("message %d", id),
	}
}

func pattern(topic, author string) protocol.Pattern {
	return protocol.Pattern{MessageID: protocol.AnyID, ClientID: protocol.AnyID, Fields: []string{topic, author}}
}

func ids(pubs []protocol.Publication) []int64 {
	out := make([]int64, len(pubs))
	for i, p := range pubs {
		out[i] = p.MessageID
	}
	return out
}

func TestRetrieveMatchesConstrainedFields(t *testing.T) {
	s := testSchema(t)
	m := NewMatchIndex(s)

	require.NoError(t, m.Publish(pub(0, 1, "news", "alice")))
	require.NoError(t, m.Publish(pub(1, 1, "sports", "alice")))
	require.NoError(t, m.Publish(pub(2, 2, "news", "bob")))
	require.NoError(t, m.Publish(pub(3, 2, "news", "*")))

	tests := map[string]struct {
		pattern protocol.Pattern
		want    []int64
	}{
		"all":            {pattern: s.RetrieveAll(), want: []int64{0, 1, 2, 3}},
		"topic":          {pattern: pattern("news", "*"), want: []int64{0, 2, 3}},
		"topic + author": {pattern: pattern("news", "alice"), want: []int64{0}},
		"author":         {pattern: pattern("*", "alice"), want: []int64{0, 1}},
		"client":         {pattern: s.ByClient(2), want: []int64{2, 3}},
		"no match":       {pattern: pattern("weather", "*"), want: []int64{}},
		"unknown value":  {pattern: pattern("*", "dave"), want: []int64{}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := m.Retrieve(NewSubscription(s, tc.pattern))
			assert.Equal(t, tc.want, ids(got))
		})
	}
}

// TestRetrieveEqualsBruteForce checks random publications and patterns against a linear scan
func TestRetrieveEqualsBruteForce(t *testing.T) {
	s := testSchema(t)
	m := NewMatchIndex(s)
	r := rand.New(rand.NewSource(42))

	values := func(vs []string) string {
		if r.Intn(4) == 0 {
			return "*"
		}
		return vs[r.Intn(len(vs))]
	}

	var all []protocol.Publication
	for i := 0; i < 300; i++ {
		p := pub(int64(i), int64(r.Intn(5)), values(topics), values(authors))
		all = append(all, p)
	}
	// insert in random order, the index orders by messageId
	for _, i := range r.Perm(len(all)) {
		require.NoError(t, m.Publish(all[i]))
	}

	for i := 0; i < 100; i++ {
		p := pattern(values(topics), values(authors))
		if r.Intn(3) == 0 {
			p.ClientID = int64(r.Intn(5))
		}

		want := []int64{}
		for _, candidate := range all {
			if s.Matches(p, candidate) {
				want = append(want, candidate.MessageID)
			}
		}
		assert.Equal(t, want, ids(m.Snapshot(p)), "pattern %+v", p)
	}
}

func TestRetrieveCursorNoDuplicates(t *testing.T) {
	s := testSchema(t)
	m := NewMatchIndex(s)
	sub := NewSubscription(s, pattern("news", "*"))

	assert.Empty(t, m.Retrieve(sub))

	require.NoError(t, m.Publish(pub(0, 1, "news", "alice")))
	require.NoError(t, m.Publish(pub(1, 1, "sports", "alice")))
	assert.Equal(t, []int64{0}, ids(m.Retrieve(sub)))
	assert.Empty(t, m.Retrieve(sub), "no new publication, no result")

	require.NoError(t, m.Publish(pub(2, 1, "news", "bob")))
	require.NoError(t, m.Publish(pub(3, 1, "news", "carol")))
	assert.Equal(t, []int64{2, 3}, ids(m.Retrieve(sub)))
	assert.Empty(t, m.Retrieve(sub))

	for _, c := range sub.Cursors() {
		assert.Equal(t, int64(3), c)
	}
}

func TestRetrieveCatchAllCursor(t *testing.T) {
	s := testSchema(t)
	m := NewMatchIndex(s)
	sub := NewSubscription(s, s.RetrieveAll())

	require.NoError(t, m.Publish(pub(0, 1, "news", "alice")))
	assert.Equal(t, []int64{0}, ids(m.Retrieve(sub)))
	require.NoError(t, m.Publish(pub(1, 2, "sports", "bob")))
	assert.Equal(t, []int64{1}, ids(m.Retrieve(sub)))
	assert.Empty(t, m.Retrieve(sub))
}

func TestPublishIdempotent(t *testing.T) {
	s := testSchema(t)
	m := NewMatchIndex(s)

	p := pub(5, 1, "news", "alice")
	require.NoError(t, m.Publish(p))
	require.NoError(t, m.Publish(p))

	assert.Equal(t, 1, m.Len())
	assert.Equal(t, []int64{5}, ids(m.Snapshot(s.RetrieveAll())))
}

func TestPublishConflictingContent(t *testing.T) {
	s := testSchema(t)
	m := NewMatchIndex(s)

	require.NoError(t, m.Publish(pub(5, 1, "news", "alice")))

	other := pub(5, 1, "news", "alice")
	other.Content = "something else"
	err := m.Publish(other)
	require.ErrorIs(t, err, protocol.ErrProtocolViolation)

	got := m.Snapshot(s.RetrieveAll())
	require.Len(t, got, 1)
	assert.Equal(t, "message 5", got[0].Content)
}

func TestPublishRejectsInvalid(t *testing.T) {
	s := testSchema(t)
	m := NewMatchIndex(s)

	require.ErrorIs(t, m.Publish(pub(protocol.UnassignedID, 1, "news", "a")), protocol.ErrProtocolViolation)
	require.ErrorIs(t, m.Publish(pub(1, 1, "politics", "a")), protocol.ErrProtocolViolation)
	assert.Equal(t, 0, m.Len())
}

func TestHighestMessageIDStored(t *testing.T) {
	s := testSchema(t)
	m := NewMatchIndex(s)

	assert.Equal(t, int64(-1), m.HighestMessageIDStored())
	require.NoError(t, m.Publish(pub(7, 1, "news", "a")))
	require.NoError(t, m.Publish(pub(3, 1, "news", "a")))
	assert.Equal(t, int64(7), m.HighestMessageIDStored())
	require.NoError(t, m.Publish(pub(9, 1, "news", "a")))
	assert.Equal(t, int64(9), m.HighestMessageIDStored())
}

func TestRetrieveReturnsCopies(t *testing.T) {
	s := testSchema(t)
	m := NewMatchIndex(s)
	require.NoError(t, m.Publish(pub(0, 1, "news", "alice")))

	got := m.Snapshot(s.RetrieveAll())
	got[0].Fields[0] = "sports"
	got[0].Content = "changed"

	again := m.Snapshot(pattern("news", "*"))
	require.Len(t, again, 1)
	assert.Equal(t, "message 0", again[0].Content)
}

// TestConcurrentPublishAndRetrieve checks that every publication is delivered exactly once
// to a subscription that is read while publishers are running
func TestConcurrentPublishAndRetrieve(t *testing.T) {
	s := testSchema(t)
	m := NewMatchIndex(s)
	sub := NewSubscription(s, pattern("news", "*"))

	const publishers = 4
	const perPublisher = 250

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				id := int64(i*publishers + p)
				if err := m.Publish(pub(id, int64(p), "news", authors[i%len(authors)])); err != nil {
					t.Errorf("publish %d failed: %v", id, err)
				}
			}
		}(p)
	}

	seen := make(map[int64]int)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	collect := func() {
		for _, p := range m.Retrieve(sub) {
			seen[p.MessageID]++
		}
	}

loop:
	for {
		select {
		case <-done:
			break loop
		default:
			collect()
		}
	}
	collect()

	// ids are not published in ascending order across publishers, so a
	// late lower id can be behind the cursor. A final snapshot covers them.
	for _, p := range m.Snapshot(pattern("news", "*")) {
		if _, ok := seen[p.MessageID]; !ok {
			seen[p.MessageID] = 1
		}
	}

	assert.Len(t, seen, publishers*perPublisher)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %d delivered %d times", id, n)
	}
}
