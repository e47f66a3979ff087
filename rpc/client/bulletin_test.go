package client

import (
	"testing"

	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryBoard numbers publications like a single replica would
type memoryBoard struct {
	IBoardClient
	pubs []protocol.Publication
}

func (m *memoryBoard) Publish(fields []string, content string) (bool, error) {
	m.pubs = append(m.pubs, protocol.Publication{
		MessageID: int64(len(m.pubs)),
		ClientID:  7,
		Fields:    append([]string(nil), fields...),
		Content:   content,
	})
	return true, nil
}

func (m *memoryBoard) Retrieve(_ protocol.Pattern) ([]protocol.Publication, bool, error) {
	return append([]protocol.Publication(nil), m.pubs...), true, nil
}

type threadLine struct {
	id    int64
	depth int
}

func lines(posts []Post) []threadLine {
	out := make([]threadLine, len(posts))
	for i, p := range posts {
		out[i] = threadLine{p.MessageID, p.Depth}
	}
	return out
}

func TestBulletinBoard_ThreadedReadOrder(t *testing.T) {
	board := &memoryBoard{}
	bb, err := NewBulletinBoard(board, protocol.DefaultSchema())
	require.NoError(t, err)

	mustWrite := func(ok bool, err error) {
		t.Helper()
		require.NoError(t, err)
		require.True(t, ok)
	}
	// ids 0 to 5 in publication order
	mustWrite(bb.Post("welcome", "first thread"))
	mustWrite(bb.Post("rules", "second thread"))
	mustWrite(bb.Reply(0, "re: welcome", "hello"))
	mustWrite(bb.Reply(2, "re: re: welcome", ""))
	mustWrite(bb.Reply(1, "re: rules", "ok"))
	mustWrite(bb.Reply(0, "late reply", "hi"))

	posts, err := bb.Read()
	require.NoError(t, err)
	assert.Equal(t, []threadLine{{0, 0}, {2, 1}, {3, 2}, {5, 1}, {1, 0}, {4, 1}}, lines(posts))

	post, err := bb.Choose(2)
	require.NoError(t, err)
	assert.Equal(t, "re: welcome", post.Title)
	assert.Equal(t, "hello", post.Body)
	assert.Equal(t, int64(0), post.ReplyTo)
	assert.Equal(t, int64(7), post.ClientID)
	assert.True(t, post.IsReply())

	root, err := bb.Choose(0)
	require.NoError(t, err)
	assert.False(t, root.IsReply())

	_, err = bb.Choose(42)
	assert.ErrorIs(t, err, ErrPostNotFound)
}

func TestBulletinBoard_TitleField(t *testing.T) {
	schema, err := protocol.NewSchema([]protocol.Field{{Name: FieldReplyTo}, {Name: FieldTitle}}, ";", "*", 256)
	require.NoError(t, err)
	board := &memoryBoard{}
	bb, err := NewBulletinBoard(board, schema)
	require.NoError(t, err)

	_, err = bb.Post("hello", "body text")
	require.NoError(t, err)
	_, err = bb.Reply(0, "answer", "more text")
	require.NoError(t, err)

	assert.Equal(t, []string{"*", "hello"}, board.pubs[0].Fields)
	assert.Equal(t, "body text", board.pubs[0].Content)
	assert.Equal(t, []string{"0", "answer"}, board.pubs[1].Fields)

	posts, err := bb.Read()
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "answer", posts[1].Title)
	assert.Equal(t, 1, posts[1].Depth)
}

func TestBulletinBoard_InvalidPosts(t *testing.T) {
	board := &memoryBoard{}
	bb, err := NewBulletinBoard(board, protocol.DefaultSchema())
	require.NoError(t, err)

	_, err = bb.Post("", "body")
	assert.ErrorIs(t, err, ErrInvalidPost)
	_, err = bb.Post("two\nlines", "body")
	assert.ErrorIs(t, err, ErrInvalidPost)
	_, err = bb.Reply(-1, "title", "body")
	assert.ErrorIs(t, err, ErrInvalidPost)
	assert.Empty(t, board.pubs)

	// foreign messages on the board are skipped
	board.pubs = append(board.pubs, protocol.Publication{MessageID: 0, ClientID: 1, Fields: []string{"someone"}, Content: "not a post"})
	_, err = bb.Post("title", "body")
	require.NoError(t, err)
	posts, err := bb.Read()
	require.NoError(t, err)
	assert.Equal(t, []threadLine{{1, 0}}, lines(posts))

	schema, err := protocol.NewSchema([]protocol.Field{{Name: "topic"}}, ";", "*", 64)
	require.NoError(t, err)
	_, err = NewBulletinBoard(board, schema)
	assert.ErrorIs(t, err, ErrNoReplyField)
}

func TestReadOrder_OrphansAndCycles(t *testing.T) {
	posts := map[int64]Post{
		3: {MessageID: 3, ReplyTo: 99},
		4: {MessageID: 4, ReplyTo: 3},
		6: {MessageID: 6, ReplyTo: 7},
		7: {MessageID: 7, ReplyTo: 6},
		1: {MessageID: 1, ReplyTo: protocol.UnassignedID},
		8: {MessageID: 8, ReplyTo: 8},
	}
	assert.Equal(t, []threadLine{{1, 0}, {3, 0}, {4, 1}, {8, 0}, {6, 0}, {7, 1}}, lines(ReadOrder(posts)))
	assert.Empty(t, ReadOrder(nil))
}
