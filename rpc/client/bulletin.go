package client

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/ValentinKolb/dBoard/lib/protocol"
)

const (
	// FieldReplyTo holds the message id a post answers, the wildcard for a new thread
	FieldReplyTo = "replyTo"
	// FieldTitle holds the title of a post if the schema defines it
	FieldTitle = "title"
)

var (
	// ErrNoReplyField is returned when the schema has no replyTo field
	ErrNoReplyField = errors.New("schema has no " + FieldReplyTo + " field")
	// ErrInvalidPost is returned for posts that cannot be written or read
	ErrInvalidPost = errors.New("invalid post")
	// ErrPostNotFound is returned by Choose for ids unknown to the last Read
	ErrPostNotFound = errors.New("post not found")
)

// Post is a publication read as a bulletin board entry
type Post struct {
	MessageID int64  `json:"messageId"`
	ClientID  int64  `json:"clientId"`
	ReplyTo   int64  `json:"replyTo"` // protocol.UnassignedID for a new thread
	Title     string `json:"title"`
	Body      string `json:"body"`
	// Depth is the nesting level in the read order, 0 for a new thread
	Depth int `json:"depth"`
}

// IsReply reports whether the post answers another post
func (p Post) IsReply() bool {
	return p.ReplyTo >= 0
}

// IBulletinBoard posts threaded messages on top of a board client
type IBulletinBoard interface {
	// Post starts a new thread
	Post(title, body string) (bool, error)
	// Reply answers the post with the given message id
	Reply(replyTo int64, title, body string) (bool, error)
	// Read retrieves all posts in read order: every thread in message id
	// order, each post followed by its replies, depth first
	Read() ([]Post, error)
	// Choose returns a post of the last Read
	Choose(messageID int64) (Post, error)
}

// NewBulletinBoard creates a bulletin board on a joined board client.
// The schema must define a replyTo field, a title field is used if present.
func NewBulletinBoard(board IBoardClient, schema *protocol.Schema) (IBulletinBoard, error) {
	b := &bulletinBoardImpl{board: board, schema: schema, replyTo: -1, title: -1}
	for i, f := range schema.Fields {
		switch f.Name {
		case FieldReplyTo:
			b.replyTo = i
		case FieldTitle:
			b.title = i
		}
	}
	if b.replyTo < 0 {
		return nil, ErrNoReplyField
	}
	return b, nil
}

type bulletinBoardImpl struct {
	board   IBoardClient
	schema  *protocol.Schema
	replyTo int
	title   int

	mu   sync.Mutex
	read map[int64]Post
}

// --------------------------------------------------------------------------
// Interface Methods (docu see client.IBulletinBoard)
// --------------------------------------------------------------------------

func (b *bulletinBoardImpl) Post(title, body string) (bool, error) {
	return b.write(protocol.UnassignedID, title, body)
}

func (b *bulletinBoardImpl) Reply(replyTo int64, title, body string) (bool, error) {
	if replyTo < 0 {
		return false, fmt.Errorf("%w: reply to negative message id %d", ErrInvalidPost, replyTo)
	}
	return b.write(replyTo, title, body)
}

func (b *bulletinBoardImpl) Read() ([]Post, error) {
	pubs, ok, err := b.board.Retrieve(b.schema.RetrieveAll())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("retrieve rejected, client is not joined")
	}

	posts := make(map[int64]Post, len(pubs))
	for _, pub := range pubs {
		post, err := b.parse(pub)
		if err != nil {
			Logger.Warningf("skipping message %d: %v", pub.MessageID, err)
			continue
		}
		posts[post.MessageID] = post
	}

	order := ReadOrder(posts)

	b.mu.Lock()
	b.read = make(map[int64]Post, len(order))
	for _, post := range order {
		b.read[post.MessageID] = post
	}
	b.mu.Unlock()
	return order, nil
}

func (b *bulletinBoardImpl) Choose(messageID int64) (Post, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	post, ok := b.read[messageID]
	if !ok {
		return Post{}, fmt.Errorf("%w: %d", ErrPostNotFound, messageID)
	}
	return post, nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// write publishes a post, replyTo < 0 starts a new thread
func (b *bulletinBoardImpl) write(replyTo int64, title, body string) (bool, error) {
	if title == "" {
		return false, fmt.Errorf("%w: empty title", ErrInvalidPost)
	}

	fields := make([]string, len(b.schema.Fields))
	for i := range fields {
		fields[i] = b.schema.Wildcard
	}
	if replyTo >= 0 {
		fields[b.replyTo] = strconv.FormatInt(replyTo, 10)
	}

	content := body
	if b.title >= 0 {
		fields[b.title] = title
	} else {
		if strings.Contains(title, "\n") {
			return false, fmt.Errorf("%w: title spans several lines", ErrInvalidPost)
		}
		content = title + "\n" + body
	}
	return b.board.Publish(fields, content)
}

// parse reads a publication written by write
func (b *bulletinBoardImpl) parse(pub protocol.Publication) (Post, error) {
	if len(pub.Fields) != len(b.schema.Fields) {
		return Post{}, fmt.Errorf("%w: %d fields", ErrInvalidPost, len(pub.Fields))
	}

	post := Post{MessageID: pub.MessageID, ClientID: pub.ClientID, ReplyTo: protocol.UnassignedID}
	if v := pub.Fields[b.replyTo]; v != b.schema.Wildcard {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 0 {
			return Post{}, fmt.Errorf("%w: replyTo %q", ErrInvalidPost, v)
		}
		post.ReplyTo = id
	}

	if b.title >= 0 {
		post.Title, post.Body = pub.Fields[b.title], pub.Content
	} else {
		post.Title, post.Body, _ = strings.Cut(pub.Content, "\n")
	}
	return post, nil
}

// ReadOrder arranges posts as threads. Threads and replies are sorted by
// message id, replies follow their parent depth first. Replies to posts that
// are not part of posts are shown as threads of their own.
func ReadOrder(posts map[int64]Post) []Post {
	children := make(map[int64][]int64, len(posts))
	var roots []int64
	for id, post := range posts {
		if _, ok := posts[post.ReplyTo]; post.IsReply() && ok && post.ReplyTo != id {
			children[post.ReplyTo] = append(children[post.ReplyTo], id)
			continue
		}
		roots = append(roots, id)
	}
	slices.Sort(roots)
	for _, ids := range children {
		slices.Sort(ids)
	}

	order := make([]Post, 0, len(posts))
	visited := make(map[int64]bool, len(posts))
	var walk func(id int64, depth int)
	walk = func(id int64, depth int) {
		if visited[id] {
			return
		}
		visited[id] = true
		post := posts[id]
		post.Depth = depth
		order = append(order, post)
		for _, child := range children[id] {
			walk(child, depth+1)
		}
	}
	for _, id := range roots {
		walk(id, 0)
	}

	// reply cycles have no root, show them as threads
	if len(order) < len(posts) {
		var rest []int64
		for id := range posts {
			if !visited[id] {
				rest = append(rest, id)
			}
		}
		slices.Sort(rest)
		for _, id := range rest {
			walk(id, 0)
		}
	}
	return order
}
