package protocol

import (
	"fmt"
	"slices"
	"strconv"
)

const (
	// UnassignedID marks a publication whose messageId or clientId was not assigned yet
	UnassignedID int64 = -1
	// AnyID marks an id field a pattern does not constrain
	AnyID int64 = -1
)

// Publication is an immutable message on the board.
// Fields holds one value per application field of the schema (in schema order).
type Publication struct {
	MessageID int64
	ClientID  int64
	Fields    []string
	Content   string
}

// Equal reports whether both publications carry identical ids, fields and content
func (p Publication) Equal(o Publication) bool {
	return p.MessageID == o.MessageID &&
		p.ClientID == o.ClientID &&
		p.Content == o.Content &&
		slices.Equal(p.Fields, o.Fields)
}

// WithMessageID returns a copy of p with the given message id
func (p Publication) WithMessageID(id int64) Publication {
	p.Fields = slices.Clone(p.Fields)
	p.MessageID = id
	return p
}

// WithClientID returns a copy of p with the given client id
func (p Publication) WithClientID(id int64) Publication {
	p.Fields = slices.Clone(p.Fields)
	p.ClientID = id
	return p
}

// Pattern is a subscription or a one-shot query.
// Fields holds one value per application field, the wildcard means "don't care".
type Pattern struct {
	MessageID int64
	ClientID  int64
	Fields    []string
}

// Equal reports whether both patterns constrain the same fields to the same values
func (p Pattern) Equal(o Pattern) bool {
	return p.MessageID == o.MessageID &&
		p.ClientID == o.ClientID &&
		slices.Equal(p.Fields, o.Fields)
}

// formatID renders an id field, unassigned ids are rendered as the wildcard
func formatID(id int64, wildcard string) string {
	if id < 0 {
		return wildcard
	}
	return strconv.FormatInt(id, 10)
}

// parseID is the inverse of formatID
func parseID(s, wildcard string) (int64, error) {
	if s == wildcard {
		return UnassignedID, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid id %q", ErrProtocolViolation, s)
	}
	if id < 0 {
		return 0, fmt.Errorf("%w: negative id %d", ErrProtocolViolation, id)
	}
	return id, nil
}
