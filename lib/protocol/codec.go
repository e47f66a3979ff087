package protocol

import (
	"fmt"
	"strings"
)

// ICodec converts publications and patterns to and from the wire form.
// The wire form is "messageId<d>clientId<d>field...<d>content" padded with
// spaces to the fixed message size of the schema. Unassigned ids and "don't
// care" ids are written as the wildcard. Patterns carry an empty content.
type ICodec interface {
	// Encode validates and encodes a publication
	Encode(pub Publication) (string, error)
	// Decode parses and validates a publication
	Decode(wire string) (Publication, error)
	// EncodePattern validates and encodes a pattern
	EncodePattern(p Pattern) (string, error)
	// DecodePattern parses and validates a pattern
	DecodePattern(wire string) (Pattern, error)
	// Schema returns the schema the codec was created for
	Schema() *Schema
}

// NewCodec creates a codec for the given schema
func NewCodec(schema *Schema) ICodec {
	return &codecImpl{schema: schema}
}

type codecImpl struct {
	schema *Schema
}

// --------------------------------------------------------------------------
// Interface Methods (docu see protocol.ICodec)
// --------------------------------------------------------------------------

func (c *codecImpl) Schema() *Schema {
	return c.schema
}

func (c *codecImpl) Encode(pub Publication) (string, error) {
	if err := c.schema.ValidatePublication(pub); err != nil {
		return "", err
	}
	return c.join(pub.MessageID, pub.ClientID, pub.Fields, pub.Content)
}

func (c *codecImpl) Decode(wire string) (Publication, error) {
	messageID, clientID, fields, content, err := c.split(wire)
	if err != nil {
		return Publication{}, err
	}
	pub := Publication{
		MessageID: messageID,
		ClientID:  clientID,
		Fields:    fields,
		Content:   content,
	}
	if err := c.schema.ValidatePublication(pub); err != nil {
		return Publication{}, err
	}
	return pub, nil
}

func (c *codecImpl) EncodePattern(p Pattern) (string, error) {
	if err := c.schema.ValidatePattern(p); err != nil {
		return "", err
	}
	return c.join(p.MessageID, p.ClientID, p.Fields, "")
}

func (c *codecImpl) DecodePattern(wire string) (Pattern, error) {
	messageID, clientID, fields, content, err := c.split(wire)
	if err != nil {
		return Pattern{}, err
	}
	if content != "" {
		return Pattern{}, fmt.Errorf("%w: pattern with content", ErrProtocolViolation)
	}
	p := Pattern{
		MessageID: messageID,
		ClientID:  clientID,
		Fields:    fields,
	}
	if err := c.schema.ValidatePattern(p); err != nil {
		return Pattern{}, err
	}
	return p, nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// join builds the padded wire string
func (c *codecImpl) join(messageID, clientID int64, fields []string, content string) (string, error) {
	var sb strings.Builder
	sb.Grow(c.schema.MessageSize)

	d := c.schema.Delimiter
	sb.WriteString(formatID(messageID, c.schema.Wildcard))
	sb.WriteString(d)
	sb.WriteString(formatID(clientID, c.schema.Wildcard))
	for _, v := range fields {
		sb.WriteString(d)
		sb.WriteString(v)
	}
	sb.WriteString(d)
	sb.WriteString(content)

	if sb.Len() > c.schema.MessageSize {
		return "", fmt.Errorf("%w: message of %d bytes exceeds the message size of %d", ErrProtocolViolation, sb.Len(), c.schema.MessageSize)
	}
	for sb.Len() < c.schema.MessageSize {
		sb.WriteByte(' ')
	}
	return sb.String(), nil
}

// split parses a wire string. The content is the remainder after the last
// field and may itself contain the delimiter. Padding is stripped.
func (c *codecImpl) split(wire string) (messageID, clientID int64, fields []string, content string, err error) {
	if len(wire) != c.schema.MessageSize {
		return 0, 0, nil, "", fmt.Errorf("%w: expected %d bytes, got %d", ErrProtocolViolation, c.schema.MessageSize, len(wire))
	}

	n := len(c.schema.Fields) + 3
	parts := strings.SplitN(strings.TrimRight(wire, " "), c.schema.Delimiter, n)
	if len(parts) != n {
		return 0, 0, nil, "", fmt.Errorf("%w: expected %d parts, got %d", ErrProtocolViolation, n, len(parts))
	}

	if messageID, err = parseID(parts[0], c.schema.Wildcard); err != nil {
		return 0, 0, nil, "", err
	}
	if clientID, err = parseID(parts[1], c.schema.Wildcard); err != nil {
		return 0, 0, nil, "", err
	}
	fields = parts[2 : n-1]
	content = parts[n-1]
	return messageID, clientID, fields, content, nil
}
