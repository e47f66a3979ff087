package protocol

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Reserved field names, they always precede the application fields
const (
	FieldMessageID = "messageId"
	FieldClientID  = "clientId"
)

// Defaults used for missing schema settings
const (
	DefaultDelimiter   = ";"
	DefaultWildcard    = "*"
	DefaultMessageSize = 256
)

var (
	// ErrProtocolViolation marks malformed publications, patterns and schemas
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrReservedField is returned when a schema declares messageId or clientId
	ErrReservedField = fmt.Errorf("%w: fields 'messageId' and 'clientId' are reserved", ErrProtocolViolation)
)

// Field is an application query field. An empty Allowed list accepts any value.
type Field struct {
	Name    string   `yaml:"name"`
	Allowed []string `yaml:"allowed,omitempty"`
}

// Schema describes the fields of every message of a board
type Schema struct {
	Fields      []Field `yaml:"fields"`
	Delimiter   string  `yaml:"delimiter"`
	Wildcard    string  `yaml:"wildcard"`
	MessageSize int     `yaml:"messageSize"`
}

// NewSchema validates the given settings and returns a schema
func NewSchema(fields []Field, delimiter, wildcard string, messageSize int) (*Schema, error) {
	s := &Schema{
		Fields:      fields,
		Delimiter:   delimiter,
		Wildcard:    wildcard,
		MessageSize: messageSize,
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// DefaultSchema returns a schema with a single unrestricted field "replyTo"
func DefaultSchema() *Schema {
	return &Schema{
		Fields:      []Field{{Name: "replyTo"}},
		Delimiter:   DefaultDelimiter,
		Wildcard:    DefaultWildcard,
		MessageSize: DefaultMessageSize,
	}
}

// LoadSchema reads a YAML schema file. Missing settings take the defaults.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", path, err)
	}

	s := &Schema{
		Delimiter:   DefaultDelimiter,
		Wildcard:    DefaultWildcard,
		MessageSize: DefaultMessageSize,
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse schema %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// FieldNames returns the names of all indexed fields, reserved ones first
func (s *Schema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields)+2)
	names = append(names, FieldMessageID, FieldClientID)
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	return names
}

// String returns the schema in the wire layout, e.g. "messageId;clientId;replyTo;<content>"
func (s *Schema) String() string {
	return strings.Join(s.FieldNames(), s.Delimiter) + s.Delimiter + "<content>"
}

// --------------------------------------------------------------------------
// Condition keys
// --------------------------------------------------------------------------

// ConditionKey is a (field, value) pair publications are indexed under
type ConditionKey struct {
	Field string
	Value string
}

func (k ConditionKey) String() string {
	return k.Field + "=" + k.Value
}

// PublicationKeys returns one condition key per field of pub, including the
// reserved fields and wildcard-valued fields
func (s *Schema) PublicationKeys(pub Publication) []ConditionKey {
	keys := make([]ConditionKey, 0, len(s.Fields)+2)
	keys = append(keys,
		ConditionKey{Field: FieldMessageID, Value: formatID(pub.MessageID, s.Wildcard)},
		ConditionKey{Field: FieldClientID, Value: formatID(pub.ClientID, s.Wildcard)},
	)
	for i, f := range s.Fields {
		keys = append(keys, ConditionKey{Field: f.Name, Value: pub.Fields[i]})
	}
	return keys
}

// PatternKeys returns condition keys only for the concrete fields of p.
// An unconstrained pattern yields no keys.
func (s *Schema) PatternKeys(p Pattern) []ConditionKey {
	var keys []ConditionKey
	if p.MessageID != AnyID {
		keys = append(keys, ConditionKey{Field: FieldMessageID, Value: formatID(p.MessageID, s.Wildcard)})
	}
	if p.ClientID != AnyID {
		keys = append(keys, ConditionKey{Field: FieldClientID, Value: formatID(p.ClientID, s.Wildcard)})
	}
	for i, f := range s.Fields {
		if i < len(p.Fields) && p.Fields[i] != s.Wildcard {
			keys = append(keys, ConditionKey{Field: f.Name, Value: p.Fields[i]})
		}
	}
	return keys
}

// Matches reports whether pub satisfies every concrete field of p
func (s *Schema) Matches(p Pattern, pub Publication) bool {
	if p.MessageID != AnyID && p.MessageID != pub.MessageID {
		return false
	}
	if p.ClientID != AnyID && p.ClientID != pub.ClientID {
		return false
	}
	for i := range s.Fields {
		if i < len(p.Fields) && p.Fields[i] != s.Wildcard && p.Fields[i] != pub.Fields[i] {
			return false
		}
	}
	return true
}

// --------------------------------------------------------------------------
// Well known patterns
// --------------------------------------------------------------------------

// RetrieveAll returns the pattern matching every publication
func (s *Schema) RetrieveAll() Pattern {
	return Pattern{
		MessageID: AnyID,
		ClientID:  AnyID,
		Fields:    s.wildcards(),
	}
}

// ByClient returns the pattern matching every publication of one client
func (s *Schema) ByClient(clientID int64) Pattern {
	return Pattern{
		MessageID: AnyID,
		ClientID:  clientID,
		Fields:    s.wildcards(),
	}
}

// --------------------------------------------------------------------------
// Validation
// --------------------------------------------------------------------------

// ValidatePublication checks pub against the schema
func (s *Schema) ValidatePublication(pub Publication) error {
	if err := s.validateValues(pub.Fields); err != nil {
		return err
	}
	if pub.Content == "" {
		return fmt.Errorf("%w: publication without content", ErrProtocolViolation)
	}
	// trailing spaces are indistinguishable from the wire padding
	if strings.HasSuffix(pub.Content, " ") {
		return fmt.Errorf("%w: content ends with a space", ErrProtocolViolation)
	}
	if pub.MessageID < UnassignedID || pub.ClientID < UnassignedID {
		return fmt.Errorf("%w: negative id", ErrProtocolViolation)
	}
	return nil
}

// ValidatePattern checks p against the schema
func (s *Schema) ValidatePattern(p Pattern) error {
	if p.MessageID < AnyID || p.ClientID < AnyID {
		return fmt.Errorf("%w: negative id in pattern", ErrProtocolViolation)
	}
	return s.validateValues(p.Fields)
}

// validateValues checks the field count and the allowed values, the wildcard is always allowed
func (s *Schema) validateValues(values []string) error {
	if len(values) != len(s.Fields) {
		return fmt.Errorf("%w: expected %d fields, got %d", ErrProtocolViolation, len(s.Fields), len(values))
	}
	for i, f := range s.Fields {
		v := values[i]
		if strings.Contains(v, s.Delimiter) {
			return fmt.Errorf("%w: value of field %s contains the delimiter", ErrProtocolViolation, f.Name)
		}
		if v == s.Wildcard || len(f.Allowed) == 0 {
			continue
		}
		if !slices.Contains(f.Allowed, v) {
			return fmt.Errorf("%w: value %q not allowed for field %s", ErrProtocolViolation, v, f.Name)
		}
	}
	return nil
}

// validate checks the schema itself
func (s *Schema) validate() error {
	if s.Delimiter == "" {
		return fmt.Errorf("%w: empty delimiter", ErrProtocolViolation)
	}
	if strings.Contains(s.Wildcard, s.Delimiter) {
		return fmt.Errorf("%w: wildcard contains the delimiter", ErrProtocolViolation)
	}
	if s.MessageSize <= 0 {
		return fmt.Errorf("%w: message size must be positive", ErrProtocolViolation)
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == FieldMessageID || f.Name == FieldClientID {
			return ErrReservedField
		}
		if f.Name == "" {
			return fmt.Errorf("%w: empty field name", ErrProtocolViolation)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: duplicate field %s", ErrProtocolViolation, f.Name)
		}
		seen[f.Name] = struct{}{}
		for _, v := range f.Allowed {
			if v == s.Wildcard || strings.Contains(v, s.Delimiter) {
				return fmt.Errorf("%w: allowed value %q of field %s collides with the wildcard or delimiter", ErrProtocolViolation, v, f.Name)
			}
		}
	}
	return nil
}

// wildcards returns one wildcard per application field
func (s *Schema) wildcards() []string {
	w := make([]string, len(s.Fields))
	for i := range w {
		w[i] = s.Wildcard
	}
	return w
}
