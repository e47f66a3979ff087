// Package protocol defines what a message on the board looks like and how it is
// matched and encoded.
//
// A board is configured with a Schema: an ordered list of application query
// fields (each optionally restricted to a set of allowed values), a wildcard
// token, a delimiter and a fixed message size. Two further fields, messageId and
// clientId, are reserved and always precede the application fields.
//
// Key Components:
//
//   - Publication: an immutable message (messageId, clientId, fields, content).
//     The messageId is assigned by the coordinator and defines the publish order.
//
//   - Pattern: a subscription or query over the same fields where every field is
//     either a concrete value or "don't care" (the wildcard, or AnyID for the
//     reserved id fields).
//
//   - ConditionKey: a (field, value) pair. A publication is indexed under one key
//     per field, including wildcard-valued fields. A pattern only yields keys for
//     its concrete fields. A publication matches a pattern iff it is listed under
//     every key the pattern yields.
//
//   - ICodec: encodes publications and patterns to the fixed-size delimited wire
//     form (messageId;clientId;field...;content, space padded) and back.
//
// Schemas can be loaded from a YAML file:
//
//	delimiter: ";"
//	wildcard: "*"
//	messageSize: 256
//	fields:
//	  - name: topic
//	    allowed: [news, sports, weather]
//	  - name: replyTo
//
// Every malformed input is reported with an error wrapping ErrProtocolViolation.
package protocol
