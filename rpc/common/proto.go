package common

import (
	"encoding/json"
	"fmt"
)

// Routes select the handler of a frame, a replica serves the board route,
// a client with a push listener serves the delivery route.
const (
	RouteBoard    uint64 = 1
	RouteDelivery uint64 = 2
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
// Publications and patterns travel in Records in their codec form.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// General fields
	Address        string   `json:"address,omitempty"`        // Client address, or the sending replica for Relay
	ID             int64    `json:"id,omitempty"`             // Used for: Join (client id), HighestID, NewMessageID, NewClientID
	PreviousServer string   `json:"previousServer,omitempty"` // Used for: Join
	Records        []string `json:"records,omitempty"`        // Used for: Publish, (Un)Subscribe, Retrieve, Relay, PeerRetrieve, Deliver
	QueryID        string   `json:"queryId,omitempty"`        // Used for: RetrieveStream, Deliver
	Count          int64    `json:"count,omitempty"`          // Used for: Retrieve, Deliver

	// Response only fields
	Ok  bool   `json:"ok,omitempty"`  // false if the client has not joined
	Err string `json:"err,omitempty"` // Empty if no error, otherwise contains the error message

	// Meta information
	Meta []byte `json:"meta,omitempty"` // Used for: Stats (json document)
}

// setErr stores err in the message and returns it
func (m *Message) setErr(err error) *Message {
	if err != nil {
		m.Err = err.Error()
	}
	return m
}

// --------------------------------------------------------------------------
// Message Factory Functions (client operations)
// --------------------------------------------------------------------------

// NewJoinRequest creates a new Join request. existingID < 0 asks for a new client id.
func NewJoinRequest(address string, existingID int64, previousServer string) *Message {
	return &Message{
		MsgType:        MsgTJoin,
		Address:        address,
		ID:             existingID,
		PreviousServer: previousServer,
	}
}

// NewJoinResponse creates a new Join response
func NewJoinResponse(clientID int64, err error) *Message {
	msg := &Message{
		MsgType: MsgTJoin,
		ID:      clientID,
		Ok:      err == nil,
	}
	return msg.setErr(err)
}

// NewLeaveRequest creates a new Leave request
func NewLeaveRequest(address string) *Message {
	return &Message{
		MsgType: MsgTLeave,
		Address: address,
	}
}

// NewLeaveResponse creates a new Leave response
func NewLeaveResponse(err error) *Message {
	msg := &Message{MsgType: MsgTLeave}
	return msg.setErr(err)
}

// NewPublishRequest creates a new Publish request carrying one encoded publication
func NewPublishRequest(address, record string) *Message {
	return &Message{
		MsgType: MsgTPublish,
		Address: address,
		Records: []string{record},
	}
}

// NewPublishResponse creates a new Publish response
func NewPublishResponse(ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTPublish,
		Ok:      ok,
	}
	return msg.setErr(err)
}

// NewSubscribeRequest creates a new Subscribe request carrying one encoded pattern
func NewSubscribeRequest(address, record string) *Message {
	return &Message{
		MsgType: MsgTSubscribe,
		Address: address,
		Records: []string{record},
	}
}

// NewSubscribeResponse creates a new Subscribe response
func NewSubscribeResponse(ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTSubscribe,
		Ok:      ok,
	}
	return msg.setErr(err)
}

// NewUnsubscribeRequest creates a new Unsubscribe request carrying one encoded pattern
func NewUnsubscribeRequest(address, record string) *Message {
	return &Message{
		MsgType: MsgTUnsubscribe,
		Address: address,
		Records: []string{record},
	}
}

// NewUnsubscribeResponse creates a new Unsubscribe response
func NewUnsubscribeResponse(ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTUnsubscribe,
		Ok:      ok,
	}
	return msg.setErr(err)
}

// NewRetrieveRequest creates a new Retrieve request carrying one encoded pattern
func NewRetrieveRequest(address, record string) *Message {
	return &Message{
		MsgType: MsgTRetrieve,
		Address: address,
		Records: []string{record},
	}
}

// NewRetrieveResponse creates a new Retrieve response. Count precedes the records.
func NewRetrieveResponse(ok bool, records []string, err error) *Message {
	msg := &Message{
		MsgType: MsgTRetrieve,
		Ok:      ok,
		Count:   int64(len(records)),
		Records: records,
	}
	return msg.setErr(err)
}

// NewRetrieveStreamRequest creates a new RetrieveStream request
func NewRetrieveStreamRequest(address, record string) *Message {
	return &Message{
		MsgType: MsgTRetrieveStream,
		Address: address,
		Records: []string{record},
	}
}

// NewRetrieveStreamResponse creates a new RetrieveStream response
func NewRetrieveStreamResponse(ok bool, queryID string, err error) *Message {
	msg := &Message{
		MsgType: MsgTRetrieveStream,
		Ok:      ok,
		QueryID: queryID,
	}
	return msg.setErr(err)
}

// NewStatsRequest creates a new Stats request
func NewStatsRequest() *Message {
	return &Message{MsgType: MsgTStats}
}

// NewStatsResponse creates a new Stats response
func NewStatsResponse(meta []byte, err error) *Message {
	msg := &Message{
		MsgType: MsgTStats,
		Meta:    meta,
	}
	return msg.setErr(err)
}

// --------------------------------------------------------------------------
// Message Factory Functions (replica to replica)
// --------------------------------------------------------------------------

// NewPingRequest creates a new Ping request
func NewPingRequest() *Message {
	return &Message{MsgType: MsgTPing}
}

// NewPingResponse creates a new Ping response
func NewPingResponse(err error) *Message {
	msg := &Message{MsgType: MsgTPing}
	return msg.setErr(err)
}

// NewRelayRequest creates a new Relay request sent by the replica at from
func NewRelayRequest(from, record string) *Message {
	return &Message{
		MsgType: MsgTRelay,
		Address: from,
		Records: []string{record},
	}
}

// NewRelayResponse creates a new Relay response
func NewRelayResponse(err error) *Message {
	msg := &Message{MsgType: MsgTRelay}
	return msg.setErr(err)
}

// NewPeerRetrieveRequest creates a new PeerRetrieve request carrying one encoded pattern
func NewPeerRetrieveRequest(record string) *Message {
	return &Message{
		MsgType: MsgTPeerRetrieve,
		Records: []string{record},
	}
}

// NewPeerRetrieveResponse creates a new PeerRetrieve response
func NewPeerRetrieveResponse(records []string, err error) *Message {
	msg := &Message{
		MsgType: MsgTPeerRetrieve,
		Count:   int64(len(records)),
		Records: records,
	}
	return msg.setErr(err)
}

// NewHighestIDRequest creates a new HighestID request
func NewHighestIDRequest() *Message {
	return &Message{MsgType: MsgTHighestID}
}

// NewHighestIDResponse creates a new HighestID response
func NewHighestIDResponse(id int64) *Message {
	return &Message{
		MsgType: MsgTHighestID,
		ID:      id,
	}
}

// NewMessageIDRequest creates a new NewMessageID request
func NewMessageIDRequest() *Message {
	return &Message{MsgType: MsgTNewMessageID}
}

// NewMessageIDResponse creates a new NewMessageID response
func NewMessageIDResponse(id int64, err error) *Message {
	msg := &Message{
		MsgType: MsgTNewMessageID,
		ID:      id,
	}
	return msg.setErr(err)
}

// NewClientIDRequest creates a new NewClientID request
func NewClientIDRequest() *Message {
	return &Message{MsgType: MsgTNewClientID}
}

// NewClientIDResponse creates a new NewClientID response
func NewClientIDResponse(id int64, err error) *Message {
	msg := &Message{
		MsgType: MsgTNewClientID,
		ID:      id,
	}
	return msg.setErr(err)
}

// --------------------------------------------------------------------------
// Message Factory Functions (replica to client)
// --------------------------------------------------------------------------

// NewDeliverRequest creates a new Deliver request pushed to a client
func NewDeliverRequest(queryID string, count int64, records []string) *Message {
	return &Message{
		MsgType: MsgTDeliver,
		QueryID: queryID,
		Count:   count,
		Records: records,
	}
}

// NewDeliverResponse creates a new Deliver response
func NewDeliverResponse(err error) *Message {
	msg := &Message{MsgType: MsgTDeliver}
	return msg.setErr(err)
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// messageTypeNames maps every MessageType to its wire name
var messageTypeNames = [...]string{
	MsgTUnknown:        "unknown",
	MsgTSuccess:        "success",
	MsgTError:          "error",
	MsgTJoin:           "join",
	MsgTLeave:          "leave",
	MsgTPublish:        "publish",
	MsgTSubscribe:      "subscribe",
	MsgTUnsubscribe:    "unsubscribe",
	MsgTRetrieve:       "retrieve",
	MsgTRetrieveStream: "retrieveStream",
	MsgTStats:          "stats",
	MsgTPing:           "ping",
	MsgTRelay:          "relay",
	MsgTPeerRetrieve:   "peerRetrieve",
	MsgTHighestID:      "highestId",
	MsgTNewMessageID:   "newMessageId",
	MsgTNewClientID:    "newClientId",
	MsgTDeliver:        "deliver",
}

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if int(t) < len(messageTypeNames) {
		return messageTypeNames[t]
	}
	return "unknown"
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	for i, name := range messageTypeNames {
		if name == s {
			*t = MessageType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Client operations

	MsgTJoin           // Connect a client to a replica
	MsgTLeave          // Disconnect a client
	MsgTPublish        // Publish a message
	MsgTSubscribe      // Add a standing subscription
	MsgTUnsubscribe    // Remove a standing subscription
	MsgTRetrieve       // One-shot query, results in the response
	MsgTRetrieveStream // One-shot query, results pushed to the client
	MsgTStats          // Replica statistics

	// Replica to replica operations

	MsgTPing         // Liveness probe
	MsgTRelay        // Publication relayed by another replica
	MsgTPeerRetrieve // Full match set of a pattern
	MsgTHighestID    // Highest stored message id
	MsgTNewMessageID // Message id from the coordinator
	MsgTNewClientID  // Client id from the coordinator

	// Replica to client operations

	MsgTDeliver // Push delivery
)
