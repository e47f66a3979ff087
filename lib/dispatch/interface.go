package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/benbjohnson/clock"
	"github.com/rcrowley/go-metrics"
)

var (
	// ErrTooManyClients is returned by Join when MaxClients clients are connected
	ErrTooManyClients = errors.New("too many clients")
	// ErrClientLeft is returned for operations that were still queued when their client left
	ErrClientLeft = errors.New("client left")
)

const (
	// ClientElsewhere is the manager address of publications relayed by peers
	ClientElsewhere = "clientElsewhere"

	DefaultMaxClients     = 2000
	DefaultPushInterval   = 500 * time.Millisecond
	DefaultBreakerTimeout = 10 * time.Second
	DefaultBreakerTrips   = 3
	streamBatchSize       = 32
)

// --------------------------------------------------------------------------
// Collaborators
// --------------------------------------------------------------------------

// Delivery is one push to a client. A delivery without publications that
// carries a QueryID announces how many publications the stream will contain.
// Deliveries of standing subscriptions have an empty QueryID.
type Delivery struct {
	QueryID      string
	Count        int
	Publications []protocol.Publication
}

// IsAnnouncement reports whether d only carries the count of a stream
func (d Delivery) IsAnnouncement() bool {
	return d.QueryID != "" && d.Publications == nil
}

// IDeliverer pushes deliveries to client addresses
type IDeliverer interface {
	// Deliver sends d to the client at address
	Deliver(ctx context.Context, address string, d Delivery) error
	// Forget releases everything held for address
	Forget(address string)
}

// IClientIDSource hands out client ids, usually backed by the coordinator
type IClientIDSource interface {
	NextClientID(ctx context.Context) (int64, error)
}

// Config configures a dispatcher, zero values use the defaults
type Config struct {
	MaxClients   int
	PushInterval time.Duration
	// BreakerTrips is the number of consecutive failed deliveries that open the breaker of a client
	BreakerTrips uint32
	// BreakerTimeout is how long an open breaker rejects deliveries
	BreakerTimeout time.Duration
	Clock          clock.Clock
	Metrics        metrics.Registry
}

// Result is the answer to a one-shot retrieve
type Result struct {
	Count        int
	Publications []protocol.Publication
}

// Stats is a snapshot of the dispatcher counters
type Stats struct {
	Clients       int     `json:"clients"`
	Publishes     int64   `json:"publishes"`
	Retrieves     int64   `json:"retrieves"`
	Deliveries    int64   `json:"deliveries"`
	Failed        int64   `json:"failedDeliveries"`
	PublishRate   float64 `json:"publishRate1m"`
	RetrieveRate  float64 `json:"retrieveRate1m"`
	DeliveryRate  float64 `json:"deliveryRate1m"`
	Subscriptions int     `json:"subscriptions"`
}

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IDispatcher owns one manager per connected client. All operations of one
// client run in submission order, different clients run concurrently.
// Operations on an address without a manager return false.
type IDispatcher interface {
	// Start launches the push loop
	Start()
	// Stop ends the push loop and closes every manager. Idempotent.
	Stop()

	// Join connects the client at address and returns its client id.
	// existingClientID >= 0 keeps that id, previousServer names the replica the
	// client used before. Joining a connected address returns its id.
	Join(ctx context.Context, address string, existingClientID int64, previousServer string) (int64, error)
	// Leave disconnects the client at address. Idempotent.
	Leave(ctx context.Context, address string) error

	// Publish publishes pub on behalf of the client at address
	Publish(ctx context.Context, address string, pub protocol.Publication) (bool, error)
	// Relay handles a publication relayed by the peer replica from
	Relay(ctx context.Context, from string, pub protocol.Publication) error
	// Subscribe adds a standing subscription
	Subscribe(ctx context.Context, address string, pattern protocol.Pattern) (bool, error)
	// Unsubscribe removes the standing subscriptions equal to pattern
	Unsubscribe(ctx context.Context, address string, pattern protocol.Pattern) (bool, error)
	// Retrieve returns every publication matching pattern
	Retrieve(ctx context.Context, address string, pattern protocol.Pattern) (Result, bool, error)
	// RetrieveStream retrieves like Retrieve but delivers the count and then the
	// publications to the client. Returns the query id of the stream.
	RetrieveStream(ctx context.Context, address string, pattern protocol.Pattern) (string, bool, error)

	// Push runs one iteration of the push loop
	Push(ctx context.Context)

	// ClientID returns the id of the client at address
	ClientID(address string) (int64, bool)
	// NumClients returns the number of connected clients
	NumClients() int
	// Stats returns a snapshot of the counters
	Stats() Stats
}
