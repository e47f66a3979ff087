package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dBoard/lib/dispatch"
	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/ValentinKolb/dBoard/lib/replica"
	"github.com/ValentinKolb/dBoard/rpc/common"
	"github.com/ValentinKolb/dBoard/rpc/serializer"
	"github.com/ValentinKolb/dBoard/rpc/transport"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// deliveryBuffer is the number of deliveries kept until the application reads them
const deliveryBuffer = 64

// IBoardClient is a client of one replica of the board
type IBoardClient interface {
	// Address returns the address identifying this client at the replica
	Address() string
	// ClientID returns the id assigned by the last successful Join, -1 before
	ClientID() int64

	// ListenForDeliveries serves the delivery route at endpoint with listener.
	// The endpoint becomes the client address, call it before Join.
	ListenForDeliveries(listener transport.IRPCServerTransport, endpoint string) error
	// Deliveries returns the pushes received by the listener
	Deliveries() <-chan dispatch.Delivery

	// Join connects to the replica, existingClientID < 0 asks for a new id
	Join(existingClientID int64, previousServer string) (int64, error)
	// Leave disconnects from the replica
	Leave() error
	// Publish publishes content with the given field values
	Publish(fields []string, content string) (bool, error)
	// Subscribe adds a standing subscription
	Subscribe(pattern protocol.Pattern) (bool, error)
	// Unsubscribe removes a standing subscription
	Unsubscribe(pattern protocol.Pattern) (bool, error)
	// Retrieve runs a one-shot query and returns the matches
	Retrieve(pattern protocol.Pattern) ([]protocol.Publication, bool, error)
	// RetrieveStream runs a one-shot query whose matches are pushed to Deliveries
	RetrieveStream(pattern protocol.Pattern) (string, bool, error)
	// Stats returns the statistics of the replica
	Stats() (replica.Stats, error)

	// Close stops the listener and closes the connection, it does not leave
	Close() error
}

// NewBoardClient creates a client for the replica at config.Transport.Endpoints.
// The schema must be the schema of the board.
func NewBoardClient(
	config common.ClientConfig,
	schema *protocol.Schema,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (IBoardClient, error) {
	if err := transport.Connect(config); err != nil {
		return nil, err
	}

	c := &boardClient{
		rpcClientAdapter: rpcClientAdapter{
			route:      common.RouteBoard,
			config:     config,
			transport:  transport,
			serializer: serializer,
			codec:      protocol.NewCodec(schema),
		},
		address:    "client-" + uuid.NewString(),
		deliveries: make(chan dispatch.Delivery, deliveryBuffer),
		done:       make(chan struct{}),
	}
	c.clientID.Store(protocol.UnassignedID)
	return c, nil
}

type boardClient struct {
	rpcClientAdapter

	mu       sync.Mutex
	address  string
	listener transport.IRPCServerTransport
	clientID atomic.Int64

	deliveries chan dispatch.Delivery
	done       chan struct{}
	closeOnce  sync.Once
}

// --------------------------------------------------------------------------
// Interface Methods (docu see client.IBoardClient)
// --------------------------------------------------------------------------

func (c *boardClient) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

func (c *boardClient) ClientID() int64 {
	return c.clientID.Load()
}

func (c *boardClient) ListenForDeliveries(listener transport.IRPCServerTransport, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener != nil {
		return fmt.Errorf("client already listens on %s", c.address)
	}

	listener.RegisterHandler(c.handleDelivery)
	c.listener = listener
	c.address = endpoint

	go func() {
		config := common.ServerConfig{
			TimeoutSecond: int64(c.config.TimeoutSecond),
			Transport: common.ServerTransportConfig{
				Endpoint:   endpoint,
				SocketConf: c.config.Transport.SocketConf,
				TCPConf:    c.config.Transport.TCPConf,
			},
		}
		if err := listener.Listen(config); err != nil {
			Logger.Errorf("delivery listener on %s failed: %v", endpoint, err)
		}
	}()
	return nil
}

func (c *boardClient) Deliveries() <-chan dispatch.Delivery {
	return c.deliveries
}

func (c *boardClient) Join(existingClientID int64, previousServer string) (int64, error) {
	resp, err := c.invoke(context.Background(), common.NewJoinRequest(c.Address(), existingClientID, previousServer))
	if err != nil {
		return protocol.UnassignedID, err
	}
	c.clientID.Store(resp.ID)
	return resp.ID, nil
}

func (c *boardClient) Leave() error {
	_, err := c.invoke(context.Background(), common.NewLeaveRequest(c.Address()))
	return err
}

func (c *boardClient) Publish(fields []string, content string) (bool, error) {
	record, err := c.codec.Encode(protocol.Publication{
		MessageID: protocol.UnassignedID,
		ClientID:  c.ClientID(),
		Fields:    fields,
		Content:   content,
	})
	if err != nil {
		return false, err
	}
	return okOf(c.invoke(context.Background(), common.NewPublishRequest(c.Address(), record)))
}

func (c *boardClient) Subscribe(pattern protocol.Pattern) (bool, error) {
	record, err := c.codec.EncodePattern(pattern)
	if err != nil {
		return false, err
	}
	return okOf(c.invoke(context.Background(), common.NewSubscribeRequest(c.Address(), record)))
}

func (c *boardClient) Unsubscribe(pattern protocol.Pattern) (bool, error) {
	record, err := c.codec.EncodePattern(pattern)
	if err != nil {
		return false, err
	}
	return okOf(c.invoke(context.Background(), common.NewUnsubscribeRequest(c.Address(), record)))
}

func (c *boardClient) Retrieve(pattern protocol.Pattern) ([]protocol.Publication, bool, error) {
	record, err := c.codec.EncodePattern(pattern)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.invoke(context.Background(), common.NewRetrieveRequest(c.Address(), record))
	if err != nil {
		return nil, resp != nil && resp.Ok, err
	}
	if !resp.Ok {
		return nil, false, nil
	}
	pubs, err := c.decodeAll(resp.Records)
	return pubs, true, err
}

func (c *boardClient) RetrieveStream(pattern protocol.Pattern) (string, bool, error) {
	record, err := c.codec.EncodePattern(pattern)
	if err != nil {
		return "", false, err
	}
	resp, err := c.invoke(context.Background(), common.NewRetrieveStreamRequest(c.Address(), record))
	if err != nil {
		return "", resp != nil && resp.Ok, err
	}
	return resp.QueryID, resp.Ok, nil
}

func (c *boardClient) Stats() (replica.Stats, error) {
	var stats replica.Stats
	resp, err := c.invoke(context.Background(), common.NewStatsRequest())
	if err != nil {
		return stats, err
	}
	if err := json.Unmarshal(resp.Meta, &stats); err != nil {
		return stats, fmt.Errorf("invalid stats: %w", err)
	}
	return stats, nil
}

func (c *boardClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		listener := c.listener
		c.mu.Unlock()
		if listener != nil {
			err = multierr.Append(err, listener.Close())
		}
		err = multierr.Append(err, c.transport.Close())
	})
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// okOf returns the ok flag of a response, false if there is none
func okOf(resp *common.Message, err error) (bool, error) {
	if resp == nil {
		return false, err
	}
	return resp.Ok, err
}

// handleDelivery is the delivery adapter of the listener, it accepts Deliver messages only
func (c *boardClient) handleDelivery(route uint64, req []byte) []byte {
	resp := c.deliveryResponse(route, req)
	data, err := c.serializer.Serialize(*resp)
	if err != nil {
		Logger.Errorf("failed to serialize delivery response: %v", err)
	}
	return data
}

func (c *boardClient) deliveryResponse(route uint64, req []byte) *common.Message {
	if route != common.RouteDelivery {
		return common.NewErrorResponse(fmt.Sprintf("route %d not served by a client", route))
	}

	var msg common.Message
	if err := c.serializer.Deserialize(req, &msg); err != nil {
		return common.NewErrorResponse(fmt.Sprintf("failed to deserialize request: %s", err))
	}
	if msg.MsgType != common.MsgTDeliver {
		return common.NewErrorResponse(fmt.Sprintf("unsupported message type: %s", msg.MsgType))
	}

	delivery := dispatch.Delivery{QueryID: msg.QueryID, Count: int(msg.Count)}
	if len(msg.Records) > 0 {
		pubs, err := c.decodeAll(msg.Records)
		if err != nil {
			return common.NewDeliverResponse(err)
		}
		delivery.Publications = pubs
	}

	select {
	case c.deliveries <- delivery:
		return common.NewDeliverResponse(nil)
	case <-c.done:
		return common.NewDeliverResponse(fmt.Errorf("client closed"))
	}
}
