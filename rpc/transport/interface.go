package transport

import (
	"github.com/ValentinKolb/dBoard/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests
// This function is called by a server transport layer when a request is received
// It takes the route of the frame and a request as parameters and returns a response
type ServerHandleFunc func(route uint64, req []byte) (resp []byte)

// IRPCServerTransport is the interface for the RPC transport layer
// It must accept a ServerConfig as a parameter
type IRPCServerTransport interface {
	// RegisterHandler registers a handler for the transport layer
	// This handler should be called when a request is received
	// The handler is responsible for dispatching the request by its route
	RegisterHandler(handler ServerHandleFunc)
	// Listen starts the transport layer and serves incoming requests
	// It blocks until Close is called and returns nil in that case
	Listen(config common.ServerConfig) error
	// Close stops listening and closes all open connections
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request on the given route and returns the response
	Send(route uint64, req []byte) (resp []byte, err error)
	// Close closes the transport connection
	Close() error
}

// ClientFactory creates an unconnected client transport
type ClientFactory func() IRPCClientTransport
