package server

import (
	"context"

	"github.com/ValentinKolb/dBoard/rpc/common"
)

// IRPCServerAdapter is the interface for all RPC server adapters
// It is responsible for handling the requests of one route
type IRPCServerAdapter interface {
	// Handle handles a request and returns a response
	// ctx is bounded by the request timeout of the server
	// If an error occurs, it should be set in the response
	Handle(ctx context.Context, req *common.Message) (resp *common.Message)
}
