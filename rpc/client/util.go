package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/ValentinKolb/dBoard/rpc/common"
	"github.com/ValentinKolb/dBoard/rpc/serializer"
	"github.com/ValentinKolb/dBoard/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc/client")
)

// ErrRemote wraps every error reported by the remote side in Message.Err
var ErrRemote = errors.New("remote error")

// rpcClientAdapter is a struct that stores all data needed for an implementation of an RPC client
// Used by the board client, the peer client and the deliverer with composition pattern
type rpcClientAdapter struct {
	route      uint64
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
	codec      protocol.ICodec
}

// invoke sends req on the route of the adapter, see invokeRPCRequest
func (a *rpcClientAdapter) invoke(ctx context.Context, req *common.Message) (*common.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return invokeRPCRequest(a.route, req, a.transport, a.serializer)
}

// encodeAll encodes publications with the codec of the adapter
func (a *rpcClientAdapter) encodeAll(pubs []protocol.Publication) ([]string, error) {
	records := make([]string, len(pubs))
	for i, pub := range pubs {
		record, err := a.codec.Encode(pub)
		if err != nil {
			return nil, err
		}
		records[i] = record
	}
	return records, nil
}

// decodeAll decodes the records of a response
func (a *rpcClientAdapter) decodeAll(records []string) ([]protocol.Publication, error) {
	pubs := make([]protocol.Publication, len(records))
	for i, record := range records {
		pub, err := a.codec.Decode(record)
		if err != nil {
			return nil, fmt.Errorf("invalid record %d in response: %w", i, err)
		}
		pubs[i] = pub
	}
	return pubs, nil
}

// invokeRPCRequest is a helper function used for all RPC Clients to send requests
// It takes a route, a request message, a transport layer and a serializer as parameters
// It returns a response message and an error if any occurs
// This method also checks if the response is an error response and if the type of the response is the expected type
func invokeRPCRequest(route uint64, req *common.Message, transport transport.IRPCClientTransport, serializer serializer.IRPCSerializer) (*common.Message, error) {
	reqBytes, err := serializer.Serialize(*req)
	if err != nil {
		return nil, err
	}

	respBytes, err := transport.Send(route, reqBytes)
	if err != nil {
		return nil, err
	}

	resp := &common.Message{}
	if err := serializer.Deserialize(respBytes, resp); err != nil {
		return nil, fmt.Errorf("RPC %s - failed to deserialize response: %v", req.MsgType, err)
	}

	if resp.MsgType == common.MsgTError || resp.Err != "" {
		return resp, fmt.Errorf("%w: RPC %s - %s", ErrRemote, req.MsgType, resp.Err)
	}

	if resp.MsgType != req.MsgType {
		return nil, fmt.Errorf("RPC %s - unexpected message type: %s", req.MsgType, resp.MsgType)
	}

	return resp, nil
}
