package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/ValentinKolb/dBoard/lib/replica"
	"github.com/ValentinKolb/dBoard/rpc/common"
)

// NewBoardServerAdapter creates the adapter of the board route. It serves the
// client operations and the operations other replicas send.
func NewBoardServerAdapter(r replica.IReplica) IRPCServerAdapter {
	return &boardServerAdapterImpl{
		replica: r,
		codec:   protocol.NewCodec(r.Schema()),
	}
}

type boardServerAdapterImpl struct {
	replica replica.IReplica
	codec   protocol.ICodec
}

func (adapter *boardServerAdapterImpl) Handle(ctx context.Context, req *common.Message) *common.Message {
	r := adapter.replica

	switch req.MsgType {

	// client operations

	case common.MsgTJoin:
		id, err := r.Join(ctx, req.Address, req.ID, req.PreviousServer)
		return common.NewJoinResponse(id, err)
	case common.MsgTLeave:
		return common.NewLeaveResponse(r.Leave(ctx, req.Address))
	case common.MsgTPublish:
		pub, err := adapter.publication(req)
		if err != nil {
			return common.NewPublishResponse(false, err)
		}
		return common.NewPublishResponse(r.Publish(ctx, req.Address, pub))
	case common.MsgTSubscribe:
		pattern, err := adapter.pattern(req)
		if err != nil {
			return common.NewSubscribeResponse(false, err)
		}
		return common.NewSubscribeResponse(r.Subscribe(ctx, req.Address, pattern))
	case common.MsgTUnsubscribe:
		pattern, err := adapter.pattern(req)
		if err != nil {
			return common.NewUnsubscribeResponse(false, err)
		}
		return common.NewUnsubscribeResponse(r.Unsubscribe(ctx, req.Address, pattern))
	case common.MsgTRetrieve:
		pattern, err := adapter.pattern(req)
		if err != nil {
			return common.NewRetrieveResponse(false, nil, err)
		}
		result, ok, err := r.Retrieve(ctx, req.Address, pattern)
		if err != nil || !ok {
			return common.NewRetrieveResponse(ok, nil, err)
		}
		records, err := adapter.encodeAll(result.Publications)
		return common.NewRetrieveResponse(true, records, err)
	case common.MsgTRetrieveStream:
		pattern, err := adapter.pattern(req)
		if err != nil {
			return common.NewRetrieveStreamResponse(false, "", err)
		}
		return common.NewRetrieveStreamResponse(swapOk(r.RetrieveStream(ctx, req.Address, pattern)))
	case common.MsgTStats:
		meta, err := json.Marshal(r.Stats())
		return common.NewStatsResponse(meta, err)

	// replica to replica operations

	case common.MsgTPing:
		return common.NewPingResponse(r.Ping())
	case common.MsgTRelay:
		pub, err := adapter.publication(req)
		if err != nil {
			return common.NewRelayResponse(err)
		}
		return common.NewRelayResponse(r.Relay(ctx, req.Address, pub))
	case common.MsgTPeerRetrieve:
		pattern, err := adapter.pattern(req)
		if err != nil {
			return common.NewPeerRetrieveResponse(nil, err)
		}
		return common.NewPeerRetrieveResponse(adapter.encodeAll(r.PeerRetrieve(pattern)))
	case common.MsgTHighestID:
		return common.NewHighestIDResponse(r.HighestMessageID())
	case common.MsgTNewMessageID:
		return common.NewMessageIDResponse(r.NewMessageID())
	case common.MsgTNewClientID:
		return common.NewClientIDResponse(r.NewClientID())

	default:
		return common.NewErrorResponse(
			fmt.Sprintf("RPC BoardAdapter - Unsupported message type: %s", req.MsgType),
		)
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// publication decodes the single publication carried by req
func (adapter *boardServerAdapterImpl) publication(req *common.Message) (protocol.Publication, error) {
	if len(req.Records) != 1 {
		return protocol.Publication{}, fmt.Errorf("%s expects one record, got %d", req.MsgType, len(req.Records))
	}
	return adapter.codec.Decode(req.Records[0])
}

// pattern decodes the single pattern carried by req
func (adapter *boardServerAdapterImpl) pattern(req *common.Message) (protocol.Pattern, error) {
	if len(req.Records) != 1 {
		return protocol.Pattern{}, fmt.Errorf("%s expects one record, got %d", req.MsgType, len(req.Records))
	}
	return adapter.codec.DecodePattern(req.Records[0])
}

func (adapter *boardServerAdapterImpl) encodeAll(pubs []protocol.Publication) ([]string, error) {
	records := make([]string, len(pubs))
	for i, pub := range pubs {
		record, err := adapter.codec.Encode(pub)
		if err != nil {
			return nil, err
		}
		records[i] = record
	}
	return records, nil
}

// swapOk reorders the result of RetrieveStream to the response factory arguments
func swapOk(queryID string, ok bool, err error) (bool, string, error) {
	return ok, queryID, err
}
