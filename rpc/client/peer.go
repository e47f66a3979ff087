package client

import (
	"context"

	"github.com/ValentinKolb/dBoard/lib/membership"
	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/ValentinKolb/dBoard/rpc/common"
	"github.com/ValentinKolb/dBoard/rpc/serializer"
	"github.com/ValentinKolb/dBoard/rpc/transport"
)

// NewPeerDialer creates a membership.PeerDialer that connects to other replicas
// over the board route. self is the address the remote replicas see as sender
// of relayed publications. config is used as template, its endpoints are replaced
// by the dialed address.
func NewPeerDialer(
	self string,
	config common.ClientConfig,
	newTransport transport.ClientFactory,
	serializer serializer.IRPCSerializer,
	codec protocol.ICodec,
) membership.PeerDialer {
	return func(address string) (membership.IPeer, error) {
		peerConfig := config
		peerConfig.Transport.Endpoints = []string{address}

		t := newTransport()
		if err := t.Connect(peerConfig); err != nil {
			return nil, err
		}

		Logger.Debugf("connected to peer %s", address)
		return &rpcPeer{
			rpcClientAdapter: rpcClientAdapter{
				route:      common.RouteBoard,
				config:     peerConfig,
				transport:  t,
				serializer: serializer,
				codec:      codec,
			},
			self:    self,
			address: address,
		}, nil
	}
}

type rpcPeer struct {
	rpcClientAdapter
	self    string
	address string
}

// --------------------------------------------------------------------------
// Interface Methods (docu see membership.IPeer)
// --------------------------------------------------------------------------

func (p *rpcPeer) Address() string {
	return p.address
}

func (p *rpcPeer) Ping(ctx context.Context) error {
	_, err := p.invoke(ctx, common.NewPingRequest())
	return err
}

func (p *rpcPeer) Publish(ctx context.Context, pub protocol.Publication) error {
	record, err := p.codec.Encode(pub)
	if err != nil {
		return err
	}
	_, err = p.invoke(ctx, common.NewRelayRequest(p.self, record))
	return err
}

func (p *rpcPeer) Retrieve(ctx context.Context, pattern protocol.Pattern) ([]protocol.Publication, error) {
	record, err := p.codec.EncodePattern(pattern)
	if err != nil {
		return nil, err
	}
	resp, err := p.invoke(ctx, common.NewPeerRetrieveRequest(record))
	if err != nil {
		return nil, err
	}
	return p.decodeAll(resp.Records)
}

func (p *rpcPeer) HighestMessageID(ctx context.Context) (int64, error) {
	resp, err := p.invoke(ctx, common.NewHighestIDRequest())
	if err != nil {
		return protocol.UnassignedID, err
	}
	return resp.ID, nil
}

func (p *rpcPeer) NewMessageID(ctx context.Context) (int64, error) {
	resp, err := p.invoke(ctx, common.NewMessageIDRequest())
	if err != nil {
		return protocol.UnassignedID, err
	}
	return resp.ID, nil
}

func (p *rpcPeer) NewClientID(ctx context.Context) (int64, error) {
	resp, err := p.invoke(ctx, common.NewClientIDRequest())
	if err != nil {
		return protocol.UnassignedID, err
	}
	return resp.ID, nil
}

func (p *rpcPeer) Close() error {
	return p.transport.Close()
}
