package client

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dBoard/lib/dispatch"
	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/ValentinKolb/dBoard/rpc/common"
	"github.com/ValentinKolb/dBoard/rpc/serializer"
	"github.com/ValentinKolb/dBoard/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// NewDeliverer creates a dispatch.IDeliverer that pushes deliveries to the
// delivery route of the client listening at the client address.
// One transport per client address is kept until Forget is called.
func NewDeliverer(
	config common.ClientConfig,
	newTransport transport.ClientFactory,
	serializer serializer.IRPCSerializer,
	codec protocol.ICodec,
) dispatch.IDeliverer {
	return &rpcDeliverer{
		config:       config,
		newTransport: newTransport,
		serializer:   serializer,
		codec:        codec,
		clients:      xsync.NewMapOf[string, *rpcClientAdapter](),
	}
}

type rpcDeliverer struct {
	config       common.ClientConfig
	newTransport transport.ClientFactory
	serializer   serializer.IRPCSerializer
	codec        protocol.ICodec
	clients      *xsync.MapOf[string, *rpcClientAdapter]
}

// --------------------------------------------------------------------------
// Interface Methods (docu see dispatch.IDeliverer)
// --------------------------------------------------------------------------

func (d *rpcDeliverer) Deliver(ctx context.Context, address string, delivery dispatch.Delivery) error {
	c, err := d.connect(address)
	if err != nil {
		return err
	}

	records, err := c.encodeAll(delivery.Publications)
	if err != nil {
		return err
	}
	_, err = c.invoke(ctx, common.NewDeliverRequest(delivery.QueryID, int64(delivery.Count), records))
	return err
}

func (d *rpcDeliverer) Forget(address string) {
	if c, ok := d.clients.LoadAndDelete(address); ok {
		if err := c.transport.Close(); err != nil {
			Logger.Warningf("failed to close delivery connection to %s: %v", address, err)
		}
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// connect returns the cached connection to address or dials a new one
func (d *rpcDeliverer) connect(address string) (*rpcClientAdapter, error) {
	if c, ok := d.clients.Load(address); ok {
		return c, nil
	}

	config := d.config
	config.Transport.Endpoints = []string{address}

	t := d.newTransport()
	if err := t.Connect(config); err != nil {
		return nil, fmt.Errorf("client %s does not accept deliveries: %w", address, err)
	}

	c, loaded := d.clients.LoadOrStore(address, &rpcClientAdapter{
		route:      common.RouteDelivery,
		config:     config,
		transport:  t,
		serializer: d.serializer,
		codec:      d.codec,
	})
	if loaded {
		_ = t.Close()
	}
	return c, nil
}
