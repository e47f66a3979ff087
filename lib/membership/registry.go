package membership

import (
	"context"
	"slices"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// --------------------------------------------------------------------------
// Static Registry
// --------------------------------------------------------------------------

// NewStaticRegistry returns a registry that always reports the given addresses
func NewStaticRegistry(addresses []string) IRegistry {
	return &staticRegistry{addresses: slices.Clone(addresses)}
}

type staticRegistry struct {
	addresses []string
}

func (r *staticRegistry) ListLiveReplicas(_ context.Context) ([]string, error) {
	return slices.Clone(r.addresses), nil
}

// --------------------------------------------------------------------------
// Probe Registry
// --------------------------------------------------------------------------

// NewProbeRegistry returns a registry that pings every configured member and
// reports the ones that answered. self is always reported and never pinged.
// Failed connections are dropped and dialed again on the next call.
func NewProbeRegistry(members []string, dialer PeerDialer, self string) IRegistry {
	return &probeRegistry{
		members: slices.Clone(members),
		dialer:  dialer,
		self:    self,
		conns:   xsync.NewMapOf[string, IPeer](),
	}
}

type probeRegistry struct {
	members []string
	dialer  PeerDialer
	self    string
	conns   *xsync.MapOf[string, IPeer]
}

func (r *probeRegistry) ListLiveReplicas(ctx context.Context) ([]string, error) {
	alive := make([]bool, len(r.members))

	g, gctx := errgroup.WithContext(ctx)
	for i, address := range r.members {
		if address == r.self {
			alive[i] = true
			continue
		}
		g.Go(func() error {
			alive[i] = r.probe(gctx, address)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	live := make([]string, 0, len(r.members))
	for i, address := range r.members {
		if alive[i] {
			live = append(live, address)
		}
	}
	return live, nil
}

// probe pings address, reusing the cached connection when there is one
func (r *probeRegistry) probe(ctx context.Context, address string) bool {
	peer, ok := r.conns.Load(address)
	if !ok {
		var err error
		if peer, err = r.dialer(address); err != nil {
			Logger.Debugf("probe: cannot connect to %s: %v", address, err)
			return false
		}
		if actual, loaded := r.conns.LoadOrStore(address, peer); loaded {
			_ = peer.Close()
			peer = actual
		}
	}

	if err := peer.Ping(ctx); err != nil {
		Logger.Debugf("probe: %s did not answer: %v", address, err)
		r.conns.Delete(address)
		_ = peer.Close()
		return false
	}
	return true
}

// Close releases the probe connections
func (r *probeRegistry) Close() error {
	var err error
	r.conns.Range(func(address string, peer IPeer) bool {
		err = multierr.Append(err, peer.Close())
		r.conns.Delete(address)
		return true
	})
	return err
}
