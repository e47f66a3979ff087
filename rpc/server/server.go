package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/ValentinKolb/dBoard/lib/consistency"
	"github.com/ValentinKolb/dBoard/lib/membership"
	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/ValentinKolb/dBoard/lib/replica"
	"github.com/ValentinKolb/dBoard/rpc/client"
	"github.com/ValentinKolb/dBoard/rpc/common"
	"github.com/ValentinKolb/dBoard/rpc/serializer"
	"github.com/ValentinKolb/dBoard/rpc/transport"
	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
)

var Logger = logger.GetLogger("rpc")

// ErrServerStopped is returned by Serve after Stop
var ErrServerStopped = errors.New("server stopped")

// NewRPCServer creates a new RPC server for one replica
// It takes a config, the listening transport, a factory for the transports
// to peers and clients, and a serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		tcp.NewTCPServerTransport(),
//		tcp.NewTCPClientTransport,
//		serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	newClientTransport transport.ClientFactory,
	serializer serializer.IRPCSerializer,
) *rpcServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	return &rpcServer{
		config:             config,
		transport:          transport,
		newClientTransport: newClientTransport,
		serializer:         serializer,
		adapters:           xsync.NewMapOf[uint64, IRPCServerAdapter](),
		metrics:            vmetrics.NewSet(),
	}
}

type rpcServer struct {
	config             common.ServerConfig
	transport          transport.IRPCServerTransport
	newClientTransport transport.ClientFactory
	serializer         serializer.IRPCSerializer
	adapters           *xsync.MapOf[uint64, IRPCServerAdapter]
	metrics            *vmetrics.Set

	mu            sync.Mutex
	replica       replica.IReplica
	metricsServer *http.Server
	stopped       bool
}

// Serve initializes the replica, registers the board route and serves requests
// until Stop is called
func (s *rpcServer) Serve() error {
	if err := s.init(); err != nil {
		return err
	}
	return s.transport.Listen(s.config)
}

// Replica returns the replica once Serve has initialized it
func (s *rpcServer) Replica() replica.IReplica {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replica
}

// Stop closes the transport, the metrics endpoint and the replica. Idempotent.
func (s *rpcServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true

	err := s.transport.Close()
	if s.metricsServer != nil {
		err = multierr.Append(err, s.metricsServer.Close())
	}
	if s.replica != nil {
		err = multierr.Append(err, s.replica.Stop())
	}
	Logger.Infof("RPC Server stopped")
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *rpcServer) init() error {
	if err := common.InitLoggers(s.config.LogLevel); err != nil {
		return err
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(s.config.String())

	schema := protocol.DefaultSchema()
	if s.config.SchemaFile != "" {
		var err error
		if schema, err = protocol.LoadSchema(s.config.SchemaFile); err != nil {
			return err
		}
	}
	Logger.Infof("board schema %s", schema)

	policy, err := consistency.ParseKind(s.config.Policy)
	if err != nil {
		return err
	}

	// peers and clients are reached with the transport kind the server listens on
	codec := protocol.NewCodec(schema)
	clientConfig := common.ClientConfig{
		TimeoutSecond: int(s.config.TimeoutSecond),
		Transport:     s.config.PeerTransport(""),
	}
	dialer := client.NewPeerDialer(s.config.ReplicaAddress, clientConfig, s.newClientTransport, s.serializer, codec)
	deliverer := client.NewDeliverer(clientConfig, s.newClientTransport, s.serializer, codec)

	var registry membership.IRegistry
	if s.config.Probe {
		registry = membership.NewProbeRegistry(s.config.ClusterMembers, dialer, s.config.ReplicaAddress)
	} else {
		registry = membership.NewStaticRegistry(s.config.ClusterMembers)
	}

	r, err := replica.NewReplica(replica.Config{
		Address:           s.config.ReplicaAddress,
		Schema:            schema,
		Policy:            policy,
		ClusterSize:       s.config.ClusterSize,
		WriteQuorum:       s.config.WriteQuorum,
		ReadQuorum:        s.config.ReadQuorum,
		MaxClients:        s.config.MaxClients,
		PushInterval:      time.Duration(s.config.PushIntervalMs) * time.Millisecond,
		DiscoveryInterval: time.Duration(s.config.DiscoveryIntervalMs) * time.Millisecond,
		SyncEvery:         s.config.SyncEvery,
		CoordinatorWait:   time.Duration(s.config.CoordinatorWaitSecond) * time.Second,
	}, registry, dialer, deliverer)
	if err != nil {
		return fmt.Errorf("failed to create replica: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrServerStopped
	}
	s.replica = r
	s.adapters.Store(common.RouteBoard, NewBoardServerAdapter(r))
	s.registerMetrics(r)
	s.registerTransportHandler()

	if err := r.Start(); err != nil {
		return err
	}

	if s.config.MetricsEndpoint != "" {
		s.serveMetrics()
	}

	Logger.Infof("dBoard setup completed successfully")
	return nil
}

func (s *rpcServer) registerTransportHandler() {
	s.transport.RegisterHandler(func(route uint64, req []byte) []byte {
		var msg common.Message
		var respMsg *common.Message

		adapter, ok := s.adapters.Load(route)

		if !ok {
			respMsg = common.NewErrorResponse(fmt.Sprintf("route %d not found", route))
		} else if err := s.serializer.Deserialize(req, &msg); err != nil {
			respMsg = common.NewErrorResponse(fmt.Sprintf("failed to deserialize request: %s", err))
		} else {
			s.metrics.GetOrCreateCounter(fmt.Sprintf(`dboard_requests_total{type=%q}`, msg.MsgType)).Inc()

			ctx, cancel := s.requestContext()
			respMsg = adapter.Handle(ctx, &msg)
			cancel()

			if respMsg.Err != "" {
				s.metrics.GetOrCreateCounter(fmt.Sprintf(`dboard_request_errors_total{type=%q}`, msg.MsgType)).Inc()
			}
		}

		val, err := s.serializer.Serialize(*respMsg)
		if err != nil {
			val, _ = s.serializer.Serialize(*common.NewErrorResponse(fmt.Sprintf("failed to serialize response: %s", err)))
		}
		return val
	})
}

// requestContext bounds a request by the configured timeout
func (s *rpcServer) requestContext() (context.Context, context.CancelFunc) {
	if s.config.TimeoutSecond <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), time.Duration(s.config.TimeoutSecond)*time.Second)
}

// registerMetrics adds the gauges read from the replica on every scrape
func (s *rpcServer) registerMetrics(r replica.IReplica) {
	s.metrics.GetOrCreateGauge("dboard_clients", func() float64 {
		return float64(r.Stats().Dispatch.Clients)
	})
	s.metrics.GetOrCreateGauge("dboard_publications_stored", func() float64 {
		return float64(r.Stats().Stored)
	})
	s.metrics.GetOrCreateGauge("dboard_highest_message_id", func() float64 {
		return float64(r.HighestMessageID())
	})
}

// serveMetrics starts the prometheus endpoint
func (s *rpcServer) serveMetrics() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		s.metrics.WritePrometheus(w)
		vmetrics.WriteProcessMetrics(w)
	})
	s.metricsServer = &http.Server{Addr: s.config.MetricsEndpoint, Handler: mux}

	server := s.metricsServer
	go func() {
		Logger.Infof("Serving metrics on %s/metrics", s.config.MetricsEndpoint)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger.Errorf("metrics endpoint failed: %v", err)
		}
	}()
}
