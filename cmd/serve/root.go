package serve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	cmdUtil "github.com/ValentinKolb/dBoard/cmd/util"
	"github.com/ValentinKolb/dBoard/lib/consistency"
	"github.com/ValentinKolb/dBoard/rpc/common"
	"github.com/ValentinKolb/dBoard/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a dBoard replica",
		Long:    `Start a dBoard replica with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DBOARD_<flag> (e.g. DBOARD_TIMEOUT=15)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "replica-address"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The address under which the other replicas reach this replica (default: the endpoint)"))

	key = "cluster-members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated list of the addresses of all replicas, this one included (e.g. 'localhost:5001,localhost:5002,localhost:5003'). Empty runs a single replica"))

	key = "cluster-size"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Number of replicas the coordinator election waits for (default: number of cluster members)"))

	key = "probe"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Only treat cluster members that answer a ping as live instead of trusting the member list"))

	key = "policy"
	ServeCmd.PersistentFlags().String(key, string(consistency.Sequential), cmdUtil.WrapString("Consistency policy of the cluster (sequential, readyourwrites, quorum). All replicas must use the same policy"))

	key = "write-quorum"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("(quorum policy, required) Number of replicas a publication is written to"))

	key = "read-quorum"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("(quorum policy, required) Number of replicas a retrieve reads from. W+R must exceed N and 2W must exceed N"))

	key = "max-clients"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Maximum number of connected clients (default: 2000)"))

	key = "push-interval-ms"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Interval in milliseconds in which new matches are pushed to subscribers (default: 500)"))

	key = "discovery-interval-ms"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Interval in milliseconds in which live replicas are discovered (default: 1000)"))

	key = "sync-every"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Number of discovery rounds between two synchronizations with the peers (default: 10)"))

	key = "coordinator-wait"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Seconds to wait for the coordinator election before requests fail (default: 30)"))

	key = "schema"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Path of the YAML schema of the board (default: a single field 'replyTo')"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Timeout in seconds of requests to peers and clients"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "localhost:8080", cmdUtil.WrapString("The address on which the API will listen (e.g. localhost:8080, /tmp/dboard.sock, ...)"))

	key = "transport-workers-per-conn"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Number of workers handling the requests of one connection (tcp and unix only, default: 64)"))

	key = "transport-buffer-size"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Size of the per connection buffer in KB (tcp and unix only)"))

	key = "transport-write-buffer"
	ServeCmd.PersistentFlags().Int(key, 512, cmdUtil.WrapString("The size of the write buffer for the transport (in KB, ignored for http)"))

	key = "transport-read-buffer"
	ServeCmd.PersistentFlags().Int(key, 512, cmdUtil.WrapString("The size of the read buffer for the transport (in KB, ignored for http)"))

	key = "transport-tcp-nodelay"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether to enable TCP_NODELAY (tcp only)"))

	key = "transport-tcp-keepalive"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The keepalive interval in seconds (tcp only)"))

	key = "transport-tcp-linger"
	ServeCmd.PersistentFlags().Int(key, -1, cmdUtil.WrapString("The linger time in seconds (tcp only, negative keeps the OS default)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address serving prometheus metrics at /metrics (e.g. localhost:9090), disabled if empty"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.Transport = common.ServerTransportConfig{
		Endpoint:       viper.GetString("endpoint"),
		WorkersPerConn: viper.GetInt("transport-workers-per-conn"),
		BufferSize:     viper.GetInt("transport-buffer-size") * 1024,
		SocketConf: common.SocketConf{
			WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
			ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
		},
		TCPConf: common.TCPConf{
			TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
			TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
			TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
		},
	}
	serveCmdConfig.Probe = viper.GetBool("probe")
	serveCmdConfig.Policy = viper.GetString("policy")
	serveCmdConfig.WriteQuorum = viper.GetInt("write-quorum")
	serveCmdConfig.ReadQuorum = viper.GetInt("read-quorum")
	serveCmdConfig.MaxClients = viper.GetInt("max-clients")
	serveCmdConfig.PushIntervalMs = viper.GetInt("push-interval-ms")
	serveCmdConfig.DiscoveryIntervalMs = viper.GetInt("discovery-interval-ms")
	serveCmdConfig.SyncEvery = viper.GetInt("sync-every")
	serveCmdConfig.CoordinatorWaitSecond = viper.GetInt("coordinator-wait")
	serveCmdConfig.SchemaFile = viper.GetString("schema")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	if _, err := consistency.ParseKind(serveCmdConfig.Policy); err != nil {
		return err
	}
	if _, err := common.ParseLogLevel(serveCmdConfig.LogLevel); err != nil {
		return err
	}

	// the replica address defaults to the endpoint
	serveCmdConfig.ReplicaAddress = viper.GetString("replica-address")
	if serveCmdConfig.ReplicaAddress == "" {
		serveCmdConfig.ReplicaAddress = serveCmdConfig.Transport.Endpoint
	}
	if serveCmdConfig.ReplicaAddress == "" {
		return fmt.Errorf("either endpoint or replica-address must be set")
	}

	// parse cluster members, a replica is always a member of its own cluster
	serveCmdConfig.ClusterMembers = cmdUtil.SplitList(viper.GetString("cluster-members"))
	if len(serveCmdConfig.ClusterMembers) == 0 {
		serveCmdConfig.ClusterMembers = []string{serveCmdConfig.ReplicaAddress}
	} else if !slices.Contains(serveCmdConfig.ClusterMembers, serveCmdConfig.ReplicaAddress) {
		return fmt.Errorf("replica address %s is not one of the cluster members %v", serveCmdConfig.ReplicaAddress, serveCmdConfig.ClusterMembers)
	}

	serveCmdConfig.ClusterSize = viper.GetInt("cluster-size")
	if serveCmdConfig.ClusterSize <= 0 {
		serveCmdConfig.ClusterSize = len(serveCmdConfig.ClusterMembers)
	}

	return nil
}

// run starts the replica and stops it on SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}

	t, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}

	newClientTransport, err := cmdUtil.GetTransportFactory()
	if err != nil {
		return err
	}

	serv := server.NewRPCServer(
		*serveCmdConfig,
		t,
		newClientTransport,
		s,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() {
		served <- serv.Serve()
	}()

	select {
	case err := <-served:
		_ = serv.Stop()
		return err
	case <-ctx.Done():
		fmt.Println("shutting down...")
		err := serv.Stop()
		if serveErr := <-served; serveErr != nil && !errors.Is(serveErr, server.ErrServerStopped) {
			err = multierr.Append(err, serveErr)
		}
		return err
	}
}
