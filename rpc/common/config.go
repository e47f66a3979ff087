package common

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Transport configuration structs
// --------------------------------------------------------------------------

// SocketConf holds the buffer sizes of a socket based transport
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds the tcp specific socket options
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// ServerTransportConfig configures the listening side of a transport
type ServerTransportConfig struct {
	// Endpoint the server listens on (host:port, socket path or http address)
	Endpoint string
	SocketConf
	TCPConf
	// WorkersPerConn is the number of workers handling the requests of one connection
	WorkersPerConn int
	// BufferSize is the size of the per connection response buffer
	BufferSize int
}

// ClientTransportConfig configures the dialing side of a transport
type ClientTransportConfig struct {
	// Endpoints the client connects to, requests are spread over all of them
	Endpoints              []string
	RetryCount             int
	ConnectionsPerEndpoint int
	SocketConf
	TCPConf
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of a replica
type ServerConfig struct {
	// ReplicaAddress is the address the other replicas and the clients use for this replica
	ReplicaAddress string
	// ClusterMembers are the addresses of all replicas, this one included
	ClusterMembers []string
	// ClusterSize is the number of replicas the coordinator election waits for
	ClusterSize int
	// Probe enables the liveness probing registry instead of the static member list
	Probe bool

	// Consistency settings
	Policy      string
	WriteQuorum int
	ReadQuorum  int

	// Dispatch settings
	MaxClients     int
	PushIntervalMs int

	// Membership settings
	DiscoveryIntervalMs   int
	SyncEvery             int
	CoordinatorWaitSecond int

	// SchemaFile is an optional yaml file describing the board schema
	SchemaFile string

	// TimeoutSecond bounds every request to a peer or a client
	TimeoutSecond int64

	// Transport the replica listens on
	Transport ServerTransportConfig

	// MetricsEndpoint serves the prometheus metrics, disabled if empty
	MetricsEndpoint string

	// Logging configuration
	LogLevel string
}

// PeerTransport returns the client transport configuration used to reach endpoint
func (c *ServerConfig) PeerTransport(endpoint string) ClientTransportConfig {
	return ClientTransportConfig{
		Endpoints:              []string{endpoint},
		RetryCount:             1,
		ConnectionsPerEndpoint: 1,
		SocketConf:             c.Transport.SocketConf,
		TCPConf:                c.Transport.TCPConf,
	}
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Transport.Endpoint)
	addField("Workers Per Conn", strconv.Itoa(c.Transport.WorkersPerConn))
	addField("Buffer Size", strconv.Itoa(c.Transport.BufferSize))
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	if c.MetricsEndpoint != "" {
		addField("Metrics", c.MetricsEndpoint)
	}

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Board
	addSection("Board")
	addField("Replica Address", c.ReplicaAddress)
	addField("Policy", c.Policy)
	if strings.EqualFold(c.Policy, "quorum") {
		addField("Write Quorum", strconv.Itoa(c.WriteQuorum))
		addField("Read Quorum", strconv.Itoa(c.ReadQuorum))
	}
	addField("Max Clients", strconv.Itoa(c.MaxClients))
	addField("Push Interval", fmt.Sprintf("%d ms", c.PushIntervalMs))
	if c.SchemaFile != "" {
		addField("Schema", c.SchemaFile)
	}

	// Cluster
	addSection("Cluster")
	addField("Cluster Size", strconv.Itoa(c.ClusterSize))
	addField("Probe Members", strconv.FormatBool(c.Probe))
	addField("Discovery Interval", fmt.Sprintf("%d ms", c.DiscoveryIntervalMs))
	addField("Sync Every", fmt.Sprintf("%d ticks", c.SyncEvery))
	addField("Coordinator Wait", fmt.Sprintf("%d sec", c.CoordinatorWaitSecond))
	sb.WriteString("  Members:\n")
	for i, member := range c.ClusterMembers {
		sb.WriteString(fmt.Sprintf("    %d: %s\n", i, member))
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	TimeoutSecond int
	Transport     ClientTransportConfig
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.Transport.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.Transport.ConnectionsPerEndpoint)))))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
