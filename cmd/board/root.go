package board

import (
	"fmt"

	"github.com/ValentinKolb/dBoard/cmd/util"
	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/ValentinKolb/dBoard/rpc/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	rpcBoard    client.IBoardClient
	boardSchema *protocol.Schema
	joined      bool
	stayJoined  bool

	// BoardCommands represents the board command group
	BoardCommands = &cobra.Command{
		Use:                "board",
		Short:              "Perform message board operations",
		PersistentPreRunE:  setupBoardClient,
		PersistentPostRunE: leaveBoard,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add common RPC flags to the board command
	util.SetupRPCClientFlags(BoardCommands)

	BoardCommands.PersistentFlags().Int64("client-id", protocol.UnassignedID, util.WrapString("Client id of an earlier join to reuse, negative asks the replica for a new id"))
	BoardCommands.PersistentFlags().String("previous-server", "", util.WrapString("Address of the replica the client was connected to before (read-your-writes policy)"))
	BoardCommands.PersistentFlags().Bool("leave", true, util.WrapString("Leave the board when the command is done"))

	// Add subcommands
	BoardCommands.AddCommand(joinCmd)
	BoardCommands.AddCommand(publishCmd)
	BoardCommands.AddCommand(retrieveCmd)
	BoardCommands.AddCommand(streamCmd)
	BoardCommands.AddCommand(subscribeCmd)
	BoardCommands.AddCommand(statsCmd)
	BoardCommands.AddCommand(postCmd)
	BoardCommands.AddCommand(replyCmd)
	BoardCommands.AddCommand(readCmd)
	BoardCommands.AddCommand(chooseCmd)
	BoardCommands.AddCommand(perfTestCmd)
}

// setupBoardClient initializes the RPC board client
func setupBoardClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	// Get client configuration components
	config := util.GetClientConfig()
	schema, err := util.GetSchema()
	if err != nil {
		return err
	}
	boardSchema = schema

	// Get serializer and transport
	s, err := util.GetSerializer()
	if err != nil {
		return err
	}

	t, err := util.GetTransport()
	if err != nil {
		return err
	}

	// Create the board client
	rpcBoard, err = client.NewBoardClient(
		*config,
		schema,
		t,
		s,
	)

	return err
}

// joinBoard joins the replica with the configured client id
func joinBoard() (int64, error) {
	id, err := rpcBoard.Join(viper.GetInt64("client-id"), viper.GetString("previous-server"))
	if err != nil {
		return id, fmt.Errorf("join failed: %w", err)
	}
	joined = true
	return id, nil
}

// listen starts the delivery listener of the client at the listen flag
func listen(cmd *cobra.Command) error {
	endpoint, _ := cmd.Flags().GetString("listen")
	listener, err := util.GetServerTransport()
	if err != nil {
		return err
	}
	return rpcBoard.ListenForDeliveries(listener, endpoint)
}

// leaveBoard leaves the board after the command and closes the client
func leaveBoard(_ *cobra.Command, _ []string) error {
	if rpcBoard == nil {
		return nil
	}
	defer rpcBoard.Close()

	if joined && !stayJoined && viper.GetBool("leave") {
		return rpcBoard.Leave()
	}
	return nil
}
