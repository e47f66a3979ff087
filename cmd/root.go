package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dBoard/cmd/board"
	"github.com/ValentinKolb/dBoard/cmd/serve"
	"github.com/ValentinKolb/dBoard/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dboard",
		Short: "replicated publish/subscribe message board",
		Long: fmt.Sprintf(`dBoard (v%s)

A replicated publish/subscribe message board written in Go.
Clients publish messages with typed fields and retrieve or subscribe
to them by pattern, replicas keep the board consistent under a
sequential, read-your-writes or quorum policy.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dBoard",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dBoard v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(board.BoardCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (json, gob, binary), must match the replicas"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (http, tcp, unix), replicas use the same transport for peers and pushes"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
