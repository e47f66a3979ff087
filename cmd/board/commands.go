package board

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ValentinKolb/dBoard/cmd/util"
	"github.com/ValentinKolb/dBoard/lib/dispatch"
	"github.com/ValentinKolb/dBoard/lib/protocol"
	"github.com/spf13/cobra"
)

var (
	joinCmd = &cobra.Command{
		Use:   "join",
		Short: "Joins the board and prints the client id",
		Long:  "Joins the board and prints the client id. The client stays joined, pass the id with --client-id to later commands to publish under it.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stayJoined = true
			id, err := joinBoard()
			if err != nil {
				return err
			}
			fmt.Printf("joined as client %d\n", id)
			return nil
		},
	}
	publishCmd = &cobra.Command{
		Use:   "publish [field values...] [content]",
		Short: "Publishes a message with one value per schema field",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, content := args[:len(args)-1], args[len(args)-1]
			if _, err := joinBoard(); err != nil {
				return err
			}
			if ok, err := rpcBoard.Publish(fields, content); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("publish rejected, client is not joined")
			} else {
				fmt.Println("published successfully")
			}
			return nil
		},
	}
	retrieveCmd = &cobra.Command{
		Use:   "retrieve [field values...]",
		Short: "Retrieves all messages matching the pattern",
		Long:  "Retrieves all messages matching the pattern. Without field values every field is a wildcard.",
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern, err := patternFromArgs(cmd, args)
			if err != nil {
				return err
			}
			if _, err := joinBoard(); err != nil {
				return err
			}
			pubs, ok, err := rpcBoard.Retrieve(pattern)
			if err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("retrieve rejected, client is not joined")
			}
			fmt.Printf("%d messages\n", len(pubs))
			for _, pub := range pubs {
				printPublication(pub)
			}
			return nil
		},
	}
	streamCmd = &cobra.Command{
		Use:   "stream [field values...]",
		Short: "Retrieves all messages matching the pattern as pushed batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern, err := patternFromArgs(cmd, args)
			if err != nil {
				return err
			}
			if err := listen(cmd); err != nil {
				return err
			}
			if _, err := joinBoard(); err != nil {
				return err
			}

			queryID, ok, err := rpcBoard.RetrieveStream(pattern)
			if err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("retrieve rejected, client is not joined")
			}

			timeout := time.After(time.Duration(util.GetClientConfig().TimeoutSecond) * time.Second)
			received, expected := 0, -1
			for expected < 0 || received < expected {
				select {
				case d := <-rpcBoard.Deliveries():
					if d.QueryID != queryID {
						continue
					}
					if d.IsAnnouncement() {
						expected = d.Count
						fmt.Printf("query %s: %d messages\n", queryID, d.Count)
						continue
					}
					for _, pub := range d.Publications {
						printPublication(pub)
					}
					received += len(d.Publications)
				case <-timeout:
					return fmt.Errorf("stream incomplete, received %d of %d messages", received, expected)
				}
			}
			return nil
		},
	}
	subscribeCmd = &cobra.Command{
		Use:   "subscribe [field values...]",
		Short: "Subscribes to the pattern and prints pushed messages until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern, err := patternFromArgs(cmd, args)
			if err != nil {
				return err
			}
			if err := listen(cmd); err != nil {
				return err
			}
			if _, err := joinBoard(); err != nil {
				return err
			}
			if ok, err := rpcBoard.Subscribe(pattern); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("subscribe rejected, client is not joined")
			}
			fmt.Printf("subscribed, listening on %s\n", rpcBoard.Address())

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(stop)

			var deadline <-chan time.Time
			if d, _ := cmd.Flags().GetDuration("duration"); d > 0 {
				deadline = time.After(d)
			}

			for {
				select {
				case d := <-rpcBoard.Deliveries():
					printDelivery(d)
				case <-stop:
					return nil
				case <-deadline:
					return nil
				}
			}
		},
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Prints the statistics of the replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := rpcBoard.Stats()
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
)

func init() {
	for _, cmd := range []*cobra.Command{retrieveCmd, streamCmd, subscribeCmd} {
		cmd.Flags().Int64("message-id", protocol.AnyID, util.WrapString("Only match the message with this id, negative matches any"))
		cmd.Flags().Int64("from-client", protocol.AnyID, util.WrapString("Only match messages of this client, negative matches any"))
	}
	for _, cmd := range []*cobra.Command{streamCmd, subscribeCmd} {
		cmd.Flags().String("listen", "localhost:7070", util.WrapString("Endpoint the client listens on for pushed messages, must be reachable by the replica"))
	}
	subscribeCmd.Flags().Duration("duration", 0, util.WrapString("Stop after this duration, 0 runs until interrupted"))
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// patternFromArgs builds a pattern from the field values, missing values are wildcards
func patternFromArgs(cmd *cobra.Command, args []string) (protocol.Pattern, error) {
	pattern := boardSchema.RetrieveAll()
	if len(args) > len(pattern.Fields) {
		return pattern, fmt.Errorf("schema has %d fields, got %d values", len(pattern.Fields), len(args))
	}
	copy(pattern.Fields, args)
	pattern.MessageID, _ = cmd.Flags().GetInt64("message-id")
	pattern.ClientID, _ = cmd.Flags().GetInt64("from-client")
	return pattern, nil
}

func printPublication(pub protocol.Publication) {
	fmt.Printf("id=%d client=%d fields=%v content=%s\n", pub.MessageID, pub.ClientID, pub.Fields, pub.Content)
}

func printDelivery(d dispatch.Delivery) {
	for _, pub := range d.Publications {
		printPublication(pub)
	}
}
