package board

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dBoard/cmd/util"
	"github.com/ValentinKolb/dBoard/rpc/client"
	"github.com/spf13/cobra"
)

var (
	postCmd = &cobra.Command{
		Use:   "post <title> <body>",
		Short: "Starts a new thread on the bulletin board",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bb, err := bulletinBoard()
			if err != nil {
				return err
			}
			return reportWrite(bb.Post(args[0], args[1]))
		},
	}
	replyCmd = &cobra.Command{
		Use:   "reply <message id> <title> <body>",
		Short: "Replies to a post of the bulletin board",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			replyTo, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid message id %q: %w", args[0], err)
			}
			bb, err := bulletinBoard()
			if err != nil {
				return err
			}
			return reportWrite(bb.Reply(replyTo, args[1], args[2]))
		},
	}
	readCmd = &cobra.Command{
		Use:   "read",
		Short: "Prints the titles of the bulletin board threads",
		Long:  "Prints the titles of the bulletin board threads. Replies are indented below the post they answer.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bb, err := bulletinBoard()
			if err != nil {
				return err
			}
			posts, err := bb.Read()
			if err != nil {
				return err
			}

			offset, _ := cmd.Flags().GetInt("offset")
			limit, _ := cmd.Flags().GetInt("limit")
			start := min(max(offset, 0), len(posts))
			end := len(posts)
			if limit > 0 {
				end = min(start+limit, len(posts))
			}
			for _, post := range posts[start:end] {
				printPost(post, false)
			}
			if end == len(posts) {
				fmt.Println("END")
			}
			return nil
		},
	}
	chooseCmd = &cobra.Command{
		Use:   "choose <message id>",
		Short: "Prints a whole post of the bulletin board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid message id %q: %w", args[0], err)
			}
			bb, err := bulletinBoard()
			if err != nil {
				return err
			}
			if _, err := bb.Read(); err != nil {
				return err
			}
			post, err := bb.Choose(id)
			if err != nil {
				return err
			}
			printPost(post, true)
			return nil
		},
	}
)

func init() {
	readCmd.Flags().Int("limit", 0, util.WrapString("Number of posts to print, 0 prints all"))
	readCmd.Flags().Int("offset", 0, util.WrapString("Number of posts in read order to skip"))
}

// bulletinBoard joins the board and wraps the client as a bulletin board
func bulletinBoard() (client.IBulletinBoard, error) {
	if _, err := joinBoard(); err != nil {
		return nil, err
	}
	return client.NewBulletinBoard(rpcBoard, boardSchema)
}

func reportWrite(ok bool, err error) error {
	if err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("post rejected, client is not joined")
	}
	fmt.Println("posted successfully")
	return nil
}

// printPost prints the title of a post indented by its depth, the body only if whole is set
func printPost(post client.Post, whole bool) {
	indent := strings.Repeat("\t", post.Depth)
	fmt.Printf("%s%d  %s\n", indent, post.MessageID, post.Title)
	if whole {
		fmt.Println(post.Body)
	}
}
