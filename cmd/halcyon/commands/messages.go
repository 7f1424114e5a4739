package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/halcyon-im/halcyon/internal/models"
	"github.com/halcyon-im/halcyon/internal/outbound"
)

func recvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recv",
		Short: "Drain the inbox queue into the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureReady(cmd); err != nil {
				return err
			}
			keys, err := app.Identity.Keys()
			if err != nil {
				return err
			}
			res, err := app.Pipeline.Drain(cmd.Context(), keys)
			if err != nil {
				return err
			}
			for _, m := range res.Messages {
				fmt.Printf("[%s] %s: %s\n", m.SentAt.Local().Format("15:04"), m.SenderID, m.Text)
			}
			if len(res.Messages) == 0 {
				fmt.Println("No new messages.")
			}
			if n := len(app.Resolver.Pending()); n > 0 {
				fmt.Printf("%d message(s) from unknown senders are held for review.\n", n)
			}
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	var typing bool
	cmd := &cobra.Command{
		Use:   "send <conversation> [text]",
		Short: "Send a message (or a typing signal) to a conversation",
		Long: `Send encrypts and transmits one message. The conversation is a local
contact id, a group id, or a routable handle such as
lookup:email:bob@example.com.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureReady(cmd); err != nil {
				return err
			}

			req := outbound.Request{ConversationURN: args[0]}
			if typing {
				req.TypeID = models.TypeTyping
				req.Ephemeral = true
			} else {
				if len(args) < 2 {
					return fmt.Errorf("message text required")
				}
				req.TypeID = models.TypeText
				req.Data = []byte(args[1])
			}

			msg, err := app.Dispatcher.Send(cmd.Context(), req)
			if err != nil {
				return err
			}
			if msg != nil {
				fmt.Printf("Message %s: %s\n", msg.ID, msg.Status)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&typing, "typing", false, "send a transient typing signal instead of text")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation> <message-id>",
		Short: "Delete a message locally and record a tombstone for sync",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := app.Store.Messages.DeleteByID(ctx, args[1]); err != nil {
				return err
			}
			tomb := models.Tombstone{
				MessageID:       args[1],
				ConversationURN: args[0],
				DeletedAt:       time.Now().UTC(),
			}
			if err := app.Store.Tombstones.Insert(ctx, &tomb); err != nil {
				return err
			}
			fmt.Println("Deleted. The next backup propagates the tombstone.")
			return nil
		},
	}
}
