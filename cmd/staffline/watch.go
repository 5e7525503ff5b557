package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	staffline "github.com/staffline-io/staffline-go"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Stream realtime activity until interrupted",
	Long: "Subscribe to pushed messages and print activity until Ctrl-C.\n" +
		"With a conversation id, its messages are printed as they arrive;\n" +
		"otherwise unread changes across all conversations are shown.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ws, err := openWorkspace(ctx, true)
		if err != nil {
			return err
		}
		defer ws.Close()

		var (
			mu     sync.Mutex
			seen   = map[string]bool{}
			unread = ws.inbox.Conversations.UnreadTotal()
		)
		ws.inbox.On(staffline.EventMessagesUpdated, func(_ string, payload any) {
			msgs, _ := payload.([]staffline.Message)
			mu.Lock()
			defer mu.Unlock()
			for _, m := range msgs {
				if m.IsPending() || seen[m.ID] {
					continue
				}
				seen[m.ID] = true
				fmt.Println(formatMessage(ws, m))
			}
		})
		ws.inbox.On(staffline.EventConversationsUpdated, func(string, any) {
			total := ws.inbox.Conversations.UnreadTotal()
			mu.Lock()
			defer mu.Unlock()
			if total != unread {
				unread = total
				fmt.Printf("-- %d unread\n", total)
			}
		})
		ws.inbox.On(staffline.EventSubscriptionState, func(_ string, payload any) {
			fmt.Fprintf(os.Stderr, "-- subscription %s\n", payload)
		})
		ws.inbox.On(staffline.EventNotice, func(_ string, payload any) {
			if n, ok := payload.(staffline.Notice); ok {
				fmt.Fprintf(os.Stderr, "!! %s: %s\n", n.Kind, n.Message)
			}
		})

		if len(args) == 1 {
			if err := ws.inbox.Stream.Select(ctx, args[0]); err != nil {
				return err
			}
		}

		fmt.Fprintf(os.Stderr, "Watching as %s via %s (%s). Press Ctrl-C to stop.\n",
			ws.userID(), transportOf(ws.cfg), ws.inbox.Push.State())
		if total := ws.inbox.Conversations.UnreadTotal(); total > 0 {
			fmt.Printf("-- %d unread\n", total)
		}
		<-ctx.Done()
		return nil
	},
}
