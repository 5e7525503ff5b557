package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	staffline "github.com/staffline-io/staffline-go"
)

var (
	convFilter    string
	convUnread    bool
	convJSON      bool
	messagesLimit int
	messagesJSON  bool
	sendJSON      bool
)

func init() {
	conversationsCmd.Flags().StringVarP(&convFilter, "filter", "f", "", "Only show conversations whose other participant matches")
	conversationsCmd.Flags().BoolVar(&convUnread, "unread", false, "Show only unread conversations")
	conversationsCmd.Flags().BoolVar(&convJSON, "json", false, "Output raw JSON")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Show only the last n messages")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(conversationsCmd, messagesCmd, sendCmd, readCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List your conversations",
	Long:    "List conversations with their last message and unread count.\nIf the backend is unreachable the cached list is shown.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		ws, err := openWorkspace(ctx, false)
		if err != nil {
			return err
		}
		defer ws.Close()

		convs := ws.inbox.Conversations.Filter(convFilter)
		if convUnread {
			unread := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					unread = append(unread, c)
				}
			}
			convs = unread
		}
		stale := hasNotice(ws.inbox, staffline.NoticeFetch)

		if convJSON {
			return printJSON(convs)
		}
		if stale {
			fmt.Println("(offline: showing cached conversations)")
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		me := ws.userID()
		for _, c := range convs {
			other := c.Other(me)
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" [%d unread]", c.UnreadCount)
			}
			fmt.Printf("%-24s %s (%s)%s\n", c.ID, valueOrDefault(other.DisplayName, other.UserID), valueOrDefault(other.Role, "-"), unread)
			if c.LastMessage != nil {
				fmt.Printf("  %s  %s: %s\n", c.LastMessage.CreatedAt.Local().Format("Jan 02 15:04"),
					ws.displayName(c.ID, c.LastMessage.SenderID), truncate(c.LastMessage.Content, 60))
			}
		}
		if total := ws.inbox.Conversations.UnreadTotal(); total > 0 {
			fmt.Printf("\n%d unread in total\n", total)
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the history of a conversation",
	Long:  "Show the history of a conversation. Opening a conversation marks it read.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		ws, err := openWorkspace(ctx, false)
		if err != nil {
			return err
		}
		defer ws.Close()

		if err := ws.inbox.Stream.Select(ctx, args[0]); err != nil {
			return err
		}
		msgs := ws.inbox.Stream.Messages()
		if messagesLimit > 0 && len(msgs) > messagesLimit {
			msgs = msgs[len(msgs)-messagesLimit:]
		}

		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(ws, m))
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		ws, err := openWorkspace(ctx, false)
		if err != nil {
			return err
		}
		defer ws.Close()

		if err := ws.inbox.Stream.Select(ctx, args[0]); err != nil {
			return err
		}
		m, err := ws.inbox.Stream.Send(ctx, strings.Join(args[1:], " "))
		if err != nil {
			var sendErr *staffline.SendError
			if errors.As(err, &sendErr) {
				return fmt.Errorf("message not sent, retry with: staffline send %s %q: %w", args[0], sendErr.Content, sendErr.Err)
			}
			return err
		}

		if sendJSON {
			return printJSON(m)
		}
		fmt.Printf("Sent %s at %s\n", m.ID, m.CreatedAt.Local().Format(time.Kitchen))
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		ws, err := openWorkspace(ctx, false)
		if err != nil {
			return err
		}
		defer ws.Close()

		if err := ws.inbox.Stream.MarkRead(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Marked %s read (%d unread left)\n", args[0], ws.inbox.Conversations.UnreadTotal())
		return nil
	},
}

func hasNotice(inbox *staffline.Inbox, kind staffline.NoticeKind) bool {
	for _, n := range inbox.Notices.Active() {
		if n.Kind == kind {
			return true
		}
	}
	return false
}

func formatMessage(ws *workspace, m staffline.Message) string {
	status := ""
	switch {
	case m.IsPending():
		status = " (sending)"
	case !m.Read && m.SenderID != ws.userID():
		status = " *"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Local().Format("Jan 02 15:04"),
		ws.displayName(m.ConversationID, m.SenderID), m.Content, status)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
