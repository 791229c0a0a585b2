package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"go-chat-sync/internal/app"
	"go-chat-sync/internal/cache"
	"go-chat-sync/internal/chat"
)

func printMessage(w io.Writer, self string, m cache.Message) {
	who := m.SenderID
	if who == self {
		who = "me"
	}
	fmt.Fprintf(w, "[%s] %s: %s\n", m.CreatedAt.Local().Format(time.Kitchen), who, m.Text)
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer-id> <text>...",
		Short: "Send a message",
		Example: `  chatclient send 6f1c... "see you at noon"`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			return withCore(cmd, rootOpts, true, func(ctx context.Context, c *app.Core) error {
				msg, err := c.Chat.Send(ctx, args[0], text)
				var sendErr *chat.SendError
				if errors.As(err, &sendErr) {
					return WrapExitError(ExitFailure, "message rejected", err)
				}
				if err != nil {
					return WrapExitError(ExitFailure, "send failed", err)
				}
				return output(cmd, rootOpts, msg, func(w io.Writer) {
					fmt.Fprintf(w, "Sent %s\n", msg.ID)
				})
			})
		},
	}
}

type historyOptions struct {
	*RootOptions
	Pages int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &historyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "history <peer-id>",
		Short:         "Show messages exchanged with a peer",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := args[0]
			return withCore(cmd, rootOpts, true, func(ctx context.Context, c *app.Core) error {
				if err := c.Chat.LoadHistory(ctx, peer); err != nil {
					return WrapExitError(ExitFailure, "load history", err)
				}
				for i := 1; i < opts.Pages; i++ {
					err := c.Chat.LoadOlder(ctx, peer)
					if errors.Is(err, chat.ErrNoMoreHistory) {
						break
					}
					if err != nil {
						return WrapExitError(ExitFailure, "load history", err)
					}
				}
				msgs := c.Chat.Messages(peer)
				self := c.Session.Snapshot().Identity.ID
				return output(cmd, rootOpts, msgs, func(w io.Writer) {
					if len(msgs) == 0 {
						fmt.Fprintln(w, "No messages.")
					}
					for _, m := range msgs {
						printMessage(w, self, m)
					}
				})
			})
		},
	}

	cmd.Flags().IntVar(&opts.Pages, "pages", 1, "number of pages to load, newest first")
	return cmd
}

// NewConversationsCommand creates the conversations command.
func NewConversationsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "conversations",
		Aliases:       []string{"ls"},
		Short:         "List conversations",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, rootOpts, true, func(ctx context.Context, c *app.Core) error {
				if err := c.Chat.RefreshSummaries(ctx); err != nil {
					return WrapExitError(ExitFailure, "load conversations", err)
				}
				list := c.Chat.Summaries()
				return output(cmd, rootOpts, list, func(w io.Writer) {
					for _, s := range list {
						line := fmt.Sprintf("%-20s %s", s.Name, s.PeerID)
						if s.UnreadCount > 0 {
							line += fmt.Sprintf(" (%d unread)", s.UnreadCount)
						}
						if s.Participant.BlockedByMe {
							line += " [blocked]"
						}
						fmt.Fprintln(w, line)
					}
				})
			})
		},
	}
}

// NewBlockCommand creates the block or unblock command.
func NewBlockCommand(rootOpts *RootOptions, block bool) *cobra.Command {
	use, short := "block", "Block a peer"
	if !block {
		use, short = "unblock", "Unblock a peer"
	}
	return &cobra.Command{
		Use:           use + " <peer-id>",
		Short:         short,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, rootOpts, true, func(ctx context.Context, c *app.Core) error {
				if err := c.Chat.SetBlocked(ctx, args[0], block); err != nil {
					return WrapExitError(ExitFailure, use+" failed", err)
				}
				return output(cmd, rootOpts, map[string]bool{"blocked": block}, func(w io.Writer) {
					fmt.Fprintf(w, "%sed %s\n", strings.ToUpper(use[:1])+use[1:], args[0])
				})
			})
		},
	}
}
