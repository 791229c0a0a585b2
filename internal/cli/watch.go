package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"go-chat-sync/internal/app"
	"go-chat-sync/internal/cache"
	"go-chat-sync/internal/realtime"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and print incoming activity",
		Long: `Stay connected and print incoming messages, presence changes and block
updates until interrupted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, rootOpts, true, func(ctx context.Context, c *app.Core) error {
				return watch(ctx, cmd, rootOpts, c)
			})
		},
	}
}

func watch(ctx context.Context, cmd *cobra.Command, opts *RootOptions, c *app.Core) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	w := cmd.OutOrStdout()
	self := c.Session.Snapshot().Identity.ID
	events := make(chan any, 64)
	push := func(v any) {
		select {
		case events <- v:
		default:
		}
	}
	unsub := c.Cache.Subscribe(func(i cache.Intent) { push(i) })
	defer unsub()

	// Messages for conversations that are not loaded never reach the cache,
	// so they are taken straight off the connection.
	c.Realtime.OnNew(func(conn *realtime.Conn) {
		conn.On(realtime.EventMessageNew, func(data json.RawMessage) {
			var ev realtime.MessageNew
			if err := json.Unmarshal(data, &ev); err == nil {
				push(ev.Message)
			}
		})
	})

	if err := c.Connect(ctx); err != nil {
		return WrapExitError(ExitFailure, "connect", err)
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "Connected. Press Ctrl-C to stop.")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if opts.Format == "json" {
				if err := json.NewEncoder(w).Encode(map[string]any{"type": fmt.Sprintf("%T", ev), "data": ev}); err != nil {
					return err
				}
				continue
			}
			describe(w, self, ev)
		}
	}
}

func describe(w io.Writer, self string, ev any) {
	switch in := ev.(type) {
	case cache.Message:
		printMessage(w, self, in)
	case cache.PresenceReplaced:
		fmt.Fprintf(w, "online: %v\n", in.IDs)
	case cache.PresenceJoined:
		fmt.Fprintf(w, "%s came online\n", in.ID)
	case cache.PresenceLeft:
		fmt.Fprintf(w, "%s went offline\n", in.ID)
	case cache.FlagChanged:
		fmt.Fprintf(w, "%s: %s=%t\n", in.PeerID, in.Flag, in.Value)
	case cache.SummariesReplaced:
		unread := 0
		for _, s := range in.Summaries {
			unread += s.UnreadCount
		}
		fmt.Fprintf(w, "%d conversations, %d unread\n", len(in.Summaries), unread)
	}
}
