package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"go-chat-sync/internal/api"
	"go-chat-sync/internal/app"
	"go-chat-sync/internal/config"
	"go-chat-sync/internal/realtime"
)

type options struct {
	Pairs    int
	Messages int
	Delay    time.Duration
	Timeout  time.Duration
}

func main() {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Drive pairs of clients against a chat backend",
		Long: `Register pairs of users, connect both sides and have each send messages
to the other, then check every message arrived over the realtime connection.

The backend is taken from CHAT_BASE_URL and CHAT_WS_URL.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.Pairs, "pairs", 50, "number of user pairs")
	cmd.Flags().IntVar(&opts.Messages, "messages", 20, "messages per user")
	cmd.Flags().DurationVar(&opts.Delay, "delay", 10*time.Millisecond, "pause between sends")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "overall deadline")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	rejected atomic.Int64
}

func run(parent context.Context, opts *options) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithTimeout(parent, opts.Timeout)
	defer cancel()

	slog.Info("🔥 starting load test", "users", opts.Pairs*2, "messages_per_user", opts.Messages)
	start := time.Now()
	var st stats

	g, gctx := errgroup.WithContext(ctx)
	batch := time.Now().UnixNano()
	for i := 0; i < opts.Pairs; i++ {
		g.Go(func() error {
			return runPair(gctx, cfg, log, opts, &st, fmt.Sprintf("%d_%d", batch, i))
		})
	}
	err = g.Wait()

	want := int64(opts.Pairs * 2 * opts.Messages)
	slog.Info("load test finished",
		"elapsed", time.Since(start),
		"sent", st.sent.Load(),
		"received", st.received.Load(),
		"rejected", st.rejected.Load(),
		"expected", want,
	)
	if err != nil {
		return err
	}
	if st.received.Load() != want {
		return fmt.Errorf("received %d of %d messages", st.received.Load(), want)
	}
	slog.Info("✅ load test complete")
	return nil
}

func newCore(cfg *config.Client, log *slog.Logger) *app.Core {
	return app.New(app.Options{
		BaseURL: cfg.BaseURL,
		Realtime: realtime.Options{
			URL:               cfg.WSURL,
			ReconnectAttempts: cfg.ReconnectAttempts,
			ReconnectDelay:    cfg.ReconnectDelay,
			ConnectTimeout:    cfg.ConnectTimeout,
			AckTimeout:        cfg.AckTimeout,
		},
		Log: log,
	})
}

// runPair signs up two users who message each other and waits until each has
// received everything the other sent.
func runPair(ctx context.Context, cfg *config.Client, log *slog.Logger, opts *options, st *stats, id string) error {
	a, b := newCore(cfg, log), newCore(cfg, log)
	defer a.Close()
	defer b.Close()

	var got [2]atomic.Int64
	for i, c := range []*app.Core{a, b} {
		counter := &got[i]
		c.Realtime.OnNew(func(conn *realtime.Conn) {
			conn.On(realtime.EventMessageNew, func(json.RawMessage) {
				counter.Add(1)
				st.received.Add(1)
			})
		})
	}

	for i, c := range []*app.Core{a, b} {
		_, err := c.Register(ctx, api.RegisterRequest{
			Name:     fmt.Sprintf("load %s %c", id, 'a'+i),
			Email:    fmt.Sprintf("load_%s_%c@example.com", id, 'a'+i),
			Password: "password123",
		})
		if err != nil {
			return fmt.Errorf("register %s: %w", id, err)
		}
	}

	var wg sync.WaitGroup
	for _, pair := range [][2]*app.Core{{a, b}, {b, a}} {
		from, to := pair[0], pair[1]
		wg.Add(1)
		go func() {
			defer wg.Done()
			peer := to.Session.Snapshot().Identity.ID
			for i := 0; i < opts.Messages; i++ {
				if _, err := from.Chat.Send(ctx, peer, fmt.Sprintf("load test message %d", i)); err != nil {
					st.rejected.Add(1)
					continue
				}
				st.sent.Add(1)
				select {
				case <-time.After(opts.Delay):
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()

	// Each side sees its own messages echoed plus the other's.
	want := int64(2 * opts.Messages)
	for {
		if got[0].Load() >= want && got[1].Load() >= want {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("pair %s: timed out waiting for delivery", id)
		case <-time.After(50 * time.Millisecond):
		}
	}
}
