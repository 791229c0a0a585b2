// Package cli implements the chatclient command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"go-chat-sync/internal/app"
	"go-chat-sync/internal/auth"
	"go-chat-sync/internal/config"
)

var validFormats = []string{"text", "json"}

// RootOptions holds global flags and the core factory.
type RootOptions struct {
	Verbose bool
	Format  string
	// Email and Password sign in before a command when no session is stored.
	Email    string
	Password string

	// NewCore overrides how commands obtain a core (for testing).
	NewCore func(cmd *cobra.Command, opts *RootOptions) (*app.Core, func() error, error)
}

// NewRootCommand creates the chatclient root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chatclient",
		Short: "Command line chat client",
		Long: `A command line client for the chat backend.

Sessions survive between invocations when CHAT_REDIS_ADDR points at a Redis
server. Without it, pass --email and --password to sign in per command.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Email, "email", "", "sign in with this email when no session is stored")
	cmd.PersistentFlags().StringVar(&opts.Password, "password", "", "password for --email")

	cmd.AddCommand(NewLoginCommand(opts))
	cmd.AddCommand(NewRegisterCommand(opts))
	cmd.AddCommand(NewLogoutCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewConversationsCommand(opts))
	cmd.AddCommand(NewBlockCommand(opts, true))
	cmd.AddCommand(NewBlockCommand(opts, false))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

// printer tells the user about invalidation on stderr.
type printer struct {
	w io.Writer
}

func (p printer) Notify(message string) {
	fmt.Fprintln(p.w, message)
}

func (p printer) NavigateToLogin() {
	fmt.Fprintln(p.w, "Run `chatclient login` to sign in again.")
}

var _ auth.Navigator = printer{}

func defaultCore(cmd *cobra.Command, opts *RootOptions) (*app.Core, func() error, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, nil, err
	}
	level := config.ParseLevel(cfg.LogLevel)
	if opts.Verbose {
		level = slog.LevelDebug
	}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	p := printer{w: cmd.ErrOrStderr()}
	return app.FromConfig(cfg, p, p, slog.New(handler))
}

// withCore builds a core, restores the session and runs fn. needSession
// signs in with --email/--password when nothing is stored and fails when
// neither is available.
func withCore(cmd *cobra.Command, opts *RootOptions, needSession bool, fn func(ctx context.Context, c *app.Core) error) error {
	newCore := opts.NewCore
	if newCore == nil {
		newCore = defaultCore
	}
	c, cleanup, err := newCore(cmd, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start client", err)
	}
	defer func() {
		c.Close()
		if err := cleanup(); err != nil {
			slog.Warn("cleanup", "error", err)
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.Session.Restore(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to restore session", err)
	}

	if needSession && !c.Session.Snapshot().HasToken() {
		if opts.Email == "" {
			return NewExitError(ExitFailure, "not signed in")
		}
		if _, err := c.API.Login(ctx, loginRequest(opts)); err != nil {
			return WrapExitError(ExitFailure, "sign in failed", err)
		}
	}
	return fn(ctx, c)
}
