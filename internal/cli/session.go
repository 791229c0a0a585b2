package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"go-chat-sync/internal/api"
	"go-chat-sync/internal/app"
	"go-chat-sync/internal/session"
)

func loginRequest(opts *RootOptions) api.LoginRequest {
	return api.LoginRequest{Email: opts.Email, Password: opts.Password}
}

func printIdentity(w io.Writer, id session.Identity) {
	fmt.Fprintf(w, "Signed in as %s (%s)\n", id.Name, id.ID)
	if id.Email != "" {
		fmt.Fprintf(w, "  Email: %s\n", id.Email)
	}
}

// NewLoginCommand creates the login command.
func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Example: `  chatclient login --email ada@example.com --password s3cret`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rootOpts.Email == "" || rootOpts.Password == "" {
				return NewExitError(ExitCommandError, "--email and --password are required")
			}
			return withCore(cmd, rootOpts, false, func(ctx context.Context, c *app.Core) error {
				sess, err := c.API.Login(ctx, loginRequest(rootOpts))
				if err != nil {
					return WrapExitError(ExitFailure, "sign in failed", err)
				}
				return output(cmd, rootOpts, sess.Identity, func(w io.Writer) { printIdentity(w, sess.Identity) })
			})
		},
	}
	return cmd
}

type registerOptions struct {
	*RootOptions
	Name  string
	Phone string
}

// NewRegisterCommand creates the register command.
func NewRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &registerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "register",
		Short:         "Create an account and sign in",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Email == "" || opts.Password == "" {
				return NewExitError(ExitCommandError, "--email and --password are required")
			}
			return withCore(cmd, rootOpts, false, func(ctx context.Context, c *app.Core) error {
				sess, err := c.API.Register(ctx, api.RegisterRequest{
					Name:     opts.Name,
					Email:    opts.Email,
					Phone:    opts.Phone,
					Password: opts.Password,
				})
				if err != nil {
					return WrapExitError(ExitFailure, "registration failed", err)
				}
				return output(cmd, rootOpts, sess.Identity, func(w io.Writer) { printIdentity(w, sess.Identity) })
			})
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Phone, "phone", "", "phone number")
	return cmd
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "logout",
		Short:         "Forget the stored session",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, rootOpts, false, func(ctx context.Context, c *app.Core) error {
				if err := c.Logout(ctx); err != nil {
					return WrapExitError(ExitFailure, "logout failed", err)
				}
				return output(cmd, rootOpts, nil, func(w io.Writer) { fmt.Fprintln(w, "Signed out.") })
			})
		},
	}
}

type status struct {
	SignedIn   bool              `json:"signedIn"`
	Identity   *session.Identity `json:"identity,omitempty"`
	ExpiresAt  *time.Time        `json:"expiresAt,omitempty"`
	CanRefresh bool              `json:"canRefresh"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show the stored session",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, rootOpts, false, func(ctx context.Context, c *app.Core) error {
				sess := c.Session.Snapshot()
				st := status{SignedIn: sess.HasToken(), CanRefresh: sess.CanRefresh()}
				if st.SignedIn {
					st.Identity = &sess.Identity
					if claims, err := session.ParseClaims(sess.AccessToken); err == nil && !claims.ExpiresAt.IsZero() {
						st.ExpiresAt = &claims.ExpiresAt
					}
				}
				return output(cmd, rootOpts, st, func(w io.Writer) {
					if !st.SignedIn {
						fmt.Fprintln(w, "Not signed in.")
						return
					}
					printIdentity(w, sess.Identity)
					if st.ExpiresAt != nil {
						fmt.Fprintf(w, "  Access token expires: %s\n", st.ExpiresAt.Local().Format(time.RFC1123))
					}
				})
			})
		},
	}
}
