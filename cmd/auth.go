package cmd

import (
	"time"

	"github.com/habedi/trackr/auth"
	"github.com/habedi/trackr/client"
	"github.com/habedi/trackr/pkg/clierr"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// logoutCmd ends the session on the server and removes local credentials.
func logoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Logout and remove stored credentials",
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			if sess.Authenticated() {
				if err := client.NewAPI(sess.Gateway()).Logout(ctx); err != nil {
					log.Warn().Err(err).Msg("Server-side logout failed, clearing local credentials anyway")
				}
			}
			if err := sess.Clear(ctx); err != nil {
				return clierr.New(clierr.Internal, "Failed to clear the credentials.", err)
			}
			cmd.Println("Logged out.")
			return nil
		}),
	}
}

// statusCmd shows what the stored credentials say about the session.
func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the authentication status",
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			sess, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}

			creds := sess.Credentials()
			cmd.Println("API:", a.cfg.APIURL)
			if creds.AccessToken == "" {
				cmd.Println("Authenticated: no")
			} else {
				cmd.Println("Authenticated: yes")
				printClaims(cmd, creds.AccessToken)
			}
			if creds.RefreshToken != "" {
				cmd.Println("Refresh token: present")
			} else {
				cmd.Println("Refresh token: absent")
			}
			return nil
		}),
	}
}

func printClaims(cmd *cobra.Command, token string) {
	claims, err := auth.InspectToken(token)
	if err != nil {
		log.Debug().Err(err).Msg("Access token is not a readable JWT")
		cmd.Println("Access token: opaque")
		return
	}
	if claims.Name != "" || claims.Email != "" {
		cmd.Printf("User: %s <%s>\n", claims.Name, claims.Email)
	}
	if claims.Role != "" {
		cmd.Println("Role:", claims.Role)
	}
	if claims.ExpiresAt.IsZero() {
		return
	}
	now := time.Now()
	if claims.Expired(now) {
		cmd.Printf("Access token: expired at %s (renewed on next request)\n", claims.ExpiresAt.Local().Format(time.RFC3339))
		return
	}
	cmd.Printf("Access token: valid until %s (%s left)\n", claims.ExpiresAt.Local().Format(time.RFC3339), claims.ExpiresAt.Sub(now).Round(time.Second))
}

// refreshCmd forces a refresh exchange.
func refreshCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the refresh token for a new access token",
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			sess, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			if err := requireLogin(sess); err != nil {
				return err
			}
			if _, ok := sess.Refresh(cmd.Context()); !ok {
				return clierr.New(clierr.Auth, "Refresh failed; the session was cleared. Run `trackr login`.", sess.Coordinator().LastError())
			}
			cmd.Println("Access token refreshed.")
			return nil
		}),
	}
}
