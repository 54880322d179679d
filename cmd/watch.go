package cmd

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/habedi/trackr/session"
	"github.com/spf13/cobra"
)

// watchCmd prints the session state whenever it changes, including changes
// made by other trackr processes sharing the same credentials.
func watchCmd(a *app) *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print credential changes as they happen",
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			sess, err := a.openSession(ctx)
			if err != nil {
				return err
			}

			changes := make(chan session.Pair, 16)
			unwatch := sess.Watch(func(p session.Pair) {
				select {
				case changes <- p:
				default:
				}
			})
			defer unwatch()

			printPair(cmd, "current", sess.Credentials())
			for {
				select {
				case <-ctx.Done():
					return nil
				case p := <-changes:
					printPair(cmd, "changed", p)
				}
			}
		}),
	}

	cmd.Flags().DurationVar(&duration, "for", 0, "Stop after this long (default: until interrupted)")
	return cmd
}

func printPair(cmd *cobra.Command, label string, p session.Pair) {
	state := "logged out"
	if p.AccessToken != "" {
		state = "logged in"
	} else if p.RefreshToken != "" {
		state = "refresh pending"
	}
	cmd.Printf("[%s] %s: %s\n", time.Now().Format(time.TimeOnly), label, state)
}
