package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/habedi/trackr/client"
	"github.com/habedi/trackr/pkg/clierr"
	"github.com/habedi/trackr/pkg/validation"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// loginCmd creates a new cobra.Command for logging into the tracker.
func loginCmd(a *app) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Login to the tracker",
		Long:  "Login to the tracker with your email and password. Missing values are prompted for.",
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			p := newPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
			if email == "" {
				email = p.input("Email: ")
			}
			if password == "" {
				password = p.password("Password: ")
			}
			if err := validation.ValidateEmail(email); err != nil {
				return clierr.New(clierr.Validation, err.Error(), err)
			}
			if err := validation.ValidateNonEmptyString("password", password); err != nil {
				return clierr.New(clierr.Validation, err.Error(), err)
			}

			ctx := cmd.Context()
			sess, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			lc, err := client.NewLoginClient(a.cfg.APIURL, a.httpClient)
			if err != nil {
				return clierr.New(clierr.Validation, err.Error(), err)
			}
			tokens, err := lc.Login(ctx, email, password)
			if err != nil {
				log.Error().Err(err).Str("email", email).Msg("Login failed")
				return apiFailure("Login failed", err)
			}
			if err := sess.Login(ctx, tokens); err != nil {
				return clierr.New(clierr.Internal, "Failed to store the credentials.", err)
			}

			cmd.Println("Login was successful.")
			return nil
		}),
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "Account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Account password (prompted for when omitted)")

	return cmd
}

// prompter reads answers from in, echoing prompts to out.
type prompter struct {
	in  io.Reader
	r   *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: in, r: bufio.NewReader(in), out: out}
}

// input prompts for a line of input and returns it trimmed.
func (p *prompter) input(prompt string) string {
	fmt.Fprint(p.out, prompt)
	line, err := p.r.ReadString('\n')
	if err != nil && line == "" {
		return ""
	}
	return strings.TrimSpace(line)
}

// password prompts for a password without echo when reading from a terminal.
func (p *prompter) password(prompt string) string {
	f, ok := p.in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return p.input(prompt)
	}
	fmt.Fprint(p.out, prompt)
	password, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(p.out)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read password")
		return ""
	}
	return strings.TrimSpace(string(password))
}
