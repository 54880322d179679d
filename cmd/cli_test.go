package cmd

import (
	"bytes"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/habedi/trackr/internal/apitest"
	"github.com/habedi/trackr/pkg/clierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI executes a fresh root command against the given state directory and
// returns what it printed.
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := createRootCmd()
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// cli returns a runner bound to srv and a temporary state directory.
func cli(t *testing.T, srv *apitest.Server) func(args ...string) (string, error) {
	t.Helper()
	t.Setenv("TRACKR_REDIS_URL", "")
	dir := t.TempDir()
	return func(args ...string) (string, error) {
		return runCLI(t, "", append(args, "--api-url", srv.URL, "--state-dir", dir, "--log-level", "disabled")...)
	}
}

func login(t *testing.T, run func(args ...string) (string, error)) {
	t.Helper()
	out, err := run("login", "--email", apitest.Email, "--password", apitest.Password)
	require.NoError(t, err)
	require.Contains(t, out, "Login was successful.")
}

func TestCreateRootCmd(t *testing.T) {
	rootCmd := createRootCmd()
	assert.Equal(t, "trackr", rootCmd.Use)

	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
		assert.NotEqual(t, "help", c.Use, "default help command should be replaced")
	}
	for _, want := range []string{"login", "logout", "status", "refresh", "me", "tickets", "priorities", "request", "watch", "version"} {
		assert.True(t, names[want], "missing subcommand %q", want)
	}
}

func TestLogin_PromptsForMissingValues(t *testing.T) {
	srv := apitest.NewServer(t)
	t.Setenv("TRACKR_REDIS_URL", "")
	dir := t.TempDir()

	out, err := runCLI(t, apitest.Email+"\n"+apitest.Password+"\n",
		"login", "--api-url", srv.URL, "--state-dir", dir, "--log-level", "disabled")
	require.NoError(t, err)
	assert.Contains(t, out, "Email: ")
	assert.Contains(t, out, "Password: ")
	assert.Contains(t, out, "Login was successful.")
}

func TestLogin_WrongPassword(t *testing.T) {
	run := cli(t, apitest.NewServer(t))
	_, err := run("login", "--email", apitest.Email, "--password", "nope")
	require.Error(t, err)
	assert.Equal(t, clierr.ExitAuth, clierr.ExitCode(err))
}

func TestLogin_InvalidEmail(t *testing.T) {
	run := cli(t, apitest.NewServer(t))
	_, err := run("login", "--email", "not-an-email", "--password", "x")
	require.Error(t, err)
	assert.Equal(t, clierr.ExitValidation, clierr.ExitCode(err))
}

func TestStatus_BeforeAndAfterLogin(t *testing.T) {
	run := cli(t, apitest.NewServer(t))

	out, err := run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "Authenticated: no")
	assert.Contains(t, out, "Refresh token: absent")

	login(t, run)

	out, err = run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "Authenticated: yes")
	assert.Contains(t, out, "User: Ada <"+apitest.Email+">")
	assert.Contains(t, out, "Role: MANAGER")
	assert.Contains(t, out, "Refresh token: present")
}

func TestMe_RefreshesExpiredToken(t *testing.T) {
	srv := apitest.NewServer(t)
	run := cli(t, srv)
	login(t, run)

	srv.ExpireAccessTokens()
	out, err := run("me")
	require.NoError(t, err)
	assert.Contains(t, out, "Name: Ada")
	assert.Contains(t, out, "Roles: MANAGER")
	assert.Equal(t, 1, srv.RefreshCount())

	// The refreshed token was persisted, so the next run needs no refresh.
	_, err = run("me")
	require.NoError(t, err)
	assert.Equal(t, 1, srv.RefreshCount())
}

func TestMe_NotLoggedIn(t *testing.T) {
	run := cli(t, apitest.NewServer(t))
	_, err := run("me")
	require.Error(t, err)
	assert.Equal(t, clierr.ExitAuth, clierr.ExitCode(err))
}

func TestRefresh_RejectedClearsSession(t *testing.T) {
	srv := apitest.NewServer(t)
	run := cli(t, srv)
	login(t, run)

	srv.FailRefreshes(401)
	_, err := run("refresh")
	require.Error(t, err)
	assert.Equal(t, clierr.ExitAuth, clierr.ExitCode(err))

	out, err := run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "Authenticated: no")
}

func TestRefresh_Succeeds(t *testing.T) {
	srv := apitest.NewServer(t)
	run := cli(t, srv)
	login(t, run)

	out, err := run("refresh")
	require.NoError(t, err)
	assert.Contains(t, out, "Access token refreshed.")
	assert.Equal(t, 1, srv.RefreshCount())
}

func TestLogout_ClearsCredentials(t *testing.T) {
	srv := apitest.NewServer(t)
	run := cli(t, srv)
	login(t, run)

	out, err := run("logout")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged out.")
	assert.Len(t, srv.Requests("/api/auth/logout"), 1)

	out, err = run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "Authenticated: no")
	assert.Contains(t, out, "Refresh token: absent")
}

func TestExecuteFailure_ExitCode(t *testing.T) {
	if dir := os.Getenv("TEST_EXECUTE_FAILURE_DIR"); dir != "" {
		os.Args = []string{"trackr", "tickets", "show", "abc", "--state-dir", dir, "--log-level", "disabled"}
		Execute()
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestExecuteFailure_ExitCode")
	cmd.Env = append(os.Environ(), "TEST_EXECUTE_FAILURE_DIR="+t.TempDir(), "TRACKR_REDIS_URL=")
	err := cmd.Run()
	exitError, ok := err.(*exec.ExitError)
	require.True(t, ok, "expected an exit error, got %v", err)
	assert.Equal(t, clierr.ExitValidation, exitError.ExitCode())
}
