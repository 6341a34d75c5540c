package cli

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mlehnert/themectl/internal/api"
)

var (
	loginUsername string
	loginPassword string
	loginRemember bool
	loginSession  bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate against the backend",
	Long: `Authenticate and store the resulting credential.

By default a bearer token is requested and kept in memory for the process
lifetime. With --remember the credential is written to the state directory
so later invocations reuse it. With --session a cookie session is
established instead of a bearer token.

Examples:
  themectl login -u alice
  themectl login -u alice --remember
  themectl login -u alice --session`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "username")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "password (prompted when omitted)")
	loginCmd.Flags().BoolVar(&loginRemember, "remember", false, "persist the credential across invocations")
	loginCmd.Flags().BoolVar(&loginSession, "session", false, "use a cookie session instead of a bearer token")
}

func runLogin(cmd *cobra.Command, args []string) error {
	if loginUsername == "" {
		return fmt.Errorf("username required (use -u)")
	}
	password := loginPassword
	if password == "" {
		fmt.Fprintf(os.Stderr, "Password for %s: ", loginUsername)
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = string(raw)
	}

	req := api.LoginRequest{Username: loginUsername, Password: password}

	if loginSession {
		resp, err := app.client.Login(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		app.mgr.StoreSessionCredential(resp)
		fmt.Printf("Logged in as %s (cookie session)\n", resp.Username)
		return nil
	}

	resp, err := app.client.Token(cmd.Context(), req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	app.mgr.StoreCredential(resp, loginRemember)
	if resp.ExpiresAt != nil {
		fmt.Printf("Logged in as %s, token valid until %s\n",
			resp.Username, resp.ExpiresAt.Local().Format("2006-01-02 15:04"))
	} else {
		fmt.Printf("Logged in as %s\n", resp.Username)
	}
	return nil
}
