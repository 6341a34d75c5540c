package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session and discard stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		app.mgr.HandleSessionExpiration("logout")
		fmt.Println("Logged out")
		return nil
	},
}
