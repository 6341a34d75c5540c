package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the authenticated user",
	RunE: func(cmd *cobra.Command, args []string) error {
		me, err := app.client.Me(cmd.Context())
		if err != nil {
			return fmt.Errorf("verify session: %w", err)
		}
		if !me.Authenticated {
			fmt.Println("Not logged in")
			return nil
		}
		fmt.Printf("%s (%s)\n", me.Username, me.UserID)
		return nil
	},
}
