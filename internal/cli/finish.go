package cli

import (
	"github.com/spf13/cobra"
)

var finishCmd = &cobra.Command{
	Use:   "finish",
	Short: "Finalize the selected theme after processing",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireAuth(cmd); err != nil {
			return err
		}
		restoreWorkflow(cmd)
		return app.engine.Finish(cmd.Context())
	},
}
