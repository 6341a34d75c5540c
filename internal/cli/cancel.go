package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a running task",
	Long: `Cancel a pipeline task on the server. Without an argument the active
task of the selected theme is cancelled. A cancelled task cannot be
resumed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	if err := requireAuth(cmd); err != nil {
		return err
	}
	restoreWorkflow(cmd)

	taskID := ""
	if len(args) == 1 {
		taskID = args[0]
	} else if task := app.engine.ActiveTask(); task != nil {
		taskID = task.ID
	}
	if taskID == "" {
		return fmt.Errorf("no task to cancel")
	}

	task, err := app.client.CancelTask(cmd.Context(), taskID)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	app.engine.ApplyTaskUpdate(*task)
	fmt.Printf("Task %s cancelled (%s)\n", task.ID, task.Status)
	return nil
}
