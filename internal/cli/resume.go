package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mlehnert/themectl/internal/api"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [task-id]",
	Short: "Resume a paused task",
	Long: `Resume a paused pipeline task. Without an argument the active task of
the selected theme is resumed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
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
		return fmt.Errorf("no task to resume")
	}

	task, err := app.client.ResumeTask(cmd.Context(), taskID)
	if err != nil {
		return fmt.Errorf("resume task: %w", err)
	}
	app.engine.ApplyTaskUpdate(*task)
	fmt.Printf("Task %s resumed (%s)\n", task.ID, task.Status)

	if task.Status == api.TaskInProgress || task.Status == api.TaskPending {
		app.trk.Connect()
		return runPipelineUI(app.notifier, app.engine, app.trk, func() (*api.ProcessReport, error) {
			return nil, waitForTerminal(cmd, task.ID)
		})
	}
	return nil
}
