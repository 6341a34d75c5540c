package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mlehnert/themectl/internal/api"
	"github.com/mlehnert/themectl/internal/workflow"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the workflow and active task state",
	Long: `Show where the workflow stands: selected theme, current step, stage
statuses and the active task. With --watch a live view stays attached to
the realtime channel until the task finishes.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "follow task progress live")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := requireAuth(cmd); err != nil {
		return err
	}
	restoreWorkflow(cmd)

	themeID, themeName := app.engine.Theme()
	if themeID == "" {
		fmt.Println("No theme selected. Pick one with 'themectl select <theme-id>'.")
		return nil
	}

	// Reconcile before printing so the view is not stale.
	if err := app.engine.RefreshActiveTask(cmd.Context()); err != nil {
		app.logger.Warn("task reconciliation failed", "error", err)
	}

	task := app.engine.ActiveTask()
	if statusWatch && task != nil && !task.Status.Terminal() {
		app.trk.Connect()
		return runPipelineUI(app.notifier, app.engine, app.trk, func() (*api.ProcessReport, error) {
			return nil, waitForTerminal(cmd, task.ID)
		})
	}

	fmt.Printf("Theme:  %s (%s)\n", themeName, themeID)
	fmt.Printf("Step:   %s\n", app.engine.CurrentStep())
	if task != nil {
		fmt.Printf("Task:   %s  %s  %d%%\n", task.ID, task.Status, task.Progress)
		if task.ErrorMessage != "" {
			fmt.Printf("Error:  %s\n", task.ErrorMessage)
		}
	}
	stages := app.engine.Stages()
	for _, stage := range workflow.Stages {
		fmt.Printf("  %-20s %s\n", stageLabels[stage], stages[stage])
	}
	if warning, ok := app.engine.UnloadWarning(); ok {
		fmt.Println(warning)
	}
	return nil
}

// waitForTerminal polls until the task reaches a terminal state. The live
// view on top of it is driven by the realtime channel; this is only the
// exit condition.
func waitForTerminal(cmd *cobra.Command, taskID string) error {
	ctx := cmd.Context()
	for {
		task, err := app.client.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		app.engine.ApplyTaskUpdate(*task)
		if task.Status.Terminal() {
			if task.Status == api.TaskFailed {
				return fmt.Errorf("task failed: %s", task.ErrorMessage)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
