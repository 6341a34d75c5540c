package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mlehnert/themectl/internal/api"
	"github.com/mlehnert/themectl/internal/workflow"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run the ingestion pipeline on the uploaded files",
	Long: `Run the full pipeline for the selected theme: ingestion, chunking,
embedding generation and vector storage. Progress is streamed over the
realtime channel; Ctrl+C detaches while the server keeps working.`,
	RunE: runProcess,
}

func runProcess(cmd *cobra.Command, args []string) error {
	if err := requireAuth(cmd); err != nil {
		return err
	}
	restoreWorkflow(cmd)

	if err := app.engine.NavigateToStep(cmd.Context(), workflow.StepProcess, true); err != nil {
		return err
	}
	app.trk.Connect()

	return runPipelineUI(app.notifier, app.engine, app.trk, func() (*api.ProcessReport, error) {
		return app.engine.StartFileProcessing(context.Background())
	})
}
