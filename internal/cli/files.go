package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mlehnert/themectl/internal/workflow"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List or remove uploaded files for the selected theme",
	RunE:  runFilesList,
}

var filesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List uploaded files",
	RunE:  runFilesList,
}

var filesDeleteCmd = &cobra.Command{
	Use:   "delete <file-id>",
	Short: "Remove an uploaded file",
	Args:  cobra.ExactArgs(1),
	RunE:  runFilesDelete,
}

func init() {
	filesCmd.AddCommand(filesListCmd)
	filesCmd.AddCommand(filesDeleteCmd)
}

func runFilesList(cmd *cobra.Command, args []string) error {
	if err := requireAuth(cmd); err != nil {
		return err
	}
	restoreWorkflow(cmd)

	if err := app.engine.NavigateToStep(cmd.Context(), workflow.StepFiles, true); err != nil {
		return err
	}
	files := app.engine.UploadedFiles()
	if len(files) == 0 {
		fmt.Println("No files uploaded yet. Add some with 'themectl upload <paths...>'.")
		return nil
	}
	for _, f := range files {
		fmt.Printf("%-36s  %-10s  %8d  %s\n", f.ID, f.Type, f.Size, f.Filename)
	}
	return nil
}

func runFilesDelete(cmd *cobra.Command, args []string) error {
	if err := requireAuth(cmd); err != nil {
		return err
	}
	restoreWorkflow(cmd)

	if err := app.client.DeleteFile(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	app.engine.RemoveUploadedFile(args[0])
	fmt.Printf("File %s removed\n", args[0])
	return nil
}
