package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <paths...>",
	Short: "Upload files to the selected theme",
	Long: `Upload local files to the selected theme. Supported types depend on the
backend; typical corpora are Markdown, PDF and plain text.

Example:
  themectl upload docs/*.md notes.pdf`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpload,
}

func runUpload(cmd *cobra.Command, args []string) error {
	if err := requireAuth(cmd); err != nil {
		return err
	}
	restoreWorkflow(cmd)

	for _, p := range args {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("cannot read %s: %w", p, err)
		}
	}

	files, err := app.engine.UploadFiles(cmd.Context(), args)
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Printf("  %s  %s (%d bytes)\n", f.ID, f.Filename, f.Size)
	}
	return nil
}
