package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var selectCmd = &cobra.Command{
	Use:   "select <theme-id>",
	Short: "Select a theme and resume its workflow",
	Long: `Select a theme as the active workflow target. If the backend reports a
task in flight for the theme, the workflow jumps to the step the task is
on instead of starting over.`,
	Args: cobra.ExactArgs(1),
	RunE: runSelect,
}

func runSelect(cmd *cobra.Command, args []string) error {
	if err := requireAuth(cmd); err != nil {
		return err
	}
	id := args[0]

	themes, err := app.client.ListThemes(cmd.Context())
	if err != nil {
		return fmt.Errorf("list themes: %w", err)
	}
	name := ""
	for _, t := range themes {
		if t.ID == id {
			name = t.Name
			break
		}
	}
	if name == "" {
		return fmt.Errorf("theme %s not found", id)
	}

	if err := app.engine.SelectTheme(cmd.Context(), id, name); err != nil {
		return err
	}
	fmt.Printf("Selected theme %q, now on step %s\n", name, app.engine.CurrentStep())
	return nil
}
