package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	themeDescription string
	themePublic      bool
	themeForce       bool
)

var themesCmd = &cobra.Command{
	Use:   "themes",
	Short: "List, create or delete themes",
	Long: `Manage themes, the document collections the pipeline ingests into.

Examples:
  themectl themes
  themectl themes create "Networking" -d "RFCs and internal docs"
  themectl themes delete 42 --force`,
	RunE: runThemesList,
}

var themesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List themes",
	RunE:  runThemesList,
}

var themesCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a theme and start the ingestion workflow",
	Args:  cobra.ExactArgs(1),
	RunE:  runThemesCreate,
}

var themesDeleteCmd = &cobra.Command{
	Use:   "delete <theme-id>",
	Short: "Delete a theme and its files",
	Args:  cobra.ExactArgs(1),
	RunE:  runThemesDelete,
}

func init() {
	themesCreateCmd.Flags().StringVarP(&themeDescription, "description", "d", "", "theme description")
	themesCreateCmd.Flags().BoolVar(&themePublic, "public", false, "make the theme visible to other users")
	themesDeleteCmd.Flags().BoolVar(&themeForce, "force", false, "skip the confirmation prompt")

	themesCmd.AddCommand(themesListCmd)
	themesCmd.AddCommand(themesCreateCmd)
	themesCmd.AddCommand(themesDeleteCmd)
}

func runThemesList(cmd *cobra.Command, args []string) error {
	if err := requireAuth(cmd); err != nil {
		return err
	}
	themes, err := app.client.ListThemes(cmd.Context())
	if err != nil {
		return fmt.Errorf("list themes: %w", err)
	}
	if len(themes) == 0 {
		fmt.Println("No themes yet. Create one with 'themectl themes create <name>'.")
		return nil
	}
	for _, t := range themes {
		vis := "private"
		if t.IsPublic {
			vis = "public"
		}
		fmt.Printf("%-36s  %-8s  %s\n", t.ID, vis, t.Name)
	}
	return nil
}

func runThemesCreate(cmd *cobra.Command, args []string) error {
	if err := requireAuth(cmd); err != nil {
		return err
	}
	id, err := app.engine.CreateTheme(cmd.Context(), args[0], themeDescription, themePublic)
	if err != nil {
		return err
	}
	fmt.Printf("Theme %s created and selected. Upload files with 'themectl upload <paths...>'.\n", id)
	return nil
}

func runThemesDelete(cmd *cobra.Command, args []string) error {
	if err := requireAuth(cmd); err != nil {
		return err
	}
	id := args[0]
	if !themeForce {
		fmt.Printf("Delete theme %s and all its files? [y/N] ", id)
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("Aborted")
			return nil
		}
	}
	restoreWorkflow(cmd)
	if err := app.engine.DeleteTheme(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Printf("Theme %s deleted\n", id)
	return nil
}
