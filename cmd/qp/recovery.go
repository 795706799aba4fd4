package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quizpulse/quizpulse/internal/recovery"
	"github.com/quizpulse/quizpulse/internal/ui"
)

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Export and import recovery packs",
	Long: `A recovery pack is one JSON file carrying a user's answers,
reasons, attempts, badges and progress, protected by a checksum.
Packs move data between devices: export on one machine, import (or
drop into the watched directory) on another. Imports merge; they never
downgrade newer local data.`,
}

var recoveryExportCmd = &cobra.Command{
	Use:   "export [dir]",
	Short: "Write a recovery pack for the current user",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username, err := requireUsername(syncUser)
		if err != nil {
			return err
		}

		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}

		env, err := openLocalEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		path, err := recovery.WriteFile(cmd.Context(), env.dual, username, dir)
		if err != nil {
			return err
		}
		fmt.Printf("%s wrote %s\n", ui.StatusDot("ok"), path)
		return nil
	},
}

var recoveryImportCmd = &cobra.Command{
	Use:   "import <pack.json>",
	Short: "Import a recovery pack",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openLocalEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		pack, err := recovery.ReadFile(args[0])
		if err != nil {
			return err
		}
		stats, err := recovery.Import(cmd.Context(), env.dual, pack)
		if err != nil {
			return err
		}

		fmt.Printf("%s merged %d record(s) for %s\n",
			ui.StatusDot("ok"), stats.Merged, ui.Title.Render(pack.Manifest.Username))
		if stats.Failed > 0 {
			fmt.Println(ui.Warning.Render(fmt.Sprintf("%d record(s) could not be applied, see log", stats.Failed)))
		}
		return nil
	},
}

func init() {
	recoveryExportCmd.Flags().StringVar(&syncUser, "user", "", "acting username (default from config)")
	recoveryCmd.AddCommand(recoveryExportCmd, recoveryImportCmd)
	rootCmd.AddCommand(recoveryCmd)
}
