package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quizpulse/quizpulse/internal/store"
	"github.com/quizpulse/quizpulse/internal/ui"
)

var migrateLegacyDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the legacy flat-file layout into local storage",
	Long: `Copy records from the old flat-file layout (answers_<user>,
reasons_<user>, ...) into the per-store layout. Safe to run repeatedly:
keys that already exist are left alone, and records that fail to decode
are skipped with a warning instead of aborting the run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := migrateLegacyDir
		if dir == "" {
			dir = cfg.LegacyDir
		}
		if dir == "" {
			return fmt.Errorf("no legacy directory: set --from or legacy_dir in the config")
		}
		if _, err := os.Stat(dir); err != nil {
			return fmt.Errorf("legacy directory %s not found", dir)
		}

		env, err := openLocalEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		legacy, err := store.OpenKVFile(dir)
		if err != nil {
			return err
		}

		stats, err := store.NewMigrator(legacy, env.dual, sink.New("migrate")).Run(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Println(ui.Header.Render("migration complete"))
		fmt.Println(ui.KV("copied", stats.Copied))
		fmt.Println(ui.KV("already present", stats.Skipped))
		if stats.Failed > 0 {
			fmt.Println(ui.Warning.Render(fmt.Sprintf("skipped %d unreadable record(s), see log", stats.Failed)))
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateLegacyDir, "from", "", "legacy data directory")
	rootCmd.AddCommand(migrateCmd)
}
