package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quizpulse/quizpulse/internal/config"
	"github.com/quizpulse/quizpulse/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the qp configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("%s wrote %s\n", ui.StatusDot("ok"), path)
		fmt.Println(ui.Muted.Render("edit it to set your username and server URL"))
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(ui.Header.Render("effective configuration"))
		fmt.Println(ui.KV("username", cfg.Username))
		fmt.Println(ui.KV("server_url", cfg.ServerURL))
		fmt.Println(ui.KV("data_dir", cfg.DataDir))
		fmt.Println(ui.KV("drop_dir", cfg.DropDir))
		fmt.Println(ui.KV("legacy_dir", cfg.LegacyDir))
		fmt.Println(ui.KV("server.listen", cfg.Server.Listen))
		fmt.Println(ui.KV("server.redis_url", cfg.Server.RedisURL))
		fmt.Println(ui.KV("server.db_path", cfg.Server.DBPath))
		fmt.Println(ui.KV("server.presence_ttl", cfg.Server.PresenceTTL))
		fmt.Println(ui.KV("log.file", cfg.Log.File))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
