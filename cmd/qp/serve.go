package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quizpulse/quizpulse/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the quizpulse broker",
	Long: `Run the broker: the WebSocket hub, the REST API and the
durable answer store that clients sync against.

Redis, when configured, serves delta reads; the broker stays up
without it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, err := server.New(server.Config{
			Addr:        cfg.Server.Listen,
			PresenceTTL: cfg.Server.PresenceTTL,
			RedisURL:    cfg.Server.RedisURL,
			DBPath:      cfg.Server.DBPath,
			Logger:      sink.New("server"),
		})
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return err
		}
		fmt.Printf("broker listening on %s\n", srv.Addr())

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		return srv.Stop()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
