// qp is the quizpulse CLI: the broker (qp serve), the client sync
// session (qp sync), and the maintenance commands for migration,
// outbox, recovery packs and identity claims.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quizpulse/quizpulse/internal/config"
	"github.com/quizpulse/quizpulse/internal/logging"
	"github.com/quizpulse/quizpulse/internal/outbox"
	"github.com/quizpulse/quizpulse/internal/store"
)

var (
	configPath string
	cfg        config.Config
	sink       *logging.Sink
)

var rootCmd = &cobra.Command{
	Use:   "qp",
	Short: "Offline-first quiz answer synchronization",
	Long: `quizpulse keeps a classroom's quiz answers in sync.

Every answer is written locally first, then pushed to the broker when
it is reachable. Writes made offline queue in a durable outbox and
flush on reconnect. Conflicts resolve deterministically on both sides.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		sink, err = logging.NewSink(cfg.Log)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if sink != nil {
			sink.Close()
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.quizpulse/config.yaml)")
}

// localEnv is the client-side stack shared by the sync, outbox,
// migrate and recovery commands.
type localEnv struct {
	sqlite *store.SQLiteStore
	kv     *store.KVFileStore
	dual   *store.DualWriter
	outbox *outbox.Outbox
}

// openLocalEnv opens the layered local storage: SQLite primary, JSON
// file fallback, outbox on the SQLite handle.
func openLocalEnv() (*localEnv, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	sqlite, err := store.OpenSQLite(filepath.Join(cfg.DataDir, "local.db"))
	if err != nil {
		return nil, err
	}
	kv, err := store.OpenKVFile(filepath.Join(cfg.DataDir, "fallback"))
	if err != nil {
		sqlite.Close()
		return nil, err
	}

	ob, err := outbox.New(sqlite.RawDB(), sink.New("outbox"))
	if err != nil {
		sqlite.Close()
		return nil, err
	}

	return &localEnv{
		sqlite: sqlite,
		kv:     kv,
		dual:   store.NewDualWriter(sqlite, kv, sink.New("store")),
		outbox: ob,
	}, nil
}

func (e *localEnv) Close() {
	e.sqlite.Close()
}

// requireUsername resolves the acting username from the flag or config.
func requireUsername(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if cfg.Username != "" {
		return cfg.Username, nil
	}
	return "", fmt.Errorf("no username: set --user or username in the config")
}
