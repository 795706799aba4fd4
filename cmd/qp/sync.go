package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quizpulse/quizpulse/internal/record"
	"github.com/quizpulse/quizpulse/internal/recovery"
	"github.com/quizpulse/quizpulse/internal/syncd"
	"github.com/quizpulse/quizpulse/internal/ui"
)

var syncUser string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a live sync session against the broker",
	Long: `Connect to the broker and keep the local data in sync until
interrupted: answers push as they arrive, peer answers stream in, the
outbox flushes on every reconnect, and recovery packs dropped into the
drop directory import automatically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		username, err := requireUsername(syncUser)
		if err != nil {
			return err
		}

		env, err := openLocalEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		coord, err := newCoordinator(env, username)
		if err != nil {
			return err
		}

		if cfg.DropDir != "" {
			if err := os.MkdirAll(cfg.DropDir, 0o755); err != nil {
				return err
			}
			watcher, err := recovery.NewWatcher(cfg.DropDir, env.dual, sink.New("recovery"))
			if err != nil {
				return err
			}
			watcher.Start()
			defer watcher.Close()
		}

		if err := coord.Connect(cmd.Context()); err != nil {
			fmt.Printf("%s broker unreachable, retrying in the background\n", ui.StatusDot("reconnecting"))
		} else {
			fmt.Printf("%s connected as %s\n", ui.StatusDot("connected"), ui.Title.Render(username))
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		coord.Disconnect()
		return nil
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer <question-id> <value>",
	Short: "Record an answer and push it to the broker",
	Long: `Record an answer locally and deliver it to the broker. When
the broker is unreachable the answer queues in the outbox and is
delivered on the next sync.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		username, err := requireUsername(syncUser)
		if err != nil {
			return err
		}

		env, err := openLocalEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		coord, err := newCoordinator(env, username)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		// One-shot: try to reach the broker directly; a failure just
		// means the outbox carries it.
		if err := coord.PushAnswer(ctx, args[0], args[1]); err != nil {
			return err
		}
		if _, err := coord.Flush(ctx); err != nil {
			fmt.Printf("%s queued for later delivery\n", ui.StatusDot("pending"))
			return nil
		}

		pending, _ := env.outbox.Pending(ctx)
		if pending > 0 {
			fmt.Printf("%s recorded, %d write(s) waiting for the broker\n", ui.StatusDot("pending"), pending)
		} else {
			fmt.Printf("%s answer delivered\n", ui.StatusDot("ok"))
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, err := requireUsername(syncUser)
		if err != nil {
			return err
		}

		env, err := openLocalEnv()
		if err != nil {
			return err
		}
		defer env.Close()
		ctx := cmd.Context()

		pending, err := env.outbox.Pending(ctx)
		if err != nil {
			return err
		}
		answers, err := env.dual.GetAllForUser(ctx, record.StoreAnswers, username)
		if err != nil {
			return err
		}

		cursor := "none"
		if raw, _ := env.dual.Get(ctx, record.StoreSettings, record.Key(username, record.SettingSyncCursor)); raw != nil {
			var s string
			if json.Unmarshal(raw, &s) == nil {
				cursor = s
			}
		}

		fmt.Println(ui.Header.Render("quizpulse status"))
		fmt.Println(ui.KV("user", username))
		fmt.Println(ui.KV("server", cfg.ServerURL))
		fmt.Println(ui.KV("answers", len(answers)))
		fmt.Println(ui.KV("outbox pending", pending))
		fmt.Println(ui.KV("sync cursor", cursor))
		return nil
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Show the cached peer answers",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, err := requireUsername(syncUser)
		if err != nil {
			return err
		}

		env, err := openLocalEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		rows, err := env.sqlite.GetAll(cmd.Context(), record.StorePeerAnswers)
		if err != nil {
			return err
		}

		keys := make([]string, 0, len(rows))
		for key := range rows {
			if !record.OwnedBy(key, username) {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)

		if len(keys) == 0 {
			fmt.Println(ui.Muted.Render("no peer answers cached yet"))
			return nil
		}
		for _, key := range keys {
			peer, question := record.SplitKey(key)
			a, err := record.NormalizeAnswer(rows[key], 0)
			if err != nil {
				continue
			}
			fmt.Printf("%s %s: %s\n", ui.Muted.Render(peer), question, a.Value)
		}
		return nil
	},
}

// newCoordinator wires the sync coordinator over the local env.
func newCoordinator(env *localEnv, username string) (*syncd.Coordinator, error) {
	return syncd.New(syncd.Options{
		Username:  username,
		ServerURL: cfg.ServerURL,
		Store:     env.dual,
		Outbox:    env.outbox,
		REST:      syncd.NewRESTClient(cfg.ServerURL),
		Logger:    sink.New("syncd"),
	})
}

func init() {
	for _, c := range []*cobra.Command{syncCmd, answerCmd, statusCmd, peersCmd} {
		c.Flags().StringVar(&syncUser, "user", "", "acting username (default from config)")
	}
	rootCmd.AddCommand(syncCmd, answerCmd, statusCmd, peersCmd)
}
