package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/quizpulse/quizpulse/internal/outbox"
	"github.com/quizpulse/quizpulse/internal/ui"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and retry queued writes",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued and failed writes",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openLocalEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		items, err := env.outbox.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println(ui.Muted.Render("outbox is empty"))
			return nil
		}

		for _, item := range items {
			age := time.Since(time.UnixMilli(item.CreatedAt)).Round(time.Second)
			line := fmt.Sprintf("#%d %s %s tries=%d age=%s",
				item.ID, ui.StatusDot(item.Status), item.OpType, item.Tries, age)
			if item.Status == outbox.StatusFailed {
				line += " " + ui.Error.Render("(failed, retry with: qp outbox retry "+strconv.FormatInt(item.ID, 10)+")")
			}
			fmt.Println(line)
		}
		return nil
	},
}

var outboxFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Deliver queued writes now",
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
		stats, err := coord.Flush(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Println(ui.KV("delivered", stats.Delivered))
		fmt.Println(ui.KV("still pending", stats.Retried))
		if stats.Parked > 0 {
			fmt.Println(ui.Warning.Render(fmt.Sprintf("%d write(s) marked failed after repeated errors", stats.Parked)))
		}
		return nil
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-queue a failed write",
	Long: `Move a failed write back to pending so the next flush tries
it again. Writes fail only after their delivery attempts are used up;
retrying grants a fresh set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid outbox id %q", args[0])
		}

		env, err := openLocalEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.outbox.Retry(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("%s write #%d re-queued\n", ui.StatusDot("pending"), id)
		return nil
	},
}

func init() {
	outboxFlushCmd.Flags().StringVar(&syncUser, "user", "", "acting username (default from config)")
	outboxCmd.AddCommand(outboxListCmd, outboxFlushCmd, outboxRetryCmd)
	rootCmd.AddCommand(outboxCmd)
}
