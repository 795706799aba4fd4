package main

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/quizpulse/quizpulse/internal/identity"
	"github.com/quizpulse/quizpulse/internal/syncd"
	"github.com/quizpulse/quizpulse/internal/ui"
)

var claimsUser string

var claimsCmd = &cobra.Command{
	Use:   "claims",
	Short: "Resolve answers owned by unknown usernames",
	Long: `Answers sometimes end up under a username nobody registered,
usually after a rename or a typo. A teacher opens a claim round naming
the students who might own the data; each candidate answers yes or no,
and the round resolves to a merge, a confirmed orphan, or a conflict
for the teacher to untangle.`,
}

var claimsOrphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "List usernames that own answers but have no account",
	RunE: func(cmd *cobra.Command, args []string) error {
		orphans, err := brokerClient().Orphans(cmd.Context())
		if err != nil {
			return err
		}
		if len(orphans) == 0 {
			fmt.Println(ui.Muted.Render("no orphaned usernames"))
			return nil
		}
		for _, o := range orphans {
			fmt.Println(ui.Warning.Render(o))
		}
		return nil
	},
}

var claimsCreateCmd = &cobra.Command{
	Use:   "create <orphan> <candidate>...",
	Short: "Open a claim round for an orphaned username (teacher only)",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		teacher, err := requireUsername(claimsUser)
		if err != nil {
			return err
		}

		claims, err := brokerClient().CreateClaims(cmd.Context(), args[0], args[1:], teacher)
		if err != nil {
			return err
		}
		fmt.Printf("%s opened %d claim(s) for %s\n",
			ui.StatusDot("ok"), len(claims), ui.Title.Render(args[0]))
		return nil
	},
}

var claimsRespondCmd = &cobra.Command{
	Use:   "respond",
	Short: "Answer your pending claims",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, err := requireUsername(claimsUser)
		if err != nil {
			return err
		}
		client := brokerClient()
		ctx := cmd.Context()

		pending, err := client.PendingClaims(ctx, username)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println(ui.Muted.Render("no claims waiting for you"))
			return nil
		}

		for _, claim := range pending {
			var isMine bool
			form := huh.NewForm(huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("Is the data under %q yours?", claim.Orphan)).
					Description("Answering yes merges those answers into your account if no one else claims them.").
					Affirmative("Yes, that's me").
					Negative("No").
					Value(&isMine),
			))
			if err := form.Run(); err != nil {
				return err
			}

			response := identity.ResponseNo
			if isMine {
				response = identity.ResponseYes
			}
			if err := client.RespondClaim(ctx, claim.ID, username, response); err != nil {
				return err
			}
			fmt.Printf("%s recorded %s for %s\n", ui.StatusDot("ok"), response, claim.Orphan)
		}
		return nil
	},
}

var claimsResolveCmd = &cobra.Command{
	Use:   "resolve <orphan>",
	Short: "Evaluate a claim round",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := brokerClient().ResolveClaim(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Println(ui.KV("orphan", res.Orphan))
		fmt.Println(ui.KV("status", string(res.Status)))
		switch res.Status {
		case identity.StatusAutoMerged:
			fmt.Printf("%s merged %d answer(s) into %s\n",
				ui.StatusDot("ok"), res.Moved, ui.Title.Render(res.MergedInto))
		case identity.StatusConflict:
			fmt.Println(ui.Error.Render(fmt.Sprintf("claimed by %v; a teacher must decide", res.Claimants)))
		case identity.StatusWaiting:
			fmt.Println(ui.Muted.Render("still waiting for responses"))
		}
		return nil
	},
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Show claim notifications for a teacher",
	RunE: func(cmd *cobra.Command, args []string) error {
		teacher, err := requireUsername(claimsUser)
		if err != nil {
			return err
		}
		client := brokerClient()
		ctx := cmd.Context()

		notes, err := client.Notifications(ctx, teacher)
		if err != nil {
			return err
		}
		if len(notes) == 0 {
			fmt.Println(ui.Muted.Render("no notifications"))
			return nil
		}
		for _, n := range notes {
			marker := ui.StatusDot("pending")
			if n.Read {
				marker = ui.StatusDot("")
			}
			fmt.Printf("%s %s\n", marker, n.Message)
			if !n.Read {
				if err := client.MarkNotificationRead(ctx, n.ID); err != nil {
					return err
				}
			}
		}
		return nil
	},
}

var registerRole string

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this username with the broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, err := requireUsername(claimsUser)
		if err != nil {
			return err
		}
		if err := brokerClient().RegisterAccount(cmd.Context(), username, registerRole); err != nil {
			return err
		}
		fmt.Printf("%s registered %s as %s\n", ui.StatusDot("ok"), ui.Title.Render(username), registerRole)
		return nil
	},
}

func brokerClient() *syncd.RESTClient {
	return syncd.NewRESTClient(cfg.ServerURL)
}

func init() {
	for _, c := range []*cobra.Command{claimsCreateCmd, claimsRespondCmd, notificationsCmd, registerCmd} {
		c.Flags().StringVar(&claimsUser, "user", "", "acting username (default from config)")
	}
	registerCmd.Flags().StringVar(&registerRole, "role", "student", "account role (student or teacher)")
	claimsCmd.AddCommand(claimsOrphansCmd, claimsCreateCmd, claimsRespondCmd, claimsResolveCmd)
	rootCmd.AddCommand(claimsCmd, notificationsCmd, registerCmd)
}
