package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/okudaira/banken/internal/github"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "監視状態とレート制限を表示する",
		RunE:  runStatus,
	}
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, closeStore, err := openStateStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	st, err := store.Load()
	if err != nil {
		color.Yellow("warning: state store unreadable, showing empty state: %v", err)
	}

	bold := color.New(color.Bold)
	out := cmd.OutOrStdout()

	bold.Fprintf(out, "Repository: ")
	fmt.Fprintf(out, "%s/%s\n", cfg.GitHub.Owner, cfg.GitHub.Repo)

	bold.Fprintf(out, "Cursor:     ")
	if st.Cursor.LastCheckedAt.IsZero() {
		color.New(color.FgYellow).Fprintln(out, "(never polled)")
	} else {
		fmt.Fprintln(out, st.Cursor.LastCheckedAt.Format(time.RFC3339))
	}

	bold.Fprintf(out, "Processed:  ")
	fmt.Fprintf(out, "%d items\n", len(st.Processed))

	// トークンがあればレート制限も表示する
	if cfg.GitHub.Token != "" && cfg.GitHub.Owner != "" && cfg.GitHub.Repo != "" {
		client, err := github.NewClient(cfg.GitHub.Token, cfg.GitHub.Owner, cfg.GitHub.Repo)
		if err == nil {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if limits, err := client.GetRateLimit(ctx); err == nil && limits.Core != nil {
				bold.Fprintf(out, "Rate limit: ")
				remaining := limits.Core.Remaining
				text := fmt.Sprintf("%d/%d (resets %s)\n",
					remaining, limits.Core.Limit, limits.Core.Reset.Format(time.RFC3339))
				if remaining < 100 {
					color.New(color.FgRed).Fprint(out, text)
				} else {
					fmt.Fprint(out, text)
				}
			}
		}
	}

	return nil
}
