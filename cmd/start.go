package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/okudaira/banken/internal/config"
	"github.com/okudaira/banken/internal/github"
	"github.com/okudaira/banken/internal/handler"
	"github.com/okudaira/banken/internal/organizer"
	"github.com/okudaira/banken/internal/state"
	"github.com/okudaira/banken/internal/watcher"
)

func newStartCmd() *cobra.Command {
	var (
		intervalFlag string
		workersFlag  int
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Issue監視ループを開始する",
		Long: `設定されたリポジトリのIssueとコメントのポーリング監視を開始します。
SIGINT/SIGTERMで停止しますが、実行中のサイクルはコミットまで完了します。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, intervalFlag, workersFlag)
		},
	}

	cmd.Flags().StringVarP(&intervalFlag, "interval", "i", "", "ポーリング間隔（例: 30s）")
	cmd.Flags().IntVarP(&workersFlag, "workers", "w", 0, "並列ディスパッチ数（デフォルト1=逐次）")

	return cmd
}

func runStart(cmd *cobra.Command, intervalFlag string, workersFlag int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if intervalFlag != "" {
		interval, err := time.ParseDuration(intervalFlag)
		if err != nil {
			return fmt.Errorf("invalid poll interval: %w", err)
		}
		cfg.GitHub.PollInterval = interval
	}
	if workersFlag > 0 {
		cfg.Dispatch.Workers = workersFlag
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	client, err := github.NewClient(cfg.GitHub.Token, cfg.GitHub.Owner, cfg.GitHub.Repo)
	if err != nil {
		return fmt.Errorf("failed to create GitHub client: %w", err)
	}

	store, closeStore, err := openStateStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	h, err := buildHandler(cfg, client)
	if err != nil {
		return err
	}

	w, err := watcher.New(client, h, store, appLog, watcher.Config{
		PollInterval:     cfg.GitHub.PollInterval,
		IgnoreLabels:     cfg.GitHub.IgnoreLabels,
		PhaseLabelPrefix: cfg.GitHub.PhaseLabelPrefix,
		DispatchWorkers:  cfg.Dispatch.Workers,
		DispatchTimeout:  cfg.Dispatch.Timeout,
		Retention:        cfg.State.Retention,
	})
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		appLog.Info("Signal received, shutting down")
		cancel()
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s/%s (interval: %s)\n",
		cfg.GitHub.Owner, cfg.GitHub.Repo, cfg.GitHub.PollInterval)

	return w.Run(ctx)
}

// openStateStore は設定に応じた状態ストアを開く
func openStateStore(cfg *config.Config) (state.Store, func(), error) {
	switch cfg.State.Backend {
	case "sqlite":
		s, err := state.NewSQLiteStore(cfg.State.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite state store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return state.NewFileStore(afero.NewOsFs(), cfg.State.Path), func() {}, nil
	}
}

// buildHandler は設定からハンドラチェーンを組み立てる
func buildHandler(cfg *config.Config, client github.GitHubClient) (watcher.Handler, error) {
	org := organizer.New(afero.NewOsFs(), cfg.Workspace.Root)
	commentHandler := handler.NewCommentHandler(client, org, cfg.GitHub.PhaseLabelPrefix, appLog)

	if cfg.Dispatch.Command == "" {
		return commentHandler, nil
	}

	execHandler, err := handler.NewExecHandler(cfg.Dispatch.Command, cfg.Dispatch.Args, appLog)
	if err != nil {
		return nil, fmt.Errorf("failed to create exec handler: %w", err)
	}
	return handler.NewChain(commentHandler, execHandler), nil
}
