package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/okudaira/banken/internal/config"
	"github.com/okudaira/banken/internal/logger"
	"github.com/okudaira/banken/internal/version"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	rootCmd *cobra.Command
	appLog  logger.Logger
)

func init() {
	rootCmd = NewRootCmd()
}

// NewRootCmd は全サブコマンドを持つrootコマンドを作成する
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "banken",
		Short: "GitHub Issueを監視して自動処理をディスパッチする番犬",
		Long: `bankenはGitHubリポジトリのIssueとコメントをポーリングで監視し、
フェーズ分類に応じた下流処理（コメント投稿・ラベル付与・外部CLI実行）を
各アイテムにつき最大1回だけディスパッチするボットです。`,
		Version: version.Get().Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				os.Setenv("DEBUG", "true")
			}
			var err error
			appLog, err = logger.NewFromEnv()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "設定ファイルのパス")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "詳細出力")

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newReprocessCmd())

	return cmd
}

// Execute はrootコマンドを実行する
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig は設定ファイルと環境変数から設定を組み立てる
func loadConfig() (*config.Config, error) {
	cfg := config.NewConfig()

	path := cfgFile
	if path == "" {
		path = defaultConfigPath()
	}
	if path != "" {
		cfg.LoadOrDefault(path)
	}

	// 環境変数のトークンは設定ファイルより優先する
	if token := os.Getenv("BANKEN_GITHUB_TOKEN"); token != "" {
		cfg.GitHub.Token = token
	} else if token := os.Getenv("GITHUB_TOKEN"); token != "" && cfg.GitHub.Token == "" {
		cfg.GitHub.Token = token
	}

	return cfg, nil
}

func defaultConfigPath() string {
	if _, err := os.Stat("banken.yml"); err == nil {
		return "banken.yml"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "banken", "banken.yml")
}
