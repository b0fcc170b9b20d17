package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// defaultConfig は `banken init` が書き出す設定のテンプレート
type defaultConfig struct {
	GitHub struct {
		Owner            string   `yaml:"owner"`
		Repo             string   `yaml:"repo"`
		PollInterval     string   `yaml:"poll_interval"`
		IgnoreLabels     []string `yaml:"ignore_labels"`
		PhaseLabelPrefix string   `yaml:"phase_label_prefix"`
	} `yaml:"github"`
	State struct {
		Backend   string `yaml:"backend"`
		Path      string `yaml:"path"`
		Retention string `yaml:"retention"`
	} `yaml:"state"`
	Dispatch struct {
		Workers int      `yaml:"workers"`
		Timeout string   `yaml:"timeout"`
		Command string   `yaml:"command,omitempty"`
		Args    []string `yaml:"args,omitempty"`
	} `yaml:"dispatch"`
	Workspace struct {
		Root string `yaml:"root"`
	} `yaml:"workspace"`
}

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "デフォルト設定ファイル（banken.yml）を作成する",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "既存の設定ファイルを上書きする")
	return cmd
}

func runInit(cmd *cobra.Command, force bool) error {
	path := "banken.yml"
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	var cfg defaultConfig
	cfg.GitHub.Owner = "your-github-user"
	cfg.GitHub.Repo = "your-repository"
	cfg.GitHub.PollInterval = "30s"
	cfg.GitHub.IgnoreLabels = []string{"no-bot"}
	cfg.GitHub.PhaseLabelPrefix = "phase:"
	cfg.State.Backend = "file"
	cfg.State.Path = ".banken/state.json"
	cfg.State.Retention = "168h"
	cfg.Dispatch.Workers = 1
	cfg.Dispatch.Timeout = "5m"
	cfg.Workspace.Root = ".banken/issues"

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# banken configuration\n# トークンは環境変数 GITHUB_TOKEN / BANKEN_GITHUB_TOKEN で渡してください\n")
	if err := os.WriteFile(path, append(header, data...), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", path)
	return nil
}
