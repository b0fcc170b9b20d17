package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config はアプリケーション全体の設定
type Config struct {
	GitHub    GitHubConfig    `mapstructure:"github"`
	State     StateConfig     `mapstructure:"state"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
}

// GitHubConfig はGitHub関連の設定
type GitHubConfig struct {
	Token            string        `mapstructure:"token"`
	Owner            string        `mapstructure:"owner"`
	Repo             string        `mapstructure:"repo"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	IgnoreLabels     []string      `mapstructure:"ignore_labels"`
	PhaseLabelPrefix string        `mapstructure:"phase_label_prefix"`
}

// StateConfig は永続状態ストアの設定
type StateConfig struct {
	Backend   string        `mapstructure:"backend"` // "file" または "sqlite"
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

// DispatchConfig はハンドラ呼び出しの設定
type DispatchConfig struct {
	Workers int           `mapstructure:"workers"`
	Timeout time.Duration `mapstructure:"timeout"`
	Command string        `mapstructure:"command"`
	Args    []string      `mapstructure:"args"`
}

// WorkspaceConfig はIssueごとの監査ディレクトリの設定
type WorkspaceConfig struct {
	Root string `mapstructure:"root"`
}

// NewConfig はデフォルト値を持つConfigを作成する
func NewConfig() *Config {
	return &Config{
		GitHub: GitHubConfig{
			PollInterval:     30 * time.Second,
			IgnoreLabels:     []string{"no-bot"},
			PhaseLabelPrefix: "phase:",
		},
		State: StateConfig{
			Backend:   "file",
			Path:      ".banken/state.json",
			Retention: 7 * 24 * time.Hour,
		},
		Dispatch: DispatchConfig{
			Workers: 1,
			Timeout: 5 * time.Minute,
		},
		Workspace: WorkspaceConfig{
			Root: ".banken/issues",
		},
	}
}

// Load は設定ファイルから設定を読み込む
func (c *Config) Load(configPath string) error {
	v := viper.New()
	v.SetConfigFile(configPath)

	v.SetEnvPrefix("BANKEN")
	v.AutomaticEnv()

	// GITHUB_TOKENもサポート
	v.BindEnv("github.token", "GITHUB_TOKEN", "BANKEN_GITHUB_TOKEN")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return err
	}

	if err := v.Unmarshal(c); err != nil {
		return err
	}

	return nil
}

// LoadOrDefault は設定ファイルを読み込み、存在しない場合はデフォルト値を使用する
func (c *Config) LoadOrDefault(configPath string) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return
	}
	_ = c.Load(configPath)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("github.poll_interval", 30*time.Second)
	v.SetDefault("github.ignore_labels", []string{"no-bot"})
	v.SetDefault("github.phase_label_prefix", "phase:")
	v.SetDefault("state.backend", "file")
	v.SetDefault("state.path", ".banken/state.json")
	v.SetDefault("state.retention", 7*24*time.Hour)
	v.SetDefault("dispatch.workers", 1)
	v.SetDefault("dispatch.timeout", 5*time.Minute)
	v.SetDefault("workspace.root", ".banken/issues")
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if c.GitHub.Token == "" {
		return errors.New("GitHub token is required")
	}
	if c.GitHub.Owner == "" {
		return errors.New("repository owner is required")
	}
	if c.GitHub.Repo == "" {
		return errors.New("repository name is required")
	}
	if c.GitHub.PollInterval < 1*time.Second {
		return errors.New("poll interval must be at least 1 second")
	}
	switch c.State.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown state backend: %s", c.State.Backend)
	}
	if c.State.Retention <= 0 {
		c.State.Retention = 7 * 24 * time.Hour
	}
	if c.Dispatch.Workers < 1 {
		c.Dispatch.Workers = 1
	}
	if c.Dispatch.Timeout <= 0 {
		c.Dispatch.Timeout = 5 * time.Minute
	}
	return nil
}
