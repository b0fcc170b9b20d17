package handler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/okudaira/banken/internal/logger"
	"github.com/okudaira/banken/internal/phase"
	"github.com/okudaira/banken/internal/watcher"
)

// ExecHandler は外部のAI CLIをアイテムごとに起動するHandler。
// CLIの中身は不透明な協力者として扱い、終了コードだけを見る。
// タイムアウトはディスパッチ側のコンテキストに従う。
type ExecHandler struct {
	command string
	args    []string
	log     logger.Logger
}

// NewExecHandler は新しいExecHandlerを作成する。
// コマンドがPATH上に存在しない場合はエラーを返す。
func NewExecHandler(command string, args []string, log logger.Logger) (*ExecHandler, error) {
	if command == "" {
		return nil, fmt.Errorf("exec handler command is required")
	}
	if _, err := exec.LookPath(command); err != nil {
		return nil, fmt.Errorf("command not found: %s: %w", command, err)
	}
	return &ExecHandler{command: command, args: args, log: log}, nil
}

// Handle は外部コマンドを実行する。アイテムの情報は環境変数で渡す。
func (h *ExecHandler) Handle(ctx context.Context, item watcher.Item, p phase.Phase) error {
	cmd := exec.CommandContext(ctx, h.command, h.args...)
	cmd.Env = append(os.Environ(),
		"BANKEN_ISSUE_NUMBER="+strconv.Itoa(item.IssueNumber()),
		"BANKEN_PHASE="+p.String(),
		"BANKEN_ITEM="+item.Describe(),
	)

	h.log.Info("Executing handler command", "command", h.command, "item", item.Describe())

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("handler command failed: %w (output: %s)", err, truncate(string(output), 500))
	}

	h.log.Debug("Handler command completed", "item", item.Describe())
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
