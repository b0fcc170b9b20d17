package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/okudaira/banken/internal/state"
)

func newReprocessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reprocess <key>...",
		Short: "処理済みキーを取り消して再処理を許可する",
		Long: `指定したキーを処理済み集合から取り除きます。ディスパッチに失敗した
アイテムは自動では再試行されないため、再処理にはこのコマンドが必要です。

キーの形式:
  issue#42:research   Issue番号42のresearchフェーズ
  comment#123456789   コメントID 123456789`,
		Args: cobra.MinimumNArgs(1),
		RunE: runReprocess,
	}
	return cmd
}

func runReprocess(cmd *cobra.Command, args []string) error {
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
		return fmt.Errorf("failed to load state: %w", err)
	}

	removed := 0
	for _, arg := range args {
		key := state.ItemKey(arg)
		if st.Unmark(key) {
			fmt.Fprintf(cmd.OutOrStdout(), "unmarked: %s\n", key)
			removed++
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "not found: %s\n", key)
		}
	}

	if removed == 0 {
		return nil
	}

	if err := store.Save(st); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d key(s) will be reprocessed on the next cycle\n", removed)
	return nil
}
