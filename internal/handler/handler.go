package handler

import (
	"context"
	"fmt"

	"github.com/okudaira/banken/internal/phase"
	"github.com/okudaira/banken/internal/state"
	"github.com/okudaira/banken/internal/watcher"
)

// DispatchError は単一アイテムの下流処理の失敗を表す。
// ループ側で隔離されログに残るだけで、サイクルを止めることはない。
type DispatchError struct {
	Key state.ItemKey
	Err error
}

// Error はerrorインターフェースを実装する
func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch failed for %s: %v", e.Key, e.Err)
}

// Unwrap は元のエラーを返す
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Chain は複数のHandlerを順に実行するHandler。
// 最初の失敗で打ち切り、DispatchErrorとして返す。
type Chain struct {
	handlers []watcher.Handler
}

// NewChain は新しいChainを作成する
func NewChain(handlers ...watcher.Handler) *Chain {
	return &Chain{handlers: handlers}
}

// Handle は各Handlerを順に呼び出す
func (c *Chain) Handle(ctx context.Context, item watcher.Item, p phase.Phase) error {
	for _, h := range c.handlers {
		if err := h.Handle(ctx, item, p); err != nil {
			return &DispatchError{Key: item.Key(p), Err: err}
		}
	}
	return nil
}
