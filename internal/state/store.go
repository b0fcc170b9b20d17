package state

import (
	"fmt"
	"sync"
)

// Store はLoopStateの永続化インターフェース。
// 同じコアロジックをファイル・SQLite・テスト用インメモリ実装の
// いずれに対しても動かせるようにする。
type Store interface {
	// Load は永続状態を読み込む。状態が存在しない場合は空のLoopStateを返す。
	// 状態が壊れている場合は空のLoopStateと*CorruptionErrorを返し、
	// 呼び出し側はログに記録したうえで処理を継続できる（フェイルセーフ）。
	Load() (*LoopState, error)

	// Save は状態を永続化する。処理済み集合の書き込みはカーソル前進より
	// 先に行われる。カーソルだけが失われても再フェッチ分はフィルタで
	// 落ちるため安全だが、処理済み集合が失われると再ディスパッチが起きる。
	Save(st *LoopState) error
}

// CorruptionError は永続状態が読めない・壊れていることを表す。
// 復旧は「状態を空として扱う」ことで行い、クラッシュはさせない。
type CorruptionError struct {
	Path string
	Err  error
}

// Error はerrorインターフェースを実装する
func (e *CorruptionError) Error() string {
	return fmt.Sprintf("state store corrupted: %s: %v", e.Path, e.Err)
}

// Unwrap は元のエラーを返す
func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// MemoryStore はテスト用のインメモリStore実装
type MemoryStore struct {
	mu        sync.Mutex
	state     *LoopState
	SaveCount int // テストで書き込み回数を検証するためのカウンタ
}

// NewMemoryStore は新しいMemoryStoreを作成する
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load は保存済み状態のコピーを返す
func (m *MemoryStore) Load() (*LoopState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == nil {
		return NewLoopState(), nil
	}
	return cloneState(m.state), nil
}

// Save は状態のコピーを保持する
func (m *MemoryStore) Save(st *LoopState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = cloneState(st)
	m.SaveCount++
	return nil
}

func cloneState(st *LoopState) *LoopState {
	clone := NewLoopState()
	clone.Cursor = st.Cursor
	for key, entry := range st.Processed {
		clone.Processed[key] = entry
	}
	return clone
}
