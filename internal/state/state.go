package state

import (
	"fmt"
	"time"

	"github.com/okudaira/banken/internal/phase"
)

// ItemKey は処理済みアイテムを識別する複合キー。
// Issueは「番号＋フェーズ」、コメントは「コメントID」で識別される。
type ItemKey string

// IssueKey はIssueとフェーズの複合キーを作成する
func IssueKey(issueNumber int, p phase.Phase) ItemKey {
	return ItemKey(fmt.Sprintf("issue#%d:%s", issueNumber, p))
}

// CommentKey はコメントIDのキーを作成する
func CommentKey(commentID int64) ItemKey {
	return ItemKey(fmt.Sprintf("comment#%d", commentID))
}

// ProcessedEntry は処理済みアイテムのメタデータ
type ProcessedEntry struct {
	Key         ItemKey   `json:"key"`
	ProcessedAt time.Time `json:"processed_at"`
}

// PollCursor は前回ポーリング時刻のカーソル。
// LastCheckedAtはサイクルのコミット後にのみ単調非減少で前進する。
type PollCursor struct {
	LastCheckedAt time.Time `json:"last_checked_at"`
}

// LoopState は監視ループの永続状態。サイクル関数に明示的に渡され、
// パッケージレベルの可変状態は持たない。
type LoopState struct {
	Cursor    PollCursor
	Processed map[ItemKey]ProcessedEntry
}

// NewLoopState は空のLoopStateを作成する
func NewLoopState() *LoopState {
	return &LoopState{
		Processed: make(map[ItemKey]ProcessedEntry),
	}
}

// HasProcessed はキーが処理済みかを返す
func (s *LoopState) HasProcessed(key ItemKey) bool {
	_, ok := s.Processed[key]
	return ok
}

// MarkProcessed はキーを処理済みとして記録する。
// サイクル内の追記のみで、既存エントリは上書きしない。
func (s *LoopState) MarkProcessed(key ItemKey, at time.Time) {
	if s.Processed == nil {
		s.Processed = make(map[ItemKey]ProcessedEntry)
	}
	if _, ok := s.Processed[key]; ok {
		return
	}
	s.Processed[key] = ProcessedEntry{Key: key, ProcessedAt: at}
}

// Unmark はキーを処理済み集合から取り除く。
// オペレーターが明示的に再処理を要求したときだけ呼ばれる。
func (s *LoopState) Unmark(key ItemKey) bool {
	if _, ok := s.Processed[key]; !ok {
		return false
	}
	delete(s.Processed, key)
	return true
}

// AdvanceCursor はカーソルを前進させる。過去方向への移動は無視され、
// 単調非減少の不変条件を保つ。
func (s *LoopState) AdvanceCursor(t time.Time) {
	if t.After(s.Cursor.LastCheckedAt) {
		s.Cursor.LastCheckedAt = t
	}
}

// Prune は保持期間より古い処理済みエントリを削除し、削除数を返す。
// ストレージの肥大化を防ぐためコミット前に呼ばれる。
func (s *LoopState) Prune(retention time.Duration, now time.Time) int {
	cutoff := now.Add(-retention)
	pruned := 0
	for key, entry := range s.Processed {
		if entry.ProcessedAt.Before(cutoff) {
			delete(s.Processed, key)
			pruned++
		}
	}
	return pruned
}
