package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/okudaira/banken/internal/phase"
)

func TestItemKeys(t *testing.T) {
	assert.Equal(t, ItemKey("issue#42:research"), IssueKey(42, phase.Research))
	assert.Equal(t, ItemKey("issue#7:unclassified"), IssueKey(7, phase.Unclassified))
	assert.Equal(t, ItemKey("comment#123456789"), CommentKey(123456789))
}

func TestLoopState_MarkProcessed(t *testing.T) {
	st := NewLoopState()
	key := IssueKey(42, phase.Research)

	first := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	st.MarkProcessed(key, first)
	assert.True(t, st.HasProcessed(key))

	// 追記のみ: 既存エントリは上書きされない
	st.MarkProcessed(key, first.Add(time.Hour))
	assert.Equal(t, first, st.Processed[key].ProcessedAt)
}

func TestLoopState_Unmark(t *testing.T) {
	st := NewLoopState()
	key := CommentKey(99)
	st.MarkProcessed(key, time.Now())

	assert.True(t, st.Unmark(key))
	assert.False(t, st.HasProcessed(key))
	assert.False(t, st.Unmark(key))
}

func TestLoopState_AdvanceCursor(t *testing.T) {
	st := NewLoopState()
	t1 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	st.AdvanceCursor(t1)
	assert.Equal(t, t1, st.Cursor.LastCheckedAt)

	// カーソルは単調非減少: 過去方向への移動は無視される
	st.AdvanceCursor(t1.Add(-time.Hour))
	assert.Equal(t, t1, st.Cursor.LastCheckedAt)

	st.AdvanceCursor(t2)
	assert.Equal(t, t2, st.Cursor.LastCheckedAt)
}

func TestLoopState_Prune(t *testing.T) {
	st := NewLoopState()
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

	st.MarkProcessed(IssueKey(1, phase.Idea), now.Add(-8*24*time.Hour))
	st.MarkProcessed(IssueKey(2, phase.Idea), now.Add(-6*24*time.Hour))
	st.MarkProcessed(CommentKey(3), now.Add(-time.Hour))

	pruned := st.Prune(7*24*time.Hour, now)

	assert.Equal(t, 1, pruned)
	assert.False(t, st.HasProcessed(IssueKey(1, phase.Idea)))
	assert.True(t, st.HasProcessed(IssueKey(2, phase.Idea)))
	assert.True(t, st.HasProcessed(CommentKey(3)))
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()

	st, err := store.Load()
	assert.NoError(t, err)
	assert.Empty(t, st.Processed)
	assert.Equal(t, 0, store.SaveCount)

	st.MarkProcessed(IssueKey(42, phase.Research), time.Now())
	st.AdvanceCursor(time.Now())
	assert.NoError(t, store.Save(st))
	assert.Equal(t, 1, store.SaveCount)

	// Loadはコピーを返すので、変更しても保存済み状態には影響しない
	loaded, err := store.Load()
	assert.NoError(t, err)
	loaded.MarkProcessed(CommentKey(1), time.Now())

	again, err := store.Load()
	assert.NoError(t, err)
	assert.False(t, again.HasProcessed(CommentKey(1)))
	assert.True(t, again.HasProcessed(IssueKey(42, phase.Research)))
}
