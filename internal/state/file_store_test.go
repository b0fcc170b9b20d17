package state

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okudaira/banken/internal/phase"
)

func TestFileStore_LoadMissing(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewFileStore(fs, ".banken/state.json")

	st, err := store.Load()
	require.NoError(t, err)
	assert.True(t, st.Cursor.LastCheckedAt.IsZero())
	assert.Empty(t, st.Processed)
}

func TestFileStore_SaveAndLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewFileStore(fs, ".banken/state.json")

	st := NewLoopState()
	cursor := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st.AdvanceCursor(cursor)
	st.MarkProcessed(IssueKey(42, phase.Research), cursor)
	st.MarkProcessed(CommentKey(9001), cursor)

	require.NoError(t, store.Save(st))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.True(t, loaded.Cursor.LastCheckedAt.Equal(cursor))
	assert.True(t, loaded.HasProcessed(IssueKey(42, phase.Research)))
	assert.True(t, loaded.HasProcessed(CommentKey(9001)))
	assert.Len(t, loaded.Processed, 2)

	// テンポラリファイルは残らない
	exists, _ := afero.Exists(fs, ".banken/state.json.tmp")
	assert.False(t, exists)
}

func TestFileStore_CorruptedFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := ".banken/state.json"
	require.NoError(t, afero.WriteFile(fs, path, []byte("{not json"), 0644))

	store := NewFileStore(fs, path)
	st, err := store.Load()

	// フェイルセーフ: 空の状態とCorruptionErrorが返る
	var corruptErr *CorruptionError
	require.Error(t, err)
	assert.True(t, errors.As(err, &corruptErr))
	require.NotNil(t, st)
	assert.Empty(t, st.Processed)
}

func TestFileStore_Overwrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewFileStore(fs, "state.json")

	st := NewLoopState()
	st.MarkProcessed(IssueKey(1, phase.Idea), time.Now().UTC())
	require.NoError(t, store.Save(st))

	st.Unmark(IssueKey(1, phase.Idea))
	st.MarkProcessed(IssueKey(2, phase.Planning), time.Now().UTC())
	require.NoError(t, store.Save(st))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.False(t, loaded.HasProcessed(IssueKey(1, phase.Idea)))
	assert.True(t, loaded.HasProcessed(IssueKey(2, phase.Planning)))
}
