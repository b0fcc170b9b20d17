package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/afero"
)

// stateDocument はファイルに書き出されるJSON表現
type stateDocument struct {
	LastCheckedAt time.Time        `json:"last_checked_at"`
	Processed     []ProcessedEntry `json:"processed"`
}

// FileStore はJSONファイルにLoopStateを永続化するStore実装。
// 書き込みはテンポラリファイルへの書き出しとリネームで行い、
// クラッシュ時の部分書き込みを防ぐ。
type FileStore struct {
	fs   afero.Fs
	path string
}

// NewFileStore は新しいFileStoreを作成する
func NewFileStore(fs afero.Fs, path string) *FileStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileStore{fs: fs, path: path}
}

// Load は状態ファイルを読み込む。ファイルが存在しない場合は空の状態を返し、
// 壊れている場合は空の状態と*CorruptionErrorを返す。
func (f *FileStore) Load() (*LoopState, error) {
	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewLoopState(), nil
		}
		return NewLoopState(), &CorruptionError{Path: f.path, Err: err}
	}

	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return NewLoopState(), &CorruptionError{Path: f.path, Err: err}
	}

	st := NewLoopState()
	st.Cursor.LastCheckedAt = doc.LastCheckedAt
	for _, entry := range doc.Processed {
		st.Processed[entry.Key] = entry
	}
	return st, nil
}

// Save は状態をアトミックに書き出す
func (f *FileStore) Save(st *LoopState) error {
	doc := stateDocument{
		LastCheckedAt: st.Cursor.LastCheckedAt,
		Processed:     make([]ProcessedEntry, 0, len(st.Processed)),
	}
	for _, entry := range st.Processed {
		doc.Processed = append(doc.Processed, entry)
	}
	// 出力を安定させるためキー順に並べる
	sort.Slice(doc.Processed, func(i, j int) bool {
		return doc.Processed[i].Key < doc.Processed[j].Key
	})

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := f.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmpPath := f.path + ".tmp"
	if err := afero.WriteFile(f.fs, tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write state temp file: %w", err)
	}
	if err := f.fs.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}

	return nil
}
