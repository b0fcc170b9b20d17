package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore はSQLiteにLoopStateを永続化するStore実装。
// 処理済み集合とカーソルは同一トランザクションでコミットされ、
// トランザクション内でも処理済み集合が先に書かれる。
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore はSQLiteデータベースを開き、スキーマを初期化する
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state database: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS poll_cursor (
			id              INTEGER PRIMARY KEY CHECK (id = 1),
			last_checked_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS processed_items (
			key          TEXT PRIMARY KEY,
			processed_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_processed_at ON processed_items(processed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close はデータベース接続を閉じる
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load は永続状態を読み込む。行が壊れている場合は空の状態と
// *CorruptionErrorを返す。
func (s *SQLiteStore) Load() (*LoopState, error) {
	st := NewLoopState()

	var cursorStr string
	err := s.db.QueryRow(`SELECT last_checked_at FROM poll_cursor WHERE id = 1`).Scan(&cursorStr)
	switch {
	case err == sql.ErrNoRows:
		// 初回起動。カーソルはゼロ値のまま。
	case err != nil:
		return NewLoopState(), &CorruptionError{Path: s.path, Err: err}
	default:
		t, err := time.Parse(time.RFC3339Nano, cursorStr)
		if err != nil {
			return NewLoopState(), &CorruptionError{Path: s.path, Err: err}
		}
		st.Cursor.LastCheckedAt = t
	}

	rows, err := s.db.Query(`SELECT key, processed_at FROM processed_items`)
	if err != nil {
		return NewLoopState(), &CorruptionError{Path: s.path, Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var key, processedStr string
		if err := rows.Scan(&key, &processedStr); err != nil {
			return NewLoopState(), &CorruptionError{Path: s.path, Err: err}
		}
		processedAt, err := time.Parse(time.RFC3339Nano, processedStr)
		if err != nil {
			return NewLoopState(), &CorruptionError{Path: s.path, Err: err}
		}
		st.Processed[ItemKey(key)] = ProcessedEntry{Key: ItemKey(key), ProcessedAt: processedAt}
	}
	if err := rows.Err(); err != nil {
		return NewLoopState(), &CorruptionError{Path: s.path, Err: err}
	}

	return st, nil
}

// Save は状態を1トランザクションで書き出す
func (s *SQLiteStore) Save(st *LoopState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin state tx: %w", err)
	}
	defer tx.Rollback()

	// 処理済み集合を先に書く
	if _, err := tx.Exec(`DELETE FROM processed_items`); err != nil {
		return fmt.Errorf("clear processed items: %w", err)
	}
	for _, entry := range st.Processed {
		if _, err := tx.Exec(
			`INSERT INTO processed_items (key, processed_at) VALUES (?, ?)`,
			string(entry.Key), entry.ProcessedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert processed item: %w", err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO poll_cursor (id, last_checked_at) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET last_checked_at = excluded.last_checked_at`,
		st.Cursor.LastCheckedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("update poll cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state tx: %w", err)
	}
	return nil
}
