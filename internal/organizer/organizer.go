package organizer

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"
)

// Metadata はIssueごとの監査レコード。Issue番号につき1レコードで、
// 変更ファイル・成果物のリストは追記のみ。
type Metadata struct {
	RecordID      string           `json:"record_id"`
	IssueNumber   int              `json:"issue_number"`
	CreatedAt     time.Time        `json:"created_at"`
	Labels        []string         `json:"labels,omitempty"`
	ModifiedFiles []FileRecord     `json:"modified_files,omitempty"`
	Artifacts     []ArtifactRecord `json:"artifacts,omitempty"`
}

// FileRecord は既存ファイルへの変更の記録
type FileRecord struct {
	Path       string    `json:"path"`
	Note       string    `json:"note,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ArtifactRecord は新規に作られた成果物の記録
type ArtifactRecord struct {
	Path       string    `json:"path"`
	Kind       string    `json:"kind"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Organizer はIssueごとの監査ディレクトリとメタデータを管理する。
// ビジネスロジックは持たず、Handlerから呼ばれる純粋な記録係。
type Organizer struct {
	fs   afero.Fs
	root string

	mu      sync.Mutex
	entropy *rand.Rand
}

// New は新しいOrganizerを作成する
func New(fs afero.Fs, root string) *Organizer {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Organizer{
		fs:      fs,
		root:    root,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (o *Organizer) issueDir(issueNumber int) string {
	return filepath.Join(o.root, "issue-"+strconv.Itoa(issueNumber))
}

func (o *Organizer) metadataPath(issueNumber int) string {
	return filepath.Join(o.issueDir(issueNumber), "metadata.json")
}

// EnsureIssueRecord はIssueの監査レコードを遅延作成する。
// 既にレコードがある場合は何もしない（Issue番号につき最大1レコード）。
func (o *Organizer) EnsureIssueRecord(issueNumber int, initial Metadata) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	path := o.metadataPath(issueNumber)
	if exists, _ := afero.Exists(o.fs, path); exists {
		return nil
	}

	if err := o.fs.MkdirAll(o.issueDir(issueNumber), 0755); err != nil {
		return fmt.Errorf("create issue dir: %w", err)
	}

	now := time.Now().UTC()
	meta := Metadata{
		RecordID:    ulid.MustNew(ulid.Timestamp(now), o.entropy).String(),
		IssueNumber: issueNumber,
		CreatedAt:   now,
		Labels:      initial.Labels,
	}
	return o.writeMetadata(path, &meta)
}

// RecordModifiedFile は変更されたファイルパスをレコードに追記する
func (o *Organizer) RecordModifiedFile(issueNumber int, path, note string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	meta, err := o.readMetadata(issueNumber)
	if err != nil {
		return err
	}
	meta.ModifiedFiles = append(meta.ModifiedFiles, FileRecord{
		Path:       path,
		Note:       note,
		RecordedAt: time.Now().UTC(),
	})
	return o.writeMetadata(o.metadataPath(issueNumber), meta)
}

// RecordArtifact は新規成果物のパスをレコードに追記する
func (o *Organizer) RecordArtifact(issueNumber int, path, kind string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	meta, err := o.readMetadata(issueNumber)
	if err != nil {
		return err
	}
	meta.Artifacts = append(meta.Artifacts, ArtifactRecord{
		Path:       path,
		Kind:       kind,
		RecordedAt: time.Now().UTC(),
	})
	return o.writeMetadata(o.metadataPath(issueNumber), meta)
}

// Archive はIssueのディレクトリをarchived/配下へ移動する。削除はしない。
func (o *Organizer) Archive(issueNumber int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	src := o.issueDir(issueNumber)
	if exists, _ := afero.DirExists(o.fs, src); !exists {
		return fmt.Errorf("no record for issue #%d", issueNumber)
	}

	archiveDir := filepath.Join(o.root, "archived")
	if err := o.fs.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	dst := filepath.Join(archiveDir, filepath.Base(src))
	if err := o.fs.Rename(src, dst); err != nil {
		return fmt.Errorf("archive issue #%d: %w", issueNumber, err)
	}
	return nil
}

// Load はIssueの監査レコードを読み込む
func (o *Organizer) Load(issueNumber int) (*Metadata, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.readMetadata(issueNumber)
}

func (o *Organizer) readMetadata(issueNumber int) (*Metadata, error) {
	data, err := afero.ReadFile(o.fs, o.metadataPath(issueNumber))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no record for issue #%d", issueNumber)
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}

func (o *Organizer) writeMetadata(path string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := afero.WriteFile(o.fs, tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write metadata temp file: %w", err)
	}
	if err := o.fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename metadata file: %w", err)
	}
	return nil
}
