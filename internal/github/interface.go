package github

import (
	"context"
	"time"

	gh "github.com/google/go-github/v50/github"
)

// GitHubClient はGitHub APIクライアントのインターフェース
type GitHubClient interface {
	// ListIssuesSince は指定時刻以降に更新されたIssueを取得する。
	// Pull Requestは結果に含まれない。条件付きフェッチで変更がない場合は
	// changed=false を返し、呼び出し側はサイクルを早期終了できる。
	ListIssuesSince(ctx context.Context, since time.Time) (issues []*gh.Issue, changed bool, err error)

	// ListCommentsSince は指定時刻以降に作成されたIssueコメントを取得する
	ListCommentsSince(ctx context.Context, since time.Time) (comments []*gh.IssueComment, changed bool, err error)

	// AuthenticatedUser は認証済みユーザー名を返す（初回解決後はキャッシュ）
	AuthenticatedUser(ctx context.Context) (string, error)

	// CreateComment はIssueにコメントを投稿する
	CreateComment(ctx context.Context, issueNumber int, body string) error

	// AddLabels はIssueにラベルを付与する
	AddLabels(ctx context.Context, issueNumber int, labels []string) error

	// GetRateLimit はGitHub APIのレート制限情報を取得する
	GetRateLimit(ctx context.Context) (*gh.RateLimits, error)
}
