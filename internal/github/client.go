package github

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	gh "github.com/google/go-github/v50/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Client はGitHub APIクライアントのラッパー。対象リポジトリに束縛され、
// 条件付きフェッチとクライアント側レート制限を内蔵する。
type Client struct {
	github  *gh.Client
	owner   string
	repo    string
	limiter *rate.Limiter

	mu    sync.Mutex
	login string // 認証済みユーザー名のキャッシュ
}

// NewClient は新しいGitHub APIクライアントを作成する
func NewClient(token, owner, repo string) (*Client, error) {
	if token == "" {
		return nil, errors.New("GitHub token is required")
	}
	if owner == "" {
		return nil, errors.New("owner is required")
	}
	if repo == "" {
		return nil, errors.New("repo is required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := &http.Client{
		Transport: &oauth2.Transport{
			Source: ts,
			Base:   newConditionalTransport(http.DefaultTransport),
		},
		Timeout: 30 * time.Second,
	}

	return &Client{
		github: gh.NewClient(httpClient),
		owner:  owner,
		repo:   repo,
		// コアAPIの5000req/hに対して十分控えめな値
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}, nil
}

// ListIssuesSince は指定時刻以降に更新されたopenなIssueを取得する。
// Pull Requestは除外される。条件付きフェッチが304を返した場合は
// changed=false となり、Issueリストはnilになる。
func (c *Client) ListIssuesSince(ctx context.Context, since time.Time) ([]*gh.Issue, bool, error) {
	opts := &gh.IssueListByRepoOptions{
		State:     "open",
		Since:     since,
		Sort:      "updated",
		Direction: "asc",
		ListOptions: gh.ListOptions{
			PerPage: 100,
		},
	}

	var allIssues []*gh.Issue
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, false, err
		}

		issues, resp, err := c.github.Issues.ListByRepo(ctx, c.owner, c.repo, opts)
		if err != nil {
			if notModified(resp) {
				return nil, false, nil
			}
			return nil, false, classifyError(err)
		}

		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			allIssues = append(allIssues, issue)
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return allIssues, true, nil
}

// ListCommentsSince は指定時刻以降に作成されたリポジトリ内の
// Issueコメントを作成時刻昇順で取得する
func (c *Client) ListCommentsSince(ctx context.Context, since time.Time) ([]*gh.IssueComment, bool, error) {
	opts := &gh.IssueListCommentsOptions{
		Sort:      gh.String("created"),
		Direction: gh.String("asc"),
		ListOptions: gh.ListOptions{
			PerPage: 100,
		},
	}
	if !since.IsZero() {
		opts.Since = &since
	}

	var allComments []*gh.IssueComment
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, false, err
		}

		// issue番号0はリポジトリ全体のコメントを返す
		comments, resp, err := c.github.Issues.ListComments(ctx, c.owner, c.repo, 0, opts)
		if err != nil {
			if notModified(resp) {
				return nil, false, nil
			}
			return nil, false, classifyError(err)
		}

		allComments = append(allComments, comments...)

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return allComments, true, nil
}

// AuthenticatedUser は認証済みユーザー名を返す。初回解決後はキャッシュされ、
// 自己コメントのフィルタリングに使われる。
func (c *Client) AuthenticatedUser(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.login != "" {
		login := c.login
		c.mu.Unlock()
		return login, nil
	}
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	user, _, err := c.github.Users.Get(ctx, "")
	if err != nil {
		return "", classifyError(err)
	}
	if user.Login == nil {
		return "", errors.New("authenticated user has no login")
	}

	c.mu.Lock()
	c.login = user.GetLogin()
	c.mu.Unlock()

	return user.GetLogin(), nil
}

// CreateComment はIssueにコメントを投稿する
func (c *Client) CreateComment(ctx context.Context, issueNumber int, body string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	comment := &gh.IssueComment{Body: gh.String(body)}
	if _, _, err := c.github.Issues.CreateComment(ctx, c.owner, c.repo, issueNumber, comment); err != nil {
		return classifyError(err)
	}
	return nil
}

// AddLabels はIssueにラベルを付与する
func (c *Client) AddLabels(ctx context.Context, issueNumber int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	if _, _, err := c.github.Issues.AddLabelsToIssue(ctx, c.owner, c.repo, issueNumber, labels); err != nil {
		return classifyError(err)
	}
	return nil
}

// GetRateLimit はGitHub APIのレート制限情報を取得する
func (c *Client) GetRateLimit(ctx context.Context) (*gh.RateLimits, error) {
	limits, _, err := c.github.RateLimits(ctx)
	if err != nil {
		return nil, classifyError(err)
	}
	return limits, nil
}

func notModified(resp *gh.Response) bool {
	return resp != nil && resp.Response != nil && resp.StatusCode == http.StatusNotModified
}
