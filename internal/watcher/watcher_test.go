package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	gh "github.com/google/go-github/v50/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/okudaira/banken/internal/github"
	"github.com/okudaira/banken/internal/logger"
	"github.com/okudaira/banken/internal/phase"
	"github.com/okudaira/banken/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// nopLogger はテスト用の何もしないロガー
type nopLogger struct{}

func (nopLogger) Debug(msg string, keysAndValues ...interface{}) {}
func (nopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Error(msg string, keysAndValues ...interface{}) {}
func (nopLogger) WithFields(keysAndValues ...interface{}) logger.Logger {
	return nopLogger{}
}

// fakeClient はGitHubClientのテスト用実装
type fakeClient struct {
	mu              sync.Mutex
	issues          []*gh.Issue
	comments        []*gh.IssueComment
	issuesChanged   bool
	commentsChanged bool
	issuesErr       error
	commentsErr     error
	login           string
	sinceSeen       []time.Time
}

func (c *fakeClient) ListIssuesSince(ctx context.Context, since time.Time) ([]*gh.Issue, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinceSeen = append(c.sinceSeen, since)
	if c.issuesErr != nil {
		return nil, false, c.issuesErr
	}
	return c.issues, c.issuesChanged, nil
}

func (c *fakeClient) ListCommentsSince(ctx context.Context, since time.Time) ([]*gh.IssueComment, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commentsErr != nil {
		return nil, false, c.commentsErr
	}
	return c.comments, c.commentsChanged, nil
}

func (c *fakeClient) AuthenticatedUser(ctx context.Context) (string, error) {
	return c.login, nil
}

func (c *fakeClient) CreateComment(ctx context.Context, issueNumber int, body string) error {
	return nil
}

func (c *fakeClient) AddLabels(ctx context.Context, issueNumber int, labels []string) error {
	return nil
}

func (c *fakeClient) GetRateLimit(ctx context.Context) (*gh.RateLimits, error) {
	return nil, nil
}

// fakeHandler はディスパッチされたキーを記録するHandler
type fakeHandler struct {
	mu    sync.Mutex
	calls []state.ItemKey
	fail  map[state.ItemKey]error
}

func (h *fakeHandler) Handle(ctx context.Context, item Item, p phase.Phase) error {
	key := item.Key(p)
	h.mu.Lock()
	h.calls = append(h.calls, key)
	h.mu.Unlock()
	if err, ok := h.fail[key]; ok {
		return err
	}
	return nil
}

func (h *fakeHandler) keys() []state.ItemKey {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]state.ItemKey, len(h.calls))
	copy(out, h.calls)
	return out
}

func makeIssue(number int, title string, labels []string, author string, updated time.Time) *gh.Issue {
	issue := &gh.Issue{
		Number:    gh.Int(number),
		Title:     gh.String(title),
		User:      &gh.User{Login: gh.String(author)},
		UpdatedAt: &gh.Timestamp{Time: updated},
		HTMLURL:   gh.String(fmt.Sprintf("https://github.com/okudaira/banken/issues/%d", number)),
	}
	for _, name := range labels {
		issue.Labels = append(issue.Labels, &gh.Label{Name: gh.String(name)})
	}
	return issue
}

func makeComment(id int64, issueNumber int, body, author string, created time.Time) *gh.IssueComment {
	return &gh.IssueComment{
		ID:        gh.Int64(id),
		Body:      gh.String(body),
		User:      &gh.User{Login: gh.String(author)},
		CreatedAt: &gh.Timestamp{Time: created},
		IssueURL:  gh.String(fmt.Sprintf("https://api.github.com/repos/okudaira/banken/issues/%d", issueNumber)),
		HTMLURL:   gh.String(fmt.Sprintf("https://github.com/okudaira/banken/issues/%d#issuecomment-%d", issueNumber, id)),
	}
}

func newTestWatcher(t *testing.T, client *fakeClient, handler Handler, store state.Store, cfg Config) *Watcher {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	w, err := New(client, handler, store, nopLogger{}, cfg)
	require.NoError(t, err)
	w.botLogin = "banken-bot"
	return w
}

func TestNew_Validation(t *testing.T) {
	client := &fakeClient{}
	handler := &fakeHandler{}
	store := state.NewMemoryStore()
	cfg := Config{PollInterval: time.Second}

	tests := []struct {
		name string
		fn   func() (*Watcher, error)
	}{
		{
			name: "異常系: クライアントがnil",
			fn:   func() (*Watcher, error) { return New(nil, handler, store, nopLogger{}, cfg) },
		},
		{
			name: "異常系: ハンドラがnil",
			fn:   func() (*Watcher, error) { return New(client, nil, store, nopLogger{}, cfg) },
		},
		{
			name: "異常系: ストアがnil",
			fn:   func() (*Watcher, error) { return New(client, handler, nil, nopLogger{}, cfg) },
		},
		{
			name: "異常系: ロガーがnil",
			fn:   func() (*Watcher, error) { return New(client, handler, store, nil, cfg) },
		},
		{
			name: "異常系: ポーリング間隔が1秒未満",
			fn: func() (*Watcher, error) {
				return New(client, handler, store, nopLogger{}, Config{PollInterval: 100 * time.Millisecond})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := tt.fn()
			assert.Error(t, err)
			assert.Nil(t, w)
		})
	}
}

func TestRunCycle_DispatchAndCommit(t *testing.T) {
	now := time.Now().UTC()
	client := &fakeClient{
		issues:        []*gh.Issue{makeIssue(42, "Cache invalidation study", []string{"phase:research"}, "alice", now)},
		issuesChanged: true,
	}
	handler := &fakeHandler{}
	store := state.NewMemoryStore()
	w := newTestWatcher(t, client, handler, store, Config{})

	st := state.NewLoopState()
	result, err := w.RunCycle(context.Background(), st)
	require.NoError(t, err)

	key := state.IssueKey(42, phase.Research)
	assert.False(t, result.Unchanged)
	assert.Equal(t, []state.ItemKey{key}, result.Dispatched)
	assert.Empty(t, result.Failed)
	assert.Equal(t, []state.ItemKey{key}, handler.keys())

	assert.True(t, st.HasProcessed(key))
	assert.False(t, st.Cursor.LastCheckedAt.IsZero())
	assert.Equal(t, 1, store.SaveCount)
}

func TestRunCycle_AtMostOnce(t *testing.T) {
	now := time.Now().UTC()
	client := &fakeClient{
		issues:        []*gh.Issue{makeIssue(42, "plan the migration", nil, "alice", now)},
		issuesChanged: true,
	}
	handler := &fakeHandler{}
	store := state.NewMemoryStore()
	w := newTestWatcher(t, client, handler, store, Config{})

	st := state.NewLoopState()
	_, err := w.RunCycle(context.Background(), st)
	require.NoError(t, err)

	// 同じアイテムが再度フェッチされても2度目はディスパッチされない
	result, err := w.RunCycle(context.Background(), st)
	require.NoError(t, err)

	key := state.IssueKey(42, phase.Planning)
	assert.Empty(t, result.Dispatched)
	assert.Equal(t, []state.ItemKey{key}, result.Skipped)
	assert.Equal(t, []state.ItemKey{key}, handler.keys())
}

func TestRunCycle_PhaseTransitionIsNewWork(t *testing.T) {
	now := time.Now().UTC()
	client := &fakeClient{
		issues:        []*gh.Issue{makeIssue(42, "タイトル", []string{"phase:research"}, "alice", now)},
		issuesChanged: true,
	}
	handler := &fakeHandler{}
	store := state.NewMemoryStore()
	w := newTestWatcher(t, client, handler, store, Config{})

	st := state.NewLoopState()
	_, err := w.RunCycle(context.Background(), st)
	require.NoError(t, err)

	// フェーズが変わったIssueは別キーになるため、もう一度ディスパッチされる
	client.mu.Lock()
	client.issues = []*gh.Issue{makeIssue(42, "タイトル", []string{"phase:planning"}, "alice", now.Add(time.Minute))}
	client.mu.Unlock()

	result, err := w.RunCycle(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, []state.ItemKey{state.IssueKey(42, phase.Planning)}, result.Dispatched)
	assert.True(t, st.HasProcessed(state.IssueKey(42, phase.Research)))
	assert.True(t, st.HasProcessed(state.IssueKey(42, phase.Planning)))
}

func TestRunCycle_Filters(t *testing.T) {
	now := time.Now().UTC()

	prIssue := makeIssue(10, "implement feature", nil, "alice", now)
	prIssue.PullRequestLinks = &gh.PullRequestLinks{URL: gh.String("https://api.github.com/repos/okudaira/banken/pulls/10")}

	prComment := makeComment(500, 10, "looks good", "alice", now)
	prComment.HTMLURL = gh.String("https://github.com/okudaira/banken/pull/10#issuecomment-500")

	client := &fakeClient{
		issues: []*gh.Issue{
			prIssue,
			makeIssue(11, "implement the parser", nil, "banken-bot", now), // 自分自身
			makeIssue(12, "implement the lexer", []string{"no-bot"}, "alice", now),
			makeIssue(13, "fix typo", nil, "alice", now), // フェーズ分類不能
			makeIssue(14, "research the planner", nil, "alice", now),
		},
		comments: []*gh.IssueComment{
			prComment,
			makeComment(501, 14, "自動処理は不要です "+IgnoreDirective, "alice", now),
			makeComment(502, 14, "please take a look", "banken-bot", now), // 自分自身
			makeComment(503, 14, "can you dig into this?", "alice", now),
		},
		issuesChanged:   true,
		commentsChanged: true,
	}
	handler := &fakeHandler{}
	store := state.NewMemoryStore()
	w := newTestWatcher(t, client, handler, store, Config{IgnoreLabels: []string{"no-bot"}})

	st := state.NewLoopState()
	result, err := w.RunCycle(context.Background(), st)
	require.NoError(t, err)

	// フィルタを通過するのはIssue #14と通常コメントだけ
	assert.ElementsMatch(t, []state.ItemKey{
		state.IssueKey(14, phase.Research),
		state.CommentKey(503),
	}, result.Dispatched)
	assert.Empty(t, result.Failed)
	assert.Empty(t, result.Skipped)
}

func TestRunCycle_PartialFailure(t *testing.T) {
	now := time.Now().UTC()
	failKey := state.IssueKey(1, phase.Idea)
	client := &fakeClient{
		issues: []*gh.Issue{
			makeIssue(1, "idea: widget factory", nil, "alice", now),
			makeIssue(2, "research the cache", nil, "alice", now.Add(time.Second)),
		},
		issuesChanged: true,
	}
	handler := &fakeHandler{fail: map[state.ItemKey]error{failKey: errors.New("downstream exploded")}}
	store := state.NewMemoryStore()
	w := newTestWatcher(t, client, handler, store, Config{})

	st := state.NewLoopState()
	result, err := w.RunCycle(context.Background(), st)
	require.NoError(t, err)

	okKey := state.IssueKey(2, phase.Research)
	assert.Equal(t, []state.ItemKey{failKey}, result.Failed)
	assert.Equal(t, []state.ItemKey{okKey}, result.Dispatched)

	// 失敗したアイテムも処理済みとして記録され、自動では再試行されない
	assert.True(t, st.HasProcessed(failKey))
	assert.True(t, st.HasProcessed(okKey))
	assert.False(t, st.Cursor.LastCheckedAt.IsZero())
	assert.Equal(t, 1, store.SaveCount)
}

func TestRunCycle_UnchangedFastPath(t *testing.T) {
	client := &fakeClient{issuesChanged: false, commentsChanged: false}
	handler := &fakeHandler{}
	store := state.NewMemoryStore()
	w := newTestWatcher(t, client, handler, store, Config{})

	st := state.NewLoopState()
	cursor := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	st.AdvanceCursor(cursor)

	result, err := w.RunCycle(context.Background(), st)
	require.NoError(t, err)

	// 変更なしのサイクルは状態に一切書き込まない
	assert.True(t, result.Unchanged)
	assert.Empty(t, handler.keys())
	assert.Equal(t, cursor, st.Cursor.LastCheckedAt)
	assert.Equal(t, 0, store.SaveCount)
}

func TestRunCycle_FetchErrorLeavesStateUntouched(t *testing.T) {
	client := &fakeClient{issuesErr: errors.New("connection refused")}
	handler := &fakeHandler{}
	store := state.NewMemoryStore()
	w := newTestWatcher(t, client, handler, store, Config{})

	st := state.NewLoopState()
	cursor := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	st.AdvanceCursor(cursor)

	result, err := w.RunCycle(context.Background(), st)
	assert.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, cursor, st.Cursor.LastCheckedAt)
	assert.Equal(t, 0, store.SaveCount)
	assert.Empty(t, handler.keys())
}

func TestRunCycle_ChronologicalDispatch(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client := &fakeClient{
		issues: []*gh.Issue{
			makeIssue(3, "implement the indexer", nil, "alice", base.Add(3*time.Minute)),
		},
		comments: []*gh.IssueComment{
			makeComment(102, 3, "second thought", "alice", base.Add(2*time.Minute)),
			makeComment(101, 3, "first thought", "alice", base.Add(time.Minute)),
		},
		issuesChanged:   true,
		commentsChanged: true,
	}
	handler := &fakeHandler{}
	store := state.NewMemoryStore()
	w := newTestWatcher(t, client, handler, store, Config{})

	st := state.NewLoopState()
	_, err := w.RunCycle(context.Background(), st)
	require.NoError(t, err)

	// 時系列順にディスパッチされる
	assert.Equal(t, []state.ItemKey{
		state.CommentKey(101),
		state.CommentKey(102),
		state.IssueKey(3, phase.Implementation),
	}, handler.keys())
}

func TestRunCycle_InFlightDropped(t *testing.T) {
	client := &fakeClient{}
	handler := &fakeHandler{}
	store := state.NewMemoryStore()
	w := newTestWatcher(t, client, handler, store, Config{})

	w.busy.Store(true)
	result, err := w.RunCycle(context.Background(), state.NewLoopState())
	assert.ErrorIs(t, err, ErrCycleInFlight)
	assert.Nil(t, result)
}

func TestRunCycle_ParallelDispatch(t *testing.T) {
	now := time.Now().UTC()
	var issues []*gh.Issue
	for i := 1; i <= 8; i++ {
		issues = append(issues, makeIssue(i, "research item", nil, "alice", now.Add(time.Duration(i)*time.Second)))
	}
	client := &fakeClient{issues: issues, issuesChanged: true}
	handler := &fakeHandler{}
	store := state.NewMemoryStore()
	w := newTestWatcher(t, client, handler, store, Config{DispatchWorkers: 3})

	st := state.NewLoopState()
	result, err := w.RunCycle(context.Background(), st)
	require.NoError(t, err)

	assert.Len(t, result.Dispatched, 8)
	assert.Len(t, handler.keys(), 8)
	for i := 1; i <= 8; i++ {
		assert.True(t, st.HasProcessed(state.IssueKey(i, phase.Research)))
	}
	assert.Equal(t, 1, store.SaveCount)
}

func TestRunCycle_RestartIdempotence(t *testing.T) {
	now := time.Now().UTC()
	client := &fakeClient{
		issues:        []*gh.Issue{makeIssue(42, "research the cache", nil, "alice", now)},
		issuesChanged: true,
	}
	handler := &fakeHandler{}
	store := state.NewMemoryStore()
	w := newTestWatcher(t, client, handler, store, Config{})

	st := state.NewLoopState()
	_, err := w.RunCycle(context.Background(), st)
	require.NoError(t, err)

	// 再起動相当: 永続化された状態を読み直して同じフェッチ結果を処理する
	reloaded, err := store.Load()
	require.NoError(t, err)
	w2 := newTestWatcher(t, client, handler, store, Config{})
	result, err := w2.RunCycle(context.Background(), reloaded)
	require.NoError(t, err)

	assert.Empty(t, result.Dispatched)
	assert.Len(t, handler.keys(), 1)
}

func TestRun_StopsOnCancel(t *testing.T) {
	client := &fakeClient{login: "banken-bot"}
	handler := &fakeHandler{}
	store := state.NewMemoryStore()
	w := newTestWatcher(t, client, handler, store, Config{PollInterval: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := w.Run(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "banken-bot", w.botLogin)
}

func TestRun_AuthErrorIsFatal(t *testing.T) {
	client := &fakeClient{
		login:     "banken-bot",
		issuesErr: &github.APIError{Kind: github.KindAuth, StatusCode: 401, Message: "bad credentials"},
	}
	handler := &fakeHandler{}
	store := state.NewMemoryStore()
	w := newTestWatcher(t, client, handler, store, Config{PollInterval: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := w.Run(ctx)
	require.Error(t, err)
	assert.True(t, github.IsAuthError(err))
	// タイムアウトではなく認証エラーで即座に停止している
	assert.NoError(t, ctx.Err())
}
