package watcher

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gh "github.com/google/go-github/v50/github"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/okudaira/banken/internal/github"
	"github.com/okudaira/banken/internal/logger"
	"github.com/okudaira/banken/internal/phase"
	"github.com/okudaira/banken/internal/state"
)

// IgnoreDirective はコメント本文に書くことで自動処理を除外するマーカー
const IgnoreDirective = "<!-- banken:ignore -->"

// ErrCycleInFlight は前のサイクルが終わる前にRunCycleが呼ばれたことを表す。
// 重なったティックはキューイングせず捨てる。
var ErrCycleInFlight = errors.New("previous cycle still in flight")

// Config は監視ループの設定
type Config struct {
	PollInterval     time.Duration
	IgnoreLabels     []string
	PhaseLabelPrefix string
	DispatchWorkers  int
	DispatchTimeout  time.Duration
	Retention        time.Duration
	MaxBackoff       time.Duration
}

// CycleResult は1サイクルの結果。イベント通知ではなく明示的な戻り値として
// 返すことで、サイクル単体のテストを可能にする。
type CycleResult struct {
	CycleID    string
	Unchanged  bool
	Dispatched []state.ItemKey
	Failed     []state.ItemKey
	Skipped    []state.ItemKey
}

// Watcher はGitHubのIssue/コメントを監視し、未処理のアイテムを
// ちょうど1回ずつHandlerへディスパッチする
type Watcher struct {
	client     github.GitHubClient
	handler    Handler
	store      state.Store
	classifier *phase.Classifier
	log        logger.Logger
	cfg        Config

	botLogin string
	busy     atomic.Bool
}

// New は新しいWatcherを作成する
func New(client github.GitHubClient, handler Handler, store state.Store, log logger.Logger, cfg Config) (*Watcher, error) {
	if client == nil {
		return nil, errors.New("github client is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.PollInterval < time.Second {
		return nil, errors.New("poll interval must be at least 1 second")
	}
	if cfg.DispatchWorkers < 1 {
		cfg.DispatchWorkers = 1
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Minute
	}

	return &Watcher{
		client:     client,
		handler:    handler,
		store:      store,
		classifier: phase.NewClassifier(cfg.PhaseLabelPrefix),
		log:        log,
		cfg:        cfg,
	}, nil
}

// Run は監視ループを開始する。コンテキストのキャンセルで停止するが、
// 実行中のサイクルはコミットまで完了させる。認証エラーは致命的であり、
// ループを止めてエラーを返す。
//
// LoopStateを書き換えるのはこのループだけである。同じリポジトリに対して
// 複数インスタンスを動かすことはサポートしない。
func (w *Watcher) Run(ctx context.Context) error {
	st, err := w.store.Load()
	if err != nil {
		var corruptErr *state.CorruptionError
		if errors.As(err, &corruptErr) {
			// フェイルセーフ: 状態を空として続行する。再処理は重複排除で防げないが
			// クラッシュよりは安全側。
			w.log.Error("State store corrupted, starting from empty state", "error", corruptErr.Error())
		} else {
			return err
		}
	}

	// 自己フィルタ用のbot識別子を起動時に一度だけ解決する
	err = retryWithBackoff(ctx, w.log, 3, time.Second, func() error {
		login, err := w.client.AuthenticatedUser(ctx)
		if err != nil {
			return err
		}
		w.botLogin = login
		return nil
	})
	if err != nil {
		return err
	}

	w.log.Info("Starting issue watcher",
		"botUser", w.botLogin,
		"interval", w.cfg.PollInterval.String(),
		"workers", w.cfg.DispatchWorkers)

	delay := w.cfg.PollInterval
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	// 初回は即時実行
	if err := w.tick(ctx, st, &delay, ticker); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Stopping issue watcher")
			return nil
		case <-ticker.C:
			if err := w.tick(ctx, st, &delay, ticker); err != nil {
				return err
			}
			// サイクル実行中に溜まったティックは捨てる
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

// tick は1サイクルを実行し、結果に応じてポーリング間隔を調整する
func (w *Watcher) tick(ctx context.Context, st *state.LoopState, delay *time.Duration, ticker *time.Ticker) error {
	result, err := w.RunCycle(ctx, st)
	switch {
	case err == nil:
		if *delay != w.cfg.PollInterval {
			*delay = w.cfg.PollInterval
			ticker.Reset(*delay)
			w.log.Info("Backoff reset", "interval", delay.String())
		}
		if result != nil && !result.Unchanged {
			w.log.Info("Cycle completed",
				"cycle", result.CycleID,
				"dispatched", len(result.Dispatched),
				"failed", len(result.Failed),
				"skipped", len(result.Skipped))
		}
		return nil
	case errors.Is(err, ErrCycleInFlight):
		w.log.Debug("Tick dropped, previous cycle still running")
		return nil
	case github.IsAuthError(err):
		// 認証エラーはリトライ不能。オペレーターの介入が必要。
		w.log.Error("Authentication failed, stopping watcher", "error", err.Error())
		return err
	case ctx.Err() != nil:
		return nil
	default:
		// 一時的な取得エラー: 状態は未変更のまま、間隔を倍化して次のティックを待つ
		next := *delay * 2
		if next > w.cfg.MaxBackoff {
			next = w.cfg.MaxBackoff
		}
		if next != *delay {
			*delay = next
			ticker.Reset(*delay)
		}
		w.log.Warn("Cycle failed, backing off", "error", err.Error(), "nextInterval", delay.String())
		return nil
	}
}

// RunCycle は1サイクル（fetch → filter → dispatch → commit）を実行する。
// 変更がない場合は状態に一切書き込まずに戻る。取得エラー時はカーソルも
// 処理済み集合も変更されず、次のサイクルで安全に再試行できる。
func (w *Watcher) RunCycle(ctx context.Context, st *state.LoopState) (*CycleResult, error) {
	if !w.busy.CompareAndSwap(false, true) {
		return nil, ErrCycleInFlight
	}
	defer w.busy.Store(false)

	result := &CycleResult{CycleID: uuid.NewString()[:8]}
	log := w.log.WithFields("cycle", result.CycleID)

	// カーソルはフェッチ開始時刻に前進させる。"今" ではなく開始時刻を使う
	// ことで、遅いサイクル中に作られたアイテムを取りこぼさない。
	fetchStart := time.Now().UTC()
	since := st.Cursor.LastCheckedAt

	var (
		issues          []*gh.Issue
		comments        []*gh.IssueComment
		issuesChanged   bool
		commentsChanged bool
	)
	err := retryWithBackoff(ctx, log, 3, time.Second, func() error {
		raw, changed, err := w.client.ListIssuesSince(ctx, since)
		if err != nil {
			return err
		}
		issues, issuesChanged = raw, changed
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = retryWithBackoff(ctx, log, 3, time.Second, func() error {
		raw, changed, err := w.client.ListCommentsSince(ctx, since)
		if err != nil {
			return err
		}
		comments, commentsChanged = raw, changed
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 変更なしの早期終了。カーソルも処理済み集合も書き換えない。
	if !issuesChanged && !commentsChanged {
		result.Unchanged = true
		log.Debug("No changes detected, skipping cycle")
		return result, nil
	}

	candidates := w.filter(st, issues, comments, log, result)

	// Issueごとの複数コメントへの応答が時系列順になるよう安定ソートする
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].item.Timestamp().Before(candidates[j].item.Timestamp())
	})

	w.dispatch(ctx, candidates, log, result)

	// コミット: 失敗したディスパッチも処理済みとして記録する。
	// 再処理はオペレーターの明示的な操作（banken reprocess）でのみ行う。
	now := time.Now().UTC()
	for _, key := range result.Dispatched {
		st.MarkProcessed(key, now)
	}
	for _, key := range result.Failed {
		st.MarkProcessed(key, now)
	}
	st.Prune(w.cfg.Retention, now)
	st.AdvanceCursor(fetchStart)

	if err := w.store.Save(st); err != nil {
		return result, err
	}

	return result, nil
}

type candidate struct {
	item  Item
	phase phase.Phase
	key   state.ItemKey
}

// filter は候補アイテムに全フィルタを適用する
func (w *Watcher) filter(st *state.LoopState, issues []*gh.Issue, comments []*gh.IssueComment, log logger.Logger, result *CycleResult) []candidate {
	var candidates []candidate

	for _, issue := range issues {
		item := Item{Kind: KindIssue, Issue: issue}

		if issue.IsPullRequest() {
			continue
		}
		if w.isSelf(item) {
			log.Debug("Skipping self-authored item", "item", item.Describe())
			continue
		}
		if w.hasIgnoreLabel(issue) {
			log.Debug("Skipping item with ignore label", "item", item.Describe())
			continue
		}

		p := w.classifier.Classify(issue)
		if p == phase.Unclassified {
			log.Debug("Skipping unclassified issue", "item", item.Describe())
			continue
		}

		key := item.Key(p)
		if st.HasProcessed(key) {
			result.Skipped = append(result.Skipped, key)
			continue
		}
		candidates = append(candidates, candidate{item: item, phase: p, key: key})
	}

	for _, comment := range comments {
		item := Item{Kind: KindComment, Comment: comment}

		// PR上のコメントはhtml_urlで見分けられる
		if strings.Contains(comment.GetHTMLURL(), "/pull/") {
			continue
		}
		if w.isSelf(item) {
			log.Debug("Skipping self-authored comment", "item", item.Describe())
			continue
		}
		if strings.Contains(comment.GetBody(), IgnoreDirective) {
			log.Debug("Skipping comment with ignore directive", "item", item.Describe())
			continue
		}

		key := item.Key(phase.Unclassified)
		if st.HasProcessed(key) {
			result.Skipped = append(result.Skipped, key)
			continue
		}
		candidates = append(candidates, candidate{item: item, phase: phase.Unclassified, key: key})
	}

	return candidates
}

// dispatch は候補を順次（または並列に）Handlerへ渡す。個々の失敗は
// 隔離してログに残すだけで、サイクル全体を止めることはない。
func (w *Watcher) dispatch(ctx context.Context, candidates []candidate, log logger.Logger, result *CycleResult) {
	if len(candidates) == 0 {
		return
	}

	var mu sync.Mutex
	record := func(key state.ItemKey, err error, item Item) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			log.Error("Dispatch failed", "item", item.Describe(), "key", string(key), "error", err.Error())
			result.Failed = append(result.Failed, key)
			return
		}
		result.Dispatched = append(result.Dispatched, key)
	}

	dispatchOne := func(c candidate) {
		dctx, cancel := context.WithTimeout(ctx, w.cfg.DispatchTimeout)
		defer cancel()
		record(c.key, w.handler.Handle(dctx, c.item, c.phase), c.item)
	}

	if w.cfg.DispatchWorkers <= 1 {
		for _, c := range candidates {
			dispatchOne(c)
		}
		return
	}

	// 並列ディスパッチ。コミットは全ディスパッチの完了後にまとめて行う。
	g := &errgroup.Group{}
	g.SetLimit(w.cfg.DispatchWorkers)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			dispatchOne(c)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Watcher) isSelf(item Item) bool {
	return w.botLogin != "" && item.Author() == w.botLogin
}

func (w *Watcher) hasIgnoreLabel(issue *gh.Issue) bool {
	for _, label := range issue.Labels {
		for _, ignore := range w.cfg.IgnoreLabels {
			if label.GetName() == ignore {
				return true
			}
		}
	}
	return false
}
