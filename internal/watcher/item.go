package watcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v50/github"
	"github.com/okudaira/banken/internal/phase"
	"github.com/okudaira/banken/internal/state"
)

// ItemKind はアイテムの種類
type ItemKind int

const (
	// KindIssue はIssue
	KindIssue ItemKind = iota
	// KindComment はIssueコメント
	KindComment
)

// Item は1サイクルで処理されるIssueまたはコメント
type Item struct {
	Kind    ItemKind
	Issue   *gh.Issue
	Comment *gh.IssueComment
}

// Handler はアイテム検出時に呼ばれる下流の処理系。
// コメント投稿・ラベル付与・AI CLI実行などはすべてこの背後にある。
// 失敗はループ側で隔離されるため、Handleがサイクルを壊すことはない。
type Handler interface {
	Handle(ctx context.Context, item Item, p phase.Phase) error
}

// HandlerFunc は関数をHandlerとして使うためのアダプタ
type HandlerFunc func(ctx context.Context, item Item, p phase.Phase) error

// Handle はHandlerインターフェースを実装する
func (f HandlerFunc) Handle(ctx context.Context, item Item, p phase.Phase) error {
	return f(ctx, item, p)
}

// Key はアイテムの重複排除キーを返す
func (i Item) Key(p phase.Phase) state.ItemKey {
	if i.Kind == KindComment {
		return state.CommentKey(i.Comment.GetID())
	}
	return state.IssueKey(i.Issue.GetNumber(), p)
}

// Author はアイテムの作者のログイン名を返す
func (i Item) Author() string {
	if i.Kind == KindComment {
		return i.Comment.GetUser().GetLogin()
	}
	return i.Issue.GetUser().GetLogin()
}

// Timestamp はサイクル内の安定ソートに使う時刻を返す。
// Issueは更新時刻、コメントは作成時刻。
func (i Item) Timestamp() time.Time {
	if i.Kind == KindComment {
		return i.Comment.GetCreatedAt().Time
	}
	return i.Issue.GetUpdatedAt().Time
}

// IssueNumber はアイテムが属するIssue番号を返す
func (i Item) IssueNumber() int {
	if i.Kind == KindComment {
		return issueNumberFromURL(i.Comment.GetIssueURL())
	}
	return i.Issue.GetNumber()
}

// Describe はログ用の短い説明を返す
func (i Item) Describe() string {
	if i.Kind == KindComment {
		return fmt.Sprintf("comment %d on issue #%d", i.Comment.GetID(), i.IssueNumber())
	}
	return fmt.Sprintf("issue #%d %q", i.Issue.GetNumber(), i.Issue.GetTitle())
}

// issueNumberFromURL はAPIのissue URL末尾からIssue番号を取り出す
func issueNumberFromURL(url string) int {
	idx := strings.LastIndex(url, "/")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(url[idx+1:])
	if err != nil {
		return 0
	}
	return n
}
