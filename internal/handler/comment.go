package handler

import (
	"context"
	"fmt"

	"github.com/okudaira/banken/internal/github"
	"github.com/okudaira/banken/internal/logger"
	"github.com/okudaira/banken/internal/organizer"
	"github.com/okudaira/banken/internal/phase"
	"github.com/okudaira/banken/internal/watcher"
)

// BotMarker は自動投稿コメントに埋め込まれるマーカー。
// 自己フィルタの主防壁は作者名だが、目視での識別にも役立つ。
const BotMarker = "<!-- banken -->"

// CommentHandler は検出したアイテムに確認コメントを投稿し、
// Issueにはフェーズラベルを付与するHandler
type CommentHandler struct {
	client    github.GitHubClient
	organizer *organizer.Organizer // nilの場合は監査記録をスキップ
	prefix    string               // フェーズラベルのプレフィックス
	log       logger.Logger
}

// NewCommentHandler は新しいCommentHandlerを作成する
func NewCommentHandler(client github.GitHubClient, org *organizer.Organizer, labelPrefix string, log logger.Logger) *CommentHandler {
	if labelPrefix == "" {
		labelPrefix = "phase:"
	}
	return &CommentHandler{
		client:    client,
		organizer: org,
		prefix:    labelPrefix,
		log:       log,
	}
}

// Handle はアイテムに応じたコメント投稿とラベル付与を行う
func (h *CommentHandler) Handle(ctx context.Context, item watcher.Item, p phase.Phase) error {
	issueNumber := item.IssueNumber()
	if issueNumber == 0 {
		return fmt.Errorf("cannot determine issue number for %s", item.Describe())
	}

	body := h.buildBody(item, p)
	if err := h.client.CreateComment(ctx, issueNumber, body); err != nil {
		return fmt.Errorf("post comment: %w", err)
	}

	if item.Kind == watcher.KindIssue && p != phase.Unclassified {
		label := h.prefix + p.String()
		if err := h.client.AddLabels(ctx, issueNumber, []string{label}); err != nil {
			return fmt.Errorf("add label %q: %w", label, err)
		}
	}

	if h.organizer != nil {
		meta := organizer.Metadata{Labels: issueLabels(item)}
		if err := h.organizer.EnsureIssueRecord(issueNumber, meta); err != nil {
			// 監査記録の失敗でディスパッチ自体は失敗させない
			h.log.Warn("Failed to write issue record", "issue", issueNumber, "error", err.Error())
		}
	}

	h.log.Info("Handled item", "item", item.Describe(), "phase", p.String())
	return nil
}

func (h *CommentHandler) buildBody(item watcher.Item, p phase.Phase) string {
	if item.Kind == watcher.KindComment {
		return fmt.Sprintf("%s\nコメントを受け付けました。処理を開始します。", BotMarker)
	}
	return fmt.Sprintf("%s\nこのIssueを `%s` フェーズとして受け付けました。", BotMarker, p)
}

func issueLabels(item watcher.Item) []string {
	if item.Kind != watcher.KindIssue {
		return nil
	}
	var labels []string
	for _, label := range item.Issue.Labels {
		labels = append(labels, label.GetName())
	}
	return labels
}
