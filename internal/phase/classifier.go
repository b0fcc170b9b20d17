package phase

import (
	"strings"

	gh "github.com/google/go-github/v50/github"
)

// titleKeywords はタイトル分類のキーワード表。先勝ちで評価される。
var titleKeywords = []struct {
	phase    Phase
	keywords []string
}{
	{Idea, []string{"idea", "concept"}},
	{Research, []string{"research", "analyze"}},
	{Planning, []string{"plan", "design"}},
	{Implementation, []string{"implement", "build"}},
}

// Classifier はIssueをフェーズに分類する。決定的で副作用を持たない。
type Classifier struct {
	labelPrefix string
}

// NewClassifier は新しいClassifierを作成する。
// labelPrefixが空の場合は "phase:" が使われる。
func NewClassifier(labelPrefix string) *Classifier {
	if labelPrefix == "" {
		labelPrefix = "phase:"
	}
	return &Classifier{labelPrefix: labelPrefix}
}

// Classify はIssueのフェーズを判定する。優先順位は
// ラベル > マイルストーン名 > タイトルキーワード で、先勝ち。
// どれにも該当しない場合はUnclassifiedを返す。
func (c *Classifier) Classify(issue *gh.Issue) Phase {
	if issue == nil {
		return Unclassified
	}

	// 1. phase:<name> ラベル
	for _, label := range issue.Labels {
		name := label.GetName()
		if !strings.HasPrefix(name, c.labelPrefix) {
			continue
		}
		if p, ok := Parse(strings.TrimPrefix(name, c.labelPrefix)); ok {
			return p
		}
	}

	// 2. マイルストーン名のキーワード
	if ms := issue.GetMilestone(); ms != nil {
		if p, ok := matchKeywords(ms.GetTitle()); ok {
			return p
		}
	}

	// 3. タイトルのキーワード
	if p, ok := matchKeywords(issue.GetTitle()); ok {
		return p
	}

	return Unclassified
}

func matchKeywords(text string) (Phase, bool) {
	lower := strings.ToLower(text)
	for _, entry := range titleKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.phase, true
			}
		}
	}
	return Unclassified, false
}
