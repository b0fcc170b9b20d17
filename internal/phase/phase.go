package phase

import "strings"

// Phase はIssueの処理フェーズを表す閉じた列挙型。
// 未分類はnilや空文字列ではなくUnclassifiedで表現する。
type Phase int

const (
	// Unclassified は分類不能。ディスパッチ対象にならない。
	Unclassified Phase = iota
	// Idea はアイデア段階
	Idea
	// Research は調査段階
	Research
	// Planning は計画段階
	Planning
	// Implementation は実装段階
	Implementation
)

// String はフェーズ名を返す
func (p Phase) String() string {
	switch p {
	case Idea:
		return "idea"
	case Research:
		return "research"
	case Planning:
		return "planning"
	case Implementation:
		return "implementation"
	default:
		return "unclassified"
	}
}

// Parse はフェーズ名をPhaseに変換する
func Parse(s string) (Phase, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "idea":
		return Idea, true
	case "research":
		return Research, true
	case "planning", "plan":
		return Planning, true
	case "implementation", "implement":
		return Implementation, true
	default:
		return Unclassified, false
	}
}

// All は分類可能なフェーズを優先順に返す
func All() []Phase {
	return []Phase{Idea, Research, Planning, Implementation}
}
