package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ExcerptSanitizer は診断ページに表示するフィード外殻の抜粋から
// マークアップを取り除く。bluemondayのポリシーを保持し、
// スレッドセーフに処理を行う。
type ExcerptSanitizer struct {
	policy *bluemonday.Policy
}

// NewExcerptSanitizer はExcerptSanitizerを生成する。
// 全タグを除去するStrictPolicyを使う。診断ページにフィード由来の
// マークアップをそのまま出さないための防壁。
func NewExcerptSanitizer() *ExcerptSanitizer {
	return &ExcerptSanitizer{policy: bluemonday.StrictPolicy()}
}

// Excerpt はrawからマークアップを除去し、最大maxRunes文字の抜粋を返す。
// 連続する空白は1つにまとめる。
func (s *ExcerptSanitizer) Excerpt(raw string, maxRunes int) string {
	stripped := s.policy.Sanitize(raw)
	stripped = strings.Join(strings.Fields(stripped), " ")
	runes := []rune(stripped)
	if len(runes) > maxRunes {
		return string(runes[:maxRunes]) + "…"
	}
	return stripped
}
