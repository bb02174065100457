package security

import "testing"

func TestExcerpt_StripsMarkup(t *testing.T) {
	s := NewExcerptSanitizer()
	got := s.Excerpt(`<feed xmlns="x"><title>Example   Feed</title><script>alert(1)</script></feed>`, 100)
	if got != "Example Feed" {
		t.Errorf("Excerpt = %q, マークアップとスクリプトは除去されるべき", got)
	}
}

func TestExcerpt_TruncatesLongInput(t *testing.T) {
	s := NewExcerptSanitizer()
	got := s.Excerpt("あいうえおかきくけこ", 5)
	if got != "あいうえお…" {
		t.Errorf("Excerpt = %q, want あいうえお…", got)
	}
}

func TestExcerpt_EmptyInput(t *testing.T) {
	s := NewExcerptSanitizer()
	if got := s.Excerpt("", 10); got != "" {
		t.Errorf("Excerpt = %q, want empty", got)
	}
}
