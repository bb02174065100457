package hook

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

type upperPreprocessor struct{ handled bool }

func (p *upperPreprocessor) PreprocessURLs(urls []string) ([]string, bool) {
	if !p.handled {
		return nil, false
	}
	out := make([]string, len(urls))
	for i, u := range urls {
		out[i] = strings.ToUpper(u)
	}
	return out, true
}

// compile-time interface check
var _ URLPreprocessor = (*upperPreprocessor)(nil)

func TestRegistry_PreprocessURLs_NoRegistration(t *testing.T) {
	r := NewRegistry(nil)
	urls := []string{"http://example.com/feed"}
	got := r.PreprocessURLs(urls)
	if got[0] != urls[0] {
		t.Errorf("登録なしでは入力をそのまま返すべき: %v", got)
	}
}

func TestRegistry_PreprocessURLs_FirstHandledWins(t *testing.T) {
	r := NewRegistry(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	r.RegisterURLPreprocessor(&upperPreprocessor{handled: false})
	r.RegisterURLPreprocessor(&upperPreprocessor{handled: true})

	got := r.PreprocessURLs([]string{"http://example.com/feed"})
	if got[0] != "HTTP://EXAMPLE.COM/FEED" {
		t.Errorf("主張しない実装は素通りして次が実行されるべき: %v", got)
	}
}

func TestRegistry_WarnsOnSecondRegistration(t *testing.T) {
	var buf bytes.Buffer
	r := NewRegistry(slog.New(slog.NewTextHandler(&buf, nil)))
	r.RegisterURLPreprocessor(&upperPreprocessor{})
	r.RegisterURLPreprocessor(&upperPreprocessor{})

	if !strings.Contains(buf.String(), "preprocess_urls") {
		t.Error("2つ目の登録で警告ログが出るべき")
	}
}

func TestRegistry_DeriveSources_NilWhenUnclaimed(t *testing.T) {
	r := NewRegistry(nil)
	if got := r.DeriveSources(nil, []string{"http://example.com/feed"}); got != nil {
		t.Errorf("主張がなければnilを返すべき: %v", got)
	}
}
