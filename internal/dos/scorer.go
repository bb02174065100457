// Package dos は外向きHTTPトラフィックの健全性追跡を提供する。
// スコアラーはフェッチ/配信をゲートし、サンプラーは診断用に観測する。
package dos

import (
	"sync"
	"time"
)

// URLScorer はURLごとの成功/失敗カウンタをローリング期間で管理し、
// 失敗率の高いエンドポイントへのリクエストを遮断する。
// 期間内のリクエストレートがmin_requests/secに達し、かつ失敗率が
// max_failure_fractionに達したURLのみを拒否する。トラフィックの
// 少ないURLは統計が不十分なため常に許可される。
type URLScorer struct {
	period             time.Duration
	minRequestsPerSec  float64
	maxFailureFraction float64
	prefix             string
	now                func() time.Time

	mu     sync.Mutex
	counts map[string]*urlCounter
}

type urlCounter struct {
	windowStart time.Time
	requests    int64
	failures    int64
}

// NewURLScorer はスコアラーを生成する。prefixはカウンタのキー空間を
// 分離する識別子（pull_feed / deliver_events）。
func NewURLScorer(period time.Duration, minRequestsPerSec, maxFailureFraction float64, prefix string) *URLScorer {
	return &URLScorer{
		period:             period,
		minRequestsPerSec:  minRequestsPerSec,
		maxFailureFraction: maxFailureFraction,
		prefix:             prefix,
		now:                time.Now,
		counts:             make(map[string]*urlCounter),
	}
}

// FilterResult はFilterの1URL分の判定結果。
type FilterResult struct {
	Allow           bool
	FailureFraction float64
}

// Filter は各URLについて(許可するか, 観測された失敗率)を返す。
// 判定のみでカウンタは更新しない。
func (s *URLScorer) Filter(urls []string) []FilterResult {
	now := s.now()
	results := make([]FilterResult, len(urls))

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, url := range urls {
		results[i] = s.judgeLocked(url, now)
	}
	return results
}

func (s *URLScorer) judgeLocked(url string, now time.Time) FilterResult {
	c, ok := s.counts[s.prefix+":"+url]
	if !ok || now.Sub(c.windowStart) >= s.period || c.requests == 0 {
		return FilterResult{Allow: true}
	}
	fraction := float64(c.failures) / float64(c.requests)
	rate := float64(c.requests) / s.period.Seconds()
	if rate >= s.minRequestsPerSec && fraction >= s.maxFailureFraction {
		return FilterResult{Allow: false, FailureFraction: fraction}
	}
	return FilterResult{Allow: true, FailureFraction: fraction}
}

// Report は成功/失敗したURLの観測結果をカウンタに反映する。
// 期間を過ぎたカウンタはゼロから数え直す。
func (s *URLScorer) Report(successes, failures []string) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, url := range successes {
		s.bump(url, now, false)
	}
	for _, url := range failures {
		s.bump(url, now, true)
	}
}

func (s *URLScorer) bump(url string, now time.Time, failed bool) {
	key := s.prefix + ":" + url
	c, ok := s.counts[key]
	if !ok || now.Sub(c.windowStart) >= s.period {
		c = &urlCounter{windowStart: now}
		s.counts[key] = c
	}
	c.requests++
	if failed {
		c.failures++
	}
}
