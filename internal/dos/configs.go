package dos

import (
	"fmt"
	"time"
)

const (
	scorerPeriod     = 300 * time.Second
	maxFailureRatio  = 0.8
	samplerCapacity  = 10000
	fetchMinPerSec   = 5.0
	deliverMinPerSec = 0.5
)

// NewFetchScorer はフィードフェッチ用のスコアラーを生成する。
// フェッチはトラフィックが濃いため、十分なレート（5 req/s）に
// 達してから失敗率80%でゲートする。
func NewFetchScorer() *URLScorer {
	return NewURLScorer(scorerPeriod, fetchMinPerSec, maxFailureRatio, "pull_feed")
}

// NewDeliveryScorer はイベント配信用のスコアラーを生成する。
// 配信はコールバックごとのトラフィックが薄いため、レート下限を
// 0.5 req/sに下げている。失敗率の上限はフェッチと同じ80%。
func NewDeliveryScorer() *URLScorer {
	return NewURLScorer(scorerPeriod, deliverMinPerSec, maxFailureRatio, "deliver_events")
}

// samplerPeriods は各サンプラーが持つ観測窓の一覧。
var samplerPeriods = []struct {
	label  string
	period time.Duration
}{
	{"1m", time.Minute},
	{"30m", 30 * time.Minute},
	{"1h", time.Hour},
	{"1d", 24 * time.Hour},
}

// buildSamplerConfigs はprefix（fetch / delivery）に対する16本の
// サンプラー設定を構築する。URL/ドメイン × 4期間 × エラー率/レイテンシ。
func buildSamplerConfigs(prefix string) []ReservoirConfig {
	var configs []ReservoirConfig
	for _, kind := range []struct {
		suffix string
		units  string
	}{
		{"", "% errors"},
		{"_latency", "ms"},
	} {
		for _, keyBy := range []struct {
			label string
			by    KeyBy
		}{
			{"url", ByURL},
			{"domain", ByDomain},
		} {
			for _, p := range samplerPeriods {
				configs = append(configs, ReservoirConfig{
					Name:     fmt.Sprintf("%s_%s_%s%s", prefix, keyBy.label, p.label, kind.suffix),
					Period:   p.period,
					Capacity: samplerCapacity,
					KeyBy:    keyBy.by,
					Units:    kind.units,
				})
			}
		}
	}
	return configs
}

// NewFetchSampler はフェッチ観測用のMultiSamplerを生成する。
func NewFetchSampler() *MultiSampler {
	return NewMultiSampler(buildSamplerConfigs("fetch"))
}

// NewDeliverySampler は配信観測用のMultiSamplerを生成する。
func NewDeliverySampler() *MultiSampler {
	return NewMultiSampler(buildSamplerConfigs("delivery"))
}

// ReportFetch は1回のフィードフェッチの結果を全フェッチサンプラーへ
// 記録する。エラー率サンプラーには失敗なら100、成功なら0を入れる。
func ReportFetch(reporter *Reporter, url string, success bool, latency time.Duration) {
	reportOutcome(reporter, "fetch", url, success, latency)
}

// ReportDelivery は1回のコールバック配信の結果を全配信サンプラーへ記録する。
func ReportDelivery(reporter *Reporter, url string, success bool, latency time.Duration) {
	reportOutcome(reporter, "delivery", url, success, latency)
}

func reportOutcome(reporter *Reporter, prefix, url string, success bool, latency time.Duration) {
	errorValue := 0.0
	if !success {
		errorValue = 100.0
	}
	ms := float64(latency.Milliseconds())
	for _, keyBy := range []string{"url", "domain"} {
		for _, p := range samplerPeriods {
			reporter.Set(url, fmt.Sprintf("%s_%s_%s", prefix, keyBy, p.label), errorValue)
			reporter.Set(url, fmt.Sprintf("%s_%s_%s_latency", prefix, keyBy, p.label), ms)
		}
	}
}
