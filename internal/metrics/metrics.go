// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス収集のインターフェース。
// ハンドラやワーカーから利用する。
type Recorder interface {
	RecordPublish(topics int)
	RecordFetch(ok bool)
	RecordFetchStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordDelivery(ok bool)
	RecordDeliveryLatency(duration time.Duration)
	RecordConfirm(mode string, ok bool)
	RecordScorerDenial(scope string)
	RecordContentTypeInferred()
}

// Nop は何も記録しないRecorder。メトリクス未配線のテストで使う。
type Nop struct{}

func (Nop) RecordPublish(topics int)                     {}
func (Nop) RecordFetch(ok bool)                          {}
func (Nop) RecordFetchStatus(statusCode int)             {}
func (Nop) RecordFetchLatency(duration time.Duration)    {}
func (Nop) RecordDelivery(ok bool)                       {}
func (Nop) RecordDeliveryLatency(duration time.Duration) {}
func (Nop) RecordConfirm(mode string, ok bool)           {}
func (Nop) RecordScorerDenial(scope string)              {}
func (Nop) RecordContentTypeInferred()                   {}

// compile-time interface check
var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	publishTopics   prometheus.Counter
	fetchSuccess    prometheus.Counter
	fetchFail       prometheus.Counter
	fetchStatus     *prometheus.CounterVec
	fetchLatency    prometheus.Histogram
	deliverySuccess prometheus.Counter
	deliveryFail    prometheus.Counter
	deliveryLatency prometheus.Histogram
	confirm         *prometheus.CounterVec
	scorerDenied    *prometheus.CounterVec
	contentInferred prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		publishTopics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushhub_publish_topics_total",
			Help: "publishピンで受け付けたトピックの合計数",
		}),
		fetchSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushhub_fetch_success_total",
			Help: "フィードフェッチ成功の合計数",
		}),
		fetchFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushhub_fetch_fail_total",
			Help: "フィードフェッチ失敗の合計数",
		}),
		fetchStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pushhub_fetch_status_total",
			Help: "フィードフェッチのHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pushhub_fetch_latency_seconds",
			Help:    "フィードフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		deliverySuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushhub_delivery_success_total",
			Help: "購読者への配信成功の合計数",
		}),
		deliveryFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushhub_delivery_fail_total",
			Help: "購読者への配信失敗の合計数",
		}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pushhub_delivery_latency_seconds",
			Help:    "購読者への配信のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		confirm: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pushhub_confirm_total",
			Help: "購読検証ハンドシェイクのモード・結果別合計数",
		}, []string{"mode", "outcome"}),
		scorerDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pushhub_scorer_denied_total",
			Help: "スコアラーが遮断した外向きリクエストのスコープ別合計数",
		}, []string{"scope"}),
		contentInferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pushhub_content_type_inferred_total",
			Help: "元フィードのContent-Typeが欠けていて推定した配信の合計数",
		}),
	}

	reg.MustRegister(
		c.publishTopics,
		c.fetchSuccess,
		c.fetchFail,
		c.fetchStatus,
		c.fetchLatency,
		c.deliverySuccess,
		c.deliveryFail,
		c.deliveryLatency,
		c.confirm,
		c.scorerDenied,
		c.contentInferred,
	)

	return c
}

// RecordPublish はpublishピンで受け付けたトピック数を記録する。
func (c *Collector) RecordPublish(topics int) {
	c.publishTopics.Add(float64(topics))
}

// RecordFetch はフェッチの成否を記録する。
func (c *Collector) RecordFetch(ok bool) {
	if ok {
		c.fetchSuccess.Inc()
	} else {
		c.fetchFail.Inc()
	}
}

// RecordFetchStatus はフェッチのHTTPステータスコードを記録する。
func (c *Collector) RecordFetchStatus(statusCode int) {
	c.fetchStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordDelivery は購読者1件への配信の成否を記録する。
func (c *Collector) RecordDelivery(ok bool) {
	if ok {
		c.deliverySuccess.Inc()
	} else {
		c.deliveryFail.Inc()
	}
}

// RecordDeliveryLatency は配信のレイテンシを記録する。
func (c *Collector) RecordDeliveryLatency(duration time.Duration) {
	c.deliveryLatency.Observe(duration.Seconds())
}

// RecordConfirm は検証ハンドシェイクの結果を記録する。
func (c *Collector) RecordConfirm(mode string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	c.confirm.WithLabelValues(mode, outcome).Inc()
}

// RecordScorerDenial はスコアラーによる遮断を記録する。
func (c *Collector) RecordScorerDenial(scope string) {
	c.scorerDenied.WithLabelValues(scope).Inc()
}

// RecordContentTypeInferred はContent-Type推定の発生を記録する。
func (c *Collector) RecordContentTypeInferred() {
	c.contentInferred.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
