package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// counterValue は指定名のカウンタ値をレジストリから取り出す。
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("%s metric not found", name)
	return 0
}

// TestRecordPublish_AddsTopicCount はpublishトピック数が加算されることを検証する。
func TestRecordPublish_AddsTopicCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPublish(3)
	c.RecordPublish(2)

	if val := counterValue(t, reg, "pushhub_publish_topics_total"); val != 5 {
		t.Errorf("publish_topics_total = %v, want 5", val)
	}
}

// TestRecordFetch_SplitsByOutcome はフェッチの成否が別カウンタに分かれることを検証する。
func TestRecordFetch_SplitsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFetch(true)
	c.RecordFetch(true)
	c.RecordFetch(false)

	if val := counterValue(t, reg, "pushhub_fetch_success_total"); val != 2 {
		t.Errorf("fetch_success_total = %v, want 2", val)
	}
	if val := counterValue(t, reg, "pushhub_fetch_fail_total"); val != 1 {
		t.Errorf("fetch_fail_total = %v, want 1", val)
	}
}

// TestRecordFetchStatus_IncrementsCounterWithLabel はステータスカウンタがラベル付きで増加することを検証する。
func TestRecordFetchStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFetchStatus(200)
	c.RecordFetchStatus(200)
	c.RecordFetchStatus(304)

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range metrics {
		if mf.GetName() == "pushhub_fetch_status_total" {
			found = true
			if len(mf.GetMetric()) != 2 {
				t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
			}
			for _, m := range mf.GetMetric() {
				label := m.GetLabel()[0].GetValue()
				val := m.GetCounter().GetValue()
				switch label {
				case "200":
					if val != 2 {
						t.Errorf("fetch_status_total{status_code=200} = %v, want 2", val)
					}
				case "304":
					if val != 1 {
						t.Errorf("fetch_status_total{status_code=304} = %v, want 1", val)
					}
				default:
					t.Errorf("unexpected label value: %s", label)
				}
			}
		}
	}
	if !found {
		t.Error("pushhub_fetch_status_total metric not found")
	}
}

// TestRecordDeliveryLatency_ObservesHistogram は配信レイテンシのヒストグラムに値が記録されることを検証する。
func TestRecordDeliveryLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDeliveryLatency(100 * time.Millisecond)
	c.RecordDeliveryLatency(2 * time.Second)

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range metrics {
		if mf.GetName() == "pushhub_delivery_latency_seconds" {
			found = true
			h := mf.GetMetric()[0].GetHistogram()
			if h.GetSampleCount() != 2 {
				t.Errorf("sample_count = %d, want 2", h.GetSampleCount())
			}
			// 合計は0.1 + 2.0 = 2.1秒
			if h.GetSampleSum() < 2.0 || h.GetSampleSum() > 2.2 {
				t.Errorf("sample_sum = %v, want ~2.1", h.GetSampleSum())
			}
		}
	}
	if !found {
		t.Error("pushhub_delivery_latency_seconds metric not found")
	}
}

// TestRecordConfirm_LabelsByModeAndOutcome は検証ハンドシェイクがモードと結果で分かれることを検証する。
func TestRecordConfirm_LabelsByModeAndOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordConfirm("subscribe", true)
	c.RecordConfirm("subscribe", false)
	c.RecordConfirm("unsubscribe", true)

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	combinations := 0
	for _, mf := range metrics {
		if mf.GetName() == "pushhub_confirm_total" {
			combinations = len(mf.GetMetric())
		}
	}
	if combinations != 3 {
		t.Errorf("label combinations = %d, want 3", combinations)
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat は/metricsエンドポイントがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	// いくつかのメトリクスを記録
	c.RecordPublish(1)
	c.RecordFetch(true)
	c.RecordDelivery(false)
	c.RecordScorerDenial("pull_feed")
	c.RecordContentTypeInferred()

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	// Prometheus形式のメトリクスが含まれていることを確認
	expectedMetrics := []string{
		"pushhub_publish_topics_total",
		"pushhub_fetch_success_total",
		"pushhub_delivery_fail_total",
		"pushhub_scorer_denied_total",
		"pushhub_content_type_inferred_total",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}
