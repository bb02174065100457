package handler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hitoshi/pushhub/internal/metrics"
	"github.com/hitoshi/pushhub/internal/middleware"
	"github.com/hitoshi/pushhub/internal/publish"
	"github.com/hitoshi/pushhub/internal/subscription"
)

// mockPublishService はテスト用のpublishサービス。
type mockPublishService struct {
	urls []string
	err  error
}

func (m *mockPublishService) Publish(ctx context.Context, urls []string, form map[string][]string) error {
	m.urls = urls
	return m.err
}

// mockSubscriptionService はテスト用の購読サービス。
type mockSubscriptionService struct {
	calls []string
	lease int
	err   error
}

func (m *mockSubscriptionService) SyncSubscribe(ctx context.Context, callback, topic, verifyToken, secret string, leaseSeconds int) error {
	m.calls = append(m.calls, "sync-subscribe")
	m.lease = leaseSeconds
	return m.err
}

func (m *mockSubscriptionService) SyncUnsubscribe(ctx context.Context, callback, topic, verifyToken string) error {
	m.calls = append(m.calls, "sync-unsubscribe")
	return m.err
}

func (m *mockSubscriptionService) AsyncSubscribe(ctx context.Context, callback, topic, verifyToken, secret string, leaseSeconds int) error {
	m.calls = append(m.calls, "async-subscribe")
	m.lease = leaseSeconds
	return m.err
}

func (m *mockSubscriptionService) AsyncUnsubscribe(ctx context.Context, callback, topic, verifyToken string) error {
	m.calls = append(m.calls, "async-unsubscribe")
	return m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

type handlerFixture struct {
	router    http.Handler
	publisher *mockPublishService
	subs      *mockSubscriptionService
}

func newFixture() *handlerFixture {
	publisher := &mockPublishService{}
	subs := &mockSubscriptionService{}
	hub := NewHubHandler(publisher, subs, metrics.Nop{}, testLogger(), false)
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	router := NewRouter(&RouterDeps{
		Hub:         hub,
		Diagnostics: newDiagnosticsFixture().handler,
		RateLimiter: rl,
		Logger:      testLogger(),
	})
	return &handlerFixture{router: router, publisher: publisher, subs: subs}
}

func postForm(router http.Handler, path string, values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestPublish_Accepted(t *testing.T) {
	f := newFixture()
	rec := postForm(f.router, "/publish", url.Values{
		"hub.mode": {"publish"},
		"hub.url":  {"http://example.com/feed", "http://example.com/other"},
	})

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204: %s", rec.Code, rec.Body.String())
	}
	if len(f.publisher.urls) != 2 {
		t.Errorf("urls = %v", f.publisher.urls)
	}
}

func TestPublish_InvalidURLRejected(t *testing.T) {
	f := newFixture()
	f.publisher.err = publish.ErrInvalidURL

	rec := postForm(f.router, "/publish", url.Values{
		"hub.mode": {"publish"},
		"hub.url":  {"ftp://example.com/feed"},
	})

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestPublish_BackendErrorReturns503(t *testing.T) {
	f := newFixture()
	f.publisher.err = errors.New("db down")

	rec := postForm(f.router, "/publish", url.Values{
		"hub.mode": {"publish"},
		"hub.url":  {"http://example.com/feed"},
	})

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "120" {
		t.Errorf("Retry-After = %q, want 120", rec.Header().Get("Retry-After"))
	}
}

func TestPublish_WrongModeRejected(t *testing.T) {
	f := newFixture()
	rec := postForm(f.router, "/publish", url.Values{
		"hub.mode": {"subscribe"},
		"hub.url":  {"http://example.com/feed"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func subscribeValues() url.Values {
	return url.Values{
		"hub.mode":     {"subscribe"},
		"hub.callback": {"http://sub.example.com/cb"},
		"hub.topic":    {"http://example.com/feed"},
		"hub.verify":   {"sync"},
	}
}

func TestSubscribe_SyncVerified(t *testing.T) {
	f := newFixture()
	rec := postForm(f.router, "/subscribe", subscribeValues())

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204: %s", rec.Code, rec.Body.String())
	}
	if len(f.subs.calls) != 1 || f.subs.calls[0] != "sync-subscribe" {
		t.Errorf("calls = %v", f.subs.calls)
	}
}

func TestSubscribe_AsyncAccepted(t *testing.T) {
	f := newFixture()
	values := subscribeValues()
	// syncとasyncの両方が指定されたらasyncを優先する
	values["hub.verify"] = []string{"sync", "async"}
	values.Set("hub.lease_seconds", "3600")

	rec := postForm(f.router, "/subscribe", values)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(f.subs.calls) != 1 || f.subs.calls[0] != "async-subscribe" {
		t.Errorf("calls = %v", f.subs.calls)
	}
	if f.subs.lease != 3600 {
		t.Errorf("lease = %d, want 3600", f.subs.lease)
	}
}

func TestSubscribe_ConfirmFailedReturns409(t *testing.T) {
	f := newFixture()
	f.subs.err = subscription.ErrConfirmFailed

	rec := postForm(f.router, "/subscribe", subscribeValues())

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestSubscribe_UnsubscribeUnknownReturns204(t *testing.T) {
	f := newFixture()
	values := subscribeValues()
	values.Set("hub.mode", "unsubscribe")

	rec := postForm(f.router, "/subscribe", values)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if len(f.subs.calls) != 1 || f.subs.calls[0] != "sync-unsubscribe" {
		t.Errorf("calls = %v", f.subs.calls)
	}
}

func TestSubscribe_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(url.Values)
	}{
		{"不正なモード", func(v url.Values) { v.Set("hub.mode", "renew") }},
		{"不正なコールバック", func(v url.Values) { v.Set("hub.callback", "ftp://sub.example.com/cb") }},
		{"不正なトピック", func(v url.Values) { v.Set("hub.topic", "http://example.com/feed#frag") }},
		{"検証モードなし", func(v url.Values) { v.Del("hub.verify") }},
		{"不正なリース期間", func(v url.Values) { v.Set("hub.lease_seconds", "abc") }},
		{"負のリース期間", func(v url.Values) { v.Set("hub.lease_seconds", "-1") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			values := subscribeValues()
			tt.mutate(values)

			rec := postForm(f.router, "/subscribe", values)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if len(f.subs.calls) != 0 {
				t.Errorf("calls = %v, サービスは呼ばれないべき", f.subs.calls)
			}
		})
	}
}

func TestRoot_MultiplexesOnMode(t *testing.T) {
	f := newFixture()

	rec := postForm(f.router, "/", url.Values{
		"hub.mode": {"publish"},
		"hub.url":  {"http://example.com/feed"},
	})
	if rec.Code != http.StatusNoContent {
		t.Errorf("publish status = %d, want 204", rec.Code)
	}

	values := subscribeValues()
	rec = postForm(f.router, "/", values)
	if rec.Code != http.StatusNoContent {
		t.Errorf("subscribe status = %d, want 204", rec.Code)
	}

	rec = postForm(f.router, "/", url.Values{"hub.mode": {"bogus"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus mode status = %d, want 400", rec.Code)
	}
}

func TestHealth_OK(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
