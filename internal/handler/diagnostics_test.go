package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/pushhub/internal/dos"
	"github.com/hitoshi/pushhub/internal/model"
)

// mockRecordRepo はテスト用のフィード記録リポジトリ。
type mockRecordRepo struct {
	record *model.FeedRecord
}

func (m *mockRecordRepo) Find(ctx context.Context, topic string) (*model.FeedRecord, error) {
	return m.record, nil
}
func (m *mockRecordRepo) GetEntryHashes(ctx context.Context, feedKey string, entryKeys []string) (map[string]string, error) {
	return nil, nil
}
func (m *mockRecordRepo) CommitParse(ctx context.Context, record *model.FeedRecord, entries []*model.FeedEntryRecord, event *model.EventToDeliver, task *model.Task) error {
	return nil
}

// mockFeedRepo はテスト用のフェッチ待ちリポジトリ。
type mockFeedRepo struct {
	fetch *model.FeedToFetch
}

func (m *mockFeedRepo) FindByTopic(ctx context.Context, topic string) (*model.FeedToFetch, error) {
	return m.fetch, nil
}
func (m *mockFeedRepo) BulkInsert(ctx context.Context, feeds []*model.FeedToFetch, task *model.Task) error {
	return nil
}
func (m *mockFeedRepo) ListByWorkIndex(ctx context.Context, workIndex int64, limit int) ([]*model.FeedToFetch, error) {
	return nil, nil
}
func (m *mockFeedRepo) MarkFetchFailed(ctx context.Context, feed *model.FeedToFetch, maxFailures int, retryBase time.Duration, makeTask func(eta time.Time) *model.Task) (bool, error) {
	return false, nil
}
func (m *mockFeedRepo) Done(ctx context.Context, feed *model.FeedToFetch) (bool, error) {
	return false, nil
}

// mockSubRepo はテスト用の購読リポジトリ。
type mockSubRepo struct {
	sub *model.Subscription
}

func (m *mockSubRepo) FindByID(ctx context.Context, id string) (*model.Subscription, error) {
	if m.sub != nil && m.sub.ID == id {
		return m.sub, nil
	}
	return nil, nil
}
func (m *mockSubRepo) Subscribe(ctx context.Context, sub *model.Subscription) (bool, error) {
	return false, nil
}
func (m *mockSubRepo) RequestSubscribe(ctx context.Context, sub *model.Subscription, task *model.Task) error {
	return nil
}
func (m *mockSubRepo) Remove(ctx context.Context, callback, topic string) (bool, error) {
	return false, nil
}
func (m *mockSubRepo) RequestRemove(ctx context.Context, callback, topic, verifyToken string, task *model.Task) (bool, error) {
	return false, nil
}
func (m *mockSubRepo) Archive(ctx context.Context, callback, topic string) error { return nil }
func (m *mockSubRepo) ConfirmFailed(ctx context.Context, sub *model.Subscription, maxFailures int, retryBase time.Duration, makeTask func(eta time.Time) *model.Task) (bool, error) {
	return false, nil
}
func (m *mockSubRepo) HasSubscribers(ctx context.Context, topic string) (bool, error) {
	return false, nil
}
func (m *mockSubRepo) GetSubscribers(ctx context.Context, topic string, count int, startAtCallback string) ([]*model.Subscription, error) {
	return nil, nil
}
func (m *mockSubRepo) FindByIDs(ctx context.Context, ids []string) ([]*model.Subscription, error) {
	return nil, nil
}
func (m *mockSubRepo) CountVerifiedByTopic(ctx context.Context, topic string) (int, error) {
	return 0, nil
}
func (m *mockSubRepo) DeleteArchived(ctx context.Context, limit int) (int, error) { return 0, nil }

// mockKnownRepo はテスト用の既知フィードリポジトリ。
type mockKnownRepo struct {
	found *model.KnownFeed
	stats *model.KnownFeedStats
}

func (m *mockKnownRepo) Upsert(ctx context.Context, feed *model.KnownFeed) error { return nil }
func (m *mockKnownRepo) Find(ctx context.Context, topic string) (*model.KnownFeed, error) {
	return m.found, nil
}
func (m *mockKnownRepo) FindByTopics(ctx context.Context, topics []string) (map[string]*model.KnownFeed, error) {
	return nil, nil
}
func (m *mockKnownRepo) ListPage(ctx context.Context, startKey string, limit int) ([]*model.KnownFeed, error) {
	return nil, nil
}
func (m *mockKnownRepo) UpdateIdentity(ctx context.Context, feedID, topic string) error { return nil }
func (m *mockKnownRepo) RemoveIdentity(ctx context.Context, feedID, topic string) error { return nil }
func (m *mockKnownRepo) FindIdentity(ctx context.Context, feedID string) (*model.KnownFeedIdentity, error) {
	return nil, nil
}
func (m *mockKnownRepo) FindStats(ctx context.Context, feedKey string) (*model.KnownFeedStats, error) {
	if m.stats != nil {
		return m.stats, nil
	}
	return &model.KnownFeedStats{FeedKey: feedKey}, nil
}
func (m *mockKnownRepo) RefreshStats(ctx context.Context, topic string) error { return nil }
func (m *mockKnownRepo) GetMarker(ctx context.Context) (*model.PollingMarker, error) {
	return &model.PollingMarker{}, nil
}
func (m *mockKnownRepo) SaveMarker(ctx context.Context, marker *model.PollingMarker) error {
	return nil
}

type diagnosticsFixture struct {
	handler *DiagnosticsHandler
	records *mockRecordRepo
	feeds   *mockFeedRepo
	subs    *mockSubRepo
	known   *mockKnownRepo
	fetch   *dos.MultiSampler
}

func newDiagnosticsFixture() *diagnosticsFixture {
	records := &mockRecordRepo{}
	feeds := &mockFeedRepo{}
	subs := &mockSubRepo{}
	known := &mockKnownRepo{}
	fetchSampler := dos.NewFetchSampler()
	h := NewDiagnosticsHandler(records, feeds, subs, known,
		map[string]*dos.MultiSampler{
			"fetch":    fetchSampler,
			"delivery": dos.NewDeliverySampler(),
		}, testLogger(), false)
	return &diagnosticsFixture{
		handler: h,
		records: records,
		feeds:   feeds,
		subs:    subs,
		known:   known,
		fetch:   fetchSampler,
	}
}

func getPath(h http.HandlerFunc, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestTopicDetails_StripsMarkupFromExcerpt(t *testing.T) {
	f := newDiagnosticsFixture()
	f.records.record = &model.FeedRecord{
		Topic:        "http://example.com/feed",
		Format:       model.FormatAtom,
		ContentType:  "application/atom+xml",
		HeaderFooter: `<feed><title>My <script>evil()</script>Feed</title></feed>`,
	}
	f.known.stats = &model.KnownFeedStats{SubscriberCount: 7}

	rec := getPath(f.handler.TopicDetails,
		"/topic-details?"+url.Values{"hub.url": {"http://example.com/feed"}}.Encode())

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if strings.Contains(body, "<script>") {
		t.Error("抜粋にスクリプトタグが残っているべきでない")
	}
	if !strings.Contains(body, "My") || !strings.Contains(body, "Feed") {
		t.Errorf("抜粋のテキストが残るべき: %s", body)
	}
	if !strings.Contains(body, "Verified subscribers: 7") {
		t.Error("購読者数が表示されるべき")
	}
}

func TestTopicDetails_InvalidURLRejected(t *testing.T) {
	f := newDiagnosticsFixture()
	rec := getPath(f.handler.TopicDetails, "/topic-details?hub.url=ftp%3A%2F%2Fx")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSubscriptionDetails_ShowsState(t *testing.T) {
	f := newDiagnosticsFixture()
	callback := "http://sub.example.com/cb"
	topic := "http://example.com/feed"
	f.subs.sub = &model.Subscription{
		ID:       model.SubscriptionKeyName(callback, topic),
		Callback: callback,
		Topic:    topic,
		State:    model.StateVerified,
	}

	rec := getPath(f.handler.SubscriptionDetails,
		"/subscription-details?"+url.Values{
			"hub.callback": {callback},
			"hub.topic":    {topic},
		}.Encode())

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), string(model.StateVerified)) {
		t.Errorf("購読状態が表示されるべき: %s", rec.Body.String())
	}
}

func TestSubscriptionDetails_UnknownShowsPlaceholder(t *testing.T) {
	f := newDiagnosticsFixture()
	rec := getPath(f.handler.SubscriptionDetails,
		"/subscription-details?hub.callback=http%3A%2F%2Fx%2Fcb&hub.topic=http%3A%2F%2Fy%2Ffeed")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "No such subscription") {
		t.Errorf("未知の購読の表示が出るべき: %s", rec.Body.String())
	}
}

func TestStats_ListsReservoirs(t *testing.T) {
	f := newDiagnosticsFixture()

	reporter := dos.NewReporter()
	dos.ReportFetch(reporter, "http://example.com/feed", true, 200*time.Millisecond)
	f.fetch.Sample(reporter)

	rec := getPath(f.handler.Stats, "/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "fetch") || !strings.Contains(body, "delivery") {
		t.Errorf("両方のサンプラーグループが表示されるべき: %s", body)
	}
}
