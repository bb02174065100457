package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/pushhub/internal/forkjoin"
	"github.com/hitoshi/pushhub/internal/hook"
	"github.com/hitoshi/pushhub/internal/model"
	"github.com/hitoshi/pushhub/internal/task"
)

// mockFeedRepo はテスト用のフェッチ待ちリポジトリ。
type mockFeedRepo struct {
	inserted chan insertCall
}

type insertCall struct {
	feeds []*model.FeedToFetch
	task  *model.Task
}

func newMockFeedRepo() *mockFeedRepo {
	return &mockFeedRepo{inserted: make(chan insertCall, 10)}
}

func (m *mockFeedRepo) FindByTopic(ctx context.Context, topic string) (*model.FeedToFetch, error) {
	return nil, nil
}

func (m *mockFeedRepo) BulkInsert(ctx context.Context, feeds []*model.FeedToFetch, t *model.Task) error {
	m.inserted <- insertCall{feeds: feeds, task: t}
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

// mockKnownRepo はテスト用の既知フィードリポジトリ。
type mockKnownRepo struct {
	feeds      map[string]*model.KnownFeed
	identities map[string]*model.KnownFeedIdentity
}

func newMockKnownRepo() *mockKnownRepo {
	return &mockKnownRepo{
		feeds:      map[string]*model.KnownFeed{},
		identities: map[string]*model.KnownFeedIdentity{},
	}
}

func (m *mockKnownRepo) Upsert(ctx context.Context, feed *model.KnownFeed) error { return nil }
func (m *mockKnownRepo) Find(ctx context.Context, topic string) (*model.KnownFeed, error) {
	return m.feeds[topic], nil
}
func (m *mockKnownRepo) FindByTopics(ctx context.Context, topics []string) (map[string]*model.KnownFeed, error) {
	found := map[string]*model.KnownFeed{}
	for _, topic := range topics {
		if feed, ok := m.feeds[topic]; ok {
			found[topic] = feed
		}
	}
	return found, nil
}
func (m *mockKnownRepo) ListPage(ctx context.Context, startKey string, limit int) ([]*model.KnownFeed, error) {
	return nil, nil
}
func (m *mockKnownRepo) UpdateIdentity(ctx context.Context, feedID, topic string) error { return nil }
func (m *mockKnownRepo) RemoveIdentity(ctx context.Context, feedID, topic string) error { return nil }
func (m *mockKnownRepo) FindIdentity(ctx context.Context, feedID string) (*model.KnownFeedIdentity, error) {
	return m.identities[feedID], nil
}
func (m *mockKnownRepo) FindStats(ctx context.Context, feedKey string) (*model.KnownFeedStats, error) {
	return &model.KnownFeedStats{FeedKey: feedKey}, nil
}
func (m *mockKnownRepo) RefreshStats(ctx context.Context, topic string) error { return nil }
func (m *mockKnownRepo) GetMarker(ctx context.Context) (*model.PollingMarker, error) {
	return &model.PollingMarker{}, nil
}
func (m *mockKnownRepo) SaveMarker(ctx context.Context, marker *model.PollingMarker) error {
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newTestService(feeds *mockFeedRepo, known *mockKnownRepo) *Service {
	config := forkjoin.DefaultConfig()
	config.BatchPeriod = time.Millisecond
	return NewService(feeds, known, hook.NewRegistry(testLogger()), config, testLogger(), false)
}

func waitInsert(t *testing.T, feeds *mockFeedRepo) insertCall {
	t.Helper()
	select {
	case call := <-feeds.inserted:
		return call
	case <-time.After(5 * time.Second):
		t.Fatal("バッチが排出されませんでした")
		return insertCall{}
	}
}

func TestPublish_InvalidURL(t *testing.T) {
	svc := newTestService(newMockFeedRepo(), newMockKnownRepo())

	cases := []struct {
		name string
		url  string
	}{
		{"スキーム不正", "ftp://example.com/feed"},
		{"フラグメント付き", "http://example.com/feed#frag"},
		{"許可外ポート", "http://example.com:9999/feed"},
		{"空", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Publish(context.Background(), []string{tc.url}, nil)
			if !errors.Is(err, ErrInvalidURL) {
				t.Errorf("err = %v, want ErrInvalidURL", err)
			}
		})
	}
}

func TestPublish_NoURLs(t *testing.T) {
	svc := newTestService(newMockFeedRepo(), newMockKnownRepo())
	if err := svc.Publish(context.Background(), nil, nil); !errors.Is(err, ErrInvalidURL) {
		t.Errorf("err = %v, want ErrInvalidURL", err)
	}
}

func TestPublish_UnknownTopicDropped(t *testing.T) {
	feeds := newMockFeedRepo()
	svc := newTestService(feeds, newMockKnownRepo())

	// KnownFeedのないトピックのピンは受理されるが何も積まれない
	if err := svc.Publish(context.Background(), []string{"http://example.com/feed"}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case call := <-feeds.inserted:
		t.Errorf("未知トピックでバッチが積まれました: %+v", call)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublish_KnownTopicEnqueued(t *testing.T) {
	feeds := newMockFeedRepo()
	known := newMockKnownRepo()
	topic := "http://example.com/feed"
	known.feeds[topic] = &model.KnownFeed{ID: model.KeyName(topic), Topic: topic}

	svc := newTestService(feeds, known)
	if err := svc.Publish(context.Background(), []string{topic}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	call := waitInsert(t, feeds)
	if len(call.feeds) != 1 || call.feeds[0].Topic != topic {
		t.Fatalf("feeds = %+v", call.feeds)
	}
	if call.task == nil {
		t.Fatal("バッチ処理タスクがありません")
	}
	if call.task.Queue != task.QueueFeedPulls {
		t.Errorf("queue = %q, want feed-pulls", call.task.Queue)
	}
	if call.task.Payload[task.PayloadPathKey] != task.PathPullFeeds {
		t.Errorf("path = %q", call.task.Payload[task.PayloadPathKey])
	}
}

func TestPublish_AliasExpansion(t *testing.T) {
	feeds := newMockFeedRepo()
	known := newMockKnownRepo()
	topic := "http://y.test/atom"
	alias := "http://y.test/f"
	known.feeds[topic] = &model.KnownFeed{ID: model.KeyName(topic), Topic: topic, FeedID: "feed://y"}
	known.identities["feed://y"] = &model.KnownFeedIdentity{
		FeedID: "feed://y",
		Topics: []string{alias, topic},
	}

	svc := newTestService(feeds, known)
	if err := svc.Publish(context.Background(), []string{topic}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	call := waitInsert(t, feeds)
	got := map[string]bool{}
	for _, feed := range call.feeds {
		got[feed.Topic] = true
	}
	// 片方のURLのピンで両方のエイリアスがフェッチ対象になる
	if !got[topic] || !got[alias] {
		t.Errorf("展開結果 = %v, want 両エイリアス", got)
	}
}

func TestPublish_AliasCap(t *testing.T) {
	feeds := newMockFeedRepo()
	known := newMockKnownRepo()
	topic := "http://example.com/feed"
	identity := &model.KnownFeedIdentity{FeedID: "feed://big"}
	for i := 0; i < maxAliases+5; i++ {
		identity.Topics = append(identity.Topics, fmt.Sprintf("http://example.com/alias-%d", i))
	}
	known.feeds[topic] = &model.KnownFeed{ID: model.KeyName(topic), Topic: topic, FeedID: "feed://big"}
	known.identities["feed://big"] = identity

	svc := newTestService(feeds, known)
	if err := svc.Publish(context.Background(), []string{topic}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	call := waitInsert(t, feeds)
	if len(call.feeds) > maxAliases {
		t.Errorf("展開数 = %d, 上限%dを超えています", len(call.feeds), maxAliases)
	}
}

func TestEnqueuePolling_Durable(t *testing.T) {
	feeds := newMockFeedRepo()
	svc := newTestService(feeds, newMockKnownRepo())

	topics := []string{"http://a.test/f", "http://b.test/f"}
	if err := svc.EnqueuePolling(context.Background(), topics); err != nil {
		t.Fatalf("EnqueuePolling: %v", err)
	}

	// ポーリング経路はフォークジョインを通らず即座に耐久投入される
	call := waitInsert(t, feeds)
	if len(call.feeds) != 2 {
		t.Fatalf("feeds = %+v", call.feeds)
	}
	if call.task.Queue != task.QueuePolling {
		t.Errorf("queue = %q, want polling", call.task.Queue)
	}
}
