// Package publish は発行者からのpublishピンの受け付けを提供する。
// URLの検証と正規化、エイリアス展開を行い、フェッチ待ち行をフォーク
// ジョインキュー経由で耐久ストアへまとめて書き込む。
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hitoshi/pushhub/internal/forkjoin"
	"github.com/hitoshi/pushhub/internal/hook"
	"github.com/hitoshi/pushhub/internal/model"
	"github.com/hitoshi/pushhub/internal/repository"
	"github.com/hitoshi/pushhub/internal/task"
)

const (
	// maxAliases はエイリアス展開で1トピックから辿る別名URLの上限。
	maxAliases = 25
	// drainTimeout はバッチ排出1回分のストア書き込みの制限時間。
	drainTimeout = 30 * time.Second
)

// ErrInvalidURL はpublishで受け取ったURLが受理条件を満たさないことを表す。
var ErrInvalidURL = errors.New("受理できないURLです")

// Service はpublishピンの検証と取り込みを行う。
type Service struct {
	feeds   repository.FeedToFetchRepository
	known   repository.KnownFeedRepository
	hooks   *hook.Registry
	logger  *slog.Logger
	devMode bool
	now     func() time.Time

	queue *forkjoin.Queue
}

// NewService はServiceを生成する。フォークジョインキューの排出先は
// このサービス自身の耐久書き込みに接続される。
func NewService(
	feeds repository.FeedToFetchRepository,
	known repository.KnownFeedRepository,
	hooks *hook.Registry,
	queueConfig forkjoin.Config,
	logger *slog.Logger,
	devMode bool,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		feeds:   feeds,
		known:   known,
		hooks:   hooks,
		logger:  logger,
		devMode: devMode,
		now:     time.Now,
	}
	s.queue = forkjoin.NewQueue(queueConfig, s.drainBatch)
	return s
}

// Publish はpublishピンのURL群を受け付ける。URLを検証・正規化し、
// エイリアス展開後の各トピックをフォークジョインキューへ積む。
// 購読のないトピック（KnownFeedが存在しないトピック）は落とされる。
func (s *Service) Publish(ctx context.Context, urls []string, form map[string][]string) error {
	urls = s.hooks.PreprocessURLs(urls)
	if len(urls) == 0 {
		return fmt.Errorf("%w: hub.urlがありません", ErrInvalidURL)
	}

	seen := make(map[string]bool, len(urls))
	topics := make([]string, 0, len(urls))
	for _, rawURL := range urls {
		if !model.IsValidURL(rawURL, s.devMode) {
			return fmt.Errorf("%w: %s", ErrInvalidURL, rawURL)
		}
		normalized := model.NormalizeIRI(rawURL)
		if !seen[normalized] {
			seen[normalized] = true
			topics = append(topics, normalized)
		}
	}

	expanded, err := s.expandAliases(ctx, topics)
	if err != nil {
		return err
	}
	if len(expanded) == 0 {
		// 誰も購読していないトピックのピン。受理するが何もしない。
		s.logger.Debug("既知フィードのないpublishを無視します", "urls", topics)
		return nil
	}

	sources := s.hooks.DeriveSources(form, urls)
	items := make([]forkjoin.Item, len(expanded))
	for i, topic := range expanded {
		items[i] = forkjoin.Item{Topic: topic, Sources: sources}
	}

	index := s.queue.NextIndex()
	s.queue.Put(index, items)
	s.queue.Add(index)
	return nil
}

// expandAliases は各トピックをフィード正規ID経由の別名URL集合へ展開する。
// KnownFeedがないトピックは結果から除外される。feed_idのないトピックは
// 自分自身のみに展開される。
func (s *Service) expandAliases(ctx context.Context, topics []string) ([]string, error) {
	found, err := s.known.FindByTopics(ctx, topics)
	if err != nil {
		return nil, fmt.Errorf("既知フィードの照会に失敗しました: %w", err)
	}

	seen := make(map[string]bool)
	var expanded []string
	appendTopic := func(topic string) {
		if !seen[topic] {
			seen[topic] = true
			expanded = append(expanded, topic)
		}
	}

	for _, topic := range topics {
		knownFeed, ok := found[topic]
		if !ok {
			continue
		}
		if knownFeed.FeedID == "" {
			appendTopic(topic)
			continue
		}
		identity, err := s.known.FindIdentity(ctx, knownFeed.FeedID)
		if err != nil {
			return nil, fmt.Errorf("フィード正規IDの照会に失敗しました: %w", err)
		}
		if identity == nil || len(identity.Topics) == 0 {
			appendTopic(topic)
			continue
		}
		aliases := identity.Topics
		if len(aliases) > maxAliases {
			s.logger.Warn("エイリアス数が上限を超えたため切り詰めます",
				"feed_id", knownFeed.FeedID, "count", len(aliases), "cap", maxAliases)
			aliases = aliases[:maxAliases]
		}
		for _, alias := range aliases {
			appendTopic(alias)
		}
	}
	return expanded, nil
}

// drainBatch はフォークジョインキューの排出先。バッチ1つ分のFeedToFetchを
// 耐久ストアへ書き込み、バッチ処理タスクをちょうど1つ積む。
func (s *Service) drainBatch(index int64, items []forkjoin.Item) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := s.insertFetches(ctx, index, items, task.QueueFeedPulls); err != nil {
		s.logger.Error("フェッチバッチの書き込みに失敗しました",
			"work_index", index, "count", len(items), "error", err)
	}
}

// EnqueuePolling はブートストラップポーリングからのトピック群を
// ポーリング専用キュー経由のフェッチ待ちとして耐久投入する。
// publish経路と別のキューに載せることでポーリングがpublishを飢えさせない。
func (s *Service) EnqueuePolling(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	items := make([]forkjoin.Item, len(topics))
	for i, topic := range topics {
		items[i] = forkjoin.Item{Topic: topic}
	}
	return s.insertFetches(ctx, s.now().UnixNano(), items, task.QueuePolling)
}

func (s *Service) insertFetches(ctx context.Context, index int64, items []forkjoin.Item, queue string) error {
	now := s.now()
	feeds := make([]*model.FeedToFetch, len(items))
	for i, item := range items {
		feed := model.NewFeedToFetch(item.Topic, index, now)
		for key, value := range item.Sources {
			feed.SourceKeys = append(feed.SourceKeys, key)
			feed.SourceValues = append(feed.SourceValues, value)
		}
		feeds[i] = feed
	}

	pullTask := model.NewTask(
		fmt.Sprintf("pull-batch-%d", index),
		queue,
		now,
		map[string]string{
			task.PayloadPathKey:      task.PathPullFeeds,
			task.PayloadWorkIndexKey: strconv.FormatInt(index, 10),
		},
	)
	return s.feeds.BulkInsert(ctx, feeds, pullTask)
}
