// Package record はトピックとフィード正規IDの対応を維持するワーカーを
// 提供する。検証済み購読のたびに積まれるタスクを処理し、鮮度が落ちた
// 対応だけをフェッチし直して正規ID索引を更新する。
package record

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/pushhub/internal/feed"
	"github.com/hitoshi/pushhub/internal/model"
	"github.com/hitoshi/pushhub/internal/repository"
	"github.com/hitoshi/pushhub/internal/task"
)

const (
	// identityFreshness は正規ID対応を再確認せずに使い続ける期間。
	identityFreshness = 20 * 24 * time.Hour
	// fetchDeadline は正規ID抽出用フェッチの制限時間。
	fetchDeadline = 10 * time.Second
	// maxIdentityBytes は正規ID抽出用フェッチの読み取り上限。
	maxIdentityBytes = 1 << 20
)

// Recorder はフィード正規IDの対応を更新するワーカー。
type Recorder struct {
	known  repository.KnownFeedRepository
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder はRecorderを生成する。
func NewRecorder(known repository.KnownFeedRepository, client *http.Client, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{known: known, client: client, logger: logger, now: time.Now}
}

// HandleRecordTask はトピック1件の正規ID対応を更新する。
// 対応が20日以内に更新されている場合は何もしない。フェッチまたは
// 抽出に失敗した場合もKnownFeedは書き込み、鮮度チェックで再フェッチの
// 嵐を防ぐ。
func (r *Recorder) HandleRecordTask(ctx context.Context, t *model.Task) {
	topic := t.Payload[task.PayloadTopicKey]
	if topic == "" {
		r.logger.Error("正規ID更新タスクにトピックがありません", "name", t.Name)
		return
	}

	knownFeed, err := r.known.Find(ctx, topic)
	if err != nil {
		r.logger.Error("既知フィードの取得に失敗しました", "topic", topic, "error", err)
		return
	}
	if knownFeed != nil && r.now().Sub(knownFeed.UpdateTime) < identityFreshness {
		return
	}

	feedID, err := r.deriveFeedID(ctx, topic)
	if err != nil {
		r.logger.Info("正規IDを導出できませんでした", "topic", topic, "error", err)
		r.saveKnownFeed(ctx, topic, "")
		return
	}

	oldFeedID := ""
	if knownFeed != nil {
		oldFeedID = knownFeed.FeedID
	}
	if oldFeedID != "" && oldFeedID != feedID {
		if err := r.known.RemoveIdentity(ctx, oldFeedID, topic); err != nil {
			r.logger.Error("旧対応の削除に失敗しました",
				"topic", topic, "old_feed_id", oldFeedID, "error", err)
			return
		}
	}
	if err := r.known.UpdateIdentity(ctx, feedID, topic); err != nil {
		r.logger.Error("正規ID対応の更新に失敗しました",
			"topic", topic, "feed_id", feedID, "error", err)
		return
	}
	r.saveKnownFeed(ctx, topic, feedID)
	r.logger.Info("正規ID対応を更新しました", "topic", topic, "feed_id", feedID)
}

// deriveFeedID はトピックをフェッチしてドキュメントから正規IDを抽出する。
func (r *Recorder) deriveFeedID(ctx context.Context, topic string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, topic, nil)
	if err != nil {
		return "", fmt.Errorf("フェッチリクエストの構築に失敗しました: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("トピックのフェッチに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("トピックがフィードを返しません: status=%d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIdentityBytes))
	if err != nil {
		return "", fmt.Errorf("応答ボディの読み取りに失敗しました: %w", err)
	}

	feedID, _, err := feed.ExtractIdentity(body)
	if err != nil {
		return "", err
	}
	return feedID, nil
}

func (r *Recorder) saveKnownFeed(ctx context.Context, topic, feedID string) {
	knownFeed := model.NewKnownFeed(topic)
	knownFeed.FeedID = feedID
	knownFeed.UpdateTime = r.now()
	if err := r.known.Upsert(ctx, knownFeed); err != nil {
		r.logger.Error("既知フィードの保存に失敗しました", "topic", topic, "error", err)
	}
}
