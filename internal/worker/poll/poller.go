// Package poll は既知フィード全体を定期的に巡回するブートストラップ
// ポーリングを提供する。シングルトンのマーカーが周期を管理し、
// 自己連鎖するタスクがKnownFeedをキー順にページングしながら
// publishイベントを合成する。
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hitoshi/pushhub/internal/hook"
	"github.com/hitoshi/pushhub/internal/model"
	"github.com/hitoshi/pushhub/internal/publish"
	"github.com/hitoshi/pushhub/internal/repository"
	"github.com/hitoshi/pushhub/internal/task"
)

const (
	// bootstrapPeriod はブートストラップポーリングの周期。
	bootstrapPeriod = 3 * time.Hour
	// pollChunk は1タスクで処理するKnownFeedの件数。
	pollChunk = 50
	// pollTypeBootstrap は拡張ポイントへ渡すポーリング種別。
	pollTypeBootstrap = "bootstrap"
	// pollTypeRecord はフィードIDが未解決のフィードの対応付け再発見の種別。
	pollTypeRecord = "record"
)

// ペイロードのキー。
const (
	payloadCursor   = "cursor"
	payloadEpoch    = "epoch"
	payloadSequence = "sequence"
)

// Poller はブートストラップポーリングの進行を管理するワーカー。
type Poller struct {
	known      repository.KnownFeedRepository
	publisher  *publish.Service
	dispatcher *task.Dispatcher
	hooks      *hook.Registry
	logger     *slog.Logger
	now        func() time.Time
}

// NewPoller はPollerを生成する。
func NewPoller(
	known repository.KnownFeedRepository,
	publisher *publish.Service,
	dispatcher *task.Dispatcher,
	hooks *hook.Registry,
	logger *slog.Logger,
) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		known:      known,
		publisher:  publisher,
		dispatcher: dispatcher,
		hooks:      hooks,
		logger:     logger,
		now:        time.Now,
	}
}

// Tick はマーカーを確認し、周期が来ていればスイープを開始する。
// 定期的に呼ばれる前提。スイープを開始した場合はtrueを返す。
func (p *Poller) Tick(ctx context.Context) (bool, error) {
	marker, err := p.known.GetMarker(ctx)
	if err != nil {
		return false, fmt.Errorf("ポーリングマーカーの取得に失敗しました: %w", err)
	}
	now := p.now()
	if !marker.ShouldProgress(bootstrapPeriod, now) {
		return false, nil
	}
	if err := p.known.SaveMarker(ctx, marker); err != nil {
		return false, fmt.Errorf("ポーリングマーカーの保存に失敗しました: %w", err)
	}

	if err := p.dispatcher.Enqueue(ctx, p.sweepTask(now.Unix(), 0, "")); err != nil {
		return false, fmt.Errorf("スイープ開始タスクの投入に失敗しました: %w", err)
	}
	p.logger.Info("ブートストラップポーリングを開始します", "epoch", now.Unix())
	return true, nil
}

// sweepTask はスイープの1ページ分のタスクを構築する。名前はエポックと
// 連番とカーソルのハッシュから決まるため、再投入は冪等になる。
func (p *Poller) sweepTask(epoch int64, sequence int, cursor string) *model.Task {
	name := fmt.Sprintf("poll-%d-%d-%s", epoch, sequence, model.SHA1Hash(cursor))
	return model.NewTask(name, task.QueuePolling, p.now(), map[string]string{
		task.PayloadPathKey: task.PathPollBootstrap,
		payloadCursor:       cursor,
		payloadEpoch:        strconv.FormatInt(epoch, 10),
		payloadSequence:     strconv.Itoa(sequence),
	})
}

// recordTask はフィードID未解決のトピックの対応付け発見タスクを構築する。
func (p *Poller) recordTask(epoch int64, topic string) *model.Task {
	name := fmt.Sprintf("record-%d-%s", epoch, model.SHA1Hash(topic))
	return model.NewTask(name, task.QueueMappings, p.now(), map[string]string{
		task.PayloadPathKey:  task.PathRecordFeeds,
		task.PayloadTopicKey: topic,
	})
}

// HandlePollTask はKnownFeedを1ページ分処理し、続きがあれば次のページの
// タスクを自己連鎖で積む。
func (p *Poller) HandlePollTask(ctx context.Context, t *model.Task) {
	cursor := t.Payload[payloadCursor]
	epoch, _ := strconv.ParseInt(t.Payload[payloadEpoch], 10, 64)
	sequence, _ := strconv.Atoi(t.Payload[payloadSequence])

	feeds, err := p.known.ListPage(ctx, cursor, pollChunk)
	if err != nil {
		p.logger.Error("既知フィードのページ取得に失敗しました", "cursor", cursor, "error", err)
		return
	}
	if len(feeds) == 0 {
		p.logger.Info("ブートストラップポーリングが完了しました",
			"epoch", epoch, "pages", sequence)
		return
	}

	// フィードIDが未解決のフィードはフェッチではなく対応付けの発見へ回す
	topics := make([]string, 0, len(feeds))
	var discover []string
	for _, knownFeed := range feeds {
		if knownFeed.FeedID == "" {
			discover = append(discover, knownFeed.Topic)
			continue
		}
		topics = append(topics, knownFeed.Topic)
	}

	if len(topics) > 0 && !p.hooks.TakePollingAction(ctx, topics, pollTypeBootstrap) {
		// 既定動作: ポーリングキュー行きのフェッチ待ちとして耐久投入する。
		// publish経路を飢えさせないための分離。
		if err := p.publisher.EnqueuePolling(ctx, topics); err != nil {
			p.logger.Error("ポーリング由来のフェッチ投入に失敗しました",
				"epoch", epoch, "count", len(topics), "error", err)
			return
		}
	}

	if len(discover) > 0 && !p.hooks.TakePollingAction(ctx, discover, pollTypeRecord) {
		for _, topic := range discover {
			if err := p.dispatcher.Enqueue(ctx, p.recordTask(epoch, topic)); err != nil {
				p.logger.Error("対応付けタスクの投入に失敗しました",
					"epoch", epoch, "topic", topic, "error", err)
			}
		}
	}

	if len(feeds) == pollChunk {
		nextCursor := feeds[len(feeds)-1].ID
		if err := p.dispatcher.Enqueue(ctx, p.sweepTask(epoch, sequence+1, nextCursor)); err != nil {
			p.logger.Error("次ページのタスク投入に失敗しました",
				"epoch", epoch, "sequence", sequence+1, "error", err)
		}
		return
	}
	p.logger.Info("ブートストラップポーリングが完了しました",
		"epoch", epoch, "pages", sequence+1)
}
