// Package task は耐久キューに積まれた名前付きタスクのディスパッチを提供する。
// ワーカープロセスがキューごとのループで期限の来たタスクを取得し、
// パスで登録されたハンドラへ振り分ける。
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/pushhub/internal/model"
	"github.com/hitoshi/pushhub/internal/repository"
)

// キュー名の一覧。配信とフェッチはリトライを別キューに隔離し、
// リトライの滞留が新規作業を妨げないようにする。
const (
	QueueSubscriptions   = "subscriptions"
	QueueFeedPulls       = "feed-pulls"
	QueueFeedPullRetries = "feed-pulls-retries"
	QueueDelivery        = "event-delivery"
	QueueDeliveryRetries = "event-delivery-retries"
	QueuePolling         = "polling"
	QueueMappings        = "mappings"
)

// AllQueues はディスパッチャが監視する全キュー。
var AllQueues = []string{
	QueueSubscriptions,
	QueueFeedPulls,
	QueueFeedPullRetries,
	QueueDelivery,
	QueueDeliveryRetries,
	QueuePolling,
	QueueMappings,
}

// PayloadPathKey はタスクペイロード中のハンドラパスのキー。
const PayloadPathKey = "path"

// ハンドラパスの一覧。タスクの生産者と消費者の両方が参照する。
const (
	PathConfirmSubscriptions = "/work/confirm_subscriptions"
	PathPullFeeds            = "/work/pull_feeds"
	PathPushEvents           = "/work/push_events"
	PathRecordFeeds          = "/work/record_feeds"
	PathPollBootstrap        = "/work/poll_bootstrap"
)

// PayloadWorkIndexKey はフェッチバッチのワークインデックスのキー。
const PayloadWorkIndexKey = "work_index"

// PayloadEventIDKey は配信タスクの対象イベントIDのキー。
const PayloadEventIDKey = "event_id"

// PayloadTopicKey はトピックURLを1つ運ぶタスクのキー。
const PayloadTopicKey = "topic"

// enqueueAttempts はタスク投入のローカルリトライ回数。
const enqueueAttempts = 3

// Handler はタスク1件を処理する。バックグラウンドワーカーはエラーを
// 外へ投げない。失敗は各自の状態機械でリトライタスクとして積み直し、
// ここでは常に処理済みとして戻る。
type Handler func(ctx context.Context, task *model.Task)

// Dispatcher はキューごとのポーリングループとハンドラ登録を管理する。
type Dispatcher struct {
	repo         repository.TaskRepository
	logger       *slog.Logger
	pollInterval time.Duration
	claimLimit   int

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher はディスパッチャを生成する。
func NewDispatcher(repo repository.TaskRepository, logger *slog.Logger, pollInterval time.Duration, claimLimit int) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if claimLimit <= 0 {
		claimLimit = 10
	}
	return &Dispatcher{
		repo:         repo,
		logger:       logger,
		pollInterval: pollInterval,
		claimLimit:   claimLimit,
		handlers:     make(map[string]Handler),
	}
}

// Register はパスに対するハンドラを登録する。
func (d *Dispatcher) Register(path string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[path] = handler
}

// Enqueue はタスクを投入する。一時的な失敗に備えてローカルで3回試す。
func (d *Dispatcher) Enqueue(ctx context.Context, task *model.Task) error {
	var lastErr error
	for i := 0; i < enqueueAttempts; i++ {
		if lastErr = d.repo.Enqueue(ctx, task); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("タスクの投入をリトライ上限まで試みましたが失敗しました: %w", lastErr)
}

// Start は全キューのポーリングループを起動し、ctxのキャンセルまで
// ブロックする。
func (d *Dispatcher) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, queue := range AllQueues {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			d.runQueue(ctx, queue)
		}(queue)
	}
	wg.Wait()
}

func (d *Dispatcher) runQueue(ctx context.Context, queue string) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		claimed, err := d.repo.ClaimAndRun(ctx, queue, d.claimLimit, d.dispatch)
		if err != nil {
			d.logger.Error("タスクの取得に失敗しました", "queue", queue, "error", err)
			continue
		}
		if claimed > 0 {
			d.logger.Debug("タスクを処理しました", "queue", queue, "count", claimed)
		}
	}
}

// dispatch はタスクのペイロードのパスからハンドラを引いて実行する。
// 未登録のパスは記録して捨てる（積み直しても回復しないため）。
func (d *Dispatcher) dispatch(ctx context.Context, task *model.Task) {
	path := task.Payload[PayloadPathKey]

	d.mu.RLock()
	handler, ok := d.handlers[path]
	d.mu.RUnlock()
	if !ok {
		d.logger.Error("ハンドラ未登録のタスクを破棄します", "name", task.Name, "path", path)
		return
	}
	handler(ctx, task)
}
