// Package deliver は配信イベントを購読者コールバックへ届けるワーカーを
// 提供する。購読者のチャンク単位のページング、署名付きPOST、失敗集合の
// 追跡とバックオフ付きリトライを担う。
package deliver

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/pushhub/internal/dos"
	"github.com/hitoshi/pushhub/internal/hook"
	"github.com/hitoshi/pushhub/internal/metrics"
	"github.com/hitoshi/pushhub/internal/model"
	"github.com/hitoshi/pushhub/internal/repository"
	"github.com/hitoshi/pushhub/internal/task"
)

const (
	// deliveryChunk は1回の起動で配信する購読者数。
	deliveryChunk = 50
	// deliveryDeadline はコールバック1件へのPOSTの制限時間。
	deliveryDeadline = 10 * time.Second
	// retryBase は配信リトライのバックオフ基準時間。
	// n回目のリトライは retryBase·2^(n-1) 後。
	retryBase = 30 * time.Second
	// defaultContentType はイベントにContent-Typeがない場合の既定値。
	defaultContentType = "text/xml"
	// defaultMaxConcurrent はコールバックPOSTの既定の最大並列数。
	defaultMaxConcurrent = 10
)

// Deliverer は配信イベントの状態機械を1回分進めるワーカー。
type Deliverer struct {
	events  repository.EventRepository
	subs    repository.SubscriptionRepository
	hooks   *hook.Registry
	scorer  *dos.URLScorer
	sampler *dos.MultiSampler
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
	metrics metrics.Recorder

	maxConcurrent int
}

// NewDeliverer はDelivererを生成する。
func NewDeliverer(
	events repository.EventRepository,
	subs repository.SubscriptionRepository,
	hooks *hook.Registry,
	scorer *dos.URLScorer,
	sampler *dos.MultiSampler,
	client *http.Client,
	logger *slog.Logger,
) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{
		events:  events,
		subs:    subs,
		hooks:   hooks,
		scorer:  scorer,
		sampler: sampler,
		client:  client,
		logger:  logger,
		now:     time.Now,
		metrics: metrics.Nop{},

		maxConcurrent: defaultMaxConcurrent,
	}
}

// SetMetrics はメトリクス収集先を差し替える。
func (d *Deliverer) SetMetrics(rec metrics.Recorder) {
	d.metrics = rec
}

// SetMaxConcurrent はコールバックPOSTの最大並列数を設定する。
func (d *Deliverer) SetMaxConcurrent(n int) {
	if n > 0 {
		d.maxConcurrent = n
	}
}

// HandleDeliveryTask は配信タスク1件を処理する。イベント1つについて
// 購読者のチャンク1つ分を配信し、続きのタスクまたはリトライを積む。
func (d *Deliverer) HandleDeliveryTask(ctx context.Context, t *model.Task) {
	id := t.Payload[task.PayloadEventIDKey]
	event, err := d.events.FindByID(ctx, id)
	if err != nil {
		d.logger.Error("配信イベントの取得に失敗しました", "event_id", id, "error", err)
		return
	}
	if event == nil || event.TotallyFailed {
		return
	}

	targets, more, err := d.nextChunk(ctx, event)
	if err != nil {
		d.logger.Error("配信対象の取得に失敗しました",
			"event_id", event.ID, "topic", event.Topic, "error", err)
		return
	}

	// 遮断されたコールバックは配信対象からも失敗集合からも外す。
	// 罰も加点もしない。
	callbacks := make([]string, len(targets))
	for i, sub := range targets {
		callbacks[i] = sub.Callback
	}
	verdicts := d.scorer.Filter(callbacks)
	var active []*model.Subscription
	for i, sub := range targets {
		if verdicts[i].Allow {
			active = append(active, sub)
			continue
		}
		d.logger.Info("スコアラーが配信を遮断しました",
			"callback", sub.Callback, "failure_fraction", verdicts[i].FailureFraction)
		d.metrics.RecordScorerDenial("deliver_events")
	}

	// semaphoreパターンでコールバックPOSTの並列数を制御する。
	// 失敗集合の順序はupdate側でcallback_hash順に整えるため、
	// ここでの完了順には依存しない。
	reporter := dos.NewReporter()
	var successes, failures []string
	var newlyFailed []*model.Subscription
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, d.maxConcurrent)
	for _, sub := range active {
		wg.Add(1)
		sem <- struct{}{}
		go func(sub *model.Subscription) {
			defer wg.Done()
			defer func() { <-sem }()

			start := d.now()
			ok := d.pushOne(ctx, event, sub)
			latency := d.now().Sub(start)

			mu.Lock()
			defer mu.Unlock()
			d.metrics.RecordDelivery(ok)
			d.metrics.RecordDeliveryLatency(latency)
			dos.ReportDelivery(reporter, sub.Callback, ok, latency)
			if ok {
				successes = append(successes, sub.Callback)
			} else {
				failures = append(failures, sub.Callback)
				newlyFailed = append(newlyFailed, sub)
			}
		}(sub)
	}
	wg.Wait()

	// 制限時間切れはこの回を観測なしとして扱う
	if ctx.Err() == nil {
		d.scorer.Report(successes, failures)
		d.sampler.Sample(reporter)
	}

	d.update(ctx, event, newlyFailed, more)
}

// nextChunk は現在のモードに応じて次の配信対象チャンクを返す。
func (d *Deliverer) nextChunk(ctx context.Context, event *model.EventToDeliver) ([]*model.Subscription, bool, error) {
	if event.DeliveryMode == model.DeliveryModeRetry {
		return d.nextRetryChunk(ctx, event)
	}

	// normal: callback_hash昇順のカーソルページング。chunk+1件取り、
	// 余分の1件で続きの有無を判定する。
	fetched, err := d.subs.GetSubscribers(ctx, event.Topic, deliveryChunk+1, event.LastCallback)
	if err != nil {
		return nil, false, err
	}
	if len(fetched) > deliveryChunk {
		// 余分の1件が次のページの先頭になる
		event.LastCallback = fetched[deliveryChunk].Callback
		return fetched[:deliveryChunk], true, nil
	}
	event.LastCallback = ""
	return fetched, false, nil
}

// nextRetryChunk は失敗集合の先頭からチャンクを切り出す。
// last_callbackは周回検出の番兵。番兵のキーがチャンク内に現れたら
// 失敗集合を一周したことになり、そこで打ち切る。
func (d *Deliverer) nextRetryChunk(ctx context.Context, event *model.EventToDeliver) ([]*model.Subscription, bool, error) {
	keys := event.FailedCallbacks
	if len(keys) == 0 {
		return nil, false, nil
	}
	chunkKeys := keys
	more := false
	if len(chunkKeys) > deliveryChunk {
		chunkKeys = chunkKeys[:deliveryChunk]
		more = true
	}

	if event.LastCallback != "" {
		sentinel := model.SubscriptionKeyName(event.LastCallback, event.Topic)
		for i, key := range chunkKeys {
			if key == sentinel {
				chunkKeys = chunkKeys[:i]
				more = false
				break
			}
		}
	}

	subs, err := d.subs.FindByIDs(ctx, chunkKeys)
	if err != nil {
		return nil, false, err
	}

	// 切り出した分を失敗集合から外す。今回また失敗したものはupdateで
	// 末尾に戻る。
	event.FailedCallbacks = event.FailedCallbacks[len(chunkKeys):]

	if more && event.LastCallback == "" && len(subs) > 0 {
		// 周回の起点を番兵として記録する
		event.LastCallback = subs[0].Callback
	}
	return subs, more, nil
}

// pushOne は購読者1件へ署名付きPOSTを発行する。
func (d *Deliverer) pushOne(ctx context.Context, event *model.EventToDeliver, sub *model.Subscription) bool {
	contentType := event.ContentType
	if contentType == "" {
		contentType = defaultContentType
		d.metrics.RecordContentTypeInferred()
	}
	headers := map[string]string{
		"Content-Type":    contentType,
		"X-Hub-Signature": "sha1=" + model.SHA1HMAC(signatureSecret(sub), event.Payload),
	}

	if success, handled := d.hooks.PushEvent(ctx, sub, headers, event.Payload); handled {
		return success
	}

	ctx, cancel := context.WithTimeout(ctx, deliveryDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Callback, bytes.NewReader(event.Payload))
	if err != nil {
		d.logger.Warn("配信リクエストを構築できません", "callback", sub.Callback, "error", err)
		return false
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Info("配信に失敗しました",
			"callback", sub.Callback, "topic", event.Topic, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true
	}
	d.logger.Info("購読者が配信を拒否しました",
		"callback", sub.Callback, "topic", event.Topic, "status", resp.StatusCode)
	return false
}

// signatureSecret は署名鍵を返す。secret、verify_token、空文字列の順。
func signatureSecret(sub *model.Subscription) string {
	if sub.Secret != "" {
		return sub.Secret
	}
	return sub.VerifyToken
}

// update はチャンク1つ分の結果をイベントの状態機械に反映する。
func (d *Deliverer) update(ctx context.Context, event *model.EventToDeliver, newlyFailed []*model.Subscription, more bool) {
	// 失敗集合は常にcallback_hash順を保つ。番兵による周回検出の前提。
	sort.Slice(newlyFailed, func(i, j int) bool {
		return newlyFailed[i].CallbackHash < newlyFailed[j].CallbackHash
	})
	for _, sub := range newlyFailed {
		event.FailedCallbacks = append(event.FailedCallbacks, sub.ID)
	}
	event.LastModified = d.now()

	if more {
		// 同じラウンドの続きを即座に積む
		if err := d.events.Update(ctx, event, d.continueTask(event, d.now())); err != nil {
			d.logger.Error("配信状態の保存に失敗しました", "event_id", event.ID, "error", err)
		}
		return
	}

	// ラウンド完了
	event.LastCallback = ""
	if len(event.FailedCallbacks) == 0 {
		if err := d.events.Delete(ctx, event.ID); err != nil {
			d.logger.Error("配信完了イベントの削除に失敗しました", "event_id", event.ID, "error", err)
			return
		}
		d.logger.Info("イベントの配信が完了しました", "event_id", event.ID, "topic", event.Topic)
		return
	}

	event.RetryAttempts++
	if event.RetryAttempts > event.MaxFailures {
		event.TotallyFailed = true
		if err := d.events.Update(ctx, event, nil); err != nil {
			d.logger.Error("配信失敗の確定に失敗しました", "event_id", event.ID, "error", err)
		}
		d.logger.Warn("配信リトライ上限に達しました。イベントを調査用に残します",
			"event_id", event.ID, "topic", event.Topic, "failed", len(event.FailedCallbacks))
		return
	}

	event.DeliveryMode = model.DeliveryModeRetry
	delay := time.Duration(float64(retryBase) * math.Pow(2, float64(event.RetryAttempts-1)))
	eta := d.now().Add(delay)
	if err := d.events.Update(ctx, event, d.retryTask(event, eta)); err != nil {
		d.logger.Error("配信リトライの保存に失敗しました", "event_id", event.ID, "error", err)
		return
	}
	d.logger.Info("配信を再試行します",
		"event_id", event.ID, "topic", event.Topic,
		"attempts", event.RetryAttempts, "failed", len(event.FailedCallbacks), "eta", eta)
}

// continueTask は同一ラウンドの続きを積むタスクを返す。ラウンド内の
// 位置から名前を導出するため、同じ続きの二重投入は名前制約で弾かれる。
func (d *Deliverer) continueTask(event *model.EventToDeliver, eta time.Time) *model.Task {
	cursor := event.LastCallback
	if len(event.FailedCallbacks) > 0 {
		cursor += "|" + event.FailedCallbacks[0]
	}
	name := fmt.Sprintf("deliver-%s-cont-%d-%s", event.ID, event.RetryAttempts, model.SHA1Hash(cursor))
	return model.NewTask(name, task.QueueDelivery, eta, map[string]string{
		task.PayloadPathKey:    task.PathPushEvents,
		task.PayloadEventIDKey: event.ID,
	})
}

func (d *Deliverer) retryTask(event *model.EventToDeliver, eta time.Time) *model.Task {
	name := fmt.Sprintf("deliver-%s-retry-%d", event.ID, event.RetryAttempts)
	return model.NewTask(name, task.QueueDeliveryRetries, eta, map[string]string{
		task.PayloadPathKey:    task.PathPushEvents,
		task.PayloadEventIDKey: event.ID,
	})
}
