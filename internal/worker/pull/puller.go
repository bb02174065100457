// Package pull はフェッチ待ちフィードの取得と差分検出を行うワーカーを
// 提供する。条件付きGETとリダイレクト追跡、スコアラーによる遮断、
// 差分からの配信イベント構築までを担う。
package pull

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/pushhub/internal/dos"
	"github.com/hitoshi/pushhub/internal/feed"
	"github.com/hitoshi/pushhub/internal/hook"
	"github.com/hitoshi/pushhub/internal/metrics"
	"github.com/hitoshi/pushhub/internal/model"
	"github.com/hitoshi/pushhub/internal/repository"
	"github.com/hitoshi/pushhub/internal/task"
)

const (
	// maxFetchFailures はフェッチリトライの上限回数。超えたらtotally_failed。
	maxFetchFailures = 4
	// fetchRetryBase はフェッチリトライのバックオフ基準時間。
	fetchRetryBase = 30 * time.Second
	// fetchDeadline は1回の外向きGETの制限時間。
	fetchDeadline = 10 * time.Second
	// maxRedirects はリダイレクトを追う最大ホップ数。
	maxRedirects = 7
	// maxFeedBytes はフィード応答ボディの読み取り上限。超過は恒久失敗。
	maxFeedBytes = 1 << 20
	// newEntryCap は1イベントに載せる新規エントリの上限。超過分は
	// 再フェッチ時に別イベントとして出る（大きなバーストの自然なページング）。
	newEntryCap = 200
	// pullBatchLimit は1タスクで処理するフェッチ待ちの上限。
	pullBatchLimit = 100
	// defaultMaxConcurrent は外向きフェッチの既定の最大並列数。
	defaultMaxConcurrent = 10
	// eventMaxFailures は構築するイベントの配信リトライ上限。
	eventMaxFailures = 4
)

// Puller はフェッチ待ちフィードのバッチを処理するワーカー。
type Puller struct {
	feeds   repository.FeedToFetchRepository
	records repository.FeedRecordRepository
	subs    repository.SubscriptionRepository
	known   repository.KnownFeedRepository
	hooks   *hook.Registry
	scorer  *dos.URLScorer
	sampler *dos.MultiSampler
	client  *http.Client
	logger  *slog.Logger
	hubURL  string
	now     func() time.Time
	metrics metrics.Recorder

	maxConcurrent int
}

// NewPuller はPullerを生成する。hubURLはUser-Agentに埋め込むハブの公開URL。
func NewPuller(
	feeds repository.FeedToFetchRepository,
	records repository.FeedRecordRepository,
	subs repository.SubscriptionRepository,
	known repository.KnownFeedRepository,
	hooks *hook.Registry,
	scorer *dos.URLScorer,
	sampler *dos.MultiSampler,
	client *http.Client,
	logger *slog.Logger,
	hubURL string,
) *Puller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Puller{
		feeds:   feeds,
		records: records,
		subs:    subs,
		known:   known,
		hooks:   hooks,
		scorer:  scorer,
		sampler: sampler,
		client:  client,
		logger:  logger,
		hubURL:  hubURL,
		now:     time.Now,
		metrics: metrics.Nop{},

		maxConcurrent: defaultMaxConcurrent,
	}
}

// SetMetrics はメトリクス収集先を差し替える。
func (p *Puller) SetMetrics(rec metrics.Recorder) {
	p.metrics = rec
}

// SetMaxConcurrent は外向きフェッチの最大並列数を設定する。
func (p *Puller) SetMaxConcurrent(n int) {
	if n > 0 {
		p.maxConcurrent = n
	}
}

// HandlePullTask はワークインデックス1つ分のフェッチ待ちを処理する。
func (p *Puller) HandlePullTask(ctx context.Context, t *model.Task) {
	index, err := strconv.ParseInt(t.Payload[task.PayloadWorkIndexKey], 10, 64)
	if err != nil {
		p.logger.Error("タスクのワークインデックスが不正です", "name", t.Name, "error", err)
		return
	}

	works, err := p.feeds.ListByWorkIndex(ctx, index, pullBatchLimit)
	if err != nil {
		p.logger.Error("フェッチ待ちの取得に失敗しました", "work_index", index, "error", err)
		return
	}
	if len(works) == 0 {
		return
	}

	topics := make([]string, len(works))
	for i, work := range works {
		topics[i] = work.Topic
	}
	verdicts := p.scorer.Filter(topics)

	// semaphoreパターンで外向きフェッチの並列数を制御する
	reporter := dos.NewReporter()
	var successes, failures []string
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, p.maxConcurrent)
	for i, work := range works {
		if !verdicts[i].Allow {
			// 遮断されたエンドポイント。フェッチせず作業だけ畳む。
			// スコアラーには成功も失敗も報告しない。
			p.logger.Info("スコアラーがフェッチを遮断しました",
				"topic", work.Topic, "failure_fraction", verdicts[i].FailureFraction)
			p.metrics.RecordScorerDenial("pull_feed")
			p.finish(ctx, work)
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(work *model.FeedToFetch) {
			defer wg.Done()
			defer func() { <-sem }()

			start := p.now()
			fetched, ok := p.pullOne(ctx, work)
			if !fetched {
				return
			}
			latency := p.now().Sub(start)

			mu.Lock()
			defer mu.Unlock()
			p.metrics.RecordFetch(ok)
			p.metrics.RecordFetchLatency(latency)
			dos.ReportFetch(reporter, work.Topic, ok, latency)
			if ok {
				successes = append(successes, work.Topic)
			} else {
				failures = append(failures, work.Topic)
			}
		}(work)
	}
	wg.Wait()

	// 制限時間切れで打ち切られた場合はこの回を観測なしとして扱う
	if ctx.Err() != nil {
		return
	}
	p.scorer.Report(successes, failures)
	p.sampler.Sample(reporter)
}

// pullOne はフィード1件をフェッチして差分処理する。
// 戻り値は(外向きリクエストを発行したか, 成功したか)。
func (p *Puller) pullOne(ctx context.Context, work *model.FeedToFetch) (fetched, ok bool) {
	hasSubs, err := p.subs.HasSubscribers(ctx, work.Topic)
	if err != nil {
		p.logger.Error("購読者の確認に失敗しました", "topic", work.Topic, "error", err)
		return false, false
	}
	if !hasSubs {
		p.finish(ctx, work)
		return false, false
	}

	record, err := p.records.Find(ctx, work.Topic)
	if err != nil {
		p.logger.Error("フィード記録の取得に失敗しました", "topic", work.Topic, "error", err)
		return false, false
	}
	if record == nil {
		record = model.NewFeedRecord(work.Topic)
	}
	stats, err := p.known.FindStats(ctx, model.KeyName(work.Topic))
	if err != nil {
		p.logger.Error("フィード統計の取得に失敗しました", "topic", work.Topic, "error", err)
		stats = &model.KnownFeedStats{}
	}
	headers := record.RequestHeaders(stats.SubscriberCount, p.hubURL)

	status, respHeaders, body, fetchErr := p.fetch(ctx, work, work.Topic, headers, 0)
	if fetchErr != nil {
		if errors.Is(fetchErr, errPermanentFetch) {
			p.logger.Warn("恒久的なフェッチ失敗のため作業を畳みます",
				"topic", work.Topic, "error", fetchErr)
			p.finish(ctx, work)
			return true, false
		}
		p.fetchFailed(ctx, work, fetchErr.Error())
		return true, false
	}

	p.metrics.RecordFetchStatus(status)
	switch {
	case status == http.StatusOK:
		return true, p.buildEvent(ctx, work, record, respHeaders, body)
	case status == http.StatusNotModified:
		p.finish(ctx, work)
		return true, true
	default:
		p.fetchFailed(ctx, work, fmt.Sprintf("status=%d", status))
		return true, false
	}
}

// errPermanentFetch はリトライしても回復しないフェッチ失敗を表す。
var errPermanentFetch = errors.New("恒久的なフェッチ失敗")

// fetch はリダイレクトを自前で追いながらフィードを取得する。
// 拡張ポイントが処理を主張した場合はそちらの結果を使う。
func (p *Puller) fetch(ctx context.Context, work *model.FeedToFetch, fetchURL string, headers map[string]string, hops int) (int, map[string]string, []byte, error) {
	if hops > maxRedirects {
		return 0, nil, nil, fmt.Errorf("リダイレクトが%dホップを超えました", maxRedirects)
	}

	if status, respHeaders, body, err, handled := p.hooks.PullFeed(ctx, work, fetchURL, headers); handled {
		return status, respHeaders, body, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, fetchDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %v", errPermanentFetch, err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
		location, err := resp.Location()
		if err != nil {
			return 0, nil, nil, fmt.Errorf("リダイレクト先がありません: %w", err)
		}
		return p.fetch(ctx, work, location.String(), headers, hops+1)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("応答ボディの読み取りに失敗しました: %w", err)
	}
	if len(body) > maxFeedBytes {
		return 0, nil, nil, fmt.Errorf("%w: 応答が%dバイトを超えています", errPermanentFetch, maxFeedBytes)
	}

	respHeaders := map[string]string{
		"Content-Type":  resp.Header.Get("Content-Type"),
		"Last-Modified": resp.Header.Get("Last-Modified"),
		"ETag":          resp.Header.Get("ETag"),
	}
	return resp.StatusCode, respHeaders, body, nil
}

// buildEvent は200応答のボディを差分処理し、新規エントリがあれば
// 配信イベントを1トランザクションで確定する。
func (p *Puller) buildEvent(ctx context.Context, work *model.FeedToFetch, record *model.FeedRecord, respHeaders map[string]string, body []byte) bool {
	parsed, err := p.parseWithFormatOrder(record, body)
	if err != nil {
		if errors.Is(err, feed.ErrUnsupportedEncoding) {
			// 文字エンコーディング不明は恒久失敗。静かに作業を畳む。
			p.logger.Warn("文字エンコーディングを解決できないため諦めます",
				"topic", work.Topic, "error", err)
			p.finish(ctx, work)
			return true
		}
		p.fetchFailed(ctx, work, fmt.Sprintf("パース失敗: %v", err))
		return false
	}

	newEntries, entryPayloads, err := p.diffEntries(ctx, work.Topic, parsed)
	if err != nil {
		p.logger.Error("エントリ差分の計算に失敗しました", "topic", work.Topic, "error", err)
		p.fetchFailed(ctx, work, err.Error())
		return false
	}

	partial := false
	if len(newEntries) > newEntryCap {
		// 上限を超えた分は再フェッチ時の差分で別イベントとして出る
		p.logger.Info("新規エントリが上限を超えたため分割します",
			"topic", work.Topic, "new", len(newEntries), "cap", newEntryCap)
		newEntries = newEntries[:newEntryCap]
		entryPayloads = entryPayloads[:newEntryCap]
		partial = true
	}

	record.UpdateFromResponse(
		respHeaders["Content-Type"], respHeaders["Last-Modified"], respHeaders["ETag"],
		parsed.HeaderFooter, parsed.Format)
	record.LastUpdated = p.now()

	var event *model.EventToDeliver
	var deliverTask *model.Task
	if len(entryPayloads) > 0 || parsed.Format == model.FormatArbitrary {
		headerFooter := record.HeaderFooter
		if parsed.Format == model.FormatArbitrary {
			headerFooter = string(body)
		}
		event, err = model.NewEventForTopic(
			work.Topic, parsed.Format, record.ContentType, headerFooter,
			entryPayloads, eventMaxFailures, p.now())
		if err != nil {
			p.logger.Error("配信イベントの構築に失敗しました", "topic", work.Topic, "error", err)
			p.fetchFailed(ctx, work, err.Error())
			return false
		}
		deliverTask = model.NewTask(
			"deliver-"+event.ID, task.QueueDelivery, p.now(),
			map[string]string{
				task.PayloadPathKey:    task.PathPushEvents,
				task.PayloadEventIDKey: event.ID,
			})
	}

	if err := p.records.CommitParse(ctx, record, newEntries, event, deliverTask); err != nil {
		p.logger.Error("差分結果の確定に失敗しました", "topic", work.Topic, "error", err)
		p.fetchFailed(ctx, work, err.Error())
		return false
	}
	if event != nil {
		p.hooks.InformEvent(ctx, event, nil)
		p.logger.Info("配信イベントを作成しました",
			"topic", work.Topic, "entries", len(newEntries), "content_type", event.ContentType)
	}

	if partial {
		// 残りのエントリを拾うために失敗扱いで再フェッチさせる
		p.fetchFailed(ctx, work, "新規エントリの分割による再フェッチ")
		return true
	}
	p.finish(ctx, work)
	return true
}

// parseWithFormatOrder は前回の形式を優先してパースを試す。
// どのXML形式でも読めない場合は任意コンテンツとして扱う。
func (p *Puller) parseWithFormatOrder(record *model.FeedRecord, body []byte) (*feed.ParsedFeed, error) {
	order := []model.FeedFormat{model.FormatAtom, model.FormatRSS}
	if record.Format == model.FormatRSS {
		order = []model.FeedFormat{model.FormatRSS, model.FormatAtom}
	}

	for _, format := range order {
		parsed, err := feed.Parse(body, format)
		if err == nil {
			return parsed, nil
		}
		if errors.Is(err, feed.ErrUnsupportedEncoding) {
			return nil, err
		}
	}

	// XMLとして読めないフィードは任意コンテンツとして全体を配る
	return &feed.ParsedFeed{Format: model.FormatArbitrary}, nil
}

// diffEntries はパース済みエントリを保存済み指紋と突き合わせ、
// 新規または内容が変わったエントリだけを返す。
func (p *Puller) diffEntries(ctx context.Context, topic string, parsed *feed.ParsedFeed) ([]*model.FeedEntryRecord, []string, error) {
	if len(parsed.Entries) == 0 {
		return nil, nil, nil
	}

	entryKeys := make([]string, len(parsed.Entries))
	for i, entry := range parsed.Entries {
		entryKeys[i] = model.KeyName(entry.ID)
	}
	stored, err := p.records.GetEntryHashes(ctx, model.KeyName(topic), entryKeys)
	if err != nil {
		return nil, nil, fmt.Errorf("エントリ指紋の取得に失敗しました: %w", err)
	}

	var newEntries []*model.FeedEntryRecord
	var payloads []string
	for i, entry := range parsed.Entries {
		contentHash := model.SHA1Hash(entry.Content)
		if stored[entryKeys[i]] == contentHash {
			continue
		}
		newEntries = append(newEntries, model.NewFeedEntryRecord(topic, entry.ID, contentHash))
		payloads = append(payloads, entry.Content)
	}
	return newEntries, payloads, nil
}

// finish はフェッチ待ちの行を畳む。etaが一致する場合のみ削除される。
func (p *Puller) finish(ctx context.Context, work *model.FeedToFetch) {
	if _, err := p.feeds.Done(ctx, work); err != nil {
		p.logger.Error("フェッチ待ちの削除に失敗しました", "topic", work.Topic, "error", err)
	}
}

// fetchFailed は失敗を記録し、上限以内ならリトライタスクを積む。
func (p *Puller) fetchFailed(ctx context.Context, work *model.FeedToFetch, reason string) {
	retrying, err := p.feeds.MarkFetchFailed(ctx, work, maxFetchFailures, fetchRetryBase,
		func(eta time.Time) *model.Task {
			name := fmt.Sprintf("pull-retry-%s-%d", work.ID, work.FetchingFailures)
			return model.NewTask(name, task.QueueFeedPullRetries, eta, map[string]string{
				task.PayloadPathKey:      task.PathPullFeeds,
				task.PayloadWorkIndexKey: strconv.FormatInt(work.WorkIndex, 10),
			})
		})
	if err != nil {
		p.logger.Error("フェッチ失敗の記録に失敗しました", "topic", work.Topic, "error", err)
		return
	}
	if retrying {
		p.logger.Info("フェッチを再試行します",
			"topic", work.Topic, "failures", work.FetchingFailures, "reason", reason)
		return
	}
	p.logger.Warn("フェッチリトライ上限に達しました", "topic", work.Topic, "reason", reason)
}
