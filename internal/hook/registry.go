// Package hook はハブの動作を差し替えるための拡張ポイントを提供する。
// 拡張ポイントごとにインターフェースを1つ定義し、レジストリに登録された
// 実装が処理を主張（handled=true）した時点でディスパッチを打ち切る。
// 同じ拡張ポイントに複数の実装が登録された場合は先勝ちとし、登録時に
// 警告を出す。
package hook

import (
	"context"
	"log/slog"

	"github.com/hitoshi/pushhub/internal/model"
)

// URLPreprocessor はpublishで受け取ったトピックURL群を書き換える。
type URLPreprocessor interface {
	PreprocessURLs(urls []string) (result []string, handled bool)
}

// SourceDeriver はpublishリクエストからフィードの出所メタデータを導出する。
// 返されたmapはFeedToFetchのsource_keys/source_valuesとして保存される。
type SourceDeriver interface {
	DeriveSources(form map[string][]string, urls []string) (sources map[string]string, handled bool)
}

// SubscriptionConfirmer は検証ハンドシェイクそのものを差し替える。
type SubscriptionConfirmer interface {
	ConfirmSubscription(ctx context.Context, mode, topic, callback, verifyToken, secret string, leaseSeconds int) (ok bool, handled bool)
}

// FeedPuller はフィードのフェッチ処理を差し替える。
type FeedPuller interface {
	PullFeed(ctx context.Context, feed *model.FeedToFetch, fetchURL string, headers map[string]string) (status int, respHeaders map[string]string, body []byte, err error, handled bool)
}

// EventPusher は購読者1件へのイベント配信を差し替える。
type EventPusher interface {
	PushEvent(ctx context.Context, sub *model.Subscription, headers map[string]string, payload []byte) (success bool, handled bool)
}

// EventInformer は新規イベント確定の直後に通知を受け取る。
// alternateTopicsにはエイリアス展開で追加されたトピックが入る。
type EventInformer interface {
	InformEvent(ctx context.Context, event *model.EventToDeliver, alternateTopics []string) (handled bool)
}

// PollingActor はブートストラップポーリングの1ページ分の処理を差し替える。
type PollingActor interface {
	TakePollingAction(ctx context.Context, topics []string, pollType string) (handled bool)
}

// Registry は全拡張ポイントの登録を保持する。
type Registry struct {
	logger *slog.Logger

	preprocessors []URLPreprocessor
	derivers      []SourceDeriver
	confirmers    []SubscriptionConfirmer
	pullers       []FeedPuller
	pushers       []EventPusher
	informers     []EventInformer
	pollers       []PollingActor
}

// NewRegistry は空のレジストリを生成する。
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

func (r *Registry) warnIfOccupied(point string, count int) {
	if count > 0 {
		r.logger.Warn("拡張ポイントに複数の実装が登録されました。最初の登録が優先されます",
			"point", point, "registered", count+1)
	}
}

// RegisterURLPreprocessor はpreprocess_urls拡張を登録する。
func (r *Registry) RegisterURLPreprocessor(h URLPreprocessor) {
	r.warnIfOccupied("preprocess_urls", len(r.preprocessors))
	r.preprocessors = append(r.preprocessors, h)
}

// RegisterSourceDeriver はderive_sources拡張を登録する。
func (r *Registry) RegisterSourceDeriver(h SourceDeriver) {
	r.warnIfOccupied("derive_sources", len(r.derivers))
	r.derivers = append(r.derivers, h)
}

// RegisterSubscriptionConfirmer はconfirm_subscription拡張を登録する。
func (r *Registry) RegisterSubscriptionConfirmer(h SubscriptionConfirmer) {
	r.warnIfOccupied("confirm_subscription", len(r.confirmers))
	r.confirmers = append(r.confirmers, h)
}

// RegisterFeedPuller はpull_feed拡張を登録する。
func (r *Registry) RegisterFeedPuller(h FeedPuller) {
	r.warnIfOccupied("pull_feed", len(r.pullers))
	r.pullers = append(r.pullers, h)
}

// RegisterEventPusher はpush_event拡張を登録する。
func (r *Registry) RegisterEventPusher(h EventPusher) {
	r.warnIfOccupied("push_event", len(r.pushers))
	r.pushers = append(r.pushers, h)
}

// RegisterEventInformer はinform_event拡張を登録する。
func (r *Registry) RegisterEventInformer(h EventInformer) {
	r.warnIfOccupied("inform_event", len(r.informers))
	r.informers = append(r.informers, h)
}

// RegisterPollingActor はtake_polling_action拡張を登録する。
func (r *Registry) RegisterPollingActor(h PollingActor) {
	r.warnIfOccupied("take_polling_action", len(r.pollers))
	r.pollers = append(r.pollers, h)
}

// PreprocessURLs は登録順に実装を試し、最初に処理を主張した結果を返す。
// どの実装も主張しなければ入力をそのまま返す。
func (r *Registry) PreprocessURLs(urls []string) []string {
	for _, h := range r.preprocessors {
		if result, handled := h.PreprocessURLs(urls); handled {
			return result
		}
	}
	return urls
}

// DeriveSources は最初に処理を主張した実装の出所メタデータを返す。
// 主張がなければnilを返す。
func (r *Registry) DeriveSources(form map[string][]string, urls []string) map[string]string {
	for _, h := range r.derivers {
		if sources, handled := h.DeriveSources(form, urls); handled {
			return sources
		}
	}
	return nil
}

// ConfirmSubscription は検証ハンドシェイクの差し替え実装を試す。
// handled=falseの場合、呼び出し側が既定のハンドシェイクを実行する。
func (r *Registry) ConfirmSubscription(ctx context.Context, mode, topic, callback, verifyToken, secret string, leaseSeconds int) (ok bool, handled bool) {
	for _, h := range r.confirmers {
		if ok, handled := h.ConfirmSubscription(ctx, mode, topic, callback, verifyToken, secret, leaseSeconds); handled {
			return ok, true
		}
	}
	return false, false
}

// PullFeed はフェッチの差し替え実装を試す。
func (r *Registry) PullFeed(ctx context.Context, feed *model.FeedToFetch, fetchURL string, headers map[string]string) (int, map[string]string, []byte, error, bool) {
	for _, h := range r.pullers {
		if status, respHeaders, body, err, handled := h.PullFeed(ctx, feed, fetchURL, headers); handled {
			return status, respHeaders, body, err, true
		}
	}
	return 0, nil, nil, nil, false
}

// PushEvent は配信の差し替え実装を試す。
func (r *Registry) PushEvent(ctx context.Context, sub *model.Subscription, headers map[string]string, payload []byte) (success bool, handled bool) {
	for _, h := range r.pushers {
		if success, handled := h.PushEvent(ctx, sub, headers, payload); handled {
			return success, true
		}
	}
	return false, false
}

// InformEvent は新規イベントの確定を登録済み実装へ通知する。
func (r *Registry) InformEvent(ctx context.Context, event *model.EventToDeliver, alternateTopics []string) {
	for _, h := range r.informers {
		if h.InformEvent(ctx, event, alternateTopics) {
			return
		}
	}
}

// TakePollingAction はポーリング1ページ分の差し替え実装を試す。
// handled=falseの場合、呼び出し側が既定の動作（FeedToFetch投入）を行う。
func (r *Registry) TakePollingAction(ctx context.Context, topics []string, pollType string) bool {
	for _, h := range r.pollers {
		if h.TakePollingAction(ctx, topics, pollType) {
			return true
		}
	}
	return false
}
