// Package handler はハブのHTTPエンドポイントを提供する。
// publishピンと購読操作の受け付け、診断ページ、ヘルスチェックを含む。
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/pushhub/internal/metrics"
	"github.com/hitoshi/pushhub/internal/model"
	"github.com/hitoshi/pushhub/internal/publish"
	"github.com/hitoshi/pushhub/internal/subscription"
)

// retryAfterSeconds はバックエンド一時障害時にRetry-Afterへ設定する秒数。
const retryAfterSeconds = 120

// PublishServiceInterface はpublishハンドラーが必要とするサービスインターフェース。
type PublishServiceInterface interface {
	// Publish はpublishピンのURL群を受け付ける。
	Publish(ctx context.Context, urls []string, form map[string][]string) error
}

// SubscriptionServiceInterface は購読ハンドラーが必要とするサービスインターフェース。
type SubscriptionServiceInterface interface {
	SyncSubscribe(ctx context.Context, callback, topic, verifyToken, secret string, leaseSeconds int) error
	SyncUnsubscribe(ctx context.Context, callback, topic, verifyToken string) error
	AsyncSubscribe(ctx context.Context, callback, topic, verifyToken, secret string, leaseSeconds int) error
	AsyncUnsubscribe(ctx context.Context, callback, topic, verifyToken string) error
}

// HubHandler はハブのプロトコルエンドポイントのHTTPハンドラー。
type HubHandler struct {
	publisher PublishServiceInterface
	subs      SubscriptionServiceInterface
	metrics   metrics.Recorder
	logger    *slog.Logger
	devMode   bool
}

// NewHubHandler はHubHandlerを生成する。
func NewHubHandler(
	publisher PublishServiceInterface,
	subs SubscriptionServiceInterface,
	rec metrics.Recorder,
	logger *slog.Logger,
	devMode bool,
) *HubHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &HubHandler{
		publisher: publisher,
		subs:      subs,
		metrics:   rec,
		logger:    logger,
		devMode:   devMode,
	}
}

// Publish はpublishピンを処理する。
// POST /publish
func (h *HubHandler) Publish(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "フォームの解析に失敗しました", http.StatusBadRequest)
		return
	}
	if mode := r.PostForm.Get("hub.mode"); mode != "publish" {
		http.Error(w, fmt.Sprintf("hub.modeが不正です: %q", mode), http.StatusBadRequest)
		return
	}

	urls := r.PostForm["hub.url"]
	if err := h.publisher.Publish(r.Context(), urls, r.PostForm); err != nil {
		if errors.Is(err, publish.ErrInvalidURL) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("publishピンの受け付けに失敗しました", "error", err)
		writeServiceUnavailable(w)
		return
	}

	h.metrics.RecordPublish(len(urls))
	w.WriteHeader(http.StatusNoContent)
}

// Subscribe は購読・解除のリクエストを処理する。
// POST /subscribe
func (h *HubHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "フォームの解析に失敗しました", http.StatusBadRequest)
		return
	}

	mode := r.PostForm.Get("hub.mode")
	if mode != subscription.ModeSubscribe && mode != subscription.ModeUnsubscribe {
		http.Error(w, fmt.Sprintf("hub.modeが不正です: %q", mode), http.StatusBadRequest)
		return
	}

	callback := r.PostForm.Get("hub.callback")
	topic := r.PostForm.Get("hub.topic")
	if !model.IsValidURL(callback, h.devMode) {
		http.Error(w, "hub.callbackが不正です", http.StatusBadRequest)
		return
	}
	if !model.IsValidURL(topic, h.devMode) {
		http.Error(w, "hub.topicが不正です", http.StatusBadRequest)
		return
	}

	async, ok := chooseVerifyMode(r.PostForm["hub.verify"])
	if !ok {
		http.Error(w, "hub.verifyはsyncまたはasyncを含む必要があります", http.StatusBadRequest)
		return
	}

	leaseSeconds, ok := parseLeaseSeconds(r.PostForm.Get("hub.lease_seconds"))
	if !ok {
		http.Error(w, "hub.lease_secondsが不正です", http.StatusBadRequest)
		return
	}

	verifyToken := r.PostForm.Get("hub.verify_token")
	secret := r.PostForm.Get("hub.secret")
	topic = model.NormalizeIRI(topic)

	var err error
	switch {
	case async && mode == subscription.ModeSubscribe:
		err = h.subs.AsyncSubscribe(r.Context(), callback, topic, verifyToken, secret, leaseSeconds)
	case async:
		err = h.subs.AsyncUnsubscribe(r.Context(), callback, topic, verifyToken)
	case mode == subscription.ModeSubscribe:
		err = h.subs.SyncSubscribe(r.Context(), callback, topic, verifyToken, secret, leaseSeconds)
	default:
		err = h.subs.SyncUnsubscribe(r.Context(), callback, topic, verifyToken)
	}

	if err != nil {
		if errors.Is(err, subscription.ErrConfirmFailed) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		h.logger.Error("購読操作の処理に失敗しました",
			"mode", mode, "callback", callback, "topic", topic, "error", err)
		writeServiceUnavailable(w)
		return
	}

	if async {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// chooseVerifyMode はhub.verifyの値リストから検証モードを選ぶ。
// asyncが含まれていればasyncを優先する。どちらも含まれなければ不正。
func chooseVerifyMode(values []string) (async, ok bool) {
	hasSync := false
	for _, v := range values {
		switch v {
		case "async":
			return true, true
		case "sync":
			hasSync = true
		}
	}
	return false, hasSync
}

// parseLeaseSeconds はhub.lease_secondsを解析する。未指定は0
// （既定値はSubscription生成側で適用される）。非数値と負値は不正。
func parseLeaseSeconds(value string) (int, bool) {
	if value == "" {
		return 0, true
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// writeServiceUnavailable はバックエンド一時障害の503レスポンスを書き込む。
func writeServiceUnavailable(w http.ResponseWriter) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	http.Error(w, "一時的に処理できません。時間をおいて再試行してください", http.StatusServiceUnavailable)
}
