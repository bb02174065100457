package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	PublishRate     rate.Limit    // publish全体のレート（req/sec）
	PublishBurst    int           // publish全体のバーストサイズ
	SubscribeRate   rate.Limit    // コールバックごとの購読操作レート（req/sec）
	SubscribeBurst  int           // コールバックごとのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// publishはハブ全体で100 req/sec、購読操作はコールバックごとに10 req/sec。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		PublishRate:     rate.Limit(100),
		PublishBurst:    200,
		SubscribeRate:   rate.Limit(10),
		SubscribeBurst:  20,
		CleanupInterval: 5 * time.Minute,
	}
}

// callbackLimiter はコールバックごとのレートリミッターとアクセス時刻を保持する。
type callbackLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter はハブ入口のレート制限を管理する。publish用の全体リミッターと、
// hub.callbackごとの購読操作リミッターの2種類を提供する。
type RateLimiter struct {
	config RateLimiterConfig

	publish *rate.Limiter

	subscribeMu       sync.RWMutex
	subscribeLimiters map[string]*callbackLimiter

	stopCh chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:            config,
		publish:           rate.NewLimiter(config.PublishRate, config.PublishBurst),
		subscribeLimiters: make(map[string]*callbackLimiter),
		stopCh:            make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// AllowPublish はpublishピン1件の受け入れ可否を返す。
// publishは発行者を識別できないため全体で1つのリミッターを共有する。
func (rl *RateLimiter) AllowPublish() bool {
	return rl.publish.Allow()
}

// AllowSubscribe はコールバックの購読操作1件の受け入れ可否を返す。
func (rl *RateLimiter) AllowSubscribe(callback string) bool {
	return rl.getOrCreateSubscribeLimiter(callback).Allow()
}

// SubscribeMiddleware は購読操作のレート制限ミドルウェアを返す。
// hub.callbackをキーにする。コールバックのないリクエストはハンドラの
// 検証に任せてそのまま通す。
func (rl *RateLimiter) SubscribeMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			callback := r.FormValue("hub.callback")
			if callback != "" && !rl.AllowSubscribe(callback) {
				writeRateLimitResponse(w, rl.config.SubscribeRate)
				slog.Warn("rate limit exceeded",
					slog.String("callback", callback),
					slog.String("limit_type", "subscribe"),
				)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PublishMiddleware はpublishピンのレート制限ミドルウェアを返す。
func (rl *RateLimiter) PublishMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.AllowPublish() {
				writeRateLimitResponse(w, rl.config.PublishRate)
				slog.Warn("rate limit exceeded",
					slog.String("limit_type", "publish"),
				)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SubscribeLimiterCount は現在管理されている購読リミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) SubscribeLimiterCount() int {
	rl.subscribeMu.RLock()
	defer rl.subscribeMu.RUnlock()
	return len(rl.subscribeLimiters)
}

// getOrCreateSubscribeLimiter はコールバックのリミッターを取得または作成する。
func (rl *RateLimiter) getOrCreateSubscribeLimiter(callback string) *rate.Limiter {
	rl.subscribeMu.RLock()
	cl, exists := rl.subscribeLimiters[callback]
	rl.subscribeMu.RUnlock()

	if exists {
		rl.subscribeMu.Lock()
		cl.lastAccess = time.Now()
		rl.subscribeMu.Unlock()
		return cl.limiter
	}

	rl.subscribeMu.Lock()
	defer rl.subscribeMu.Unlock()

	// ダブルチェック
	if cl, exists := rl.subscribeLimiters[callback]; exists {
		cl.lastAccess = time.Now()
		return cl.limiter
	}

	limiter := rate.NewLimiter(rl.config.SubscribeRate, rl.config.SubscribeBurst)
	rl.subscribeLimiters[callback] = &callbackLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}

	return limiter
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2

	now := time.Now()

	rl.subscribeMu.Lock()
	for callback, cl := range rl.subscribeLimiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(rl.subscribeLimiters, callback)
		}
	}
	rl.subscribeMu.Unlock()
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
}
