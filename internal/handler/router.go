package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/pushhub/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Hub         *HubHandler
	Diagnostics *DiagnosticsHandler
	RateLimiter *middleware.RateLimiter
	Logger      *slog.Logger

	// MetricsHandler が nil でない場合、/metricsを公開する。
	MetricsHandler http.Handler
	// HealthCheck はDB疎通などの生存確認。nilなら常に200。
	HealthCheck func() error
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを
// 構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware → RateLimit(モード別)
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	publishH := deps.RateLimiter.PublishMiddleware()(http.HandlerFunc(deps.Hub.Publish))
	subscribeH := deps.RateLimiter.SubscribeMiddleware()(http.HandlerFunc(deps.Hub.Subscribe))

	// プロトコルエンドポイント
	r.Method(http.MethodPost, "/publish", publishH)
	r.Method(http.MethodPost, "/subscribe", subscribeH)

	// ルートはhub.modeで多重化する
	r.Post("/", func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			http.Error(w, "フォームの解析に失敗しました", http.StatusBadRequest)
			return
		}
		switch req.PostForm.Get("hub.mode") {
		case "publish":
			publishH.ServeHTTP(w, req)
		case "subscribe", "unsubscribe":
			subscribeH.ServeHTTP(w, req)
		default:
			http.Error(w, "hub.modeが不正です", http.StatusBadRequest)
		}
	})

	// 診断ページ
	r.Get("/topic-details", deps.Diagnostics.TopicDetails)
	r.Get("/subscription-details", deps.Diagnostics.SubscriptionDetails)
	r.Get("/stats", deps.Diagnostics.Stats)

	// ヘルスチェック
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(); err != nil {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	return r
}
