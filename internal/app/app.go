package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/pushhub/internal/config"
	"github.com/hitoshi/pushhub/internal/database"
	"github.com/hitoshi/pushhub/internal/dos"
	"github.com/hitoshi/pushhub/internal/forkjoin"
	"github.com/hitoshi/pushhub/internal/handler"
	"github.com/hitoshi/pushhub/internal/hook"
	"github.com/hitoshi/pushhub/internal/logger"
	"github.com/hitoshi/pushhub/internal/metrics"
	"github.com/hitoshi/pushhub/internal/middleware"
	"github.com/hitoshi/pushhub/internal/publish"
	"github.com/hitoshi/pushhub/internal/repository"
	"github.com/hitoshi/pushhub/internal/security"
	"github.com/hitoshi/pushhub/internal/subscription"
	"github.com/hitoshi/pushhub/internal/task"
	"github.com/hitoshi/pushhub/internal/worker/deliver"
	"github.com/hitoshi/pushhub/internal/worker/poll"
	"github.com/hitoshi/pushhub/internal/worker/pull"
	"github.com/hitoshi/pushhub/internal/worker/record"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting hub",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("hub_url", cfg.HubURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はハブのHTTPサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、プロトコルエンドポイントと
// 診断ページを公開する。SIGINTまたはSIGTERMシグナルを受信すると
// グレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	subRepo := repository.NewPostgresSubscriptionRepo(db)
	feedRepo := repository.NewPostgresFeedToFetchRepo(db)
	recordRepo := repository.NewPostgresFeedRecordRepo(db)
	knownRepo := repository.NewPostgresKnownFeedRepo(db)
	taskRepo := repository.NewPostgresTaskRepo(db)

	// 3. タスクディスパッチャと拡張ポイント
	// サーバー側のディスパッチャは投入専用。ポーリングループは起動しない。
	dispatcher := task.NewDispatcher(taskRepo, slog.Default(), cfg.WorkerPollInterval, cfg.WorkerClaimLimit)
	hooks := hook.NewRegistry(slog.Default())

	// 4. 外向きHTTPクライアント（同期検証ハンドシェイク用）
	client := security.NewOutboundClient(cfg.FetchTimeout, cfg.DevMode)

	// 5. ドメインサービスの初期化
	pubService := publish.NewService(
		feedRepo, knownRepo, hooks, forkjoin.DefaultConfig(), slog.Default(), cfg.DevMode,
	)
	subService := subscription.NewService(
		subRepo, knownRepo, dispatcher, hooks, client, slog.Default(),
	)

	// 6. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	subService.SetMetrics(collector)

	// 7. ハンドラーとルーターの構築
	hubHandler := handler.NewHubHandler(pubService, subService, collector, slog.Default(), cfg.DevMode)
	diagHandler := handler.NewDiagnosticsHandler(
		recordRepo, feedRepo, subRepo, knownRepo,
		map[string]*dos.MultiSampler{
			"fetch":    dos.NewFetchSampler(),
			"delivery": dos.NewDeliverySampler(),
		},
		slog.Default(), cfg.DevMode,
	)

	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiterCfg.PublishRate = rate.Limit(cfg.RateLimitPublish)
	rateLimiterCfg.PublishBurst = cfg.RateLimitPublish * 2
	rateLimiterCfg.SubscribeRate = rate.Limit(cfg.RateLimitSubscribe)
	rateLimiterCfg.SubscribeBurst = cfg.RateLimitSubscribe * 2
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Hub:            hubHandler,
		Diagnostics:    diagHandler,
		RateLimiter:    rateLimiter,
		Logger:         slog.Default(),
		MetricsHandler: metrics.Handler(registry),
		HealthCheck:    db.Ping,
	})

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("hub server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down hub server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("hub server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 全ワーカーをタスクディスパッチャに登録し、キューのポーリングループを
// メインgoroutineで実行する。アーカイブ掃除とブートストラップポーリングは
// バックグラウンドの周期ジョブとして動く。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	subRepo := repository.NewPostgresSubscriptionRepo(db)
	feedRepo := repository.NewPostgresFeedToFetchRepo(db)
	recordRepo := repository.NewPostgresFeedRecordRepo(db)
	eventRepo := repository.NewPostgresEventRepo(db)
	knownRepo := repository.NewPostgresKnownFeedRepo(db)
	taskRepo := repository.NewPostgresTaskRepo(db)

	// 3. 共有インフラ
	dispatcher := task.NewDispatcher(taskRepo, slog.Default(), cfg.WorkerPollInterval, cfg.WorkerClaimLimit)
	hooks := hook.NewRegistry(slog.Default())
	client := security.NewOutboundClient(cfg.FetchTimeout, cfg.DevMode)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. ドメインサービスとワーカーの初期化
	pubService := publish.NewService(
		feedRepo, knownRepo, hooks, forkjoin.DefaultConfig(), slog.Default(), cfg.DevMode,
	)
	subService := subscription.NewService(
		subRepo, knownRepo, dispatcher, hooks, client, slog.Default(),
	)
	subService.SetMetrics(collector)

	fetchSampler := dos.NewFetchSampler()
	deliverySampler := dos.NewDeliverySampler()

	puller := pull.NewPuller(
		feedRepo, recordRepo, subRepo, knownRepo, hooks,
		dos.NewFetchScorer(), fetchSampler, client, slog.Default(), cfg.HubURL,
	)
	puller.SetMetrics(collector)
	puller.SetMaxConcurrent(cfg.FetchMaxConcurrent)

	deliverer := deliver.NewDeliverer(
		eventRepo, subRepo, hooks,
		dos.NewDeliveryScorer(), deliverySampler, client, slog.Default(),
	)
	deliverer.SetMetrics(collector)
	deliverer.SetMaxConcurrent(cfg.FetchMaxConcurrent)

	recorder := record.NewRecorder(knownRepo, client, slog.Default())
	poller := poll.NewPoller(knownRepo, pubService, dispatcher, hooks, slog.Default())

	// 5. ワーカーをタスクパスに登録する
	dispatcher.Register(task.PathConfirmSubscriptions, subService.HandleConfirmTask)
	dispatcher.Register(task.PathPullFeeds, puller.HandlePullTask)
	dispatcher.Register(task.PathPushEvents, deliverer.HandleDeliveryTask)
	dispatcher.Register(task.PathRecordFeeds, recorder.HandleRecordTask)
	dispatcher.Register(task.PathPollBootstrap, poller.HandlePollTask)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("poll_interval", cfg.WorkerPollInterval),
		slog.Int("claim_limit", cfg.WorkerClaimLimit),
	)

	// 6. ワーカー側の観測エンドポイント（/health と /metrics）
	go serveWorkerObservability(ctx, cfg.ServerPort, db, registry)

	// 7. アーカイブ済み購読の掃除を周期実行
	go func() {
		runCleanup := func() {
			deleted, err := subService.CleanupArchived(ctx)
			if err != nil {
				slog.Error("cleanup job failed", slog.String("error", err.Error()))
				return
			}
			if deleted > 0 {
				slog.Info("archived subscriptions cleaned up", slog.Int("deleted", deleted))
			}
		}

		// 起動直後に1回実行
		runCleanup()

		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runCleanup()
			}
		}
	}()

	// 8. ブートストラップポーリングの周期チェック
	go func() {
		ticker := time.NewTicker(cfg.PollTickPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				started, err := poller.Tick(ctx)
				if err != nil {
					slog.Error("polling tick failed", slog.String("error", err.Error()))
					continue
				}
				if started {
					slog.Info("bootstrap polling sweep started")
				}
			}
		}
	}()

	// タスクディスパッチャをメインgoroutineで実行（ブロッキング）
	dispatcher.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// serveWorkerObservability はワーカープロセス用の小さなHTTPサーバーを起動する。
// フェッチや配信のメトリクスはワーカー側で記録されるため、ワーカーも
// 自分の/metricsを公開する必要がある。
func serveWorkerObservability(ctx context.Context, port string, db interface{ Ping() error }, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	slog.Info("worker observability endpoint starting", slog.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("worker observability listen error", slog.String("error", err.Error()))
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
