// Package subscription は購読のライフサイクル管理を提供する。
// 作成・検証・更新・解除・アーカイブと、検証ハンドシェイクの実行を担う。
package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hitoshi/pushhub/internal/hook"
	"github.com/hitoshi/pushhub/internal/metrics"
	"github.com/hitoshi/pushhub/internal/model"
	"github.com/hitoshi/pushhub/internal/repository"
	"github.com/hitoshi/pushhub/internal/task"
)

const (
	// maxConfirmFailures は検証リトライの上限回数。超えたらアーカイブする。
	maxConfirmFailures = 4
	// confirmRetryBase は検証リトライのバックオフ基準時間。
	// n回目の失敗後のリトライは confirmRetryBase·2^n 後。
	confirmRetryBase = 30 * time.Second
	// confirmDeadline はハンドシェイクGETのタイムアウト。
	confirmDeadline = 10 * time.Second
	// cleanupChunk は1回のクリーンアップで削除するアーカイブ済み購読の上限。
	cleanupChunk = 100
	// maxChallengeResponse はチャレンジ応答ボディの読み取り上限。
	maxChallengeResponse = 64 * 1024
)

// ペイロードのキー。
const (
	payloadSubscriptionID = "subscription_id"
	payloadMode           = "mode"
)

// ModeSubscribe とModeUnsubscribe はハンドシェイクのhub.modeの値。
const (
	ModeSubscribe   = "subscribe"
	ModeUnsubscribe = "unsubscribe"
)

// ErrConfirmFailed は同期検証で購読者がチャレンジに応答しなかったことを表す。
var ErrConfirmFailed = errors.New("購読者がチャレンジ検証に応答しませんでした")

// Service は購読のライフサイクル全体を管理する。
type Service struct {
	subs       repository.SubscriptionRepository
	known      repository.KnownFeedRepository
	dispatcher *task.Dispatcher
	hooks      *hook.Registry
	client     *http.Client
	logger     *slog.Logger
	metrics    metrics.Recorder

	// テストから時刻とチャレンジを差し替えるためのフック
	now          func() time.Time
	newChallenge func() string
}

// NewService はServiceを生成する。
func NewService(
	subs repository.SubscriptionRepository,
	known repository.KnownFeedRepository,
	dispatcher *task.Dispatcher,
	hooks *hook.Registry,
	client *http.Client,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		subs:         subs,
		known:        known,
		dispatcher:   dispatcher,
		hooks:        hooks,
		client:       client,
		logger:       logger,
		metrics:      metrics.Nop{},
		now:          time.Now,
		newChallenge: model.RandomChallenge,
	}
}

// SetMetrics はメトリクス収集先を差し替える。
func (s *Service) SetMetrics(rec metrics.Recorder) {
	s.metrics = rec
}

// Confirm は検証ハンドシェイクを実行する。コールバックURLへチャレンジ付きの
// GETを発行し、2xxかつボディがチャレンジと一致した場合に成功とする。
// subscribeに対する404は購読者の明示的な拒否としてアーカイブし、フロー制御上は
// 成功として扱う。リダイレクトは追わない。
func (s *Service) Confirm(ctx context.Context, mode string, sub *model.Subscription) bool {
	if ok, handled := s.hooks.ConfirmSubscription(ctx, mode, sub.Topic, sub.Callback, sub.VerifyToken, sub.Secret, sub.LeaseSeconds); handled {
		return ok
	}
	ok := s.doConfirm(ctx, mode, sub)
	s.metrics.RecordConfirm(mode, ok)
	return ok
}

func (s *Service) doConfirm(ctx context.Context, mode string, sub *model.Subscription) bool {
	challenge := s.newChallenge()
	confirmURL, err := buildConfirmURL(sub.Callback, mode, sub.Topic, challenge, sub.LeaseSeconds, sub.VerifyToken)
	if err != nil {
		s.logger.Warn("検証URLを構築できません", "callback", sub.Callback, "error", err)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, confirmDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, confirmURL, nil)
	if err != nil {
		s.logger.Warn("検証リクエストを構築できません", "callback", sub.Callback, "error", err)
		return false
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Info("検証リクエストが失敗しました",
			"mode", mode, "callback", sub.Callback, "topic", sub.Topic, "error", err)
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeResponse))
	if err != nil {
		s.logger.Info("検証応答の読み取りに失敗しました",
			"callback", sub.Callback, "error", err)
		return false
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && string(body) == challenge {
		return true
	}

	// 購読の検証に対する404は購読者の明示的な拒否
	if mode == ModeSubscribe && resp.StatusCode == http.StatusNotFound {
		if err := s.subs.Archive(ctx, sub.Callback, sub.Topic); err != nil {
			s.logger.Error("購読のアーカイブに失敗しました", "id", sub.ID, "error", err)
		}
		s.logger.Info("購読者が404を返したため購読をアーカイブしました",
			"callback", sub.Callback, "topic", sub.Topic)
		return true
	}

	s.logger.Info("チャレンジ検証に失敗しました",
		"mode", mode, "callback", sub.Callback, "topic", sub.Topic, "status", resp.StatusCode)
	return false
}

// buildConfirmURL はコールバックURLにhub.*パラメータを付けた検証URLを返す。
// 購読者が指定したクエリ文字列は保持する。
func buildConfirmURL(callback, mode, topic, challenge string, leaseSeconds int, verifyToken string) (string, error) {
	u, err := url.Parse(callback)
	if err != nil {
		return "", fmt.Errorf("コールバックURLのパースに失敗しました: %w", err)
	}
	q := u.Query()
	q.Set("hub.mode", mode)
	q.Set("hub.topic", topic)
	q.Set("hub.challenge", challenge)
	q.Set("hub.lease_seconds", strconv.Itoa(leaseSeconds))
	if verifyToken != "" {
		q.Set("hub.verify_token", verifyToken)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SyncSubscribe は同期モードの購読を処理する。その場でハンドシェイクを行い、
// 成功すれば購読を検証済みとして保存する。失敗は ErrConfirmFailed。
func (s *Service) SyncSubscribe(ctx context.Context, callback, topic, verifyToken, secret string, leaseSeconds int) error {
	sub := model.NewSubscription(callback, topic, verifyToken, secret, leaseSeconds, s.now())
	if !s.Confirm(ctx, ModeSubscribe, sub) {
		return ErrConfirmFailed
	}
	return s.markVerified(ctx, sub)
}

// SyncUnsubscribe は同期モードの解除を処理する。ハンドシェイク成功時に削除する。
// 購読が存在しない場合は何もせず成功を返す。
func (s *Service) SyncUnsubscribe(ctx context.Context, callback, topic, verifyToken string) error {
	existing, err := s.subs.FindByID(ctx, model.SubscriptionKeyName(callback, topic))
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	existing.VerifyToken = verifyToken

	if !s.Confirm(ctx, ModeUnsubscribe, existing) {
		return ErrConfirmFailed
	}
	if _, err := s.subs.Remove(ctx, callback, topic); err != nil {
		return err
	}
	return nil
}

// AsyncSubscribe は非同期モードの購読を受け付ける。未検証の購読行と
// 検証タスクを投入して即座に戻る。
func (s *Service) AsyncSubscribe(ctx context.Context, callback, topic, verifyToken, secret string, leaseSeconds int) error {
	sub := model.NewSubscription(callback, topic, verifyToken, secret, leaseSeconds, s.now())
	return s.subs.RequestSubscribe(ctx, sub, s.confirmTask(sub, ModeSubscribe, 0, s.now()))
}

// AsyncUnsubscribe は非同期モードの解除を受け付ける。購読が存在すれば
// 解除検証タスクを投入する。存在の有無によらず受け付けは成功とする。
func (s *Service) AsyncUnsubscribe(ctx context.Context, callback, topic, verifyToken string) error {
	sub := &model.Subscription{ID: model.SubscriptionKeyName(callback, topic)}
	_, err := s.subs.RequestRemove(ctx, callback, topic, verifyToken,
		s.confirmTask(sub, ModeUnsubscribe, 0, s.now()))
	return err
}

// confirmTask は検証タスクを構築する。名前に失敗回数を含めることで、
// リトライごとのタスクが一意になり再投入が冪等になる。
func (s *Service) confirmTask(sub *model.Subscription, mode string, attempt int, eta time.Time) *model.Task {
	name := fmt.Sprintf("confirm-%s-%s-%d", mode, sub.ID, attempt)
	return model.NewTask(name, task.QueueSubscriptions, eta, map[string]string{
		task.PayloadPathKey:   task.PathConfirmSubscriptions,
		payloadSubscriptionID: sub.ID,
		payloadMode:           mode,
	})
}

// HandleConfirmTask は検証タスク1件を処理する。バックグラウンドワーカーの
// 契約に従い、失敗は自身の状態機械で処理してエラーを外へ出さない。
func (s *Service) HandleConfirmTask(ctx context.Context, t *model.Task) {
	id := t.Payload[payloadSubscriptionID]
	mode := t.Payload[payloadMode]

	sub, err := s.subs.FindByID(ctx, id)
	if err != nil {
		s.logger.Error("検証対象の購読の取得に失敗しました", "id", id, "error", err)
		return
	}
	if sub == nil || sub.State == model.StateToDelete {
		// 既に削除またはアーカイブ済み。検証する意味がない。
		return
	}

	if s.Confirm(ctx, mode, sub) {
		s.confirmSucceeded(ctx, mode, sub)
		return
	}
	s.confirmFailed(ctx, mode, sub)
}

func (s *Service) confirmSucceeded(ctx context.Context, mode string, sub *model.Subscription) {
	switch mode {
	case ModeSubscribe:
		// アーカイブ済み（404応答）なら検証済みに戻さない
		current, err := s.subs.FindByID(ctx, sub.ID)
		if err != nil {
			s.logger.Error("購読の再取得に失敗しました", "id", sub.ID, "error", err)
			return
		}
		if current == nil || current.State == model.StateToDelete {
			return
		}
		now := s.now()
		sub.ExpirationTime = now.Add(time.Duration(sub.LeaseSeconds) * time.Second)
		sub.UpdatedAt = now
		if err := s.markVerified(ctx, sub); err != nil {
			s.logger.Error("購読の検証済み化に失敗しました", "id", sub.ID, "error", err)
		}
	case ModeUnsubscribe:
		if _, err := s.subs.Remove(ctx, sub.Callback, sub.Topic); err != nil {
			s.logger.Error("購読の削除に失敗しました", "id", sub.ID, "error", err)
		}
	}
}

func (s *Service) confirmFailed(ctx context.Context, mode string, sub *model.Subscription) {
	retrying, err := s.subs.ConfirmFailed(ctx, sub, maxConfirmFailures, confirmRetryBase,
		func(eta time.Time) *model.Task {
			return s.confirmTask(sub, mode, sub.ConfirmFailures, eta)
		})
	if err != nil {
		s.logger.Error("検証失敗の記録に失敗しました", "id", sub.ID, "error", err)
		return
	}
	if retrying {
		s.logger.Info("検証を再試行します",
			"mode", mode, "id", sub.ID, "failures", sub.ConfirmFailures)
		return
	}
	// リトライ上限。購読をアーカイブして打ち切る。
	if err := s.subs.Archive(ctx, sub.Callback, sub.Topic); err != nil {
		s.logger.Error("購読のアーカイブに失敗しました", "id", sub.ID, "error", err)
		return
	}
	s.logger.Warn("検証リトライ上限に達したため購読をアーカイブしました",
		"mode", mode, "id", sub.ID)
}

// markVerified は購読を検証済みとして保存し、購読者数の再集計と
// フィード正規IDの更新タスク投入を行う。
func (s *Service) markVerified(ctx context.Context, sub *model.Subscription) error {
	if _, err := s.subs.Subscribe(ctx, sub); err != nil {
		return err
	}
	if err := s.known.RefreshStats(ctx, sub.Topic); err != nil {
		s.logger.Error("購読者数の再集計に失敗しました", "topic", sub.Topic, "error", err)
	}

	// 正規IDの更新は別キューのワーカーが行う。鮮度チェックはワーカー側。
	name := fmt.Sprintf("record-%s-%d", model.KeyName(sub.Topic), s.now().Unix())
	recordTask := model.NewTask(name, task.QueueMappings, s.now(), map[string]string{
		task.PayloadPathKey:  task.PathRecordFeeds,
		task.PayloadTopicKey: sub.Topic,
	})
	if err := s.dispatcher.Enqueue(ctx, recordTask); err != nil {
		s.logger.Error("正規ID更新タスクの投入に失敗しました", "topic", sub.Topic, "error", err)
	}
	return nil
}

// CleanupArchived はアーカイブ済みの購読を1チャンク分削除する。
// 定期実行される前提で、削除件数を返す。
func (s *Service) CleanupArchived(ctx context.Context) (int, error) {
	deleted, err := s.subs.DeleteArchived(ctx, cleanupChunk)
	if err != nil {
		return 0, fmt.Errorf("アーカイブ済み購読の削除に失敗しました: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("アーカイブ済み購読を削除しました", "count", deleted)
	}
	return deleted, nil
}
