// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/pushhub/internal/model"
)

// SubscriptionRepository は購読データの永続化インターフェース。
// 後続タスクを伴う操作は、購読の更新とタスク投入を同一トランザクションで行う。
type SubscriptionRepository interface {
	// FindByID は指定IDの購読を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Subscription, error)

	// Subscribe は購読を検証済み状態で作成または上書きする。
	// confirm_failuresをリセットし、expiration_timeを更新する。
	// 新規作成の場合はtrueを返す。
	Subscribe(ctx context.Context, sub *model.Subscription) (bool, error)

	// RequestSubscribe は非同期検証用に未検証の購読を作成する。
	// 既存行があればverify_token等を更新して失敗回数をリセットする。
	// 検証タスクを同一トランザクションで投入する。
	RequestSubscribe(ctx context.Context, sub *model.Subscription, task *model.Task) error

	// Remove は購読が存在すれば削除する。削除した場合はtrueを返す。
	Remove(ctx context.Context, callback, topic string) (bool, error)

	// RequestRemove は購読が存在すれば失敗回数をリセットし、
	// 解除検証タスクを投入する。購読が存在した場合はtrueを返す。
	RequestRemove(ctx context.Context, callback, topic, verifyToken string, task *model.Task) (bool, error)

	// Archive は購読をto_delete状態にする。削除はしない。
	Archive(ctx context.Context, callback, topic string) error

	// ConfirmFailed は検証失敗を記録する。失敗回数が上限以内なら
	// eta = now + retryBase·2^failures で再検証タスクを投入してtrueを返す。
	// 上限を超えた場合は何も投入せずfalseを返す（呼び出し側がアーカイブする）。
	ConfirmFailed(ctx context.Context, sub *model.Subscription, maxFailures int, retryBase time.Duration, makeTask func(eta time.Time) *model.Task) (bool, error)

	// HasSubscribers はトピックに検証済み購読者がいるかを返す。
	HasSubscribers(ctx context.Context, topic string) (bool, error)

	// GetSubscribers はトピックの検証済み購読者をcallback_hash昇順で
	// 最大count件返す。startAtCallbackが空でなければそのコールバックの
	// ハッシュ以上から開始する。
	GetSubscribers(ctx context.Context, topic string, count int, startAtCallback string) ([]*model.Subscription, error)

	// FindByIDs は指定ID群の購読をまとめて取得する。
	FindByIDs(ctx context.Context, ids []string) ([]*model.Subscription, error)

	// CountVerifiedByTopic はトピックの検証済み購読者数を返す。
	CountVerifiedByTopic(ctx context.Context, topic string) (int, error)

	// DeleteArchived はto_delete状態の購読を最大limit件削除し、
	// 削除件数を返す。
	DeleteArchived(ctx context.Context, limit int) (int, error)
}

// FeedToFetchRepository はフェッチ待ちフィードの永続化インターフェース。
type FeedToFetchRepository interface {
	// FindByTopic はトピックのFeedToFetchを取得する。なければnilを返す。
	FindByTopic(ctx context.Context, topic string) (*model.FeedToFetch, error)

	// BulkInsert はFeedToFetch群を一括投入し、指定があればバッチ処理
	// タスクを同一トランザクションで投入する。既存トピックはetaと
	// work_indexを上書きする。
	BulkInsert(ctx context.Context, feeds []*model.FeedToFetch, task *model.Task) error

	// ListByWorkIndex は指定ワークインデックスのフェッチ待ちを
	// 最大limit件返す。
	ListByWorkIndex(ctx context.Context, workIndex int64, limit int) ([]*model.FeedToFetch, error)

	// MarkFetchFailed はフェッチ失敗を記録する。失敗回数が上限以内なら
	// etaを繰り上げてリトライタスクを投入しtrueを返す。上限超過なら
	// totally_failedを立ててfalseを返す。
	MarkFetchFailed(ctx context.Context, feed *model.FeedToFetch, maxFailures int, retryBase time.Duration, makeTask func(eta time.Time) *model.Task) (bool, error)

	// Done は保存されているetaがfeed.ETAと一致する場合のみ行を削除する。
	// 後からのpublishが作り直した行を誤って消さないための防御。
	// 削除した場合はtrueを返す。
	Done(ctx context.Context, feed *model.FeedToFetch) (bool, error)
}

// FeedRecordRepository はフィード記録とエントリ指紋の永続化インターフェース。
type FeedRecordRepository interface {
	// Find はトピックのFeedRecordを取得する。なければnilを返す。
	Find(ctx context.Context, topic string) (*model.FeedRecord, error)

	// GetEntryHashes はエントリキー群に対応する保存済みコンテンツ
	// ハッシュを返す。未知のキーは結果に含まれない。
	GetEntryHashes(ctx context.Context, feedKey string, entryKeys []string) (map[string]string, error)

	// CommitParse はフィード記録の更新、新規エントリ指紋の書き込み、
	// 配信イベントの挿入、配信タスクの投入を単一トランザクションで行う。
	// eventとtaskはnilの場合がある（新規エントリなしのとき）。
	CommitParse(ctx context.Context, record *model.FeedRecord, entries []*model.FeedEntryRecord, event *model.EventToDeliver, task *model.Task) error
}

// EventRepository は配信イベントの永続化インターフェース。
type EventRepository interface {
	// FindByID は指定IDのイベントを取得する。なければnilを返す。
	FindByID(ctx context.Context, id string) (*model.EventToDeliver, error)

	// Update はイベントの配信状態を保存し、指定があれば次回配信タスクを
	// 同一トランザクションで投入する。
	Update(ctx context.Context, event *model.EventToDeliver, task *model.Task) error

	// Delete は配信完了したイベントを削除する。
	Delete(ctx context.Context, id string) error
}

// KnownFeedRepository は既知フィード・正規ID・統計・ポーリング位置の
// 永続化インターフェース。
type KnownFeedRepository interface {
	// Upsert はKnownFeedを作成または上書きする。
	Upsert(ctx context.Context, feed *model.KnownFeed) error

	// Find はトピックのKnownFeedを取得する。なければnilを返す。
	Find(ctx context.Context, topic string) (*model.KnownFeed, error)

	// FindByTopics はトピック群のKnownFeedをまとめて取得する。
	FindByTopics(ctx context.Context, topics []string) (map[string]*model.KnownFeed, error)

	// ListPage はKnownFeedをキー昇順でstartKeyより後からlimit件返す。
	// ポーリングスイープのページングに使う。
	ListPage(ctx context.Context, startKey string, limit int) ([]*model.KnownFeed, error)

	// UpdateIdentity はfeed_idのトピック集合にtopicを追加する。
	UpdateIdentity(ctx context.Context, feedID, topic string) error

	// RemoveIdentity はfeed_idのトピック集合からtopicを外す。
	// 集合が空になったら行ごと削除する。
	RemoveIdentity(ctx context.Context, feedID, topic string) error

	// FindIdentity はfeed_idのKnownFeedIdentityを取得する。なければnilを返す。
	FindIdentity(ctx context.Context, feedID string) (*model.KnownFeedIdentity, error)

	// FindStats はフィードの統計を取得する。なければ購読者数0で返す。
	FindStats(ctx context.Context, feedKey string) (*model.KnownFeedStats, error)

	// RefreshStats はトピックの検証済み購読者数を数え直して保存する。
	RefreshStats(ctx context.Context, topic string) error

	// GetMarker はポーリングマーカーを取得する。なければゼロ値を返す。
	GetMarker(ctx context.Context) (*model.PollingMarker, error)

	// SaveMarker はポーリングマーカーを保存する。
	SaveMarker(ctx context.Context, marker *model.PollingMarker) error
}

// TaskRepository は名前付きタスクキューの永続化インターフェース。
type TaskRepository interface {
	// Enqueue はタスクを投入する。同名のタスクが既に存在する場合は
	// 何もしない（冪等な再投入）。
	Enqueue(ctx context.Context, task *model.Task) error

	// ClaimAndRun は指定キューの実行期限が来たタスクを最大limit件
	// 排他的に取得し、各タスクにhandleを適用してから削除する。
	// 取得から削除までを1トランザクションで行い、処理中のクラッシュは
	// ロールバックにより再実行される。処理件数を返す。
	ClaimAndRun(ctx context.Context, queue string, limit int, handle func(ctx context.Context, task *model.Task)) (int, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
