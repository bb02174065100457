package repository

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/pushhub/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した購読リポジトリ。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

const subscriptionColumns = `id, callback, topic, callback_hash, topic_hash, state,
	lease_seconds, expiration_time, eta, confirm_failures,
	verify_token, secret, hmac_algorithm, created_at, updated_at`

func scanSubscription(scan func(dest ...any) error) (*model.Subscription, error) {
	sub := &model.Subscription{}
	var verifyToken, secret, hmacAlgorithm sql.NullString
	err := scan(
		&sub.ID, &sub.Callback, &sub.Topic, &sub.CallbackHash, &sub.TopicHash, &sub.State,
		&sub.LeaseSeconds, &sub.ExpirationTime, &sub.ETA, &sub.ConfirmFailures,
		&verifyToken, &secret, &hmacAlgorithm, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.VerifyToken = nullStringValue(verifyToken)
	sub.Secret = nullStringValue(secret)
	sub.HMACAlgorithm = nullStringValue(hmacAlgorithm)
	return sub, nil
}

// FindByID は指定IDの購読を取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByID(ctx context.Context, id string) (*model.Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読の取得に失敗しました: %w", err)
	}
	return sub, nil
}

// Subscribe は購読を検証済み状態で作成または上書きする。
// 新規作成の場合はtrueを返す。
func (r *PostgresSubscriptionRepo) Subscribe(ctx context.Context, sub *model.Subscription) (bool, error) {
	var created bool
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, 'verified', $6, $7, $8, 0, $9, $10, $11, $12, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   state = 'verified',
		   lease_seconds = EXCLUDED.lease_seconds,
		   expiration_time = EXCLUDED.expiration_time,
		   confirm_failures = 0,
		   verify_token = EXCLUDED.verify_token,
		   secret = EXCLUDED.secret,
		   hmac_algorithm = EXCLUDED.hmac_algorithm,
		   updated_at = EXCLUDED.updated_at
		 RETURNING (created_at = updated_at)`,
		sub.ID, sub.Callback, sub.Topic, sub.CallbackHash, sub.TopicHash,
		sub.LeaseSeconds, sub.ExpirationTime, sub.ETA,
		nullString(sub.VerifyToken), nullString(sub.Secret), nullString(sub.HMACAlgorithm),
		sub.UpdatedAt,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("購読の保存に失敗しました: %w", err)
	}
	return created, nil
}

// RequestSubscribe は未検証の購読を作成し、検証タスクを同一
// トランザクションで投入する。
func (r *PostgresSubscriptionRepo) RequestSubscribe(ctx context.Context, sub *model.Subscription, task *model.Task) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, 'not_verified', $6, $7, $8, 0, $9, $10, $11, $12, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   lease_seconds = EXCLUDED.lease_seconds,
		   expiration_time = EXCLUDED.expiration_time,
		   confirm_failures = 0,
		   eta = EXCLUDED.eta,
		   verify_token = EXCLUDED.verify_token,
		   secret = EXCLUDED.secret,
		   hmac_algorithm = EXCLUDED.hmac_algorithm,
		   updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.Callback, sub.Topic, sub.CallbackHash, sub.TopicHash,
		sub.LeaseSeconds, sub.ExpirationTime, sub.ETA,
		nullString(sub.VerifyToken), nullString(sub.Secret), nullString(sub.HMACAlgorithm),
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("購読リクエストの保存に失敗しました: %w", err)
	}

	if err := insertTaskTx(ctx, tx, task); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// Remove は購読が存在すれば削除する。
func (r *PostgresSubscriptionRepo) Remove(ctx context.Context, callback, topic string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE id = $1`,
		model.SubscriptionKeyName(callback, topic),
	)
	if err != nil {
		return false, fmt.Errorf("購読の削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// RequestRemove は購読が存在すれば失敗回数をリセットし、解除検証タスクを
// 同一トランザクションで投入する。
func (r *PostgresSubscriptionRepo) RequestRemove(ctx context.Context, callback, topic, verifyToken string, task *model.Task) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET
		   confirm_failures = 0,
		   eta = now(),
		   verify_token = $2,
		   updated_at = now()
		 WHERE id = $1`,
		model.SubscriptionKeyName(callback, topic), nullString(verifyToken),
	)
	if err != nil {
		return false, fmt.Errorf("解除リクエストの保存に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if err := insertTaskTx(ctx, tx, task); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return true, nil
}

// Archive は購読をto_delete状態にする。
func (r *PostgresSubscriptionRepo) Archive(ctx context.Context, callback, topic string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET state = 'to_delete', updated_at = now() WHERE id = $1`,
		model.SubscriptionKeyName(callback, topic),
	)
	if err != nil {
		return fmt.Errorf("購読のアーカイブに失敗しました: %w", err)
	}
	return nil
}

// ConfirmFailed は検証失敗を記録する。上限以内ならバックオフ付きの
// 再検証タスクを投入してtrueを返す。
func (r *PostgresSubscriptionRepo) ConfirmFailed(ctx context.Context, sub *model.Subscription, maxFailures int, retryBase time.Duration, makeTask func(eta time.Time) *model.Task) (bool, error) {
	if sub.ConfirmFailures >= maxFailures {
		return false, nil
	}

	delay := time.Duration(float64(retryBase) * math.Pow(2, float64(sub.ConfirmFailures)))
	eta := time.Now().Add(delay)
	sub.ConfirmFailures++
	sub.ETA = eta

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE subscriptions SET
		   confirm_failures = $2, eta = $3, updated_at = now()
		 WHERE id = $1`,
		sub.ID, sub.ConfirmFailures, sub.ETA,
	)
	if err != nil {
		return false, fmt.Errorf("検証失敗の記録に失敗しました: %w", err)
	}

	if makeTask != nil {
		if err := insertTaskTx(ctx, tx, makeTask(eta)); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return true, nil
}

// HasSubscribers はトピックに検証済み購読者がいるかを返す。
func (r *PostgresSubscriptionRepo) HasSubscribers(ctx context.Context, topic string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM subscriptions
		   WHERE topic_hash = $1 AND state = 'verified'
		 )`,
		model.SHA1Hash(topic),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("購読者の有無の確認に失敗しました: %w", err)
	}
	return exists, nil
}

// GetSubscribers はトピックの検証済み購読者をcallback_hash昇順で返す。
func (r *PostgresSubscriptionRepo) GetSubscribers(ctx context.Context, topic string, count int, startAtCallback string) ([]*model.Subscription, error) {
	startHash := ""
	if startAtCallback != "" {
		startHash = model.SHA1Hash(startAtCallback)
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE topic_hash = $1 AND state = 'verified' AND callback_hash >= $2
		 ORDER BY callback_hash ASC
		 LIMIT $3`,
		model.SHA1Hash(topic), startHash, count,
	)
	if err != nil {
		return nil, fmt.Errorf("購読者の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("購読者の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読者の走査に失敗しました: %w", err)
	}
	return subs, nil
}

// FindByIDs は指定ID群の購読をまとめて取得する。
func (r *PostgresSubscriptionRepo) FindByIDs(ctx context.Context, ids []string) ([]*model.Subscription, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE id = ANY($1)
		 ORDER BY callback_hash ASC`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("購読の一括取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("購読の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読の走査に失敗しました: %w", err)
	}
	return subs, nil
}

// CountVerifiedByTopic はトピックの検証済み購読者数を返す。
func (r *PostgresSubscriptionRepo) CountVerifiedByTopic(ctx context.Context, topic string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE topic_hash = $1 AND state = 'verified'`,
		model.SHA1Hash(topic),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("購読者数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// DeleteArchived はto_delete状態の購読を最大limit件削除する。
func (r *PostgresSubscriptionRepo) DeleteArchived(ctx context.Context, limit int) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM subscriptions
		 WHERE id IN (
		   SELECT id FROM subscriptions WHERE state = 'to_delete' LIMIT $1
		 )`,
		limit,
	)
	if err != nil {
		return 0, fmt.Errorf("アーカイブ済み購読の削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return int(n), nil
}

// compile-time interface check
var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
