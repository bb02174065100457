package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/pushhub/internal/model"
)

// PostgresEventRepo はPostgreSQLを使用した配信イベントリポジトリ。
type PostgresEventRepo struct {
	db *sql.DB
}

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo(db *sql.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

// FindByID は指定IDのイベントを取得する。なければnilを返す。
func (r *PostgresEventRepo) FindByID(ctx context.Context, id string) (*model.EventToDeliver, error) {
	event := &model.EventToDeliver{}
	var contentType sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT id, feed_key, topic, topic_hash, payload, content_type, last_callback,
		        failed_callbacks, delivery_mode, retry_attempts, last_modified,
		        totally_failed, max_failures
		 FROM events_to_deliver WHERE id = $1`,
		id,
	).Scan(
		&event.ID, &event.FeedKey, &event.Topic, &event.TopicHash, &event.Payload,
		&contentType, &event.LastCallback, pq.Array(&event.FailedCallbacks),
		&event.DeliveryMode, &event.RetryAttempts, &event.LastModified,
		&event.TotallyFailed, &event.MaxFailures,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("配信イベントの取得に失敗しました: %w", err)
	}
	event.ContentType = nullStringValue(contentType)
	return event, nil
}

// Update はイベントの配信状態を保存し、指定があれば次回配信タスクを
// 同一トランザクションで投入する。
func (r *PostgresEventRepo) Update(ctx context.Context, event *model.EventToDeliver, task *model.Task) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE events_to_deliver SET
		   last_callback = $2,
		   failed_callbacks = $3,
		   delivery_mode = $4,
		   retry_attempts = $5,
		   last_modified = $6,
		   totally_failed = $7
		 WHERE id = $1`,
		event.ID, event.LastCallback, pq.Array(event.FailedCallbacks),
		event.DeliveryMode, event.RetryAttempts, event.LastModified, event.TotallyFailed,
	)
	if err != nil {
		return fmt.Errorf("配信イベントの更新に失敗しました: %w", err)
	}

	if err := insertTaskTx(ctx, tx, task); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// Delete は配信完了したイベントを削除する。
func (r *PostgresEventRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM events_to_deliver WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("配信イベントの削除に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ EventRepository = (*PostgresEventRepo)(nil)
