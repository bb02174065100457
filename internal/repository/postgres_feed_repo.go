package repository

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/pushhub/internal/model"
)

// PostgresFeedToFetchRepo はPostgreSQLを使用したフェッチ待ちリポジトリ。
type PostgresFeedToFetchRepo struct {
	db *sql.DB
}

// NewPostgresFeedToFetchRepo はPostgresFeedToFetchRepoを生成する。
func NewPostgresFeedToFetchRepo(db *sql.DB) *PostgresFeedToFetchRepo {
	return &PostgresFeedToFetchRepo{db: db}
}

// bulkInsertChunk は1文のINSERTにまとめる行数の上限。
// lib/pqのプレースホルダ上限（65535）に対して十分な余裕をとる。
const bulkInsertChunk = 100

// FindByTopic はトピックのFeedToFetchを取得する。なければnilを返す。
func (r *PostgresFeedToFetchRepo) FindByTopic(ctx context.Context, topic string) (*model.FeedToFetch, error) {
	feed := &model.FeedToFetch{}
	var workIndex sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT id, topic, eta, fetching_failures, totally_failed,
		        source_keys, source_values, work_index, created_at
		 FROM feeds_to_fetch WHERE id = $1`,
		model.KeyName(topic),
	).Scan(
		&feed.ID, &feed.Topic, &feed.ETA, &feed.FetchingFailures, &feed.TotallyFailed,
		pq.Array(&feed.SourceKeys), pq.Array(&feed.SourceValues), &workIndex, &feed.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フェッチ待ちの取得に失敗しました: %w", err)
	}
	feed.WorkIndex = workIndex.Int64
	return feed, nil
}

// BulkInsert はFeedToFetch群とバッチ処理タスクを同一トランザクションで
// 投入する。既存トピックはetaとwork_indexを上書きし、失敗カウンタを
// リセットする（新しいpublishは新しいフェッチ機会）。
func (r *PostgresFeedToFetchRepo) BulkInsert(ctx context.Context, feeds []*model.FeedToFetch, task *model.Task) error {
	if len(feeds) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(feeds); start += bulkInsertChunk {
		end := start + bulkInsertChunk
		if end > len(feeds) {
			end = len(feeds)
		}
		chunk := feeds[start:end]

		var b strings.Builder
		b.WriteString(`INSERT INTO feeds_to_fetch
			(id, topic, eta, fetching_failures, totally_failed, source_keys, source_values, work_index, created_at)
			VALUES `)
		args := make([]any, 0, len(chunk)*7)
		for i, feed := range chunk {
			if i > 0 {
				b.WriteString(", ")
			}
			base := i * 7
			fmt.Fprintf(&b, "($%d, $%d, $%d, 0, FALSE, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7)
			args = append(args,
				feed.ID, feed.Topic, feed.ETA,
				pq.Array(feed.SourceKeys), pq.Array(feed.SourceValues),
				feed.WorkIndex, feed.CreatedAt,
			)
		}
		b.WriteString(` ON CONFLICT (id) DO UPDATE SET
			eta = EXCLUDED.eta,
			fetching_failures = 0,
			totally_failed = FALSE,
			source_keys = EXCLUDED.source_keys,
			source_values = EXCLUDED.source_values,
			work_index = EXCLUDED.work_index`)

		if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("フェッチ待ちの一括投入に失敗しました: %w", err)
		}
	}

	if err := insertTaskTx(ctx, tx, task); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// ListByWorkIndex は指定ワークインデックスのフェッチ待ちを返す。
// totally_failedの行とまだ実行予定時刻が来ていない行は除く。
func (r *PostgresFeedToFetchRepo) ListByWorkIndex(ctx context.Context, workIndex int64, limit int) ([]*model.FeedToFetch, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, topic, eta, fetching_failures, totally_failed,
		        source_keys, source_values, work_index, created_at
		 FROM feeds_to_fetch
		 WHERE work_index = $1 AND NOT totally_failed AND eta <= now()
		 ORDER BY id ASC
		 LIMIT $2`,
		workIndex, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("フェッチ待ちの一覧取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var feeds []*model.FeedToFetch
	for rows.Next() {
		feed := &model.FeedToFetch{}
		var wi sql.NullInt64
		if err := rows.Scan(
			&feed.ID, &feed.Topic, &feed.ETA, &feed.FetchingFailures, &feed.TotallyFailed,
			pq.Array(&feed.SourceKeys), pq.Array(&feed.SourceValues), &wi, &feed.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("フェッチ待ちの読み取りに失敗しました: %w", err)
		}
		feed.WorkIndex = wi.Int64
		feeds = append(feeds, feed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フェッチ待ちの走査に失敗しました: %w", err)
	}
	return feeds, nil
}

// MarkFetchFailed はフェッチ失敗を記録する。上限以内ならetaを
// バックオフ分繰り上げてリトライタスクを投入しtrueを返す。
func (r *PostgresFeedToFetchRepo) MarkFetchFailed(ctx context.Context, feed *model.FeedToFetch, maxFailures int, retryBase time.Duration, makeTask func(eta time.Time) *model.Task) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if feed.FetchingFailures >= maxFailures {
		feed.TotallyFailed = true
		if _, err := tx.ExecContext(ctx,
			`UPDATE feeds_to_fetch SET totally_failed = TRUE WHERE id = $1`,
			feed.ID,
		); err != nil {
			return false, fmt.Errorf("フェッチ失敗の確定に失敗しました: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
		}
		return false, nil
	}

	delay := time.Duration(float64(retryBase) * math.Pow(2, float64(feed.FetchingFailures)))
	eta := time.Now().Add(delay)
	feed.FetchingFailures++
	feed.ETA = eta

	if _, err := tx.ExecContext(ctx,
		`UPDATE feeds_to_fetch SET fetching_failures = $2, eta = $3 WHERE id = $1`,
		feed.ID, feed.FetchingFailures, feed.ETA,
	); err != nil {
		return false, fmt.Errorf("フェッチ失敗の記録に失敗しました: %w", err)
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

// Done は保存されているetaがfeed.ETAと一致する場合のみ行を削除する。
func (r *PostgresFeedToFetchRepo) Done(ctx context.Context, feed *model.FeedToFetch) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM feeds_to_fetch WHERE id = $1 AND eta = $2`,
		feed.ID, feed.ETA,
	)
	if err != nil {
		return false, fmt.Errorf("フェッチ待ちの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// compile-time interface check
var _ FeedToFetchRepository = (*PostgresFeedToFetchRepo)(nil)
