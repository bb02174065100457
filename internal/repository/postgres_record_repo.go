package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/hitoshi/pushhub/internal/model"
)

// PostgresFeedRecordRepo はPostgreSQLを使用したフィード記録リポジトリ。
// フィード記録・エントリ指紋・配信イベント・配信タスクは1つの
// トランザクションでまとめてコミットする。これにより指紋が書かれたのに
// イベントが出ない（またはその逆の）状態は起こらない。
type PostgresFeedRecordRepo struct {
	db *sql.DB
}

// NewPostgresFeedRecordRepo はPostgresFeedRecordRepoを生成する。
func NewPostgresFeedRecordRepo(db *sql.DB) *PostgresFeedRecordRepo {
	return &PostgresFeedRecordRepo{db: db}
}

// entryLookupChunk は1クエリで引くエントリキー数の上限。
const entryLookupChunk = 500

// entrySaveChunk は1文のINSERTにまとめるエントリ指紋の行数。
const entrySaveChunk = 100

// Find はトピックのFeedRecordを取得する。なければnilを返す。
func (r *PostgresFeedRecordRepo) Find(ctx context.Context, topic string) (*model.FeedRecord, error) {
	record := &model.FeedRecord{}
	var headerFooter, format, contentType, lastModified, etag sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT id, topic, header_footer, format, content_type, last_modified, etag, last_updated
		 FROM feed_records WHERE id = $1`,
		model.KeyName(topic),
	).Scan(
		&record.ID, &record.Topic, &headerFooter, &format, &contentType,
		&lastModified, &etag, &record.LastUpdated,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィード記録の取得に失敗しました: %w", err)
	}
	record.HeaderFooter = nullStringValue(headerFooter)
	record.Format = model.FeedFormat(nullStringValue(format))
	record.ContentType = nullStringValue(contentType)
	record.LastModified = nullStringValue(lastModified)
	record.ETag = nullStringValue(etag)
	return record, nil
}

// GetEntryHashes はエントリキー群に対応する保存済みコンテンツハッシュを
// 返す。キー群は上限件数ごとに分割して問い合わせる。
func (r *PostgresFeedRecordRepo) GetEntryHashes(ctx context.Context, feedKey string, entryKeys []string) (map[string]string, error) {
	hashes := make(map[string]string, len(entryKeys))
	for start := 0; start < len(entryKeys); start += entryLookupChunk {
		end := start + entryLookupChunk
		if end > len(entryKeys) {
			end = len(entryKeys)
		}
		rows, err := r.db.QueryContext(ctx,
			`SELECT entry_key, entry_content_hash
			 FROM feed_entry_records
			 WHERE feed_key = $1 AND entry_key = ANY($2)`,
			feedKey, pq.Array(entryKeys[start:end]),
		)
		if err != nil {
			return nil, fmt.Errorf("エントリ指紋の取得に失敗しました: %w", err)
		}
		for rows.Next() {
			var key, hash string
			if err := rows.Scan(&key, &hash); err != nil {
				rows.Close()
				return nil, fmt.Errorf("エントリ指紋の読み取りに失敗しました: %w", err)
			}
			hashes[key] = hash
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("エントリ指紋の走査に失敗しました: %w", err)
		}
	}
	return hashes, nil
}

// CommitParse はフィード記録の更新、エントリ指紋の書き込み、配信イベントの
// 挿入、配信タスクの投入を単一トランザクションで行う。
func (r *PostgresFeedRecordRepo) CommitParse(ctx context.Context, record *model.FeedRecord, entries []*model.FeedEntryRecord, event *model.EventToDeliver, task *model.Task) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO feed_records (id, topic, header_footer, format, content_type, last_modified, etag, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (id) DO UPDATE SET
		   header_footer = EXCLUDED.header_footer,
		   format = EXCLUDED.format,
		   content_type = EXCLUDED.content_type,
		   last_modified = EXCLUDED.last_modified,
		   etag = EXCLUDED.etag,
		   last_updated = now()`,
		record.ID, record.Topic, nullString(record.HeaderFooter), nullString(string(record.Format)),
		nullString(record.ContentType), nullString(record.LastModified), nullString(record.ETag),
	)
	if err != nil {
		return fmt.Errorf("フィード記録の保存に失敗しました: %w", err)
	}

	for start := 0; start < len(entries); start += entrySaveChunk {
		end := start + entrySaveChunk
		if end > len(entries) {
			end = len(entries)
		}
		chunk := entries[start:end]

		var b strings.Builder
		b.WriteString(`INSERT INTO feed_entry_records (feed_key, entry_key, entry_content_hash, update_time) VALUES `)
		args := make([]any, 0, len(chunk)*3)
		for i, entry := range chunk {
			if i > 0 {
				b.WriteString(", ")
			}
			base := i * 3
			fmt.Fprintf(&b, "($%d, $%d, $%d, now())", base+1, base+2, base+3)
			args = append(args, entry.FeedKey, entry.EntryKey, entry.EntryContentHash)
		}
		b.WriteString(` ON CONFLICT (feed_key, entry_key) DO UPDATE SET
			entry_content_hash = EXCLUDED.entry_content_hash,
			update_time = now()`)

		if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("エントリ指紋の保存に失敗しました: %w", err)
		}
	}

	if event != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events_to_deliver
			   (id, feed_key, topic, topic_hash, payload, content_type, last_callback,
			    failed_callbacks, delivery_mode, retry_attempts, last_modified, totally_failed, max_failures)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			event.ID, event.FeedKey, event.Topic, event.TopicHash, event.Payload,
			nullString(event.ContentType), event.LastCallback,
			pq.Array(event.FailedCallbacks), event.DeliveryMode, event.RetryAttempts,
			event.LastModified, event.TotallyFailed, event.MaxFailures,
		)
		if err != nil {
			return fmt.Errorf("配信イベントの保存に失敗しました: %w", err)
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

// compile-time interface check
var _ FeedRecordRepository = (*PostgresFeedRecordRepo)(nil)
