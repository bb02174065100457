package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/pushhub/internal/model"
)

// PostgresKnownFeedRepo はPostgreSQLを使用した既知フィードリポジトリ。
// KnownFeed、正規IDのエイリアス集合、統計、ポーリングマーカーを扱う。
type PostgresKnownFeedRepo struct {
	db *sql.DB
}

// NewPostgresKnownFeedRepo はPostgresKnownFeedRepoを生成する。
func NewPostgresKnownFeedRepo(db *sql.DB) *PostgresKnownFeedRepo {
	return &PostgresKnownFeedRepo{db: db}
}

// Upsert はKnownFeedを作成または上書きする。
func (r *PostgresKnownFeedRepo) Upsert(ctx context.Context, feed *model.KnownFeed) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO known_feeds (id, topic, feed_id, update_time)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE SET
		   feed_id = EXCLUDED.feed_id,
		   update_time = now()`,
		feed.ID, feed.Topic, nullString(feed.FeedID),
	)
	if err != nil {
		return fmt.Errorf("既知フィードの保存に失敗しました: %w", err)
	}
	return nil
}

// Find はトピックのKnownFeedを取得する。なければnilを返す。
func (r *PostgresKnownFeedRepo) Find(ctx context.Context, topic string) (*model.KnownFeed, error) {
	feed := &model.KnownFeed{}
	var feedID sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT id, topic, feed_id, update_time FROM known_feeds WHERE id = $1`,
		model.KeyName(topic),
	).Scan(&feed.ID, &feed.Topic, &feedID, &feed.UpdateTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("既知フィードの取得に失敗しました: %w", err)
	}
	feed.FeedID = nullStringValue(feedID)
	return feed, nil
}

// FindByTopics はトピック群のKnownFeedをまとめて取得する。
// 結果はトピックURLをキーにしたmapで返す。
func (r *PostgresKnownFeedRepo) FindByTopics(ctx context.Context, topics []string) (map[string]*model.KnownFeed, error) {
	if len(topics) == 0 {
		return map[string]*model.KnownFeed{}, nil
	}
	ids := make([]string, len(topics))
	for i, topic := range topics {
		ids[i] = model.KeyName(topic)
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, topic, feed_id, update_time FROM known_feeds WHERE id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("既知フィードの一括取得に失敗しました: %w", err)
	}
	defer rows.Close()

	found := make(map[string]*model.KnownFeed, len(topics))
	for rows.Next() {
		feed := &model.KnownFeed{}
		var feedID sql.NullString
		if err := rows.Scan(&feed.ID, &feed.Topic, &feedID, &feed.UpdateTime); err != nil {
			return nil, fmt.Errorf("既知フィードの読み取りに失敗しました: %w", err)
		}
		feed.FeedID = nullStringValue(feedID)
		found[feed.Topic] = feed
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("既知フィードの走査に失敗しました: %w", err)
	}
	return found, nil
}

// ListPage はKnownFeedをキー昇順でstartKeyより後からlimit件返す。
func (r *PostgresKnownFeedRepo) ListPage(ctx context.Context, startKey string, limit int) ([]*model.KnownFeed, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, topic, feed_id, update_time
		 FROM known_feeds
		 WHERE id > $1
		 ORDER BY id ASC
		 LIMIT $2`,
		startKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("既知フィードのページ取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var feeds []*model.KnownFeed
	for rows.Next() {
		feed := &model.KnownFeed{}
		var feedID sql.NullString
		if err := rows.Scan(&feed.ID, &feed.Topic, &feedID, &feed.UpdateTime); err != nil {
			return nil, fmt.Errorf("既知フィードの読み取りに失敗しました: %w", err)
		}
		feed.FeedID = nullStringValue(feedID)
		feeds = append(feeds, feed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("既知フィードの走査に失敗しました: %w", err)
	}
	return feeds, nil
}

// UpdateIdentity はfeed_idのトピック集合にtopicを追加する。
// 既に含まれている場合はlast_updateのみ進む。
func (r *PostgresKnownFeedRepo) UpdateIdentity(ctx context.Context, feedID, topic string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO known_feed_identities (id, feed_id, topics, last_update)
		 VALUES ($1, $2, ARRAY[$3], now())
		 ON CONFLICT (id) DO UPDATE SET
		   topics = (
		     SELECT array_agg(DISTINCT t)
		     FROM unnest(known_feed_identities.topics || $3) AS t
		   ),
		   last_update = now()`,
		model.KeyName(feedID), feedID, topic,
	)
	if err != nil {
		return fmt.Errorf("フィード正規IDの更新に失敗しました: %w", err)
	}
	return nil
}

// RemoveIdentity はfeed_idのトピック集合からtopicを外す。
// 集合が空になった行は削除する。
func (r *PostgresKnownFeedRepo) RemoveIdentity(ctx context.Context, feedID, topic string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	id := model.KeyName(feedID)
	if _, err := tx.ExecContext(ctx,
		`UPDATE known_feed_identities SET
		   topics = array_remove(topics, $2),
		   last_update = now()
		 WHERE id = $1`,
		id, topic,
	); err != nil {
		return fmt.Errorf("フィード正規IDからのトピック削除に失敗しました: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM known_feed_identities WHERE id = $1 AND cardinality(topics) = 0`,
		id,
	); err != nil {
		return fmt.Errorf("空になったフィード正規IDの削除に失敗しました: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// FindIdentity はfeed_idのKnownFeedIdentityを取得する。なければnilを返す。
func (r *PostgresKnownFeedRepo) FindIdentity(ctx context.Context, feedID string) (*model.KnownFeedIdentity, error) {
	identity := &model.KnownFeedIdentity{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, feed_id, topics, last_update FROM known_feed_identities WHERE id = $1`,
		model.KeyName(feedID),
	).Scan(&identity.ID, &identity.FeedID, pq.Array(&identity.Topics), &identity.LastUpdate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィード正規IDの取得に失敗しました: %w", err)
	}
	return identity, nil
}

// FindStats はフィードの統計を取得する。なければ購読者数0で返す。
func (r *PostgresKnownFeedRepo) FindStats(ctx context.Context, feedKey string) (*model.KnownFeedStats, error) {
	stats := &model.KnownFeedStats{FeedKey: feedKey}
	err := r.db.QueryRowContext(ctx,
		`SELECT feed_key, subscriber_count, update_time FROM known_feed_stats WHERE feed_key = $1`,
		feedKey,
	).Scan(&stats.FeedKey, &stats.SubscriberCount, &stats.UpdateTime)
	if err == sql.ErrNoRows {
		return stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィード統計の取得に失敗しました: %w", err)
	}
	return stats, nil
}

// RefreshStats はトピックの検証済み購読者数を数え直して保存する。
func (r *PostgresKnownFeedRepo) RefreshStats(ctx context.Context, topic string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO known_feed_stats (feed_key, subscriber_count, update_time)
		 VALUES ($1, (
		   SELECT COUNT(*) FROM subscriptions WHERE topic_hash = $2 AND state = 'verified'
		 ), now())
		 ON CONFLICT (feed_key) DO UPDATE SET
		   subscriber_count = EXCLUDED.subscriber_count,
		   update_time = now()`,
		model.KeyName(topic), model.SHA1Hash(topic),
	)
	if err != nil {
		return fmt.Errorf("フィード統計の更新に失敗しました: %w", err)
	}
	return nil
}

// GetMarker はポーリングマーカーを取得する。なければゼロ値を返す。
func (r *PostgresKnownFeedRepo) GetMarker(ctx context.Context) (*model.PollingMarker, error) {
	marker := &model.PollingMarker{}
	err := r.db.QueryRowContext(ctx,
		`SELECT last_start, next_start FROM polling_marker WHERE id = $1`,
		model.PollingMarkerID,
	).Scan(&marker.LastStart, &marker.NextStart)
	if err == sql.ErrNoRows {
		return marker, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ポーリングマーカーの取得に失敗しました: %w", err)
	}
	return marker, nil
}

// SaveMarker はポーリングマーカーを保存する。
func (r *PostgresKnownFeedRepo) SaveMarker(ctx context.Context, marker *model.PollingMarker) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO polling_marker (id, last_start, next_start)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET
		   last_start = EXCLUDED.last_start,
		   next_start = EXCLUDED.next_start`,
		model.PollingMarkerID, marker.LastStart, marker.NextStart,
	)
	if err != nil {
		return fmt.Errorf("ポーリングマーカーの保存に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ KnownFeedRepository = (*PostgresKnownFeedRepo)(nil)
