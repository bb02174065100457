package model

import "time"

// KnownFeed は存在が確認されているフィードを表す。
// 購読が検証されるたびに上書きされ、フィード全体の走査（ポーリング
// ブートストラップ）の基盤となる。削除されることはない。
type KnownFeed struct {
	ID         string
	Topic      string
	FeedID     string
	UpdateTime time.Time
}

// NewKnownFeed はトピックURLからKnownFeedを構築する。
func NewKnownFeed(topic string) *KnownFeed {
	return &KnownFeed{
		ID:    KeyName(topic),
		Topic: topic,
	}
}

// KnownFeedIdentity はフィードの正規IDに紐づくトピックURLの
// エイリアス集合を表す。publish時のエイリアス展開に使用する。
type KnownFeedIdentity struct {
	ID         string
	FeedID     string
	Topics     []string
	LastUpdate time.Time
}

// KnownFeedStats はフィードの統計情報を表す。
// subscriber_countはオフラインカウンタが更新し、フェッチ時の
// User-Agent生成に読み取られる。
type KnownFeedStats struct {
	FeedKey         string
	SubscriberCount int
	UpdateTime      time.Time
}

// PollingMarkerID はPollingMarkerのシングルトン行のID。
const PollingMarkerID = "the_mark"

// PollingMarker はブートストラップポーリングの進行位置を管理する
// シングルトンエンティティ。
type PollingMarker struct {
	LastStart time.Time
	NextStart time.Time
}

// ShouldProgress はブートストラップポーリングを開始すべきかを返す。
// 開始すべき場合、次回の開始時刻を更新する。呼び出し側が保存すること。
func (m *PollingMarker) ShouldProgress(period time.Duration, now time.Time) bool {
	if m.NextStart.Before(now) {
		m.LastStart = m.NextStart
		m.NextStart = now.Add(period)
		return true
	}
	return false
}
