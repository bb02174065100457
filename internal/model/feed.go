package model

import (
	"fmt"
	"time"
)

// FeedFormat はフィードのパース形式を表す。
type FeedFormat string

const (
	// FormatAtom はAtomフィード。
	FormatAtom FeedFormat = "atom"
	// FormatRSS はRSS（RDF含む）フィード。
	FormatRSS FeedFormat = "rss"
	// FormatArbitrary はXMLフィードとして解釈しない任意コンテンツ。
	FormatArbitrary FeedFormat = "arbitrary"
)

// FeedToFetch は新しいデータがありフェッチが必要なフィードを表す。
// IDは KeyName(topic) で導出されるため、同一トピックへの複数回の
// publishは常に1行に収束する。
type FeedToFetch struct {
	ID               string
	Topic            string
	ETA              time.Time
	FetchingFailures int
	TotallyFailed    bool
	SourceKeys       []string
	SourceValues     []string
	WorkIndex        int64
	CreatedAt        time.Time
}

// NewFeedToFetch はトピックURLからFeedToFetchを構築する。
func NewFeedToFetch(topic string, workIndex int64, now time.Time) *FeedToFetch {
	return &FeedToFetch{
		ID:        KeyName(topic),
		Topic:     topic,
		ETA:       now,
		WorkIndex: workIndex,
		CreatedAt: now,
	}
}

// FeedRecord はポーリング済みフィードの記録を表す。
// エントリデータ以外のすべて（フッター、トップレベルXML要素、名前空間
// 宣言など）をheader_footerとして保持する。IDは KeyName(topic)。
type FeedRecord struct {
	ID           string
	Topic        string
	HeaderFooter string
	Format       FeedFormat
	ContentType  string
	LastModified string
	ETag         string
	LastUpdated  time.Time
}

// NewFeedRecord はトピックURLから空のFeedRecordを構築する。
func NewFeedRecord(topic string) *FeedRecord {
	return &FeedRecord{
		ID:    KeyName(topic),
		Topic: topic,
	}
}

// UpdateFromResponse はフェッチ結果のレスポンスヘッダーとパース結果を
// このレコードに反映する。保存は呼び出し側が行う。
// header_footerは任意コンテンツ形式の場合は保存しない。
func (r *FeedRecord) UpdateFromResponse(contentType, lastModified, etag, headerFooter string, format FeedFormat) {
	r.ContentType = contentType
	r.LastModified = lastModified
	r.ETag = etag
	if format != "" {
		r.Format = format
	}
	if headerFooter != "" && r.Format != FormatArbitrary {
		r.HeaderFooter = headerFooter
	}
}

// RequestHeaders はこのフィードをフェッチする際のリクエストヘッダーを返す。
// 条件付きGET用のIf-Modified-Since/If-None-Matchと、購読者数を含む
// User-Agentを設定する。
func (r *FeedRecord) RequestHeaders(subscriberCount int, hubURL string) map[string]string {
	headers := map[string]string{
		"Cache-Control": "no-cache no-store max-age=1",
		"Accept":        "*/*",
	}
	if r.LastModified != "" {
		headers["If-Modified-Since"] = r.LastModified
	}
	if r.ETag != "" {
		headers["If-None-Match"] = r.ETag
	}
	if subscriberCount > 0 {
		headers["User-Agent"] = fmt.Sprintf(
			"Public Hub (+%s; %d subscribers)", hubURL, subscriberCount)
	}
	return headers
}

// FeedEntryRecord は一度観測したフィードエントリの指紋を表す。
// エントリの同一性はentry_idで、変更はXML全体のSHA-1ハッシュで判定する。
// ハブはこのレコードを削除しない。
type FeedEntryRecord struct {
	FeedKey          string
	EntryKey         string
	EntryContentHash string
	UpdateTime       time.Time
}

// NewFeedEntryRecord はトピックとエントリIDから指紋レコードを構築する。
func NewFeedEntryRecord(topic, entryID, contentHash string) *FeedEntryRecord {
	return &FeedEntryRecord{
		FeedKey:          KeyName(topic),
		EntryKey:         KeyName(entryID),
		EntryContentHash: contentHash,
	}
}
