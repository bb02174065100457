package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeliveryMode はイベント配信の進行モードを表す。
type DeliveryMode string

const (
	// DeliveryModeNormal は検証済み購読者をcallback_hash昇順に
	// ページングしながら配信するモード。
	DeliveryModeNormal DeliveryMode = "normal"
	// DeliveryModeRetry は失敗コールバックのリストを巡回するモード。
	DeliveryModeRetry DeliveryMode = "retry"
)

// EventToDeliver は購読者へ配信すべき1つの発行イベントを表す。
// フィードの差分検出で新規エントリが見つかるたびに1件作成され、
// 全購読者への配信が完了すると削除される。配信に失敗し続けた場合は
// totally_failedとして調査用に残される。
type EventToDeliver struct {
	ID              string
	FeedKey         string
	Topic           string
	TopicHash       string
	Payload         []byte
	ContentType     string
	LastCallback    string
	FailedCallbacks []string
	DeliveryMode    DeliveryMode
	RetryAttempts   int
	LastModified    time.Time
	TotallyFailed   bool
	MaxFailures     int
}

// NewEventForTopic はトピックと発行済みエントリ群から配信イベントを構築する。
//
// atom/rss形式の場合、保存済みのheader_footerの最後の閉じタグを探し、
// その直前にエントリXMLを差し込む。RSSは</channel></rss>の2段で閉じる
// ため、1レベル上まで遡る。Content-Typeは閉じタグから推定する
// （スペックの既知の弱点: 部分文字列探索のため特殊なフィードで誤判定
// し得る。呼び出し側で観測カウンタを更新すること）。
// 任意コンテンツの場合はheader_footerがそのままペイロードとなる。
//
// entryPayloadsは新しい順に並んでいること。
func NewEventForTopic(topic string, format FeedFormat, contentType, headerFooter string, entryPayloads []string, maxFailures int, now time.Time) (*EventToDeliver, error) {
	var payload string

	switch format {
	case FormatAtom, FormatRSS:
		closeIndex := strings.LastIndex(headerFooter, "</")
		if closeIndex == -1 {
			return nil, fmt.Errorf("フィードエンベロープに閉じタグが見つかりません: topic=%s", topic)
		}
		endTag := headerFooter[closeIndex:]
		if strings.Contains(endTag, "rss") {
			// RSSは</channel></rss>で閉じるため1レベル上に遡る。
			closeIndex = strings.LastIndex(headerFooter[:closeIndex], "</")
			if closeIndex == -1 {
				return nil, fmt.Errorf("フィードエンベロープに</channel>が見つかりません: topic=%s", topic)
			}
			contentType = "application/rss+xml"
		} else if strings.Contains(endTag, "feed") {
			contentType = "application/atom+xml"
		} else if strings.Contains(endTag, "rdf") {
			contentType = "application/rdf+xml"
		}

		parts := make([]string, 0, len(entryPayloads)+3)
		parts = append(parts, `<?xml version="1.0" encoding="utf-8"?>`)
		parts = append(parts, headerFooter[:closeIndex])
		parts = append(parts, entryPayloads...)
		parts = append(parts, headerFooter[closeIndex:])
		payload = strings.Join(parts, "\n")

	case FormatArbitrary:
		payload = headerFooter

	default:
		return nil, fmt.Errorf("未知のフィード形式です: %s", format)
	}

	return &EventToDeliver{
		ID:           uuid.NewString(),
		FeedKey:      KeyName(topic),
		Topic:        topic,
		TopicHash:    SHA1Hash(topic),
		Payload:      []byte(payload),
		ContentType:  contentType,
		DeliveryMode: DeliveryModeNormal,
		LastModified: now,
		MaxFailures:  maxFailures,
	}, nil
}
