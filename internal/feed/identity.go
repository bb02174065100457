package feed

import (
	"bytes"
	"errors"
	"strings"

	"github.com/mmcdole/gofeed/atom"
	"github.com/mmcdole/gofeed/rss"

	"github.com/hitoshi/pushhub/internal/model"
)

// ErrNoIdentity はフィードドキュメントから正規IDを抽出できなかったことを表す。
var ErrNoIdentity = errors.New("フィードから正規IDを抽出できません")

// ExtractIdentity はフィードドキュメントから発行者宣言の正規ID（feed_id）を
// 抽出する。Atomはフィード直下の<id>、RSSはチャンネルの<link>を正規IDとする。
// atom、rssの順に試し、どちらからも得られなければ ErrNoIdentity を返す。
func ExtractIdentity(body []byte) (string, model.FeedFormat, error) {
	if id := atomIdentity(body); id != "" {
		return id, model.FormatAtom, nil
	}
	if id := rssIdentity(body); id != "" {
		return id, model.FormatRSS, nil
	}
	return "", "", ErrNoIdentity
}

func atomIdentity(body []byte) string {
	parsed, err := (&atom.Parser{}).Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(parsed.ID)
}

func rssIdentity(body []byte) string {
	parsed, err := (&rss.Parser{}).Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(parsed.Link)
}
