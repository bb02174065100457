// Package feed はフィードの差分検出と正規ID抽出を提供する。
// パースはエントリ単位の生XMLを保持する必要があるため、構造体への
// デシリアライズではなくトークン走査とバイトオフセットで行う。
package feed

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/hitoshi/pushhub/internal/model"
)

// ErrUnsupportedEncoding は文字エンコーディングを解決できなかったことを
// 表す。リトライしても回復しない恒久エラーとして扱う。
var ErrUnsupportedEncoding = errors.New("文字エンコーディングを解決できません")

// Entry はフィード中の1エントリ。Contentはエントリ要素全体の生XML。
type Entry struct {
	ID      string
	Content string
}

// ParsedFeed はパース結果。HeaderFooterはエントリを除いた
// フィードドキュメント全体（エンベロープ）。
type ParsedFeed struct {
	Format       model.FeedFormat
	HeaderFooter string
	Entries      []Entry
}

// Parse はボディを指定形式のフィードとしてパースする。
// 形式はatomまたはrssのみ。ルート要素が形式と合わない場合はエラー。
func Parse(body []byte, format model.FeedFormat) (*ParsedFeed, error) {
	utf8Body, err := toUTF8(body)
	if err != nil {
		return nil, err
	}

	switch format {
	case model.FormatAtom:
		return parseEnvelope(utf8Body, model.FormatAtom, []string{"feed"}, "entry", atomEntryID)
	case model.FormatRSS:
		return parseEnvelope(utf8Body, model.FormatRSS, []string{"rss", "RDF"}, "item", rssEntryID)
	default:
		return nil, fmt.Errorf("パースできない形式です: %s", format)
	}
}

// toUTF8 はXML宣言やBOMからエンコーディングを判定してUTF-8に変換する。
// 以降のパースはバイトオフセットでエントリを切り出すため、
// 変換は必ずパースより先に1回だけ行う。
func toUTF8(body []byte) ([]byte, error) {
	reader, err := charset.NewReader(bytes.NewReader(body), "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedEncoding, err)
	}
	converted, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedEncoding, err)
	}
	return converted, nil
}

// entryIDFunc はエントリ要素内のトークン列からエントリIDを求める。
type entryIDFunc func(entryXML string) string

// parseEnvelope はドキュメントを走査し、ルート要素の検証、エントリ要素の
// 切り出し、エンベロープの組み立てを行う。
func parseEnvelope(body []byte, format model.FeedFormat, rootNames []string, entryName string, entryID entryIDFunc) (*ParsedFeed, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false

	var (
		rootSeen  bool
		entries   []Entry
		spans     [][2]int64
		lastStart int64
	)

	for {
		offset := dec.InputOffset()
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("フィードのパースに失敗しました: %w", err)
		}

		if t, ok := tok.(xml.StartElement); ok {
			if !rootSeen {
				ok := false
				for _, name := range rootNames {
					if t.Name.Local == name {
						ok = true
						break
					}
				}
				if !ok {
					return nil, fmt.Errorf("ルート要素が%s形式ではありません: <%s>", format, t.Name.Local)
				}
				rootSeen = true
				continue
			}
			if t.Name.Local == entryName {
				lastStart = offset
				if err := dec.Skip(); err != nil {
					return nil, fmt.Errorf("エントリ要素の走査に失敗しました: %w", err)
				}
				end := dec.InputOffset()
				raw := string(body[lastStart:end])
				entries = append(entries, Entry{ID: entryID(raw), Content: raw})
				spans = append(spans, [2]int64{lastStart, end})
			}
		}
	}
	if !rootSeen {
		return nil, fmt.Errorf("ルート要素が見つかりません")
	}

	var b strings.Builder
	var cursor int64
	for _, span := range spans {
		b.Write(body[cursor:span[0]])
		cursor = span[1]
	}
	b.Write(body[cursor:])

	return &ParsedFeed{
		Format:       format,
		HeaderFooter: strings.TrimSpace(b.String()),
		Entries:      entries,
	}, nil
}

// atomEntryID はatomエントリの<id>要素の内容を返す。
// <id>がないエントリはコンテンツのハッシュで識別する。
func atomEntryID(entryXML string) string {
	if id := firstElementText(entryXML, "id"); id != "" {
		return id
	}
	return model.SHA1Hash(entryXML)
}

// rssEntryID はRSSアイテムの識別子を返す。
// guid、linkの順に探し、どちらもなければコンテンツのハッシュで識別する。
func rssEntryID(entryXML string) string {
	if guid := firstElementText(entryXML, "guid"); guid != "" {
		return guid
	}
	if link := firstElementText(entryXML, "link"); link != "" {
		return link
	}
	return model.SHA1Hash(entryXML)
}

// firstElementText はXML片から最初に現れた指定要素のテキストを返す。
func firstElementText(xmlFragment, name string) string {
	dec := xml.NewDecoder(strings.NewReader(xmlFragment))
	dec.Strict = false
	inTarget := false
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == name {
				inTarget = true
				text.Reset()
			}
		case xml.CharData:
			if inTarget {
				text.Write(t)
			}
		case xml.EndElement:
			if inTarget && t.Name.Local == name {
				return strings.TrimSpace(text.String())
			}
		}
	}
}
