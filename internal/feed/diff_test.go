package feed

import (
	"errors"
	"strings"
	"testing"

	"github.com/hitoshi/pushhub/internal/model"
)

const atomBody = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>テストフィード</title>
  <id>tag:example.com,2026:feed</id>
  <entry>
    <id>tag:example.com,2026:entry-1</id>
    <title>最初の記事</title>
  </entry>
  <entry>
    <id>tag:example.com,2026:entry-2</id>
    <title>次の記事</title>
  </entry>
</feed>`

func TestParse_Atom(t *testing.T) {
	parsed, err := Parse([]byte(atomBody), model.FormatAtom)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(parsed.Entries) != 2 {
		t.Fatalf("エントリ数 = %d, want 2", len(parsed.Entries))
	}
	if parsed.Entries[0].ID != "tag:example.com,2026:entry-1" {
		t.Errorf("entries[0].ID = %q", parsed.Entries[0].ID)
	}
	if parsed.Entries[1].ID != "tag:example.com,2026:entry-2" {
		t.Errorf("entries[1].ID = %q", parsed.Entries[1].ID)
	}

	// 各エントリのContentは要素全体の生XML
	if !strings.HasPrefix(parsed.Entries[0].Content, "<entry>") ||
		!strings.HasSuffix(parsed.Entries[0].Content, "</entry>") {
		t.Errorf("Contentがエントリ要素全体ではありません: %q", parsed.Entries[0].Content)
	}
	if !strings.Contains(parsed.Entries[1].Content, "次の記事") {
		t.Errorf("Contentにエントリ内容が含まれていません: %q", parsed.Entries[1].Content)
	}

	// エンベロープはエントリ以外のすべてを保持し、エントリを含まない
	if !strings.Contains(parsed.HeaderFooter, "<title>テストフィード</title>") {
		t.Errorf("HeaderFooterにフィードのメタデータがありません: %q", parsed.HeaderFooter)
	}
	if !strings.Contains(parsed.HeaderFooter, "</feed>") {
		t.Errorf("HeaderFooterに閉じタグがありません: %q", parsed.HeaderFooter)
	}
	if strings.Contains(parsed.HeaderFooter, "<entry>") {
		t.Errorf("HeaderFooterにエントリが残っています: %q", parsed.HeaderFooter)
	}
}

func TestParse_AtomEntryWithoutID(t *testing.T) {
	body := `<feed xmlns="http://www.w3.org/2005/Atom">
  <entry><title>IDなし</title></entry>
</feed>`
	parsed, err := Parse([]byte(body), model.FormatAtom)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(parsed.Entries) != 1 {
		t.Fatalf("エントリ数 = %d, want 1", len(parsed.Entries))
	}
	// <id>のないエントリはコンテンツのハッシュで識別される
	want := model.SHA1Hash(parsed.Entries[0].Content)
	if parsed.Entries[0].ID != want {
		t.Errorf("ID = %q, want %q", parsed.Entries[0].ID, want)
	}
}

func TestParse_RSSItemIdentity(t *testing.T) {
	body := `<rss version="2.0"><channel>
  <title>RSSフィード</title>
  <item><guid>http://example.com/guid-1</guid><link>http://example.com/1</link></item>
  <item><link>http://example.com/2</link></item>
  <item><title>識別子なし</title></item>
</channel></rss>`
	parsed, err := Parse([]byte(body), model.FormatRSS)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(parsed.Entries) != 3 {
		t.Fatalf("エントリ数 = %d, want 3", len(parsed.Entries))
	}
	// guid、linkの順で採用し、どちらもなければハッシュ
	if parsed.Entries[0].ID != "http://example.com/guid-1" {
		t.Errorf("entries[0].ID = %q, want guid", parsed.Entries[0].ID)
	}
	if parsed.Entries[1].ID != "http://example.com/2" {
		t.Errorf("entries[1].ID = %q, want link", parsed.Entries[1].ID)
	}
	if parsed.Entries[2].ID != model.SHA1Hash(parsed.Entries[2].Content) {
		t.Errorf("entries[2].ID = %q, wantコンテンツハッシュ", parsed.Entries[2].ID)
	}
}

func TestParse_RDFAsRSS(t *testing.T) {
	body := `<rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#"
  xmlns="http://purl.org/rss/1.0/">
  <channel><title>RDFフィード</title></channel>
  <item><link>http://example.com/rdf-1</link></item>
</rdf:RDF>`
	parsed, err := Parse([]byte(body), model.FormatRSS)
	if err != nil {
		t.Fatalf("RDFはrss形式としてパースできるべき: %v", err)
	}
	if len(parsed.Entries) != 1 {
		t.Fatalf("エントリ数 = %d, want 1", len(parsed.Entries))
	}
	if parsed.Entries[0].ID != "http://example.com/rdf-1" {
		t.Errorf("ID = %q", parsed.Entries[0].ID)
	}
}

func TestParse_RootMismatch(t *testing.T) {
	if _, err := Parse([]byte(atomBody), model.FormatRSS); err == nil {
		t.Error("atomドキュメントをrssとしてパースしたらエラーになるべき")
	}
	rssBody := `<rss version="2.0"><channel></channel></rss>`
	if _, err := Parse([]byte(rssBody), model.FormatAtom); err == nil {
		t.Error("rssドキュメントをatomとしてパースしたらエラーになるべき")
	}
}

func TestParse_ArbitraryFormatRejected(t *testing.T) {
	if _, err := Parse([]byte(atomBody), model.FormatArbitrary); err == nil {
		t.Error("任意コンテンツ形式はパース対象外のはず")
	}
}

func TestParse_DeclaredEncoding(t *testing.T) {
	// iso-8859-1の0xE9（é）がUTF-8に変換されてから切り出される
	body := append([]byte(`<?xml version="1.0" encoding="iso-8859-1"?>
<feed><entry><id>e1</id><title>caf`), 0xE9)
	body = append(body, []byte(`</title></entry></feed>`)...)

	parsed, err := Parse(body, model.FormatAtom)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(parsed.Entries) != 1 {
		t.Fatalf("エントリ数 = %d, want 1", len(parsed.Entries))
	}
	if !strings.Contains(parsed.Entries[0].Content, "café") {
		t.Errorf("UTF-8に変換されていません: %q", parsed.Entries[0].Content)
	}
}

func TestParse_UnsupportedEncoding(t *testing.T) {
	body := []byte(`<?xml version="1.0" encoding="x-unknown-charset"?><feed></feed>`)
	_, err := Parse(body, model.FormatAtom)
	if !errors.Is(err, ErrUnsupportedEncoding) {
		t.Errorf("err = %v, want ErrUnsupportedEncoding", err)
	}
}
