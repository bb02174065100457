package model

import (
	"testing"
	"time"
)

func TestFeedRecord_RequestHeaders(t *testing.T) {
	r := NewFeedRecord("http://example.com/feed")
	r.LastModified = "Wed, 01 Jan 2026 00:00:00 GMT"
	r.ETag = `"abc"`

	headers := r.RequestHeaders(12, "http://hub.example.com/")

	if headers["If-Modified-Since"] != r.LastModified {
		t.Errorf("If-Modified-Since = %q", headers["If-Modified-Since"])
	}
	if headers["If-None-Match"] != `"abc"` {
		t.Errorf("If-None-Match = %q", headers["If-None-Match"])
	}
	want := "Public Hub (+http://hub.example.com/; 12 subscribers)"
	if headers["User-Agent"] != want {
		t.Errorf("User-Agent = %q, want %q", headers["User-Agent"], want)
	}
	if headers["Cache-Control"] == "" {
		t.Error("Cache-Controlヘッダーが設定されるべき")
	}
}

func TestFeedRecord_RequestHeaders_NoConditional(t *testing.T) {
	r := NewFeedRecord("http://example.com/feed")
	headers := r.RequestHeaders(0, "http://hub.example.com/")
	if _, ok := headers["If-Modified-Since"]; ok {
		t.Error("前回のLast-Modifiedがなければ条件付きGETヘッダーは不要")
	}
	if _, ok := headers["User-Agent"]; ok {
		t.Error("購読者0ではUser-Agentを上書きしない")
	}
}

func TestFeedRecord_UpdateFromResponse_Arbitrary(t *testing.T) {
	r := NewFeedRecord("http://example.com/doc")
	r.UpdateFromResponse("text/plain", "", "", "raw body", FormatArbitrary)
	if r.HeaderFooter != "" {
		t.Error("任意コンテンツ形式ではheader_footerを保存しない")
	}
	if r.Format != FormatArbitrary {
		t.Errorf("Format = %q", r.Format)
	}
}

func TestNewFeedEntryRecord(t *testing.T) {
	rec := NewFeedEntryRecord("http://example.com/feed", "urn:entry:1", "deadbeef")
	if rec.FeedKey != KeyName("http://example.com/feed") {
		t.Errorf("FeedKey = %q", rec.FeedKey)
	}
	if rec.EntryKey != KeyName("urn:entry:1") {
		t.Errorf("EntryKey = %q", rec.EntryKey)
	}
}

func TestPollingMarker_ShouldProgress(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m := &PollingMarker{NextStart: now.Add(-time.Minute)}

	if !m.ShouldProgress(3*time.Hour, now) {
		t.Fatal("期限を過ぎたマーカーは進行を許可すべき")
	}
	wantNext := now.Add(3 * time.Hour)
	if !m.NextStart.Equal(wantNext) {
		t.Errorf("NextStart = %v, want %v", m.NextStart, wantNext)
	}

	// 進行直後は再度許可されない
	if m.ShouldProgress(3*time.Hour, now.Add(time.Minute)) {
		t.Error("期間内の再呼び出しは進行を許可すべきでない")
	}
}
