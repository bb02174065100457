package handler

import (
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/pushhub/internal/dos"
	"github.com/hitoshi/pushhub/internal/model"
	"github.com/hitoshi/pushhub/internal/repository"
	"github.com/hitoshi/pushhub/internal/security"
)

// excerptMaxRunes は診断ページに載せるフィード外殻抜粋の上限文字数。
const excerptMaxRunes = 300

// DiagnosticsHandler はトピック・購読・観測値の診断ページを提供する。
// 運用者向けの読み取り専用ビュー。
type DiagnosticsHandler struct {
	records   repository.FeedRecordRepository
	feeds     repository.FeedToFetchRepository
	subs      repository.SubscriptionRepository
	known     repository.KnownFeedRepository
	samplers  map[string]*dos.MultiSampler
	sanitizer *security.ExcerptSanitizer
	logger    *slog.Logger
	devMode   bool
}

// NewDiagnosticsHandler はDiagnosticsHandlerを生成する。
// samplersのキーは表示上のグループ名（fetch、deliveryなど）。
func NewDiagnosticsHandler(
	records repository.FeedRecordRepository,
	feeds repository.FeedToFetchRepository,
	subs repository.SubscriptionRepository,
	known repository.KnownFeedRepository,
	samplers map[string]*dos.MultiSampler,
	logger *slog.Logger,
	devMode bool,
) *DiagnosticsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiagnosticsHandler{
		records:   records,
		feeds:     feeds,
		subs:      subs,
		known:     known,
		samplers:  samplers,
		sanitizer: security.NewExcerptSanitizer(),
		logger:    logger,
		devMode:   devMode,
	}
}

var topicDetailsTmpl = template.Must(template.New("topic").Parse(`<!DOCTYPE html>
<html><head><title>Topic details</title></head><body>
<h1>Topic details</h1>
<p>Topic: {{.Topic}}</p>
{{if .Record}}
<h2>Feed record</h2>
<ul>
<li>Format: {{.Record.Format}}</li>
<li>Content-Type: {{.Record.ContentType}}</li>
<li>Last-Modified: {{.Record.LastModified}}</li>
<li>ETag: {{.Record.ETag}}</li>
<li>Last updated: {{.Record.LastUpdated}}</li>
</ul>
<p>Envelope excerpt: {{.Excerpt}}</p>
{{else}}
<p>No feed record.</p>
{{end}}
<h2>Subscribers</h2>
<p>Verified subscribers: {{.SubscriberCount}}</p>
{{if .FeedID}}<p>Canonical feed id: {{.FeedID}}</p>{{end}}
{{if .Fetch}}
<h2>Pending fetch</h2>
<ul>
<li>ETA: {{.Fetch.ETA}}</li>
<li>Failures: {{.Fetch.FetchingFailures}}</li>
<li>Totally failed: {{.Fetch.TotallyFailed}}</li>
</ul>
{{end}}
</body></html>
`))

type topicDetailsView struct {
	Topic           string
	Record          *model.FeedRecord
	Excerpt         string
	SubscriberCount int
	FeedID          string
	Fetch           *model.FeedToFetch
}

// TopicDetails はトピック1件の診断ビューを返す。
// GET /topic-details?hub.url=...
func (h *DiagnosticsHandler) TopicDetails(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("hub.url")
	if !model.IsValidURL(rawURL, h.devMode) {
		http.Error(w, "hub.urlが不正です", http.StatusBadRequest)
		return
	}
	topic := model.NormalizeIRI(rawURL)

	view := topicDetailsView{Topic: topic}

	record, err := h.records.Find(r.Context(), topic)
	if err != nil {
		h.logger.Error("フィード記録の取得に失敗しました", "topic", topic, "error", err)
		writeServiceUnavailable(w)
		return
	}
	view.Record = record
	if record != nil {
		view.Excerpt = h.sanitizer.Excerpt(record.HeaderFooter, excerptMaxRunes)
	}

	if stats, err := h.known.FindStats(r.Context(), model.KeyName(topic)); err == nil && stats != nil {
		view.SubscriberCount = stats.SubscriberCount
	}
	if knownFeed, err := h.known.Find(r.Context(), topic); err == nil && knownFeed != nil {
		view.FeedID = knownFeed.FeedID
	}
	if fetch, err := h.feeds.FindByTopic(r.Context(), topic); err == nil {
		view.Fetch = fetch
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := topicDetailsTmpl.Execute(w, view); err != nil {
		h.logger.Error("診断ページの描画に失敗しました", "error", err)
	}
}

var subscriptionDetailsTmpl = template.Must(template.New("subscription").Parse(`<!DOCTYPE html>
<html><head><title>Subscription details</title></head><body>
<h1>Subscription details</h1>
{{if .Sub}}
<ul>
<li>Callback: {{.Sub.Callback}}</li>
<li>Topic: {{.Sub.Topic}}</li>
<li>State: {{.Sub.State}}</li>
<li>Lease seconds: {{.Sub.LeaseSeconds}}</li>
<li>Expiration: {{.Sub.ExpirationTime}}</li>
<li>Confirm failures: {{.Sub.ConfirmFailures}}</li>
</ul>
{{else}}
<p>No such subscription.</p>
{{end}}
</body></html>
`))

// SubscriptionDetails は購読1件の診断ビューを返す。
// GET /subscription-details?hub.callback=...&hub.topic=...
func (h *DiagnosticsHandler) SubscriptionDetails(w http.ResponseWriter, r *http.Request) {
	callback := r.URL.Query().Get("hub.callback")
	topic := r.URL.Query().Get("hub.topic")
	if callback == "" || topic == "" {
		http.Error(w, "hub.callbackとhub.topicが必要です", http.StatusBadRequest)
		return
	}

	sub, err := h.subs.FindByID(r.Context(), model.SubscriptionKeyName(callback, model.NormalizeIRI(topic)))
	if err != nil {
		h.logger.Error("購読の取得に失敗しました", "callback", callback, "error", err)
		writeServiceUnavailable(w)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := subscriptionDetailsTmpl.Execute(w, struct{ Sub *model.Subscription }{sub}); err != nil {
		h.logger.Error("診断ページの描画に失敗しました", "error", err)
	}
}

var statsTmpl = template.Must(template.New("stats").Parse(`<!DOCTYPE html>
<html><head><title>Hub stats</title></head><body>
<h1>Hub stats</h1>
{{range .Groups}}
<h2>{{.Name}}</h2>
<table border="1">
<tr><th>Reservoir</th><th>Samples</th><th>Mean</th><th>Units</th></tr>
{{range .Reservoirs}}
<tr><td>{{.Name}}</td><td>{{.Count}}</td><td>{{printf "%.3f" .Mean}}</td><td>{{.Units}}</td></tr>
{{end}}
</table>
{{end}}
<p>Generated: {{.Now}}</p>
</body></html>
`))

type reservoirView struct {
	Name  string
	Count int
	Mean  float64
	Units string
}

type statsView struct {
	Groups []statsGroup
	Now    time.Time
}

type statsGroup struct {
	Name       string
	Reservoirs []reservoirView
}

// Stats はリザーバサンプラーの要約ビューを返す。
// GET /stats
func (h *DiagnosticsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	view := statsView{Now: time.Now()}
	for _, name := range []string{"fetch", "delivery"} {
		sampler, ok := h.samplers[name]
		if !ok {
			continue
		}
		group := statsGroup{Name: name}
		for _, resName := range sampler.Names() {
			res, ok := sampler.Reservoir(resName)
			if !ok {
				continue
			}
			samples := res.Snapshot()
			rv := reservoirView{
				Name:  resName,
				Count: len(samples),
				Units: res.Config().Units,
			}
			if len(samples) > 0 {
				sum := 0.0
				for _, s := range samples {
					sum += s.Value
				}
				rv.Mean = sum / float64(len(samples))
			}
			group.Reservoirs = append(group.Reservoirs, rv)
		}
		view.Groups = append(view.Groups, group)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statsTmpl.Execute(w, view); err != nil {
		h.logger.Error("診断ページの描画に失敗しました", "error", err)
	}
}
