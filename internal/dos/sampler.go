package dos

import (
	"math/rand"
	"net/url"
	"sync"
	"time"
)

// KeyBy はサンプルをURL単位とドメイン単位のどちらで集計するかを表す。
type KeyBy int

const (
	// ByURL はURL全体をキーにする。
	ByURL KeyBy = iota
	// ByDomain はURLのホスト部分をキーにする。
	ByDomain
)

// ReservoirConfig はリザーバサンプラー1本の設定。
type ReservoirConfig struct {
	Name     string
	Period   time.Duration
	Capacity int
	KeyBy    KeyBy
	Units    string
}

// Sample は観測された1つの値。
type Sample struct {
	Key   string
	Value float64
	Time  time.Time
}

// Reservoir はReservoirConfigに従い直近period内のサンプルを最大
// Capacity件保持する。容量を超えた分は等確率で置き換える
// （古典的リザーバサンプリング）。制御判断には使わず診断専用。
type Reservoir struct {
	config ReservoirConfig
	now    func() time.Time
	rand   func(n int) int

	mu      sync.Mutex
	seen    int64
	samples []Sample
}

// NewReservoir は空のリザーバを生成する。
func NewReservoir(config ReservoirConfig) *Reservoir {
	return &Reservoir{
		config: config,
		now:    time.Now,
		rand:   rand.Intn,
	}
}

// Config はこのリザーバの設定を返す。
func (r *Reservoir) Config() ReservoirConfig {
	return r.config
}

// Add はサンプルを1件記録する。
func (r *Reservoir) Add(key string, value float64) {
	if r.config.KeyBy == ByDomain {
		if u, err := url.Parse(key); err == nil && u.Host != "" {
			key = u.Host
		}
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen++
	if len(r.samples) < r.config.Capacity {
		r.samples = append(r.samples, Sample{Key: key, Value: value, Time: now})
		return
	}
	if idx := r.rand(int(r.seen)); idx < r.config.Capacity {
		r.samples[idx] = Sample{Key: key, Value: value, Time: now}
	}
}

// Snapshot は期間内のサンプルを返す。期限切れのサンプルはここで捨てる。
func (r *Reservoir) Snapshot() []Sample {
	now := r.now()
	cutoff := now.Add(-r.config.Period)

	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.samples[:0]
	for _, s := range r.samples {
		if s.Time.After(cutoff) {
			kept = append(kept, s)
		}
	}
	r.samples = kept
	out := make([]Sample, len(kept))
	copy(out, kept)
	return out
}

// Reporter は1回のワーカー実行中の観測値をバッファする。
// 実行が期限切れで中断された場合はフラッシュされず、その実行は
// 観測されなかったものとして扱われる。
type Reporter struct {
	mu      sync.Mutex
	pending []pendingSample
}

type pendingSample struct {
	key    string
	config string
	value  float64
}

// NewReporter は空のレポーターを生成する。
func NewReporter() *Reporter {
	return &Reporter{}
}

// Set は設定名configNameのリザーバに対する観測値を記録する。
func (r *Reporter) Set(key, configName string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, pendingSample{key: key, config: configName, value: value})
}

// MultiSampler は複数のリザーバをまとめて管理する。
type MultiSampler struct {
	reservoirs map[string]*Reservoir
	order      []string
}

// NewMultiSampler は設定群からリザーバを構築する。
func NewMultiSampler(configs []ReservoirConfig) *MultiSampler {
	m := &MultiSampler{reservoirs: make(map[string]*Reservoir, len(configs))}
	for _, c := range configs {
		m.reservoirs[c.Name] = NewReservoir(c)
		m.order = append(m.order, c.Name)
	}
	return m
}

// Sample はレポーターにバッファされた観測値を各リザーバへ反映し、
// レポーターを空にする。
func (m *MultiSampler) Sample(reporter *Reporter) {
	reporter.mu.Lock()
	pending := reporter.pending
	reporter.pending = nil
	reporter.mu.Unlock()

	for _, p := range pending {
		if res, ok := m.reservoirs[p.config]; ok {
			res.Add(p.key, p.value)
		}
	}
}

// Reservoir は名前でリザーバを引く。診断ページ用。
func (m *MultiSampler) Reservoir(name string) (*Reservoir, bool) {
	r, ok := m.reservoirs[name]
	return r, ok
}

// Names は登録順のリザーバ名一覧を返す。
func (m *MultiSampler) Names() []string {
	return m.order
}
