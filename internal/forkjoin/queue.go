// Package forkjoin は多数の小さな書き込みを1回のワーカー起動に
// まとめるインメモリのバッチキューを提供する。
// publish経路はトピックごとにFeedToFetchを作るが、URLごとに1タスクを
// 積むとキューが溢れるため、ワークインデックス単位でまとめて排出する。
package forkjoin

import (
	"sync"
	"time"
)

// Config はバッチングの調整パラメータ。
type Config struct {
	BatchSize       int
	BatchPeriod     time.Duration
	StallTimeout    time.Duration
	AcquireTimeout  time.Duration
	AcquireAttempts int
	ShardCount      int
	Expiration      time.Duration
}

// DefaultConfig は既定の調整パラメータを返す。
func DefaultConfig() Config {
	return Config{
		BatchSize:       15,
		BatchPeriod:     500 * time.Millisecond,
		StallTimeout:    30 * time.Second,
		AcquireTimeout:  10 * time.Millisecond,
		AcquireAttempts: 50,
		ShardCount:      1,
		Expiration:      600 * time.Second,
	}
}

// Item はキューに積まれる1件の作業項目。
type Item struct {
	Topic   string
	Sources map[string]string
	Added   time.Time
}

// DrainFunc はインデックス1つ分のバッチを排出する際に呼ばれる。
// 実装は項目を耐久ストアへ書き込み、バッチ処理タスクを1つ積む。
type DrainFunc func(index int64, items []Item)

// Queue はワークインデックスごとに項目をまとめるフォークジョインキュー。
// インデックスはBatchPeriod経過またはBatchSize到達で回転し、
// インデックスごとにちょうど1つの排出タスクがスケジュールされる。
type Queue struct {
	config Config
	drain  DrainFunc
	now    func() time.Time

	mu        sync.Mutex
	current   int64
	rotatedAt time.Time
	items     map[int64][]Item
	scheduled map[int64]bool
	afterFunc func(d time.Duration, f func()) stopper
}

type stopper interface{ Stop() bool }

// NewQueue はキューを生成する。drainは排出時に呼ばれる。
func NewQueue(config Config, drain DrainFunc) *Queue {
	if config.BatchSize <= 0 {
		config = DefaultConfig()
	}
	return &Queue{
		config:    config,
		drain:     drain,
		now:       time.Now,
		current:   time.Now().UnixNano(),
		rotatedAt: time.Now(),
		items:     make(map[int64][]Item),
		scheduled: make(map[int64]bool),
		afterFunc: func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
	}
}

// NextIndex は現在のバッチのワークインデックスを返す。
// 期間経過またはバッチ満杯でインデックスを回転する。
func (q *Queue) NextIndex() int64 {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()
	if now.Sub(q.rotatedAt) >= q.config.BatchPeriod || len(q.items[q.current]) >= q.config.BatchSize {
		q.current++
		q.rotatedAt = now
	}
	return q.current
}

// Put は指定インデックスのバッチに項目を追加する。
func (q *Queue) Put(index int64, items []Item) {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range items {
		if items[i].Added.IsZero() {
			items[i].Added = now
		}
	}
	q.items[index] = append(q.items[index], items...)
}

// Add は指定インデックスの排出タスクをちょうど1つスケジュールする。
// 2回目以降の呼び出しは何もしない。StallTimeout後に取り残し確認の
// バックストップも仕掛ける。
func (q *Queue) Add(index int64) {
	q.mu.Lock()
	if q.scheduled[index] {
		q.mu.Unlock()
		return
	}
	q.scheduled[index] = true
	q.mu.Unlock()

	q.afterFunc(q.config.BatchPeriod, func() { q.drainIndex(index) })
	q.afterFunc(q.config.StallTimeout, func() { q.drainIndex(index) })
}

// drainIndex はインデックス1つ分の項目をロック獲得を試みながら排出する。
// ロックが取れない場合は獲得試行の上限まで待ち、諦めた場合は
// バックストップに委ねる。
func (q *Queue) drainIndex(index int64) {
	acquired := false
	for i := 0; i < q.config.AcquireAttempts; i++ {
		if q.mu.TryLock() {
			acquired = true
			break
		}
		time.Sleep(q.config.AcquireTimeout)
	}
	if !acquired {
		return
	}

	now := q.now()
	pending := q.items[index]
	var fresh []Item
	for _, item := range pending {
		if now.Sub(item.Added) < q.config.Expiration {
			fresh = append(fresh, item)
		}
	}
	var batch, rest []Item
	if len(fresh) > q.config.BatchSize {
		batch, rest = fresh[:q.config.BatchSize], fresh[q.config.BatchSize:]
	} else {
		batch = fresh
	}
	if len(rest) > 0 {
		q.items[index] = rest
	} else {
		delete(q.items, index)
		delete(q.scheduled, index)
	}
	q.mu.Unlock()

	if len(batch) > 0 && q.drain != nil {
		q.drain(index, batch)
	}
	if len(rest) > 0 {
		q.afterFunc(0, func() { q.drainIndex(index) })
	}
}
