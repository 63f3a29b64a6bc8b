package retrieval

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultLatencyWindow はP95集計のスライディングウィンドウ幅
	DefaultLatencyWindow = 3 * time.Minute
	// DefaultLatencyMultiplier は自動無効化のしきい値（baseline比）
	DefaultLatencyMultiplier = 1.5

	// baselineを確定させるために必要な最小サンプル数
	baselineMinSamples = 20
	// 非違反時にbaselineへ取り込む指数移動平均の係数
	baselineAlpha = 0.05
)

type latencySample struct {
	at time.Time
	d  time.Duration
}

type tenantLatency struct {
	samples []latencySample
	baseline    time.Duration
	seeded      bool
	breachStart time.Time
}

// LatencySnapshot はテナントのレイテンシ状態のスナップショットです
type LatencySnapshot struct {
	BaselineP95  time.Duration
	LiveP95      time.Duration
	SampleCount  int
	BreachingFor time.Duration
}

// Governor はテナントごとの検索レイテンシを監視し、
// ウィンドウP95がbaselineのしきい値倍を超過し続けた場合に違反を報告します
// baselineは十分なサンプルが集まった時点で確定し、以後は非違反時のみ
// ゆるやかに追従する（違反中の自己正当化を防ぐ）
type Governor struct {
	mu         sync.Mutex
	window     time.Duration
	multiplier float64
	tenants    map[uuid.UUID]*tenantLatency
	now        func() time.Time
}

// NewGovernor は新しいGovernorを作成します
func NewGovernor(window time.Duration, multiplier float64) *Governor {
	if window <= 0 {
		window = DefaultLatencyWindow
	}
	if multiplier <= 1 {
		multiplier = DefaultLatencyMultiplier
	}
	return &Governor{
		window:     window,
		multiplier: multiplier,
		tenants:    make(map[uuid.UUID]*tenantLatency),
		now:        time.Now,
	}
}

// SetClock は現在時刻の取得関数を差し替える（テスト用）
func (g *Governor) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// Observe は1回の検索レイテンシを記録し、違反が確定したかどうかを返します
// 違反の確定にはウィンドウ幅ぶんの超過継続が必要で、一瞬のスパイクでは
// trueを返さない
func (g *Governor) Observe(tenantID uuid.UUID, d time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	tl, ok := g.tenants[tenantID]
	if !ok {
		tl = &tenantLatency{}
		g.tenants[tenantID] = tl
	}

	tl.samples = append(tl.samples, latencySample{at: now, d: d})
	tl.prune(now.Add(-g.window))

	p95 := percentile95(tl.samples)

	if !tl.seeded {
		if len(tl.samples) >= baselineMinSamples {
			tl.baseline = p95
			tl.seeded = true
		}
		return false
	}

	threshold := time.Duration(float64(tl.baseline) * g.multiplier)
	if p95 <= threshold {
		tl.breachStart = time.Time{}
		// EWMAで通常時の変動に追従する
		tl.baseline = time.Duration((1-baselineAlpha)*float64(tl.baseline) + baselineAlpha*float64(p95))
		return false
	}

	if tl.breachStart.IsZero() {
		tl.breachStart = now
		return false
	}
	return now.Sub(tl.breachStart) >= g.window
}

// Snapshot はテナントの現在のレイテンシ状態を返します
func (g *Governor) Snapshot(tenantID uuid.UUID) LatencySnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	tl, ok := g.tenants[tenantID]
	if !ok {
		return LatencySnapshot{}
	}

	now := g.now()
	tl.prune(now.Add(-g.window))

	snap := LatencySnapshot{
		LiveP95:     percentile95(tl.samples),
		SampleCount: len(tl.samples),
	}
	if tl.seeded {
		snap.BaselineP95 = tl.baseline
	}
	if !tl.breachStart.IsZero() {
		snap.BreachingFor = now.Sub(tl.breachStart)
	}
	return snap
}

func (tl *tenantLatency) prune(cutoff time.Time) {
	i := 0
	for i < len(tl.samples) && tl.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		tl.samples = append(tl.samples[:0], tl.samples[i:]...)
	}
}

func percentile95(samples []latencySample) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	for i, s := range samples {
		sorted[i] = s.d
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
