package cache

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// hitRateTracker はテナントごとのローリングヒット率を追跡します
// 1分単位のバケットで集計し、ウィンドウ外のバケットは参照時に捨てる
type hitRateTracker struct {
	mu      sync.Mutex
	window  time.Duration
	tenants map[uuid.UUID][]hitRateBucket
	now     func() time.Time
}

type hitRateBucket struct {
	minute time.Time
	hits   int64
	total  int64
}

func newHitRateTracker(window time.Duration) *hitRateTracker {
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &hitRateTracker{
		window:  window,
		tenants: make(map[uuid.UUID][]hitRateBucket),
		now:     time.Now,
	}
}

func (t *hitRateTracker) record(tenantID uuid.UUID, hit bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	minute := t.now().Truncate(time.Minute)
	buckets := t.prune(tenantID)

	if n := len(buckets); n > 0 && buckets[n-1].minute.Equal(minute) {
		buckets[n-1].total++
		if hit {
			buckets[n-1].hits++
		}
	} else {
		b := hitRateBucket{minute: minute, total: 1}
		if hit {
			b.hits = 1
		}
		buckets = append(buckets, b)
	}
	t.tenants[tenantID] = buckets
}

func (t *hitRateTracker) rate(tenantID uuid.UUID) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	buckets := t.prune(tenantID)
	t.tenants[tenantID] = buckets

	var hits, total int64
	for _, b := range buckets {
		hits += b.hits
		total += b.total
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// prune はウィンドウ外のバケットを取り除きます（呼び出し側でロック保持）
func (t *hitRateTracker) prune(tenantID uuid.UUID) []hitRateBucket {
	buckets := t.tenants[tenantID]
	cutoff := t.now().Add(-t.window)
	i := 0
	for i < len(buckets) && buckets[i].minute.Before(cutoff) {
		i++
	}
	return buckets[i:]
}
