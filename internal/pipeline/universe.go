package pipeline

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/daverage/alphaflow/internal/candidate"
)

// minOverlap is the minimum number of overlapping observations required
// before a correlation against an accepted member is considered at all.
const minOverlap = 20

type member struct {
	alphaID string
	series  []float64
}

type snapshot struct {
	byRegion map[candidate.Region][]member
}

// Universe holds the output series of already-accepted candidates,
// partitioned by region. Readers see an immutable snapshot through an
// atomic pointer; the rare writer (a new acceptance mid-run) swaps in a
// copy, so stage-1 evaluations never lock.
type Universe struct {
	mu   sync.Mutex // serializes writers only
	snap atomic.Pointer[snapshot]
}

// NewUniverse creates an empty universe.
func NewUniverse() *Universe {
	u := &Universe{}
	u.snap.Store(&snapshot{byRegion: map[candidate.Region][]member{}})
	return u
}

// Add records an accepted candidate's series. Visible to every
// MaxCorrelation call that starts after Add returns.
func (u *Universe) Add(region candidate.Region, alphaID string, series []float64) {
	if len(series) == 0 {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	old := u.snap.Load()
	next := &snapshot{byRegion: make(map[candidate.Region][]member, len(old.byRegion))}
	for r, members := range old.byRegion {
		next.byRegion[r] = members
	}
	owned := make([]float64, len(series))
	copy(owned, series)
	next.byRegion[region] = append(append([]member(nil), next.byRegion[region]...), member{alphaID: alphaID, series: owned})
	u.snap.Store(next)
}

// Size reports how many accepted members exist for a region.
func (u *Universe) Size(region candidate.Region) int {
	return len(u.snap.Load().byRegion[region])
}

// MaxCorrelation returns the highest absolute Pearson correlation between
// series and any accepted member in the same region. An empty region
// yields zero.
func (u *Universe) MaxCorrelation(region candidate.Region, series []float64) float64 {
	members := u.snap.Load().byRegion[region]
	max := 0.0
	for _, m := range members {
		c := math.Abs(pearson(series, m.series))
		if c > max {
			max = c
		}
	}
	return max
}

// pearson computes the correlation of two series over their overlapping
// prefix. Too-short overlaps and zero-variance series correlate at zero.
func pearson(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < minOverlap {
		return 0
	}
	a, b = a[:n], b[:n]

	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += a[i]
		sumB += b[i]
	}
	meanA, meanB := sumA/float64(n), sumB/float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}
