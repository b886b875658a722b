package pipeline

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/daverage/alphaflow/internal/candidate"
)

func series(n int, f func(i int) float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = f(i)
	}
	return s
}

func TestPearsonPerfectCorrelation(t *testing.T) {
	a := series(30, func(i int) float64 { return float64(i) })
	b := series(30, func(i int) float64 { return 2*float64(i) + 5 })
	assert.InDelta(t, 1.0, pearson(a, b), 1e-9)
}

func TestPearsonAntiCorrelationCountsAsSimilar(t *testing.T) {
	a := series(30, func(i int) float64 { return float64(i) })
	b := series(30, func(i int) float64 { return -float64(i) })

	u := NewUniverse()
	u.Add(candidate.RegionUSA, "A1", b)
	assert.InDelta(t, 1.0, u.MaxCorrelation(candidate.RegionUSA, a), 1e-9)
}

func TestPearsonShortOverlapIsZero(t *testing.T) {
	a := series(minOverlap-1, func(i int) float64 { return float64(i) })
	b := series(minOverlap-1, func(i int) float64 { return float64(i) })
	assert.Zero(t, pearson(a, b))
}

func TestPearsonZeroVariance(t *testing.T) {
	flat := series(30, func(i int) float64 { return 1.0 })
	moving := series(30, func(i int) float64 { return float64(i) })
	assert.Zero(t, pearson(flat, moving))
}

func TestMaxCorrelationIsPartitionedByRegion(t *testing.T) {
	u := NewUniverse()
	s := series(30, func(i int) float64 { return math.Sin(float64(i)) })
	u.Add(candidate.RegionEUR, "A1", s)

	assert.Zero(t, u.MaxCorrelation(candidate.RegionUSA, s),
		"accepted members in other regions must not count")
	assert.InDelta(t, 1.0, u.MaxCorrelation(candidate.RegionEUR, s), 1e-9)
}

func TestAddIsVisibleToLaterReads(t *testing.T) {
	u := NewUniverse()
	s := series(30, func(i int) float64 { return float64(i * i) })

	assert.Zero(t, u.MaxCorrelation(candidate.RegionUSA, s))
	assert.Equal(t, 0, u.Size(candidate.RegionUSA))

	u.Add(candidate.RegionUSA, "A1", s)
	assert.Equal(t, 1, u.Size(candidate.RegionUSA))
	assert.InDelta(t, 1.0, u.MaxCorrelation(candidate.RegionUSA, s), 1e-9)
}
