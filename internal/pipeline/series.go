package pipeline

import (
	"context"
	"sync"
)

// SeriesSource yields the output series for an evaluated alpha. The
// self-correlation stage is local CPU work; fetching goes through a
// caching source so repeated evaluations touch the network at most once
// per alpha.
type SeriesSource interface {
	Series(ctx context.Context, alphaID string) ([]float64, error)
}

type seriesFetcher interface {
	GetSeries(ctx context.Context, alphaID string) ([]float64, error)
}

// CachingSeriesSource wraps the platform client with an in-memory cache.
type CachingSeriesSource struct {
	api seriesFetcher

	mu    sync.Mutex
	cache map[string][]float64
}

// NewCachingSeriesSource creates a cache over the platform series
// endpoint.
func NewCachingSeriesSource(api seriesFetcher) *CachingSeriesSource {
	return &CachingSeriesSource{
		api:   api,
		cache: map[string][]float64{},
	}
}

// Series returns the cached series for alphaID, fetching it once on miss.
func (s *CachingSeriesSource) Series(ctx context.Context, alphaID string) ([]float64, error) {
	s.mu.Lock()
	cached, ok := s.cache[alphaID]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	series, err := s.api.GetSeries(ctx, alphaID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[alphaID] = series
	s.mu.Unlock()
	return series, nil
}
