package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daverage/alphaflow/internal/candidate"
)

// fakeSleeper records requested sleeps and returns immediately, standing
// in for the wall clock.
type fakeSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (f *fakeSleeper) sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeSleeper) recorded() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

func staticAuth(token string) AuthFunc {
	return func(ctx context.Context, creds Credentials) (string, time.Duration, error) {
		return token, time.Hour, nil
	}
}

func newTestClient(t *testing.T, srv *httptest.Server) (*Client, *fakeSleeper) {
	t.Helper()
	session := NewSession(Credentials{}, staticAuth("tok"), zap.NewNop())
	policy := RetryPolicy{
		MaxAuthRetries: 3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		MaxElapsed:     200 * time.Millisecond,
	}
	c := NewClient(srv.URL, session, policy, zap.NewNop())
	fs := &fakeSleeper{}
	c.sleep = fs.sleep
	return c, fs
}

func TestRetryAfterDirectiveIsHonoredExactly(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"max": 0.1}`))
	}))
	defer srv.Close()

	c, fs := newTestClient(t, srv)
	v, err := c.GetProdCorrelation(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, 0.1, v)

	// The wait before the second attempt is the directive's 5 seconds, no
	// jitter, no backoff accounting.
	require.Equal(t, []time.Duration{5 * time.Second}, fs.recorded())
	assert.Equal(t, 2, attempts)
}

func TestRetryAfterHTTPDateIsHonored(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", time.Now().Add(3*time.Second).UTC().Format(http.TimeFormat))
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"max": 0.1}`))
	}))
	defer srv.Close()

	c, fs := newTestClient(t, srv)
	v, err := c.GetProdCorrelation(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, 0.1, v)

	// HTTP dates carry whole-second precision, so the wait lands just
	// under the requested three seconds.
	sleeps := fs.recorded()
	require.Len(t, sleeps, 1)
	assert.Greater(t, sleeps[0], time.Second)
	assert.LessOrEqual(t, sleeps[0], 3*time.Second)
}

func TestTransientLoginFailureIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"max": 0.4}`))
	}))
	defer srv.Close()

	var logins int
	session := NewSession(Credentials{}, func(ctx context.Context, _ Credentials) (string, time.Duration, error) {
		logins++
		if logins == 1 {
			return "", 0, fmt.Errorf("authentication: status 503")
		}
		return "tok", time.Hour, nil
	}, zap.NewNop())

	policy := RetryPolicy{
		MaxAuthRetries: 3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		MaxElapsed:     200 * time.Millisecond,
	}
	c := NewClient(srv.URL, session, policy, zap.NewNop())
	fs := &fakeSleeper{}
	c.sleep = fs.sleep

	v, err := c.GetProdCorrelation(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, 0.4, v)
	assert.Equal(t, 2, logins, "the failed login is retried, not fatal")
	assert.NotEmpty(t, fs.recorded(), "the retry waits out a backoff delay first")
}

func TestUnauthorizedTriggersSingleRefresh(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"max": 0.2}`))
	}))
	defer srv.Close()

	tokens := []string{"stale", "fresh"}
	next := 0
	session := NewSession(Credentials{}, func(ctx context.Context, _ Credentials) (string, time.Duration, error) {
		tok := tokens[next]
		if next < len(tokens)-1 {
			next++
		}
		return tok, time.Hour, nil
	}, zap.NewNop())

	c := NewClient(srv.URL, session, DefaultRetryPolicy(), zap.NewNop())
	c.sleep = (&fakeSleeper{}).sleep

	v, err := c.GetProdCorrelation(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, 0.2, v)
	assert.EqualValues(t, 2, session.Refreshes())
}

func TestUnauthorizedExhaustsIntoAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	_, err := c.GetProdCorrelation(context.Background(), "A1")
	require.Error(t, err)
	assert.True(t, IsAuth(err))
}

func TestServerErrorsRetryWithBackoffThenSurfaceTransient(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, fs := newTestClient(t, srv)
	_, err := c.GetProdCorrelation(context.Background(), "A1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Greater(t, attempts, 1)

	// Delays double from the initial interval.
	sleeps := fs.recorded()
	require.NotEmpty(t, sleeps)
	assert.Equal(t, time.Millisecond, sleeps[0])
	if len(sleeps) > 1 {
		assert.Equal(t, 2*time.Millisecond, sleeps[1])
	}
}

func TestTransientRecoversAfterRetry(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"max": 0.3}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	v, err := c.GetProdCorrelation(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, 0.3, v)
	assert.Equal(t, 3, attempts)
}

func TestNonRetryableStatusIsFatal(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail": "bad expression"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	_, err := c.GetProdCorrelation(context.Background(), "A1")
	require.Error(t, err)

	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusUnprocessableEntity, fe.Status)
	assert.Equal(t, 1, attempts, "fatal statuses must not be retried")
}

func TestMalformedBodySurfacesDistinctError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	_, err := c.GetProdCorrelation(context.Background(), "A1")
	require.Error(t, err)
	assert.True(t, IsMalformed(err))
}

func TestCreateSimulationMapsDuplicate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail": "duplicate simulation already evaluated"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	cand, err := candidate.New("close - open", candidate.Settings{
		Region:         candidate.RegionUSA,
		Universe:       "TOP3000",
		Truncation:     0.05,
		Neutralization: candidate.NeutralizationIndustry,
	})
	require.NoError(t, err)

	_, err = c.CreateSimulation(context.Background(), []candidate.Candidate{cand})
	require.Error(t, err)
	assert.True(t, IsDuplicate(err))
}

func TestCreateSimulationReturnsLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/simulations/sim-42")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	cand, err := candidate.New("rank(volume)", candidate.Settings{
		Region:         candidate.RegionEUR,
		Universe:       "TOP1200",
		Neutralization: candidate.NeutralizationMarket,
	})
	require.NoError(t, err)

	loc, err := c.CreateSimulation(context.Background(), []candidate.Candidate{cand})
	require.NoError(t, err)
	assert.Equal(t, "/simulations/sim-42", loc)
}
