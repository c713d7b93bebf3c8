package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingLimiter struct {
	calls atomic.Int64
}

func (l *countingLimiter) Wait(context.Context) error {
	l.calls.Add(1)
	return nil
}

func newRobotsServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			w.WriteHeader(status)
			fmt.Fprint(w, body)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestCacheAllowsAndDenies(t *testing.T) {
	t.Parallel()

	srv, hits := newRobotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /blocked\n")
	limiter := &countingLimiter{}
	cache := New(Config{UserAgent: "test-agent"}, limiter, zap.NewNop())
	ctx := context.Background()

	allowed, err := cache.Allowed(ctx, srv.URL+"/allowed")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = cache.Allowed(ctx, srv.URL+"/blocked/report.pdf")
	require.NoError(t, err)
	assert.False(t, allowed)

	assert.Equal(t, int64(1), hits.Load(), "robots.txt should be fetched once per origin")
	assert.Equal(t, int64(1), limiter.calls.Load(), "robots fetch should draw from the limiter")
	assert.Equal(t, 1, cache.cachedOrigins())
}

func TestCacheSingleFetchUnderConcurrency(t *testing.T) {
	t.Parallel()

	srv, hits := newRobotsServer(t, http.StatusOK, "User-agent: *\nAllow: /\n")
	cache := New(Config{UserAgent: "test-agent"}, nil, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			allowed, err := cache.Allowed(context.Background(), fmt.Sprintf("%s/page/%d", srv.URL, i))
			assert.NoError(t, err)
			assert.True(t, allowed)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(1), hits.Load())
}

func TestCacheMissingRobotsAllows(t *testing.T) {
	t.Parallel()

	srv, _ := newRobotsServer(t, http.StatusNotFound, "")
	cache := New(Config{UserAgent: "test-agent"}, nil, zap.NewNop())

	allowed, err := cache.Allowed(context.Background(), srv.URL+"/anything")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestCacheUnreachableFailsOpenByDefault(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cache := New(Config{UserAgent: "test-agent", Timeout: time.Second}, nil, zap.NewNop())
	allowed, err := cache.Allowed(context.Background(), url+"/page")
	require.NoError(t, err)
	assert.True(t, allowed)

	closed := New(Config{UserAgent: "test-agent", Timeout: time.Second, FailClosed: true}, nil, zap.NewNop())
	allowed, err = closed.Allowed(context.Background(), url+"/page")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestCacheRemembersFailedFetch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	limiter := &countingLimiter{}
	cache := New(Config{UserAgent: "test-agent", Timeout: time.Second}, limiter, zap.NewNop())
	for i := 0; i < 5; i++ {
		allowed, err := cache.Allowed(context.Background(), fmt.Sprintf("%s/page/%d", url, i))
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	assert.Equal(t, int64(1), limiter.calls.Load(), "unreachable origin should be tried once per run")
	assert.Equal(t, 1, cache.cachedOrigins())
}

func TestCacheDoesNotRememberCanceledFetch(t *testing.T) {
	t.Parallel()

	srv, hits := newRobotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /private\n")
	cache := New(Config{UserAgent: "test-agent"}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cache.Allowed(ctx, srv.URL+"/private")
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, cache.cachedOrigins())

	allowed, err := cache.Allowed(context.Background(), srv.URL+"/private")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, int64(1), hits.Load())
}

func TestCacheRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	cache := New(Config{}, nil, nil)
	_, err := cache.Allowed(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestAllowAll(t *testing.T) {
	t.Parallel()

	allowed, err := AllowAll{}.Allowed(context.Background(), "https://example.com/private")
	require.NoError(t, err)
	assert.True(t, allowed)
}
