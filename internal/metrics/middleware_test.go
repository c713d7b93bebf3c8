package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoute(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/runs/{run_id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{}"))
	})
	r.Get("/gone", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	r.Handle(ScrapePath, Handler())

	srv := httptest.NewServer(r)
	defer srv.Close()

	routeBefore := testutil.CollectAndCount(httpRequestDurationSeconds)
	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	goneBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "410"))
	missBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))

	for _, path := range []string{"/api/runs/a", "/api/runs/b", "/gone", "/nowhere", ScrapePath} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
	}

	assert.Equal(t, okBefore+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")),
		"scrapes must not be counted")
	assert.Equal(t, goneBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "410")))
	assert.Equal(t, missBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(httpRequestDurationSeconds), routeBefore+1)
}

func TestStatusWriterDefaultsToOK(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}
	assert.Equal(t, http.StatusOK, sw.code())

	sw.WriteHeader(http.StatusAccepted)
	sw.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusAccepted, sw.code(), "first status wins")
	assert.Same(t, rec, sw.Unwrap())
}
