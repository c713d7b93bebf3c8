package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/content-harvester/internal/pipeline"
)

func samplePDF(size int) []byte {
	body := []byte("%PDF-1.4\n")
	return append(body, bytes.Repeat([]byte("%"), size-len(body))...)
}

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchValidPDF(t *testing.T) {
	t.Parallel()

	var gotUA, gotReferer string
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(samplePDF(800))
	})

	f := New(Config{
		UserAgent: "test-agent",
		Headers:   http.Header{"Referer": {"https://www.google.com/"}},
	}, nil)
	attempt, body, err := f.Fetch(context.Background(), pipeline.FetchRequest{URL: srv.URL + "/doc.pdf", Expect: pipeline.SourcePDF})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(body) != 800 || attempt.Bytes != 800 {
		t.Fatalf("expected 800 bytes, got body=%d attempt=%d", len(body), attempt.Bytes)
	}
	if attempt.Status != http.StatusOK || attempt.Engine != pipeline.EngineLight {
		t.Fatalf("unexpected attempt: %+v", attempt)
	}
	if gotUA != "test-agent" || gotReferer != "https://www.google.com/" {
		t.Fatalf("expected configured headers, got ua=%q referer=%q", gotUA, gotReferer)
	}
}

func TestFetchRejectsInvalidPDF(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		contentType string
		body        []byte
	}{
		"too small":    {"application/pdf", samplePDF(100)},
		"html type":    {"text/html", samplePDF(800)},
		"no signature": {"application/pdf", bytes.Repeat([]byte("x"), 800)},
	}
	for name, tc := range cases {
		srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", tc.contentType)
			_, _ = w.Write(tc.body)
		})
		f := New(Config{}, nil)
		_, body, err := f.Fetch(context.Background(), pipeline.FetchRequest{URL: srv.URL, Expect: pipeline.SourcePDF})
		if err == nil || body != nil {
			t.Fatalf("%s: expected rejection, got body=%d err=%v", name, len(body), err)
		}
		if pipeline.KindOf(err) != pipeline.ValidationFailed {
			t.Fatalf("%s: expected ValidationFailed, got %s", name, pipeline.KindOf(err))
		}
	}
}

func TestFetchNonOKStatus(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	f := New(Config{}, nil)
	attempt, body, err := f.Fetch(context.Background(), pipeline.FetchRequest{URL: srv.URL, Expect: pipeline.SourceHTML})
	if err == nil || body != nil {
		t.Fatal("expected failure for 404")
	}
	if attempt.Status != http.StatusNotFound {
		t.Fatalf("expected status 404 recorded, got %d", attempt.Status)
	}
	if pipeline.KindOf(err) != pipeline.NetworkFailure || pipeline.ReasonOf(err) != "Page not found (404)" {
		t.Fatalf("unexpected error classification: %v", err)
	}
	if attempt.Err == "" {
		t.Fatal("expected attempt error to be recorded")
	}
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	})
	defer close(release)

	f := New(Config{}, nil)
	start := time.Now()
	_, _, err := f.Fetch(context.Background(), pipeline.FetchRequest{URL: srv.URL, Timeout: 100 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("expected fetch to stop near the timeout, took %v", time.Since(start))
	}
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := New(Config{}, nil)
	_, _, err := f.Fetch(ctx, pipeline.FetchRequest{URL: srv.URL})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFetchDecodesLegacyCharset(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		_, _ = w.Write([]byte("<html><body>caf\xe9</body></html>"))
	})
	f := New(Config{}, nil)
	_, body, err := f.Fetch(context.Background(), pipeline.FetchRequest{URL: srv.URL, Expect: pipeline.SourceHTML})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(body), "café") {
		t.Fatalf("expected decoded body, got %q", body)
	}
}

func TestFetchDecodesMetaCharsetOnce(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><head><meta charset=\"windows-1252\"></head><body>na\xefve caf\xe9</body></html>"))
	})
	f := New(Config{}, nil)
	_, body, err := f.Fetch(context.Background(), pipeline.FetchRequest{URL: srv.URL, Expect: pipeline.SourceHTML})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(body), "naïve café") {
		t.Fatalf("expected meta charset to be honored, got %q", body)
	}
}

func TestFetchKeepsDeclaredUTF8(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>café – 5%</body></html>"))
	})
	f := New(Config{}, nil)
	_, body, err := f.Fetch(context.Background(), pipeline.FetchRequest{URL: srv.URL, Expect: pipeline.SourceHTML})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := string(body); got != "<html><body>café – 5%</body></html>" {
		t.Fatalf("utf-8 body altered: %q", got)
	}
}

func TestDeclaresCharset(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"text/html; charset=iso-8859-1": true,
		"text/html;charset=\"UTF-8\"":   true,
		"text/html":                     false,
		"":                              false,
		"text/html; charset=":           true,
	}
	for ct, want := range cases {
		if got := declaresCharset(ct); got != want {
			t.Errorf("declaresCharset(%q) = %v, want %v", ct, got, want)
		}
	}
}

func TestFetchAllowsRevisit(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<p>ok</p>"))
	})
	f := New(Config{}, nil)
	for i := 0; i < 2; i++ {
		if _, _, err := f.Fetch(context.Background(), pipeline.FetchRequest{URL: srv.URL}); err != nil {
			t.Fatalf("fetch %d: unexpected error: %v", i, err)
		}
	}
}

func TestValidatePDF(t *testing.T) {
	t.Parallel()

	if err := ValidatePDF(samplePDF(500), "application/pdf", 500); err != nil {
		t.Fatalf("expected valid pdf, got %v", err)
	}
	if err := ValidatePDF(samplePDF(600), "application/pdf; charset=binary", 500); err != nil {
		t.Fatalf("expected parameters to be tolerated, got %v", err)
	}
	if err := ValidatePDF(samplePDF(600), "application/xhtml+xml; pdf", 500); err == nil {
		t.Fatal("expected html content type to be rejected")
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	var result response
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, http.Header{"X-Trace": {"yes"}}, &result, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{"X-Trace": {"stale"}}}
	hooks.onRequest(collyReq)
	if got := collyReq.Headers.Values("X-Trace"); len(got) != 1 || got[0] != "yes" {
		t.Fatalf("expected header replacement, got %+v", got)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"application/pdf"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com"),
		},
	})
	if result.status != http.StatusOK || string(result.body) != "body" || result.contentType != "application/pdf" {
		t.Fatalf("unexpected result: %+v", result)
	}

	hooks.onError(&colly.Response{StatusCode: http.StatusForbidden}, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" || result.status != http.StatusForbidden {
		t.Fatalf("expected fetchErr and status set, got %v / %d", fetchErr, result.status)
	}
}

func TestMergeHeadersOverride(t *testing.T) {
	t.Parallel()

	merged := mergeHeaders(
		http.Header{"accept": {"text/html"}, "Referer": {"a"}},
		http.Header{"Accept": {"application/pdf"}},
	)
	if merged.Get("Accept") != "application/pdf" || merged.Get("Referer") != "a" {
		t.Fatalf("unexpected merge: %+v", merged)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
