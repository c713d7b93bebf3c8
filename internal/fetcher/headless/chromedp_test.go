package headless

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/content-harvester/internal/pipeline"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewChromedp(Config{PoolSize: -1}, nil, nil); err == nil {
		t.Fatal("expected error for negative pool size")
	}
	if _, err := NewChromedp(Config{SettleDelay: -time.Second}, nil, nil); err == nil {
		t.Fatal("expected error for negative settle delay")
	}
	engine, err := NewChromedp(Config{PoolSize: 3}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer engine.Close()
	if cap(engine.slots) != 3 {
		t.Fatalf("expected pool capacity 3, got %d", cap(engine.slots))
	}
	if engine.cfg.DownloadDir != "downloads" {
		t.Fatalf("expected default download dir, got %q", engine.cfg.DownloadDir)
	}
}

func TestNewChromedpDefaultsPoolToOne(t *testing.T) {
	t.Parallel()

	engine, err := NewChromedp(Config{}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer engine.Close()
	if cap(engine.slots) != 1 {
		t.Fatalf("expected single slot, got %d", cap(engine.slots))
	}
}

func TestEngineTimeoutDefaults(t *testing.T) {
	t.Parallel()

	engine := &Engine{}
	if got := engine.navTimeout(); got != defaultNavigationTimeout {
		t.Fatalf("expected default nav timeout, got %v", got)
	}
	if got := engine.downloadTimeout(); got != defaultDownloadTimeout {
		t.Fatalf("expected default download timeout, got %v", got)
	}
	if got := engine.settleDelay(); got != defaultSettleDelay {
		t.Fatalf("expected default settle delay, got %v", got)
	}
	engine.cfg.NavigationTimeout = time.Second
	engine.cfg.SettleDelay = 10 * time.Millisecond
	if got := engine.navTimeout(); got != time.Second {
		t.Fatalf("expected override to be used, got %v", got)
	}
	if got := engine.settleDelay(); got != 10*time.Millisecond {
		t.Fatalf("expected settle override, got %v", got)
	}
}

func TestNetworkHeaders(t *testing.T) {
	t.Parallel()

	netHeaders := toNetworkHeaders(http.Header{
		"Accept":  {"text/html", "application/pdf"},
		"Referer": {"https://www.google.com/"},
		"Empty":   {},
	})
	if got := netHeaders["Accept"]; got != "text/html, application/pdf" {
		t.Fatalf("expected joined values, got %v", got)
	}
	if got := netHeaders["Referer"]; got != "https://www.google.com/" {
		t.Fatalf("unexpected referer %v", got)
	}
	if _, ok := netHeaders["Empty"]; ok {
		t.Fatal("expected empty header to be skipped")
	}
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  404,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://ads.example.com/frame"},
	})
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://example.com/app.js"},
	})
	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	if status != 404 || headers.Get("X-Request-ID") != "abc" || url != "https://example.com/rendered" {
		t.Fatalf("unexpected snapshot values: status=%d headers=%v url=%s", status, headers, url)
	}

	meta = newResponseMeta()
	status, _, url = meta.snapshotWithFallbacks("https://req", "https://final")
	if status != http.StatusOK || url != "https://final" {
		t.Fatalf("expected fallback values, got status=%d url=%s", status, url)
	}
}

func TestClassifyRenderError(t *testing.T) {
	t.Parallel()

	expired, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()
	err := classifyRenderError(context.Background(), expired, errors.New("context deadline exceeded"))
	if pipeline.KindOf(err) != pipeline.RenderTimeout || pipeline.ReasonOf(err) != pipeline.ReasonRenderTimeout {
		t.Fatalf("expected render timeout, got %v", err)
	}

	err = classifyRenderError(context.Background(), context.Background(), errors.New("net::ERR_NAME_NOT_RESOLVED"))
	if pipeline.KindOf(err) != pipeline.NetworkFailure {
		t.Fatalf("expected network failure, got %v", err)
	}

	canceled, stop := context.WithCancel(context.Background())
	stop()
	err = classifyRenderError(canceled, canceled, errors.New("boom"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected caller cancellation to surface, got %v", err)
	}
}

func TestIsAbortedNavigation(t *testing.T) {
	t.Parallel()

	if !isAbortedNavigation(errors.New("page load error net::ERR_ABORTED")) {
		t.Fatal("expected aborted navigation to be recognized")
	}
	if isAbortedNavigation(errors.New("net::ERR_CONNECTION_REFUSED")) || isAbortedNavigation(nil) {
		t.Fatal("expected other errors to pass through")
	}
}

func TestMergeCancelFollowsCaller(t *testing.T) {
	t.Parallel()

	caller, stop := context.WithCancel(context.Background())
	merged, cancel := mergeCancel(context.Background(), caller, time.Minute)
	defer cancel()

	stop()
	select {
	case <-merged.Done():
	case <-time.After(time.Second):
		t.Fatal("expected merged context to end with the caller")
	}
}
