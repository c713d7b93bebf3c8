// Package headless contains the render engine: a pool of isolated chromedp
// browser contexts used for JavaScript pages and browser-triggered downloads.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/content-harvester/internal/metrics"
	"github.com/JakeFAU/content-harvester/internal/pipeline"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	defaultDownloadTimeout   = 30 * time.Second
	defaultSettleDelay       = 3 * time.Second
)

// Config controls the behavior of the render engine.
type Config struct {
	PoolSize          int
	Headless          bool
	UserAgent         string
	Headers           http.Header
	SettleDelay       time.Duration
	NavigationTimeout time.Duration
	DownloadTimeout   time.Duration
	DownloadDir       string
	FreshnessWindow   time.Duration
	PollInterval      time.Duration
	DownloadPatterns  []string
}

// Engine implements pipeline.Renderer. The browser starts on first use; each
// pool slot owns one tab in its own browser context and download directory.
type Engine struct {
	cfg    Config
	clock  pipeline.Clock
	logger *zap.Logger

	allocator   context.Context
	allocCancel context.CancelFunc

	startOnce     sync.Once
	startErr      error
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu    sync.Mutex
	all   []*slot
	slots chan *slot
}

type slot struct {
	id      int
	ctx     context.Context
	cancel  context.CancelFunc
	watcher *DownloadWatcher
	dir     string
}

// NewChromedp creates the render engine. No browser process is started until
// the first render or download.
func NewChromedp(cfg Config, clock pipeline.Clock, logger *zap.Logger) (*Engine, error) {
	if cfg.PoolSize < 0 {
		return nil, fmt.Errorf("pool size must be >= 0")
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 1
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = "downloads"
	}
	if cfg.SettleDelay < 0 {
		return nil, fmt.Errorf("settle delay must be >= 0")
	}
	if cfg.NavigationTimeout < 0 || cfg.DownloadTimeout < 0 {
		return nil, fmt.Errorf("timeouts must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = wallClock{}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("no-sandbox", true),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Engine{
		cfg:         cfg,
		clock:       clock,
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		slots:       make(chan *slot, cfg.PoolSize),
	}, nil
}

// Close shuts down every tab and the browser process.
func (e *Engine) Close() {
	e.mu.Lock()
	for _, s := range e.all {
		s.cancel()
	}
	e.all = nil
	e.mu.Unlock()
	if e.browserCancel != nil {
		e.browserCancel()
	}
	e.allocCancel()
}

// RenderPage navigates, waits for the settle delay and returns the rendered DOM.
func (e *Engine) RenderPage(ctx context.Context, rawURL string) (pipeline.RenderedPage, error) {
	start := time.Now()
	page, err := e.renderPage(ctx, rawURL)
	metrics.ObserveFetch(string(pipeline.EngineRender), err == nil, time.Since(start))
	if err != nil {
		e.logger.Debug("render failed", zap.String("url", rawURL), zap.Error(err))
	}
	return page, err
}

func (e *Engine) renderPage(ctx context.Context, rawURL string) (pipeline.RenderedPage, error) {
	s, err := e.acquire(ctx)
	if err != nil {
		return pipeline.RenderedPage{}, err
	}
	defer e.release(s)

	taskCtx, cancel := mergeCancel(s.ctx, ctx, e.navTimeout())
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	var html, finalURL string
	actions := []chromedp.Action{
		e.networkSetupAction(),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(e.settleDelay()),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return pipeline.RenderedPage{}, classifyRenderError(ctx, taskCtx, err)
	}

	status, _, responseURL := meta.snapshotWithFallbacks(rawURL, finalURL)
	page := pipeline.RenderedPage{HTML: html, FinalURL: responseURL, Status: status}
	if status >= http.StatusBadRequest {
		return page, pipeline.NewTargetError(pipeline.NetworkFailure, pipeline.StatusReason(status), nil)
	}
	return page, nil
}

// TriggerDownload navigates to a URL that should start a file download and
// returns the captured file's bytes.
func (e *Engine) TriggerDownload(ctx context.Context, rawURL string) ([]byte, error) {
	start := time.Now()
	data, err := e.triggerDownload(ctx, rawURL)
	metrics.ObserveFetch(string(pipeline.EngineRender), err == nil, time.Since(start))
	if err != nil {
		e.logger.Debug("download capture failed", zap.String("url", rawURL), zap.Error(err))
	}
	return data, err
}

func (e *Engine) triggerDownload(ctx context.Context, rawURL string) ([]byte, error) {
	s, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.release(s)

	taskCtx, cancel := mergeCancel(s.ctx, ctx, e.downloadTimeout())
	defer cancel()

	chromedp.ListenTarget(taskCtx, func(ev any) {
		switch ev := ev.(type) {
		case *browser.EventDownloadWillBegin:
			e.logger.Debug("download starting", zap.Int("slot", s.id), zap.String("file", ev.SuggestedFilename))
		case *browser.EventDownloadProgress:
			if ev.State == browser.DownloadProgressStateCanceled {
				e.logger.Debug("download canceled by browser", zap.Int("slot", s.id), zap.String("guid", ev.GUID))
			}
		}
	})

	since := e.clock.Now()
	err = chromedp.Run(taskCtx,
		e.networkSetupAction(),
		downloadBehaviorAction(s.dir),
		chromedp.Navigate(rawURL),
	)
	if err != nil && !isAbortedNavigation(err) {
		return nil, classifyRenderError(ctx, taskCtx, err)
	}

	data, err := s.watcher.Await(taskCtx, since)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("download canceled: %w", ctx.Err())
		}
		return nil, pipeline.NewTargetError(pipeline.NetworkFailure, pipeline.ReasonPDFDownloadFailed, err)
	}
	return data, nil
}

func (e *Engine) acquire(ctx context.Context) (*slot, error) {
	if err := e.start(); err != nil {
		return nil, pipeline.NewTargetError(pipeline.UnexpectedFailure, "Browser unavailable: "+err.Error(), err)
	}
	select {
	case s := <-e.slots:
		metrics.IncRenderInUse()
		return s, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("render slot wait canceled: %w", ctx.Err())
	}
}

func (e *Engine) release(s *slot) {
	metrics.DecRenderInUse()
	e.slots <- s
}

func (e *Engine) start() error {
	e.startOnce.Do(func() {
		e.browserCtx, e.browserCancel = chromedp.NewContext(e.allocator,
			chromedp.WithLogf(e.logger.Sugar().Debugf),
		)
		if err := chromedp.Run(e.browserCtx); err != nil {
			e.startErr = fmt.Errorf("start browser: %w", err)
			return
		}
		for i := 0; i < e.cfg.PoolSize; i++ {
			s, err := e.newSlot(i)
			if err != nil {
				e.startErr = err
				return
			}
			e.mu.Lock()
			e.all = append(e.all, s)
			e.mu.Unlock()
			e.slots <- s
		}
		e.logger.Info("render engine started", zap.Int("pool_size", e.cfg.PoolSize))
	})
	return e.startErr
}

func (e *Engine) newSlot(id int) (*slot, error) {
	dir, err := filepath.Abs(filepath.Join(e.cfg.DownloadDir, fmt.Sprintf("slot-%d", id)))
	if err != nil {
		return nil, fmt.Errorf("resolve download dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	tabCtx, cancel := chromedp.NewContext(e.browserCtx, chromedp.WithNewBrowserContext())
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab %d: %w", id, err)
	}
	return &slot{
		id:     id,
		ctx:    tabCtx,
		cancel: cancel,
		dir:    dir,
		watcher: NewDownloadWatcher(WatcherConfig{
			Dir:             dir,
			Patterns:        e.cfg.DownloadPatterns,
			FreshnessWindow: e.cfg.FreshnessWindow,
			PollInterval:    e.cfg.PollInterval,
		}, e.clock, e.logger),
	}, nil
}

func (e *Engine) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if e.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(e.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(e.cfg.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(e.cfg.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func downloadBehaviorAction(dir string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		params := browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(dir).
			WithEventsEnabled(true)
		if c := chromedp.FromContext(ctx); c != nil && c.BrowserContextID != "" {
			params = params.WithBrowserContextID(c.BrowserContextID)
		}
		if err := params.Do(ctx); err != nil {
			return fmt.Errorf("set download behavior: %w", err)
		}
		return nil
	})
}

func (e *Engine) navTimeout() time.Duration {
	if e.cfg.NavigationTimeout > 0 {
		return e.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

func (e *Engine) downloadTimeout() time.Duration {
	if e.cfg.DownloadTimeout > 0 {
		return e.cfg.DownloadTimeout
	}
	return defaultDownloadTimeout
}

func (e *Engine) settleDelay() time.Duration {
	if e.cfg.SettleDelay > 0 {
		return e.cfg.SettleDelay
	}
	return defaultSettleDelay
}

// mergeCancel derives a context from the tab that also ends when the caller's
// context ends or the timeout elapses.
func mergeCancel(tab, caller context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(tab, timeout)
	stop := context.AfterFunc(caller, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func classifyRenderError(caller, task context.Context, err error) error {
	switch {
	case caller.Err() != nil:
		return fmt.Errorf("render canceled: %w", caller.Err())
	case errors.Is(task.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return pipeline.NewTargetError(pipeline.RenderTimeout, pipeline.ReasonRenderTimeout, err)
	default:
		return pipeline.NewTargetError(pipeline.NetworkFailure, "Render failed: "+err.Error(), err)
	}
}

// isAbortedNavigation reports the error chrome returns when a navigation
// turns into a download.
func isAbortedNavigation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "net::ERR_ABORTED")
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Subframe documents arrive after the main document.
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.headers.Clone(), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		headers[key] = strings.Join(values, ", ")
	}
	return headers
}
