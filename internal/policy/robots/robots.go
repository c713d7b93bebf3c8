// Package robots caches robots.txt rules per scheme+host for the lifetime of
// a single run.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/content-harvester/internal/metrics"
	"github.com/JakeFAU/content-harvester/internal/pipeline"
)

const defaultMaxBytes = 1 << 20

// Config controls robots enforcement.
type Config struct {
	UserAgent  string
	FailClosed bool
	Timeout    time.Duration
	MaxBytes   int64
}

// Cache fetches, parses and memoizes robots.txt per origin. It is safe for
// concurrent use.
type Cache struct {
	cfg     Config
	client  *http.Client
	limiter pipeline.Limiter
	logger  *zap.Logger

	entries sync.Map // origin -> entry
	group   singleflight.Group
}

// entry is the remembered outcome of one robots.txt lookup. A failed lookup
// is kept for the rest of the run so an unreachable origin costs one fetch.
type entry struct {
	data *robotstxt.RobotsData
	err  error
}

// New builds a Cache. limiter may be nil.
func New(cfg Config, limiter pipeline.Limiter, logger *zap.Logger) *Cache {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
	}
}

// Allowed reports whether the configured user agent may fetch rawURL. The
// error is non-nil only for unparseable URLs or a canceled context.
func (c *Cache) Allowed(ctx context.Context, rawURL string) (bool, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false, fmt.Errorf("parse target url %q: invalid url", rawURL)
	}
	data, err := c.load(ctx, parsed)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, fmt.Errorf("robots lookup: %w", ctxErr)
		}
		metrics.ObserveRobots("fallback")
		if c.cfg.FailClosed {
			c.logger.Warn("robots fetch failed; denying access", zap.String("host", parsed.Host), zap.Error(err))
			return false, nil
		}
		c.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return true, nil
	}
	allowed := testPath(data, c.cfg.UserAgent, parsed)
	if allowed {
		metrics.ObserveRobots("allowed")
	} else {
		metrics.ObserveRobots("disallowed")
	}
	return allowed, nil
}

// cachedOrigins returns the number of origins with a remembered outcome.
func (c *Cache) cachedOrigins() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func testPath(data *robotstxt.RobotsData, userAgent string, parsed *url.URL) bool {
	group := data.FindGroup(userAgent)
	if group == nil {
		return true
	}
	p := parsed.EscapedPath()
	if p == "" {
		p = "/"
	}
	if parsed.RawQuery != "" {
		p += "?" + parsed.RawQuery
	}
	return group.Test(p)
}

func originKey(parsed *url.URL) string {
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
}

func (c *Cache) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	key := originKey(parsed)
	if cached, ok := c.entries.Load(key); ok {
		return unwrap(cached)
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if cached, ok := c.entries.Load(key); ok {
			return cached, nil
		}
		data, err := c.fetch(ctx, key)
		if err != nil && ctx.Err() != nil {
			return nil, err
		}
		e := entry{data: data, err: err}
		c.entries.Store(key, e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return unwrap(v)
}

func unwrap(v any) (*robotstxt.RobotsData, error) {
	e, ok := v.(entry)
	if !ok {
		return nil, fmt.Errorf("robots cache type mismatch: %T", v)
	}
	return e.data, e.err
}

func (c *Cache) fetch(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

// AllowAll is the checker used when robots enforcement is disabled.
type AllowAll struct{}

// Allowed always permits access.
func (AllowAll) Allowed(context.Context, string) (bool, error) { return true, nil }
