// Package collyfetcher implements the light fetcher using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/content-harvester/internal/metrics"
	"github.com/JakeFAU/content-harvester/internal/pipeline"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultPDFMinBytes = 500
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Headers      http.Header
	Timeout      time.Duration
	MaxBodyBytes int
	PDFMinBytes  int
}

// Fetcher implements pipeline.LightFetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type response struct {
	url         string
	status      int
	contentType string
	body        []byte
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PDFMinBytes <= 0 {
		cfg.PDFMinBytes = defaultPDFMinBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	c.WithTransport(newHTTPTransport())

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch executes a single GET. The body is returned only for a 200 response
// whose content is valid for the expected type.
func (f *Fetcher) Fetch(ctx context.Context, req pipeline.FetchRequest) (pipeline.FetchAttempt, []byte, error) {
	start := time.Now()
	attempt := pipeline.FetchAttempt{Engine: pipeline.EngineLight, URL: req.URL}

	body, err := f.fetch(ctx, req, &attempt)
	attempt.Duration = time.Since(start)
	metrics.ObserveFetch(string(pipeline.EngineLight), err == nil, attempt.Duration)
	if err != nil {
		attempt.Err = err.Error()
		f.logger.Debug("light fetch failed",
			zap.String("url", req.URL),
			zap.Int("status", attempt.Status),
			zap.Error(err),
		)
		return attempt, nil, err
	}
	attempt.Bytes = len(body)
	return attempt, body, nil
}

func (f *Fetcher) fetch(ctx context.Context, req pipeline.FetchRequest, attempt *pipeline.FetchAttempt) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, pipeline.NewTargetError(pipeline.NetworkFailure, "Request canceled", err)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		result   response
		fetchErr error
	)
	collector := f.buildCollector(req, timeout, &result, &fetchErr)
	finished, runErr := f.runCollector(ctx, collector, req.URL, &fetchErr)
	if finished {
		attempt.Status = result.status
	}
	if runErr != nil {
		return nil, pipeline.NewTargetError(pipeline.NetworkFailure, networkReason(attempt.Status, runErr), runErr)
	}
	if result.status != http.StatusOK {
		return nil, pipeline.NewTargetError(pipeline.NetworkFailure, pipeline.StatusReason(result.status), nil)
	}

	switch req.Expect {
	case pipeline.SourcePDF:
		if err := ValidatePDF(result.body, result.contentType, f.cfg.PDFMinBytes); err != nil {
			return nil, pipeline.NewTargetError(pipeline.ValidationFailed, "Invalid PDF content: "+err.Error(), err)
		}
		return result.body, nil
	default:
		decoded, err := decodeHTML(result.body, result.contentType)
		if err != nil {
			return nil, pipeline.NewTargetError(pipeline.ValidationFailed, "Undecodable page content", err)
		}
		return decoded, nil
	}
}

func (f *Fetcher) buildCollector(
	req pipeline.FetchRequest,
	timeout time.Duration,
	result *response,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(timeout)
	f.configureCollectorHooks(collector, mergeHeaders(f.cfg.Headers, req.Headers), result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	headers http.Header,
	result *response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = response{
			url:         r.Request.URL.String(),
			status:      r.StatusCode,
			contentType: r.Headers.Get("Content-Type"),
			body:        append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.status = r.StatusCode
		}
		*fetchErr = err
	})
}

// runCollector reports whether the visit finished; hook outputs must not be
// read when it did not.
func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) (bool, error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return true, fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return true, fmt.Errorf("colly visit failed: %w", err)
		}
		return true, nil
	}
}

// ValidatePDF checks the signature, content type and size of a PDF body.
func ValidatePDF(body []byte, contentType string, minBytes int) error {
	ct := strings.ToLower(contentType)
	switch {
	case !bytes.HasPrefix(body, []byte("%PDF-")):
		return errors.New("missing %PDF- signature")
	case !strings.Contains(ct, "pdf") || strings.Contains(ct, "html"):
		return fmt.Errorf("unexpected content type %q", contentType)
	case len(body) < minBytes:
		return fmt.Errorf("body too small (%d bytes)", len(body))
	}
	return nil
}

// decodeHTML converts body to UTF-8. Colly has already converted bodies whose
// Content-Type names a charset, so only undeclared encodings are sniffed here
// (BOM, meta prescan, then content heuristics).
func decodeHTML(body []byte, contentType string) ([]byte, error) {
	if declaresCharset(contentType) {
		return body, nil
	}
	reader, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return body, nil
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return decoded, nil
}

// declaresCharset mirrors the check colly uses before converting a body.
func declaresCharset(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "charset")
}

func networkReason(status int, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "Request timed out"
	case status >= 300:
		return pipeline.StatusReason(status)
	default:
		return "Network error"
	}
}

func mergeHeaders(base, override http.Header) http.Header {
	out := http.Header{}
	for k, values := range base {
		for _, v := range values {
			out.Add(k, v)
		}
	}
	for k, values := range override {
		out.Del(k)
		for _, v := range values {
			out.Add(k, v)
		}
	}
	return out
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
