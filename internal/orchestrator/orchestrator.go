// Package orchestrator drives every target through detection, fetch,
// extraction and validation with bounded concurrency.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/content-harvester/internal/aggregate"
	"github.com/JakeFAU/content-harvester/internal/metrics"
	"github.com/JakeFAU/content-harvester/internal/pipeline"
	"github.com/JakeFAU/content-harvester/internal/progress"
)

// Config tunes scheduling and validation.
type Config struct {
	Workers         int
	RenderSlots     int
	MinContentChars int
	MaxContentChars int
	FetchTimeout    time.Duration
	ArchivePDFs     bool
	BlobPrefix      string
}

// Deps bundles the collaborators. Renderer may be nil when rendering is
// disabled; Limiter, Robots, Blobs, Emitter and Clock are optional.
type Deps struct {
	Limiter   pipeline.Limiter
	Robots    pipeline.RobotsChecker
	Light     pipeline.LightFetcher
	Renderer  pipeline.Renderer
	Extractor pipeline.Extractor
	Blobs     pipeline.BlobStore
	Emitter   progress.Emitter
	Clock     pipeline.Clock
	Logger    *zap.Logger
}

// Orchestrator runs batches of targets.
type Orchestrator struct {
	cfg        Config
	deps       Deps
	renderGate chan struct{}
	logger     *zap.Logger
}

type noLimit struct{}

func (noLimit) Wait(context.Context) error { return nil }

type allowAll struct{}

func (allowAll) Allowed(context.Context, string) (bool, error) { return true, nil }

// New validates deps and applies defaults.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Light == nil {
		return nil, errors.New("orchestrator: light fetcher is required")
	}
	if deps.Extractor == nil {
		return nil, errors.New("orchestrator: extractor is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RenderSlots <= 0 {
		cfg.RenderSlots = 1
	}
	if cfg.MinContentChars < 0 {
		cfg.MinContentChars = 0
	}
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = pipeline.DefaultMaxContentChars
	}
	if deps.Limiter == nil {
		deps.Limiter = noLimit{}
	}
	if deps.Robots == nil {
		deps.Robots = allowAll{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		renderGate: make(chan struct{}, cfg.RenderSlots),
		logger:     deps.Logger,
	}, nil
}

// Run processes every target and returns exactly one result per target,
// ordered by position in targets. Each result's Index is the target's position
// in the slice; caller-set indexes are ignored. Canceling ctx stops outstanding
// work; targets that did not finish are reported as canceled rather than
// omitted.
func (o *Orchestrator) Run(ctx context.Context, runID string, targets []pipeline.Target) []pipeline.ExtractionResult {
	targets = positioned(targets)
	collector := aggregate.NewCollector(targets, o.logger)
	runKey, err := progress.ParseRunID(runID)
	if err != nil {
		o.logger.Debug("run id is not a uuid; progress events disabled", zap.String("run_id", runID))
	}
	r := &run{o: o, id: runID, key: runKey, events: err == nil && o.deps.Emitter != nil}

	start := o.now()
	r.emit(progress.Event{Stage: progress.StageRunStart, Index: -1, Total: len(targets)})
	o.logger.Info("run started",
		zap.String("run_id", runID),
		zap.Int("targets", len(targets)),
		zap.Int("workers", o.cfg.Workers),
		zap.Int("render_slots", o.cfg.RenderSlots),
	)

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for _, target := range targets {
		g.Go(func() error {
			collector.Add(r.process(ctx, target))
			return nil
		})
	}
	_ = g.Wait()

	if reported := collector.Len(); reported < len(targets) {
		o.logger.Warn("targets finished without a result",
			zap.String("run_id", runID),
			zap.Int("missing", len(targets)-reported),
		)
	}
	results := collector.Dataset()
	summary := pipeline.Summarize(runID, results)
	r.emit(progress.Event{Stage: progress.StageRunDone, Index: -1, Total: len(results), Dur: o.now().Sub(start)})
	o.logger.Info("run finished",
		zap.String("run_id", runID),
		zap.Int("total", summary.Total),
		zap.Int("accessible", summary.Accessible),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", o.now().Sub(start)),
	)
	return results
}

// positioned returns a copy of targets indexed by slice position.
func positioned(targets []pipeline.Target) []pipeline.Target {
	out := make([]pipeline.Target, len(targets))
	for i, t := range targets {
		t.Index = i
		out[i] = t
	}
	return out
}

func (o *Orchestrator) now() time.Time {
	if o.deps.Clock == nil {
		return time.Now().UTC()
	}
	return o.deps.Clock.Now()
}

type run struct {
	o      *Orchestrator
	id     string
	key    [16]byte
	events bool
}

func (r *run) emit(evt progress.Event) {
	if !r.events {
		return
	}
	evt.RunID = r.key
	evt.TS = r.o.now()
	r.o.deps.Emitter.Emit(evt)
}

// job carries one target through the state machine.
type job struct {
	run        *run
	target     pipeline.Target
	sourceType pipeline.SourceType
	site       string
	attempts   []pipeline.FetchAttempt
	logger     *zap.Logger
}

func (j *job) event(stage progress.Stage) progress.Event {
	return progress.Event{Stage: stage, Index: j.target.Index, Site: j.site, URL: j.target.URL}
}

func (j *job) state(s pipeline.State) {
	evt := j.event(progress.StageTargetState)
	evt.State = string(s)
	j.run.emit(evt)
	j.logger.Debug("target state", zap.String("state", string(s)))
}

func (j *job) record(attempt pipeline.FetchAttempt) {
	j.attempts = append(j.attempts, attempt)
	evt := j.event(progress.StageFetchDone)
	evt.Engine = string(attempt.Engine)
	evt.StatusClass = progress.ClassifyStatus(attempt.Status)
	evt.Bytes = int64(attempt.Bytes)
	evt.Dur = attempt.Duration
	evt.Note = attempt.Err
	j.run.emit(evt)
}

func (r *run) process(ctx context.Context, target pipeline.Target) (res pipeline.ExtractionResult) {
	o := r.o
	j := &job{
		run:        r,
		target:     target,
		sourceType: target.DeclaredType,
		site:       metrics.SanitizeSite(target.URL),
		logger: o.logger.With(
			zap.String("run_id", r.id),
			zap.Int("index", target.Index),
			zap.String("name", target.Name),
			zap.String("url", target.URL),
		),
	}
	start := o.now()
	r.emit(j.event(progress.StageTargetStart))
	j.state(pipeline.StatePending)

	defer func() {
		if rec := recover(); rec != nil {
			j.logger.Error("target panicked", zap.Any("panic", rec), zap.Stack("stack"))
			err := pipeline.NewTargetError(pipeline.UnexpectedFailure, fmt.Sprintf("Unexpected error: %v", rec), nil)
			res = pipeline.Failure(target, err, j.attempts)
		}
		o.finish(j, res, o.now().Sub(start))
	}()

	content, sourceType, err := o.execute(ctx, j)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return pipeline.Failure(target, err, j.attempts)
	}
	return pipeline.Success(target, sourceType, content, j.attempts)
}

func (o *Orchestrator) finish(j *job, res pipeline.ExtractionResult, elapsed time.Duration) {
	metrics.ObserveTarget(string(res.SourceType), res.Accessible)
	if res.Accessible {
		j.state(pipeline.StateDone)
		evt := j.event(progress.StageTargetDone)
		evt.Dur = elapsed
		j.run.emit(evt)
		j.logger.Info("target done",
			zap.String("type", string(res.SourceType)),
			zap.Int("chars", utf8.RuneCountInString(res.Content)),
			zap.Int("attempts", len(res.Attempts)),
			zap.Duration("elapsed", elapsed),
		)
		return
	}
	j.state(pipeline.StateFailed)
	evt := j.event(progress.StageTargetFailed)
	evt.Dur = elapsed
	evt.Kind = string(res.ErrorKind)
	evt.Note = res.ErrorReason
	j.run.emit(evt)
	j.logger.Warn("target failed",
		zap.String("type", string(j.sourceType)),
		zap.String("kind", string(res.ErrorKind)),
		zap.String("reason", res.ErrorReason),
		zap.Int("attempts", len(res.Attempts)),
		zap.Duration("elapsed", elapsed),
	)
}

// execute walks one target through the state machine and returns the
// validated content and the type it resolved to.
func (o *Orchestrator) execute(ctx context.Context, j *job) (string, pipeline.SourceType, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	if err := validateURL(j.target.URL); err != nil {
		return "", "", err
	}

	j.sourceType = pipeline.DetectType(j.target.DeclaredType, j.target.URL)
	j.state(pipeline.StateTypeDetected)
	j.logger.Debug("type detected",
		zap.String("declared", string(j.target.DeclaredType)),
		zap.String("type", string(j.sourceType)),
	)

	allowed, err := o.deps.Robots.Allowed(ctx, j.target.URL)
	if err != nil {
		return "", "", pipeline.NewTargetError(pipeline.NetworkFailure, "Robots check failed", err)
	}
	if !allowed {
		return "", "", pipeline.NewTargetError(pipeline.RobotsDisallowed, pipeline.ReasonRobotsBlocked, nil)
	}

	var content string
	switch j.sourceType {
	case pipeline.SourcePDF:
		content, err = o.acquirePDF(ctx, j)
	default:
		content, err = o.acquireHTML(ctx, j)
	}
	if err != nil {
		return "", "", err
	}

	j.state(pipeline.StateValidating)
	if n := utf8.RuneCountInString(content); n == 0 || n < o.cfg.MinContentChars {
		return "", "", pipeline.NewTargetError(pipeline.ValidationFailed, pipeline.ReasonBelowMinimum,
			fmt.Errorf("%d characters, minimum %d", n, o.cfg.MinContentChars))
	}

	resolved := j.sourceType
	if resolved == pipeline.SourceUnknown {
		resolved = pipeline.SourceHTML
	}
	return pipeline.Truncate(content, o.cfg.MaxContentChars), resolved, nil
}

func (o *Orchestrator) acquirePDF(ctx context.Context, j *job) (string, error) {
	data, err := o.fetchLight(ctx, j, pipeline.SourcePDF)
	if err != nil {
		if o.deps.Renderer == nil || ctx.Err() != nil {
			return "", err
		}
		j.logger.Debug("light fetch failed; trying browser download", zap.Error(err))
		data, err = o.download(ctx, j)
		if err != nil {
			return "", err
		}
		if !bytes.HasPrefix(data, []byte("%PDF-")) {
			return "", pipeline.NewTargetError(pipeline.ValidationFailed, "Invalid PDF content: missing %PDF- signature", nil)
		}
	}
	o.archive(ctx, j, data)

	j.state(pipeline.StateExtracting)
	return o.deps.Extractor.ExtractPDF(data)
}

func (o *Orchestrator) acquireHTML(ctx context.Context, j *job) (string, error) {
	var html string
	if o.deps.Renderer == nil {
		body, err := o.fetchLight(ctx, j, pipeline.SourceHTML)
		if err != nil {
			return "", err
		}
		html = string(body)
	} else {
		page, err := o.render(ctx, j)
		if err != nil {
			return "", err
		}
		html = page.HTML
	}

	j.state(pipeline.StateExtracting)
	return o.deps.Extractor.ExtractHTML(html)
}

func (o *Orchestrator) fetchLight(ctx context.Context, j *job, expect pipeline.SourceType) ([]byte, error) {
	j.state(pipeline.StateFetchingLight)
	if err := o.deps.Limiter.Wait(ctx); err != nil {
		return nil, err
	}
	attempt, body, err := o.deps.Light.Fetch(ctx, pipeline.FetchRequest{
		URL:     j.target.URL,
		Expect:  expect,
		Timeout: o.cfg.FetchTimeout,
	})
	j.record(attempt)
	return body, err
}

func (o *Orchestrator) render(ctx context.Context, j *job) (pipeline.RenderedPage, error) {
	var page pipeline.RenderedPage
	err := o.withRenderSlot(ctx, j, func() error {
		started := time.Now()
		var err error
		page, err = o.deps.Renderer.RenderPage(ctx, j.target.URL)
		attempt := pipeline.FetchAttempt{
			Engine:   pipeline.EngineRender,
			URL:      j.target.URL,
			Status:   page.Status,
			Bytes:    len(page.HTML),
			Duration: time.Since(started),
		}
		if err != nil {
			attempt.Err = err.Error()
		}
		j.record(attempt)
		return err
	})
	return page, err
}

func (o *Orchestrator) download(ctx context.Context, j *job) ([]byte, error) {
	var data []byte
	err := o.withRenderSlot(ctx, j, func() error {
		started := time.Now()
		var err error
		data, err = o.deps.Renderer.TriggerDownload(ctx, j.target.URL)
		attempt := pipeline.FetchAttempt{
			Engine:   pipeline.EngineRender,
			URL:      j.target.URL,
			Bytes:    len(data),
			Duration: time.Since(started),
		}
		if err != nil {
			attempt.Err = err.Error()
		}
		j.record(attempt)
		return err
	})
	return data, err
}

// withRenderSlot holds one render slot and one rate-limit token while fn runs.
func (o *Orchestrator) withRenderSlot(ctx context.Context, j *job, fn func() error) error {
	j.state(pipeline.StateFetchingRender)
	select {
	case o.renderGate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-o.renderGate }()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.deps.Limiter.Wait(ctx); err != nil {
		return err
	}
	return fn()
}

func (o *Orchestrator) archive(ctx context.Context, j *job, data []byte) {
	if !o.cfg.ArchivePDFs || o.deps.Blobs == nil {
		return
	}
	name := "pdfs/" + pipeline.SafeFilename(j.target.Name) + ".pdf"
	uri, err := o.deps.Blobs.PutObject(ctx, aggregate.BlobPath(o.cfg.BlobPrefix, j.run.id, name), "application/pdf", bytes.NewReader(data))
	if err != nil {
		j.logger.Warn("pdf archive failed", zap.Error(err))
		return
	}
	j.logger.Debug("pdf archived", zap.String("uri", uri))
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return pipeline.NewTargetError(pipeline.ValidationFailed, "Invalid URL", err)
	}
	return nil
}
