package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/content-harvester/internal/progress"
)

// PrometheusSink exports run progress via Prometheus. It owns the collectors
// for runs started/completed/running, target outcomes and per-site fetches.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted prometheus.Counter
	runsRunning   prometheus.Gauge
	runRuntime    prometheus.Histogram

	targetsDone     *prometheus.CounterVec
	targetsInFlight prometheus.Gauge
	targetRuntime   *prometheus.HistogramVec

	fetchRequests *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_runs_started_total",
			Help: "Total runs that have started.",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_runs_completed_total",
			Help: "Total runs that have finished.",
		}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_runs_running",
			Help: "Current number of running runs.",
		}),
		runRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		targetsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_progress_targets_total",
			Help: "Targets finished partitioned by result and error kind.",
		}, []string{"result", "kind"}),
		targetsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_targets_in_flight",
			Help: "Targets currently being processed.",
		}),
		targetRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_target_runtime_seconds",
			Help:    "Wall time per target partitioned by result.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"result"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_progress_fetches_total",
			Help: "Fetch completions partitioned by site, engine and status class.",
		}, []string{"site", "engine", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_fetch_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.targetsDone,
		s.targetsInFlight,
		s.targetRuntime,
		s.fetchRequests,
		s.fetchBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		s.runsCompleted.Inc()
		if evt.Dur > 0 {
			s.runRuntime.Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	case progress.StageTargetStart:
		s.targetsInFlight.Inc()
	case progress.StageTargetDone:
		s.finishTarget(evt, "success", "")
	case progress.StageTargetFailed:
		s.finishTarget(evt, "error", evt.Kind)
	case progress.StageFetchDone:
		s.handleFetchEvent(evt)
	}
}

func (s *PrometheusSink) finishTarget(evt progress.Event, result, kind string) {
	s.targetsInFlight.Dec()
	s.targetsDone.WithLabelValues(result, kind).Inc()
	if evt.Dur > 0 {
		s.targetRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.fetchRequests.WithLabelValues(site, evt.Engine, statusClass).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
