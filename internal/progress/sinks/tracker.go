package sinks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/content-harvester/internal/progress"
)

const defaultMaxRuns = 20

// RunStatus is a point-in-time view of one run.
type RunStatus struct {
	RunID          string         `json:"run_id"`
	Running        bool           `json:"running"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	Total          int            `json:"total"`
	Started        int            `json:"started"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	States         map[string]int `json:"states"`
	FailuresByKind map[string]int `json:"failures_by_kind,omitempty"`
	Fetches        int            `json:"fetches"`
	Bytes          int64          `json:"bytes"`
}

type runState struct {
	status  RunStatus
	targets map[int]string
}

// RunTracker keeps an in-memory view of the most recent runs for the status
// API. Older runs are evicted once MaxRuns is exceeded.
type RunTracker struct {
	mu      sync.RWMutex
	runs    map[[16]byte]*runState
	maxRuns int
}

// NewRunTracker builds a tracker retaining up to maxRuns runs.
func NewRunTracker(maxRuns int) *RunTracker {
	if maxRuns <= 0 {
		maxRuns = defaultMaxRuns
	}
	return &RunTracker{runs: make(map[[16]byte]*runState), maxRuns: maxRuns}
}

// Consume folds the batch into the tracked runs.
func (t *RunTracker) Consume(_ context.Context, batch []progress.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, evt := range batch {
		run := t.runLocked(evt)
		switch evt.Stage {
		case progress.StageRunStart:
			run.status.Running = true
			run.status.StartedAt = evt.TS
			run.status.Total = evt.Total
		case progress.StageTargetStart:
			run.status.Started++
			run.targets[evt.Index] = "PENDING"
		case progress.StageTargetState:
			run.targets[evt.Index] = evt.State
		case progress.StageFetchDone:
			run.status.Fetches++
			run.status.Bytes += evt.Bytes
		case progress.StageTargetDone:
			run.status.Succeeded++
			run.targets[evt.Index] = "DONE"
		case progress.StageTargetFailed:
			run.status.Failed++
			run.status.FailuresByKind[evt.Kind]++
			run.targets[evt.Index] = "FAILED"
		case progress.StageRunDone:
			run.status.Running = false
			finished := evt.TS
			run.status.FinishedAt = &finished
		}
	}
	t.evictLocked()
	return nil
}

// Close implements the Sink interface; it performs no action.
func (t *RunTracker) Close(context.Context) error {
	return nil
}

// Get returns the status of one run.
func (t *RunTracker) Get(runID string) (RunStatus, bool) {
	id, err := progress.ParseRunID(runID)
	if err != nil {
		return RunStatus{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[id]
	if !ok {
		return RunStatus{}, false
	}
	return run.snapshot(), true
}

// List returns every tracked run, most recently started first.
func (t *RunTracker) List() []RunStatus {
	t.mu.RLock()
	out := make([]RunStatus, 0, len(t.runs))
	for _, run := range t.runs {
		out = append(out, run.snapshot())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func (t *RunTracker) runLocked(evt progress.Event) *runState {
	run, ok := t.runs[evt.RunID]
	if !ok {
		run = &runState{
			status: RunStatus{
				RunID:          evt.RunUUID().String(),
				StartedAt:      evt.TS,
				FailuresByKind: map[string]int{},
			},
			targets: map[int]string{},
		}
		t.runs[evt.RunID] = run
	}
	return run
}

func (t *RunTracker) evictLocked() {
	for len(t.runs) > t.maxRuns {
		var (
			oldestID [16]byte
			oldest   time.Time
			found    bool
		)
		for id, run := range t.runs {
			if run.status.Running {
				continue
			}
			if !found || run.status.StartedAt.Before(oldest) {
				oldestID, oldest, found = id, run.status.StartedAt, true
			}
		}
		if !found {
			return
		}
		delete(t.runs, oldestID)
	}
}

func (r *runState) snapshot() RunStatus {
	out := r.status
	out.States = make(map[string]int, len(r.targets))
	for _, state := range r.targets {
		out.States[state]++
	}
	out.FailuresByKind = make(map[string]int, len(r.status.FailuresByKind))
	for k, v := range r.status.FailuresByKind {
		out.FailuresByKind[k] = v
	}
	if r.status.FinishedAt != nil {
		finished := *r.status.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}

var _ progress.Sink = (*RunTracker)(nil)

