package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/content-harvester/internal/progress/sinks"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 100
)

// RunSource serves live run snapshots.
type RunSource interface {
	Get(runID string) (sinks.RunStatus, bool)
	List() []sinks.RunStatus
}

// RunHandler exposes read-only run progress endpoints.
type RunHandler struct {
	runs   RunSource
	logger *zap.Logger
}

// NewRunHandler wires the source and logger.
func NewRunHandler(runs RunSource, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{runs: runs, logger: logger}
}

// ListRuns handles GET /api/runs?limit=&running=. It returns {"runs": [...]},
// most recently started first, 400 for invalid filters, or 503 when no source
// is configured.
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run tracker unavailable")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var runningOnly *bool
	if raw := strings.TrimSpace(r.URL.Query().Get("running")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid running filter")
			return
		}
		runningOnly = &v
	}

	out := make([]sinks.RunStatus, 0, limit)
	for _, run := range h.runs.List() {
		if runningOnly != nil && run.Running != *runningOnly {
			continue
		}
		out = append(out, run)
		if len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// GetRun handles GET /api/runs/{run_id}. It returns {"run": {...}}, 400 for a
// malformed ID, or 404 when the run is not tracked.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run tracker unavailable")
		return
	}
	runID := chi.URLParam(r, "run_id")
	if _, err := uuid.Parse(runID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid run_id")
		return
	}
	run, ok := h.runs.Get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultRunLimit, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(v, maxRunLimit), nil
}
