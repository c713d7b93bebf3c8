// Package pipeline defines the core types shared by the acquisition and
// extraction subsystems.
package pipeline

import (
	"net/http"
	"time"
	"unicode/utf8"
)

// SourceType is the kind of resource a target points at.
type SourceType string

// Supported source types. Unknown is routed like HTML.
const (
	SourceHTML    SourceType = "HTML"
	SourcePDF     SourceType = "PDF"
	SourceUnknown SourceType = "Unknown"
)

// Engine identifies the transport used for a fetch attempt.
type Engine string

// Engines available to the orchestrator.
const (
	EngineLight  Engine = "LIGHT"
	EngineRender Engine = "RENDER"
)

// State is a per-target lifecycle state.
type State string

// Per-target states, in the order a successful target passes through them.
const (
	StatePending        State = "PENDING"
	StateTypeDetected   State = "TYPE_DETECTED"
	StateFetchingLight  State = "FETCHING_LIGHT"
	StateFetchingRender State = "FETCHING_RENDER"
	StateExtracting     State = "EXTRACTING"
	StateValidating     State = "VALIDATING"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

// Target is one input row. Index is its zero-based position in the input.
type Target struct {
	Index        int
	Name         string
	URL          string
	DeclaredType SourceType
}

// FetchRequest captures everything needed for a light fetch.
type FetchRequest struct {
	URL     string
	Expect  SourceType
	Headers http.Header
	Timeout time.Duration
}

// FetchAttempt records one engine try for a target. Bodies are not retained.
type FetchAttempt struct {
	Engine   Engine        `json:"engine"`
	URL      string        `json:"url"`
	Status   int           `json:"status,omitempty"`
	Bytes    int           `json:"bytes,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Err      string        `json:"error,omitempty"`
}

// RenderedPage is the DOM snapshot captured by the render engine.
type RenderedPage struct {
	HTML     string
	FinalURL string
	Status   int
}

// ExtractionResult is the single outcome produced for each Target.
type ExtractionResult struct {
	Index       int            `json:"index"`
	Title       string         `json:"title"`
	URL         string         `json:"url"`
	Content     string         `json:"content"`
	Accessible  bool           `json:"accessible"`
	SourceType  SourceType     `json:"type"`
	ErrorKind   ErrorKind      `json:"error_kind,omitempty"`
	ErrorReason string         `json:"error_reason,omitempty"`
	Attempts    []FetchAttempt `json:"attempts,omitempty"`
}

// ErrorContentPrefix prefixes the Content of every failed result.
const ErrorContentPrefix = "Error: "

// Content length bounds, in characters.
const (
	DefaultMaxContentChars = 5000
	DefaultMinContentChars = 150
)

// Truncate keeps at most limit characters of s. Non-positive limits disable it.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}

// Success builds an accessible result.
func Success(target Target, sourceType SourceType, content string, attempts []FetchAttempt) ExtractionResult {
	return ExtractionResult{
		Index:      target.Index,
		Title:      target.Name,
		URL:        target.URL,
		Content:    content,
		Accessible: true,
		SourceType: sourceType,
		Attempts:   attempts,
	}
}

// Failure builds an inaccessible result from err. The reason is never empty.
func Failure(target Target, err error, attempts []FetchAttempt) ExtractionResult {
	kind := KindOf(err)
	reason := ReasonOf(err)
	return ExtractionResult{
		Index:       target.Index,
		Title:       target.Name,
		URL:         target.URL,
		Content:     Truncate(ErrorContentPrefix+reason, DefaultMaxContentChars),
		Accessible:  false,
		SourceType:  SourceUnknown,
		ErrorKind:   kind,
		ErrorReason: reason,
		Attempts:    attempts,
	}
}

// RunSummary is published once a run's dataset has been written.
type RunSummary struct {
	RunID      string             `json:"run_id"`
	Total      int                `json:"total"`
	Accessible int                `json:"accessible"`
	Failed     int                `json:"failed"`
	ByType     map[SourceType]int `json:"by_type"`
	ByError    map[ErrorKind]int  `json:"by_error,omitempty"`
	DatasetURI string             `json:"dataset_uri,omitempty"`
	Artifacts  map[string]string  `json:"artifacts,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// Summarize counts the outcomes in results.
func Summarize(runID string, results []ExtractionResult) RunSummary {
	summary := RunSummary{
		RunID:   runID,
		Total:   len(results),
		ByType:  make(map[SourceType]int),
		ByError: make(map[ErrorKind]int),
	}
	for _, res := range results {
		if res.Accessible {
			summary.Accessible++
			summary.ByType[res.SourceType]++
			continue
		}
		summary.Failed++
		summary.ByError[res.ErrorKind]++
	}
	return summary
}
