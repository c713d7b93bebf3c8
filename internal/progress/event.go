package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageTargetStart  Stage = "TARGET_START"
	StageTargetState  Stage = "TARGET_STATE"
	StageFetchDone    Stage = "FETCH_DONE"
	StageTargetDone   Stage = "TARGET_DONE"
	StageTargetFailed Stage = "TARGET_FAILED"
	StageRunDone      Stage = "RUN_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single component of run progress.
type Event struct {
	// RunID uniquely identifies a run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or fetch milestone occurred.
	Stage Stage
	// Index is the target's input position; -1 for run-level events.
	Index int
	// Total is the number of targets, set on RUN_START.
	Total int
	// State is the target state entered, set on TARGET_STATE.
	State string
	// Engine names the transport for FETCH_DONE.
	Engine string
	// Site optionally scopes target and fetch events to a host label.
	Site string
	// URL is the optional target URL; it should not contain credentials.
	URL string
	// Bytes carries the response size for the fetch.
	Bytes int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures latency for fetches, targets and runs.
	Dur time.Duration
	// Kind is the error kind for TARGET_FAILED.
	Kind string
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageTargetStart, StageTargetDone, StageTargetFailed:
		if e.Index < 0 {
			return errors.New("target events require an index")
		}
	case StageTargetState:
		if e.State == "" {
			return errors.New("target state requires state")
		}
	case StageFetchDone:
		if e.Engine == "" {
			return errors.New("fetch done requires engine")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID converts a run ID string into the Event form.
func ParseRunID(id string) ([16]byte, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse run id: %w", err)
	}
	return UUIDToBytes(parsed), nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
