package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why a target failed.
type ErrorKind string

// Failure taxonomy.
const (
	NetworkFailure    ErrorKind = "NetworkFailure"
	RobotsDisallowed  ErrorKind = "RobotsDisallowed"
	RenderTimeout     ErrorKind = "RenderTimeout"
	ExtractionEmpty   ErrorKind = "ExtractionEmpty"
	ValidationFailed  ErrorKind = "ValidationFailed"
	UnexpectedFailure ErrorKind = "UnexpectedFailure"
)

// Reasons shared between components and tests.
const (
	ReasonRobotsBlocked       = "Blocked by robots.txt"
	ReasonPDFDownloadFailed   = "Failed to download PDF"
	ReasonPDFNoText           = "No text content extracted from PDF"
	ReasonInsufficientContent = "Insufficient content extracted"
	ReasonBelowMinimum        = "Content below minimum length"
	ReasonRenderTimeout       = "Timeout loading page"
	ReasonResultMissing       = "Result missing"
)

// TargetError carries a failure kind and a short human-readable reason.
type TargetError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

// NewTargetError wraps err with a kind and reason.
func NewTargetError(kind ErrorKind, reason string, err error) *TargetError {
	return &TargetError{Kind: kind, Reason: reason, Err: err}
}

func (e *TargetError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *TargetError) Unwrap() error {
	return e.Err
}

// KindOf returns the failure kind carried by err.
func KindOf(err error) ErrorKind {
	var te *TargetError
	if errors.As(err, &te) {
		return te.Kind
	}
	return UnexpectedFailure
}

// ReasonOf returns the reason carried by err, falling back to its text.
func ReasonOf(err error) string {
	var te *TargetError
	if errors.As(err, &te) && strings.TrimSpace(te.Reason) != "" {
		return te.Reason
	}
	if err == nil {
		return "Unexpected error: unknown failure"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "Run canceled: " + err.Error()
	}
	return "Unexpected error: " + err.Error()
}

// StatusReason describes a non-success HTTP status.
func StatusReason(status int) string {
	switch status {
	case 403:
		return "Access forbidden (403)"
	case 404:
		return "Page not found (404)"
	default:
		return fmt.Sprintf("HTTP %d", status)
	}
}
