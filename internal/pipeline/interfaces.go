package pipeline

import (
	"context"
	"io"
	"time"
)

// Limiter gates every outbound request against a shared budget.
type Limiter interface {
	Wait(ctx context.Context) error
}

// RobotsChecker answers crawl-permission queries.
type RobotsChecker interface {
	Allowed(ctx context.Context, rawURL string) (bool, error)
}

// LightFetcher performs a single direct GET. A non-nil error means no usable
// body; the attempt is always populated for diagnostics.
type LightFetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchAttempt, []byte, error)
}

// Renderer drives a scripted browser.
type Renderer interface {
	RenderPage(ctx context.Context, rawURL string) (RenderedPage, error)
	TriggerDownload(ctx context.Context, rawURL string) ([]byte, error)
}

// Extractor converts fetched bytes into normalized text.
type Extractor interface {
	ExtractPDF(data []byte) (string, error)
	ExtractHTML(html string) (string, error)
}

// ResultSink receives the final ordered dataset.
type ResultSink interface {
	StoreResults(ctx context.Context, runID string, results []ExtractionResult) error
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run notifications to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
