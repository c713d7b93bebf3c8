package aggregate

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/content-harvester/internal/dataset"
	"github.com/JakeFAU/content-harvester/internal/pipeline"
)

// Config controls where the dataset goes.
type Config struct {
	OutputPath string
	TextDir    string
	BlobPrefix string
	Topic      string
}

// Sinks are the optional destinations beyond the output table. Nil members
// are skipped.
type Sinks struct {
	Blobs     pipeline.BlobStore
	Stores    []pipeline.ResultSink
	Publisher pipeline.Publisher
	Hasher    pipeline.Hasher
}

// Aggregator writes the dataset and fans it out to the configured sinks.
type Aggregator struct {
	cfg    Config
	sinks  Sinks
	clock  pipeline.Clock
	logger *zap.Logger
}

// New builds an Aggregator.
func New(cfg Config, sinks Sinks, clock pipeline.Clock, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{cfg: cfg, sinks: sinks, clock: clock, logger: logger}
}

// Publish writes the output table and then feeds the optional sinks. Only the
// table write is fatal; sink failures are logged and recorded as missing
// artifacts.
func (a *Aggregator) Publish(
	ctx context.Context,
	runID string,
	startedAt time.Time,
	results []pipeline.ExtractionResult,
) (pipeline.RunSummary, error) {
	summary := pipeline.Summarize(runID, results)
	summary.StartedAt = startedAt
	summary.Artifacts = map[string]string{}

	if err := dataset.WriteFile(a.cfg.OutputPath, results); err != nil {
		return summary, fmt.Errorf("write dataset: %w", err)
	}
	summary.DatasetURI = a.cfg.OutputPath
	summary.Artifacts["dataset"] = a.cfg.OutputPath

	if a.cfg.TextDir != "" {
		written, err := dataset.ExportText(a.cfg.TextDir, results)
		if err != nil {
			a.logger.Warn("text export failed", zap.String("dir", a.cfg.TextDir), zap.Error(err))
		} else {
			summary.Artifacts["text_dir"] = a.cfg.TextDir
			a.logger.Info("text files exported", zap.Int("files", len(written)), zap.String("dir", a.cfg.TextDir))
		}
	}

	a.uploadDataset(ctx, runID, &summary)

	for _, store := range a.sinks.Stores {
		if store == nil {
			continue
		}
		if err := store.StoreResults(ctx, runID, results); err != nil {
			a.logger.Warn("result store failed", zap.String("run_id", runID), zap.Error(err))
		}
	}

	summary.FinishedAt = a.now()
	a.logSummary(summary)
	if msgID := a.notify(ctx, summary); msgID != "" {
		summary.Artifacts["notification_id"] = msgID
	}
	return summary, nil
}

func (a *Aggregator) uploadDataset(ctx context.Context, runID string, summary *pipeline.RunSummary) {
	if a.sinks.Blobs == nil && a.sinks.Hasher == nil {
		return
	}
	data, err := os.ReadFile(a.cfg.OutputPath)
	if err != nil {
		a.logger.Warn("read dataset for upload failed", zap.Error(err))
		return
	}
	if a.sinks.Hasher != nil {
		if digest, err := a.sinks.Hasher.Hash(data); err == nil {
			summary.Artifacts["dataset_sha256"] = digest
		}
	}
	if a.sinks.Blobs == nil {
		return
	}
	uri, err := a.sinks.Blobs.PutObject(ctx, BlobPath(a.cfg.BlobPrefix, runID, "dataset.csv"), "text/csv", bytes.NewReader(data))
	if err != nil {
		a.logger.Warn("dataset upload failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	summary.DatasetURI = uri
	summary.Artifacts["dataset_blob"] = uri
}

// notify publishes the summary and returns the message ID, or "" when
// nothing was sent.
func (a *Aggregator) notify(ctx context.Context, summary pipeline.RunSummary) string {
	if a.sinks.Publisher == nil || a.cfg.Topic == "" {
		return ""
	}
	msgID, err := a.sinks.Publisher.Publish(ctx, a.cfg.Topic, summary)
	if err != nil {
		a.logger.Warn("run notification failed", zap.String("run_id", summary.RunID), zap.Error(err))
		return ""
	}
	a.logger.Info("run notification published", zap.String("run_id", summary.RunID), zap.String("message_id", msgID))
	return msgID
}

func (a *Aggregator) logSummary(summary pipeline.RunSummary) {
	fields := []zap.Field{
		zap.String("run_id", summary.RunID),
		zap.Int("total", summary.Total),
		zap.Int("accessible", summary.Accessible),
		zap.Int("failed", summary.Failed),
		zap.String("dataset", summary.DatasetURI),
	}
	for sourceType, n := range summary.ByType {
		fields = append(fields, zap.Int("type_"+strings.ToLower(string(sourceType)), n))
	}
	for kind, n := range summary.ByError {
		fields = append(fields, zap.Int("error_"+string(kind), n))
	}
	a.logger.Info("run summary", fields...)
}

func (a *Aggregator) now() time.Time {
	if a.clock == nil {
		return time.Now().UTC()
	}
	return a.clock.Now()
}

// BlobPath joins the storage prefix, run ID and name into an object key.
func BlobPath(prefix, runID, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", runID, name)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, runID, name)
}
