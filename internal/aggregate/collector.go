// Package aggregate collects per-target outcomes into the ordered dataset and
// publishes it to the output table and optional sinks.
package aggregate

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/content-harvester/internal/pipeline"
)

// Collector accepts exactly one result per target. It is safe for concurrent
// use.
type Collector struct {
	mu      sync.Mutex
	targets map[int]pipeline.Target
	results map[int]pipeline.ExtractionResult
	logger  *zap.Logger
}

// NewCollector builds a Collector for the given targets.
func NewCollector(targets []pipeline.Target, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	byIndex := make(map[int]pipeline.Target, len(targets))
	for _, t := range targets {
		byIndex[t.Index] = t
	}
	return &Collector{
		targets: byIndex,
		results: make(map[int]pipeline.ExtractionResult, len(targets)),
		logger:  logger,
	}
}

// Add records res. The first result for an index wins; later ones and results
// for unknown indexes are rejected.
func (c *Collector) Add(res pipeline.ExtractionResult) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, known := c.targets[res.Index]; !known {
		c.logger.Warn("result for unknown target discarded", zap.Int("index", res.Index))
		return false
	}
	if _, dup := c.results[res.Index]; dup {
		c.logger.Warn("duplicate result discarded", zap.Int("index", res.Index), zap.String("title", res.Title))
		return false
	}
	c.results[res.Index] = res
	return true
}

// Len reports how many targets have a result.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

// Dataset returns one result per target ordered by input index. Targets that
// never reported get a "Result missing" failure.
func (c *Collector) Dataset() []pipeline.ExtractionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]pipeline.ExtractionResult, 0, len(c.targets))
	for idx, target := range c.targets {
		res, ok := c.results[idx]
		if !ok {
			res = pipeline.Failure(target,
				pipeline.NewTargetError(pipeline.UnexpectedFailure, pipeline.ReasonResultMissing, nil), nil)
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
