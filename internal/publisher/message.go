// Package publisher holds the message encoding shared by the run notification
// backends.
package publisher

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/JakeFAU/content-harvester/internal/pipeline"
)

// Encode marshals payload to JSON and derives routing attributes. Run
// summaries carry their run ID and counts as attributes so subscribers can
// filter without decoding the body.
func Encode(payload any) ([]byte, map[string]string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	attrs := map[string]string{"content_type": "application/json"}
	var summary *pipeline.RunSummary
	switch p := payload.(type) {
	case pipeline.RunSummary:
		summary = &p
	case *pipeline.RunSummary:
		summary = p
	}
	if summary != nil {
		attrs["event"] = "run.completed"
		attrs["run_id"] = summary.RunID
		attrs["total"] = strconv.Itoa(summary.Total)
		attrs["accessible"] = strconv.Itoa(summary.Accessible)
		attrs["failed"] = strconv.Itoa(summary.Failed)
	}
	return data, attrs, nil
}
