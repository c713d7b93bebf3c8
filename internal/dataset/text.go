package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/content-harvester/internal/pipeline"
)

// TextFilename names the export file for the row at position n (1-based).
func TextFilename(n int, title string) string {
	return fmt.Sprintf("%03d_%s.txt", n, pipeline.SafeFilename(title))
}

// FormatText renders one accessible row as a standalone document.
func FormatText(res pipeline.ExtractionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", res.Title)
	fmt.Fprintf(&b, "Type: %s\n\n", res.SourceType)
	b.WriteString(res.Content)
	b.WriteByte('\n')
	return b.String()
}

// ExportText writes one text file per accessible row into dir and returns the
// written paths in row order. Inaccessible rows are skipped.
func ExportText(dir string, results []pipeline.ExtractionResult) ([]string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create text dir: %w", err)
	}
	var written []string
	for i, res := range results {
		if !res.Accessible {
			continue
		}
		path := filepath.Join(dir, TextFilename(i+1, res.Title))
		if err := os.WriteFile(path, []byte(FormatText(res)), 0o600); err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}
