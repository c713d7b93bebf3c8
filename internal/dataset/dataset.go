// Package dataset reads the target table and writes the extracted dataset.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/content-harvester/internal/pipeline"
)

// OutputHeader is the column order of the written dataset.
var OutputHeader = []string{"Title", "Content", "Accessible", "Type"}

// ErrMissingColumn is returned when the input table lacks a required column.
var ErrMissingColumn = errors.New("missing column")

const bom = "\ufeff"

type columns struct {
	name, url, typ int
}

// ReadTargets parses an input table with Name, URL and Type columns. The type
// column matches any header starting with "Type", so "Type (HTML/XML,
// Javascript, PDF)" is accepted. Blank lines are skipped.
func ReadTargets(r io.Reader) ([]pipeline.Target, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read header: %w: empty input", ErrMissingColumn)
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols, err := locateColumns(header)
	if err != nil {
		return nil, err
	}

	var targets []pipeline.Target
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		if blank(record) {
			continue
		}
		targets = append(targets, pipeline.Target{
			Index:        len(targets),
			Name:         field(record, cols.name),
			URL:          field(record, cols.url),
			DeclaredType: pipeline.ParseSourceType(field(record, cols.typ)),
		})
	}
	return targets, nil
}

// ReadTargetsFile opens path and parses it with ReadTargets.
func ReadTargetsFile(path string) ([]pipeline.Target, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied input path
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only
	targets, err := ReadTargets(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return targets, nil
}

func locateColumns(header []string) (columns, error) {
	cols := columns{name: -1, url: -1, typ: -1}
	for i, raw := range header {
		h := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(raw, bom)))
		switch {
		case h == "name" && cols.name < 0:
			cols.name = i
		case h == "url" && cols.url < 0:
			cols.url = i
		case strings.HasPrefix(h, "type") && cols.typ < 0:
			cols.typ = i
		}
	}
	var missing []string
	if cols.name < 0 {
		missing = append(missing, "Name")
	}
	if cols.url < 0 {
		missing = append(missing, "URL")
	}
	if len(missing) > 0 {
		return cols, fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}
	return cols, nil
}

func field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// WriteResults writes the dataset with OutputHeader columns. Accessible is
// rendered as True or False.
func WriteResults(w io.Writer, results []pipeline.ExtractionResult) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(OutputHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, res := range results {
		row := []string{res.Title, res.Content, formatBool(res.Accessible), string(res.SourceType)}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write row %d: %w", res.Index, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush dataset: %w", err)
	}
	return nil
}

// WriteFile writes the dataset to path through a temporary file so readers
// never observe a partial table.
func WriteFile(path string, results []pipeline.ExtractionResult) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".dataset-*.csv")
	if err != nil {
		return fmt.Errorf("create temp output: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after rename

	if err := WriteResults(tmp, results); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp output: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("move output into place: %w", err)
	}
	return nil
}

// ReadResults parses a dataset previously written by WriteResults.
func ReadResults(r io.Reader) ([]pipeline.ExtractionResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := map[string]int{}
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, bom)))] = i
	}
	for _, col := range OutputHeader {
		if _, ok := idx[strings.ToLower(col)]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}

	var results []pipeline.ExtractionResult
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		if blank(record) {
			continue
		}
		results = append(results, pipeline.ExtractionResult{
			Index:      len(results),
			Title:      field(record, idx["title"]),
			Content:    field(record, idx["content"]),
			Accessible: strings.EqualFold(field(record, idx["accessible"]), "true"),
			SourceType: pipeline.ParseSourceType(field(record, idx["type"])),
		})
	}
	return results, nil
}

// ReadResultsFile opens path and parses it with ReadResults.
func ReadResultsFile(path string) ([]pipeline.ExtractionResult, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied dataset path
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only
	return ReadResults(f)
}

func formatBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}
