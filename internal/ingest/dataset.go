package ingest

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"idguard/internal/model"
	"idguard/internal/normalize"
)

// LoadDataset reads a batch input file. Files ending in .csv go through
// ReadCSV; anything else is read line by line as JSON objects, CSV rows after
// a header line, or key=value text.
func LoadDataset(path string, normalizer *normalize.Normalizer, logger *slog.Logger) ([]model.NormalizedEvent, error) {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return LoadCSV(path, normalizer, logger)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return ReadLines(f, normalizer, logger)
}

func ReadLines(r io.Reader, normalizer *normalize.Normalizer, logger *slog.Logger) ([]model.NormalizedEvent, error) {
	parser := NewParser()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		events  []model.NormalizedEvent
		skipped int
		line    int
	)
	for sc.Scan() {
		line++
		rec, err := parser.ParseLine(sc.Text())
		if err == nil && rec == nil {
			continue
		}
		var ev model.NormalizedEvent
		if err == nil {
			ev, err = normalizer.Normalize(rec)
		}
		if err != nil {
			skipped++
			if logger != nil {
				logger.Warn("dataset line skipped", "line", line, "err", err)
			}
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return events, fmt.Errorf("read dataset: %w", err)
	}
	if logger != nil {
		logger.Info("dataset loaded", "events", len(events), "skipped", skipped)
	}
	return events, nil
}
