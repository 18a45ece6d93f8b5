package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"idguard/internal/model"
	"idguard/internal/normalize"
)

// LoadCSV reads a batch dataset. The header must carry every required
// column; rows that fail normalization are skipped with a warning.
func LoadCSV(path string, normalizer *normalize.Normalizer, logger *slog.Logger) ([]model.NormalizedEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()
	return ReadCSV(f, normalizer, logger)
}

func ReadCSV(r io.Reader, normalizer *normalize.Normalizer, logger *slog.Logger) ([]model.NormalizedEvent, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	row, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read dataset header: %w", io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("read dataset header: %w", err)
	}
	if err := normalize.ValidateColumns(row); err != nil {
		return nil, err
	}
	header := canonicalHeader(row)

	var (
		events  []model.NormalizedEvent
		skipped int
		line    = 1
	)
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			skipped++
			if logger != nil {
				logger.Warn("dataset row unreadable", "line", line, "err", err)
			}
			continue
		}
		ev, err := normalizer.Normalize(recordFromRow(header, row))
		if err != nil {
			skipped++
			if logger != nil {
				logger.Warn("dataset row skipped", "line", line, "err", err)
			}
			continue
		}
		events = append(events, ev)
	}
	if logger != nil {
		logger.Info("dataset loaded", "events", len(events), "skipped", skipped)
	}
	return events, nil
}
