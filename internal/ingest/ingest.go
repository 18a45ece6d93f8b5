package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"idguard/internal/model"
)

// ErrProducerFatal marks an error that stopped one producer. Other producers
// keep running.
var ErrProducerFatal = errors.New("producer stopped")

func fatal(producer string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrProducerFatal, producer, err)
}

// reportFatal delivers err without blocking; errs may be nil.
func reportFatal(errs chan<- error, err error, logger *slog.Logger) {
	if logger != nil {
		logger.Error("producer failed", "err", err)
	}
	if errs == nil {
		return
	}
	select {
	case errs <- err:
	default:
	}
}

func SendNonBlocking(ctx context.Context, out chan<- model.NormalizedEvent, ev model.NormalizedEvent, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("event channel full, dropping event", "user_id", ev.UserID, "source", ev.Source, "timestamp", ev.Timestamp)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
