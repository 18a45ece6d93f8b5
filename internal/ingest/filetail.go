package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"idguard/internal/fswatch"
)

type TailConfig struct {
	Path         string
	StartAtEnd   bool
	PollInterval time.Duration
	// FailFast turns open and read errors into a returned error instead of a
	// retry loop.
	FailFast bool
}

// Tail follows a file line by line until ctx is done, reopening it after
// truncation or rotation. Lines are handed over without the trailing newline.
// File change notifications shorten the wait at end of file; the poll interval
// remains the upper bound.
func Tail(ctx context.Context, tc TailConfig, handle func(line string), logger *slog.Logger) error {
	poll := tc.PollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	var wake <-chan struct{}
	if w, err := fswatch.New(tc.Path); err == nil {
		defer w.Close()
		wake = w.Changes()
	} else if logger != nil {
		logger.Debug("file watch unavailable, polling only", "path", tc.Path, "err", err)
	}

	startAtEnd := tc.StartAtEnd
	for {
		if ctx.Err() != nil {
			return nil
		}
		file, err := os.Open(tc.Path)
		if err != nil {
			if tc.FailFast {
				return err
			}
			if logger != nil {
				logger.Warn("tail open failed", "path", tc.Path, "err", err)
			}
			if !BackoffSleep(ctx, 500*time.Millisecond) {
				return nil
			}
			continue
		}
		var offset int64
		if startAtEnd {
			if pos, err := file.Seek(0, io.SeekEnd); err == nil {
				offset = pos
			}
		}
		// a reopened file is new content and is read from the start
		startAtEnd = false

		err = follow(ctx, file, offset, tc.Path, poll, wake, handle)
		file.Close()
		if err == nil {
			return nil
		}
		if errors.Is(err, errReopen) {
			if logger != nil {
				logger.Info("tail file rotated, reopening", "path", tc.Path)
			}
			continue
		}
		if tc.FailFast {
			return err
		}
		if logger != nil {
			logger.Warn("tail read error", "path", tc.Path, "err", err)
		}
	}
}

var errReopen = errors.New("file rotated")

func follow(ctx context.Context, file *os.File, offset int64, path string, poll time.Duration, wake <-chan struct{}, handle func(string)) error {
	reader := bufio.NewReader(file)
	var pending string
	for {
		chunk, err := reader.ReadString('\n')
		if err == nil {
			offset += int64(len(chunk))
			line := pending + chunk
			pending = ""
			handle(trimNewline(line))
			continue
		}
		if err != io.EOF {
			return err
		}
		pending += chunk
		offset += int64(len(chunk))
		if !waitForData(ctx, poll, wake) {
			return nil
		}
		if rotated(file, path, offset) {
			return errReopen
		}
	}
}

func waitForData(ctx context.Context, poll time.Duration, wake <-chan struct{}) bool {
	t := time.NewTimer(poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case _, ok := <-wake:
		if !ok {
			select {
			case <-ctx.Done():
				return false
			case <-t.C:
			}
		}
		return true
	}
}

func rotated(file *os.File, path string, offset int64) bool {
	pathInfo, err := os.Stat(path)
	if err != nil {
		return false
	}
	fileInfo, err := file.Stat()
	if err != nil {
		return true
	}
	if !os.SameFile(pathInfo, fileInfo) {
		return true
	}
	return pathInfo.Size() < offset
}

func trimNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
		if n := len(s); n > 0 && s[n-1] == '\r' {
			s = s[:n-1]
		}
	}
	return s
}
