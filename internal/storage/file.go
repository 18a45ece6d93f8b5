package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"idguard/internal/model"
)

const defaultAlertFile = "data/live_alerts.json"

// FileStore keeps alerts as one JSON array on disk. Every read-modify-write
// runs under an exclusive flock on a sibling lock file and replaces the data
// file by rename, so separate processes appending to the same path never lose
// each other's entries.
type FileStore struct {
	path   string
	logger *slog.Logger
}

func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if strings.TrimSpace(path) == "" {
		path = defaultAlertFile
	}
	return &FileStore{path: path, logger: logger}
}

func (s *FileStore) Path() string {
	return s.path
}

// Init creates the parent directory and an empty array if the file is missing.
// An existing file is never overwritten.
func (s *FileStore) Init(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return s.withLock(ctx, true, func() error {
		if _, err := os.Stat(s.path); err == nil {
			return nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return s.write(nil)
	})
}

func (s *FileStore) Load(ctx context.Context, limit int) ([]model.Alert, error) {
	var out []model.Alert
	err := s.withLock(ctx, false, func() error {
		alerts, err := s.read()
		if err != nil {
			return err
		}
		out = truncate(alerts, limit)
		return nil
	})
	return out, err
}

func (s *FileStore) Append(ctx context.Context, alert model.Alert, limit int) error {
	return s.withLock(ctx, true, func() error {
		alerts, err := s.read()
		if err != nil {
			// corrupted or unreadable store: start over with this alert
			if s.logger != nil {
				s.logger.Warn("alert file unreadable, rewriting as empty store", "path", s.path, "err", err)
			}
			alerts = nil
		}
		alerts = append(alerts, alert)
		return s.write(truncate(alerts, limit))
	})
}

func (s *FileStore) Clear(ctx context.Context) error {
	return s.withLock(ctx, true, func() error {
		return s.write(nil)
	})
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) withLock(ctx context.Context, exclusive bool, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lf, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer lf.Close()
	if err := lockFile(lf, exclusive); err != nil {
		return fmt.Errorf("lock %s: %w", s.path, err)
	}
	defer unlockFile(lf)
	return fn()
}

// read returns nil, nil for a missing or empty file.
func (s *FileStore) read() ([]model.Alert, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &ReadError{Source: s.path, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var alerts []model.Alert
	if err := json.Unmarshal(data, &alerts); err != nil {
		return nil, &DecodeError{Source: s.path, Err: err}
	}
	return alerts, nil
}

func (s *FileStore) write(alerts []model.Alert) error {
	if alerts == nil {
		alerts = []model.Alert{}
	}
	data, err := json.MarshalIndent(alerts, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}

func truncate(alerts []model.Alert, limit int) []model.Alert {
	if limit > 0 && len(alerts) > limit {
		return alerts[len(alerts)-limit:]
	}
	return alerts
}
