package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"idguard/internal/config"
	"idguard/internal/model"
)

// Backend is the durable side of the alert store. Append must keep only the
// most recent limit alerts.
type Backend interface {
	Init(ctx context.Context) error
	Load(ctx context.Context, limit int) ([]model.Alert, error)
	Append(ctx context.Context, alert model.Alert, limit int) error
	Clear(ctx context.Context) error
	Close() error
}

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// ReadError reports that the backing store could not be read.
type ReadError struct {
	Source string
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read alert store %s: %v", e.Source, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// DecodeError reports that the backing store was read but is not a valid
// alert list.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode alert store %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func NewBackend(cfg config.StorageConfig, logger *slog.Logger) (Backend, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "", "file", "json":
		return NewFileStore(cfg.DSN, logger), nil
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
}

type dialect struct {
	name   string
	schema []string
	insert string
	trim   string
	load   string
	clear  string
}

type baseStore struct {
	db      *sql.DB
	dialect dialect
}

func (b *baseStore) Init(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range b.dialect.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init %s schema: %w", b.dialect.name, err)
		}
	}
	return nil
}

// Append inserts the alert and trims older rows in one transaction, so
// concurrent writers never observe more than limit rows after commit.
func (b *baseStore) Append(ctx context.Context, alert model.Alert, limit int) error {
	if b.db == nil {
		return nil
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, b.dialect.insert,
		alert.ID,
		alert.Timestamp.UTC(),
		alert.UserID,
		string(alert.Severity),
		alert.RiskScore,
		string(alert.Source),
		string(payload),
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	if limit > 0 {
		if _, err := tx.ExecContext(ctx, b.dialect.trim, limit); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) Load(ctx context.Context, limit int) ([]model.Alert, error) {
	if b.db == nil {
		return nil, nil
	}
	rows, err := b.db.QueryContext(ctx, b.dialect.load, limit)
	if err != nil {
		return nil, &ReadError{Source: b.dialect.name, Err: err}
	}
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, &ReadError{Source: b.dialect.name, Err: err}
		}
		var alert model.Alert
		if err := json.Unmarshal([]byte(payload), &alert); err != nil {
			return nil, &DecodeError{Source: b.dialect.name, Err: err}
		}
		out = append(out, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, &ReadError{Source: b.dialect.name, Err: err}
	}
	// rows come newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (b *baseStore) Clear(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx, b.dialect.clear)
	return err
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
