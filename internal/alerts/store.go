package alerts

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"idguard/internal/config"
	"idguard/internal/model"
	"idguard/internal/storage"
)

var ErrClosed = errors.New("alert store closed")

type request struct {
	ctx   context.Context
	alert model.Alert
	clear bool
	reply chan error
}

// Store is the bounded alert list. All mutations go through one writer
// goroutine, which persists to the backend before updating the in-memory ring.
type Store struct {
	mu      sync.RWMutex
	buf     []model.Alert
	limit   int
	backend storage.Backend
	logger  *slog.Logger

	lifecycle sync.RWMutex
	closed    bool
	reqs      chan request
	done      chan struct{}
}

// Open loads the most recent alerts from backend. A backend that cannot be
// read or decoded is logged and treated as empty; the next append rewrites it.
func Open(ctx context.Context, limit int, backend storage.Backend, logger *slog.Logger) (*Store, error) {
	if limit <= 0 {
		limit = config.DefaultAlertStoreLimit
	}
	s := &Store{
		limit:   limit,
		backend: backend,
		logger:  logger,
		reqs:    make(chan request, 64),
		done:    make(chan struct{}),
	}
	if backend != nil {
		if err := backend.Init(ctx); err != nil {
			return nil, err
		}
		loaded, err := backend.Load(ctx, limit)
		if err != nil {
			if logger != nil {
				logger.Warn("alert store unreadable, starting empty", "err", err)
			}
			loaded = nil
		}
		s.buf = loaded
	}
	go s.run()
	return s, nil
}

func NewMemoryStore(limit int) *Store {
	s, _ := Open(context.Background(), limit, nil, nil)
	return s
}

func (s *Store) Limit() int {
	return s.limit
}

// Append blocks until the alert is persisted. ctx only bounds the wait for a
// slot in the writer queue.
func (s *Store) Append(ctx context.Context, alert model.Alert) error {
	return s.submit(ctx, request{ctx: ctx, alert: alert, reply: make(chan error, 1)})
}

func (s *Store) Clear(ctx context.Context) error {
	return s.submit(ctx, request{ctx: ctx, clear: true, reply: make(chan error, 1)})
}

func (s *Store) submit(ctx context.Context, req request) error {
	s.lifecycle.RLock()
	if s.closed {
		s.lifecycle.RUnlock()
		return ErrClosed
	}
	select {
	case s.reqs <- req:
	case <-ctx.Done():
		s.lifecycle.RUnlock()
		return ctx.Err()
	}
	s.lifecycle.RUnlock()
	// A queued request is always applied, so its outcome is the answer even
	// when ctx ends first.
	return <-req.reply
}

func (s *Store) run() {
	defer close(s.done)
	for req := range s.reqs {
		req.reply <- s.apply(req)
	}
}

func (s *Store) apply(req request) error {
	if req.clear {
		return s.clear(req.ctx)
	}
	if s.backend != nil {
		ctx := req.ctx
		if ctx.Err() != nil {
			// the caller gave up, but the alert was accepted: persist it anyway
			ctx = context.Background()
		}
		if err := s.backend.Append(ctx, req.alert, s.limit); err != nil {
			if s.logger != nil {
				s.logger.Error("alert persist failed", "alert_id", req.alert.ID, "err", err)
			}
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, req.alert)
		return nil
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = req.alert
	return nil
}

// ReadAll returns every retained alert ordered by timestamp. Producers may
// append out of timestamp order, so store order is not trusted.
func (s *Store) ReadAll() []model.Alert {
	s.mu.RLock()
	out := make([]model.Alert, len(s.buf))
	copy(out, s.buf)
	s.mu.RUnlock()
	sortByTimestamp(out)
	return out
}

// List returns the most recent limit alerts by timestamp.
func (s *Store) List(limit int) []model.Alert {
	all := s.ReadAll()
	if limit <= 0 || limit > len(all) {
		return all
	}
	return all[len(all)-limit:]
}

func (s *Store) Since(ts time.Time) []model.Alert {
	out := make([]model.Alert, 0)
	for _, a := range s.ReadAll() {
		if !a.Timestamp.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) clear(ctx context.Context) error {
	if s.backend != nil {
		if err := s.backend.Clear(ctx); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.buf = nil
	s.mu.Unlock()
	return nil
}

// Close stops accepting appends, waits for queued ones to be persisted and
// closes the backend.
func (s *Store) Close() error {
	s.lifecycle.Lock()
	if s.closed {
		s.lifecycle.Unlock()
		return nil
	}
	s.closed = true
	close(s.reqs)
	s.lifecycle.Unlock()
	<-s.done
	if s.backend != nil {
		return s.backend.Close()
	}
	return nil
}

func sortByTimestamp(alerts []model.Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].Timestamp.Before(alerts[j].Timestamp)
	})
}
