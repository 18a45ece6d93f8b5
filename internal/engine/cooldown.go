package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"idguard/internal/model"
)

const DefaultCooldown = 30 * time.Second

// CooldownStore records the last emission per dedup key. CheckAndSet must be
// atomic: it returns true and stores now only when the key was never seen or
// its last emission is older than cooldown.
type CooldownStore interface {
	CheckAndSet(ctx context.Context, key string, now time.Time, cooldown time.Duration) (bool, error)
	Reset(ctx context.Context) error
}

type MemoryCooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{last: make(map[string]time.Time)}
}

func (c *MemoryCooldown) CheckAndSet(_ context.Context, key string, now time.Time, cooldown time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok && now.Sub(ts) <= cooldown {
		return false, nil
	}
	c.last[key] = now
	return true, nil
}

func (c *MemoryCooldown) Reset(context.Context) error {
	c.mu.Lock()
	c.last = make(map[string]time.Time)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}

// Deduplicator suppresses alerts sharing a dedup key inside the cooldown.
type Deduplicator struct {
	store    CooldownStore
	cooldown time.Duration
	logger   *slog.Logger
}

func NewDeduplicator(store CooldownStore, cooldown time.Duration, logger *slog.Logger) *Deduplicator {
	if store == nil {
		store = NewMemoryCooldown()
	}
	return &Deduplicator{store: store, cooldown: cooldown, logger: logger}
}

// ShouldEmit fails open: a cooldown store error lets the alert through.
func (d *Deduplicator) ShouldEmit(ctx context.Context, key string, now time.Time) bool {
	if d.cooldown <= 0 {
		return true
	}
	ok, err := d.store.CheckAndSet(ctx, key, now, d.cooldown)
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("cooldown check failed, emitting alert", "dedup_key", key, "err", err)
		}
		return true
	}
	return ok
}

func (d *Deduplicator) Reset(ctx context.Context) error {
	return d.store.Reset(ctx)
}

// DedupKey composes the suppression key from subject, resource and violation.
func DedupKey(subject, resource string, kind model.ViolationKind) string {
	return strings.Join([]string{string(kind), subject, resource}, ":")
}
