package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"idguard/internal/model"
)

const replayCapacity = 10000

type replayKey [sha256.Size]byte

type replayEntry struct {
	key  replayKey
	seen time.Time
}

// ReplayCache drops identical events observed twice within a window, such as
// the same sshd line arriving through both syslog and a file tail, or a Kafka
// redelivery. Entries expire in arrival order; once replayCapacity keys are
// held the oldest is forgotten early.
type ReplayCache struct {
	mu    sync.Mutex
	last  map[replayKey]time.Time
	queue []replayEntry
}

func NewReplayCache() *ReplayCache {
	return &ReplayCache{last: make(map[replayKey]time.Time)}
}

// Seen records key at now and reports whether it was already recorded within
// window.
func (c *ReplayCache) Seen(key replayKey, now time.Time, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(now, window)
	if at, ok := c.last[key]; ok && now.Sub(at) <= window {
		return true
	}
	c.last[key] = now
	c.queue = append(c.queue, replayEntry{key: key, seen: now})
	for len(c.queue) > replayCapacity {
		c.drop(c.queue[0])
		c.queue = c.queue[1:]
	}
	return false
}

func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}

func (c *ReplayCache) Reset() {
	c.mu.Lock()
	c.last = make(map[replayKey]time.Time)
	c.queue = nil
	c.mu.Unlock()
}

func (c *ReplayCache) expire(now time.Time, window time.Duration) {
	n := 0
	for n < len(c.queue) && now.Sub(c.queue[n].seen) > window {
		c.drop(c.queue[n])
		n++
	}
	if n > 0 {
		c.queue = append(c.queue[:0:0], c.queue[n:]...)
	}
}

// drop removes e from the index unless the key was refreshed after e.
func (c *ReplayCache) drop(e replayEntry) {
	if at, ok := c.last[e.key]; ok && !at.After(e.seen) {
		delete(c.last, e.key)
	}
}

// eventKey fingerprints the fields that identify one observation. Fields are
// length prefixed so adjacent values cannot run together.
func eventKey(ev model.NormalizedEvent) replayKey {
	h := sha256.New()
	var n [8]byte
	field := func(s string) {
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	field(ev.UserID)
	field(ev.AuthType)
	field(ev.AccessResult)
	field(ev.ResourceName)
	field(ev.IP)
	field(string(ev.ViolationKey()))
	if ev.MLAnomaly {
		field("1")
	} else {
		field("0")
	}
	binary.BigEndian.PutUint64(n[:], uint64(ev.Timestamp.UnixNano()))
	h.Write(n[:])
	var key replayKey
	h.Sum(key[:0])
	return key
}
