package metrics

import (
	"sort"
	"sync"
	"time"

	"idguard/internal/model"
)

// IdentitySnapshot is the latest risk view of one identity.
type IdentitySnapshot struct {
	UserID       string         `json:"user_id"`
	LastScore    int            `json:"last_score"`
	Severity     model.Severity `json:"alert_level"`
	Trend        model.Trend    `json:"risk_trend"`
	History      []int          `json:"risk_history"`
	ActiveAttack bool           `json:"active_attack"`
	Events       uint64         `json:"events"`
	Alerts       uint64         `json:"alerts"`
	LastSource   model.Source   `json:"last_source"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type Store struct {
	mu         sync.RWMutex
	byIdentity map[string]*IdentitySnapshot
	limit      int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byIdentity: make(map[string]*IdentitySnapshot),
		limit:      limit,
	}
}

func (s *Store) Update(snap IdentitySnapshot, alerted bool) {
	if snap.UserID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byIdentity[snap.UserID]
	if !ok {
		cur = &IdentitySnapshot{UserID: snap.UserID}
		s.byIdentity[snap.UserID] = cur
	}
	events, alerts := cur.Events+1, cur.Alerts
	if alerted {
		alerts++
	}
	*cur = snap
	cur.Events = events
	cur.Alerts = alerts
	if cur.UpdatedAt.IsZero() {
		cur.UpdatedAt = time.Now().UTC()
	}
	if len(s.byIdentity) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(userID string) (IdentitySnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byIdentity[userID]
	if !ok {
		return IdentitySnapshot{}, false
	}
	return copySnapshot(snap), true
}

// All returns every snapshot, highest last score first.
func (s *Store) All() []IdentitySnapshot {
	s.mu.RLock()
	out := make([]IdentitySnapshot, 0, len(s.byIdentity))
	for _, snap := range s.byIdentity {
		out = append(out, copySnapshot(snap))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastScore != out[j].LastScore {
			return out[i].LastScore > out[j].LastScore
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (s *Store) ActiveAttacks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, snap := range s.byIdentity {
		if snap.ActiveAttack {
			n++
		}
	}
	return n
}

func (s *Store) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, snap := range s.byIdentity {
		if oldestID == "" || snap.UpdatedAt.Before(oldest) {
			oldestID = id
			oldest = snap.UpdatedAt
		}
	}
	if oldestID != "" {
		delete(s.byIdentity, oldestID)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byIdentity = make(map[string]*IdentitySnapshot)
}

func copySnapshot(snap *IdentitySnapshot) IdentitySnapshot {
	out := *snap
	out.History = append([]int(nil), snap.History...)
	return out
}
