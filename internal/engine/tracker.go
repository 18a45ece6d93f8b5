package engine

import (
	"sync"

	"idguard/internal/model"
)

const (
	DefaultHistoryWindow  = 10
	activeAttackMinSample = 5
	activeAttackMinHigh   = 3
	criticalScore         = 70
	trendMinSamples       = 3
)

// RiskHistory is a fixed-capacity FIFO of the most recent scores.
type RiskHistory struct {
	scores   []int
	capacity int
}

func NewRiskHistory(capacity int) *RiskHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryWindow
	}
	return &RiskHistory{scores: make([]int, 0, capacity), capacity: capacity}
}

func (h *RiskHistory) Add(score int) {
	if len(h.scores) < h.capacity {
		h.scores = append(h.scores, score)
		return
	}
	copy(h.scores, h.scores[1:])
	h.scores[len(h.scores)-1] = score
}

func (h *RiskHistory) Len() int {
	return len(h.scores)
}

func (h *RiskHistory) Snapshot() []int {
	out := make([]int, len(h.scores))
	copy(out, h.scores)
	return out
}

func (h *RiskHistory) Trend() model.Trend {
	n := len(h.scores)
	if n < trendMinSamples {
		return model.TrendStable
	}
	last, prev, prev2 := h.scores[n-1], h.scores[n-2], h.scores[n-3]
	if last > prev && prev > prev2 {
		return model.TrendEscalating
	}
	if last < prev {
		return model.TrendDecreasing
	}
	return model.TrendStable
}

func (h *RiskHistory) ActiveAttack() bool {
	if len(h.scores) < activeAttackMinSample {
		return false
	}
	high := 0
	for _, s := range h.scores {
		if s >= criticalScore {
			high++
		}
	}
	return high >= activeAttackMinHigh
}

// Observation is the tracker state for one identity right after an update.
type Observation struct {
	Trend        model.Trend
	History      []int
	ActiveAttack bool
}

// Tracker keeps one RiskHistory per identity. Histories are created lazily and
// never evicted.
type Tracker struct {
	mu        sync.Mutex
	capacity  int
	histories map[string]*RiskHistory
}

func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultHistoryWindow
	}
	return &Tracker{capacity: capacity, histories: make(map[string]*RiskHistory)}
}

func (t *Tracker) Update(userID string, score int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history(userID).Add(score)
}

// Observe appends score and reads trend and active-attack status under one lock.
func (t *Tracker) Observe(userID string, score int) Observation {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.history(userID)
	h.Add(score)
	return Observation{Trend: h.Trend(), History: h.Snapshot(), ActiveAttack: h.ActiveAttack()}
}

func (t *Tracker) Trend(userID string) (model.Trend, []int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.histories[userID]
	if !ok {
		return model.TrendStable, []int{}
	}
	return h.Trend(), h.Snapshot()
}

func (t *Tracker) IsActiveAttack(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.histories[userID]
	if !ok {
		return false
	}
	return h.ActiveAttack()
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.histories)
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	t.histories = make(map[string]*RiskHistory)
	t.mu.Unlock()
}

func (t *Tracker) history(userID string) *RiskHistory {
	h, ok := t.histories[userID]
	if !ok {
		h = NewRiskHistory(t.capacity)
		t.histories[userID] = h
	}
	return h
}
