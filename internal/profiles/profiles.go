package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"idguard/internal/fswatch"
	"idguard/internal/model"
)

const topN = 3

// Store is the read-only profile lookup handed to the scorer. The whole map is
// swapped on reload so readers never see a partial update.
type Store struct {
	profiles atomic.Pointer[map[string]model.RiskProfile]
	path     string
	logger   *slog.Logger
}

func NewStore(profiles map[string]model.RiskProfile) *Store {
	s := &Store{}
	s.Replace(profiles)
	return s
}

// Open loads path. A missing file yields an empty store, since scoring
// without baselines is valid.
func Open(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger}
	profiles, err := Load(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if logger != nil {
			logger.Warn("profile file not found, profile rules disabled", "path", path)
		}
		profiles = nil
	}
	s.Replace(profiles)
	return s, nil
}

func (s *Store) Get(userID string) (model.RiskProfile, bool) {
	m := s.profiles.Load()
	if m == nil {
		return model.RiskProfile{}, false
	}
	p, ok := (*m)[userID]
	return p, ok
}

func (s *Store) Len() int {
	if m := s.profiles.Load(); m != nil {
		return len(*m)
	}
	return 0
}

func (s *Store) Replace(profiles map[string]model.RiskProfile) {
	cp := make(map[string]model.RiskProfile, len(profiles))
	for k, v := range profiles {
		cp[k] = v
	}
	s.profiles.Store(&cp)
}

func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	profiles, err := Load(s.path)
	if err != nil {
		return err
	}
	s.Replace(profiles)
	if s.logger != nil {
		s.logger.Info("profiles reloaded", "path", s.path, "identities", len(profiles))
	}
	return nil
}

// Watch reloads the store whenever its file changes. A failed reload keeps the
// previous profiles.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return errors.New("profile store has no backing file")
	}
	return fswatch.WatchFile(ctx, s.path, fswatch.DefaultDebounce, func() {
		if err := s.Reload(); err != nil && s.logger != nil {
			s.logger.Warn("profile reload failed", "path", s.path, "err", err)
		}
	}, func(err error) {
		if s.logger != nil {
			s.logger.Warn("profile watch error", "err", err)
		}
	})
}

// Load reads a JSON or YAML profile map keyed by user id.
func Load(path string) (map[string]model.RiskProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	out := map[string]model.RiskProfile{}
	if trimmed == "" {
		return out, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		err = json.Unmarshal([]byte(trimmed), &out)
	} else {
		err = yaml.Unmarshal([]byte(trimmed), &out)
	}
	if err != nil {
		return nil, fmt.Errorf("decode profiles %s: %w", path, err)
	}
	return out, nil
}

func Save(path string, profiles map[string]model.RiskProfile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(profiles)
	default:
		data, err = json.MarshalIndent(profiles, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Build derives a baseline per identity from historical events: mean login
// hour, failed attempts and sensitivity, plus the three most frequent
// countries and resources. Frequency ties keep first-seen order.
func Build(events []model.NormalizedEvent) map[string]model.RiskProfile {
	type acc struct {
		n           int
		hours       int
		failed      int
		sensitivity int
		countries   *counter
		resources   *counter
	}
	by := map[string]*acc{}
	for _, ev := range events {
		a, ok := by[ev.UserID]
		if !ok {
			a = &acc{countries: newCounter(), resources: newCounter()}
			by[ev.UserID] = a
		}
		a.n++
		a.hours += ev.HourOfDay
		a.failed += ev.FailedAttemptsBeforeSuccess
		a.sensitivity += ev.ResourceSensitivity
		a.countries.add(ev.Country)
		a.resources.add(ev.ResourceName)
	}
	out := make(map[string]model.RiskProfile, len(by))
	for id, a := range by {
		n := float64(a.n)
		out[id] = model.RiskProfile{
			AvgLoginHour:           float64(a.hours) / n,
			CommonCountries:        a.countries.top(topN),
			CommonResources:        a.resources.top(topN),
			AvgFailedAttempts:      float64(a.failed) / n,
			AvgResourceSensitivity: float64(a.sensitivity) / n,
		}
	}
	return out
}

type counter struct {
	counts map[string]int
	order  []string
}

func newCounter() *counter {
	return &counter{counts: map[string]int{}}
}

func (c *counter) add(v string) {
	if v == "" {
		return
	}
	if _, ok := c.counts[v]; !ok {
		c.order = append(c.order, v)
	}
	c.counts[v]++
}

func (c *counter) top(n int) []string {
	keys := append([]string(nil), c.order...)
	sort.SliceStable(keys, func(i, j int) bool {
		return c.counts[keys[i]] > c.counts[keys[j]]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}
