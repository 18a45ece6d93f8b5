package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"idguard/internal/fswatch"
)

// Rule is the per-user entry of the policy file.
type Rule struct {
	Allowed []string `json:"allowed" yaml:"allowed"`
}

// Set answers whether a user may touch a protected path. Users without an
// entry are allowed nothing.
type Set struct {
	allowed map[string]map[string]struct{}
}

func NewSet(rules map[string]Rule) *Set {
	s := &Set{allowed: make(map[string]map[string]struct{}, len(rules))}
	for user, r := range rules {
		user = strings.TrimSpace(user)
		if user == "" {
			continue
		}
		paths := make(map[string]struct{}, len(r.Allowed))
		for _, p := range r.Allowed {
			if p = normalizePath(p); p != "" {
				paths[p] = struct{}{}
			}
		}
		s.allowed[user] = paths
	}
	return s
}

func (s *Set) IsAllowed(user, path string) bool {
	if s == nil {
		return false
	}
	paths, ok := s.allowed[user]
	if !ok {
		return false
	}
	_, ok = paths[normalizePath(path)]
	return ok
}

func (s *Set) Users() int {
	if s == nil {
		return 0
	}
	return len(s.allowed)
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return filepath.Clean(p)
}

func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rules := map[string]Rule{}
	trimmed := strings.TrimSpace(string(data))
	if trimmed != "" {
		if strings.HasPrefix(trimmed, "{") {
			err = json.Unmarshal([]byte(trimmed), &rules)
		} else {
			err = yaml.Unmarshal([]byte(trimmed), &rules)
		}
		if err != nil {
			return nil, fmt.Errorf("decode policy %s: %w", path, err)
		}
	}
	return NewSet(rules), nil
}

// Store holds the current Set and swaps it on reload.
type Store struct {
	current atomic.Pointer[Set]
	path    string
	logger  *slog.Logger
}

func Open(path string, logger *slog.Logger) (*Store, error) {
	set, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, logger: logger}
	s.current.Store(set)
	return s, nil
}

func (s *Store) IsAllowed(user, path string) bool {
	return s.current.Load().IsAllowed(user, path)
}

func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	return fswatch.WatchFile(ctx, s.path, fswatch.DefaultDebounce, func() {
		set, err := Load(s.path)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("policy reload failed", "path", s.path, "err", err)
			}
			return
		}
		s.current.Store(set)
		if s.logger != nil {
			s.logger.Info("policy reloaded", "path", s.path, "users", set.Users())
		}
	}, nil)
}
