package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const grantsFilename = "approval_grants.json"

// GrantStore persists the set of tool names the user has authorized.
// The on-disk format is a sorted JSON array of names; writes fsync.
type GrantStore struct {
	mu     sync.Mutex
	path   string
	grants map[string]struct{}
}

// NewGrantStore loads (or initializes) the grant set stored in dir.
func NewGrantStore(dir string) (*GrantStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tools: create grants dir: %w", err)
	}
	s := &GrantStore{
		path:   filepath.Join(dir, grantsFilename),
		grants: make(map[string]struct{}),
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tools: read grants: %w", err)
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("tools: parse grants: %w", err)
	}
	for _, name := range names {
		s.grants[name] = struct{}{}
	}
	return s, nil
}

// Contains reports whether a tool has been granted.
func (s *GrantStore) Contains(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.grants[name]
	return ok
}

// Grant records an authorization and persists the set.
func (s *GrantStore) Grant(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[name]; ok {
		return nil
	}
	s.grants[name] = struct{}{}
	return s.persistLocked()
}

// Revoke removes an authorization and persists the set.
func (s *GrantStore) Revoke(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[name]; !ok {
		return nil
	}
	delete(s.grants, name)
	return s.persistLocked()
}

// List returns the granted names, sorted.
func (s *GrantStore) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

func (s *GrantStore) sortedLocked() []string {
	names := make([]string, 0, len(s.grants))
	for name := range s.grants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *GrantStore) persistLocked() error {
	data, err := json.MarshalIndent(s.sortedLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("tools: marshal grants: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("tools: write grants: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("tools: write grants: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("tools: sync grants: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("tools: close grants: %w", err)
	}
	return os.Rename(tmp, s.path)
}
