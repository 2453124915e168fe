package workflow

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// maxEventLineBytes bounds a single event-log line.
const maxEventLineBytes = 4 << 20

// Store persists project event logs as JSON-lines files under
// <root>/projects/, one file per project, plus a snapshot of the
// folded state next to each log. The log is the source of truth; the
// snapshot is a cache.
type Store struct {
	root   string
	mu     sync.Mutex
	logger *slog.Logger
}

// StoreOption configures a store.
type StoreOption func(*Store)

// WithStoreLogger sets the store logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates the projects directory if needed.
func NewStore(root string, opts ...StoreOption) (*Store, error) {
	dir := filepath.Join(root, "projects")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workflow: create projects dir: %w", err)
	}
	s := &Store{root: dir, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) logPath(id string) string {
	return filepath.Join(s.root, id+".jsonl")
}

func (s *Store) snapshotPath(id string) string {
	return filepath.Join(s.root, id+".json")
}

// Append writes one event line and refreshes the snapshot.
func (s *Store) Append(project *Project, ev *WorkflowEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("workflow: marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.logPath(project.ID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("workflow: open event log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("workflow: append event: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("workflow: close event log: %w", err)
	}

	if err := s.writeSnapshotLocked(project); err != nil {
		// The log is authoritative; a stale snapshot self-heals on
		// the next append.
		s.logger.Warn("failed to refresh snapshot", "project", project.ID, "error", err)
	}
	return nil
}

// LoadEvents reads a project's full event log.
func (s *Store) LoadEvents(id string) ([]WorkflowEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.logPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("workflow: open event log: %w", err)
	}
	defer f.Close()

	var events []WorkflowEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxEventLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev WorkflowEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("workflow: malformed event line %d: %w", lineNo, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("workflow: scan event log: %w", err)
	}
	return events, nil
}

// Load rebuilds a project by replaying its event log.
func (s *Store) Load(id string) (*Project, error) {
	events, err := s.LoadEvents(id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("workflow: project %s not found", id)
	}
	return Replay(events)
}

// List returns the ids of all stored projects.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("workflow: read projects dir: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) == ".jsonl" {
			ids = append(ids, name[:len(name)-len(".jsonl")])
		}
	}
	return ids, nil
}

func (s *Store) writeSnapshotLocked(project *Project) error {
	data, err := json.MarshalIndent(project, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.snapshotPath(project.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath(project.ID))
}
