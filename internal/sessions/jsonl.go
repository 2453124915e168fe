package sessions

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/valetlabs/valet/pkg/models"
)

const indexFilename = "_sessions.jsonl"

// maxLineBytes bounds a single JSONL line. Tool results are truncated
// well below this before they reach the store.
const maxLineBytes = 4 << 20

// JSONLStore stores sessions under a root directory as JSON-lines files.
type JSONLStore struct {
	root   string
	locker *PathLocker
	logger *slog.Logger
	now    func() time.Time
}

// StoreOption configures a JSONLStore.
type StoreOption func(*JSONLStore)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *JSONLStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) StoreOption {
	return func(s *JSONLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewJSONLStore creates the root directory if needed and returns a store.
func NewJSONLStore(root string, opts ...StoreOption) (*JSONLStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: create root: %w", err)
	}
	s := &JSONLStore{
		root:   root,
		locker: NewPathLocker(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *JSONLStore) indexPath() string {
	return filepath.Join(s.root, indexFilename)
}

func (s *JSONLStore) sessionPath(id string) string {
	return filepath.Join(s.root, id+".jsonl")
}

// Create persists a new session: its header becomes the first line of a
// fresh session file and is appended to the index.
func (s *JSONLStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("sessions: create: missing id")
	}

	path := s.sessionPath(session.ID)
	unlock := s.locker.LockAll(path, s.indexPath())
	defer unlock()

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("sessions: create: session %s already exists", session.ID)
	}

	header, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("sessions: marshal header: %w", err)
	}
	if err := os.WriteFile(path, append(header, '\n'), 0o600); err != nil {
		return fmt.Errorf("sessions: write session file: %w", err)
	}
	if err := appendLine(s.indexPath(), header); err != nil {
		return fmt.Errorf("sessions: update index: %w", err)
	}
	return nil
}

// AppendTurn appends one turn line to the session file. Each turn is a
// single write so readers never observe a partial line.
func (s *JSONLStore) AppendTurn(ctx context.Context, id string, turn models.Turn) error {
	path := s.sessionPath(id)
	unlock := s.locker.Lock(path)
	defer unlock()

	header, err := s.readHeader(path)
	if err != nil {
		return err
	}
	if header.Ended != nil {
		return ErrClosed
	}

	if turn.Timestamp.IsZero() {
		turn.Timestamp = models.Timestamp(s.now())
	}
	line, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("sessions: marshal turn: %w", err)
	}
	return appendLine(path, line)
}

// Load reads a session and all of its turns.
func (s *JSONLStore) Load(ctx context.Context, id string) (*models.Session, error) {
	path := s.sessionPath(id)
	unlock := s.locker.Lock(path)
	defer unlock()

	return s.loadLocked(path, id)
}

func (s *JSONLStore) loadLocked(path, id string) (*models.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessions: open: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	if !scanner.Scan() {
		return nil, ErrNotFound
	}
	var session models.Session
	if err := json.Unmarshal(scanner.Bytes(), &session); err != nil || session.ID != id {
		s.logger.Warn("session header malformed", "id", id, "error", err)
		return nil, ErrNotFound
	}

	lineNo := 1
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var turn models.Turn
		if err := json.Unmarshal(line, &turn); err != nil {
			s.logger.Warn("skipping malformed turn line", "id", id, "line", lineNo, "error", err)
			continue
		}
		session.Turns = append(session.Turns, turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sessions: scan: %w", err)
	}
	return &session, nil
}

// List scans the index file only.
func (s *JSONLStore) List(ctx context.Context, filter ListFilter, limit int) ([]*models.Session, error) {
	unlock := s.locker.Lock(s.indexPath())
	defer unlock()

	f, err := os.Open(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sessions: open index: %w", err)
	}
	defer f.Close()

	var out []*models.Session
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var header models.Session
		if err := json.Unmarshal(line, &header); err != nil {
			s.logger.Warn("skipping malformed index line", "line", lineNo, "error", err)
			continue
		}
		if filter.Agent != "" && header.Agent != filter.Agent {
			continue
		}
		if filter.Channel != "" && header.Channel != filter.Channel {
			continue
		}
		if !filter.Since.IsZero() && header.Started.Before(filter.Since) {
			continue
		}
		h := header
		out = append(out, &h)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sessions: scan index: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Started.After(out[j].Started)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close marks the session ended. Both the session file and the index are
// rewritten under held locks, acquired in sorted order.
func (s *JSONLStore) Close(ctx context.Context, id string) error {
	path := s.sessionPath(id)
	unlock := s.locker.LockAll(path, s.indexPath())
	defer unlock()

	session, err := s.loadLocked(path, id)
	if err != nil {
		return err
	}
	if session.Ended != nil {
		return nil
	}
	ended := models.Timestamp(s.now())
	session.Ended = &ended

	if err := s.rewriteSessionLocked(path, session); err != nil {
		return err
	}
	return s.rewriteIndexLocked(session)
}

func (s *JSONLStore) rewriteSessionLocked(path string, session *models.Session) error {
	var buf bytes.Buffer
	header, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("sessions: marshal header: %w", err)
	}
	buf.Write(header)
	buf.WriteByte('\n')
	for _, turn := range session.Turns {
		line, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("sessions: marshal turn: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return replaceFile(path, buf.Bytes())
}

func (s *JSONLStore) rewriteIndexLocked(updated *models.Session) error {
	existing, err := os.ReadFile(s.indexPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sessions: read index: %w", err)
	}

	var buf bytes.Buffer
	replaced := false
	for _, line := range bytes.Split(existing, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var header models.Session
		if err := json.Unmarshal(line, &header); err == nil && header.ID == updated.ID {
			line, err = json.Marshal(updated)
			if err != nil {
				return fmt.Errorf("sessions: marshal header: %w", err)
			}
			replaced = true
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if !replaced {
		line, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("sessions: marshal header: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return replaceFile(s.indexPath(), buf.Bytes())
}

func (s *JSONLStore) readHeader(path string) (*models.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessions: open: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	if !scanner.Scan() {
		return nil, ErrNotFound
	}
	var header models.Session
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return nil, ErrNotFound
	}
	return &header, nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

func replaceFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
