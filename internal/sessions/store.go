// Package sessions persists conversations as append-only JSON-lines
// files: an index file with one session header per line, plus one file
// per session holding its header followed by its turns.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/valetlabs/valet/pkg/models"
)

var (
	// ErrNotFound is returned when a session does not exist or its
	// header is unreadable.
	ErrNotFound = errors.New("sessions: not found")

	// ErrClosed is returned when appending to an ended session.
	ErrClosed = errors.New("sessions: session is closed")
)

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Agent   string
	Channel string
	Since   time.Time
}

// Store is the interface for session persistence.
type Store interface {
	// Create persists a new session header.
	Create(ctx context.Context, session *models.Session) error

	// AppendTurn appends one turn to a session file.
	AppendTurn(ctx context.Context, id string, turn models.Turn) error

	// Load reads a session and all of its turns. Malformed turn lines
	// are skipped with a warning; a missing or malformed header means
	// the session does not exist.
	Load(ctx context.Context, id string) (*models.Session, error)

	// List returns session headers matching the filter, newest first,
	// reading only the index file. limit <= 0 means no limit.
	List(ctx context.Context, filter ListFilter, limit int) ([]*models.Session, error)

	// Close marks the session ended, rewriting the session file header
	// and the index entry.
	Close(ctx context.Context, id string) error
}
