package models

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Turn is a single entry in a conversation.
type Turn struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewTurn creates a turn stamped with the current time.
func NewTurn(role, content string) Turn {
	return Turn{
		Role:      role,
		Content:   content,
		Timestamp: Timestamp(time.Now()),
	}
}

// Session is an ordered conversation record. On disk it is a JSONL file:
// the header (this struct, without turns) on the first line, one turn per
// subsequent line.
type Session struct {
	ID      string     `json:"id"`
	Agent   string     `json:"agent"`
	Channel string     `json:"channel"`
	Started time.Time  `json:"started"`
	Ended   *time.Time `json:"ended,omitempty"`

	// Turns is populated on load; it is not part of the header line.
	Turns []Turn `json:"-"`
}

// NewSession creates a session with a fresh short ID.
func NewSession(agent, channel string) *Session {
	return &Session{
		ID:      NewSessionID(),
		Agent:   agent,
		Channel: channel,
		Started: Timestamp(time.Now()),
	}
}

// NewSessionID returns an 8-hex-character session identifier.
func NewSessionID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// math/rand quality is acceptable for a local identifier, but
		// crypto/rand failing means the system is badly broken anyway.
		panic("models: cannot read random bytes: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	return s.Ended != nil
}
