package models

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// MetadataVersion is the current metadata.json document version.
const MetadataVersion = 1

// SessionStatus represents the persisted state of a chat session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusArchived  SessionStatus = "archived"
)

// ErrInvalidName is returned when a session name fails validation.
var ErrInvalidName = errors.New("invalid session name")

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateName checks a user-supplied session name: 1..=100 characters
// drawn from [A-Za-z0-9_-].
func ValidateName(name string) error {
	if len(name) == 0 || len(name) > 100 {
		return fmt.Errorf("%w: %q (length must be 1-100)", ErrInvalidName, name)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q (allowed characters: A-Z a-z 0-9 _ -)", ErrInvalidName, name)
	}
	return nil
}

// WorktreeInfo records the git worktree a session is bound to.
type WorktreeInfo struct {
	Path        string `json:"path"`
	Branch      string `json:"branch"`
	RepoRoot    string `json:"repo_root"`
	MergeTarget string `json:"merge_target"`
	IsTemporary bool   `json:"is_temporary"`
}

// SessionMetadata is the versioned JSON document persisted as
// metadata.json for each session, and mirrored into the worktree's
// .amazonq/session.json for worktree-scoped sessions.
type SessionMetadata struct {
	Version      int           `json:"version"`
	ID           string        `json:"id"`
	Status       SessionStatus `json:"status"`
	FirstMessage string        `json:"first_message"`
	Name         string        `json:"name,omitempty"`
	CreatedAt    int64         `json:"created_at"`
	LastActive   int64         `json:"last_active"`
	MessageCount int           `json:"message_count"`
	FileCount    int           `json:"file_count"`
	Worktree     *WorktreeInfo `json:"worktree_info,omitempty"`
}

// NewSessionMetadata creates metadata for a fresh session.
func NewSessionMetadata(id, firstMessage string) *SessionMetadata {
	now := time.Now().UTC().Unix()
	return &SessionMetadata{
		Version:      MetadataVersion,
		ID:           id,
		Status:       SessionStatusActive,
		FirstMessage: firstMessage,
		CreatedAt:    now,
		LastActive:   now,
	}
}

// Touch advances LastActive. The timestamp never moves backwards.
func (m *SessionMetadata) Touch() {
	now := time.Now().UTC().Unix()
	if now > m.LastActive {
		m.LastActive = now
	}
}

// Age returns how long ago the session was last active.
func (m *SessionMetadata) Age() time.Duration {
	return time.Since(time.Unix(m.LastActive, 0))
}

// Validate checks the document is well-formed enough to persist.
func (m *SessionMetadata) Validate() error {
	if m.ID == "" {
		return errors.New("metadata missing session id")
	}
	if m.Name != "" {
		if err := ValidateName(m.Name); err != nil {
			return err
		}
	}
	switch m.Status {
	case SessionStatusActive, SessionStatusCompleted, SessionStatusArchived:
	default:
		return fmt.Errorf("unknown session status %q", m.Status)
	}
	if m.MessageCount < 0 || m.FileCount < 0 {
		return errors.New("negative counter in metadata")
	}
	return nil
}
