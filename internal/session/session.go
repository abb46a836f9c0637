package session

import (
	"github.com/amq-cli/amq/internal/llm"
	"github.com/amq-cli/amq/internal/models"
)

// Mode distinguishes the single foreground session, whose chunks go to
// the interactive writer, from background sessions, whose chunks are
// buffered.
type Mode int

const (
	ModeBackground Mode = iota
	ModeForeground
)

func (m Mode) String() string {
	if m == ModeForeground {
		return "foreground"
	}
	return "background"
}

// Session is the unit of chat state. All mutation goes through the
// registry's mutex; other modules refer to sessions by id only.
type Session struct {
	ID           string
	Mode         Mode
	Conversation *llm.Conversation
	Buffer       *OutputBuffer
	Meta         *models.SessionMetadata

	// partial holds the accumulated text of a stream that a switch
	// preempted before its terminal marker.
	partial    []byte
	hasPartial bool

	// live accumulates foreground chunks already written to the
	// interactive writer but not yet committed by a terminal marker.
	// A switch away moves it into partial.
	streaming bool
	live      []byte
}

// SavePartial stores the accumulated text of an interrupted stream.
// Overwrites any prior partial.
func (s *Session) SavePartial(text []byte) {
	s.partial = text
	s.hasPartial = true
}

// TakePartial returns the stored partial and clears it.
func (s *Session) TakePartial() ([]byte, bool) {
	if !s.hasPartial {
		return nil, false
	}
	p := s.partial
	s.partial = nil
	s.hasPartial = false
	return p, true
}

// HasPartial reports whether an interrupted stream's text is pending.
func (s *Session) HasPartial() bool {
	return s.hasPartial
}

// Streaming reports whether a model stream is currently in flight for
// this session.
func (s *Session) Streaming() bool {
	return s.streaming
}
