package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/amq-cli/amq/internal/llm"
	"github.com/amq-cli/amq/internal/logging"
	"github.com/amq-cli/amq/internal/models"
	"github.com/amq-cli/amq/internal/storage"
)

var (
	// ErrNotFound is returned for lookups of unknown session ids.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyExists is returned when creating a session whose id is
	// already present.
	ErrAlreadyExists = errors.New("session already exists")
)

// Config configures a Registry.
type Config struct {
	// Writer is the interactive sink for foreground chunks and
	// partial-response flushes.
	Writer io.Writer

	// Store enables filesystem persistence when non-nil.
	Store *storage.Store

	// BufferCapacity is the per-session output buffer byte budget.
	// Zero means DefaultBufferCapacity.
	BufferCapacity int

	// ReplayOnSwitch replays a session's output buffer to the writer
	// when it becomes foreground.
	ReplayOnSwitch bool

	// Model is the model name stamped on new conversations.
	Model string
}

// Info is a snapshot of one session taken under the registry lock.
type Info struct {
	ID            string
	Mode          Mode
	Streaming     bool
	HasPartial    bool
	BufferBytes   int
	BufferDropped uint64
	Meta          models.SessionMetadata
}

// Registry owns the session map and the active-session pointer. One
// mutex guards both; session buffers have their own mutexes, acquired
// only after this one.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	activeID string
	cfg      Config
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		cfg:      cfg,
	}
}

// CreateOptions carries optional attributes for Create.
type CreateOptions struct {
	Name     string
	Worktree *models.WorktreeInfo
}

// Create adds a new background session. Fails with ErrAlreadyExists if
// the id is present.
func (r *Registry) Create(id, firstMessage string, opts CreateOptions) (*Session, error) {
	if opts.Name != "" {
		if err := models.ValidateName(opts.Name); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}

	meta := models.NewSessionMetadata(id, firstMessage)
	meta.Name = opts.Name
	meta.Worktree = opts.Worktree

	s := &Session{
		ID:           id,
		Mode:         ModeBackground,
		Conversation: llm.NewConversation(r.cfg.Model),
		Buffer:       NewOutputBuffer(r.cfg.BufferCapacity),
		Meta:         meta,
	}
	r.sessions[id] = s
	return s, nil
}

// Get returns the live session handle. Mutation outside the registry's
// methods is the caller's responsibility to avoid; cross-module code
// should use ids and Snapshot instead.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Resolve maps a session name or id to an id.
func (r *Registry) Resolve(nameOrID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[nameOrID]; ok {
		return nameOrID, nil
	}
	for id, s := range r.sessions {
		if s.Meta.Name == nameOrID {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, nameOrID)
}

// Snapshot returns a copy of one session's observable state.
func (r *Registry) Snapshot(id string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.snapshotLocked(s), nil
}

func (r *Registry) snapshotLocked(s *Session) Info {
	return Info{
		ID:            s.ID,
		Mode:          s.Mode,
		Streaming:     s.streaming,
		HasPartial:    s.hasPartial,
		BufferBytes:   s.Buffer.Len(),
		BufferDropped: s.Buffer.Dropped(),
		Meta:          *s.Meta,
	}
}

// List returns session snapshots ordered by last_active descending.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, r.snapshotLocked(s))
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Meta.LastActive != infos[j].Meta.LastActive {
			return infos[i].Meta.LastActive > infos[j].Meta.LastActive
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// ActiveID returns the foreground session id, or "" if none.
func (r *Registry) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Switch atomically clears the old foreground and installs the new
// one. A live stream on the old session has its accumulated text
// snapshotted as the partial response before the flip. On the new
// foreground, a pending partial is flushed to the writer first, then
// the buffer is optionally replayed.
func (r *Registry) Switch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.activeID == id {
		return nil
	}

	if old, ok := r.sessions[r.activeID]; ok {
		old.Mode = ModeBackground
		if old.streaming {
			old.SavePartial(old.live)
			old.live = nil
		}
	}

	r.activeID = id
	target.Mode = ModeForeground
	target.Meta.Touch()

	if partial, ok := target.TakePartial(); ok && len(partial) > 0 {
		if _, err := r.cfg.Writer.Write(partial); err != nil {
			logging.Named("registry").Warnw("partial flush failed", "session", id, "err", err)
		}
	}
	if r.cfg.ReplayOnSwitch {
		if err := target.Buffer.Replay(r.cfg.Writer); err != nil {
			logging.Named("registry").Warnw("buffer replay failed", "session", id, "err", err)
		}
		target.Buffer.Reset()
	}
	return nil
}

// Close removes a session. If it was the foreground session the active
// pointer becomes empty. Session ids are never reused after close.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.sessions, id)
	if r.activeID == id {
		r.activeID = ""
	}
	return nil
}

// Cleanup removes sessions whose last_active is older than maxAge and
// returns their ids.
func (r *Registry) Cleanup(maxAge time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, s := range r.sessions {
		if s.Meta.Age() > maxAge {
			delete(r.sessions, id)
			if r.activeID == id {
				r.activeID = ""
			}
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// BeginStream marks a stream as in flight for the session and resets
// its live accumulator.
func (r *Registry) BeginStream(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.streaming = true
	s.live = nil
	return nil
}

// DeliverChunk routes one chunk by the session's current mode:
// foreground chunks go to the writer and the live accumulator,
// background chunks to the output buffer.
func (r *Registry) DeliverChunk(id, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if r.activeID == id {
		if _, err := r.cfg.Writer.Write([]byte(text)); err != nil {
			return fmt.Errorf("write chunk: %w", err)
		}
		s.live = append(s.live, text...)
	} else {
		s.Buffer.Append([]byte(text))
	}
	s.Meta.Touch()
	return nil
}

// EndStream records the terminal marker: the completed response is
// appended to the conversation and the live accumulator cleared. A
// pending partial is kept; it is flushed on the next switch-to.
func (r *Registry) EndStream(id, response string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	s.streaming = false
	s.live = nil
	if response != "" {
		s.Conversation.AddAssistant(response)
	}
	s.Meta.Touch()
}

// AppendUser records a user turn and bumps the message count.
func (r *Registry) AppendUser(id, text string) (*llm.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.Conversation.AddUser(text)
	s.Meta.MessageCount++
	s.Meta.Touch()
	return s.Conversation.Clone(), nil
}

// SetStatus updates a session's persisted status.
func (r *Registry) SetStatus(id string, status models.SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.Meta.Status = status
	return nil
}

// Save persists one session's metadata and conversation. No-op when
// persistence is disabled.
func (r *Registry) Save(id string) error {
	if r.cfg.Store == nil {
		return nil
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	meta := *s.Meta
	conv := s.Conversation.Clone()
	r.mu.Unlock()

	meta.FileCount = r.cfg.Store.FileCount(id)
	if err := r.cfg.Store.SaveMetadata(&meta); err != nil {
		return err
	}
	return r.cfg.Store.SaveConversation(id, conv)
}

// Delete removes a session's persisted state. No-op when persistence
// is disabled.
func (r *Registry) Delete(id string) error {
	if r.cfg.Store == nil {
		return nil
	}
	return r.cfg.Store.Delete(id)
}

// LoadAll restores persisted sessions into the registry as background
// sessions. Already-registered ids are left untouched. Corruption
// errors are aggregated, not fatal.
func (r *Registry) LoadAll() []error {
	if r.cfg.Store == nil {
		return nil
	}

	metas, errs := r.cfg.Store.LoadAll()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, meta := range metas {
		if _, ok := r.sessions[meta.ID]; ok {
			continue
		}
		conv := llm.NewConversation(r.cfg.Model)
		if err := r.cfg.Store.LoadConversation(meta.ID, conv); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			conv = llm.NewConversation(r.cfg.Model)
		}
		r.sessions[meta.ID] = &Session{
			ID:           meta.ID,
			Mode:         ModeBackground,
			Conversation: conv,
			Buffer:       NewOutputBuffer(r.cfg.BufferCapacity),
			Meta:         meta,
		}
	}
	return errs
}
