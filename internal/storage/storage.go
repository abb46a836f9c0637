// Package storage persists session state under a root directory:
//
//	<root>/sessions/<id>/metadata.json
//	<root>/sessions/<id>/conversation.json
//	<root>/sessions/<id>/files/
//	<root>/sessions/<id>/.lock
//
// Metadata writes are atomic (tmp, fsync, rename); readers never
// observe a partial file. Worktree-scoped sessions are additionally
// mirrored into <worktree>/.amazonq/session.json with identical
// semantics.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/amq-cli/amq/internal/models"
)

// DefaultRootName is the directory created under the user's home (or
// an explicit data dir) to hold session state.
const DefaultRootName = ".amazonq"

// staleLockAge is how old a .lock file must be before it is treated as
// left behind by a dead process and silently removed.
const staleLockAge = 30 * time.Second

var (
	// ErrConcurrentModification means another live process holds the
	// session's lock. Recoverable: the caller may retry.
	ErrConcurrentModification = errors.New("session is locked by another process")

	// ErrCorrupted means a metadata document failed to deserialize.
	ErrCorrupted = errors.New("corrupted session metadata")
)

// Store reads and writes session state under a root directory.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir, creating the sessions
// directory if needed.
func NewStore(dir string) (*Store, error) {
	s := &Store{root: dir}
	if err := os.MkdirAll(s.sessionsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) sessionsDir() string {
	return filepath.Join(s.root, "sessions")
}

// SessionDir returns the directory holding one session's state.
func (s *Store) SessionDir(id string) string {
	return filepath.Join(s.sessionsDir(), id)
}

func (s *Store) metadataPath(id string) string {
	return filepath.Join(s.SessionDir(id), "metadata.json")
}

func (s *Store) conversationPath(id string) string {
	return filepath.Join(s.SessionDir(id), "conversation.json")
}

func (s *Store) lockPath(id string) string {
	return filepath.Join(s.SessionDir(id), ".lock")
}

// SaveMetadata writes the session's metadata document under the
// session lock. Worktree-scoped sessions get a second write into the
// worktree's working directory on every save.
func (s *Store) SaveMetadata(m *models.SessionMetadata) error {
	if err := m.Validate(); err != nil {
		return err
	}
	dir := s.SessionDir(m.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	unlock, err := s.acquireLock(m.ID)
	if err != nil {
		return err
	}
	defer unlock()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := writeAtomic(s.metadataPath(m.ID), data); err != nil {
		return fmt.Errorf("write metadata for %s: %w", m.ID, err)
	}

	if m.Worktree != nil && m.Worktree.Path != "" {
		wtDir := filepath.Join(m.Worktree.Path, DefaultRootName)
		if err := os.MkdirAll(wtDir, 0o755); err != nil {
			return fmt.Errorf("create worktree state dir: %w", err)
		}
		if err := writeAtomic(filepath.Join(wtDir, "session.json"), data); err != nil {
			return fmt.Errorf("write worktree session file for %s: %w", m.ID, err)
		}
	}
	return nil
}

// LoadMetadata reads one session's metadata document.
// Returns os.ErrNotExist (wrapped) when the session has never been
// saved, ErrCorrupted (wrapped, with the id) when it cannot be parsed.
func (s *Store) LoadMetadata(id string) (*models.SessionMetadata, error) {
	data, err := os.ReadFile(s.metadataPath(id))
	if err != nil {
		return nil, err
	}
	var m models.SessionMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, id, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, id, err)
	}
	return &m, nil
}

// LoadAll reads every persisted session. Corrupted documents are
// skipped and reported in the aggregated error list alongside the
// successfully loaded sessions.
func (s *Store) LoadAll() ([]*models.SessionMetadata, []error) {
	entries, err := os.ReadDir(s.sessionsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("read sessions dir: %w", err)}
	}

	var loaded []*models.SessionMetadata
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := s.LoadMetadata(e.Name())
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // directory without a metadata file yet
			}
			errs = append(errs, err)
			continue
		}
		loaded = append(loaded, m)
	}
	return loaded, errs
}

// Delete removes a session's directory and everything in it.
func (s *Store) Delete(id string) error {
	return os.RemoveAll(s.SessionDir(id))
}

// SaveConversation writes the session's conversation blob with the
// same atomicity discipline as metadata. The blob's schema is owned by
// the caller.
func (s *Store) SaveConversation(id string, v any) error {
	if err := os.MkdirAll(s.SessionDir(id), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	if err := writeAtomic(s.conversationPath(id), data); err != nil {
		return fmt.Errorf("write conversation for %s: %w", id, err)
	}
	return nil
}

// LoadConversation reads the session's conversation blob into v.
func (s *Store) LoadConversation(id string, v any) error {
	data, err := os.ReadFile(s.conversationPath(id))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: conversation: %v", ErrCorrupted, id, err)
	}
	return nil
}

// FileCount returns the number of artifact files under the session's
// files/ directory. Missing directory counts as zero.
func (s *Store) FileCount(id string) int {
	entries, err := os.ReadDir(filepath.Join(s.SessionDir(id), "files"))
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n
}

// acquireLock takes the session's exclusive-create lock file. A lock
// older than staleLockAge is removed and the acquire retried once; a
// fresh lock surfaces ErrConcurrentModification.
func (s *Store) acquireLock(id string) (func(), error) {
	path := s.lockPath(id)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock for %s: %w", id, err)
		}

		info, statErr := os.Stat(path)
		if statErr != nil {
			// Lock vanished between create and stat; retry.
			continue
		}
		if time.Since(info.ModTime()) < staleLockAge {
			return nil, fmt.Errorf("%w: %s", ErrConcurrentModification, id)
		}
		_ = os.Remove(path)
	}
	return nil, fmt.Errorf("%w: %s", ErrConcurrentModification, id)
}

// writeAtomic serializes to path.tmp in the same directory, fsyncs,
// then renames over path.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
