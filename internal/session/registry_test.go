package session

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amq-cli/amq/internal/llm"
	"github.com/amq-cli/amq/internal/models"
	"github.com/amq-cli/amq/internal/storage"
)

func newTestRegistry(t *testing.T, w *bytes.Buffer) *Registry {
	t.Helper()
	return NewRegistry(Config{
		Writer:         w,
		BufferCapacity: 1024,
		ReplayOnSwitch: true,
		Model:          "test-model",
	})
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r := newTestRegistry(t, &bytes.Buffer{})

	s, err := r.Create("s1", "first message", CreateOptions{Name: "alpha"})
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, ModeBackground, s.Mode)
	assert.Equal(t, "alpha", s.Meta.Name)
	assert.Equal(t, "first message", s.Meta.FirstMessage)

	_, err = r.Create("s1", "", CreateOptions{})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Create("s2", "", CreateOptions{Name: "bad name"})
	assert.ErrorIs(t, err, models.ErrInvalidName)
}

func TestRegistry_Resolve(t *testing.T) {
	r := newTestRegistry(t, &bytes.Buffer{})
	_, err := r.Create("s1", "", CreateOptions{Name: "alpha"})
	require.NoError(t, err)

	id, err := r.Resolve("alpha")
	require.NoError(t, err)
	assert.Equal(t, "s1", id)

	id, err = r.Resolve("s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", id)

	_, err = r.Resolve("beta")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ListOrder(t *testing.T) {
	r := newTestRegistry(t, &bytes.Buffer{})
	for _, id := range []string{"a", "b", "c"} {
		_, err := r.Create(id, "", CreateOptions{})
		require.NoError(t, err)
	}

	now := time.Now().Unix()
	sa, _ := r.Get("a")
	sb, _ := r.Get("b")
	sc, _ := r.Get("c")
	sa.Meta.LastActive = now - 100
	sb.Meta.LastActive = now
	sc.Meta.LastActive = now - 50

	infos := r.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "b", infos[0].ID)
	assert.Equal(t, "c", infos[1].ID)
	assert.Equal(t, "a", infos[2].ID)
}

func TestRegistry_SwitchSetsSingleForeground(t *testing.T) {
	r := newTestRegistry(t, &bytes.Buffer{})
	_, err := r.Create("a", "", CreateOptions{})
	require.NoError(t, err)
	_, err = r.Create("b", "", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, r.Switch("a"))
	assert.Equal(t, "a", r.ActiveID())

	require.NoError(t, r.Switch("b"))
	assert.Equal(t, "b", r.ActiveID())

	sa, _ := r.Get("a")
	sb, _ := r.Get("b")
	assert.Equal(t, ModeBackground, sa.Mode)
	assert.Equal(t, ModeForeground, sb.Mode)

	assert.ErrorIs(t, r.Switch("missing"), ErrNotFound)
	assert.Equal(t, "b", r.ActiveID(), "failed switch leaves foreground unchanged")
}

// A switch that interrupts a live stream snapshots the already-written
// text as the partial response; switching back flushes exactly that
// text, then replays whatever was buffered in the background.
func TestRegistry_PartialPreservedAcrossSwitch(t *testing.T) {
	var w bytes.Buffer
	r := newTestRegistry(t, &w)
	_, err := r.Create("a", "", CreateOptions{})
	require.NoError(t, err)
	_, err = r.Create("b", "", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, r.Switch("a"))
	require.NoError(t, r.BeginStream("a"))
	require.NoError(t, r.DeliverChunk("a", "one "))
	require.NoError(t, r.DeliverChunk("a", "two "))
	require.NoError(t, r.DeliverChunk("a", "three "))
	assert.Equal(t, "one two three ", w.String())

	// Preempt the stream.
	require.NoError(t, r.Switch("b"))
	info, err := r.Snapshot("a")
	require.NoError(t, err)
	assert.True(t, info.HasPartial)

	// The stream keeps going in the background.
	require.NoError(t, r.DeliverChunk("a", "four "))

	// Switching back flushes the partial, then the buffered remainder.
	w.Reset()
	require.NoError(t, r.Switch("a"))
	assert.Equal(t, "one two three four ", w.String())

	info, err = r.Snapshot("a")
	require.NoError(t, err)
	assert.False(t, info.HasPartial)
	assert.Equal(t, 0, info.BufferBytes, "buffer reset after replay")

	// A second switch cycle replays nothing extra.
	w.Reset()
	require.NoError(t, r.Switch("b"))
	require.NoError(t, r.Switch("a"))
	assert.Empty(t, w.String())
}

func TestRegistry_DeliverChunkRouting(t *testing.T) {
	var w bytes.Buffer
	r := newTestRegistry(t, &w)
	_, err := r.Create("fg", "", CreateOptions{})
	require.NoError(t, err)
	_, err = r.Create("bg", "", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, r.Switch("fg"))

	require.NoError(t, r.DeliverChunk("fg", "visible"))
	require.NoError(t, r.DeliverChunk("bg", "hidden"))

	assert.Equal(t, "visible", w.String())

	info, err := r.Snapshot("bg")
	require.NoError(t, err)
	assert.Equal(t, len("hidden"), info.BufferBytes)

	assert.ErrorIs(t, r.DeliverChunk("missing", "x"), ErrNotFound)
}

func TestRegistry_EndStreamCommitsResponse(t *testing.T) {
	r := newTestRegistry(t, &bytes.Buffer{})
	_, err := r.Create("a", "", CreateOptions{})
	require.NoError(t, err)

	conv, err := r.AppendUser("a", "question")
	require.NoError(t, err)
	assert.Equal(t, 1, conv.Len())

	require.NoError(t, r.BeginStream("a"))
	r.EndStream("a", "answer")

	s, _ := r.Get("a")
	require.Equal(t, 2, s.Conversation.Len())
	assert.Equal(t, llm.RoleAssistant, s.Conversation.Messages[1].Role)
	assert.Equal(t, "answer", s.Conversation.Messages[1].Content)
	assert.False(t, s.Streaming())
	assert.Equal(t, 1, s.Meta.MessageCount)
}

func TestRegistry_CloseClearsActive(t *testing.T) {
	r := newTestRegistry(t, &bytes.Buffer{})
	_, err := r.Create("a", "", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, r.Switch("a"))

	require.NoError(t, r.Close("a"))
	assert.Equal(t, "", r.ActiveID())
	assert.Equal(t, 0, r.Len())
	assert.ErrorIs(t, r.Close("a"), ErrNotFound)
}

func TestRegistry_CleanupAgeBoundary(t *testing.T) {
	r := newTestRegistry(t, &bytes.Buffer{})
	for _, id := range []string{"old", "fresh"} {
		_, err := r.Create(id, "", CreateOptions{})
		require.NoError(t, err)
	}

	old, _ := r.Get("old")
	old.Meta.LastActive = time.Now().Add(-48 * time.Hour).Unix()

	removed := r.Cleanup(24 * time.Hour)
	assert.Equal(t, []string{"old"}, removed)
	assert.Equal(t, 1, r.Len())

	_, err := r.Get("fresh")
	assert.NoError(t, err)
}

func TestRegistry_SaveAndLoadAll(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewStore(dir)
	require.NoError(t, err)

	var w bytes.Buffer
	r := NewRegistry(Config{Writer: &w, Store: store, Model: "test-model"})

	_, err = r.Create("s1", "first", CreateOptions{Name: "alpha"})
	require.NoError(t, err)
	_, err = r.AppendUser("s1", "question")
	require.NoError(t, err)
	r.EndStream("s1", "answer")
	require.NoError(t, r.Save("s1"))

	// Fresh registry restores the session as background.
	r2 := NewRegistry(Config{Writer: &w, Store: store, Model: "test-model"})
	errs := r2.LoadAll()
	assert.Empty(t, errs)
	require.Equal(t, 1, r2.Len())

	s, err := r2.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, ModeBackground, s.Mode)
	assert.Equal(t, "alpha", s.Meta.Name)
	assert.Equal(t, "first", s.Meta.FirstMessage)
	assert.Equal(t, 1, s.Meta.MessageCount)
	require.Equal(t, 2, s.Conversation.Len())
	assert.Equal(t, "answer", s.Conversation.Messages[1].Content)
	assert.Equal(t, "", r2.ActiveID())
}

func TestRegistry_DeleteRemovesPersistedState(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewStore(dir)
	require.NoError(t, err)

	r := NewRegistry(Config{Writer: &bytes.Buffer{}, Store: store, Model: "m"})
	_, err = r.Create("s1", "", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, r.Save("s1"))
	require.NoError(t, r.Delete("s1"))

	r2 := NewRegistry(Config{Writer: &bytes.Buffer{}, Store: store, Model: "m"})
	assert.Empty(t, r2.LoadAll())
	assert.Equal(t, 0, r2.Len())
}
