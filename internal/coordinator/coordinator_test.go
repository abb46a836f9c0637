package coordinator

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/amq-cli/amq/internal/dispatch"
	"github.com/amq-cli/amq/internal/llm"
	"github.com/amq-cli/amq/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeStreamer plays one scripted event sequence per Send call, in
// order. When the scripts run out it ends streams immediately.
type fakeStreamer struct {
	mu      sync.Mutex
	scripts [][]llm.Event
	calls   int
}

func (f *fakeStreamer) Send(ctx context.Context, _ *llm.Conversation) <-chan llm.Event {
	f.mu.Lock()
	var script []llm.Event
	if len(f.scripts) > 0 {
		script = f.scripts[0]
		f.scripts = f.scripts[1:]
	} else {
		script = []llm.Event{{End: true}}
	}
	f.calls++
	f.mu.Unlock()

	ch := make(chan llm.Event, len(script))
	go func() {
		defer close(ch)
		for _, ev := range script {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

type fixture struct {
	coord  *Coordinator
	reg    *session.Registry
	writer *bytes.Buffer
}

func newFixture(t *testing.T, streamer llm.Streamer, enableWorker bool) *fixture {
	t.Helper()
	w := &bytes.Buffer{}
	reg := session.NewRegistry(session.Config{
		Writer:         w,
		BufferCapacity: 1 << 20,
		ReplayOnSwitch: true,
		Model:          "test-model",
	})
	svc := dispatch.NewService(dispatch.Config{Capacity: 2, Streamer: streamer})
	coord := New(Config{Service: svc, Registry: reg, EnableWorker: enableWorker})
	return &fixture{coord: coord, reg: reg, writer: w}
}

func drain(t *testing.T, ch <-chan llm.Event) (text string, terminal llm.Event) {
	t.Helper()
	for ev := range ch {
		if ev.Terminal() {
			terminal = ev
		} else {
			text += ev.Text
		}
	}
	return text, terminal
}

func TestSubmit_ForegroundStreamsToWriter(t *testing.T) {
	f := newFixture(t, &fakeStreamer{scripts: [][]llm.Event{
		{{Text: "hello "}, {Text: "there"}, {End: true}},
	}}, true)
	ctx := context.Background()
	f.coord.Start(ctx)
	defer f.coord.Stop()

	require.NoError(t, f.coord.NewSession("fg", "hi", session.CreateOptions{}))
	require.NoError(t, f.coord.Switch("fg"))

	ch, err := f.coord.Submit(ctx, "fg", "hi")
	require.NoError(t, err)
	text, terminal := drain(t, ch)

	assert.Equal(t, "hello there", text)
	assert.True(t, terminal.End)
	assert.Equal(t, "hello there", f.writer.String())
	assert.False(t, f.coord.HasNotification("fg"), "foreground completion does not notify")

	s, err := f.reg.Get("fg")
	require.NoError(t, err)
	require.Equal(t, 2, s.Conversation.Len())
	assert.Equal(t, "hello there", s.Conversation.Messages[1].Content)
}

func TestSubmit_UnknownSessionFails(t *testing.T) {
	f := newFixture(t, &fakeStreamer{}, false)
	_, err := f.coord.Submit(context.Background(), "missing", "hi")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestSubmit_NoWorkerAlwaysForeground(t *testing.T) {
	f := newFixture(t, &fakeStreamer{scripts: [][]llm.Event{
		{{Text: "answer"}, {End: true}},
	}}, false)

	require.NoError(t, f.coord.NewSession("a", "", session.CreateOptions{}))
	// "a" is not the active session, but without a worker the call
	// still streams synchronously.
	ch, err := f.coord.Submit(context.Background(), "a", "hi")
	require.NoError(t, err)
	text, terminal := drain(t, ch)
	assert.Equal(t, "answer", text)
	assert.True(t, terminal.End)

	// Not foreground, so the text landed in the session's buffer.
	info, err := f.coord.Snapshot("a")
	require.NoError(t, err)
	assert.Equal(t, len("answer"), info.BufferBytes)
}

func TestNotificationBox(t *testing.T) {
	f := newFixture(t, &fakeStreamer{}, false)

	assert.False(t, f.coord.HasNotification("s1"))
	_, ok := f.coord.TakeNotification("s1")
	assert.False(t, ok)

	f.coord.NotifyComplete("s1", "first")
	f.coord.NotifyComplete("s1", "second") // overwrite wins
	f.coord.NotifyComplete("s2", "other")
	assert.Equal(t, 2, f.coord.NotificationCount())

	text, ok := f.coord.TakeNotification("s1")
	require.True(t, ok)
	assert.Equal(t, "second", text)

	// Take consumes exactly once.
	_, ok = f.coord.TakeNotification("s1")
	assert.False(t, ok)
	assert.Equal(t, 1, f.coord.NotificationCount())

	all := f.coord.TakeAllNotifications()
	assert.Equal(t, map[string]string{"s2": "other"}, all)
	assert.Nil(t, f.coord.TakeAllNotifications())
}

func TestSwitchRestoresForeground(t *testing.T) {
	f := newFixture(t, &fakeStreamer{}, false)
	require.NoError(t, f.coord.NewSession("a", "", session.CreateOptions{}))
	require.NoError(t, f.coord.NewSession("b", "", session.CreateOptions{}))

	require.NoError(t, f.coord.Switch("a"))
	require.NoError(t, f.coord.Switch("b"))
	require.NoError(t, f.coord.Switch("a"))
	assert.Equal(t, "a", f.coord.ActiveID())
}

func TestClose_DiscardsNotification(t *testing.T) {
	f := newFixture(t, &fakeStreamer{}, false)
	require.NoError(t, f.coord.NewSession("a", "", session.CreateOptions{}))
	f.coord.NotifyComplete("a", "done")

	require.NoError(t, f.coord.Close("a"))
	assert.False(t, f.coord.HasNotification("a"))
	assert.ErrorIs(t, f.coord.Close("a"), session.ErrNotFound)
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, &fakeStreamer{}, false)
	require.NoError(t, f.coord.NewSession("old", "", session.CreateOptions{}))
	require.NoError(t, f.coord.NewSession("fresh", "", session.CreateOptions{}))
	f.coord.NotifyComplete("old", "stale note")

	s, err := f.reg.Get("old")
	require.NoError(t, err)
	s.Meta.LastActive -= 48 * 3600

	removed, err := f.coord.Cleanup(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, f.coord.HasNotification("old"))

	_, err = f.coord.Snapshot("fresh")
	assert.NoError(t, err)
}
