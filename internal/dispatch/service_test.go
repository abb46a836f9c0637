package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amq-cli/amq/internal/llm"
)

// scriptStreamer plays back a fixed event sequence.
type scriptStreamer struct {
	events []llm.Event

	// hang, when set, makes the stream wait on ctx after the scripted
	// events instead of closing, simulating a stalled upstream.
	hang bool
}

func (s *scriptStreamer) Send(ctx context.Context, _ *llm.Conversation) <-chan llm.Event {
	ch := make(chan llm.Event, len(s.events))
	go func() {
		defer close(ch)
		for _, ev := range s.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if s.hang {
			<-ctx.Done()
		}
	}()
	return ch
}

func collect(t *testing.T, ch <-chan llm.Event) []llm.Event {
	t.Helper()
	var out []llm.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestCallHigh_StreamsAndReleases(t *testing.T) {
	svc := NewService(Config{
		Capacity: 1,
		Streamer: &scriptStreamer{events: []llm.Event{
			{Text: "hel"}, {Text: "lo"}, {End: true},
		}},
	})

	ch, err := svc.CallHigh(context.Background(), llm.NewConversation("m"))
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 3)
	assert.Equal(t, "hel", events[0].Text)
	assert.Equal(t, "lo", events[1].Text)
	assert.True(t, events[2].End)

	require.Eventually(t, func() bool { return svc.InFlight() == 0 },
		time.Second, time.Millisecond, "permit must release after the terminal event")
}

func TestCallLow_PermitReleasedOnError(t *testing.T) {
	cause := errors.New("boom")
	svc := NewService(Config{
		Capacity: 1,
		Streamer: &scriptStreamer{events: []llm.Event{{Err: cause}}},
	})

	ch, err := svc.CallLow(context.Background(), llm.NewConversation("m"))
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 1)
	assert.ErrorIs(t, events[0].Err, cause)

	require.Eventually(t, func() bool { return svc.InFlight() == 0 },
		time.Second, time.Millisecond)
}

func TestPermitReleasedWhenCallerCancels(t *testing.T) {
	svc := NewService(Config{
		Capacity: 1,
		Streamer: &scriptStreamer{events: []llm.Event{{Text: "partial"}}, hang: true},
	})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := svc.CallHigh(ctx, llm.NewConversation("m"))
	require.NoError(t, err)

	ev := <-ch
	assert.Equal(t, "partial", ev.Text)

	cancel()
	require.Eventually(t, func() bool { return svc.InFlight() == 0 },
		time.Second, time.Millisecond, "cancellation must not leak the permit")

	// The relay closes its channel on the cancel path.
	for range ch {
	}
}

func TestStreamWithoutTerminalIsMalformed(t *testing.T) {
	svc := NewService(Config{
		Capacity: 1,
		Streamer: &scriptStreamer{events: []llm.Event{{Text: "x"}}},
	})

	ch, err := svc.CallHigh(context.Background(), llm.NewConversation("m"))
	require.NoError(t, err)

	events := collect(t, ch)
	require.Len(t, events, 2)
	assert.ErrorIs(t, events[1].Err, llm.ErrMalformed)

	require.Eventually(t, func() bool { return svc.InFlight() == 0 },
		time.Second, time.Millisecond)
}

func TestTryCallLow(t *testing.T) {
	svc := NewService(Config{
		Capacity: 1,
		Streamer: &scriptStreamer{hang: true},
	})

	ctx, cancel := context.WithCancel(context.Background())
	ch, ok := svc.TryCallLow(ctx, llm.NewConversation("m"))
	require.True(t, ok)

	// Capacity exhausted while the first stream is open.
	_, ok = svc.TryCallLow(ctx, llm.NewConversation("m"))
	assert.False(t, ok)

	cancel()
	for range ch {
	}
	require.Eventually(t, func() bool { return svc.InFlight() == 0 },
		time.Second, time.Millisecond)
}
