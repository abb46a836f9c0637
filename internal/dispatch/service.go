package dispatch

import (
	"context"

	"github.com/amq-cli/amq/internal/llm"
	"github.com/amq-cli/amq/internal/logging"
)

// Service wraps the LLM façade behind the priority semaphore. The
// permit is held for the full lifetime of the stream, not just the
// initial request: that is the back-pressure mechanism against the
// upstream service.
type Service struct {
	sem      *PrioritySemaphore
	streamer llm.Streamer
}

// Config configures a dispatch service.
type Config struct {
	Capacity int
	Streamer llm.Streamer
}

// NewService creates a dispatch service owning its semaphore.
func NewService(cfg Config) *Service {
	return &Service{
		sem:      NewPrioritySemaphore(cfg.Capacity),
		streamer: cfg.Streamer,
	}
}

// CallHigh blocks for a high-priority permit, then opens the stream.
func (s *Service) CallHigh(ctx context.Context, conv *llm.Conversation) (<-chan llm.Event, error) {
	permit, err := s.sem.AcquireHigh(ctx)
	if err != nil {
		return nil, err
	}
	return s.relay(ctx, permit, conv), nil
}

// CallLow yields to pending high-priority callers before admission.
func (s *Service) CallLow(ctx context.Context, conv *llm.Conversation) (<-chan llm.Event, error) {
	permit, err := s.sem.AcquireLow(ctx)
	if err != nil {
		return nil, err
	}
	return s.relay(ctx, permit, conv), nil
}

// TryCallLow opens a stream only if a permit is immediately available
// and no high-priority caller is waiting. Returns (nil, false)
// otherwise.
func (s *Service) TryCallLow(ctx context.Context, conv *llm.Conversation) (<-chan llm.Event, bool) {
	permit := s.sem.TryLow()
	if permit == nil {
		return nil, false
	}
	return s.relay(ctx, permit, conv), true
}

// relay forwards façade events to the caller and releases the permit
// when the terminal event has been forwarded or the context is done.
// The release is tied to this goroutine, not the caller's future, so
// dropping the outer call cannot leak a permit.
func (s *Service) relay(ctx context.Context, permit *Permit, conv *llm.Conversation) <-chan llm.Event {
	out := make(chan llm.Event, 16)
	in := s.streamer.Send(ctx, conv)
	log := logging.Named("dispatch")

	go func() {
		defer close(out)
		defer permit.Release()

		for ev := range in {
			select {
			case out <- ev:
			case <-ctx.Done():
				log.Debugw("stream abandoned", "reason", ctx.Err())
				return
			}
			if ev.Terminal() {
				return
			}
		}
		// Façade closed without a terminal event; surface it as one.
		select {
		case out <- llm.Event{Err: llm.ErrMalformed}:
		case <-ctx.Done():
		}
	}()

	return out
}

// InFlight returns the number of streams currently holding permits.
func (s *Service) InFlight() int { return s.sem.InFlight() }

// Capacity returns the admission capacity.
func (s *Service) Capacity() int { return s.sem.Capacity() }
