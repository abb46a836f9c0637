package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Error kinds surfaced by the façade. Callers classify with errors.Is;
// the concrete cause stays wrapped underneath.
var (
	ErrRateLimited  = errors.New("model service rate limited")
	ErrUnauthorized = errors.New("model service rejected credentials")
	ErrNetwork      = errors.New("model service unreachable")
	ErrMalformed    = errors.New("malformed model response")
)

// Event is one element of a model response stream. Exactly one
// terminal event (End or Err set) is delivered per call, after which
// the channel is closed.
type Event struct {
	Text string
	Err  error
	End  bool
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.End || e.Err != nil
}

// Streamer is the single surface the rest of the core depends on:
// one streaming request-response against the model service.
type Streamer interface {
	Send(ctx context.Context, conv *Conversation) <-chan Event
}

// Client implements Streamer over the Anthropic Messages API.
type Client struct {
	api       *anthropic.Client
	maxTokens int64
}

// NewClient creates a streaming client. An empty apiKey falls back to
// the SDK's environment lookup.
func NewClient(apiKey string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:       &client,
		maxTokens: 4096,
	}
}

// Send opens one streaming call and yields chunk events followed by a
// single terminal event. The returned channel is closed after the
// terminal event.
func (c *Client) Send(ctx context.Context, conv *Conversation) <-chan Event {
	out := make(chan Event, 16)

	go func() {
		defer close(out)

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(conv.Model),
			MaxTokens: c.maxTokens,
			Messages:  buildMessages(conv),
		}

		stream := c.api.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text == "" {
						continue
					}
					select {
					case out <- Event{Text: delta.Text}:
					case <-ctx.Done():
						out <- Event{Err: ctx.Err()}
						return
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			out <- Event{Err: Classify(err)}
			return
		}
		out <- Event{End: true}
	}()

	return out
}

func buildMessages(conv *Conversation) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		switch m.Role {
		case RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return msgs
}

// Classify maps an SDK or transport error onto the façade's error
// kinds, preserving the cause for unwrapping.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		case 429:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case 400, 422:
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		default:
			return fmt.Errorf("%w: %v", ErrNetwork, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}
