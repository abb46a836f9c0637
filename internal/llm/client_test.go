package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apiError(t *testing.T, status int) *anthropic.Error {
	t.Helper()
	req, err := http.NewRequest("POST", "https://api.anthropic.com/v1/messages", nil)
	require.NoError(t, err)
	return &anthropic.Error{
		StatusCode: status,
		Request:    req,
		Response:   &http.Response{StatusCode: status, Request: req},
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", 401, ErrUnauthorized},
		{"forbidden", 403, ErrUnauthorized},
		{"rate limited", 429, ErrRateLimited},
		{"bad request", 400, ErrMalformed},
		{"unprocessable", 422, ErrMalformed},
		{"server error", 500, ErrNetwork},
		{"overloaded", 529, ErrNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(apiError(t, tt.status))
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestClassify_NonAPIErrors(t *testing.T) {
	assert.NoError(t, Classify(nil))

	cause := errors.New("connection refused")
	assert.ErrorIs(t, Classify(cause), ErrNetwork)

	// Context errors pass through so callers can tell cancellation
	// from service failure.
	assert.ErrorIs(t, Classify(context.Canceled), context.Canceled)
	assert.NotErrorIs(t, Classify(context.Canceled), ErrNetwork)
	assert.ErrorIs(t, Classify(context.DeadlineExceeded), context.DeadlineExceeded)
}

func TestEventTerminal(t *testing.T) {
	assert.False(t, Event{Text: "chunk"}.Terminal())
	assert.True(t, Event{End: true}.Terminal())
	assert.True(t, Event{Err: errors.New("x")}.Terminal())
}
