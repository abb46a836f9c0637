package cmd

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amq-cli/amq/internal/output"
)

func TestParseCleanupArgs(t *testing.T) {
	viper.Set("session.ttl_days", 30)
	defer viper.Set("session.ttl_days", nil)

	force, days, err := parseCleanupArgs(nil)
	require.NoError(t, err)
	assert.False(t, force)
	assert.Equal(t, 30, days)

	force, days, err = parseCleanupArgs([]string{"--force", "--older-than", "7"})
	require.NoError(t, err)
	assert.True(t, force)
	assert.Equal(t, 7, days)

	_, _, err = parseCleanupArgs([]string{"--older-than"})
	assert.Error(t, err)

	_, _, err = parseCleanupArgs([]string{"--older-than", "zero"})
	assert.Error(t, err)

	_, _, err = parseCleanupArgs([]string{"--older-than", "-3"})
	assert.Error(t, err)

	_, _, err = parseCleanupArgs([]string{"--frobnicate"})
	assert.Error(t, err)
}

func TestNewSessionID(t *testing.T) {
	a := newSessionID()
	b := newSessionID()
	assert.Regexp(t, "^[0-9a-z]{26}$", a)
	assert.NotEqual(t, a, b)
}

func TestConfirmPrompt(t *testing.T) {
	prev := ui
	ui = &output.UI{Out: &bytes.Buffer{}, ErrOut: &bytes.Buffer{}}
	defer func() { ui = prev }()

	cases := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"Yes\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tc := range cases {
		sc := bufio.NewScanner(strings.NewReader(tc.input))
		assert.Equal(t, tc.want, confirmPrompt(sc, "remove?"), "input %q", tc.input)
	}
}

func TestRelativeTime(t *testing.T) {
	now := time.Now()
	assert.Equal(t, "just now", relativeTime(now))
	assert.Equal(t, "5m ago", relativeTime(now.Add(-5*time.Minute)))
	assert.Equal(t, "3h ago", relativeTime(now.Add(-3*time.Hour)))
	assert.Equal(t, "2d ago", relativeTime(now.Add(-50*time.Hour)))
}
