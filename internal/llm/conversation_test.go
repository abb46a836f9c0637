package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversation_AppendAndClone(t *testing.T) {
	c := NewConversation("test-model")
	c.AddUser("hi")
	c.AddAssistant("hello")
	require.Equal(t, 2, c.Len())
	assert.Equal(t, RoleUser, c.Messages[0].Role)
	assert.Equal(t, RoleAssistant, c.Messages[1].Role)

	clone := c.Clone()
	assert.Equal(t, c.Model, clone.Model)
	assert.Equal(t, c.Messages, clone.Messages)

	// Mutating the original must not reach the clone.
	c.AddUser("more")
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, 2, clone.Len())
}
