package llm

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation holds the ordered message history sent to the model.
// It is owned by a single session and mutated only through the
// registry's lock.
type Conversation struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// NewConversation creates an empty conversation for the given model.
func NewConversation(model string) *Conversation {
	return &Conversation{Model: model}
}

// AddUser appends a user turn.
func (c *Conversation) AddUser(text string) {
	c.Messages = append(c.Messages, Message{Role: RoleUser, Content: text})
}

// AddAssistant appends an assistant turn.
func (c *Conversation) AddAssistant(text string) {
	c.Messages = append(c.Messages, Message{Role: RoleAssistant, Content: text})
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	return len(c.Messages)
}

// Clone returns a deep copy safe to hand to a stream while the
// original keeps being mutated under the registry lock.
func (c *Conversation) Clone() *Conversation {
	cp := &Conversation{Model: c.Model}
	cp.Messages = make([]Message, len(c.Messages))
	copy(cp.Messages, c.Messages)
	return cp
}
