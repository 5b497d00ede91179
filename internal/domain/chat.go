package domain

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape used by the handler
// and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ValidRole reports whether role is one of the accepted chat roles.
func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Conversation is a chronologically ordered list of chat messages. The last
// message is the active user turn.
type Conversation []ChatMessage

// Last returns the active turn. ok is false for an empty conversation.
func (c Conversation) Last() (msg ChatMessage, ok bool) {
	if len(c) == 0 {
		return ChatMessage{}, false
	}
	return c[len(c)-1], true
}

// Prior returns every message before the active turn, unchanged.
func (c Conversation) Prior() []ChatMessage {
	if len(c) == 0 {
		return nil
	}
	return c[:len(c)-1]
}

// ChatStream yields completion text deltas in arrival order. Recv returns
// io.EOF once the upstream stream has ended; any other error is terminal.
type ChatStream interface {
	Recv() (string, error)
	Close() error
}
