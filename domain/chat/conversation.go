package chat

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn entry in a conversation. Messages are created
// once and appended; they are never mutated or deleted.
type Message struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	Citations []Citation `json:"citations"`
}

// Conversation is the durable, user-owned chat history. Ownership is
// enforced by the store's composite key (userId, conversationId).
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Messages  []Message `json:"messages"`
}

// ConversationSummary is the listing projection of a conversation,
// without its messages.
type ConversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TokenUsage reports the token accounting of one generation call.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// GenerationResult is the outcome of one grounded generation call.
type GenerationResult struct {
	Answer    string
	Citations []Citation
	Usage     TokenUsage
}
