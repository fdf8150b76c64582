// Package ports defines the interfaces the application layer consumes.
// Infrastructure packages provide the implementations.
package ports

import (
	"context"

	"m365rag-backend/domain/chat"
)

// TokenProvider acquires a bearer token for the search service using a
// fixed service identity. AccessToken returns an empty string when no
// token could be acquired; it never returns an error, and callers must
// treat the empty result as "cannot proceed".
type TokenProvider interface {
	AccessToken(ctx context.Context) string
}

// Retriever performs semantic search against the document index.
type Retriever interface {
	// SearchContent returns up to topK passages for the query, optionally
	// restricted to a single site. topK must be within [1,10].
	SearchContent(ctx context.Context, accessToken, query string, topK int, siteFilter string) ([]chat.RetrievedPassage, error)
}

// ConversationRepository is the durable, user-partitioned history of
// conversations and their messages.
type ConversationRepository interface {
	// CreateConversation writes an empty conversation and returns its id.
	CreateConversation(ctx context.Context, userID, title string) (string, error)

	// AddMessage appends one message to an existing conversation. It fails
	// with a not-found error when the conversation does not exist for the
	// user.
	AddMessage(ctx context.Context, userID, conversationID string, role chat.Role, content string, citations []chat.Citation) error

	// GetConversation returns the conversation, or nil when absent.
	GetConversation(ctx context.Context, userID, conversationID string) (*chat.Conversation, error)

	// ListConversations returns the user's conversations ordered by
	// updatedAt descending, capped at limit. It fails open to an empty
	// list on store errors.
	ListConversations(ctx context.Context, userID string, limit int) ([]chat.ConversationSummary, error)
}

// AnswerGenerator produces a grounded answer from retrieved passages and
// optional prior turns.
type AnswerGenerator interface {
	Generate(ctx context.Context, query string, passages []chat.RetrievedPassage, history []chat.Message) (*chat.GenerationResult, error)
}
