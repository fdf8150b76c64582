// Package services contains the query orchestration pipeline.
package services

import (
	"context"

	"go.uber.org/zap"

	"m365rag-backend/application/ports"
	"m365rag-backend/domain/chat"
	"m365rag-backend/infrastructure/config"
	apperrors "m365rag-backend/pkg/errors"
)

// NoResultsAnswer is returned when retrieval finds nothing. The turn is
// not persisted in that case: there is nothing useful to record.
const NoResultsAnswer = "I couldn't find relevant information in the available documents."

// noConversationID is echoed when a no-results turn had no conversation.
const noConversationID = "none"

const (
	defaultTopK = 5
	maxTopK     = 10
	titleLimit  = 50
)

// QueryInput is one incoming query turn.
type QueryInput struct {
	UserID         string
	Query          string
	ConversationID string
	SiteFilter     string
	TopK           int
}

// QueryResult is the unified response of one query turn.
type QueryResult struct {
	Answer         string
	Citations      []chat.Citation
	ConversationID string
	Usage          chat.TokenUsage
}

// QueryService sequences the query pipeline: authenticate, retrieve,
// load history, generate, persist. Each step failure maps to a distinct
// error category; no step is retried here beyond what the retrieval
// client retries internally.
type QueryService struct {
	tokens         ports.TokenProvider
	retriever      ports.Retriever
	conversations  ports.ConversationRepository
	generator      ports.AnswerGenerator
	citationPolicy string
	logger         *zap.Logger
}

// NewQueryService creates a new query service.
func NewQueryService(
	tokens ports.TokenProvider,
	retriever ports.Retriever,
	conversations ports.ConversationRepository,
	generator ports.AnswerGenerator,
	citationPolicy string,
	logger *zap.Logger,
) *QueryService {
	return &QueryService{
		tokens:         tokens,
		retriever:      retriever,
		conversations:  conversations,
		generator:      generator,
		citationPolicy: citationPolicy,
		logger:         logger,
	}
}

// Execute handles one query turn end to end.
func (s *QueryService) Execute(ctx context.Context, in QueryInput) (*QueryResult, error) {
	// Step 1: authenticate with the service identity.
	token := s.tokens.AccessToken(ctx)
	if token == "" {
		return nil, apperrors.NewUnauthorizedError("authentication failed")
	}

	// Step 2: retrieve relevant content.
	topK := in.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	passages, err := s.retriever.SearchContent(ctx, token, in.Query, topK, in.SiteFilter)
	if err != nil {
		return nil, err
	}

	// No passages: answer with the fixed sentence and record nothing.
	if len(passages) == 0 {
		conversationID := in.ConversationID
		if conversationID == "" {
			conversationID = noConversationID
		}
		return &QueryResult{
			Answer:         NoResultsAnswer,
			Citations:      []chat.Citation{},
			ConversationID: conversationID,
		}, nil
	}

	// Step 3: load prior turns, best effort. A missing conversation means
	// no history, not an error.
	var history []chat.Message
	if in.ConversationID != "" {
		conversation, err := s.conversations.GetConversation(ctx, in.UserID, in.ConversationID)
		if err != nil {
			return nil, err
		}
		if conversation != nil {
			history = conversation.Messages
		}
	}

	// Step 4: generate the grounded answer. Nothing is persisted when
	// generation fails.
	result, err := s.generator.Generate(ctx, in.Query, passages, history)
	if err != nil {
		return nil, err
	}

	citations := result.Citations
	if s.citationPolicy == config.CitationPolicyReferenced {
		citations = chat.FilterReferenced(result.Answer, citations)
	}

	// Step 5: persist the turn, user message before assistant message.
	conversationID := in.ConversationID
	if conversationID == "" {
		conversationID, err = s.conversations.CreateConversation(ctx, in.UserID, chat.Truncate(in.Query, titleLimit))
		if err != nil {
			return nil, err
		}
	}

	if err := s.conversations.AddMessage(ctx, in.UserID, conversationID, chat.RoleUser, in.Query, nil); err != nil {
		return nil, err
	}
	if err := s.conversations.AddMessage(ctx, in.UserID, conversationID, chat.RoleAssistant, result.Answer, citations); err != nil {
		// The user message is already recorded; this turn stays without
		// an answer. Known gap, no rollback.
		s.logger.Error("Assistant message append failed after user message was recorded",
			zap.String("conversationID", conversationID),
			zap.String("userID", in.UserID),
			zap.Error(err),
		)
		return nil, err
	}

	return &QueryResult{
		Answer:         result.Answer,
		Citations:      citations,
		ConversationID: conversationID,
		Usage:          result.Usage,
	}, nil
}
