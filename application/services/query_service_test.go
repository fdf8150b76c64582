package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"m365rag-backend/domain/chat"
	"m365rag-backend/infrastructure/config"
	apperrors "m365rag-backend/pkg/errors"
)

// Fakes for the pipeline's collaborators.

type fakeTokens struct {
	token string
}

func (f *fakeTokens) AccessToken(ctx context.Context) string { return f.token }

type fakeRetriever struct {
	passages  []chat.RetrievedPassage
	err       error
	gotToken  string
	gotQuery  string
	gotTopK   int
	gotFilter string
}

func (f *fakeRetriever) SearchContent(ctx context.Context, accessToken, query string, topK int, siteFilter string) ([]chat.RetrievedPassage, error) {
	f.gotToken = accessToken
	f.gotQuery = query
	f.gotTopK = topK
	f.gotFilter = siteFilter
	return f.passages, f.err
}

type appendedMessage struct {
	conversationID string
	role           chat.Role
	content        string
	citations      []chat.Citation
}

type fakeConversations struct {
	existing    *chat.Conversation
	getErr      error
	createErr   error
	appendErr   error
	appendErrAt int // fail the Nth append (1-based); 0 disables

	created  []string
	appended []appendedMessage
}

func (f *fakeConversations) CreateConversation(ctx context.Context, userID, title string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, title)
	return "3f6c0f6e-9c0e-4ad1-9f5e-111111111111", nil
}

func (f *fakeConversations) AddMessage(ctx context.Context, userID, conversationID string, role chat.Role, content string, citations []chat.Citation) error {
	if f.appendErr != nil && (f.appendErrAt == 0 || len(f.appended)+1 == f.appendErrAt) {
		return f.appendErr
	}
	f.appended = append(f.appended, appendedMessage{conversationID, role, content, citations})
	return nil
}

func (f *fakeConversations) GetConversation(ctx context.Context, userID, conversationID string) (*chat.Conversation, error) {
	return f.existing, f.getErr
}

func (f *fakeConversations) ListConversations(ctx context.Context, userID string, limit int) ([]chat.ConversationSummary, error) {
	return nil, nil
}

type fakeGenerator struct {
	result     *chat.GenerationResult
	err        error
	gotHistory []chat.Message
}

func (f *fakeGenerator) Generate(ctx context.Context, query string, passages []chat.RetrievedPassage, history []chat.Message) (*chat.GenerationResult, error) {
	f.gotHistory = history
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func twoPassages() []chat.RetrievedPassage {
	return []chat.RetrievedPassage{
		{Title: "HR Policy A", URL: "https://example.com/a", Content: "25 days."},
		{Title: "HR Handbook", URL: "https://example.com/b", Content: "See policy."},
	}
}

func newTestService(tokens *fakeTokens, retriever *fakeRetriever, conversations *fakeConversations, generator *fakeGenerator, policy string) *QueryService {
	return NewQueryService(tokens, retriever, conversations, generator, policy, zap.NewNop())
}

func TestExecuteFullTurn(t *testing.T) {
	passages := twoPassages()
	retriever := &fakeRetriever{passages: passages}
	conversations := &fakeConversations{}
	generator := &fakeGenerator{result: &chat.GenerationResult{
		Answer:    "25 days [1].",
		Citations: chat.BuildCitations(passages),
		Usage:     chat.TokenUsage{TotalTokens: 100},
	}}

	svc := newTestService(&fakeTokens{token: "tok"}, retriever, conversations, generator, config.CitationPolicyRetrieved)

	result, err := svc.Execute(context.Background(), QueryInput{
		UserID: "user-1",
		Query:  "What is the vacation policy?",
	})
	require.NoError(t, err)

	assert.Equal(t, "25 days [1].", result.Answer)
	assert.Len(t, result.ConversationID, 36)

	// citations: one per retrieved passage, numbered 1..N in order
	require.Len(t, result.Citations, 2)
	assert.Equal(t, 1, result.Citations[0].Number)
	assert.Equal(t, "HR Policy A", result.Citations[0].Title)
	assert.Equal(t, 2, result.Citations[1].Number)
	assert.Equal(t, "HR Handbook", result.Citations[1].Title)

	// retrieval received the acquired token and defaults
	assert.Equal(t, "tok", retriever.gotToken)
	assert.Equal(t, 5, retriever.gotTopK)

	// a conversation was created, titled from the query
	require.Len(t, conversations.created, 1)
	assert.Equal(t, "What is the vacation policy?", conversations.created[0])

	// user message persisted before the assistant message
	require.Len(t, conversations.appended, 2)
	assert.Equal(t, chat.RoleUser, conversations.appended[0].role)
	assert.Equal(t, "What is the vacation policy?", conversations.appended[0].content)
	assert.Empty(t, conversations.appended[0].citations)
	assert.Equal(t, chat.RoleAssistant, conversations.appended[1].role)
	assert.Equal(t, "25 days [1].", conversations.appended[1].content)
	assert.Len(t, conversations.appended[1].citations, 2)
}

func TestExecuteAuthFailure(t *testing.T) {
	conversations := &fakeConversations{}
	svc := newTestService(&fakeTokens{token: ""}, &fakeRetriever{}, conversations, &fakeGenerator{}, config.CitationPolicyRetrieved)

	_, err := svc.Execute(context.Background(), QueryInput{UserID: "user-1", Query: "q"})
	require.Error(t, err)
	assert.True(t, apperrors.IsUnauthorized(err))
	assert.Empty(t, conversations.appended)
}

func TestExecuteEmptyRetrievalShortCircuits(t *testing.T) {
	conversations := &fakeConversations{}
	svc := newTestService(&fakeTokens{token: "tok"}, &fakeRetriever{}, conversations, &fakeGenerator{}, config.CitationPolicyRetrieved)

	result, err := svc.Execute(context.Background(), QueryInput{UserID: "user-1", Query: "q"})
	require.NoError(t, err)

	assert.Equal(t, NoResultsAnswer, result.Answer)
	assert.Empty(t, result.Citations)
	assert.Equal(t, "none", result.ConversationID)

	// nothing useful to record: no store writes at all
	assert.Empty(t, conversations.created)
	assert.Empty(t, conversations.appended)
}

func TestExecuteEmptyRetrievalKeepsSuppliedConversationID(t *testing.T) {
	svc := newTestService(&fakeTokens{token: "tok"}, &fakeRetriever{}, &fakeConversations{}, &fakeGenerator{}, config.CitationPolicyRetrieved)

	result, err := svc.Execute(context.Background(), QueryInput{
		UserID:         "user-1",
		Query:          "q",
		ConversationID: "conv-7",
	})
	require.NoError(t, err)
	assert.Equal(t, "conv-7", result.ConversationID)
}

func TestExecuteLoadsHistoryForExistingConversation(t *testing.T) {
	history := []chat.Message{
		{Role: chat.RoleUser, Content: "earlier question"},
		{Role: chat.RoleAssistant, Content: "earlier answer"},
	}
	conversations := &fakeConversations{existing: &chat.Conversation{ID: "conv-7", Messages: history}}
	generator := &fakeGenerator{result: &chat.GenerationResult{Answer: "a", Citations: []chat.Citation{}}}

	svc := newTestService(&fakeTokens{token: "tok"}, &fakeRetriever{passages: twoPassages()}, conversations, generator, config.CitationPolicyRetrieved)

	result, err := svc.Execute(context.Background(), QueryInput{
		UserID:         "user-1",
		Query:          "q",
		ConversationID: "conv-7",
	})
	require.NoError(t, err)

	assert.Equal(t, history, generator.gotHistory)
	assert.Equal(t, "conv-7", result.ConversationID)
	// no new conversation was created
	assert.Empty(t, conversations.created)
}

func TestExecuteMissingConversationYieldsNoHistory(t *testing.T) {
	conversations := &fakeConversations{existing: nil}
	generator := &fakeGenerator{result: &chat.GenerationResult{Answer: "a", Citations: []chat.Citation{}}}

	svc := newTestService(&fakeTokens{token: "tok"}, &fakeRetriever{passages: twoPassages()}, conversations, generator, config.CitationPolicyRetrieved)

	_, err := svc.Execute(context.Background(), QueryInput{
		UserID:         "user-1",
		Query:          "q",
		ConversationID: "conv-missing",
	})
	require.NoError(t, err)
	assert.Nil(t, generator.gotHistory)
}

func TestExecuteGenerationFailurePersistsNothing(t *testing.T) {
	conversations := &fakeConversations{}
	generator := &fakeGenerator{err: apperrors.NewExternalError("language model", assert.AnError)}

	svc := newTestService(&fakeTokens{token: "tok"}, &fakeRetriever{passages: twoPassages()}, conversations, generator, config.CitationPolicyRetrieved)

	_, err := svc.Execute(context.Background(), QueryInput{UserID: "user-1", Query: "q"})
	require.Error(t, err)
	assert.True(t, apperrors.IsExternal(err))
	assert.Empty(t, conversations.created)
	assert.Empty(t, conversations.appended)
}

func TestExecuteAssistantAppendFailureSurfaces(t *testing.T) {
	conversations := &fakeConversations{
		appendErr:   apperrors.NewDatabaseError("append message", assert.AnError),
		appendErrAt: 2,
	}
	generator := &fakeGenerator{result: &chat.GenerationResult{Answer: "a", Citations: []chat.Citation{}}}

	svc := newTestService(&fakeTokens{token: "tok"}, &fakeRetriever{passages: twoPassages()}, conversations, generator, config.CitationPolicyRetrieved)

	_, err := svc.Execute(context.Background(), QueryInput{UserID: "user-1", Query: "q"})
	require.Error(t, err)

	// the user message is already recorded; the turn stays answerless
	require.Len(t, conversations.appended, 1)
	assert.Equal(t, chat.RoleUser, conversations.appended[0].role)
}

func TestExecuteReferencedCitationPolicy(t *testing.T) {
	passages := twoPassages()
	generator := &fakeGenerator{result: &chat.GenerationResult{
		Answer:    "Only the handbook matters [2].",
		Citations: chat.BuildCitations(passages),
	}}
	conversations := &fakeConversations{}

	svc := newTestService(&fakeTokens{token: "tok"}, &fakeRetriever{passages: passages}, conversations, generator, config.CitationPolicyReferenced)

	result, err := svc.Execute(context.Background(), QueryInput{UserID: "user-1", Query: "q"})
	require.NoError(t, err)

	require.Len(t, result.Citations, 1)
	assert.Equal(t, 2, result.Citations[0].Number)
	assert.Equal(t, "HR Handbook", result.Citations[0].Title)

	// the persisted assistant message carries the filtered list too
	require.Len(t, conversations.appended, 2)
	assert.Len(t, conversations.appended[1].citations, 1)
}

func TestExecuteClampsTopK(t *testing.T) {
	retriever := &fakeRetriever{}
	svc := newTestService(&fakeTokens{token: "tok"}, retriever, &fakeConversations{}, &fakeGenerator{}, config.CitationPolicyRetrieved)

	_, err := svc.Execute(context.Background(), QueryInput{UserID: "user-1", Query: "q", TopK: 50})
	require.NoError(t, err)
	assert.Equal(t, 10, retriever.gotTopK)
}

func TestExecuteTitleTruncatedToFiftyChars(t *testing.T) {
	passages := twoPassages()
	conversations := &fakeConversations{}
	generator := &fakeGenerator{result: &chat.GenerationResult{Answer: "a", Citations: []chat.Citation{}}}

	svc := newTestService(&fakeTokens{token: "tok"}, &fakeRetriever{passages: passages}, conversations, generator, config.CitationPolicyRetrieved)

	longQuery := "What is the vacation policy for contractors working in the Abu Dhabi office?"
	_, err := svc.Execute(context.Background(), QueryInput{UserID: "user-1", Query: longQuery})
	require.NoError(t, err)

	require.Len(t, conversations.created, 1)
	assert.Len(t, conversations.created[0], 50)
	// the stored user message keeps the full query
	assert.Equal(t, longQuery, conversations.appended[0].content)
}
