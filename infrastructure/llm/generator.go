// Package llm generates grounded answers with an OpenAI-compatible
// chat-completion service.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"m365rag-backend/domain/chat"
	"m365rag-backend/infrastructure/config"
	apperrors "m365rag-backend/pkg/errors"
)

// systemPrompt enforces strict grounding: the model must answer only from
// the supplied context, refuse when the answer is absent, and emit [n]
// citation markers matching the context item numbers.
const systemPrompt = `You are an enterprise knowledge assistant. Follow these rules strictly:

1. Answer ONLY using the provided context documents
2. If the answer is not in the documents, respond: "I don't have that information in the available documents."
3. Always cite your sources using [1], [2], etc.
4. Be concise and professional
5. Do not make assumptions or use external knowledge`

// Generation parameters are policy constants, not user-tunable: grounded
// answers need determinism more than creativity.
const (
	temperature = 0.2
	maxTokens   = 800
	topP        = 0.95

	// maxHistoryTurns bounds how many prior turns are replayed verbatim
	// between the system message and the current question.
	maxHistoryTurns = 4

	contextSeparator = "\n---\n"
)

// Generator implements ports.AnswerGenerator.
type Generator struct {
	client  *openai.Client
	model   string
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewGenerator creates a generator for the configured model service. An
// Azure endpoint routes through the Azure deployment; otherwise the
// public OpenAI API is used.
func NewGenerator(cfg *config.Config, logger *zap.Logger) *Generator {
	var clientConfig openai.ClientConfig
	if cfg.OpenAIEndpoint != "" {
		clientConfig = openai.DefaultAzureConfig(cfg.OpenAIAPIKey, cfg.OpenAIEndpoint)
		clientConfig.APIVersion = cfg.OpenAIAPIVersion
	} else {
		clientConfig = openai.DefaultConfig(cfg.OpenAIAPIKey)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "chat-completions",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Generator{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.OpenAIDeployment,
		breaker: breaker,
		logger:  logger,
	}
}

// Generate issues one chat-completion call grounded in the passages and
// returns the answer with one citation per input passage, numbered 1..N
// in passage order. Any call failure propagates; no fallback answer is
// synthesized.
func (g *Generator) Generate(ctx context.Context, query string, passages []chat.RetrievedPassage, history []chat.Message) (*chat.GenerationResult, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
	}

	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	for _, m := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: fmt.Sprintf("Context:\n%s\n\nQuestion: %s", buildContext(passages), query),
	})

	req := openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		TopP:        topP,
	}

	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.client.CreateChatCompletion(ctx, req)
	})
	if err != nil {
		g.logger.Error("Generation failed", zap.Error(err))
		return nil, apperrors.NewExternalError("language model", err)
	}

	resp := result.(openai.ChatCompletionResponse)
	if len(resp.Choices) == 0 {
		return nil, apperrors.NewExternalError("language model", fmt.Errorf("response contained no choices"))
	}

	return &chat.GenerationResult{
		Answer:    resp.Choices[0].Message.Content,
		Citations: chat.BuildCitations(passages),
		Usage: chat.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// buildContext formats the passages into numbered context blocks:
// "[n] title\ncontent\nSource: url", preserving input order. No
// re-ranking happens here; the numbering is what citations refer to.
func buildContext(passages []chat.RetrievedPassage) string {
	blocks := make([]string, 0, len(passages))
	for i, p := range passages {
		blocks = append(blocks, fmt.Sprintf("[%d] %s\n%s\nSource: %s\n", i+1, p.Title, p.Content, p.URL))
	}
	return strings.Join(blocks, contextSeparator)
}
