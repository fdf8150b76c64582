// Package dynamodb persists conversations in a single DynamoDB table.
// Items are keyed PK=USER#<userId>, SK=CONV#<conversationId> so one
// user's history is isolated in its own partition.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"m365rag-backend/domain/chat"
	apperrors "m365rag-backend/pkg/errors"
	"m365rag-backend/pkg/utils"
)

// appendAttempts bounds the compare-and-swap loop in AddMessage.
const appendAttempts = 3

// DynamoDBAPI is the subset of the DynamoDB client the repository uses.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// ConversationRepository implements ports.ConversationRepository.
type ConversationRepository struct {
	client    DynamoDBAPI
	tableName string
	logger    *zap.Logger
}

// NewConversationRepository creates a new ConversationRepository.
func NewConversationRepository(client DynamoDBAPI, tableName string, logger *zap.Logger) *ConversationRepository {
	return &ConversationRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

// conversationItem is the DynamoDB item structure for a conversation.
// Version guards the read-modify-write append against concurrent writers.
type conversationItem struct {
	PK             string        `dynamodbav:"PK"`
	SK             string        `dynamodbav:"SK"`
	EntityType     string        `dynamodbav:"EntityType"`
	ConversationID string        `dynamodbav:"ConversationID"`
	UserID         string        `dynamodbav:"UserID"`
	Title          string        `dynamodbav:"Title"`
	Messages       []messageItem `dynamodbav:"Messages"`
	CreatedAt      string        `dynamodbav:"CreatedAt"`
	UpdatedAt      string        `dynamodbav:"UpdatedAt"`
	Version        int           `dynamodbav:"Version"`
}

type messageItem struct {
	ID        string         `dynamodbav:"ID"`
	Role      string         `dynamodbav:"Role"`
	Content   string         `dynamodbav:"Content"`
	Timestamp string         `dynamodbav:"Timestamp"`
	Citations []citationItem `dynamodbav:"Citations"`
}

type citationItem struct {
	Number  int    `dynamodbav:"Number"`
	Title   string `dynamodbav:"Title"`
	URL     string `dynamodbav:"URL"`
	Snippet string `dynamodbav:"Snippet"`
}

func conversationKey(userID, conversationID string) (string, string) {
	return fmt.Sprintf("USER#%s", userID), fmt.Sprintf("CONV#%s", conversationID)
}

// CreateConversation writes an empty conversation record and returns the
// generated id.
func (r *ConversationRepository) CreateConversation(ctx context.Context, userID, title string) (string, error) {
	conversationID := uuid.New().String()
	now := utils.NowRFC3339()

	pk, sk := conversationKey(userID, conversationID)
	item := conversationItem{
		PK:             pk,
		SK:             sk,
		EntityType:     "CONVERSATION",
		ConversationID: conversationID,
		UserID:         userID,
		Title:          title,
		Messages:       []messageItem{},
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return "", apperrors.NewDatabaseError("create conversation", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      av,
	}

	if _, err := r.client.PutItem(ctx, input); err != nil {
		r.logger.Error("Failed to create conversation",
			zap.String("userID", userID),
			zap.Error(err),
		)
		return "", apperrors.NewDatabaseError("create conversation", err)
	}

	r.logger.Info("Conversation created",
		zap.String("conversationID", conversationID),
		zap.String("userID", userID),
	)

	return conversationID, nil
}

// AddMessage appends one message to an existing conversation. The append
// is a version-guarded compare-and-swap: read the item, append, and write
// back conditioned on the version still matching. A concurrent append
// fails the condition and the loop re-reads, up to appendAttempts times.
func (r *ConversationRepository) AddMessage(ctx context.Context, userID, conversationID string, role chat.Role, content string, citations []chat.Citation) error {
	var lastErr error

	for attempt := 1; attempt <= appendAttempts; attempt++ {
		item, err := r.getItem(ctx, userID, conversationID)
		if err != nil {
			return apperrors.NewDatabaseError("read conversation", err)
		}
		if item == nil {
			return apperrors.NewNotFoundError("conversation")
		}

		now := utils.NowRFC3339()
		item.Messages = append(item.Messages, messageItem{
			ID:        uuid.New().String(),
			Role:      string(role),
			Content:   content,
			Timestamp: now,
			Citations: toCitationItems(citations),
		})
		item.UpdatedAt = now

		expectedVersion := item.Version
		item.Version++

		av, err := attributevalue.MarshalMap(item)
		if err != nil {
			return apperrors.NewDatabaseError("append message", err)
		}

		cond := expression.Name("Version").Equal(expression.Value(expectedVersion))
		expr, err := expression.NewBuilder().WithCondition(cond).Build()
		if err != nil {
			return apperrors.NewDatabaseError("append message", err)
		}

		input := &dynamodb.PutItemInput{
			TableName:                 aws.String(r.tableName),
			Item:                      av,
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		}

		_, err = r.client.PutItem(ctx, input)
		if err == nil {
			return nil
		}

		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			lastErr = err
			r.logger.Warn("Concurrent append detected, retrying",
				zap.String("conversationID", conversationID),
				zap.Int("attempt", attempt),
			)
			continue
		}

		r.logger.Error("Failed to append message",
			zap.String("conversationID", conversationID),
			zap.String("userID", userID),
			zap.Error(err),
		)
		return apperrors.NewDatabaseError("append message", err)
	}

	return apperrors.NewDatabaseError("append message", lastErr)
}

// GetConversation returns the conversation, or nil when absent.
func (r *ConversationRepository) GetConversation(ctx context.Context, userID, conversationID string) (*chat.Conversation, error) {
	item, err := r.getItem(ctx, userID, conversationID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("read conversation", err)
	}
	if item == nil {
		return nil, nil
	}
	return toDomain(item), nil
}

// ListConversations returns the user's conversations, newest activity
// first, capped at limit. Messages are excluded by projection. On store
// errors the listing fails open to an empty list.
func (r *ConversationRepository) ListConversations(ctx context.Context, userID string, limit int) ([]chat.ConversationSummary, error) {
	pk, _ := conversationKey(userID, "")

	keyCond := expression.Key("PK").Equal(expression.Value(pk)).
		And(expression.Key("SK").BeginsWith("CONV#"))
	projection := expression.NamesList(
		expression.Name("ConversationID"),
		expression.Name("Title"),
		expression.Name("CreatedAt"),
		expression.Name("UpdatedAt"),
	)

	expr, err := expression.NewBuilder().
		WithKeyCondition(keyCond).
		WithProjection(projection).
		Build()
	if err != nil {
		r.logger.Error("Failed to build list query", zap.Error(err))
		return []chat.ConversationSummary{}, nil
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	result, err := r.client.Query(ctx, input)
	if err != nil {
		r.logger.Error("Failed to list conversations",
			zap.String("userID", userID),
			zap.Error(err),
		)
		return []chat.ConversationSummary{}, nil
	}

	summaries := make([]chat.ConversationSummary, 0, len(result.Items))
	for _, raw := range result.Items {
		var item conversationItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			r.logger.Warn("Failed to unmarshal conversation item", zap.Error(err))
			continue
		}
		createdAt, _ := utils.ParseRFC3339(item.CreatedAt)
		updatedAt, _ := utils.ParseRFC3339(item.UpdatedAt)
		summaries = append(summaries, chat.ConversationSummary{
			ID:        item.ConversationID,
			Title:     item.Title,
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})

	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}

	return summaries, nil
}

// getItem performs a consistent point read of one conversation item.
// A missing item yields (nil, nil).
func (r *ConversationRepository) getItem(ctx context.Context, userID, conversationID string) (*conversationItem, error) {
	pk, sk := conversationKey(userID, conversationID)

	input := &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
		ConsistentRead: aws.Bool(true),
	}

	result, err := r.client.GetItem(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(result.Item) == 0 {
		return nil, nil
	}

	var item conversationItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return &item, nil
}

func toCitationItems(citations []chat.Citation) []citationItem {
	items := make([]citationItem, 0, len(citations))
	for _, c := range citations {
		items = append(items, citationItem{
			Number:  c.Number,
			Title:   c.Title,
			URL:     c.URL,
			Snippet: c.Snippet,
		})
	}
	return items
}

func toDomain(item *conversationItem) *chat.Conversation {
	createdAt, _ := utils.ParseRFC3339(item.CreatedAt)
	updatedAt, _ := utils.ParseRFC3339(item.UpdatedAt)

	messages := make([]chat.Message, 0, len(item.Messages))
	for _, m := range item.Messages {
		timestamp, _ := utils.ParseRFC3339(m.Timestamp)
		citations := make([]chat.Citation, 0, len(m.Citations))
		for _, c := range m.Citations {
			citations = append(citations, chat.Citation{
				Number:  c.Number,
				Title:   c.Title,
				URL:     c.URL,
				Snippet: c.Snippet,
			})
		}
		messages = append(messages, chat.Message{
			ID:        m.ID,
			Role:      chat.Role(m.Role),
			Content:   m.Content,
			Timestamp: timestamp,
			Citations: citations,
		})
	}

	return &chat.Conversation{
		ID:        item.ConversationID,
		UserID:    item.UserID,
		Title:     item.Title,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		Messages:  messages,
	}
}
