// Package di wires the application's dependencies together.
package di

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"

	"m365rag-backend/application/services"
	"m365rag-backend/infrastructure/config"
	"m365rag-backend/infrastructure/identity"
	"m365rag-backend/infrastructure/llm"
	"m365rag-backend/infrastructure/persistence/dynamodb"
	"m365rag-backend/infrastructure/search"
)

// Container holds the wired application components.
type Container struct {
	Config        *config.Config
	Logger        *zap.Logger
	Conversations *dynamodb.ConversationRepository
	QueryService  *services.QueryService
}

// InitializeContainer builds the dependency graph for the server.
func InitializeContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	logger, err := ProvideLogger(cfg)
	if err != nil {
		return nil, err
	}

	awsCfg, err := ProvideAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	conversations := dynamodb.NewConversationRepository(
		ProvideDynamoDBClient(awsCfg),
		cfg.DynamoDBTable,
		logger,
	)

	queryService := services.NewQueryService(
		identity.NewProvider(cfg, logger),
		search.NewClient(cfg.GraphBaseURL, logger),
		conversations,
		llm.NewGenerator(cfg, logger),
		cfg.CitationPolicy,
		logger,
	)

	return &Container{
		Config:        cfg,
		Logger:        logger,
		Conversations: conversations,
		QueryService:  queryService,
	}, nil
}

// ProvideLogger creates a new logger instance.
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// ProvideAWSConfig creates AWS configuration.
func ProvideAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWSRegion),
	)
}

// ProvideDynamoDBClient creates a DynamoDB client.
func ProvideDynamoDBClient(awsCfg aws.Config) *awsdynamodb.Client {
	return awsdynamodb.NewFromConfig(awsCfg)
}
