package config

import (
	"fmt"
	"os"
	"strconv"
)

// Citation policy values for CITATION_POLICY.
const (
	CitationPolicyRetrieved  = "retrieved"  // one citation per retrieved passage (default)
	CitationPolicyReferenced = "referenced" // only passages the answer actually cites
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	ServerAddress string
	Environment   string

	// Identity provider (app-only client credentials)
	TenantID     string
	ClientID     string
	ClientSecret string
	GraphScope   string

	// Search service
	GraphBaseURL string

	// Language model service
	OpenAIAPIKey     string
	OpenAIEndpoint   string // Azure endpoint; empty means the public API
	OpenAIDeployment string
	OpenAIAPIVersion string

	// Conversation store
	AWSRegion     string
	DynamoDBTable string

	// Behavior
	CitationPolicy string

	// Logging and features
	LogLevel      string
	EnableMetrics bool
	EnableCORS    bool
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerAddress: getEnv("SERVER_ADDRESS", ":8080"),
		Environment:   getEnv("ENVIRONMENT", "development"),

		TenantID:     getEnv("AZURE_TENANT_ID", ""),
		ClientID:     getEnv("AZURE_CLIENT_ID", ""),
		ClientSecret: getEnv("AZURE_CLIENT_SECRET", ""),
		GraphScope:   getEnv("GRAPH_SCOPE", "https://graph.microsoft.com/.default"),

		GraphBaseURL: getEnv("GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0"),

		OpenAIAPIKey:     getEnv("AZURE_OPENAI_API_KEY", getEnv("OPENAI_API_KEY", "")),
		OpenAIEndpoint:   getEnv("AZURE_OPENAI_ENDPOINT", ""),
		OpenAIDeployment: getEnv("AZURE_OPENAI_DEPLOYMENT", "gpt-4o"),
		OpenAIAPIVersion: getEnv("AZURE_OPENAI_API_VERSION", "2024-02-15-preview"),

		AWSRegion:     getEnv("AWS_REGION", "us-west-2"),
		DynamoDBTable: getEnv("TABLE_NAME", getEnv("DYNAMODB_TABLE", "m365rag-conversations")),

		CitationPolicy: getEnv("CITATION_POLICY", CitationPolicyRetrieved),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		EnableMetrics: getEnvBool("ENABLE_METRICS", false),
		EnableCORS:    getEnvBool("ENABLE_CORS", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if all required configuration is present.
func (c *Config) Validate() error {
	if c.CitationPolicy != CitationPolicyRetrieved && c.CitationPolicy != CitationPolicyReferenced {
		return fmt.Errorf("CITATION_POLICY must be %q or %q", CitationPolicyRetrieved, CitationPolicyReferenced)
	}

	if c.Environment == "production" {
		if c.TenantID == "" || c.ClientID == "" || c.ClientSecret == "" {
			return fmt.Errorf("AZURE_TENANT_ID, AZURE_CLIENT_ID and AZURE_CLIENT_SECRET are required in production")
		}
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("AZURE_OPENAI_API_KEY is required in production")
		}
		if c.DynamoDBTable == "" {
			return fmt.Errorf("DYNAMODB_TABLE is required")
		}
	}

	return nil
}

// IsDevelopment checks if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction checks if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value.
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
