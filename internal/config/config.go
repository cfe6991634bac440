// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Model providers.
const (
	ProviderBedrock = "bedrock"
	ProviderEcho    = "echo"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	AllowedOrigins []string
	LogLevel       slog.Level

	Model ModelConfig
	Agent AgentConfig
	Fetch FetchConfig

	DBPath        string
	MemoryEnabled bool
	ThreadTTL     time.Duration

	// AuthJWTSecret enables bearer tokens; empty keeps every caller anonymous.
	AuthJWTSecret string

	ChatRateLimit float64 // chats per second per user, 0 disables
	ChatRateBurst int

	GRPCHealthPort string // empty disables the gRPC health server

	ConversationLog ConversationLogConfig
}

// ModelConfig selects and configures the model gateway.
type ModelConfig struct {
	Provider           string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	BedrockModelID     string
	DefaultMaxTokens   int
	DefaultTemperature *float64
	Timeout            time.Duration
	EchoDelay          time.Duration
}

// AgentConfig controls the agent loop.
type AgentConfig struct {
	SystemPrompt  string
	MaxIterations int
	ToolTimeout   time.Duration
}

// FetchConfig controls the fetch_url tool.
type FetchConfig struct {
	MaxBytes int64
	CacheTTL time.Duration
	Timeout  time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	// QueueSize of zero leaves the choice to the logger.
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		LogLevel:       parseLevel(getEnv("LOG_LEVEL", "info")),
		Model: ModelConfig{
			Provider:           strings.ToLower(getEnv("MODEL_PROVIDER", ProviderEcho)),
			AWSRegion:          getEnv("AWS_REGION", "us-east-1"),
			AWSAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			AWSSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			BedrockModelID:     getEnv("BEDROCK_MODEL_ID", "anthropic.claude-3-5-sonnet-20240620-v1:0"),
			DefaultMaxTokens:   getEnvInt("DEFAULT_MAX_TOKENS", 4096),
			DefaultTemperature: getEnvFloatPtr("DEFAULT_TEMPERATURE"),
			Timeout:            getEnvDuration("MODEL_TIMEOUT", 0),
			EchoDelay:          getEnvDuration("ECHO_DELAY", 20*time.Millisecond),
		},
		Agent: AgentConfig{
			SystemPrompt:  getEnv("SYSTEM_PROMPT", "You are a helpful assistant. Use the available tools when they help."),
			MaxIterations: getEnvInt("MAX_ITERATIONS", 10),
			ToolTimeout:   getEnvDuration("TOOL_TIMEOUT", 30*time.Second),
		},
		Fetch: FetchConfig{
			MaxBytes: int64(getEnvInt("FETCH_MAX_BYTES", 1<<20)),
			CacheTTL: getEnvDuration("FETCH_CACHE_TTL", 5*time.Minute),
			Timeout:  getEnvDuration("FETCH_TIMEOUT", 10*time.Second),
		},
		DBPath:         getEnv("DB_PATH", "./data/agentstream.db"),
		MemoryEnabled:  getEnvBool("MEMORY_ENABLED", true),
		ThreadTTL:      getEnvDuration("THREAD_TTL", 7*24*time.Hour),
		AuthJWTSecret:  getEnv("AUTH_JWT_SECRET", ""),
		ChatRateLimit:  getEnvFloat("CHAT_RATE_LIMIT", 1),
		ChatRateBurst:  getEnvInt("CHAT_RATE_BURST", 5),
		GRPCHealthPort: getEnv("GRPC_HEALTH_PORT", ""),
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 0),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Model.Provider {
	case ProviderEcho:
	case ProviderBedrock:
		if c.Model.AWSRegion == "" {
			return fmt.Errorf("AWS_REGION cannot be empty for the bedrock provider")
		}
		if c.Model.BedrockModelID == "" {
			return fmt.Errorf("BEDROCK_MODEL_ID cannot be empty for the bedrock provider")
		}
	default:
		return fmt.Errorf("MODEL_PROVIDER must be %q or %q, got %q", ProviderBedrock, ProviderEcho, c.Model.Provider)
	}
	if c.Model.DefaultMaxTokens <= 0 {
		return fmt.Errorf("DEFAULT_MAX_TOKENS must be > 0")
	}
	if t := c.Model.DefaultTemperature; t != nil && (*t < 0 || *t > 1) {
		return fmt.Errorf("DEFAULT_TEMPERATURE must be within [0, 1]")
	}
	if c.Model.Timeout < 0 {
		return fmt.Errorf("MODEL_TIMEOUT cannot be negative")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("MAX_ITERATIONS must be > 0")
	}
	if c.Agent.ToolTimeout <= 0 {
		return fmt.Errorf("TOOL_TIMEOUT must be > 0")
	}
	if c.Fetch.MaxBytes <= 0 {
		return fmt.Errorf("FETCH_MAX_BYTES must be > 0")
	}
	if c.MemoryEnabled && c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.ChatRateLimit < 0 {
		return fmt.Errorf("CHAT_RATE_LIMIT cannot be negative")
	}
	if c.ChatRateLimit > 0 && c.ChatRateBurst <= 0 {
		return fmt.Errorf("CHAT_RATE_BURST must be > 0 when rate limiting is enabled")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalEnabled && c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize < 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE cannot be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvFloatPtr(key string) *float64 {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return nil
	}
	return &f
}

// getEnvDuration accepts Go durations ("30s") or bare seconds ("30").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for part := range strings.SplitSeq(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
