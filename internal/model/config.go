package model

import "time"

// ================ Config ================
type PoolConfig struct {
	Size           int           `envconfig:"POOL_SIZE" default:"4"`
	AcquireTimeout time.Duration `envconfig:"POOL_ACQUIRE_TIMEOUT" default:"60s"`
}

type SessionConfig struct {
	TTL           time.Duration `envconfig:"SESSION_TTL" default:"1h"`
	MaxSessions   int           `envconfig:"SESSION_MAX" default:"100"`
	LockTimeout   time.Duration `envconfig:"SESSION_LOCK_TIMEOUT" default:"30s"`
	PreviewLength int           `envconfig:"SESSION_PREVIEW_LENGTH" default:"100"`
}

type HistoryConfig struct {
	Backend    string        `envconfig:"HISTORY_BACKEND" default:"redis"`
	TTL        time.Duration `envconfig:"HISTORY_TTL" default:"0s"`
	SQLitePath string        `envconfig:"HISTORY_SQLITE_PATH" default:"data/history.db"`
}

type EngineConfig struct {
	Kind string `envconfig:"ENGINE_KIND" default:"chat"`

	Chat    ChatModelConfig
	Process ProcessEngineConfig
}

type ChatModelConfig struct {
	Provider     string  `envconfig:"CHAT_PROVIDER" default:"gemini"`
	Model        string  `envconfig:"CHAT_MODEL" default:"gemini-2.5-flash"`
	MaxTokens    int     `envconfig:"CHAT_MAX_TOKENS" default:"2000"`
	Temperature  float32 `envconfig:"CHAT_TEMPERATURE" default:"0.4"`
	SystemPrompt string  `envconfig:"CHAT_SYSTEM_PROMPT" default:"You are a helpful assistant."`
	MaxToolCalls int     `envconfig:"CHAT_MAX_TOOL_CALLS" default:"10"`

	// MaxHistory caps the transcript messages replayed per turn; 0 replays all.
	MaxHistory     int    `envconfig:"CHAT_MAX_HISTORY" default:"40"`
	ThinkingBudget int    `envconfig:"CHAT_THINKING_BUDGET" default:"0"`
	BaseURL        string `envconfig:"CHAT_BASE_URL"`

	// APIKey falls back to the provider's own variable (GEMINI_API_KEY,
	// ANTHROPIC_API_KEY, OPENAI_API_KEY) when empty.
	APIKey string `envconfig:"CHAT_API_KEY"`
}

type ProcessEngineConfig struct {
	Command string   `envconfig:"PROCESS_COMMAND" default:"claude"`
	Args    []string `envconfig:"PROCESS_ARGS"`
	WorkDir string   `envconfig:"PROCESS_WORKDIR"`
}
