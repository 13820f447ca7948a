// Package config loads the relay configuration from the environment, with an
// optional .env file for local runs.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Chative-core-poc-v1/agentrelay/internal/core"
	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
	pkgredis "github.com/Chative-core-poc-v1/agentrelay/pkg/redis"
	pkgsqlite "github.com/Chative-core-poc-v1/agentrelay/pkg/sqlite"
)

// History backends.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Engine kinds.
const (
	EngineChat    = "chat"
	EngineProcess = "process"
)

// AppConfig defines every configurable parameter of the relay.
type AppConfig struct {
	Environment core.Environment `envconfig:"APP_ENV" default:"development"`
	LogLevel    string           `envconfig:"LOG_LEVEL"`

	// Infrastructure
	Redis  pkgredis.Config
	SQLite pkgsqlite.Config

	Pool    model.PoolConfig
	Session model.SessionConfig
	History model.HistoryConfig
	Engine  model.EngineConfig
}

// providerKeys are consulted when CHAT_API_KEY is empty.
var providerKeys = map[string]string{
	"gemini":    "GEMINI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
}

// Load reads envFiles (missing files are skipped) and then the environment.
// Variables already set in the environment win over file values.
func Load(envFiles ...string) (*AppConfig, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment config: %w", err)
	}

	chat := &cfg.Engine.Chat
	chat.Provider = strings.ToLower(strings.TrimSpace(chat.Provider))
	if chat.APIKey == "" {
		if name, ok := providerKeys[chat.Provider]; ok {
			chat.APIKey = os.Getenv(name)
		}
	}
	// HISTORY_SQLITE_PATH wins over SQLITE_PATH.
	if p := strings.TrimSpace(cfg.History.SQLitePath); p != "" {
		cfg.SQLite.Path = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the relay cannot start with.
func (c *AppConfig) Validate() error {
	var errs []error
	switch c.History.Backend {
	case BackendRedis, BackendSQLite, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("HISTORY_BACKEND %q: want redis, sqlite or memory", c.History.Backend))
	}
	switch c.Engine.Kind {
	case EngineChat:
		if _, ok := providerKeys[c.Engine.Chat.Provider]; !ok {
			errs = append(errs, fmt.Errorf("CHAT_PROVIDER %q: want gemini, anthropic or openai", c.Engine.Chat.Provider))
		}
	case EngineProcess:
		if strings.TrimSpace(c.Engine.Process.Command) == "" {
			errs = append(errs, errors.New("PROCESS_COMMAND is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("ENGINE_KIND %q: want chat or process", c.Engine.Kind))
	}
	if c.Pool.Size < 1 {
		errs = append(errs, fmt.Errorf("POOL_SIZE %d: must be at least 1", c.Pool.Size))
	}
	if c.Session.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("SESSION_MAX %d: must be at least 1", c.Session.MaxSessions))
	}
	return errors.Join(errs...)
}
