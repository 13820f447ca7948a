package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/cloudwego/eino/callbacks"

	"github.com/Chative-core-poc-v1/agentrelay/internal/config"
	"github.com/Chative-core-poc-v1/agentrelay/internal/conversation"
	"github.com/Chative-core-poc-v1/agentrelay/internal/engine"
	"github.com/Chative-core-poc-v1/agentrelay/internal/engine/chat"
	"github.com/Chative-core-poc-v1/agentrelay/internal/engine/chat/observers"
	"github.com/Chative-core-poc-v1/agentrelay/internal/engine/chat/tools"
	"github.com/Chative-core-poc-v1/agentrelay/internal/engine/process"
	"github.com/Chative-core-poc-v1/agentrelay/internal/engine/providers"
	"github.com/Chative-core-poc-v1/agentrelay/internal/event"
	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
	"github.com/Chative-core-poc-v1/agentrelay/internal/repo"
	logx "github.com/Chative-core-poc-v1/agentrelay/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logx.Init(logx.LoggerOpts{Environment: cfg.Environment, Level: cfg.LogLevel})

	history, closeHistory, err := newHistoryRepository(ctx, cfg)
	if err != nil {
		logx.Fatal().Err(err).Str("backend", cfg.History.Backend).Msg("history repository")
	}
	defer closeHistory()

	connector, err := newConnector(ctx, cfg, history)
	if err != nil {
		logx.Fatal().Err(err).Str("engine", cfg.Engine.Kind).Msg("engine connector")
	}

	svc := conversation.NewService(connector, history, conversation.Config{
		Pool:    cfg.Pool,
		Session: cfg.Session,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Close(shutdownCtx); err != nil {
			logx.Warn().Err(err).Msg("service shutdown")
		}
	}()

	logx.Info().
		Str("engine", cfg.Engine.Kind).
		Str("history", cfg.History.Backend).
		Int("pool_size", cfg.Pool.Size).
		Msg("relay ready")

	if err := runDemo(ctx, svc); err != nil {
		logx.Error().Err(err).Msg("demo conversation failed")
		return
	}
	fmt.Println("All demo turns completed")
}

func newHistoryRepository(ctx context.Context, cfg *config.AppConfig) (model.HistoryRepository, func(), error) {
	switch cfg.History.Backend {
	case config.BackendRedis:
		rdb, err := cfg.Redis.New(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		logx.Info().Str("url", cfg.Redis.URL).Msg("connected to redis")
		return repo.NewRedisHistoryRepository(rdb, cfg.History.TTL, cfg.Redis.KeyPrefix), func() { _ = rdb.Close() }, nil
	case config.BackendSQLite:
		db, err := cfg.SQLite.New()
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		r, err := repo.NewSQLiteHistoryRepository(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logx.Info().Str("path", cfg.SQLite.Path).Msg("opened sqlite history")
		return r, func() { _ = db.Close() }, nil
	default:
		return repo.NewMemoryHistoryRepository(), func() {}, nil
	}
}

func newConnector(ctx context.Context, cfg *config.AppConfig, history model.HistoryRepository) (engine.Connector, error) {
	if cfg.Engine.Kind == config.EngineProcess {
		return process.NewConnector(process.FromModel(cfg.Engine.Process))
	}

	chatCfg := cfg.Engine.Chat
	cm, err := providers.New(ctx, chatCfg)
	if err != nil {
		return nil, err
	}
	return chat.New(ctx, chat.Config{
		ChatModel:    cm,
		ModelName:    chatCfg.Model,
		Instructions: chatCfg.SystemPrompt,
		Tools:        tools.Default(history, nil),
		MaxToolCalls: chatCfg.MaxToolCalls,
		MaxHistory:   chatCfg.MaxHistory,
		History:      history,
		Callbacks:    []callbacks.Handler{observers.NewAllCallbacks()},
	})
}

// runDemo streams a first turn, then continues the same session with
// blocking turns.
func runDemo(ctx context.Context, svc *conversation.Service) error {
	queries := []struct {
		description string
		query       string
	}{
		{"Initial greeting", "Hi! I'm planning a weekend trip to Kyoto. Can you help?"},
		{"Follow-up relying on context", "What day of the week is it today, and what should I pack?"},
		{"Recall from history", "Remind me which city I said I was visiting."},
	}

	fmt.Printf("\nTurn 1: %s\nQuery: %q\n", queries[0].description, queries[0].query)
	stream, err := svc.CreateAndStream(ctx, conversation.Request{
		Content: model.Text(queries[0].query),
		UserID:  "demo-user",
	})
	if err != nil {
		return err
	}
	for ev := range stream.Events() {
		switch ev.Kind {
		case event.KindTextDelta:
			if !ev.Snapshot {
				fmt.Print(ev.Text)
			}
		case event.KindToolUse:
			fmt.Printf("\n[tool %s]\n", ev.Name)
		case event.KindDone:
			fmt.Printf("\n(done: turns=%d cost=$%.6f)\n", ev.TurnCount, ev.TotalCost)
		case event.KindError:
			return errors.New(ev.Message)
		}
	}
	sessionID := stream.SessionID()
	fmt.Println(strings.Repeat("-", 48))

	for i, q := range queries[1:] {
		fmt.Printf("\nTurn %d: %s\nQuery: %q\n", i+2, q.description, q.query)
		resp, err := svc.SendMessage(ctx, sessionID, conversation.Request{Content: model.Text(q.query)})
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+2, err)
		}
		fmt.Printf("Response: %s\n(turns=%d cost=$%.6f tools=%d)\n", resp.Text, resp.TurnCount, resp.TotalCost, len(resp.ToolCalls))
		fmt.Println(strings.Repeat("-", 48))
	}

	h, err := svc.History(ctx, sessionID)
	if err != nil {
		return err
	}
	fmt.Printf("\nSession %s recorded %d history entries\n", sessionID, len(h.Records))
	return nil
}
