package chat

import (
	"context"
	"fmt"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/Chative-core-poc-v1/agentrelay/internal/engine/chat/tools"
	logx "github.com/Chative-core-poc-v1/agentrelay/pkg/logger"
)

// GraphConfig holds all configuration needed to build the turn graph.
type GraphConfig struct {
	ChatModel    einomodel.ToolCallingChatModel
	ModelName    string
	Tools        []tool.BaseTool
	Prompt       *systemPrompt
	MaxToolCalls int
}

// GraphBuilder handles the construction of the turn graph:
// TurnInput -> ChatModel <-> ToolExecutor.
type GraphBuilder struct {
	config *GraphConfig
	graph  *compose.Graph[*turnInput, *schema.Message]
	model  einomodel.BaseChatModel
}

// BuildGraph constructs and returns the compiled turn graph.
func BuildGraph(ctx context.Context, config *GraphConfig) (compose.Runnable[*turnInput, *schema.Message], error) {
	if config == nil {
		return nil, fmt.Errorf("graph config is nil")
	}
	if config.ChatModel == nil {
		return nil, fmt.Errorf("chat model is nil")
	}
	if config.Prompt == nil {
		return nil, fmt.Errorf("system prompt is nil")
	}

	b := &GraphBuilder{
		config: config,
		graph: compose.NewGraph[*turnInput, *schema.Message](
			compose.WithGenLocalState(stateFromContext),
		),
		model: config.ChatModel,
	}

	hasTools := len(config.Tools) > 0
	if hasTools {
		if err := b.setupTools(ctx); err != nil {
			return nil, err
		}
	}
	if err := b.addNodes(); err != nil {
		return nil, err
	}
	if err := b.addEdges(hasTools); err != nil {
		return nil, err
	}
	if hasTools {
		if err := b.addBranches(); err != nil {
			return nil, err
		}
	}
	return b.compile(ctx)
}

// setupTools binds the tools to the model and adds the executor node.
func (b *GraphBuilder) setupTools(ctx context.Context) error {
	infos, err := tools.Infos(ctx, b.config.Tools)
	if err != nil {
		return fmt.Errorf("failed to get tool infos: %w", err)
	}
	bound, err := b.config.ChatModel.WithTools(infos)
	if err != nil {
		logx.Error().Err(err).Msg("Failed to bind tools")
		return fmt.Errorf("failed to bind tools: %w", err)
	}
	b.model = bound

	toolsNode, err := compose.NewToolNode(ctx, &compose.ToolsNodeConfig{
		Tools:               b.config.Tools,
		ExecuteSequentially: true,
		UnknownToolsHandler: func(ctx context.Context, name, input string) (string, error) {
			logx.Warn().
				Str("tool_name", name).
				Str("arguments", input).
				Msg("Unknown or invalid tool call; returning fallback result")
			return fmt.Sprintf("{\"error\":\"unknown_tool\",\"name\":%q,\"note\":\"ignored\"}", name), nil
		},
		ToolArgumentsHandler: tools.SanitizeArguments,
	})
	if err != nil {
		return fmt.Errorf("failed to create tools node: %w", err)
	}

	return b.graph.AddToolsNode(NodeToolExecutor, toolsNode,
		compose.WithStatePreHandler(NewToolExecutorPreHandler(b.config.MaxToolCalls)),
		compose.WithStatePostHandler(NewToolExecutorPostHandler()),
	)
}

func (b *GraphBuilder) addNodes() error {
	if err := b.graph.AddLambdaNode(NodeTurnInput,
		NewTurnInputNode(b.config.Prompt),
		compose.WithStatePreHandler(NewTurnInputPreHandler(b.config.ModelName)),
	); err != nil {
		return fmt.Errorf("add %s: %w", NodeTurnInput, err)
	}
	if err := b.graph.AddLambdaNode(NodeChatModel,
		NewChatModelNode(b.model, b.config.ModelName),
		compose.WithStatePreHandler(NewChatModelPreHandler(b.config.MaxToolCalls)),
		compose.WithStatePostHandler(NewChatModelPostHandler(b.config.ModelName)),
	); err != nil {
		return fmt.Errorf("add %s: %w", NodeChatModel, err)
	}
	return nil
}

func (b *GraphBuilder) addEdges(hasTools bool) error {
	edges := [][2]string{
		{compose.START, NodeTurnInput},
		{NodeTurnInput, NodeChatModel},
	}
	if hasTools {
		edges = append(edges, [2]string{NodeToolExecutor, NodeChatModel})
	} else {
		edges = append(edges, [2]string{NodeChatModel, compose.END})
	}
	for _, e := range edges {
		if err := b.graph.AddEdge(e[0], e[1]); err != nil {
			return fmt.Errorf("add edge %s -> %s: %w", e[0], e[1], err)
		}
	}
	return nil
}

func (b *GraphBuilder) addBranches() error {
	decision := compose.NewGraphBranch(
		NewToolExecutorCondition(),
		map[string]bool{
			NodeToolExecutor: true,
			compose.END:      true,
		},
	)
	if err := b.graph.AddBranch(NodeChatModel, decision); err != nil {
		return fmt.Errorf("error adding decision branch: %w", err)
	}
	return nil
}

func (b *GraphBuilder) compile(ctx context.Context) (compose.Runnable[*turnInput, *schema.Message], error) {
	// every tool round costs two steps
	maxSteps := 10 + normalizeMaxToolCalls(b.config.MaxToolCalls)*2
	if maxSteps < 20 {
		maxSteps = 20
	}
	runnable, err := b.graph.Compile(ctx, compose.WithMaxRunSteps(maxSteps), compose.WithGraphName("agentrelay.turn"))
	if err != nil {
		return nil, fmt.Errorf("error compiling graph: %w", err)
	}
	return runnable, nil
}
