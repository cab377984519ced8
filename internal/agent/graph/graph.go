package graph

import (
	"context"
	"fmt"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"

	"github.com/ask-mandi/server/internal/agent/graph/nodes"
	"github.com/ask-mandi/server/internal/agent/graph/observers"
	"github.com/ask-mandi/server/internal/agent/llm"
	"github.com/ask-mandi/server/internal/agent/model"
	"github.com/ask-mandi/server/internal/fallback"
	"github.com/ask-mandi/server/internal/location"
	logx "github.com/ask-mandi/server/pkg/logger"
)

// Runner is a thin wrapper to execute the compiled graph with the public QueryInput.
type Runner interface {
	Invoke(ctx context.Context, in model.QueryInput) (*model.Outcome, error)
}

// GraphConfig holds all configuration needed to build the graph
type GraphConfig struct {
	// Planner is the chat model node that writes SQL.
	Planner          einomodel.BaseChatModel
	PlannerModelName string

	// Clarifier answers unclear questions; usually the summary model.
	Clarifier       llm.Generator
	ClarifierConfig nodes.ClarifierConfig

	// Resolver may be nil, which disables location hints.
	Resolver     *location.Resolver
	Fallback     *fallback.Orchestrator
	PlannerInput nodes.PlannerPromptConfig
}

// GraphBuilder handles the construction of the retrieval graph
type GraphBuilder struct {
	config *GraphConfig
	graph  *compose.Graph[model.QueryInput, *model.Outcome]
}

type graphRunner struct {
	runnable compose.Runnable[model.QueryInput, *model.Outcome]
}

func (r *graphRunner) Invoke(ctx context.Context, in model.QueryInput) (*model.Outcome, error) {
	out, err := r.runnable.Invoke(ctx, in, compose.WithCallbacks(observers.NewAllCallbacks()))
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("graph returned no outcome")
	}
	logx.Ctx(ctx).Info().
		Str("outcome", string(out.Kind)).
		Str("intent", string(out.Intent)).
		Int("rows", len(out.Rows)).
		Int("fallback_steps", out.FallbackSteps).
		Int("total_tokens", out.Usage.TotalTokens).
		Float64("total_cost_usd", out.CostUSD).
		Msg("Retrieval finished")
	return out, nil
}

// NewRunner builds the graph and wraps it in a Runner.
func NewRunner(ctx context.Context, config *GraphConfig) (Runner, error) {
	runnable, err := BuildGraph(ctx, config)
	if err != nil {
		return nil, err
	}
	logx.Debug().Msg("Retrieval graph built successfully")
	return &graphRunner{runnable: runnable}, nil
}

// BuildGraph constructs and returns the compiled retrieval graph
func BuildGraph(ctx context.Context, config *GraphConfig) (compose.Runnable[model.QueryInput, *model.Outcome], error) {
	if config == nil {
		return nil, fmt.Errorf("graph config is nil")
	}
	if config.Planner == nil || config.Clarifier == nil {
		return nil, fmt.Errorf("chat models are not properly initialized")
	}
	if config.Fallback == nil {
		return nil, fmt.Errorf("fallback orchestrator is nil")
	}

	builder := &GraphBuilder{
		config: config,
		graph: compose.NewGraph[model.QueryInput, *model.Outcome](
			compose.WithGenLocalState(func(ctx context.Context) *model.PipelineState {
				return &model.PipelineState{}
			}),
		),
	}

	if err := builder.addNodes(); err != nil {
		return nil, err
	}
	if err := builder.addEdges(); err != nil {
		return nil, err
	}
	if err := builder.addBranches(); err != nil {
		return nil, err
	}

	return builder.compile(ctx)
}

// addNodes adds all processing nodes to the graph
func (b *GraphBuilder) addNodes() error {
	cfg := b.config
	steps := []struct {
		name string
		add  func() error
	}{
		{nodes.NodeLocator, func() error {
			return b.graph.AddLambdaNode(nodes.NodeLocator,
				nodes.NewLocatorNode(cfg.Resolver),
				compose.WithStatePreHandler(nodes.NewLocatorPreHandler()),
				compose.WithStatePostHandler(nodes.NewOutcomePostHandler(nodes.NodeLocator)),
			)
		}},
		{nodes.NodePlannerPrompt, func() error {
			return b.graph.AddLambdaNode(nodes.NodePlannerPrompt,
				nodes.NewPlannerPromptNode(cfg.PlannerInput),
				compose.WithStatePreHandler(nodes.NewPlannerPromptPreHandler()),
			)
		}},
		{nodes.NodePlanner, func() error {
			return b.graph.AddChatModelNode(nodes.NodePlanner,
				cfg.Planner,
				compose.WithStatePostHandler(nodes.NewPlannerPostHandler(cfg.PlannerModelName)),
			)
		}},
		{nodes.NodePlanParser, func() error {
			return b.graph.AddLambdaNode(nodes.NodePlanParser,
				nodes.NewPlanParserNode(),
				compose.WithStatePostHandler(nodes.NewOutcomePostHandler(nodes.NodePlanParser)),
			)
		}},
		{nodes.NodeClarifier, func() error {
			return b.graph.AddLambdaNode(nodes.NodeClarifier,
				nodes.NewClarifierNode(cfg.Clarifier, cfg.ClarifierConfig),
				compose.WithStatePostHandler(nodes.NewOutcomePostHandler(nodes.NodeClarifier)),
			)
		}},
		{nodes.NodeValidator, func() error {
			return b.graph.AddLambdaNode(nodes.NodeValidator, nodes.NewValidatorNode())
		}},
		{nodes.NodeExecutor, func() error {
			return b.graph.AddLambdaNode(nodes.NodeExecutor, nodes.NewExecutorNode())
		}},
		{nodes.NodeFallback, func() error {
			return b.graph.AddLambdaNode(nodes.NodeFallback,
				nodes.NewFallbackNode(cfg.Fallback),
				compose.WithStatePostHandler(nodes.NewOutcomePostHandler(nodes.NodeFallback)),
			)
		}},
	}

	for _, s := range steps {
		if err := s.add(); err != nil {
			logx.Error().Err(err).Str("node", s.name).Msg("Error adding node")
			return fmt.Errorf("error adding node %s: %w", s.name, err)
		}
	}
	return nil
}

// addEdges creates the main flow connections between nodes
func (b *GraphBuilder) addEdges() error {
	edges := [][2]string{
		{compose.START, nodes.NodeLocator},
		{nodes.NodeLocator, nodes.NodePlannerPrompt},
		{nodes.NodePlannerPrompt, nodes.NodePlanner},
		{nodes.NodePlanner, nodes.NodePlanParser},
		{nodes.NodeClarifier, compose.END},
		{nodes.NodeFallback, compose.END},
	}

	for _, edge := range edges {
		if err := b.graph.AddEdge(edge[0], edge[1]); err != nil {
			return fmt.Errorf("error adding edge %s -> %s: %w", edge[0], edge[1], err)
		}
	}
	return nil
}

// addBranches creates conditional routing branches
func (b *GraphBuilder) addBranches() error {
	branches := []struct {
		from      string
		condition func(context.Context, *model.Outcome) (string, error)
		targets   map[string]bool
	}{
		{nodes.NodePlanParser, nodes.NewPlanCondition(), map[string]bool{
			nodes.NodeClarifier: true,
			nodes.NodeValidator: true,
		}},
		{nodes.NodeValidator, nodes.NewValidatorCondition(), map[string]bool{
			nodes.NodeExecutor: true,
			compose.END:        true,
		}},
		{nodes.NodeExecutor, nodes.NewExecutorCondition(), map[string]bool{
			nodes.NodeFallback: true,
			compose.END:        true,
		}},
	}

	for _, br := range branches {
		if err := b.graph.AddBranch(br.from, compose.NewGraphBranch(br.condition, br.targets)); err != nil {
			logx.Error().Err(err).Str("from", br.from).Msg("Error adding branch")
			return fmt.Errorf("error adding branch after %s: %w", br.from, err)
		}
	}
	return nil
}

// compile finalizes and compiles the graph
func (b *GraphBuilder) compile(ctx context.Context) (compose.Runnable[model.QueryInput, *model.Outcome], error) {
	// The longest path visits every node once.
	runnable, err := b.graph.Compile(ctx, compose.WithMaxRunSteps(20), compose.WithGraphName("AskMandi"))
	if err != nil {
		logx.Error().Err(err).Msg("Error compiling graph")
		return nil, fmt.Errorf("error compiling graph: %w", err)
	}

	logx.Debug().Msg("Graph compiled successfully")
	return runnable, nil
}
