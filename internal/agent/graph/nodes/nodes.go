package nodes

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/ask-mandi/server/internal/agent/graph/prompts"
	"github.com/ask-mandi/server/internal/agent/llm"
	"github.com/ask-mandi/server/internal/agent/model"
	"github.com/ask-mandi/server/internal/fallback"
	"github.com/ask-mandi/server/internal/location"
	"github.com/ask-mandi/server/internal/reference"
	"github.com/ask-mandi/server/internal/sqlguard"
	logx "github.com/ask-mandi/server/pkg/logger"
)

// Node names
const (
	NodeLocator       = "Locator"
	NodePlannerPrompt = "PlannerPrompt"
	NodePlanner       = "Planner"
	NodePlanParser    = "PlanParser"
	NodeClarifier     = "Clarifier"
	NodeValidator     = "Validator"
	NodeExecutor      = "Executor"
	NodeFallback      = "Fallback"
)

// UnclearToken is the planner's reply for questions it cannot turn into SQL.
const UnclearToken = "UNCLEAR"

var priceColumnRe = regexp.MustCompile(`(?i)\b(?:min|max|modal)_price\b`)

// NewLocatorPreHandler copies request-scoped values into graph state.
func NewLocatorPreHandler() func(context.Context, model.QueryInput, *model.PipelineState) (model.QueryInput, error) {
	return func(ctx context.Context, in model.QueryInput, s *model.PipelineState) (model.QueryInput, error) {
		s.RequestID = in.RequestID
		s.Executor = in.Executor
		s.Usage = model.TokenUsage{}
		s.TotalCostUSD = 0
		s.ModelCalls = 0
		return in, nil
	}
}

// NewLocatorNode classifies intent and resolves the place in the question.
// Questions naming no place skip resolution and the reference lookups behind
// it. Resolver failures degrade to no location hints.
func NewLocatorNode(resolver *location.Resolver) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in model.QueryInput) (*model.Outcome, error) {
		out := &model.Outcome{
			Kind:     model.OutcomePlanned,
			Question: in.Question,
			Intent:   ClassifyIntent(in.Question),
		}
		if resolver == nil || in.Executor == nil || location.ExtractPlace(in.Question) == "" {
			return out, nil
		}

		loc, calls, err := resolver.Resolve(ctx, in.Executor, in.Question)
		out.Calls = append(out.Calls, calls...)
		if err != nil {
			logx.Ctx(ctx).Warn().Err(err).Msg("Location resolution failed; planning without location hints")
			return out, nil
		}
		out.Location = loc
		return out, nil
	})
}

// PlannerPromptConfig carries the dynamic inputs of the planner system prompt.
type PlannerPromptConfig struct {
	DataStart string
	// Today returns the current date in the data's time zone (YYYY-MM-DD).
	Today   func() string
	Catalog *reference.Catalog
}

// NewPlannerPromptPreHandler parks the outcome in state for PlanParser.
func NewPlannerPromptPreHandler() func(context.Context, *model.Outcome, *model.PipelineState) (*model.Outcome, error) {
	return func(ctx context.Context, in *model.Outcome, s *model.PipelineState) (*model.Outcome, error) {
		s.Outcome = in
		return in, nil
	}
}

// NewPlannerPromptNode builds the planner messages.
func NewPlannerPromptNode(cfg PlannerPromptConfig) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *model.Outcome) ([]*schema.Message, error) {
		vars := prompts.PlannerVars{
			DataStart: cfg.DataStart,
			Intent:    in.Intent,
			Location:  in.Location,
		}
		if cfg.Today != nil {
			vars.Today = cfg.Today()
		}
		if cfg.Catalog != nil {
			vars.Catalog = cfg.Catalog.Render()
			vars.Aliases = cfg.Catalog.RenderAliases()
		}

		systemPrompt, err := prompts.RenderPlannerSystem(ctx, vars)
		if err != nil {
			return nil, fmt.Errorf("render planner system prompt: %w", err)
		}
		return []*schema.Message{
			schema.SystemMessage(systemPrompt),
			schema.UserMessage(in.Question),
		}, nil
	})
}

// NewPlannerPostHandler records usage and cost of the planner call.
func NewPlannerPostHandler(modelName string) func(context.Context, *schema.Message, *model.PipelineState) (*schema.Message, error) {
	return func(ctx context.Context, out *schema.Message, state *model.PipelineState) (*schema.Message, error) {
		if out != nil && out.ResponseMeta != nil {
			recordCall(ctx, state, NodePlanner, model.ModelCall{
				Model: modelName,
				Usage: model.UsageFromSchema(out.ResponseMeta.Usage),
			})
		}
		return out, nil
	}
}

// NewPlanParserNode turns the planner reply into sanitized SQL or the
// Unclear outcome.
func NewPlanParserNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, resp *schema.Message) (*model.Outcome, error) {
		var out *model.Outcome
		err := compose.ProcessState(ctx, func(_ context.Context, state *model.PipelineState) error {
			if state.Outcome == nil {
				return fmt.Errorf("missing planner input in state")
			}
			out = state.Outcome
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}

		raw := ""
		if resp != nil {
			raw = strings.TrimSpace(resp.Content)
		}
		out.RawPlan = raw

		sql, ok := sqlguard.ExtractSQL(raw)
		if !ok || strings.EqualFold(strings.Trim(sql, "`. \n"), UnclearToken) {
			out.Kind = model.OutcomeUnclear
			logx.Ctx(ctx).Info().Msg("Planner could not interpret the question")
			return out, nil
		}
		out.SQL = sqlguard.SanitizeSQL(sql)
		logx.Ctx(ctx).Debug().Str("sql", out.SQL).Msg("Planner produced SQL")
		return out, nil
	})
}

// NewPlanCondition routes unclear questions to the clarifier.
func NewPlanCondition() func(context.Context, *model.Outcome) (string, error) {
	return func(ctx context.Context, in *model.Outcome) (string, error) {
		if in.Kind == model.OutcomeUnclear {
			return NodeClarifier, nil
		}
		return NodeValidator, nil
	}
}

// ClarifierConfig bounds the clarification call.
type ClarifierConfig struct {
	MaxOutputTokens int
	Temperature     float32
}

// NewClarifierNode asks the summary model for a friendly clarification. A
// failed call falls back to a fixed message.
func NewClarifierNode(gen llm.Generator, cfg ClarifierConfig) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *model.Outcome) (*model.Outcome, error) {
		in.Message = model.ClarifyFallbackMessage

		system, err := prompts.RenderUnclearSystem(ctx)
		if err != nil {
			return nil, fmt.Errorf("render unclear prompt: %w", err)
		}
		temp := cfg.Temperature
		resp, err := gen.Generate(ctx, llm.Request{
			System:          system,
			Prompt:          in.Question,
			MaxOutputTokens: cfg.MaxOutputTokens,
			Temperature:     &temp,
		})
		if err != nil {
			logx.Ctx(ctx).Warn().Err(err).Msg("Clarification call failed; using fixed message")
			return in, nil
		}
		in.Record(resp.Model, resp.Usage)
		if text := strings.TrimSpace(resp.Text); text != "" {
			in.Message = text
		}
		return in, nil
	})
}

// NewValidatorNode rejects unsafe SQL. Rejected SQL is terminal; it is
// never repaired and re-run. A latest-price query whose date filter cannot
// be found is logged and still executed.
func NewValidatorNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *model.Outcome) (*model.Outcome, error) {
		if err := sqlguard.Validate(in.SQL); err != nil {
			logx.Ctx(ctx).Warn().Err(err).Str("sql", in.SQL).Msg("Planner SQL rejected")
			in.Kind = model.OutcomeUnsafe
			in.Message = model.UnsafeMessage
			return in, nil
		}
		if in.Intent == model.IntentLatest && priceColumnRe.MatchString(in.SQL) && !sqlguard.HasLatestDateFilter(in.SQL) {
			logx.Ctx(ctx).Warn().Str("sql", in.SQL).Msg("Latest-price query has no recognisable latest arrival_date filter")
		}
		return in, nil
	})
}

// NewValidatorCondition ends the run on unsafe SQL.
func NewValidatorCondition() func(context.Context, *model.Outcome) (string, error) {
	return func(ctx context.Context, in *model.Outcome) (string, error) {
		if in.Kind == model.OutcomeUnsafe {
			return compose.END, nil
		}
		return NodeExecutor, nil
	}
}

// NewExecutorNode runs the validated SQL on the request's executor.
func NewExecutorNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *model.Outcome) (*model.Outcome, error) {
		exec, err := stateExecutor(ctx)
		if err != nil {
			return nil, err
		}
		rows, err := exec.Execute(ctx, in.SQL)
		if err != nil {
			return nil, fmt.Errorf("execute planned query: %w", err)
		}
		in.Rows = rows
		if len(rows) == 0 {
			in.Kind = model.OutcomeEmpty
		} else {
			in.Kind = model.OutcomeRows
		}
		logx.Ctx(ctx).Info().Int("rows", len(rows)).Msg("Planned query executed")
		return in, nil
	})
}

// NewExecutorCondition sends empty results to the fallback.
func NewExecutorCondition() func(context.Context, *model.Outcome) (string, error) {
	return func(ctx context.Context, in *model.Outcome) (string, error) {
		if in.Kind == model.OutcomeEmpty {
			return NodeFallback, nil
		}
		return compose.END, nil
	}
}

// NewFallbackNode broadens an empty query to the district, then the state.
func NewFallbackNode(o *fallback.Orchestrator) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *model.Outcome) (*model.Outcome, error) {
		exec, err := stateExecutor(ctx)
		if err != nil {
			return nil, err
		}

		res, err := o.Broaden(ctx, exec, in.Question, in.SQL)
		if res != nil {
			in.Calls = append(in.Calls, res.Calls...)
			in.FallbackSteps = res.Steps
		}
		if err != nil {
			if errors.Is(err, fallback.ErrRejected) {
				logx.Ctx(ctx).Warn().Err(err).Msg("Fallback query rejected")
				in.Kind = model.OutcomeUnsafe
				in.Message = model.UnsafeMessage
				return in, nil
			}
			return nil, err
		}

		if len(res.Rows) == 0 {
			in.Kind = model.OutcomeEmpty
			in.Message = model.NoResultsMessage
			return in, nil
		}
		in.Kind = model.OutcomeRows
		in.Rows = res.Rows
		in.SQL = res.SQL
		in.Disclosure = res.Disclosure
		return in, nil
	})
}

// NewOutcomePostHandler drains the node's model calls into state and
// stamps the running totals on the outcome.
func NewOutcomePostHandler(node string) func(context.Context, *model.Outcome, *model.PipelineState) (*model.Outcome, error) {
	return func(ctx context.Context, out *model.Outcome, state *model.PipelineState) (*model.Outcome, error) {
		if out == nil {
			return out, nil
		}
		for _, call := range out.Calls {
			recordCall(ctx, state, node, call)
		}
		out.Calls = nil
		out.Usage = state.Usage
		out.CostUSD = state.TotalCostUSD
		return out, nil
	}
}

func stateExecutor(ctx context.Context) (model.Executor, error) {
	var exec model.Executor
	err := compose.ProcessState(ctx, func(_ context.Context, state *model.PipelineState) error {
		exec = state.Executor
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access state: %w", err)
	}
	if exec == nil {
		return nil, fmt.Errorf("no SQL executor for this request")
	}
	return exec, nil
}

// recordCall accumulates usage and cost and logs the call.
func recordCall(ctx context.Context, state *model.PipelineState, node string, call model.ModelCall) {
	inC, outC, totalC := model.ComputeCost(call.Usage, model.ResolvePricing(call.Model))
	state.Usage = state.Usage.Add(call.Usage)
	state.TotalCostUSD += totalC
	state.ModelCalls++

	logx.Ctx(ctx).Debug().
		Str("node", node).
		Str("model", call.Model).
		Int("prompt_tokens", call.Usage.InputTokens).
		Int("completion_tokens", call.Usage.OutputTokens).
		Int("total_tokens", call.Usage.TotalTokens).
		Float64("input_cost_usd", inC).
		Float64("output_cost_usd", outC).
		Float64("total_cost_usd", totalC).
		Msg("LLM usage")
}
