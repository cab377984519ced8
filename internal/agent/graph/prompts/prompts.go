package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/ask-mandi/server/internal/agent/model"
)

var (
	//go:embed template/planner_system.txt
	plannerSystemPrompt string
	//go:embed template/unclear_system.txt
	unclearSystemPrompt string
	//go:embed template/summary_system.txt
	summarySystemPrompt string
	//go:embed template/state_classify.txt
	stateClassifyPrompt string
	//go:embed template/district_classify.txt
	districtClassifyPrompt string
	//go:embed template/location_extractor.txt
	locationExtractorPrompt string
)

// PlannerVars are the dynamic parts of the planner system instruction.
type PlannerVars struct {
	DataStart string
	Today     string
	Catalog   string
	Aliases   string
	Intent    model.Intent
	Location  *model.LocationContext
}

// RenderPlannerSystem renders the SQL planner system prompt via Eino prompt component.
func RenderPlannerSystem(ctx context.Context, v PlannerVars) (string, error) {
	intent := v.Intent
	if intent == "" {
		intent = model.IntentLatest
	}
	return render(ctx, "planner", plannerSystemPrompt, map[string]any{
		"DataStart": v.DataStart,
		"Today":     v.Today,
		"Catalog":   v.Catalog,
		"Aliases":   v.Aliases,
		"Intent":    string(intent),
		"Location":  v.Location,
	})
}

// RenderUnclearSystem renders the clarification prompt.
func RenderUnclearSystem(ctx context.Context) (string, error) {
	return render(ctx, "unclear", unclearSystemPrompt, nil)
}

// RenderSummarySystem renders the summary prompt.
func RenderSummarySystem(ctx context.Context) (string, error) {
	return render(ctx, "summary", summarySystemPrompt, nil)
}

// RenderStateClassify renders the prompt that maps a place onto one known state.
func RenderStateClassify(ctx context.Context, place string, states []string) (string, error) {
	return render(ctx, "state_classify", stateClassifyPrompt, map[string]any{
		"Place":      place,
		"Candidates": strings.Join(states, ", "),
	})
}

// RenderDistrictClassify renders the prompt that maps a place onto one district of state.
func RenderDistrictClassify(ctx context.Context, place, state string, districts []string) (string, error) {
	return render(ctx, "district_classify", districtClassifyPrompt, map[string]any{
		"Place":      place,
		"State":      state,
		"Candidates": strings.Join(districts, ", "),
	})
}

// RenderLocationExtractor renders the fallback location extraction prompt.
func RenderLocationExtractor(ctx context.Context) (string, error) {
	return render(ctx, "location_extractor", locationExtractorPrompt, nil)
}

// render formats tpl as a Go template through the Eino prompt component so
// prompt callbacks fire for every rendered instruction.
func render(ctx context.Context, name, tpl string, vars map[string]any) (string, error) {
	if vars == nil {
		vars = map[string]any{}
	}
	msgs, err := prompt.FromMessages(schema.GoTemplate, schema.SystemMessage(tpl)).Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("%s prompt render: %w", name, err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("%s prompt render: empty result", name)
	}
	return strings.TrimSpace(msgs[0].Content), nil
}
