package model

// PipelineState stores per-invocation state for the Eino Graph.
// Concurrency model:
//   - Registered as Graph Local State via compose.WithGenLocalState.
//   - All reads/writes happen inside Eino state handlers or compose.ProcessState,
//     which Eino serializes, so no additional mutex is required.
type PipelineState struct {
	RequestID string
	Executor  Executor

	// Outcome is parked here while the planner chat model runs, since the
	// chat model node only carries messages.
	Outcome *Outcome

	// Accumulated over every model call made by graph nodes.
	Usage        TokenUsage
	TotalCostUSD float64
	ModelCalls   int
}

// QueryInput is the graph input for one question.
type QueryInput struct {
	RequestID string `json:"request_id"`
	Question  string `json:"question"`

	// Executor is opened by the caller and closed by the caller.
	Executor Executor `json:"-"`
}

// Intent tells the planner whether to pin the query to the latest arrival date.
type Intent string

const (
	IntentLatest Intent = "latest"
	IntentTrend  Intent = "trend"
)

// Terminal messages returned without a summary call.
const (
	UnsafeMessage          = "Sorry, I couldn't process that question safely. Please rephrase it as a question about mandi prices."
	NoResultsMessage       = "No results found for your query. Try checking the commodity name or broadening your search."
	ClarifyFallbackMessage = "I couldn't understand your question. Please ask something specific about mandi prices."
)

// OutcomeKind is the routing state of a question as it moves through the graph.
type OutcomeKind string

const (
	OutcomePlanned OutcomeKind = "planned"
	OutcomeUnclear OutcomeKind = "unclear"
	OutcomeUnsafe  OutcomeKind = "unsafe"
	OutcomeRows    OutcomeKind = "rows"
	OutcomeEmpty   OutcomeKind = "empty"
)

// Outcome flows between graph nodes and is the graph output.
type Outcome struct {
	Kind     OutcomeKind
	Question string
	Intent   Intent
	Location *LocationContext

	// RawPlan is the planner output before extraction and sanitizing.
	RawPlan string
	SQL     string
	Rows    []Row

	// Disclosure is set when the fallback substituted a broader region.
	Disclosure string
	// FallbackSteps counts broadening queries that were executed.
	FallbackSteps int

	// Message is the terminal user-facing text for unclear, unsafe and empty outcomes.
	Message string

	// Calls holds model calls made by the current node; the node's state
	// post-handler drains it into PipelineState.
	Calls []ModelCall

	Usage   TokenUsage
	CostUSD float64
}

// Record appends a model call made by the current node.
func (o *Outcome) Record(model string, usage TokenUsage) {
	o.Calls = append(o.Calls, ModelCall{Model: model, Usage: usage})
}
