package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ask-mandi/server/internal/agent/llm"
	"github.com/ask-mandi/server/internal/agent/model"
	"github.com/ask-mandi/server/internal/agent/repo"
	errx "github.com/ask-mandi/server/internal/core/error"
	"github.com/ask-mandi/server/internal/summary"
)

type stubRunner struct {
	mu      sync.Mutex
	outcome func(q string) *model.Outcome
	err     error
	calls   int
}

// Invoke runs one query on the request executor unless the question is
// unclear, the way the retrieval graph does.
func (r *stubRunner) Invoke(ctx context.Context, in model.QueryInput) (*model.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	out := r.outcome(in.Question)
	if out.Kind != model.OutcomeUnclear {
		if _, err := in.Executor.Execute(ctx, "SELECT 1"); err != nil {
			return nil, fmt.Errorf("execute sql: %w", err)
		}
	}
	return out, nil
}

type countingExecutor struct{ closed *int }

func (e countingExecutor) Execute(context.Context, string) ([]model.Row, error) { return nil, nil }
func (e countingExecutor) Close() error {
	*e.closed++
	return nil
}

type countingFactory struct {
	opened, closed int
	err            error
}

func (f *countingFactory) Open(context.Context) (model.Executor, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.opened++
	return countingExecutor{closed: &f.closed}, nil
}

type streamGen struct {
	chunks []string
	err    error
}

func (g *streamGen) Model() string { return "gemini-2.5-flash-lite" }

func (g *streamGen) Generate(context.Context, llm.Request) (*llm.Response, error) {
	return nil, errors.New("not supported")
}

func (g *streamGen) Stream(context.Context, llm.Request) (*llm.TextStream, error) {
	if g.err != nil {
		return nil, g.err
	}
	msgs := make([]*schema.Message, 0, len(g.chunks))
	for i, c := range g.chunks {
		m := schema.AssistantMessage(c, nil)
		if i == len(g.chunks)-1 {
			m.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 400, CompletionTokens: 40, TotalTokens: 440}}
		}
		msgs = append(msgs, m)
	}
	return llm.NewTextStream(schema.StreamReaderFromArray(msgs)), nil
}

func rowsOutcome(string) *model.Outcome {
	return &model.Outcome{
		Kind:  model.OutcomeRows,
		Rows:  []model.Row{{"market": "Nashik", "modal_price": "1450"}},
		Usage: model.TokenUsage{InputTokens: 900, OutputTokens: 60, TotalTokens: 960},
	}
}

type harness struct {
	svc     *Service
	runner  *stubRunner
	execs   *countingFactory
	cache   *repo.MemoryResponseCache
	limiter *repo.MemoryRateLimiter
}

func newHarness(t *testing.T, limit int, outcome func(string) *model.Outcome) *harness {
	t.Helper()
	h := &harness{
		runner:  &stubRunner{outcome: outcome},
		execs:   &countingFactory{},
		cache:   repo.NewMemoryResponseCache(),
		limiter: repo.NewMemoryRateLimiter(limit, time.Hour),
	}
	h.svc = New(Deps{
		Runner:     h.runner,
		Summarizer: summary.NewSummarizer(&streamGen{chunks: []string{"Onion is ", "₹14.50/kg at Nashik."}}, summary.Config{}),
		Executors:  h.execs,
		Cache:      h.cache,
		Limiter:    h.limiter,
	}, Config{
		Refresh:      summary.RefreshSchedule{Hour: 6, Location: time.UTC},
		SummaryModel: "gemini-2.5-flash-lite",
	})
	return h
}

func ask(q string) Request {
	return Request{Identity: "203.0.113.7", Messages: []Message{{Role: "user", Content: q}}}
}

func drain(t *testing.T, a *Answer) string {
	t.Helper()
	require.NotNil(t, a.Stream)
	defer a.Stream.Close()
	for a.Stream.Next() {
	}
	require.NoError(t, a.Stream.Err())
	return a.Stream.Text()
}

func TestLatestUserMessage(t *testing.T) {
	q, err := LatestUserMessage([]Message{
		{Role: "user", Content: "tomato price"},
		{Role: "assistant", Content: "Tomato is ₹12/kg."},
		{Role: "user", Content: "  and onion?  "},
	}, 200)
	require.NoError(t, err)
	assert.Equal(t, "and onion?", q)

	tests := [][]Message{
		nil,
		{{Role: "assistant", Content: "hello"}},
		{{Role: "user", Content: "   "}},
		{{Role: "user", Content: string(make([]rune, 201))}},
	}
	for _, msgs := range tests {
		_, err := LatestUserMessage(msgs, 200)
		assert.Equal(t, errx.KindInput, errx.KindOf(err))
	}

	// length counts characters, not bytes
	_, err = LatestUserMessage([]Message{{Role: "user", Content: "प्याज़ का भाव नासिक में"}}, 25)
	assert.NoError(t, err)
}

func TestInputErrorMakesNoCalls(t *testing.T) {
	h := newHarness(t, 5, rowsOutcome)
	_, err := h.svc.Ask(context.Background(), Request{})
	assert.Equal(t, errx.KindInput, errx.KindOf(err))
	assert.Zero(t, h.runner.calls)
	assert.Zero(t, h.execs.opened)
}

func TestCacheHitDoesNotConsumeQuota(t *testing.T) {
	h := newHarness(t, 1, rowsOutcome)
	ctx := context.Background()

	first, err := h.svc.Ask(ctx, ask("Onion price in Nashik?"))
	require.NoError(t, err)
	require.NotNil(t, first.Remaining)
	assert.Zero(t, *first.Remaining)
	assert.Equal(t, "Onion is ₹14.50/kg at Nashik.", drain(t, first))

	// same question, different spelling: served from cache with quota exhausted
	second, err := h.svc.Ask(ctx, ask("  onion price in nashik "))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "Onion is ₹14.50/kg at Nashik.", second.Message)
	require.NotNil(t, second.Usage)
	assert.Equal(t, 960+440, second.Usage.TotalTokens)
	assert.Equal(t, 1, h.runner.calls)

	// a new question is the one more call the quota allowed; it is now refused
	_, err = h.svc.Ask(ctx, ask("tomato price in Pune"))
	require.Error(t, err)
	assert.Equal(t, errx.KindRateLimited, errx.KindOf(err))
	assert.Equal(t, 1, h.runner.calls)
}

func TestAbandonedStreamIsNotCached(t *testing.T) {
	h := newHarness(t, 5, rowsOutcome)
	ctx := context.Background()

	a, err := h.svc.Ask(ctx, ask("onion price"))
	require.NoError(t, err)
	require.True(t, a.Stream.Next())
	a.Stream.Close()

	cached, err := h.cache.Get(ctx, "onion price")
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestTerminalOutcomes(t *testing.T) {
	tests := []struct {
		kind    model.OutcomeKind
		message string
		opened  int
	}{
		{model.OutcomeUnclear, "Please ask about a commodity and a place.", 0},
		{model.OutcomeUnsafe, model.UnsafeMessage, 1},
		{model.OutcomeEmpty, model.NoResultsMessage, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			h := newHarness(t, 5, func(string) *model.Outcome {
				return &model.Outcome{Kind: tt.kind, Message: tt.message, Usage: model.TokenUsage{TotalTokens: 10}}
			})
			a, err := h.svc.Ask(context.Background(), ask("q"))
			require.NoError(t, err)
			assert.Nil(t, a.Stream)
			assert.Equal(t, tt.message, a.Message)
			assert.False(t, a.Cached)
			require.NotNil(t, a.Remaining)
			assert.Equal(t, 4, *a.Remaining)
			assert.Equal(t, tt.opened, h.execs.opened)
			assert.Equal(t, tt.opened, h.execs.closed)
		})
	}
}

func TestExecutorClosedOnEveryPath(t *testing.T) {
	h := newHarness(t, 5, rowsOutcome)
	a, err := h.svc.Ask(context.Background(), ask("onion price"))
	require.NoError(t, err)
	drain(t, a)
	assert.Equal(t, 1, h.execs.closed)

	// the planner failed before any SQL ran: nothing was opened
	h.runner.err = errors.New("model timeout")
	_, err = h.svc.Ask(context.Background(), ask("tomato price"))
	assert.Equal(t, errx.KindUpstream, errx.KindOf(err))
	assert.Equal(t, 1, h.execs.opened)
	assert.Equal(t, 1, h.execs.closed)
}

func TestMissingCredentialsIsConfigError(t *testing.T) {
	h := newHarness(t, 5, rowsOutcome)
	h.execs.err = errx.Config(errors.New("DATABASE_URL is not set"))

	_, err := h.svc.Ask(context.Background(), ask("onion price"))
	assert.Equal(t, errx.KindConfig, errx.KindOf(err))
	assert.ErrorContains(t, err, "DATABASE_URL is not set")
	assert.Equal(t, 1, h.runner.calls)
	assert.Zero(t, h.execs.opened)
}

func TestUnclearQuestionNeedsNoDatabase(t *testing.T) {
	h := newHarness(t, 5, func(string) *model.Outcome {
		return &model.Outcome{Kind: model.OutcomeUnclear, Message: "Try: onion price in Nashik."}
	})
	h.execs.err = errx.Config(errors.New("DATABASE_URL is not set"))

	a, err := h.svc.Ask(context.Background(), ask("hello"))
	require.NoError(t, err)
	assert.Equal(t, "Try: onion price in Nashik.", a.Message)
	assert.Zero(t, h.execs.opened)
	assert.Zero(t, h.execs.closed)
}

func TestAnswerNearRefreshIsNotCached(t *testing.T) {
	h := newHarness(t, 5, rowsOutcome)
	// refresh is at 06:00 UTC
	h.svc.now = func() time.Time { return time.Date(2026, 3, 10, 5, 59, 30, 0, time.UTC) }
	ctx := context.Background()

	a, err := h.svc.Ask(ctx, ask("onion price"))
	require.NoError(t, err)
	drain(t, a)
	cached, err := h.cache.Get(ctx, "onion price")
	require.NoError(t, err)
	assert.Nil(t, cached)

	h.svc.now = func() time.Time { return time.Date(2026, 3, 10, 5, 58, 0, 0, time.UTC) }
	a, err = h.svc.Ask(ctx, ask("onion price"))
	require.NoError(t, err)
	drain(t, a)
	cached, err = h.cache.Get(ctx, "onion price")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "Onion is ₹14.50/kg at Nashik.", cached.Text)
}

func TestDisclosureLeadsTheStream(t *testing.T) {
	h := newHarness(t, 5, func(string) *model.Outcome {
		out := rowsOutcome("")
		out.Disclosure = "No exact data for **Kalyan**. Showing data from **Thane** instead."
		return out
	})
	a, err := h.svc.Ask(context.Background(), ask("potato price in Kalyan"))
	require.NoError(t, err)
	require.True(t, a.Stream.Next())
	assert.Contains(t, a.Stream.Chunk(), "Showing data from **Thane**")
	a.Stream.Close()
}
