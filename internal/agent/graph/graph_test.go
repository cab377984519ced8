package graph

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ask-mandi/server/internal/agent/graph/nodes"
	"github.com/ask-mandi/server/internal/agent/llm"
	"github.com/ask-mandi/server/internal/agent/model"
	"github.com/ask-mandi/server/internal/fallback"
	"github.com/ask-mandi/server/internal/location"
	"github.com/ask-mandi/server/internal/reference"
	"github.com/ask-mandi/server/internal/sqlguard"
)

// scriptedChat stands in for the planner chat model.
type scriptedChat struct {
	mu     sync.Mutex
	reply  string
	inputs [][]*schema.Message
}

func (c *scriptedChat) Generate(_ context.Context, in []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputs = append(c.inputs, in)
	return &schema.Message{
		Role:    schema.Assistant,
		Content: c.reply,
		ResponseMeta: &schema.ResponseMeta{
			Usage: &schema.TokenUsage{PromptTokens: 900, CompletionTokens: 60, TotalTokens: 960},
		},
	}, nil
}

func (c *scriptedChat) Stream(ctx context.Context, in []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := c.Generate(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (c *scriptedChat) systemPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inputs) == 0 || len(c.inputs[0]) == 0 {
		return ""
	}
	return c.inputs[0][0].Content
}

type scriptedGenerator struct {
	mu      sync.Mutex
	name    string
	replies []string
	err     error
	calls   int
}

func (g *scriptedGenerator) Model() string { return g.name }

func (g *scriptedGenerator) Generate(context.Context, llm.Request) (*llm.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	if len(g.replies) == 0 {
		return nil, errors.New("unexpected model call")
	}
	text := g.replies[0]
	g.replies = g.replies[1:]
	return &llm.Response{Text: text, Model: g.name, Usage: model.TokenUsage{InputTokens: 100, OutputTokens: 10, TotalTokens: 110}}, nil
}

func (g *scriptedGenerator) Stream(context.Context, llm.Request) (*llm.TextStream, error) {
	return nil, errors.New("not supported")
}

// seededDB answers reference lookups from fixed lists and price queries
// from a callback, recording every query.
type seededDB struct {
	mu        sync.Mutex
	states    []string
	districts map[string][]string
	prices    func(query string) []model.Row
	fail      error
	queries   []string
}

func (d *seededDB) Execute(_ context.Context, query string) ([]model.Row, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries = append(d.queries, query)
	if d.fail != nil {
		return nil, d.fail
	}
	var rows []model.Row
	switch {
	case strings.Contains(query, "DISTINCT state"):
		for _, s := range d.states {
			rows = append(rows, model.Row{"state": s})
		}
	case strings.Contains(query, "DISTINCT district"):
		for state, ds := range d.districts {
			if strings.Contains(query, "'%"+state+"%'") {
				for _, name := range ds {
					rows = append(rows, model.Row{"district": name})
				}
			}
		}
	case d.prices != nil:
		rows = d.prices(query)
	}
	return rows, nil
}

func (d *seededDB) Close() error { return nil }

func (d *seededDB) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.queries...)
}

type fixture struct {
	planner   *scriptedChat
	clarifier *scriptedGenerator
	locator   *scriptedGenerator
	extractor *scriptedGenerator
	refs      *reference.Cache
	runner    Runner
}

func newFixture(t *testing.T, plannerReply string) *fixture {
	t.Helper()
	f := &fixture{
		planner:   &scriptedChat{reply: plannerReply},
		clarifier: &scriptedGenerator{name: "gemini-2.5-flash-lite"},
		locator:   &scriptedGenerator{name: "gemini-2.5-flash"},
		extractor: &scriptedGenerator{name: "gemini-2.5-flash"},
		refs:      reference.NewCache(0),
	}
	catalog := reference.DefaultCatalog()

	runner, err := NewRunner(context.Background(), &GraphConfig{
		Planner:          f.planner,
		PlannerModelName: "gemini-2.5-flash",
		Clarifier:        f.clarifier,
		ClarifierConfig:  nodes.ClarifierConfig{MaxOutputTokens: 200},
		Resolver:         location.NewResolver(f.refs, f.locator, location.Config{}),
		Fallback:         fallback.NewOrchestrator(f.extractor, catalog, fallback.Config{}),
		PlannerInput: nodes.PlannerPromptConfig{
			DataStart: "2025-01-01",
			Today:     func() string { return "2026-03-10" },
			Catalog:   catalog,
		},
	})
	require.NoError(t, err)
	f.runner = runner
	return f
}

func (f *fixture) invoke(t *testing.T, db *seededDB, question string) (*model.Outcome, error) {
	t.Helper()
	return f.runner.Invoke(context.Background(), model.QueryInput{
		RequestID: "req-1",
		Question:  question,
		Executor:  db,
	})
}

const onionSQL = "SELECT state, district, market, commodity, modal_price\n" +
	"FROM mandi_prices\n" +
	"WHERE commodity = 'Onion' AND state ILIKE '%Maharashtra%'\n" +
	"  AND arrival_date = (SELECT MAX(arrival_date) FROM mandi_prices)\n" +
	"ORDER BY modal_price::numeric ASC"

func TestUnclearQuestionNeverTouchesTheDatabase(t *testing.T) {
	f := newFixture(t, "UNCLEAR")
	f.clarifier.replies = []string{"I can help with mandi prices. Try: \"Onion price in Nashik today\"."}
	db := &seededDB{states: []string{"Gujarat", "Kerala"}}

	// cold reference cache: nothing may be loaded for a question with no place
	out, err := f.invoke(t, db, "UNCLEAR gibberish asdkjh")
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeUnclear, out.Kind)
	assert.Contains(t, out.Message, "Onion price in Nashik")
	assert.Empty(t, out.SQL)
	assert.Empty(t, db.recorded())
	assert.Equal(t, 1, f.clarifier.calls)
	assert.Equal(t, 960+110, out.Usage.TotalTokens)
}

func TestLowercaseUnclearReplyIsUnclear(t *testing.T) {
	for _, reply := range []string{"unclear", "Unclear.", "```\nunclear\n```"} {
		f := newFixture(t, reply)
		f.clarifier.replies = []string{"Ask me about a crop and a place."}
		db := &seededDB{}

		out, err := f.invoke(t, db, "what is this")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeUnclear, out.Kind, reply)
		assert.Empty(t, out.SQL, reply)
		assert.Empty(t, db.recorded(), reply)
	}
}

func TestClarifierFailureUsesFixedMessage(t *testing.T) {
	f := newFixture(t, "")
	f.clarifier.err = errors.New("quota exceeded")

	out, err := f.invoke(t, &seededDB{}, "asdkjh")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeUnclear, out.Kind)
	assert.Equal(t, model.ClarifyFallbackMessage, out.Message)
}

func TestOnionCheapestInMaharashtra(t *testing.T) {
	f := newFixture(t, "```sql\n"+onionSQL+";\n```")
	db := &seededDB{
		states: []string{"Gujarat", "Maharashtra"},
		prices: func(q string) []model.Row {
			if !strings.Contains(q, "commodity = 'Onion'") {
				return nil
			}
			return []model.Row{
				{"state": "Maharashtra", "district": "Nashik", "market": "Lasalgaon", "commodity": "Onion", "modal_price": "1450"},
				{"state": "Maharashtra", "district": "Pune", "market": "Pune", "commodity": "Onion", "modal_price": "1600"},
			}
		},
	}

	out, err := f.invoke(t, db, "Where is onion cheapest in Maharashtra?")
	require.NoError(t, err)

	require.Equal(t, model.OutcomeRows, out.Kind)
	assert.Equal(t, model.IntentLatest, out.Intent)
	assert.True(t, sqlguard.HasLatestDateFilter(out.SQL))
	assert.False(t, sqlguard.UsesSelectStar(out.SQL))
	assert.True(t, sqlguard.HasOrderByPrice(out.SQL))
	assert.True(t, strings.HasSuffix(out.SQL, "LIMIT 200"))

	var districts []string
	for _, r := range out.Rows {
		districts = append(districts, r.String("district"))
	}
	assert.ElementsMatch(t, []string{"Nashik", "Pune"}, districts)

	// state named in the question resolves without a model call
	require.NotNil(t, out.Location)
	assert.Equal(t, "Maharashtra", out.Location.State)
	assert.Zero(t, f.locator.calls)

	system := f.planner.systemPrompt()
	assert.Contains(t, system, "Intent: latest.")
	assert.Contains(t, system, "state ILIKE '%Maharashtra%'")
	assert.Contains(t, system, "Data available: 2025-01-01 to 2026-03-10.")

	assert.Equal(t, 960, out.Usage.TotalTokens)
	assert.Greater(t, out.CostUSD, 0.0)
}

func TestUnsafePlanIsTerminal(t *testing.T) {
	tests := []struct {
		name string
		plan string
	}{
		{name: "write statement", plan: "DELETE FROM mandi_prices"},
		{name: "stacked statements", plan: "SELECT 1; DROP TABLE mandi_prices"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.plan)
			db := &seededDB{}

			out, err := f.invoke(t, db, "onion prices")
			require.NoError(t, err)
			assert.Equal(t, model.OutcomeUnsafe, out.Kind)
			assert.Equal(t, model.UnsafeMessage, out.Message)
			assert.Empty(t, out.Rows)
			for _, q := range db.recorded() {
				assert.Contains(t, q, "DISTINCT", "only reference lookups may run")
			}
		})
	}
}

func TestLatestQuestionRunsAlternativeDateFilters(t *testing.T) {
	plans := map[string]string{
		"aliased": "SELECT m.market, m.modal_price FROM mandi_prices m WHERE m.commodity = 'Onion' " +
			"AND m.arrival_date = (SELECT MAX(m2.arrival_date) FROM mandi_prices m2) ORDER BY m.modal_price::numeric",
		"cte": "WITH latest AS (SELECT MAX(arrival_date) d FROM mandi_prices) " +
			"SELECT market, modal_price FROM mandi_prices, latest WHERE commodity = 'Onion' AND arrival_date = latest.d " +
			"ORDER BY modal_price::numeric",
		"no filter": "SELECT market, modal_price FROM mandi_prices WHERE commodity = 'Onion' ORDER BY modal_price::numeric",
	}
	for name, plan := range plans {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, plan)
			db := &seededDB{prices: func(string) []model.Row {
				return []model.Row{{"market": "Lasalgaon", "modal_price": "1450"}}
			}}

			out, err := f.invoke(t, db, "onion prices")
			require.NoError(t, err)
			assert.Equal(t, model.IntentLatest, out.Intent)
			assert.Equal(t, model.OutcomeRows, out.Kind)
			assert.Len(t, out.Rows, 1)
			assert.True(t, strings.HasSuffix(out.SQL, "LIMIT 200"), out.SQL)
		})
	}
}

func TestTrendQuestionSkipsLatestFilterCheck(t *testing.T) {
	plan := "SELECT arrival_date, AVG(modal_price::numeric) AS avg_price FROM mandi_prices " +
		"WHERE commodity = 'Tomato' AND arrival_date >= CURRENT_DATE - 7 GROUP BY arrival_date ORDER BY arrival_date"
	f := newFixture(t, plan)
	db := &seededDB{prices: func(string) []model.Row {
		return []model.Row{{"arrival_date": "2026-03-09", "avg_price": "1200"}}
	}}

	out, err := f.invoke(t, db, "tomato price trend over the last 7 days")
	require.NoError(t, err)
	assert.Equal(t, model.IntentTrend, out.Intent)
	assert.Equal(t, model.OutcomeRows, out.Kind)
	assert.NotContains(t, out.SQL, "LIMIT")
	assert.Contains(t, f.planner.systemPrompt(), "Intent: trend.")
}

func TestEmptyResultBroadensToDistrict(t *testing.T) {
	plan := "SELECT state, district, market, modal_price FROM mandi_prices " +
		"WHERE commodity = 'Potato' AND (district ILIKE '%Kalyan%' OR market ILIKE '%Kalyan%') " +
		"AND arrival_date = (SELECT MAX(arrival_date) FROM mandi_prices) ORDER BY modal_price::numeric"
	f := newFixture(t, plan)
	f.locator.replies = []string{`{"match": null, "confidence": 0.1}`}
	f.extractor.replies = []string{`{"locations": [{"name": "Kalyan", "type": "city", "parentDistrict": "Thane", "parentState": "Maharashtra"}]}`}
	db := &seededDB{
		states: []string{"Maharashtra"},
		prices: func(q string) []model.Row {
			if strings.Contains(q, "district ILIKE '%Thane%'") {
				return []model.Row{{"state": "Maharashtra", "district": "Thane", "market": "Kalyan APMC", "modal_price": "1800"}}
			}
			return nil
		},
	}

	out, err := f.invoke(t, db, "potato price in Kalyan")
	require.NoError(t, err)

	require.Equal(t, model.OutcomeRows, out.Kind)
	assert.Len(t, out.Rows, 1)
	assert.Equal(t, 1, out.FallbackSteps)
	assert.Contains(t, out.Disclosure, "Kalyan")
	assert.Contains(t, out.Disclosure, "Thane")
	assert.Contains(t, out.SQL, "LIMIT 50")

	require.NotNil(t, out.Location)
	assert.Equal(t, []string{"Kalyan"}, out.Location.SearchTerms)
	// planner + state classification + location extraction
	assert.Equal(t, 960+110+110, out.Usage.TotalTokens)
}

func TestExhaustedFallbackIsNoResults(t *testing.T) {
	plan := "SELECT market, modal_price FROM mandi_prices WHERE commodity = 'Potato' AND market ILIKE '%Kalyan%' " +
		"AND arrival_date = (SELECT MAX(arrival_date) FROM mandi_prices)"
	f := newFixture(t, plan)
	f.locator.replies = []string{`{"match": null, "confidence": 0}`}
	f.extractor.replies = []string{`{"locations": [{"name": "Kalyan", "type": "city", "parentDistrict": "Thane", "parentState": "Maharashtra"}]}`}
	db := &seededDB{states: []string{"Maharashtra"}}

	out, err := f.invoke(t, db, "potato price in Kalyan")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeEmpty, out.Kind)
	assert.Equal(t, model.NoResultsMessage, out.Message)
	assert.Equal(t, 2, out.FallbackSteps)
	assert.Empty(t, out.Disclosure)
}

func TestExecutorFailureIsAnError(t *testing.T) {
	f := newFixture(t, onionSQL)
	db := &seededDB{fail: errors.New("connection refused")}

	_, err := f.invoke(t, db, "onion price")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
