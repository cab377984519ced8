package fallback

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ask-mandi/server/internal/agent/llm"
	"github.com/ask-mandi/server/internal/agent/model"
	"github.com/ask-mandi/server/internal/reference"
	"github.com/ask-mandi/server/internal/sqlguard"
)

type stubGenerator struct {
	reply string
	calls int
}

func (g *stubGenerator) Model() string { return "extractor" }

func (g *stubGenerator) Generate(context.Context, llm.Request) (*llm.Response, error) {
	g.calls++
	return &llm.Response{Text: g.reply, Model: "extractor", Usage: model.TokenUsage{InputTokens: 300, OutputTokens: 40, TotalTokens: 340}}, nil
}

func (g *stubGenerator) Stream(context.Context, llm.Request) (*llm.TextStream, error) {
	return nil, errors.New("not supported")
}

// priceTable answers broadening queries from seeded rows keyed by the
// ILIKE place filter.
type priceTable struct {
	byPlace map[string][]model.Row
	queries []string
}

func (p *priceTable) Execute(_ context.Context, query string) ([]model.Row, error) {
	p.queries = append(p.queries, query)
	for place, rows := range p.byPlace {
		if strings.Contains(query, "ILIKE '%"+place+"%'") {
			return rows, nil
		}
	}
	return nil, nil
}

func (p *priceTable) Close() error { return nil }

const kalyanReply = `{"locations": [{"name": "Kalyan", "type": "city", "parentDistrict": "Thane", "parentState": "Maharashtra"}]}`

func TestExtractCommodity(t *testing.T) {
	catalog := reference.DefaultCatalog()

	tests := []struct {
		sql  string
		want Commodity
		ok   bool
	}{
		{sql: "SELECT * FROM mandi_prices WHERE commodity = 'Potato'", want: Commodity{Name: "Potato", Exact: true}, ok: true},
		{sql: "SELECT 1 FROM mandi_prices WHERE commodity='potato'", want: Commodity{Name: "Potato", Exact: true}, ok: true},
		{sql: "SELECT 1 FROM mandi_prices WHERE commodity ILIKE '%tomato%'", want: Commodity{Name: "Tomato", Exact: true}, ok: true},
		{sql: "SELECT 1 FROM mandi_prices WHERE COMMODITY ilike '%dragon%'", want: Commodity{Name: "dragon"}, ok: true},
		{sql: "SELECT state FROM mandi_prices", ok: false},
	}
	for _, tt := range tests {
		got, ok := ExtractCommodity(tt.sql, catalog)
		assert.Equal(t, tt.ok, ok, tt.sql)
		assert.Equal(t, tt.want, got, tt.sql)
	}
}

func TestBuildQueryIsSafeAndBounded(t *testing.T) {
	q := BuildQuery("district", "Thane'; DROP TABLE mandi_prices; --", Commodity{Name: "Potato", Exact: true})

	assert.Contains(t, q, "district ILIKE '%Thane DROP TABLE mandiprices --%'")
	assert.Contains(t, q, "commodity = 'Potato'")
	assert.Contains(t, q, "ORDER BY modal_price::numeric ASC")
	assert.True(t, strings.HasSuffix(q, "LIMIT 50"))
	// the sanitized fragment still carries a denylisted word, so validation refuses it
	assert.False(t, sqlguard.IsSafeSelect(q))

	q = BuildQuery("state", "Gujarat", Commodity{Name: "dragon"})
	assert.Contains(t, q, "commodity ILIKE '%dragon%'")
	assert.True(t, sqlguard.IsSafeSelect(q))
}

func TestBroadenToDistrict(t *testing.T) {
	gen := &stubGenerator{reply: kalyanReply}
	table := &priceTable{byPlace: map[string][]model.Row{
		"Thane": {{"market": "Kalyan APMC", "district": "Thane", "commodity": "Potato", "modal_price": "1800"}},
	}}
	o := NewOrchestrator(gen, reference.DefaultCatalog(), Config{})

	res, err := o.Broaden(context.Background(), table, "potato price in Kalyan",
		"SELECT market, modal_price FROM mandi_prices WHERE commodity = 'Potato' AND market ILIKE '%Kalyan%'")
	require.NoError(t, err)

	require.Len(t, res.Rows, 1)
	assert.Equal(t, 1, res.Steps)
	assert.Equal(t, "No exact data for **Kalyan**. Showing data from **Thane** instead.", res.Disclosure)
	assert.Contains(t, res.Disclosure, "Kalyan")
	assert.Contains(t, res.Disclosure, "Thane")
	assert.Len(t, res.Calls, 1)

	require.Len(t, table.queries, 1)
	assert.Contains(t, table.queries[0], "district ILIKE '%Thane%'")
	assert.Contains(t, table.queries[0], "commodity = 'Potato'")
	assert.Contains(t, table.queries[0], "LIMIT 50")
}

func TestBroadenFallsBackToState(t *testing.T) {
	gen := &stubGenerator{reply: kalyanReply}
	table := &priceTable{byPlace: map[string][]model.Row{
		"Maharashtra": {{"market": "Pune", "district": "Pune"}, {"market": "Nashik", "district": "Nashik"}},
	}}
	o := NewOrchestrator(gen, reference.DefaultCatalog(), Config{})

	res, err := o.Broaden(context.Background(), table, "potato price in Kalyan", "SELECT 1 FROM mandi_prices WHERE commodity = 'Potato'")
	require.NoError(t, err)

	assert.Len(t, res.Rows, 2)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, Disclosure("Kalyan", "Maharashtra"), res.Disclosure)
	require.Len(t, table.queries, 2)
	assert.Contains(t, table.queries[1], "state ILIKE '%Maharashtra%'")
}

func TestBroadenStopsAfterTwoAttempts(t *testing.T) {
	gen := &stubGenerator{reply: kalyanReply}
	table := &priceTable{}
	o := NewOrchestrator(gen, reference.DefaultCatalog(), Config{})

	res, err := o.Broaden(context.Background(), table, "potato price in Kalyan", "SELECT 1 FROM mandi_prices WHERE commodity = 'Potato'")
	require.NoError(t, err)

	assert.Empty(t, res.Rows)
	assert.Empty(t, res.Disclosure)
	assert.Equal(t, 2, res.Steps)
	assert.Len(t, table.queries, 2)
}

func TestBroadenWithoutCommodityDoesNothing(t *testing.T) {
	gen := &stubGenerator{reply: kalyanReply}
	table := &priceTable{}
	o := NewOrchestrator(gen, reference.DefaultCatalog(), Config{})

	res, err := o.Broaden(context.Background(), table, "prices in Kalyan", "SELECT market FROM mandi_prices WHERE market ILIKE '%Kalyan%'")
	require.NoError(t, err)

	assert.Zero(t, res.Steps)
	assert.Zero(t, gen.calls)
	assert.Empty(t, table.queries)
}

func TestBroadenIgnoresMalformedExtraction(t *testing.T) {
	gen := &stubGenerator{reply: `Kalyan is in Thane district`}
	table := &priceTable{}
	o := NewOrchestrator(gen, reference.DefaultCatalog(), Config{})

	res, err := o.Broaden(context.Background(), table, "potato price in Kalyan", "SELECT 1 FROM mandi_prices WHERE commodity = 'Potato'")
	require.NoError(t, err)

	assert.Zero(t, res.Steps)
	assert.Len(t, res.Calls, 1)
	assert.Empty(t, table.queries)
}

func TestBroadenRejectsUnsafeFragment(t *testing.T) {
	gen := &stubGenerator{reply: `{"locations": [{"name": "x", "type": "city", "parentDistrict": "Thane; DROP TABLE t", "parentState": null}]}`}
	table := &priceTable{}
	o := NewOrchestrator(gen, reference.DefaultCatalog(), Config{})

	res, err := o.Broaden(context.Background(), table, "potato in x", "SELECT 1 FROM mandi_prices WHERE commodity = 'Potato'")
	require.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, sqlguard.ErrForbiddenKeyword)
	assert.Equal(t, 1, res.Steps)
	assert.Empty(t, table.queries)
}
