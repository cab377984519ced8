// Package fallback broadens a query that returned no rows: first to the
// district containing the requested place, then to its state.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ask-mandi/server/internal/agent/graph/parsers"
	"github.com/ask-mandi/server/internal/agent/graph/prompts"
	"github.com/ask-mandi/server/internal/agent/llm"
	"github.com/ask-mandi/server/internal/agent/model"
	"github.com/ask-mandi/server/internal/reference"
	"github.com/ask-mandi/server/internal/sqlguard"
	logx "github.com/ask-mandi/server/pkg/logger"
)

// BroadenedLimit bounds every broadening query.
const BroadenedLimit = 50

// ErrRejected marks a broadening query refused by the SQL validator.
var ErrRejected = errors.New("broadening query rejected")

var (
	commodityEqRe   = regexp.MustCompile(`(?i)\bcommodity\s*=\s*'([^']+)'`)
	commodityLikeRe = regexp.MustCompile(`(?i)\bcommodity\s+I?LIKE\s+'%?([^'%]+)%?'`)
)

// Commodity is the commodity filter recovered from generated SQL.
type Commodity struct {
	Name string
	// Exact is false when the name did not resolve to a catalog entry and
	// must be matched with ILIKE.
	Exact bool
}

// Result describes what the orchestrator did.
type Result struct {
	Rows []model.Row
	// Disclosure names the requested place and the region substituted for it.
	Disclosure string
	SQL        string
	Steps      int
	Calls      []model.ModelCall
}

type Config struct {
	MaxOutputTokens int
}

type Orchestrator struct {
	gen       llm.Generator
	catalog   *reference.Catalog
	maxTokens int
}

func NewOrchestrator(gen llm.Generator, catalog *reference.Catalog, cfg Config) *Orchestrator {
	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 200
	}
	return &Orchestrator{gen: gen, catalog: catalog, maxTokens: maxTokens}
}

// ExtractCommodity finds the commodity filter in sql.
func ExtractCommodity(sql string, catalog *reference.Catalog) (Commodity, bool) {
	if m := commodityEqRe.FindStringSubmatch(sql); m != nil {
		name := strings.TrimSpace(m[1])
		if catalog != nil {
			if canonical, ok := catalog.Lookup(name); ok {
				return Commodity{Name: canonical, Exact: true}, true
			}
		}
		return Commodity{Name: name, Exact: true}, name != ""
	}
	if m := commodityLikeRe.FindStringSubmatch(sql); m != nil {
		name := strings.TrimSpace(m[1])
		if catalog != nil {
			if canonical, ok := catalog.Lookup(name); ok {
				return Commodity{Name: canonical, Exact: true}, true
			}
		}
		return Commodity{Name: name}, name != ""
	}
	return Commodity{}, false
}

// Broaden runs at most two broadening queries for message after sql
// returned nothing. A Result without rows means the caller should answer
// with the no-results message.
func (o *Orchestrator) Broaden(ctx context.Context, exec model.Executor, message, sql string) (*Result, error) {
	res := &Result{}

	commodity, ok := ExtractCommodity(sql, o.catalog)
	if !ok {
		logx.Ctx(ctx).Debug().Msg("Fallback skipped: no commodity filter in query")
		return res, nil
	}

	mentions, err := o.extractLocations(ctx, message, res)
	if err != nil {
		return res, err
	}

	if m, ok := firstCityWithDistrict(mentions); ok {
		rows, query, err := o.run(ctx, exec, "district", m.ParentDistrict, commodity)
		res.Steps++
		if err != nil {
			return res, err
		}
		if len(rows) > 0 {
			res.Rows, res.SQL = rows, query
			res.Disclosure = Disclosure(m.Name, m.ParentDistrict)
			return res, nil
		}
	}

	if m, ok := firstWithState(mentions); ok {
		rows, query, err := o.run(ctx, exec, "state", m.ParentState, commodity)
		res.Steps++
		if err != nil {
			return res, err
		}
		if len(rows) > 0 {
			res.Rows, res.SQL = rows, query
			res.Disclosure = Disclosure(m.Name, m.ParentState)
			return res, nil
		}
	}

	logx.Ctx(ctx).Info().Int("steps", res.Steps).Str("commodity", commodity.Name).Msg("Fallback exhausted without rows")
	return res, nil
}

// Disclosure is prepended to the summary whenever a broader region was used.
func Disclosure(requested, substitute string) string {
	return fmt.Sprintf("No exact data for **%s**. Showing data from **%s** instead.", requested, substitute)
}

func (o *Orchestrator) extractLocations(ctx context.Context, message string, res *Result) ([]model.LocationMention, error) {
	system, err := prompts.RenderLocationExtractor(ctx)
	if err != nil {
		return nil, err
	}
	temp := float32(0)
	resp, err := o.gen.Generate(ctx, llm.Request{
		System:          system,
		Prompt:          message,
		MaxOutputTokens: o.maxTokens,
		Temperature:     &temp,
	})
	if err != nil {
		return nil, err
	}
	res.Calls = append(res.Calls, model.ModelCall{Model: resp.Model, Usage: resp.Usage})

	mentions, err := parsers.ParseLocations(resp.Text)
	if err != nil {
		logx.Ctx(ctx).Warn().Err(err).Msg("Rejected location extraction reply")
		return nil, nil
	}
	return mentions, nil
}

func (o *Orchestrator) run(ctx context.Context, exec model.Executor, column, place string, commodity Commodity) ([]model.Row, string, error) {
	query := sqlguard.SanitizeSQL(BuildQuery(column, place, commodity))
	if err := sqlguard.Validate(query); err != nil {
		return nil, query, fmt.Errorf("broadened %s query: %w: %w", column, ErrRejected, err)
	}
	rows, err := exec.Execute(ctx, query)
	if err != nil {
		return nil, query, fmt.Errorf("broadened %s query: %w", column, err)
	}
	logx.Ctx(ctx).Debug().Str("level", column).Str("place", place).Int("rows", len(rows)).Msg("Fallback query executed")
	return rows, query, nil
}

// BuildQuery builds the broadening query for one level ("district" or
// "state"). Names are sanitized before interpolation.
func BuildQuery(column, place string, commodity Commodity) string {
	if column != "district" && column != "state" {
		column = "state"
	}
	commodityFilter := "commodity = " + sqlguard.Literal(commodity.Name)
	if !commodity.Exact {
		commodityFilter = "commodity ILIKE " + sqlguard.QuoteLiteral("%"+sqlguard.SanitizeIdentifierFragment(commodity.Name)+"%")
	}
	placeFilter := column + " ILIKE " + sqlguard.QuoteLiteral("%"+sqlguard.SanitizeIdentifierFragment(place)+"%")

	return fmt.Sprintf(`SELECT state, district, market, commodity, variety, min_price, max_price, modal_price, arrival_date
FROM mandi_prices
WHERE %s AND %s
  AND arrival_date = (SELECT MAX(arrival_date) FROM mandi_prices)
ORDER BY modal_price::numeric ASC
LIMIT %d`, placeFilter, commodityFilter, BroadenedLimit)
}

func firstCityWithDistrict(mentions []model.LocationMention) (model.LocationMention, bool) {
	for _, m := range mentions {
		if m.Type == model.LocationCity && m.ParentDistrict != "" {
			return m, true
		}
	}
	return model.LocationMention{}, false
}

func firstWithState(mentions []model.LocationMention) (model.LocationMention, bool) {
	for _, m := range mentions {
		if m.ParentState != "" {
			return m, true
		}
	}
	return model.LocationMention{}, false
}
