// Package location maps a place mentioned in a question onto the
// state → district hierarchy of the price table.
package location

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ask-mandi/server/internal/agent/graph/parsers"
	"github.com/ask-mandi/server/internal/agent/graph/prompts"
	"github.com/ask-mandi/server/internal/agent/llm"
	"github.com/ask-mandi/server/internal/agent/model"
	"github.com/ask-mandi/server/internal/reference"
	logx "github.com/ask-mandi/server/pkg/logger"
)

// DefaultConfidenceThreshold is the minimum model confidence for accepting a
// classified state or district.
const DefaultConfidenceThreshold = 0.5

var (
	placeRe = regexp.MustCompile(`(?i)\b(?:in|near|around|at|from)\s+([\p{L}][\p{L} .()-]*?)\s*(?:[,?.!;]|$|\b(?:today|now|yesterday|market|mandi|district|state|for|on|this|last|and|vs|versus|compared|right)\b)`)

	skipPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bbut not\b`),
		regexp.MustCompile(`(?i)\bexcept\b`),
		regexp.MustCompile(`(?i)\bexcluding\b`),
		regexp.MustCompile(`(?i)\bcompare\b.*\b(?:with|to|and)\b`),
		regexp.MustCompile(`(?i)\b(?:vs\.?|versus)\s`),
		regexp.MustCompile(`(?i)\bwhat (?:states|districts|markets)\b`),
		regexp.MustCompile(`(?i)\bwhich (?:states|districts|markets) (?:do you|are)\b`),
	}

	placeStopwords = map[string]bool{
		"the": true, "what": true, "which": true, "a": true, "an": true, "my": true,
		"all": true, "any": true, "india": true, "least": true, "most": true,
	}
)

type Config struct {
	ConfidenceThreshold float64
	// MaxOutputTokens bounds each classification call.
	MaxOutputTokens int
}

// Resolver builds a LocationContext for one question.
type Resolver struct {
	refs      *reference.Cache
	gen       llm.Generator
	threshold float64
	maxTokens int
}

func NewResolver(refs *reference.Cache, gen llm.Generator, cfg Config) *Resolver {
	threshold := cfg.ConfidenceThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultConfidenceThreshold
	}
	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 200
	}
	return &Resolver{refs: refs, gen: gen, threshold: threshold, maxTokens: maxTokens}
}

// ShouldSkip reports whether message needs full-table context (comparisons,
// exclusions, catalog questions) rather than a location filter.
func ShouldSkip(message string) bool {
	for _, re := range skipPatterns {
		if re.MatchString(message) {
			return true
		}
	}
	return false
}

// ExtractPlace returns the phrase following "in/near/around/at/from", or "".
func ExtractPlace(message string) string {
	for _, m := range placeRe.FindAllStringSubmatch(message, -1) {
		place := strings.TrimSpace(strings.Trim(m[1], " .-"))
		if place == "" {
			continue
		}
		first := strings.ToLower(strings.Fields(place)[0])
		if placeStopwords[first] {
			continue
		}
		return place
	}
	return ""
}

// Resolve returns nil when the message names no place or resolution is
// skipped. Calls lists every model call made, also when err is non-nil.
func (r *Resolver) Resolve(ctx context.Context, exec model.Executor, message string) (loc *model.LocationContext, calls []model.ModelCall, err error) {
	if ShouldSkip(message) {
		logx.Ctx(ctx).Debug().Msg("Location resolution skipped for comparison/exclusion question")
		return nil, nil, nil
	}

	states, err := r.refs.States(ctx, exec)
	if err != nil {
		return nil, nil, fmt.Errorf("load states: %w", err)
	}

	place := ExtractPlace(message)
	state := matchStateInText(message, states)

	if state == "" {
		if place == "" {
			return nil, nil, nil
		}
		var call *model.ModelCall
		state, call, err = r.classifyState(ctx, message, place, states)
		if call != nil {
			calls = append(calls, *call)
		}
		if err != nil {
			return nil, calls, err
		}
		if state == "" {
			logx.Ctx(ctx).Debug().Str("place", place).Msg("Place not mapped to a known state")
			return &model.LocationContext{RequestedPlace: place, SearchTerms: []string{place}}, calls, nil
		}
	}

	if place != "" {
		place = stripState(place, state)
	}
	// A state-level request needs no district lookup.
	if place == "" || strings.EqualFold(place, state) {
		return &model.LocationContext{RequestedPlace: state, State: state}, calls, nil
	}

	districts, err := r.refs.Districts(ctx, exec, state)
	if err != nil {
		return nil, calls, fmt.Errorf("load districts: %w", err)
	}

	district, ok := matchCandidate(place, districts)
	if !ok && len(districts) > 0 {
		var call *model.ModelCall
		district, call, err = r.classifyDistrict(ctx, message, place, state, districts)
		if call != nil {
			calls = append(calls, *call)
		}
		if err != nil {
			return nil, calls, err
		}
	}

	loc = &model.LocationContext{
		RequestedPlace: place,
		State:          state,
		District:       district,
		SearchTerms:    []string{place},
		IsExact:        district != "" && strings.EqualFold(district, place),
	}
	if district != "" && !strings.EqualFold(district, place) {
		loc.SearchTerms = append(loc.SearchTerms, district)
	}

	logx.Ctx(ctx).Debug().
		Str("place", place).
		Str("state", state).
		Str("district", district).
		Bool("is_exact", loc.IsExact).
		Msg("Location resolved")
	return loc, calls, nil
}

func (r *Resolver) classifyState(ctx context.Context, message, place string, states []string) (string, *model.ModelCall, error) {
	if len(states) == 0 {
		return "", nil, nil
	}
	system, err := prompts.RenderStateClassify(ctx, place, states)
	if err != nil {
		return "", nil, err
	}
	return r.classify(ctx, system, message, states)
}

func (r *Resolver) classifyDistrict(ctx context.Context, message, place, state string, districts []string) (string, *model.ModelCall, error) {
	system, err := prompts.RenderDistrictClassify(ctx, place, state, districts)
	if err != nil {
		return "", nil, err
	}
	return r.classify(ctx, system, message, districts)
}

// classify accepts the reply only when it names one of candidates with
// confidence at or above the threshold. Malformed replies count as no match.
func (r *Resolver) classify(ctx context.Context, system, message string, candidates []string) (string, *model.ModelCall, error) {
	temp := float32(0)
	resp, err := r.gen.Generate(ctx, llm.Request{
		System:          system,
		Prompt:          message,
		MaxOutputTokens: r.maxTokens,
		Temperature:     &temp,
	})
	if err != nil {
		return "", nil, err
	}
	call := &model.ModelCall{Model: resp.Model, Usage: resp.Usage}

	c, err := parsers.ParseClassification(resp.Text)
	if err != nil {
		logx.Ctx(ctx).Warn().Err(err).Msg("Rejected location classification reply")
		return "", call, nil
	}
	if c.Confidence < r.threshold {
		logx.Ctx(ctx).Debug().Str("match", c.Name()).Float64("confidence", c.Confidence).Msg("Location classification below threshold")
		return "", call, nil
	}
	match, ok := matchCandidate(c.Name(), candidates)
	if !ok {
		return "", call, nil
	}
	return match, call, nil
}

// matchStateInText returns the longest known state named in text as a whole word.
func matchStateInText(text string, states []string) string {
	lower := strings.ToLower(text)
	best := ""
	for _, s := range states {
		if s == "" || len(s) <= len(best) {
			continue
		}
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(strings.ToLower(s)) + `\b`)
		if err != nil {
			continue
		}
		if re.MatchString(lower) {
			best = s
		}
	}
	return best
}

func matchCandidate(name string, candidates []string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	for _, c := range candidates {
		if strings.EqualFold(c, name) {
			return c, true
		}
	}
	return "", false
}

// stripState turns "Gondal Gujarat" into "Gondal" when the state is part of
// the extracted phrase.
func stripState(place, state string) string {
	idx := strings.Index(strings.ToLower(place), strings.ToLower(state))
	if idx < 0 {
		return place
	}
	rest := strings.TrimSpace(place[:idx] + place[idx+len(state):])
	rest = strings.Trim(rest, " ,-")
	if rest == "" {
		return place
	}
	return rest
}
