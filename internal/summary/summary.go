// Package summary turns result rows into a streamed prose answer.
package summary

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alpkeskin/gotoon"

	"github.com/ask-mandi/server/internal/agent/graph/prompts"
	"github.com/ask-mandi/server/internal/agent/llm"
	"github.com/ask-mandi/server/internal/agent/model"
	logx "github.com/ask-mandi/server/pkg/logger"
)

// Input is everything the summary call needs.
type Input struct {
	Question string
	Rows     []model.Row
	// Disclosure, when set, is emitted as the first chunk.
	Disclosure string
	// PriorUsage is the usage of the calls that produced Rows.
	PriorUsage model.TokenUsage
}

type Config struct {
	MaxOutputTokens int
	Temperature     float32
}

type Summarizer struct {
	gen llm.Generator
	cfg Config
}

func NewSummarizer(gen llm.Generator, cfg Config) *Summarizer {
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 300
	}
	return &Summarizer{gen: gen, cfg: cfg}
}

// Encode serialises rows as TOON, which states the column header once for a
// uniform row list. JSON is used if TOON encoding fails.
func Encode(rows []model.Row) string {
	data := make([]map[string]any, len(rows))
	for i, r := range rows {
		data[i] = r
	}
	out, err := gotoon.Encode(data)
	if err == nil {
		return out
	}
	logx.Warn().Err(err).Msg("TOON encoding failed; falling back to JSON")
	b, _ := json.Marshal(data)
	return string(b)
}

// Stream starts the summary call. The returned Stream must be closed.
func (s *Summarizer) Stream(ctx context.Context, in Input) (*Stream, error) {
	system, err := prompts.RenderSummarySystem(ctx)
	if err != nil {
		return nil, err
	}
	encoded := Encode(in.Rows)
	logx.Ctx(ctx).Debug().Int("rows", len(in.Rows)).Int("toon_chars", len(encoded)).Msg("Rows encoded for summary")

	temp := s.cfg.Temperature
	text, err := s.gen.Stream(ctx, llm.Request{
		System:          system,
		Prompt:          fmt.Sprintf("Question: %s\n\nData:\n%s\n\nProvide a helpful, concise answer.", in.Question, encoded),
		MaxOutputTokens: s.cfg.MaxOutputTokens,
		Temperature:     &temp,
	})
	if err != nil {
		return nil, err
	}

	st := NewStream(text, in.PriorUsage)
	if in.Disclosure != "" {
		st.prefix = in.Disclosure + "\n\n"
	}
	return st, nil
}
