// Package service answers one question end to end: cache, rate limit,
// retrieval graph, then a streamed summary.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ask-mandi/server/internal/agent/graph"
	"github.com/ask-mandi/server/internal/agent/model"
	errx "github.com/ask-mandi/server/internal/core/error"
	"github.com/ask-mandi/server/internal/metrics"
	"github.com/ask-mandi/server/internal/summary"
	logx "github.com/ask-mandi/server/pkg/logger"
)

const DefaultMaxMessageLength = 200

// Message is one chat turn sent by the client.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Messages []Message
	// Identity keys the rate limit, usually the client address.
	Identity string
}

// Answer is either a terminal Message or a Stream of summary chunks.
type Answer struct {
	RequestID string
	Message   string
	// Usage is nil when no model was called.
	Usage     *model.TokenUsage
	Remaining *int
	Cached    bool

	// Stream is set for answers backed by rows. The caller must close it.
	Stream *summary.Stream
}

type Config struct {
	MaxMessageLength int
	Refresh          summary.RefreshSchedule
	SummaryModel     string
}

type Deps struct {
	Runner     graph.Runner
	Summarizer *summary.Summarizer
	Executors  model.ExecutorFactory
	Cache      model.ResponseCache
	Limiter    model.RateLimiter
}

type Service struct {
	deps Deps
	cfg  Config
	now  func() time.Time
}

func New(deps Deps, cfg Config) *Service {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	return &Service{deps: deps, cfg: cfg, now: time.Now}
}

// LatestUserMessage returns the most recent user turn, validated.
func LatestUserMessage(messages []Message, maxLen int) (string, error) {
	if len(messages) == 0 {
		return "", errx.Input("Messages array is required")
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		text := strings.TrimSpace(messages[i].Content)
		if text == "" {
			return "", errx.Input("message is empty")
		}
		if utf8.RuneCountInString(text) > maxLen {
			return "", errx.Input(fmt.Sprintf("message is too long (max %d characters)", maxLen))
		}
		return text, nil
	}
	return "", errx.Input("no user message found")
}

// Ask answers the latest user message in req.
func (s *Service) Ask(ctx context.Context, req Request) (*Answer, error) {
	start := s.now()
	question, err := LatestUserMessage(req.Messages, s.cfg.MaxMessageLength)
	if err != nil {
		metrics.RecordOutcome(metrics.OutcomeInputError)
		return nil, err
	}

	requestID := uuid.NewString()
	ctx = logx.WithRequestID(ctx, requestID)
	logx.Ctx(ctx).Info().Str("question", question).Str("identity", req.Identity).Msg("Question received")

	key := summary.NormalizeCacheKey(question)
	if cached := s.lookup(ctx, key); cached != nil {
		metrics.RecordOutcome(metrics.OutcomeCached)
		usage := cached.Usage
		return &Answer{RequestID: requestID, Message: cached.Text, Usage: &usage, Cached: true}, nil
	}

	decision, err := s.deps.Limiter.Limit(ctx, req.Identity)
	if err != nil {
		logx.Ctx(ctx).Warn().Err(err).Msg("Rate limiter unavailable; allowing request")
		decision = model.LimitDecision{Allowed: true, Remaining: -1}
	}
	if !decision.Allowed {
		metrics.RecordOutcome(metrics.OutcomeRateLimited)
		logx.Ctx(ctx).Info().Time("reset_at", decision.ResetAt).Msg("Rate limit exceeded")
		return nil, errx.RateLimited(0, decision.ResetAt)
	}
	var remaining *int
	if decision.Remaining >= 0 {
		r := decision.Remaining
		remaining = &r
	}

	exec := newLazyExecutor(s.deps.Executors)
	defer func() {
		if cerr := exec.Close(); cerr != nil {
			logx.Ctx(ctx).Warn().Err(cerr).Msg("Failed to close SQL executor")
		}
	}()

	out, err := s.deps.Runner.Invoke(ctx, model.QueryInput{
		RequestID: requestID,
		Question:  question,
		Executor:  exec,
	})
	if err != nil {
		metrics.RecordOutcome(metrics.OutcomeError)
		if oerr := exec.err(); oerr != nil {
			// missing credentials keep their config kind
			logx.Ctx(ctx).Error().Err(oerr).Msg("Failed to open SQL executor")
			return nil, oerr
		}
		logx.Ctx(ctx).Error().Err(err).Msg("Retrieval failed")
		return nil, errx.Upstream(err)
	}
	metrics.RecordUsage(out.Usage, out.CostUSD)
	if out.Kind == model.OutcomeEmpty || out.FallbackSteps > 0 {
		metrics.RecordFallbackSteps(out.FallbackSteps)
	}

	if out.Kind != model.OutcomeRows {
		metrics.RecordOutcome(string(out.Kind))
		metrics.ObservePipeline(s.now().Sub(start).Seconds())
		answer := &Answer{RequestID: requestID, Message: out.Message, Remaining: remaining}
		if !out.Usage.IsZero() {
			usage := out.Usage
			answer.Usage = &usage
		}
		return answer, nil
	}

	st, err := s.deps.Summarizer.Stream(ctx, summary.Input{
		Question:   question,
		Rows:       out.Rows,
		Disclosure: out.Disclosure,
		PriorUsage: out.Usage,
	})
	if err != nil {
		metrics.RecordOutcome(metrics.OutcomeError)
		logx.Ctx(ctx).Error().Err(err).Msg("Summary call failed")
		return nil, errx.Upstream(err)
	}
	metrics.RecordOutcome(string(out.Kind))
	metrics.ObservePipeline(s.now().Sub(start).Seconds())

	st.OnComplete(func(text string, usage model.TokenUsage) {
		summaryUsage := st.SummaryUsage()
		_, _, cost := model.ComputeCost(summaryUsage, model.ResolvePricing(s.cfg.SummaryModel))
		metrics.RecordUsage(summaryUsage, cost)
		s.store(ctx, key, &model.CachedAnswer{Text: text, Usage: usage})
	})
	return &Answer{RequestID: requestID, Stream: st, Remaining: remaining}, nil
}

func (s *Service) lookup(ctx context.Context, key string) *model.CachedAnswer {
	cached, err := s.deps.Cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.RecordCacheLookup("error")
		logx.Ctx(ctx).Warn().Err(err).Msg("Response cache unavailable; treating as miss")
		return nil
	case cached == nil:
		metrics.RecordCacheLookup("miss")
		return nil
	default:
		metrics.RecordCacheLookup("hit")
		logx.Ctx(ctx).Info().Msg("Serving cached answer")
		return cached
	}
}

// store runs after the last chunk, when the client may already be gone.
func (s *Service) store(ctx context.Context, key string, answer *model.CachedAnswer) {
	if strings.TrimSpace(answer.Text) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()

	ttl := summary.TTLUntilNextRefresh(s.now(), s.cfg.Refresh)
	if ttl < summary.MinTTL {
		logx.Ctx(ctx).Debug().Dur("ttl", ttl).Msg("Refresh imminent; answer not cached")
		return
	}
	if err := s.deps.Cache.Set(ctx, key, answer, ttl); err != nil {
		logx.Ctx(ctx).Warn().Err(err).Msg("Failed to cache answer")
		return
	}
	logx.Ctx(ctx).Debug().Dur("ttl", ttl).Msg("Answer cached")
}

