// Package metrics holds the Prometheus collectors exposed at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ask-mandi/server/internal/agent/model"
)

var (
	// requestsTotal counts answered questions by how they ended.
	// Labels: outcome (cached, rows, empty, unclear, unsafe, rate_limited, input_error, error)
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "askmandi",
		Name:      "requests_total",
		Help:      "Questions handled by outcome",
	}, []string{"outcome"})

	// tokensTotal counts model tokens by direction (input, output).
	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "askmandi",
		Name:      "tokens_total",
		Help:      "Model tokens consumed by direction",
	}, []string{"direction"})

	costUSDTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "askmandi",
		Name:      "cost_usd_total",
		Help:      "Estimated model cost in USD",
	})

	// cacheLookupsTotal counts response cache lookups by result (hit, miss, error).
	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "askmandi",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Response cache lookups by result",
	}, []string{"result"})

	fallbackSteps = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "askmandi",
		Subsystem: "fallback",
		Name:      "steps",
		Help:      "Broadening queries executed per empty result",
		Buckets:   []float64{0, 1, 2},
	})

	requestSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "askmandi",
		Name:      "pipeline_seconds",
		Help:      "Time from request to terminal message or first summary chunk",
		Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
	})
)

// Outcome labels outside model.OutcomeKind.
const (
	OutcomeCached      = "cached"
	OutcomeRateLimited = "rate_limited"
	OutcomeInputError  = "input_error"
	OutcomeError       = "error"
)

func RecordOutcome(outcome string) {
	requestsTotal.WithLabelValues(outcome).Inc()
}

func RecordUsage(usage model.TokenUsage, costUSD float64) {
	tokensTotal.WithLabelValues("input").Add(float64(usage.InputTokens))
	tokensTotal.WithLabelValues("output").Add(float64(usage.OutputTokens))
	if costUSD > 0 {
		costUSDTotal.Add(costUSD)
	}
}

func RecordCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

func RecordFallbackSteps(steps int) {
	fallbackSteps.Observe(float64(steps))
}

func ObservePipeline(seconds float64) {
	requestSeconds.Observe(seconds)
}
