package model

import (
	"context"
	"fmt"
	"time"
)

// Row is one record returned by the SQL executor, keyed by column name.
type Row map[string]any

// Executor runs a single read-only query against the price table.
// Close must be called on every exit path.
type Executor interface {
	// Execute runs query and returns all rows.
	Execute(ctx context.Context, query string) ([]Row, error)

	// Close releases the underlying connection or session.
	Close() error
}

// ExecutorFactory opens a request-scoped Executor. Missing credentials are
// reported as a config error.
type ExecutorFactory interface {
	Open(ctx context.Context) (Executor, error)
}

// CachedAnswer is the value stored in the response cache.
type CachedAnswer struct {
	Text  string     `json:"text"`
	Usage TokenUsage `json:"usage"`
}

type ResponseCache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, key string) (*CachedAnswer, error)

	// Set stores the answer under key for ttl.
	Set(ctx context.Context, key string, value *CachedAnswer, ttl time.Duration) error
}

// LimitDecision is the outcome of one rate-limit check.
type LimitDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type RateLimiter interface {
	// Limit consumes one unit of identity's quota.
	Limit(ctx context.Context, identity string) (LimitDecision, error)
}

// String returns the column value as text. Drivers may hand back []byte or
// numeric types for text columns.
func (r Row) String(column string) string {
	switch v := r[column].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
