package reference

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ask-mandi/server/internal/agent/model"
	"github.com/ask-mandi/server/internal/sqlguard"
	logx "github.com/ask-mandi/server/pkg/logger"
)

// DefaultTTL is how long state and district lists stay fresh.
const DefaultTTL = 30 * time.Minute

const statesQuery = "SELECT DISTINCT state FROM mandi_prices ORDER BY state LIMIT 500"

// Clock returns the current time.
type Clock func() time.Time

type entry struct {
	values    []string
	fetchedAt time.Time
}

// Cache holds state and district names. It starts empty and refreshes lazily.
// Concurrent refreshes of the same key are allowed; the mutex only guards the
// maps and is never held across a query.
type Cache struct {
	ttl time.Duration
	now Clock

	mu        sync.RWMutex
	states    *entry
	districts map[string]*entry
}

type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(clock Clock) Option {
	return func(c *Cache) {
		c.now = clock
	}
}

// NewCache creates an empty cache. A non-positive ttl selects DefaultTTL.
func NewCache(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		ttl:       ttl,
		now:       time.Now,
		districts: map[string]*entry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// States returns every state name in the price table.
func (c *Cache) States(ctx context.Context, exec model.Executor) ([]string, error) {
	c.mu.RLock()
	cached := c.states
	c.mu.RUnlock()
	if c.fresh(cached) {
		return cached.values, nil
	}

	values, err := fetchColumn(ctx, exec, statesQuery, "state")
	if err != nil {
		return c.stale(ctx, cached, "states", err)
	}
	if len(values) > 0 {
		c.mu.Lock()
		c.states = &entry{values: values, fetchedAt: c.now()}
		c.mu.Unlock()
	}
	logx.Ctx(ctx).Debug().Int("count", len(values)).Msg("Reference states refreshed")
	return values, nil
}

// Districts returns the district names of state. Keys are lower-cased.
func (c *Cache) Districts(ctx context.Context, exec model.Executor, state string) ([]string, error) {
	key := strings.ToLower(strings.TrimSpace(state))
	if key == "" {
		return nil, nil
	}

	c.mu.RLock()
	cached := c.districts[key]
	c.mu.RUnlock()
	if c.fresh(cached) {
		return cached.values, nil
	}

	values, err := fetchColumn(ctx, exec, districtsQuery(state), "district")
	if err != nil {
		return c.stale(ctx, cached, "districts", err)
	}
	if len(values) > 0 {
		c.mu.Lock()
		c.districts[key] = &entry{values: values, fetchedAt: c.now()}
		c.mu.Unlock()
	}
	logx.Ctx(ctx).Debug().Str("state", state).Int("count", len(values)).Msg("Reference districts refreshed")
	return values, nil
}

func (c *Cache) fresh(e *entry) bool {
	return e != nil && c.now().Sub(e.fetchedAt) < c.ttl
}

// stale serves an expired entry when the refresh failed.
func (c *Cache) stale(ctx context.Context, e *entry, what string, err error) ([]string, error) {
	if e == nil {
		return nil, fmt.Errorf("refresh %s: %w", what, err)
	}
	logx.Ctx(ctx).Warn().Err(err).Str("list", what).Msg("Reference refresh failed; serving stale list")
	return e.values, nil
}

func districtsQuery(state string) string {
	pattern := sqlguard.QuoteLiteral("%" + sqlguard.SanitizeIdentifierFragment(state) + "%")
	return "SELECT DISTINCT district FROM mandi_prices WHERE state ILIKE " + pattern + " ORDER BY district LIMIT 500"
}

func fetchColumn(ctx context.Context, exec model.Executor, query, column string) ([]string, error) {
	if err := sqlguard.Validate(query); err != nil {
		return nil, err
	}
	rows, err := exec.Execute(ctx, query)
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, len(rows))
	for _, row := range rows {
		if v := strings.TrimSpace(row.String(column)); v != "" {
			values = append(values, v)
		}
	}
	return values, nil
}
