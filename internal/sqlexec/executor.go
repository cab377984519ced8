// Package sqlexec runs validated read-only queries against the price table,
// either directly over Postgres or through the Supabase MCP server.
package sqlexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ask-mandi/server/internal/agent/model"
	errx "github.com/ask-mandi/server/internal/core/error"
)

const (
	KindPostgres = "postgres"
	KindMCP      = "mcp"

	DefaultQueryTimeout = 15 * time.Second
)

type Config struct {
	Kind string

	DatabaseURL string

	MCPURL      string
	ProjectRef  string
	AccessToken string

	QueryTimeout time.Duration
}

// NewFactory returns the factory for cfg.Kind. Credentials are checked when
// an executor is opened, so a server without them still starts and answers
// cached or unclear questions.
func NewFactory(cfg Config) (model.ExecutorFactory, error) {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	switch strings.ToLower(cfg.Kind) {
	case "", KindPostgres:
		return NewPostgresFactory(cfg.DatabaseURL, cfg.QueryTimeout)
	case KindMCP:
		return NewMCPFactory(cfg.MCPURL, cfg.ProjectRef, cfg.AccessToken, cfg.QueryTimeout), nil
	default:
		return nil, errx.Config(fmt.Errorf("unknown SQL executor %q", cfg.Kind))
	}
}

// ErrMissingCredentials is wrapped in the config error returned by Open.
var ErrMissingCredentials = errors.New("missing database credentials")

// withTimeout bounds one query.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
