package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/ask-mandi/server/internal/agent/model"
	"github.com/ask-mandi/server/internal/core"
	pkgredis "github.com/ask-mandi/server/pkg/redis"
)

// AppConfig defines all configurable parameters for the service,
// sourced from environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"APP_ENV" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL"`

	// Infrastructure
	Redis  pkgredis.Config
	Server ServerConfig

	// LLM provider and models
	LLM     model.LLMConfig
	Planner model.PlannerModelConfig
	Summary model.SummaryModelConfig

	// Pipeline
	Location model.LocationConfig
	Database model.DatabaseConfig
	Limits   model.LimitsConfig
	Data     model.DataConfig
}

type ServerConfig struct {
	Addr            string `envconfig:"HTTP_ADDR" default:":8080"`
	ShutdownTimeout string `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

// parsed holds the values AppConfig carries as strings.
type parsed struct {
	env             core.Environment
	referenceTTL    time.Duration
	queryTimeout    time.Duration
	rateLimitWindow time.Duration
	shutdownTimeout time.Duration
	refreshTZ       *time.Location
}

func loadConfig(envFile string) (*AppConfig, error) {
	if err := godotenv.Load(envFile); err != nil {
		// a missing .env is normal outside local runs
		fmt.Fprintf(os.Stderr, "Warning: could not load %s: %v\n", envFile, err)
	}
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment config: %w", err)
	}
	return &cfg, nil
}

func (c *AppConfig) parse() (*parsed, error) {
	p := &parsed{env: core.ParseEnvironment(c.Environment)}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"REFERENCE_TTL", c.Location.ReferenceTTL, &p.referenceTTL},
		{"QUERY_TIMEOUT", c.Database.QueryTimeout, &p.queryTimeout},
		{"RATE_LIMIT_WINDOW", c.Limits.RateLimitWindow, &p.rateLimitWindow},
		{"HTTP_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout, &p.shutdownTimeout},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", d.name, d.value, err)
		}
		*d.dst = v
	}
	if p.rateLimitWindow <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}
	if c.Limits.RateLimitRequests <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_REQUESTS must be positive")
	}

	loc, err := time.LoadLocation(c.Data.RefreshTZ)
	if err != nil {
		return nil, fmt.Errorf("invalid DATA_REFRESH_TZ %q: %w", c.Data.RefreshTZ, err)
	}
	p.refreshTZ = loc

	if _, err := time.Parse(time.DateOnly, c.Data.StartDate); err != nil {
		return nil, fmt.Errorf("invalid DATA_START_DATE %q: %w", c.Data.StartDate, err)
	}
	return p, nil
}
