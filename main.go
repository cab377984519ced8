package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/ask-mandi/server/internal/agent/graph"
	"github.com/ask-mandi/server/internal/agent/graph/nodes"
	"github.com/ask-mandi/server/internal/agent/model"
	"github.com/ask-mandi/server/internal/agent/repo"
	"github.com/ask-mandi/server/internal/fallback"
	"github.com/ask-mandi/server/internal/location"
	"github.com/ask-mandi/server/internal/reference"
	"github.com/ask-mandi/server/internal/server"
	"github.com/ask-mandi/server/internal/service"
	"github.com/ask-mandi/server/internal/sqlexec"
	"github.com/ask-mandi/server/internal/summary"
	logx "github.com/ask-mandi/server/pkg/logger"
)

var envFile string

func main() {
	root := &cobra.Command{
		Use:           "askmandi",
		Short:         "Answer mandi price questions from the daily price table",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	})
	root.AddCommand(&cobra.Command{
		Use:     "ask <question>",
		Short:   "Answer one question and stream the summary to stdout",
		Args:    cobra.MinimumNArgs(1),
		Example: `  askmandi ask "onion price in Nashik today"`,
		RunE:    runAsk,
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app is everything a command needs, plus the resources to release.
type app struct {
	cfg     *AppConfig
	parsed  *parsed
	service *service.Service
	closers []io.Closer
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			logx.Warn().Err(err).Msg("Failed to release resource")
		}
	}
}

func buildApp(ctx context.Context, cfg *AppConfig) (*app, error) {
	p, err := cfg.parse()
	if err != nil {
		return nil, err
	}
	logx.Init(logx.LoggerOpts{Environment: p.env, Level: cfg.LogLevel})
	a := &app{cfg: cfg, parsed: p}

	models, err := nodes.NewChatModels(ctx, nodes.ChatModelConfig{
		LLM:           cfg.LLM,
		PlannerConfig: &cfg.Planner,
		SummaryConfig: &cfg.Summary,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat models: %w", err)
	}
	planner := models.PlannerGenerator()
	catalog := reference.DefaultCatalog()

	var resolver *location.Resolver
	if cfg.Location.ResolverEnabled {
		resolver = location.NewResolver(reference.NewCache(p.referenceTTL), planner, location.Config{
			ConfidenceThreshold: cfg.Location.ConfidenceThreshold,
			MaxOutputTokens:     cfg.Planner.LocatorMaxTokens,
		})
	}

	runner, err := graph.NewRunner(ctx, &graph.GraphConfig{
		Planner:          models.Planner,
		PlannerModelName: models.PlannerModelName,
		Clarifier:        models.SummaryGenerator(),
		ClarifierConfig: nodes.ClarifierConfig{
			MaxOutputTokens: cfg.Summary.ClarifierMaxTokens,
			Temperature:     cfg.Summary.Temperature,
		},
		Resolver: resolver,
		Fallback: fallback.NewOrchestrator(planner, catalog, fallback.Config{MaxOutputTokens: cfg.Planner.LocatorMaxTokens}),
		PlannerInput: nodes.PlannerPromptConfig{
			DataStart: cfg.Data.StartDate,
			Today:     func() string { return time.Now().In(p.refreshTZ).Format(time.DateOnly) },
			Catalog:   catalog,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build retrieval graph: %w", err)
	}

	execs, err := sqlexec.NewFactory(sqlexec.Config{
		Kind:         cfg.Database.Executor,
		DatabaseURL:  cfg.Database.URL,
		MCPURL:       cfg.Database.SupabaseMCPURL,
		ProjectRef:   cfg.Database.SupabaseProjectRef,
		AccessToken:  cfg.Database.SupabasePAT,
		QueryTimeout: p.queryTimeout,
	})
	if err != nil {
		return nil, err
	}
	if c, ok := execs.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	cache, limiter, err := a.stores()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.service = service.New(service.Deps{
		Runner: runner,
		Summarizer: summary.NewSummarizer(models.SummaryGenerator(), summary.Config{
			MaxOutputTokens: cfg.Summary.MaxTokens,
			Temperature:     cfg.Summary.Temperature,
		}),
		Executors: execs,
		Cache:     cache,
		Limiter:   limiter,
	}, service.Config{
		MaxMessageLength: cfg.Limits.MaxMessageLength,
		Refresh: summary.RefreshSchedule{
			Hour:     cfg.Data.RefreshHour,
			Minute:   cfg.Data.RefreshMinute,
			Location: p.refreshTZ,
		},
		SummaryModel: models.SummaryModelName,
	})

	logx.Info().
		Str("env", p.env.String()).
		Str("provider", cfg.LLM.Provider).
		Str("planner_model", models.PlannerModelName).
		Str("summary_model", models.SummaryModelName).
		Str("sql_executor", cfg.Database.Executor).
		Bool("location_resolver", resolver != nil).
		Bool("redis", cfg.Redis.Enabled()).
		Msg("Service configured")
	return a, nil
}

// stores picks Redis when REDIS_URL is set, otherwise process memory.
func (a *app) stores() (model.ResponseCache, model.RateLimiter, error) {
	limit, window := a.cfg.Limits.RateLimitRequests, a.parsed.rateLimitWindow
	if !a.cfg.Redis.Enabled() {
		logx.Warn().Msg("REDIS_URL not set; cache and rate limits are per process")
		return repo.NewMemoryResponseCache(), repo.NewMemoryRateLimiter(limit, window), nil
	}
	rdb, err := a.cfg.Redis.New()
	if err != nil {
		return nil, nil, fmt.Errorf("initialise Redis client: %w", err)
	}
	a.closers = append(a.closers, rdb)
	return repo.NewRedisResponseCache(rdb), repo.NewRedisRateLimiter(rdb, limit, window), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(envFile)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.New(a.service, server.Config{ExposeDetails: !a.parsed.env.IsProduction()}).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logx.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logx.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.parsed.shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(envFile)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	answer, err := a.service.Ask(ctx, service.Request{
		Identity: "cli",
		Messages: []service.Message{{Role: "user", Content: strings.Join(args, " ")}},
	})
	if err != nil {
		return err
	}
	if answer.Stream == nil {
		fmt.Fprintln(out, answer.Message)
		if answer.Usage != nil {
			logx.Info().Int("total_tokens", answer.Usage.TotalTokens).Bool("cached", answer.Cached).Msg("Answered")
		}
		return nil
	}

	st := answer.Stream
	defer st.Close()
	for st.Next() {
		fmt.Fprint(out, st.Chunk())
	}
	fmt.Fprintln(out)
	if err := st.Err(); err != nil {
		return fmt.Errorf("summary stream: %w", err)
	}
	logx.Info().Int("total_tokens", st.Usage().TotalTokens).Msg("Answered")
	return nil
}
