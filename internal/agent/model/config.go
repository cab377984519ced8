package model

// ================ Config ================
type LLMConfig struct {
	Provider string `envconfig:"LLM_PROVIDER" default:"gemini"`
	APIKey   string `envconfig:"LLM_API_KEY"`
	BaseURL  string `envconfig:"LLM_BASE_URL"`
}

type PlannerModelConfig struct {
	Model          string  `envconfig:"PLANNER_MODEL" default:"gemini-2.5-flash"`
	MaxTokens      int     `envconfig:"PLANNER_MAX_TOKENS" default:"250"`
	Temperature    float32 `envconfig:"PLANNER_TEMPERATURE" default:"0"`
	ThinkingBudget int32   `envconfig:"PLANNER_THINKING_BUDGET" default:"0"`
	// Location classification and extraction calls share the planner model.
	LocatorMaxTokens int `envconfig:"LOCATOR_MAX_TOKENS" default:"200"`
}

type SummaryModelConfig struct {
	Model              string  `envconfig:"SUMMARY_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens          int     `envconfig:"SUMMARY_MAX_TOKENS" default:"300"`
	ClarifierMaxTokens int     `envconfig:"CLARIFIER_MAX_TOKENS" default:"200"`
	Temperature        float32 `envconfig:"SUMMARY_TEMPERATURE" default:"0.3"`
}

type LocationConfig struct {
	ResolverEnabled     bool    `envconfig:"LOCATION_RESOLVER_ENABLED" default:"true"`
	ConfidenceThreshold float64 `envconfig:"LOCATION_CONFIDENCE_THRESHOLD" default:"0.5"`
	ReferenceTTL        string  `envconfig:"REFERENCE_TTL" default:"30m"`
}

type DatabaseConfig struct {
	// Executor selects the SQL transport: "postgres" or "mcp".
	Executor           string `envconfig:"SQL_EXECUTOR" default:"postgres"`
	URL                string `envconfig:"DATABASE_URL"`
	SupabaseProjectRef string `envconfig:"SUPABASE_PROJECT_REF"`
	SupabasePAT        string `envconfig:"SUPABASE_PAT"`
	SupabaseMCPURL     string `envconfig:"SUPABASE_MCP_URL" default:"https://mcp.supabase.com/mcp"`
	QueryTimeout       string `envconfig:"QUERY_TIMEOUT" default:"15s"`
}

type LimitsConfig struct {
	RateLimitRequests int    `envconfig:"RATE_LIMIT_REQUESTS" default:"20"`
	RateLimitWindow   string `envconfig:"RATE_LIMIT_WINDOW" default:"1h"`
	MaxMessageLength  int    `envconfig:"MAX_MESSAGE_LENGTH" default:"200"`
}

type DataConfig struct {
	// StartDate is the first arrival_date present in the table (YYYY-MM-DD).
	StartDate string `envconfig:"DATA_START_DATE" default:"2025-01-01"`
	// The price table is refreshed once a day at RefreshHour:RefreshMinute in RefreshTZ.
	RefreshHour   int    `envconfig:"DATA_REFRESH_HOUR" default:"6"`
	RefreshMinute int    `envconfig:"DATA_REFRESH_MINUTE" default:"0"`
	RefreshTZ     string `envconfig:"DATA_REFRESH_TZ" default:"Asia/Kolkata"`
}
