package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	einomodel "github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"github.com/ask-mandi/server/internal/agent/llm"
	"github.com/ask-mandi/server/internal/agent/model"
	logx "github.com/ask-mandi/server/pkg/logger"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// ChatModelConfig holds the configuration for chat model creation
type ChatModelConfig struct {
	LLM           model.LLMConfig
	PlannerConfig *model.PlannerModelConfig
	SummaryConfig *model.SummaryModelConfig
}

// ChatModels holds the planner and summary chat models. The planner model
// also serves location classification and extraction.
type ChatModels struct {
	Planner          einomodel.BaseChatModel
	Summary          einomodel.BaseChatModel
	PlannerModelName string
	SummaryModelName string
}

// PlannerGenerator wraps the planner model for calls made outside graph nodes.
func (cm *ChatModels) PlannerGenerator() llm.Generator {
	return llm.NewChatGenerator(cm.Planner, cm.PlannerModelName)
}

// SummaryGenerator wraps the summary model for clarification and summary calls.
func (cm *ChatModels) SummaryGenerator() llm.Generator {
	return llm.NewChatGenerator(cm.Summary, cm.SummaryModelName)
}

// NewChatModels creates both chat models for the configured provider.
func NewChatModels(ctx context.Context, config ChatModelConfig) (*ChatModels, error) {
	if config.PlannerConfig == nil || config.SummaryConfig == nil {
		return nil, fmt.Errorf("chat model config is incomplete")
	}
	if config.LLM.APIKey == "" {
		return nil, fmt.Errorf("LLM_API_KEY is not set")
	}

	var (
		planner, summary einomodel.BaseChatModel
		err              error
	)
	switch strings.ToLower(config.LLM.Provider) {
	case "", ProviderGemini:
		planner, summary, err = newGeminiModels(ctx, config)
	case ProviderOpenAI:
		planner, summary, err = newOpenAIModels(ctx, config)
	default:
		err = fmt.Errorf("unknown LLM provider %q", config.LLM.Provider)
	}
	if err != nil {
		return nil, err
	}

	return &ChatModels{
		Planner:          planner,
		Summary:          summary,
		PlannerModelName: config.PlannerConfig.Model,
		SummaryModelName: config.SummaryConfig.Model,
	}, nil
}

func newGeminiModels(ctx context.Context, config ChatModelConfig) (einomodel.BaseChatModel, einomodel.BaseChatModel, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  config.LLM.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.LLM.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = config.LLM.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	// A single SQL statement needs little reasoning; a zero budget disables thinking.
	pc := config.PlannerConfig
	planner, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       pc.Model,
		Temperature: &pc.Temperature,
		MaxTokens:   &pc.MaxTokens,
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  genai.Ptr(pc.ThinkingBudget),
		},
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating planner model")
		return nil, nil, fmt.Errorf("error creating planner model: %w", err)
	}

	sc := config.SummaryConfig
	summary, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       sc.Model,
		Temperature: &sc.Temperature,
		MaxTokens:   &sc.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating summary model")
		return nil, nil, fmt.Errorf("error creating summary model: %w", err)
	}
	return planner, summary, nil
}

func newOpenAIModels(ctx context.Context, config ChatModelConfig) (einomodel.BaseChatModel, einomodel.BaseChatModel, error) {
	pc := config.PlannerConfig
	planner, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      config.LLM.APIKey,
		BaseURL:     config.LLM.BaseURL,
		Model:       pc.Model,
		MaxTokens:   &pc.MaxTokens,
		Temperature: &pc.Temperature,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating planner model")
		return nil, nil, fmt.Errorf("error creating planner model: %w", err)
	}

	sc := config.SummaryConfig
	summary, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      config.LLM.APIKey,
		BaseURL:     config.LLM.BaseURL,
		Model:       sc.Model,
		MaxTokens:   &sc.MaxTokens,
		Temperature: &sc.Temperature,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating summary model")
		return nil, nil, fmt.Errorf("error creating summary model: %w", err)
	}
	return planner, summary, nil
}
