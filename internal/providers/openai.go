package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/planforge/planforge/internal/plan"
)

const (
	OpenAIName         = "openai"
	openAIDefaultModel = openai.ChatModelGPT4o
)

// planSchema is the structured-output schema for generated plans.
// Kept strict so a malformed completion fails parsing instead of
// producing half-usable modules.
var planSchema = map[string]any{
	"type":     "object",
	"required": []string{"modules"},
	"additionalProperties": false,
	"properties": map[string]any{
		"modules": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []string{"title", "tasks"},
				"additionalProperties": false,
				"properties": map[string]any{
					"title":   map[string]any{"type": "string"},
					"summary": map[string]any{"type": "string"},
					"tasks": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type":     "object",
							"required": []string{"title"},
							"additionalProperties": false,
							"properties": map[string]any{
								"title":             map[string]any{"type": "string"},
								"estimated_minutes": map[string]any{"type": "integer"},
							},
						},
					},
				},
			},
		},
	},
}

const planSystemPrompt = `You are a curriculum designer. Produce a practical,
progressive learning plan for the given topic. Each module builds on the
previous one; each task is a single concrete activity with a realistic
time estimate in minutes.`

// OpenAIConfig holds configuration for the OpenAI generator.
type OpenAIConfig struct {
	APIKey     string
	Model      string        // default gpt-4o
	MaxRetries int           // SDK transport retries
	Timeout    time.Duration // HTTP timeout
	BaseURL    string        // Optional (tests)
	HTTPClient *http.Client  // Optional (tests)
}

// OpenAIGenerator implements Generator using the official OpenAI SDK.
type OpenAIGenerator struct {
	model  string
	client openai.Client
}

// NewOpenAIGenerator creates a generator backed by the chat completions
// API with structured output.
func NewOpenAIGenerator(cfg OpenAIConfig) *OpenAIGenerator {
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIGenerator{
		model:  cfg.Model,
		client: openai.NewClient(opts...),
	}
}

func (g *OpenAIGenerator) Name() string { return OpenAIName }

func (g *OpenAIGenerator) Generate(ctx context.Context, input *GenerationInput) (*GenerationResult, error) {
	completion, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(planSystemPrompt),
			openai.UserMessage(buildUserPrompt(input)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "learning_plan",
					Strict: openai.Bool(true),
					Schema: planSchema,
				},
			},
		},
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %s", ErrThrottled, apiErr.Message)
		}
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}

	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	modules, err := parsePlanContent(completion.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	return &GenerationResult{
		Modules:          modules,
		Model:            completion.Model,
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
		TotalTokens:      int(completion.Usage.TotalTokens),
	}, nil
}

func buildUserPrompt(input *GenerationInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", input.Topic)
	if input.Title != "" {
		fmt.Fprintf(&b, "Plan title: %s\n", input.Title)
	}
	if input.Weeks > 0 {
		fmt.Fprintf(&b, "Target duration: %d weeks (one module per week)\n", input.Weeks)
	}
	if input.Feedback != "" {
		fmt.Fprintf(&b, "The previous plan was rejected with this feedback, address it: %s\n", input.Feedback)
	}
	return b.String()
}

// parsePlanContent decodes the structured completion into modules.
func parsePlanContent(content string) ([]plan.Module, error) {
	var doc struct {
		Modules []struct {
			Title   string `json:"title"`
			Summary string `json:"summary"`
			Tasks   []struct {
				Title            string `json:"title"`
				EstimatedMinutes int    `json:"estimated_minutes"`
			} `json:"tasks"`
		} `json:"modules"`
	}
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("parse plan completion: %w", err)
	}

	modules := make([]plan.Module, 0, len(doc.Modules))
	for i, m := range doc.Modules {
		mod := plan.Module{
			Position: i,
			Title:    m.Title,
			Summary:  m.Summary,
		}
		for k, task := range m.Tasks {
			mod.Tasks = append(mod.Tasks, plan.Task{
				Position:         k,
				Title:            task.Title,
				EstimatedMinutes: task.EstimatedMinutes,
			})
		}
		modules = append(modules, mod)
	}
	return modules, nil
}

// Verify interface
var _ Generator = (*OpenAIGenerator)(nil)
