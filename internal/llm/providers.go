package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"company-intel/internal/models"
)

// Provider identifiers stored in tenant settings.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// GeminiBaseURL is Google's OpenAI-compatible endpoint.
const GeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

// ClientOptions configure the HTTP side of every provider client.
type ClientOptions struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	// BaseURLs overrides the endpoint per provider id.
	BaseURLs map[string]string
	// MaxRetries is passed to the SDKs. The chain itself never retries a provider.
	MaxRetries int
}

// NewFactory returns a Factory that builds SDK-backed providers.
func NewFactory(opts ClientOptions) Factory {
	return func(cfg models.ProviderConfig) (Provider, error) {
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%s: api key is required", cfg.Provider)
		}
		switch strings.ToLower(cfg.Provider) {
		case ProviderOpenAI:
			return newOpenAI(cfg, opts, opts.BaseURLs[ProviderOpenAI]), nil
		case ProviderGemini:
			base := opts.BaseURLs[ProviderGemini]
			if base == "" {
				base = GeminiBaseURL
			}
			return newOpenAI(cfg, opts, base), nil
		case ProviderAnthropic:
			aopts := []aoption.RequestOption{aoption.WithAPIKey(cfg.APIKey), aoption.WithMaxRetries(opts.MaxRetries)}
			if opts.HTTPClient != nil {
				aopts = append(aopts, aoption.WithHTTPClient(opts.HTTPClient))
			}
			if opts.Timeout > 0 {
				aopts = append(aopts, aoption.WithRequestTimeout(opts.Timeout))
			}
			if base := opts.BaseURLs[ProviderAnthropic]; base != "" {
				aopts = append(aopts, aoption.WithBaseURL(base))
			}
			client := sdk.NewClient(aopts...)
			return NewAnthropic(&client.Messages, cfg.Model), nil
		default:
			return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
		}
	}
}

type openAIProvider struct {
	client openai.Client
	model  string
}

func newOpenAI(cfg models.ProviderConfig, opts ClientOptions, baseURL string) *openAIProvider {
	oopts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(opts.MaxRetries)}
	if baseURL != "" {
		oopts = append(oopts, option.WithBaseURL(baseURL))
	}
	if opts.HTTPClient != nil {
		oopts = append(oopts, option.WithHTTPClient(opts.HTTPClient))
	}
	if opts.Timeout > 0 {
		oopts = append(oopts, option.WithRequestTimeout(opts.Timeout))
	}
	return &openAIProvider{client: openai.NewClient(oopts...), model: cfg.Model}
}

func (p *openAIProvider) Chat(ctx context.Context, req Request) (string, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		case models.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 && acceptsTemperature(p.model) {
		params.Temperature = openai.Float(req.Temperature)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("no completion choices returned")
	}
	return completion.Choices[0].Message.Content, nil
}

// acceptsTemperature reports whether the model takes a non-default temperature.
// Reasoning models only accept the default.
func acceptsTemperature(model string) bool {
	m := strings.ToLower(model)
	return !strings.HasPrefix(m, "gpt-5") && !strings.HasPrefix(m, "o1") &&
		!strings.HasPrefix(m, "o3") && !strings.HasPrefix(m, "o4")
}

// MessagesClient is the subset of the Anthropic SDK used here. It is
// satisfied by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...aoption.RequestOption) (*sdk.Message, error)
}

// Anthropic calls the Claude Messages API.
type Anthropic struct {
	msg   MessagesClient
	model string
}

func NewAnthropic(msg MessagesClient, model string) *Anthropic {
	return &Anthropic{msg: msg, model: model}
}

func (a *Anthropic) Chat(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	var system []sdk.TextBlockParam
	if req.System != "" {
		system = append(system, sdk.TextBlockParam{Text: req.System})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		case models.RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		default:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(a.model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	msg, err := a.msg.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages.new: %w", err)
	}
	if msg == nil {
		return "", errors.New("anthropic: response message is nil")
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}
