// Package openai provides a respond.Provider backed by the OpenAI Chat
// Completions API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/audiostream/pkg/provider/respond"
	"github.com/MrWong99/audiostream/pkg/provider/transcribe"
)

const (
	// DefaultModel is used when New receives an empty model name.
	DefaultModel = "gpt-4o-mini"

	// DefaultSystemPrompt frames every reply.
	DefaultSystemPrompt = "You are a helpful assistant."

	DefaultTemperature = 0.7
	DefaultMaxTokens   = 500
)

const providerName = "openai-chat"

var _ respond.Provider = (*Provider)(nil)

// Provider implements respond.Provider using chat completions.
type Provider struct {
	client       oai.Client
	model        string
	systemPrompt string
	temperature  float64
	maxTokens    int
}

type config struct {
	baseURL      string
	systemPrompt string
	temperature  float64
	maxTokens    int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(prompt string) Option {
	return func(c *config) { c.systemPrompt = prompt }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *config) { c.temperature = t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(c *config) { c.maxTokens = n }
}

// New constructs a Provider. If model is empty, DefaultModel is used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai respond: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{
		systemPrompt: DefaultSystemPrompt,
		temperature:  DefaultTemperature,
		maxTokens:    DefaultMaxTokens,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Provider{
		client:       oai.NewClient(reqOpts...),
		model:        model,
		systemPrompt: cfg.systemPrompt,
		temperature:  cfg.temperature,
		maxTokens:    cfg.maxTokens,
	}, nil
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Respond implements respond.Provider. An empty transcript yields an empty
// reply without calling the API.
func (p *Provider) Respond(ctx context.Context, req respond.Request) (string, error) {
	if strings.TrimSpace(req.Transcript) == "" {
		return "", nil
	}

	var messages []oai.ChatCompletionMessageParamUnion
	if p.systemPrompt != "" {
		messages = append(messages, oai.SystemMessage(p.systemPrompt))
	}
	messages = append(messages, oai.UserMessage(req.Transcript))

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if p.temperature != 0 {
		params.Temperature = param.NewOpt(p.temperature)
	}
	if p.maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(p.maxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			err = &transcribe.StatusError{Provider: providerName, StatusCode: apiErr.StatusCode, Message: apiErr.Message}
		}
		return "", fmt.Errorf("openai respond: segment %d: %w", req.SegmentID, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai respond: segment %d: empty response", req.SegmentID)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
