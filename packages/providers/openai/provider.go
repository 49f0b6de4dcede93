// Package openai adapts the OpenAI chat completions API to the provider
// registry.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/chatflow/chatflow/core/providers"
)

const defaultName = "openai"

// Config selects credentials, endpoint and models.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	VisionModel string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Provider serves text completion and vision through chat completions.
type Provider struct {
	name        string
	client      openai.Client
	model       string
	visionModel string
}

// New builds a provider registered under name.
func New(name string, cfg Config) *Provider {
	if name == "" {
		name = defaultName
	}
	if cfg.Model == "" {
		cfg.Model = shared.ChatModelGPT4oMini
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	// Retries belong to the step executor and the registry's failover.
	opts := []option.RequestOption{
		option.WithMaxRetries(0),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return &Provider{
		name:        name,
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		visionModel: cfg.VisionModel,
	}
}

// Adapter exposes text completion and vision.
func (p *Provider) Adapter() *providers.CapabilityAdapter {
	return providers.NewCapabilityAdapter(p.name, p, p, nil)
}

// Complete implements providers.TextCompleter.
func (p *Provider) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	msgs := buildMessages(req)
	if len(msgs) == 0 {
		return nil, &providers.ProviderError{Provider: p.name, Code: "bad_request", Err: fmt.Errorf("empty prompt")}
	}
	return p.complete(ctx, p.model, msgs, req)
}

// AnalyzeImage implements providers.VisionAnalyzer.
func (p *Provider) AnalyzeImage(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	url := req.ImageURL
	if url == "" && len(req.Image) > 0 {
		mime := req.MIMEType
		if mime == "" {
			mime = http.DetectContentType(req.Image)
		}
		url = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(req.Image)
	}
	if url == "" {
		return nil, &providers.ProviderError{Provider: p.name, Code: "bad_request", Err: fmt.Errorf("image required")}
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = "Describe this image."
	}
	var msgs []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	msgs = append(msgs, openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(prompt),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}),
	}))
	return p.complete(ctx, p.visionModel, msgs, req)
}

func (p *Provider) complete(ctx context.Context, model string, msgs []openai.ChatCompletionMessageParamUnion, req *providers.Request) (*providers.Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.JSONOutput {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}
	if len(completion.Choices) == 0 {
		return nil, &providers.ProviderError{Provider: p.name, Transient: true, Code: "empty_response", Err: fmt.Errorf("no choices returned")}
	}
	return &providers.Response{
		Provider: p.name,
		Model:    completion.Model,
		Text:     completion.Choices[0].Message.Content,
		Usage: providers.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}, nil
}

func (p *Provider) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := strings.TrimSpace(apiErr.Message)
		var retryAfter time.Duration
		if apiErr.Response != nil {
			retryAfter = providers.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"), time.Now())
		}
		pe := providers.StatusError(p.name, apiErr.StatusCode, msg, retryAfter)
		if apiErr.Code == "insufficient_quota" {
			pe.Transient = false
			pe.Code = "insufficient_quota"
		}
		return pe
	}
	return providers.TransportError(p.name, err)
}

func buildMessages(req *providers.Request) []openai.ChatCompletionMessageParamUnion {
	var msgs []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	if req.Prompt != "" {
		msgs = append(msgs, openai.UserMessage(req.Prompt))
	}
	if len(msgs) == 1 && req.System != "" {
		return nil
	}
	return msgs
}
