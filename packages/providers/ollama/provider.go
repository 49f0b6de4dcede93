package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/chatflow/chatflow/core/providers"
)

const defaultName = "ollama"

// Config selects the Ollama server and models.
type Config struct {
	BaseURL     string
	Model       string
	VisionModel string
	Timeout     time.Duration
}

// Provider talks to an Ollama server over its HTTP API.
type Provider struct {
	name        string
	url         string
	model       string
	visionModel string
	client      *http.Client
}

type message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Model           string  `json:"model"`
	Message         message `json:"message"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New builds a provider registered under name.
func New(name string, cfg Config) *Provider {
	if name == "" {
		name = defaultName
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3"
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = "llava"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 150 * time.Second
	}
	return &Provider{
		name:        name,
		url:         strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		visionModel: cfg.VisionModel,
		client:      &http.Client{Timeout: cfg.Timeout},
	}
}

// NewFromEnv builds an Ollama provider using OLLAMA_URL/OLLAMA_MODEL or defaults.
func NewFromEnv() *Provider {
	return New(defaultName, Config{
		BaseURL:     envOrDefault("OLLAMA_URL", "http://ollama:11434"),
		Model:       envOrDefault("OLLAMA_MODEL", "llama3"),
		VisionModel: envOrDefault("OLLAMA_VISION_MODEL", "llava"),
	})
}

// Adapter exposes the provider's text and vision capabilities.
func (p *Provider) Adapter() *providers.CapabilityAdapter {
	return providers.NewCapabilityAdapter(p.name, p, p, nil)
}

// Complete implements providers.TextCompleter.
func (p *Provider) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	msgs := buildMessages(req)
	if len(msgs) == 0 {
		return nil, &providers.ProviderError{Provider: p.name, Code: "bad_request", Err: fmt.Errorf("empty prompt")}
	}
	return p.chat(ctx, p.model, msgs, req)
}

// AnalyzeImage implements providers.VisionAnalyzer.
func (p *Provider) AnalyzeImage(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	if len(req.Image) == 0 {
		return nil, &providers.ProviderError{Provider: p.name, Code: "bad_request", Err: fmt.Errorf("image bytes required")}
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = "Describe this image."
	}
	var msgs []message
	if req.System != "" {
		msgs = append(msgs, message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, message{
		Role:    "user",
		Content: prompt,
		Images:  []string{base64.StdEncoding.EncodeToString(req.Image)},
	})
	return p.chat(ctx, p.visionModel, msgs, req)
}

func (p *Provider) chat(ctx context.Context, model string, msgs []message, req *providers.Request) (*providers.Response, error) {
	payload := chatRequest{Model: model, Messages: msgs, Stream: false}
	if req.JSONOutput {
		payload.Format = "json"
	}
	opts := map[string]any{}
	if req.Temperature != nil {
		opts["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if len(opts) > 0 {
		payload.Options = opts
	}
	body, err := json.Marshal(&payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.TransportError(p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, p.statusError(resp)
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, providers.TransportError(p.name, fmt.Errorf("decode response: %w", err))
	}
	return &providers.Response{
		Provider: p.name,
		Model:    firstNonEmpty(out.Model, model),
		Text:     out.Message.Content,
		Usage:    providers.Usage{InputTokens: out.PromptEvalCount, OutputTokens: out.EvalCount},
	}, nil
}

func (p *Provider) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(raw))
	var parsed errorResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != "" {
		msg = parsed.Error
	}
	return providers.StatusError(p.name, resp.StatusCode, msg, providers.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
}

func buildMessages(req *providers.Request) []message {
	var msgs []message
	if req.System != "" {
		msgs = append(msgs, message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, message{Role: m.Role, Content: m.Content})
	}
	if req.Prompt != "" {
		msgs = append(msgs, message{Role: "user", Content: req.Prompt})
	}
	if len(msgs) == 1 && msgs[0].Role == "system" {
		return nil
	}
	return msgs
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
