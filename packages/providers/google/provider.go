// Package google adapts the Gemini API to the provider registry. It is the
// only bundled adapter that offers document text extraction.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/chatflow/chatflow/core/providers"
)

const (
	defaultName    = "google"
	defaultModel   = "gemini-2.0-flash"
	extractionHint = "Extract all text from this document verbatim. Preserve reading order and line breaks. Return only the text."
)

// Config selects credentials, endpoint and models.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	VisionModel string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Provider serves text completion, vision and document extraction.
type Provider struct {
	name        string
	client      *genai.Client
	model       string
	visionModel string
}

// New builds a provider registered under name.
func New(ctx context.Context, name string, cfg Config) (*Provider, error) {
	if name == "" {
		name = defaultName
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	timeout := cfg.Timeout
	cc := &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  cfg.HTTPClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL, Timeout: &timeout},
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &Provider{name: name, client: client, model: cfg.Model, visionModel: cfg.VisionModel}, nil
}

// Adapter exposes all three capabilities.
func (p *Provider) Adapter() *providers.CapabilityAdapter {
	return providers.NewCapabilityAdapter(p.name, p, p, p)
}

// Complete implements providers.TextCompleter.
func (p *Provider) Complete(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	var contents []*genai.Content
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" || m.Role == "model" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	if req.Prompt != "" {
		contents = append(contents, genai.NewContentFromText(req.Prompt, genai.RoleUser))
	}
	if len(contents) == 0 {
		return nil, &providers.ProviderError{Provider: p.name, Code: "bad_request", Err: fmt.Errorf("empty prompt")}
	}
	return p.generate(ctx, p.model, contents, req)
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
	parts := []*genai.Part{
		genai.NewPartFromBytes(req.Image, mimeType(req.MIMEType, req.Image)),
		genai.NewPartFromText(prompt),
	}
	return p.generate(ctx, p.visionModel, []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, req)
}

// ExtractText implements providers.TextExtractor.
func (p *Provider) ExtractText(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	if len(req.Document) == 0 {
		return nil, &providers.ProviderError{Provider: p.name, Code: "bad_request", Err: fmt.Errorf("document bytes required")}
	}
	prompt := req.Prompt
	if prompt == "" {
		prompt = extractionHint
	}
	parts := []*genai.Part{
		genai.NewPartFromBytes(req.Document, mimeType(req.MIMEType, req.Document)),
		genai.NewPartFromText(prompt),
	}
	return p.generate(ctx, p.visionModel, []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, req)
}

func (p *Provider) generate(ctx context.Context, model string, contents []*genai.Content, req *providers.Request) (*providers.Response, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSONOutput {
		cfg.ResponseMIMEType = "application/json"
	}
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, p.classify(err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return nil, &providers.ProviderError{Provider: p.name, Transient: true, Code: "empty_response", Err: fmt.Errorf("no text candidates returned")}
	}
	out := &providers.Response{Provider: p.name, Model: model, Text: text}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		out.Usage = providers.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

func (p *Provider) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code > 0 {
		pe := providers.StatusError(p.name, apiErr.Code, apiErr.Message, 0)
		if apiErr.Status == "RESOURCE_EXHAUSTED" {
			pe.Transient = true
			pe.Code = "rate_limited"
		}
		return pe
	}
	return providers.TransportError(p.name, err)
}

func mimeType(declared string, data []byte) string {
	if declared != "" {
		return declared
	}
	return http.DetectContentType(data)
}
