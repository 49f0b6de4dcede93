// Package providers routes capability requests to interchangeable vendor
// adapters, guarding each (provider, capability) pair with a circuit breaker.
package providers

import (
	"context"
	"fmt"
)

// Capability names one kind of external work a provider can perform.
type Capability string

const (
	CapabilityTextComplete  Capability = "text.complete"
	CapabilityVisionAnalyze Capability = "vision.analyze"
	CapabilityTextExtract   Capability = "text.extract"
)

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityTextComplete, CapabilityVisionAnalyze, CapabilityTextExtract:
		return true
	}
	return false
}

// Message is one turn of a chat-style prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the vendor-neutral input to every capability. Fields irrelevant
// to a capability are ignored by adapters.
type Request struct {
	System      string    `json:"system,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	Messages    []Message `json:"messages,omitempty"`
	Image       []byte    `json:"image,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	Document    []byte    `json:"document,omitempty"`
	MIMEType    string    `json:"mime_type,omitempty"`
	JSONOutput  bool      `json:"json_output,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Usage reports token accounting when the vendor returns it.
type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Response is the vendor-neutral result of a capability call.
type Response struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Text     string `json:"text"`
	Usage    Usage  `json:"usage,omitempty"`
}

// Adapter is the uniform surface the registry routes through.
type Adapter interface {
	Name() string
	Capabilities() []Capability
	Invoke(ctx context.Context, capability Capability, req *Request) (*Response, error)
}

// TextCompleter generates text from a prompt or message history.
type TextCompleter interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// VisionAnalyzer describes or answers questions about an image.
type VisionAnalyzer interface {
	AnalyzeImage(ctx context.Context, req *Request) (*Response, error)
}

// TextExtractor pulls plain text out of a document.
type TextExtractor interface {
	ExtractText(ctx context.Context, req *Request) (*Response, error)
}

// CapabilityAdapter assembles typed capability implementations into an
// Adapter. A nil implementation means the capability is not offered.
type CapabilityAdapter struct {
	name    string
	text    TextCompleter
	vision  VisionAnalyzer
	extract TextExtractor
}

// NewCapabilityAdapter binds the given implementations under name.
func NewCapabilityAdapter(name string, text TextCompleter, vision VisionAnalyzer, extract TextExtractor) *CapabilityAdapter {
	return &CapabilityAdapter{name: name, text: text, vision: vision, extract: extract}
}

func (a *CapabilityAdapter) Name() string { return a.name }

func (a *CapabilityAdapter) Capabilities() []Capability {
	var out []Capability
	if a.text != nil {
		out = append(out, CapabilityTextComplete)
	}
	if a.vision != nil {
		out = append(out, CapabilityVisionAnalyze)
	}
	if a.extract != nil {
		out = append(out, CapabilityTextExtract)
	}
	return out
}

func (a *CapabilityAdapter) Invoke(ctx context.Context, capability Capability, req *Request) (*Response, error) {
	if req == nil {
		return nil, &ProviderError{Provider: a.name, Code: "bad_request", Err: fmt.Errorf("request required")}
	}
	var (
		resp *Response
		err  error
	)
	switch {
	case capability == CapabilityTextComplete && a.text != nil:
		resp, err = a.text.Complete(ctx, req)
	case capability == CapabilityVisionAnalyze && a.vision != nil:
		resp, err = a.vision.AnalyzeImage(ctx, req)
	case capability == CapabilityTextExtract && a.extract != nil:
		resp, err = a.extract.ExtractText(ctx, req)
	default:
		return nil, &ProviderError{Provider: a.name, Code: "unsupported_capability", Err: fmt.Errorf("%w: %s", ErrUnsupportedCapability, capability)}
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &Response{}
	}
	if resp.Provider == "" {
		resp.Provider = a.name
	}
	return resp, nil
}

// Supports reports whether a offers capability.
func Supports(a Adapter, capability Capability) bool {
	for _, c := range a.Capabilities() {
		if c == capability {
			return true
		}
	}
	return false
}
