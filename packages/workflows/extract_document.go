package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/chatflow/chatflow/core/infra/artifacts"
	"github.com/chatflow/chatflow/core/providers"
	"github.com/chatflow/chatflow/core/workflow"
)

// ExtractDocumentInput carries a document, inline or as an uploaded
// reference, and the fields to fill from it. Document is base64 encoded on
// the wire.
type ExtractDocumentInput struct {
	Document    []byte  `json:"document,omitempty"`
	DocumentRef string  `json:"document_ref,omitempty"`
	MIMEType    string  `json:"mime_type,omitempty"`
	Fields      []Field `json:"fields"`
}

type loadedDocument struct {
	Content     []byte `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}

// ExtractDocumentResult holds the values found in the document.
type ExtractDocumentResult struct {
	Values      map[string]any `json:"values"`
	Missing     []string       `json:"missing,omitempty"`
	Invalid     []string       `json:"invalid,omitempty"`
	TextLength  int            `json:"text_length"`
	ExtractedBy string         `json:"extracted_by,omitempty"`
}

// ExtractDocument reads the document text and maps it onto the fields. Plain
// text is used as is, images go through vision analysis and everything else
// through text extraction.
func (w *Workflows) ExtractDocument(wctx *workflow.Context, raw json.RawMessage) (any, error) {
	in, err := decodeInput[ExtractDocumentInput](raw)
	if err != nil {
		return nil, err
	}
	if len(in.Fields) == 0 {
		return nil, workflow.FatalCode(CodeInvalidInput, fmt.Errorf("no fields requested"))
	}
	if len(in.Document) == 0 && in.DocumentRef != "" {
		doc, err := w.loadDocument(wctx, in.DocumentRef)
		if err != nil {
			return nil, err
		}
		in.Document = doc.Content
		if in.MIMEType == "" {
			in.MIMEType = doc.ContentType
		}
	}
	if len(in.Document) == 0 {
		return nil, workflow.FatalCode(CodeInvalidInput, fmt.Errorf("document is empty"))
	}
	mime := strings.ToLower(strings.TrimSpace(in.MIMEType))
	if mime == "" {
		return nil, workflow.FatalCode(CodeInvalidInput, fmt.Errorf("mime type is required"))
	}

	result := ExtractDocumentResult{Values: map[string]any{}}
	var text string
	switch {
	case strings.HasPrefix(mime, "text/"):
		text = string(in.Document)
	case strings.HasPrefix(mime, "image/"):
		resp, err := wctx.Invoke("read-image", providers.CapabilityVisionAnalyze, &providers.Request{
			Prompt:   extractionHint,
			Image:    in.Document,
			MIMEType: mime,
		})
		if err != nil {
			return nil, err
		}
		text, result.ExtractedBy = resp.Text, resp.Provider
	default:
		resp, err := wctx.Invoke("extract-text", providers.CapabilityTextExtract, &providers.Request{
			Document: in.Document,
			MIMEType: mime,
		})
		if err != nil {
			return nil, err
		}
		text, result.ExtractedBy = resp.Text, resp.Provider
	}
	result.TextLength = len(text)
	if strings.TrimSpace(text) == "" {
		return nil, workflow.FatalCode(CodeInvalidModelOutput, fmt.Errorf("no text found in document"))
	}

	structured, err := wctx.Invoke("structure-fields", providers.CapabilityTextComplete, &providers.Request{
		System:     structurePrompt,
		Prompt:     documentPrompt(in.Fields, text),
		JSONOutput: true,
	})
	if err != nil {
		return nil, err
	}
	var values map[string]any
	if err := json.Unmarshal([]byte(stripFences(structured.Text)), &values); err != nil {
		return nil, workflow.FatalCode(CodeInvalidModelOutput, fmt.Errorf("decode structured fields: %w", err))
	}
	for _, field := range in.Fields {
		v, ok := values[field.Name]
		switch {
		case !ok || v == nil:
			if field.Required {
				result.Missing = append(result.Missing, field.Name)
			}
		case field.ValidateValue(v) != nil:
			result.Invalid = append(result.Invalid, field.Name)
		default:
			result.Values[field.Name] = v
		}
	}
	return result, nil
}

// loadDocument resolves an uploaded document inside a step, so replays keep
// working after the stored copy expires.
func (w *Workflows) loadDocument(wctx *workflow.Context, ref string) (loadedDocument, error) {
	if w.deps.Documents == nil {
		return loadedDocument{}, workflow.FatalCode(CodeInvalidInput, fmt.Errorf("document references are not supported"))
	}
	tenant := wctx.TenantID()
	return workflow.StepAs(wctx, "load-document", ref, func(ctx context.Context) (loadedDocument, error) {
		content, meta, err := w.deps.Documents.Get(ctx, ref)
		switch {
		case errors.Is(err, artifacts.ErrNotFound):
			return loadedDocument{}, workflow.FatalCode(CodeInvalidInput, fmt.Errorf("document %s not found", ref))
		case err != nil:
			return loadedDocument{}, workflow.Retryable(fmt.Errorf("load document: %w", err))
		}
		if meta.TenantID != "" && meta.TenantID != tenant {
			return loadedDocument{}, workflow.FatalCode(CodeInvalidInput, fmt.Errorf("document %s not found", ref))
		}
		return loadedDocument{Content: content, ContentType: meta.ContentType}, nil
	})
}
