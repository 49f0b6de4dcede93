package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chatflow/chatflow/core/providers"
	"github.com/chatflow/chatflow/core/workflow"
)

const schemaTemperature = 0.2

// GenerateSchemaInput asks for a form built from a free-text description.
type GenerateSchemaInput struct {
	Description string `json:"description"`
	MaxFields   int    `json:"max_fields,omitempty"`
	FormID      string `json:"form_id,omitempty"`
}

// GenerateSchemaResult identifies the stored form.
type GenerateSchemaResult struct {
	FormID     string   `json:"formId"`
	Title      string   `json:"title"`
	FieldCount int      `json:"fieldCount"`
	Fields     []string `json:"fields"`
	Provider   string   `json:"provider,omitempty"`
}

type persistInput struct {
	FormID string          `json:"form_id"`
	Schema json.RawMessage `json:"schema"`
}

// GenerateSchema turns a description into a validated JSON form schema and
// stores it. The model call and the store write are separate steps so a
// failed write never repeats the model call.
func (w *Workflows) GenerateSchema(wctx *workflow.Context, raw json.RawMessage) (any, error) {
	in, err := decodeInput[GenerateSchemaInput](raw)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Description) == "" {
		return nil, workflow.FatalCode(CodeInvalidInput, fmt.Errorf("description required"))
	}
	if w.deps.Forms == nil {
		return nil, workflow.Fatal(fmt.Errorf("no form sink configured"))
	}

	temp := schemaTemperature
	resp, err := wctx.Invoke("call-llm", providers.CapabilityTextComplete, &providers.Request{
		System:      schemaSystemPrompt,
		Prompt:      schemaPrompt(in),
		JSONOutput:  true,
		Temperature: &temp,
	})
	if err != nil {
		return nil, err
	}

	form, err := ParseForm(resp.Text)
	if err != nil {
		return nil, workflow.FatalCode(CodeInvalidModelOutput, err)
	}
	if in.MaxFields > 0 && len(form.Fields) > in.MaxFields {
		form.Fields = form.Fields[:in.MaxFields]
	}
	formID := strings.TrimSpace(in.FormID)
	if formID == "" {
		formID = "form-" + wctx.ExecutionID()
	}
	doc, _, err := form.CompileSchema(formID)
	if err != nil {
		return nil, workflow.FatalCode(CodeInvalidModelOutput, err)
	}

	_, err = wctx.Step("persist", persistInput{FormID: formID, Schema: doc}, func(ctx context.Context) (any, error) {
		if err := w.deps.Forms.Register(ctx, formID, doc); err != nil {
			return nil, workflow.Retryable(fmt.Errorf("register form %s: %w", formID, err))
		}
		return map[string]string{"form_id": formID}, nil
	})
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(form.Fields))
	for _, f := range form.Fields {
		names = append(names, f.Name)
	}
	return GenerateSchemaResult{
		FormID:     formID,
		Title:      form.Title,
		FieldCount: len(form.Fields),
		Fields:     names,
		Provider:   resp.Provider,
	}, nil
}
