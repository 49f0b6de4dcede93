// Package workflows holds the product workflows run by the engine: form
// generation from a description, conversational collection, document
// extraction and results interpretation.
package workflows

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chatflow/chatflow/core/infra/artifacts"
	"github.com/chatflow/chatflow/core/infra/logging"
	"github.com/chatflow/chatflow/core/infra/memory"
	"github.com/chatflow/chatflow/core/workflow"
)

const (
	GenerateSchemaType      = "generate-schema"
	CollectConversationType = "collect-conversation"
	ExtractDocumentType     = "extract-document"
	InterpretResultsType    = "interpret-results"

	CodeInvalidInput       = "invalid_input"
	CodeInvalidModelOutput = "invalid_model_output"

	component = "workflows"
)

// FormSink stores generated form schemas.
type FormSink interface {
	Register(ctx context.Context, id string, doc []byte) error
}

// SubmissionSource lists the submissions collected for a form.
type SubmissionSource interface {
	ListSubmissions(ctx context.Context, formID string) ([]json.RawMessage, error)
}

// SummaryPublisher makes an approved summary visible to the form owner.
type SummaryPublisher interface {
	PublishSummary(ctx context.Context, summary memory.Summary) error
}

// DocumentSource resolves uploaded document references.
type DocumentSource interface {
	Get(ctx context.Context, ref string) ([]byte, artifacts.Metadata, error)
}

// Registrar is the engine surface used to bind workflow types.
type Registrar interface {
	Register(workflowType string, fn workflow.WorkflowFunc, opts ...workflow.RegisterOption) error
}

// Deps are the side-effect targets of the workflows.
type Deps struct {
	Forms       FormSink
	Submissions SubmissionSource
	Summaries   SummaryPublisher
	// Documents is optional; without it extract-document accepts inline
	// documents only.
	Documents DocumentSource
}

// Workflows binds the product workflows to their dependencies.
type Workflows struct {
	deps Deps
}

// New constructs the workflow set.
func New(deps Deps) *Workflows {
	return &Workflows{deps: deps}
}

// Register binds every workflow whose dependencies are configured.
func Register(r Registrar, deps Deps) error {
	w := New(deps)
	defs := []struct {
		name   string
		fn     workflow.WorkflowFunc
		schema string
		needs  bool
	}{
		{GenerateSchemaType, w.GenerateSchema, generateSchemaInput, deps.Forms != nil},
		{CollectConversationType, w.CollectConversation, collectConversationInput, true},
		{ExtractDocumentType, w.ExtractDocument, extractDocumentInput, true},
		{InterpretResultsType, w.InterpretResults, interpretResultsInput, deps.Submissions != nil && deps.Summaries != nil},
	}
	for _, d := range defs {
		if !d.needs {
			logging.Warn(component, "workflow not registered, dependencies missing", "workflow_type", d.name)
			continue
		}
		if err := r.Register(d.name, d.fn, workflow.WithInputSchema([]byte(d.schema))); err != nil {
			return fmt.Errorf("register %s: %w", d.name, err)
		}
	}
	return nil
}

func decodeInput[T any](raw json.RawMessage) (T, error) {
	var in T
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, workflow.FatalCode(CodeInvalidInput, fmt.Errorf("decode input: %w", err))
	}
	return in, nil
}

const fieldSchema = `{
  "type": "object",
  "required": ["name", "type"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "label": {"type": "string"},
    "type": {"enum": ["text", "textarea", "email", "phone", "number", "date", "select", "checkbox"]},
    "required": {"type": "boolean"},
    "options": {"type": "array", "items": {"type": "string"}},
    "description": {"type": "string"}
  }
}`

const generateSchemaInput = `{
  "type": "object",
  "required": ["description"],
  "properties": {
    "description": {"type": "string", "minLength": 1},
    "max_fields": {"type": "integer", "minimum": 1, "maximum": 50},
    "form_id": {"type": "string"}
  }
}`

const collectConversationInput = `{
  "type": "object",
  "required": ["form"],
  "properties": {
    "form": {
      "type": "object",
      "required": ["title", "fields"],
      "properties": {
        "title": {"type": "string", "minLength": 1},
        "fields": {"type": "array", "minItems": 1, "items": ` + fieldSchema + `}
      }
    },
    "greeting": {"type": "string"},
    "turn_timeout_seconds": {"type": "integer", "minimum": 0},
    "pause_seconds": {"type": "integer", "minimum": 0},
    "max_attempts_per_field": {"type": "integer", "minimum": 0, "maximum": 10}
  }
}`

const extractDocumentInput = `{
  "type": "object",
  "required": ["fields"],
  "anyOf": [
    {"required": ["document", "mime_type"]},
    {"required": ["document_ref"]}
  ],
  "properties": {
    "document": {"type": "string", "minLength": 1},
    "document_ref": {"type": "string", "pattern": "^doc://"},
    "mime_type": {"type": "string", "minLength": 1},
    "fields": {"type": "array", "minItems": 1, "items": ` + fieldSchema + `}
  }
}`

const interpretResultsInput = `{
  "type": "object",
  "required": ["form_id"],
  "properties": {
    "form_id": {"type": "string", "minLength": 1},
    "question": {"type": "string"},
    "collect_for_seconds": {"type": "integer", "minimum": 0},
    "approval_timeout_seconds": {"type": "integer", "minimum": 0}
  }
}`
