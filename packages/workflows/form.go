package workflows

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/chatflow/chatflow/core/infra/schema"
)

// FieldType is the input kind of one form field.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldTextarea FieldType = "textarea"
	FieldEmail    FieldType = "email"
	FieldPhone    FieldType = "phone"
	FieldNumber   FieldType = "number"
	FieldDate     FieldType = "date"
	FieldSelect   FieldType = "select"
	FieldCheckbox FieldType = "checkbox"
)

const maxFormFields = 50

var knownFieldTypes = map[FieldType]bool{
	FieldText: true, FieldTextarea: true, FieldEmail: true, FieldPhone: true,
	FieldNumber: true, FieldDate: true, FieldSelect: true, FieldCheckbox: true,
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Field is one question of a form.
type Field struct {
	Name        string    `json:"name"`
	Label       string    `json:"label"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required,omitempty"`
	Options     []string  `json:"options,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Form is the structured form produced from a free-text description.
type Form struct {
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Fields      []Field `json:"fields"`
}

// ParseForm decodes model output into a Form. Markdown code fences around the
// JSON are tolerated; field names are normalised to snake case.
func ParseForm(text string) (*Form, error) {
	body := stripFences(text)
	if body == "" {
		return nil, fmt.Errorf("empty form document")
	}
	var form Form
	if err := json.Unmarshal([]byte(body), &form); err != nil {
		return nil, fmt.Errorf("decode form: %w", err)
	}
	for i := range form.Fields {
		f := &form.Fields[i]
		if f.Name == "" {
			f.Name = f.Label
		}
		f.Name = slug(f.Name)
		f.Type = FieldType(strings.ToLower(strings.TrimSpace(string(f.Type))))
		if f.Type == "" {
			f.Type = FieldText
		}
		if f.Label == "" {
			f.Label = f.Name
		}
	}
	if err := form.Validate(); err != nil {
		return nil, err
	}
	return &form, nil
}

// Validate checks the structural rules of the form.
func (f *Form) Validate() error {
	if strings.TrimSpace(f.Title) == "" {
		return fmt.Errorf("form title required")
	}
	if len(f.Fields) == 0 {
		return fmt.Errorf("form has no fields")
	}
	if len(f.Fields) > maxFormFields {
		return fmt.Errorf("form has %d fields, limit is %d", len(f.Fields), maxFormFields)
	}
	seen := map[string]bool{}
	for _, field := range f.Fields {
		if field.Name == "" {
			return fmt.Errorf("field name required")
		}
		if seen[field.Name] {
			return fmt.Errorf("duplicate field %q", field.Name)
		}
		seen[field.Name] = true
		if !knownFieldTypes[field.Type] {
			return fmt.Errorf("field %q has unknown type %q", field.Name, field.Type)
		}
		if field.Type == FieldSelect && len(field.Options) == 0 {
			return fmt.Errorf("select field %q has no options", field.Name)
		}
	}
	return nil
}

// Field returns the field called name.
func (f *Form) Field(name string) (Field, bool) {
	for _, field := range f.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return Field{}, false
}

// PropertySchema is the JSON Schema of a single answer to the field.
func (fd Field) PropertySchema() map[string]any {
	prop := map[string]any{}
	switch fd.Type {
	case FieldNumber:
		prop["type"] = "number"
	case FieldCheckbox:
		prop["type"] = "boolean"
	case FieldEmail:
		prop["type"] = "string"
		prop["format"] = "email"
		prop["pattern"] = `^[^@\s]+@[^@\s]+\.[^@\s]+$`
	case FieldDate:
		prop["type"] = "string"
		prop["format"] = "date"
		prop["pattern"] = `^\d{4}-\d{2}-\d{2}$`
	case FieldSelect:
		prop["type"] = "string"
		enum := make([]any, 0, len(fd.Options))
		for _, opt := range fd.Options {
			enum = append(enum, opt)
		}
		prop["enum"] = enum
	default:
		prop["type"] = "string"
		prop["minLength"] = 1
	}
	if fd.Label != "" {
		prop["title"] = fd.Label
	}
	if fd.Description != "" {
		prop["description"] = fd.Description
	}
	return prop
}

// ValidateValue checks one answer against the field's property schema.
func (fd Field) ValidateValue(value any) error {
	return schema.ValidateMap(fd.PropertySchema(), value)
}

// JSONSchema renders the form as a draft-07 object schema.
func (f *Form) JSONSchema() ([]byte, error) {
	props := make(map[string]any, len(f.Fields))
	required := []string{}
	for _, field := range f.Fields {
		props[field.Name] = field.PropertySchema()
		if field.Required {
			required = append(required, field.Name)
		}
	}
	doc := map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"title":                f.Title,
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
	if f.Description != "" {
		doc["description"] = f.Description
	}
	return json.Marshal(doc)
}

// CompileSchema renders and compiles the form schema under id.
func (f *Form) CompileSchema(id string) ([]byte, *schema.Schema, error) {
	doc, err := f.JSONSchema()
	if err != nil {
		return nil, nil, fmt.Errorf("render form schema: %w", err)
	}
	compiled, err := schema.Compile(id, doc)
	if err != nil {
		return nil, nil, err
	}
	return doc, compiled, nil
}

func stripFences(text string) string {
	body := strings.TrimSpace(text)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```")
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
		}
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	}
	if start, end := strings.IndexByte(body, '{'), strings.LastIndexByte(body, '}'); start >= 0 && end > start {
		body = body[start : end+1]
	}
	return strings.TrimSpace(body)
}

func slug(s string) string {
	out := nonSlug.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "_")
	return strings.Trim(out, "_")
}
