package workflows

import (
	"encoding/json"
	"fmt"
	"strings"
)

const schemaSystemPrompt = `You design web forms. Reply with a single JSON object and nothing else:
{"title": string, "description": string, "fields": [{"name": snake_case string, "label": string,
"type": one of text|textarea|email|phone|number|date|select|checkbox, "required": bool,
"options": [string] (select only), "description": string}]}`

const interviewerPrompt = `You are collecting answers for a form through a friendly conversation.
Ask exactly one short question for the requested field. Do not repeat earlier questions.`

const extractorPrompt = `You read a user's reply and extract the value of one form field.
Reply with JSON only: {"value": <value or null>, "skipped": <true if the user declined>}.
Numbers are JSON numbers, dates are YYYY-MM-DD, checkboxes are booleans.`

const structurePrompt = `You map the text of a document onto form fields.
Reply with one JSON object whose keys are the field names; use null for fields not present.`

const summaryPrompt = `You analyse form submissions and write a concise summary for the form owner:
the main trends, notable outliers and any follow-up worth doing. Plain text, no markdown.`

const extractionHint = "Transcribe all readable text of this document, preserving reading order."

func schemaPrompt(in GenerateSchemaInput) string {
	var b strings.Builder
	b.WriteString("Design a form for the following request:\n")
	b.WriteString(strings.TrimSpace(in.Description))
	if in.MaxFields > 0 {
		fmt.Fprintf(&b, "\nUse at most %d fields.", in.MaxFields)
	}
	return b.String()
}

func questionPrompt(form *Form, field Field, retry bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Form: %s\n", form.Title)
	fmt.Fprintf(&b, "Field: %s (%s)", field.Label, field.Type)
	if field.Description != "" {
		fmt.Fprintf(&b, " - %s", field.Description)
	}
	if len(field.Options) > 0 {
		fmt.Fprintf(&b, "\nAllowed answers: %s", strings.Join(field.Options, ", "))
	}
	if !field.Required {
		b.WriteString("\nThe field is optional; tell the user they may skip it.")
	}
	if retry {
		b.WriteString("\nThe previous answer could not be used; ask again and explain the expected format.")
	}
	return b.String()
}

func answerPrompt(field Field, answer string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Field: %s (name %s, type %s)\n", field.Label, field.Name, field.Type)
	if len(field.Options) > 0 {
		fmt.Fprintf(&b, "Allowed values: %s\n", strings.Join(field.Options, ", "))
	}
	fmt.Fprintf(&b, "Reply: %s", answer)
	return b.String()
}

func documentPrompt(fields []Field, text string) string {
	var b strings.Builder
	b.WriteString("Fields:\n")
	for _, f := range fields {
		fmt.Fprintf(&b, "- %s (%s): %s\n", f.Name, f.Type, f.Label)
	}
	b.WriteString("\nDocument text:\n")
	b.WriteString(text)
	return b.String()
}

func submissionsPrompt(question string, submissions []json.RawMessage) string {
	var b strings.Builder
	if question != "" {
		fmt.Fprintf(&b, "Focus: %s\n\n", question)
	}
	fmt.Fprintf(&b, "%d submissions:\n", len(submissions))
	for i, s := range submissions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return b.String()
}
