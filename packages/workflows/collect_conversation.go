package workflows

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/chatflow/chatflow/core/providers"
	"github.com/chatflow/chatflow/core/workflow"
)

const defaultAttemptsPerField = 2

// CollectConversationInput drives a turn-by-turn interview for form.
type CollectConversationInput struct {
	Form                Form   `json:"form"`
	Greeting            string `json:"greeting,omitempty"`
	TurnTimeoutSeconds  int    `json:"turn_timeout_seconds,omitempty"`
	PauseSeconds        int    `json:"pause_seconds,omitempty"`
	MaxAttemptsPerField int    `json:"max_attempts_per_field,omitempty"`
}

// ConversationAnswer is the webhook payload carrying the user's reply.
type ConversationAnswer struct {
	Message string `json:"message"`
}

// CollectConversationResult holds the collected values.
type CollectConversationResult struct {
	Values   map[string]any `json:"values"`
	Skipped  []string       `json:"skipped,omitempty"`
	Missing  []string       `json:"missing,omitempty"`
	Turns    int            `json:"turns"`
	Complete bool           `json:"complete"`
}

type extraction struct {
	Value   any  `json:"value"`
	Skipped bool `json:"skipped"`
}

// CollectConversation asks one question per field, waits for the answer on
// a webhook and extracts a typed value from it. A field whose answer cannot
// be used is asked again up to MaxAttemptsPerField times.
func (w *Workflows) CollectConversation(wctx *workflow.Context, raw json.RawMessage) (any, error) {
	in, err := decodeInput[CollectConversationInput](raw)
	if err != nil {
		return nil, err
	}
	form := &in.Form
	for i := range form.Fields {
		if form.Fields[i].Label == "" {
			form.Fields[i].Label = form.Fields[i].Name
		}
	}
	if err := form.Validate(); err != nil {
		return nil, workflow.FatalCode(CodeInvalidInput, err)
	}
	attempts := in.MaxAttemptsPerField
	if attempts <= 0 {
		attempts = defaultAttemptsPerField
	}
	var waitOpts []workflow.WaitOption
	if in.TurnTimeoutSeconds > 0 {
		waitOpts = append(waitOpts, workflow.WithWebhookTimeout(time.Duration(in.TurnTimeoutSeconds)*time.Second))
	}

	var transcript []providers.Message
	if in.Greeting != "" {
		transcript = append(transcript, providers.Message{Role: "assistant", Content: in.Greeting})
	}
	result := CollectConversationResult{Values: map[string]any{}}

	for _, field := range form.Fields {
		for attempt := 1; attempt <= attempts; attempt++ {
			if result.Turns > 0 && in.PauseSeconds > 0 {
				if err := wctx.Sleep(time.Duration(in.PauseSeconds) * time.Second); err != nil {
					return nil, err
				}
			}
			result.Turns++

			question, err := wctx.Invoke("ask-"+field.Name, providers.CapabilityTextComplete, &providers.Request{
				System:   interviewerPrompt,
				Messages: transcript,
				Prompt:   questionPrompt(form, field, attempt > 1),
			})
			if err != nil {
				return nil, err
			}
			transcript = append(transcript, providers.Message{Role: "assistant", Content: question.Text})

			payload, err := wctx.WaitForWebhook(waitOpts...)
			if err != nil {
				return nil, err
			}
			answer := decodeAnswer(payload)
			transcript = append(transcript, providers.Message{Role: "user", Content: answer})

			extracted, err := wctx.Invoke("extract-"+field.Name, providers.CapabilityTextComplete, &providers.Request{
				System:     extractorPrompt,
				Prompt:     answerPrompt(field, answer),
				JSONOutput: true,
			})
			if err != nil {
				return nil, err
			}
			parsed, ok := parseExtraction(extracted.Text)
			if !ok {
				continue
			}
			if parsed.Skipped && !field.Required {
				result.Skipped = append(result.Skipped, field.Name)
				break
			}
			if parsed.Value != nil && field.ValidateValue(parsed.Value) == nil {
				result.Values[field.Name] = parsed.Value
				break
			}
		}
		if _, ok := result.Values[field.Name]; !ok && field.Required {
			result.Missing = append(result.Missing, field.Name)
		}
	}
	result.Complete = len(result.Missing) == 0
	return result, nil
}

// decodeAnswer accepts {"message": "..."}, a bare JSON string or any other
// JSON value rendered as text.
func decodeAnswer(payload json.RawMessage) string {
	var ans ConversationAnswer
	if err := json.Unmarshal(payload, &ans); err == nil && ans.Message != "" {
		return strings.TrimSpace(ans.Message)
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return strings.TrimSpace(s)
	}
	if string(payload) == "null" {
		return ""
	}
	return string(payload)
}

func parseExtraction(text string) (extraction, bool) {
	var out extraction
	if err := json.Unmarshal([]byte(stripFences(text)), &out); err != nil {
		return extraction{}, false
	}
	return out, true
}
