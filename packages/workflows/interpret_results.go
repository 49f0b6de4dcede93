package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatflow/chatflow/core/infra/memory"
	"github.com/chatflow/chatflow/core/providers"
	"github.com/chatflow/chatflow/core/workflow"
)

// InterpretResultsInput asks for a reviewed summary of a form's submissions.
type InterpretResultsInput struct {
	FormID                 string `json:"form_id"`
	Question               string `json:"question,omitempty"`
	CollectForSeconds      int    `json:"collect_for_seconds,omitempty"`
	ApprovalTimeoutSeconds int    `json:"approval_timeout_seconds,omitempty"`
}

// Approval is the reviewer's webhook payload.
type Approval struct {
	Approved bool   `json:"approved"`
	Reviewer string `json:"reviewer,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

// InterpretResultsResult reports the summary and its review outcome.
type InterpretResultsResult struct {
	FormID      string `json:"form_id"`
	Submissions int    `json:"submissions"`
	Summary     string `json:"summary,omitempty"`
	Approved    bool   `json:"approved"`
	Reviewer    string `json:"reviewer,omitempty"`
	Comment     string `json:"comment,omitempty"`
	Published   bool   `json:"published"`
}

type formRef struct {
	FormID string `json:"form_id"`
}

// InterpretResults optionally waits for submissions to accumulate, summarises
// them, waits for a reviewer and publishes the approved summary.
func (w *Workflows) InterpretResults(wctx *workflow.Context, raw json.RawMessage) (any, error) {
	in, err := decodeInput[InterpretResultsInput](raw)
	if err != nil {
		return nil, err
	}
	if in.FormID == "" {
		return nil, workflow.FatalCode(CodeInvalidInput, fmt.Errorf("form_id required"))
	}
	if w.deps.Submissions == nil || w.deps.Summaries == nil {
		return nil, workflow.Fatal(fmt.Errorf("submission store not configured"))
	}
	if in.CollectForSeconds > 0 {
		if err := wctx.Sleep(time.Duration(in.CollectForSeconds) * time.Second); err != nil {
			return nil, err
		}
	}

	submissions, err := workflow.StepAs(wctx, "load-submissions", formRef{in.FormID}, func(ctx context.Context) ([]json.RawMessage, error) {
		out, err := w.deps.Submissions.ListSubmissions(ctx, in.FormID)
		if err != nil {
			return nil, workflow.Retryable(fmt.Errorf("list submissions: %w", err))
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	result := InterpretResultsResult{FormID: in.FormID, Submissions: len(submissions)}
	if len(submissions) == 0 {
		return result, nil
	}

	summary, err := wctx.Invoke("summarize", providers.CapabilityTextComplete, &providers.Request{
		System: summaryPrompt,
		Prompt: submissionsPrompt(in.Question, submissions),
	})
	if err != nil {
		return nil, err
	}
	result.Summary = summary.Text

	var waitOpts []workflow.WaitOption
	if in.ApprovalTimeoutSeconds > 0 {
		waitOpts = append(waitOpts, workflow.WithWebhookTimeout(time.Duration(in.ApprovalTimeoutSeconds)*time.Second))
	}
	payload, err := wctx.WaitForWebhook(waitOpts...)
	if err != nil {
		return nil, err
	}
	var approval Approval
	if err := json.Unmarshal(payload, &approval); err != nil {
		return nil, workflow.FatalCode(CodeInvalidInput, fmt.Errorf("decode approval: %w", err))
	}
	result.Approved, result.Reviewer, result.Comment = approval.Approved, approval.Reviewer, approval.Comment
	if !approval.Approved {
		return result, nil
	}

	published := memory.Summary{FormID: in.FormID, Text: summary.Text, Submissions: len(submissions), Reviewer: approval.Reviewer}
	if _, err := wctx.Step("publish", published, func(ctx context.Context) (any, error) {
		if err := w.deps.Summaries.PublishSummary(ctx, published); err != nil {
			return nil, workflow.Retryable(fmt.Errorf("publish summary: %w", err))
		}
		return formRef{in.FormID}, nil
	}); err != nil {
		return nil, err
	}
	result.Published = true
	return result, nil
}
