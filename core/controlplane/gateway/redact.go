package gateway

import (
	"encoding/json"

	"github.com/chatflow/chatflow/core/infra/logging"
	"github.com/chatflow/chatflow/core/infra/secrets"
	wf "github.com/chatflow/chatflow/core/workflow"
)

// redactExecution returns a copy of exec with secret:// references in its
// input and result replaced.
func redactExecution(exec *wf.WorkflowExecution) *wf.WorkflowExecution {
	if exec == nil {
		return nil
	}
	out := *exec
	out.Input = redactRaw(exec.Input)
	out.Result = redactRaw(exec.Result)
	return &out
}

func redactSteps(steps []wf.StepRecord) []wf.StepRecord {
	out := make([]wf.StepRecord, len(steps))
	for i, step := range steps {
		step.Output = redactRaw(step.Output)
		out[i] = step
	}
	return out
}

func redactRaw(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return data
	}
	redacted, changed, err := secrets.RedactJSON(data)
	if err != nil {
		logging.Debug(component, "redact payload", "error", err)
		return data
	}
	if !changed {
		return data
	}
	return json.RawMessage(redacted)
}
