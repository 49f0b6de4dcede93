package workflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chatflow/chatflow/core/infra/logging"
	"github.com/chatflow/chatflow/core/infra/metrics"
)

const (
	webhookComponent = "webhook-gateway"
	tokenBytes       = 32
)

// executionDriver is the engine surface the gateway calls back into.
type executionDriver interface {
	Resume(ctx context.Context, executionID string) error
	expireWait(ctx context.Context, reg WebhookRegistration) error
}

// WebhookGateway maps callback tokens to suspended executions.
type WebhookGateway struct {
	store   Store
	driver  executionDriver
	now     func() time.Time
	metrics metrics.EngineMetrics
}

func newWebhookGateway(store Store, driver executionDriver) *WebhookGateway {
	return &WebhookGateway{
		store:   store,
		driver:  driver,
		now:     func() time.Time { return time.Now().UTC() },
		metrics: metrics.Noop{},
	}
}

// RegisterWait persists a registration for the wait step at stepIndex and
// moves the execution from Running to WaitingWebhook on the new token, which
// it returns. ttl <= 0 means the wait never expires. An execution that is no
// longer running yields ErrInvalidState.
func (g *WebhookGateway) RegisterWait(ctx context.Context, executionID string, stepIndex int, ttl time.Duration) (string, error) {
	hash, err := HashInput(webhookStepName, ttl.String())
	if err != nil {
		return "", err
	}
	reg, err := g.register(ctx, executionID, stepIndex, hash, ttl)
	if err != nil {
		return "", err
	}
	if err := g.park(ctx, executionID, reg.Token); err != nil {
		return "", err
	}
	logging.Debug(webhookComponent, "wait registered", "execution_id", executionID, "step_index", stepIndex)
	return reg.Token, nil
}

// park moves a running execution to WaitingWebhook on token.
func (g *WebhookGateway) park(ctx context.Context, executionID, token string) error {
	_, err := g.store.UpdateExecution(ctx, executionID, []ExecutionStatus{StatusRunning}, func(x *WorkflowExecution) error {
		x.Status = StatusWaitingWebhook
		x.WebhookToken = token
		x.UpdatedAt = g.now()
		return nil
	})
	return err
}

func (g *WebhookGateway) register(ctx context.Context, executionID string, stepIndex int, inputHash string, ttl time.Duration) (WebhookRegistration, error) {
	if executionID == "" {
		return WebhookRegistration{}, fmt.Errorf("execution id required")
	}
	token, err := newToken()
	if err != nil {
		return WebhookRegistration{}, err
	}
	now := g.now()
	reg := WebhookRegistration{
		Token:       token,
		ExecutionID: executionID,
		StepIndex:   stepIndex,
		StepName:    webhookStepName,
		InputHash:   inputHash,
		CreatedAt:   now,
	}
	if ttl > 0 {
		exp := now.Add(ttl).Truncate(time.Millisecond)
		reg.ExpiresAt = &exp
	}
	if err := g.store.SaveWebhook(ctx, reg); err != nil {
		return WebhookRegistration{}, fmt.Errorf("register webhook: %w", err)
	}
	return reg, nil
}

// Consume delivers payload to the execution waiting on token. Exactly one
// caller per token succeeds; the winner checkpoints the payload as the wait
// step's output and resumes the execution.
func (g *WebhookGateway) Consume(ctx context.Context, token string, payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return "", fmt.Errorf("webhook payload is not valid json")
	}
	now := g.now()
	reg, err := g.store.ConsumeWebhook(ctx, token, payload, now)
	if err != nil {
		g.metrics.IncWebhookConsume(consumeResult(err))
		return "", err
	}
	g.metrics.IncWebhookConsume("ok")

	rec := &StepRecord{
		ExecutionID: reg.ExecutionID,
		StepIndex:   reg.StepIndex,
		StepName:    reg.StepName,
		InputHash:   reg.InputHash,
		Attempt:     1,
		Status:      StepStatusSucceeded,
		Output:      reg.Payload,
		StartedAt:   reg.CreatedAt,
		FinishedAt:  &now,
	}
	if err := g.store.SaveStep(ctx, rec); err != nil && !errors.Is(err, ErrStepAlreadySucceeded) {
		// The resumed drive rebuilds the record from the consumed registration.
		logging.Error(webhookComponent, "checkpoint webhook payload", "execution_id", reg.ExecutionID, "error", err)
	}

	logging.Info(webhookComponent, "webhook consumed", "execution_id", reg.ExecutionID, "step_index", reg.StepIndex)
	if err := g.driver.Resume(ctx, reg.ExecutionID); err != nil {
		if errors.Is(err, ErrExecutionBusy) {
			logging.Debug(webhookComponent, "resume deferred to active driver", "execution_id", reg.ExecutionID)
		} else {
			logging.Error(webhookComponent, "resume after webhook", "execution_id", reg.ExecutionID, "error", err)
		}
	}
	return reg.ExecutionID, nil
}

// SweepExpired fails every execution whose wait expired unconsumed and
// returns their ids.
func (g *WebhookGateway) SweepExpired(ctx context.Context, limit int) ([]string, error) {
	expired, err := g.store.ClaimExpiredWebhooks(ctx, g.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim expired webhooks: %w", err)
	}
	ids := make([]string, 0, len(expired))
	for _, reg := range expired {
		if err := g.driver.expireWait(ctx, reg); err != nil {
			logging.Error(webhookComponent, "expire wait", "execution_id", reg.ExecutionID, "error", err)
			continue
		}
		ids = append(ids, reg.ExecutionID)
	}
	return ids, nil
}

func consumeResult(err error) string {
	switch {
	case errors.Is(err, ErrWebhookNotFound):
		return "not_found"
	case errors.Is(err, ErrWebhookAlreadyConsumed):
		return "already_consumed"
	case errors.Is(err, ErrWebhookExpired):
		return "expired"
	default:
		return "error"
	}
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate webhook token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
