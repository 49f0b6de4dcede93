package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatflow/chatflow/core/infra/redisutil"
)

const (
	defaultWorkflowRedisURL = "redis://localhost:6379"
	maxCASRetries           = 8
)

// RedisStore persists executions, step records, timers, webhooks and leases in
// Redis. Conditional updates use WATCH/MULTI or Lua scripts.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisWorkflowStore constructs a Redis-backed workflow store.
func NewRedisWorkflowStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultWorkflowRedisURL
	}
	client, err := redisutil.Connect(context.Background(), url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Client exposes the underlying connection for components sharing it.
func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}

// --- executions ---

func (s *RedisStore) CreateExecution(ctx context.Context, exec *WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution id required")
	}
	payload, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	ok, err := s.client.SetNX(ctx, executionKey(exec.ID), payload, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	return s.client.ZAdd(ctx, statusIndexKey(exec.Status), redis.Z{Score: msScore(exec.UpdatedAt), Member: exec.ID}).Err()
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	if id == "" {
		return nil, ErrExecutionNotFound
	}
	data, err := s.client.Get(ctx, executionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	var exec WorkflowExecution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &exec, nil
}

func (s *RedisStore) UpdateExecution(ctx context.Context, id string, from []ExecutionStatus, mutate func(*WorkflowExecution) error) (*WorkflowExecution, error) {
	key := executionKey(id)
	var updated *WorkflowExecution
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrExecutionNotFound
		}
		if err != nil {
			return err
		}
		var exec WorkflowExecution
		if err := json.Unmarshal(data, &exec); err != nil {
			return fmt.Errorf("unmarshal execution: %w", err)
		}
		if !statusAllowed(exec.Status, from) {
			return fmt.Errorf("%w: execution %s is %s", ErrInvalidState, id, exec.Status)
		}
		prev := exec.Status
		if err := mutate(&exec); err != nil {
			return err
		}
		payload, err := json.Marshal(&exec)
		if err != nil {
			return fmt.Errorf("marshal execution: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if prev != exec.Status {
				pipe.ZRem(ctx, statusIndexKey(prev), id)
			}
			pipe.ZAdd(ctx, statusIndexKey(exec.Status), redis.Z{Score: msScore(exec.UpdatedAt), Member: id})
			return nil
		})
		if err == nil {
			updated = &exec
		}
		return err
	}
	for i := 0; i < maxCASRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update execution %s: too much contention", id)
}

func (s *RedisStore) ListExecutions(ctx context.Context, status ExecutionStatus, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	max := "+inf"
	if !before.IsZero() {
		max = strconv.FormatInt(before.UnixMilli(), 10)
	}
	return s.client.ZRangeByScore(ctx, statusIndexKey(status), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: int64(limit),
	}).Result()
}

func (s *RedisStore) ClaimIdempotencyKey(ctx context.Context, key, executionID string) (string, bool, error) {
	if key == "" {
		return "", false, fmt.Errorf("idempotency key required")
	}
	ok, err := s.client.SetNX(ctx, idempotencyKey(key), executionID, 0).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return executionID, true, nil
	}
	existing, err := s.client.Get(ctx, idempotencyKey(key)).Result()
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

func (s *RedisStore) ReleaseIdempotencyKey(ctx context.Context, key, executionID string) error {
	if key == "" {
		return fmt.Errorf("idempotency key required")
	}
	return s.client.Eval(ctx, deleteIfOwnedScript, []string{idempotencyKey(key)}, executionID).Err()
}

// --- step records ---

const saveStepScript = `
local done = redis.call("HGET", KEYS[2], ARGV[3])
if done then
  if done == ARGV[1] or ARGV[4] == "1" then
    return 0
  end
end
if ARGV[4] == "1" then
  redis.call("HSET", KEYS[2], ARGV[3], ARGV[1])
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
return 1
`

func (s *RedisStore) SaveStep(ctx context.Context, rec *StepRecord) error {
	if rec == nil || rec.ExecutionID == "" || rec.Attempt <= 0 {
		return fmt.Errorf("step record requires execution id and attempt")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	succeeded := "0"
	if rec.Status == StepStatusSucceeded {
		succeeded = "1"
	}
	res, err := s.client.Eval(ctx, saveStepScript,
		[]string{stepsKey(rec.ExecutionID), stepsDoneKey(rec.ExecutionID)},
		stepField(rec.StepIndex, rec.Attempt),
		payload,
		strconv.Itoa(rec.StepIndex),
		succeeded,
	).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrStepAlreadySucceeded
	}
	return nil
}

func (s *RedisStore) GetSucceededStep(ctx context.Context, executionID string, stepIndex int) (*StepRecord, error) {
	field, err := s.client.HGet(ctx, stepsDoneKey(executionID), strconv.Itoa(stepIndex)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data, err := s.client.HGet(ctx, stepsKey(executionID), field).Bytes()
	if err != nil {
		return nil, fmt.Errorf("load succeeded step %s: %w", field, err)
	}
	var rec StepRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal step: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) StepAttempts(ctx context.Context, executionID string, stepIndex int) ([]StepRecord, error) {
	all, err := s.ListSteps(ctx, executionID)
	if err != nil {
		return nil, err
	}
	out := make([]StepRecord, 0, 4)
	for _, rec := range all {
		if rec.StepIndex == stepIndex {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *RedisStore) ListSteps(ctx context.Context, executionID string) ([]StepRecord, error) {
	fields, err := s.client.HGetAll(ctx, stepsKey(executionID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]StepRecord, 0, len(fields))
	for field, data := range fields {
		var rec StepRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal step %s: %w", field, err)
		}
		out = append(out, rec)
	}
	sortSteps(out)
	return out, nil
}

// --- timers ---

const claimTimersScript = `
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("HSET", ARGV[3] .. id, "fired", "1")
end
return ids
`

func (s *RedisStore) SaveTimer(ctx context.Context, timer TimerEntry) error {
	if timer.ExecutionID == "" {
		return fmt.Errorf("timer execution id required")
	}
	fired := "0"
	if timer.Fired {
		fired = "1"
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, timerKey(timer.ExecutionID))
	pipe.HSet(ctx, timerKey(timer.ExecutionID), map[string]any{
		"execution_id": timer.ExecutionID,
		"step_index":   timer.StepIndex,
		"fire_at":      timer.FireAt.UnixMilli(),
		"created_at":   timer.CreatedAt.UnixMilli(),
		"fired":        fired,
	})
	if timer.Fired {
		pipe.ZRem(ctx, timersDueKey(), timer.ExecutionID)
	} else {
		pipe.ZAdd(ctx, timersDueKey(), redis.Z{Score: msScore(timer.FireAt), Member: timer.ExecutionID})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetTimer(ctx context.Context, executionID string) (*TimerEntry, error) {
	fields, err := s.client.HGetAll(ctx, timerKey(executionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseTimer(fields), nil
}

func (s *RedisStore) ClaimDueTimers(ctx context.Context, now time.Time, limit int) ([]TimerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.Eval(ctx, claimTimersScript, []string{timersDueKey()},
		now.UnixMilli(),
		limit,
		timerKeyPrefix,
	).StringSlice()
	if err != nil {
		return nil, err
	}
	out := make([]TimerEntry, 0, len(ids))
	for _, id := range ids {
		timer, err := s.GetTimer(ctx, id)
		if err != nil {
			return out, err
		}
		if timer == nil {
			continue
		}
		out = append(out, *timer)
	}
	return out, nil
}

func parseTimer(fields map[string]string) *TimerEntry {
	return &TimerEntry{
		ExecutionID: fields["execution_id"],
		StepIndex:   atoi(fields["step_index"]),
		FireAt:      msTime(fields["fire_at"]),
		CreatedAt:   msTime(fields["created_at"]),
		Fired:       fields["fired"] == "1",
	}
}

// --- webhooks ---

const consumeWebhookScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "consumed") == "1" then
  return 1
end
if redis.call("HGET", KEYS[1], "expired") == "1" then
  return 2
end
local exp = tonumber(redis.call("HGET", KEYS[1], "expires_at") or "0")
if exp > 0 and exp <= tonumber(ARGV[1]) then
  return 2
end
redis.call("HSET", KEYS[1], "consumed", "1", "consumed_at", ARGV[1], "payload", ARGV[2])
redis.call("ZREM", KEYS[2], ARGV[3])
return 3
`

const claimExpiredScript = `
local tokens = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
local out = {}
for _, tok in ipairs(tokens) do
  redis.call("ZREM", KEYS[1], tok)
  local key = ARGV[3] .. tok
  if redis.call("EXISTS", key) == 1 and redis.call("HGET", key, "consumed") ~= "1" then
    redis.call("HSET", key, "expired", "1")
    table.insert(out, tok)
  end
end
return out
`

func (s *RedisStore) SaveWebhook(ctx context.Context, reg WebhookRegistration) error {
	if reg.Token == "" || reg.ExecutionID == "" {
		return fmt.Errorf("webhook token and execution id required")
	}
	fields := map[string]any{
		"token":        reg.Token,
		"execution_id": reg.ExecutionID,
		"step_index":   reg.StepIndex,
		"step_name":    reg.StepName,
		"input_hash":   reg.InputHash,
		"created_at":   reg.CreatedAt.UnixMilli(),
		"expires_at":   int64(0),
		"consumed":     boolFlag(reg.Consumed),
		"expired":      boolFlag(reg.Expired),
		"payload":      string(reg.Payload),
	}
	if reg.ExpiresAt != nil {
		fields["expires_at"] = reg.ExpiresAt.UnixMilli()
	}
	if reg.ConsumedAt != nil {
		fields["consumed_at"] = reg.ConsumedAt.UnixMilli()
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, webhookKey(reg.Token), fields)
	pipe.HSet(ctx, executionWebhooksKey(reg.ExecutionID), strconv.Itoa(reg.StepIndex), reg.Token)
	if reg.ExpiresAt != nil && !reg.Consumed && !reg.Expired {
		pipe.ZAdd(ctx, webhookExpiryKey(), redis.Z{Score: msScore(*reg.ExpiresAt), Member: reg.Token})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetWebhook(ctx context.Context, token string) (*WebhookRegistration, error) {
	if token == "" {
		return nil, ErrWebhookNotFound
	}
	fields, err := s.client.HGetAll(ctx, webhookKey(token)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrWebhookNotFound
	}
	return parseWebhook(fields), nil
}

func (s *RedisStore) WebhookForStep(ctx context.Context, executionID string, stepIndex int) (*WebhookRegistration, error) {
	token, err := s.client.HGet(ctx, executionWebhooksKey(executionID), strconv.Itoa(stepIndex)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	reg, err := s.GetWebhook(ctx, token)
	if errors.Is(err, ErrWebhookNotFound) {
		return nil, nil
	}
	return reg, err
}

func (s *RedisStore) ConsumeWebhook(ctx context.Context, token string, payload json.RawMessage, now time.Time) (*WebhookRegistration, error) {
	if token == "" {
		return nil, ErrWebhookNotFound
	}
	res, err := s.client.Eval(ctx, consumeWebhookScript,
		[]string{webhookKey(token), webhookExpiryKey()},
		now.UnixMilli(),
		string(payload),
		token,
	).Int()
	if err != nil {
		return nil, err
	}
	switch res {
	case 0:
		return nil, ErrWebhookNotFound
	case 1:
		return nil, ErrWebhookAlreadyConsumed
	case 2:
		return nil, ErrWebhookExpired
	}
	return s.GetWebhook(ctx, token)
}

func (s *RedisStore) ClaimExpiredWebhooks(ctx context.Context, now time.Time, limit int) ([]WebhookRegistration, error) {
	if limit <= 0 {
		limit = 100
	}
	tokens, err := s.client.Eval(ctx, claimExpiredScript, []string{webhookExpiryKey()},
		now.UnixMilli(),
		limit,
		webhookKeyPrefix,
	).StringSlice()
	if err != nil {
		return nil, err
	}
	out := make([]WebhookRegistration, 0, len(tokens))
	for _, token := range tokens {
		reg, err := s.GetWebhook(ctx, token)
		if err != nil {
			return out, err
		}
		out = append(out, *reg)
	}
	return out, nil
}

func parseWebhook(fields map[string]string) *WebhookRegistration {
	reg := &WebhookRegistration{
		Token:       fields["token"],
		ExecutionID: fields["execution_id"],
		StepIndex:   atoi(fields["step_index"]),
		StepName:    fields["step_name"],
		InputHash:   fields["input_hash"],
		CreatedAt:   msTime(fields["created_at"]),
		Consumed:    fields["consumed"] == "1",
		Expired:     fields["expired"] == "1",
	}
	if p := fields["payload"]; p != "" {
		reg.Payload = json.RawMessage(p)
	}
	if v := fields["expires_at"]; v != "" && v != "0" {
		t := msTime(v)
		reg.ExpiresAt = &t
	}
	if v := fields["consumed_at"]; v != "" && v != "0" {
		t := msTime(v)
		reg.ConsumedAt = &t
	}
	return reg
}

// --- leases ---

const renewLeaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

const deleteIfOwnedScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

func (s *RedisStore) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if key == "" || owner == "" {
		return false, fmt.Errorf("lease key and owner required")
	}
	return s.client.SetNX(ctx, leaseKey(key), owner, ttl).Result()
}

func (s *RedisStore) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := s.client.Eval(ctx, renewLeaseScript, []string{leaseKey(key)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, key, owner string) error {
	return s.client.Eval(ctx, deleteIfOwnedScript, []string{leaseKey(key)}, owner).Err()
}

// --- keys & helpers ---

const (
	timerKeyPrefix   = "wf:timer:"
	webhookKeyPrefix = "wf:webhook:"
)

func executionKey(id string) string {
	return "wf:exec:" + id
}

func statusIndexKey(status ExecutionStatus) string {
	return "wf:exec:status:" + string(status)
}

func idempotencyKey(key string) string {
	return "wf:idem:" + key
}

func stepsKey(execID string) string {
	return "wf:steps:" + execID
}

func stepsDoneKey(execID string) string {
	return "wf:steps:done:" + execID
}

func stepField(index, attempt int) string {
	return fmt.Sprintf("%d:%d", index, attempt)
}

func timerKey(execID string) string {
	return timerKeyPrefix + execID
}

func timersDueKey() string {
	return "wf:timers:due"
}

func webhookKey(token string) string {
	return webhookKeyPrefix + token
}

func executionWebhooksKey(execID string) string {
	return "wf:exec:webhooks:" + execID
}

func webhookExpiryKey() string {
	return "wf:webhooks:expiry"
}

func leaseKey(key string) string {
	return "wf:lease:" + key
}

func msScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func msTime(raw string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func atoi(raw string) int {
	v, _ := strconv.Atoi(strings.TrimSpace(raw))
	return v
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
