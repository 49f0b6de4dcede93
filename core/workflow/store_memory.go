package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

type stepKey struct {
	execID string
	index  int
}

type memoryLease struct {
	owner   string
	expires time.Time
}

// MemoryStore is a process-local Store used by tests and single-node setups.
type MemoryStore struct {
	mu         sync.Mutex
	now        func() time.Time
	executions map[string]*WorkflowExecution
	idem       map[string]string
	steps      map[stepKey][]StepRecord
	timers     map[string]TimerEntry
	webhooks   map[string]WebhookRegistration
	leases     map[string]memoryLease
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:        time.Now,
		executions: map[string]*WorkflowExecution{},
		idem:       map[string]string{},
		steps:      map[stepKey][]StepRecord{},
		timers:     map[string]TimerEntry{},
		webhooks:   map[string]WebhookRegistration{},
		leases:     map[string]memoryLease{},
	}
}

func (s *MemoryStore) CreateExecution(_ context.Context, exec *WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; ok {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	s.executions[exec.ID] = exec.clone()
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return exec.clone(), nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, id string, from []ExecutionStatus, mutate func(*WorkflowExecution) error) (*WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	if !statusAllowed(exec.Status, from) {
		return nil, fmt.Errorf("%w: execution %s is %s", ErrInvalidState, id, exec.Status)
	}
	next := exec.clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	s.executions[id] = next
	return next.clone(), nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, status ExecutionStatus, before time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*WorkflowExecution
	for _, exec := range s.executions {
		if exec.Status != status {
			continue
		}
		if !before.IsZero() && exec.UpdatedAt.After(before) {
			continue
		}
		matched = append(matched, exec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]string, 0, len(matched))
	for _, exec := range matched {
		out = append(out, exec.ID)
	}
	return out, nil
}

func (s *MemoryStore) ClaimIdempotencyKey(_ context.Context, key, executionID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.idem[key]; ok {
		return existing, false, nil
	}
	s.idem[key] = executionID
	return executionID, true, nil
}

func (s *MemoryStore) ReleaseIdempotencyKey(_ context.Context, key, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idem[key] == executionID {
		delete(s.idem, key)
	}
	return nil
}

func (s *MemoryStore) SaveStep(_ context.Context, rec *StepRecord) error {
	if rec == nil || rec.ExecutionID == "" || rec.Attempt <= 0 {
		return fmt.Errorf("step record requires execution id and attempt")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stepKey{rec.ExecutionID, rec.StepIndex}
	attempts := s.steps[key]
	pos := -1
	for i, existing := range attempts {
		if existing.Attempt == rec.Attempt {
			pos = i
			continue
		}
		if existing.Status == StepStatusSucceeded && rec.Status == StepStatusSucceeded {
			return ErrStepAlreadySucceeded
		}
	}
	if pos >= 0 && attempts[pos].Status == StepStatusSucceeded {
		return ErrStepAlreadySucceeded
	}
	cp := *rec
	cp.Output = cloneRaw(rec.Output)
	if pos >= 0 {
		attempts[pos] = cp
	} else {
		attempts = append(attempts, cp)
		sort.Slice(attempts, func(i, j int) bool { return attempts[i].Attempt < attempts[j].Attempt })
	}
	s.steps[key] = attempts
	return nil
}

func (s *MemoryStore) GetSucceededStep(_ context.Context, executionID string, stepIndex int) (*StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.steps[stepKey{executionID, stepIndex}] {
		if rec.Status == StepStatusSucceeded {
			cp := rec
			cp.Output = cloneRaw(rec.Output)
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) StepAttempts(_ context.Context, executionID string, stepIndex int) ([]StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempts := s.steps[stepKey{executionID, stepIndex}]
	out := make([]StepRecord, len(attempts))
	copy(out, attempts)
	return out, nil
}

func (s *MemoryStore) ListSteps(_ context.Context, executionID string) ([]StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StepRecord
	for key, attempts := range s.steps {
		if key.execID == executionID {
			out = append(out, attempts...)
		}
	}
	sortSteps(out)
	return out, nil
}

func (s *MemoryStore) SaveTimer(_ context.Context, timer TimerEntry) error {
	if timer.ExecutionID == "" {
		return fmt.Errorf("timer execution id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[timer.ExecutionID] = timer
	return nil
}

func (s *MemoryStore) GetTimer(_ context.Context, executionID string) (*TimerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer, ok := s.timers[executionID]
	if !ok {
		return nil, nil
	}
	return &timer, nil
}

func (s *MemoryStore) ClaimDueTimers(_ context.Context, now time.Time, limit int) ([]TimerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []TimerEntry
	for _, timer := range s.timers {
		if !timer.Fired && timer.Due(now) {
			due = append(due, timer)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Fired = true
		s.timers[due[i].ExecutionID] = due[i]
	}
	return due, nil
}

func (s *MemoryStore) SaveWebhook(_ context.Context, reg WebhookRegistration) error {
	if reg.Token == "" || reg.ExecutionID == "" {
		return fmt.Errorf("webhook token and execution id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks[reg.Token] = reg
	return nil
}

func (s *MemoryStore) GetWebhook(_ context.Context, token string) (*WebhookRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.webhooks[token]
	if !ok {
		return nil, ErrWebhookNotFound
	}
	reg.Payload = cloneRaw(reg.Payload)
	return &reg, nil
}

func (s *MemoryStore) WebhookForStep(_ context.Context, executionID string, stepIndex int) (*WebhookRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, reg := range s.webhooks {
		if reg.ExecutionID == executionID && reg.StepIndex == stepIndex {
			reg.Payload = cloneRaw(reg.Payload)
			return &reg, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ConsumeWebhook(_ context.Context, token string, payload json.RawMessage, now time.Time) (*WebhookRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.webhooks[token]
	if !ok {
		return nil, ErrWebhookNotFound
	}
	if reg.Consumed {
		return nil, ErrWebhookAlreadyConsumed
	}
	if reg.ExpiredAt(now) {
		return nil, ErrWebhookExpired
	}
	reg.Consumed = true
	at := now
	reg.ConsumedAt = &at
	reg.Payload = cloneRaw(payload)
	s.webhooks[token] = reg
	return &reg, nil
}

func (s *MemoryStore) ClaimExpiredWebhooks(_ context.Context, now time.Time, limit int) ([]WebhookRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []WebhookRegistration
	for _, reg := range s.webhooks {
		if reg.Consumed || reg.Expired || reg.ExpiresAt == nil || reg.ExpiresAt.After(now) {
			continue
		}
		expired = append(expired, reg)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(*expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for i := range expired {
		expired[i].Expired = true
		s.webhooks[expired[i].Token] = expired[i]
	}
	return expired, nil
}

func (s *MemoryStore) AcquireLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if lease, ok := s.leases[key]; ok && lease.expires.After(now) {
		return false, nil
	}
	s.leases[key] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RenewLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[key]
	if !ok || lease.owner != owner {
		return false, nil
	}
	s.leases[key] = memoryLease{owner: owner, expires: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLease(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lease, ok := s.leases[key]; ok && lease.owner == owner {
		delete(s.leases, key)
	}
	return nil
}

func sortSteps(steps []StepRecord) {
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].StepIndex == steps[j].StepIndex {
			return steps[i].Attempt < steps[j].Attempt
		}
		return steps[i].StepIndex < steps[j].StepIndex
	})
}
