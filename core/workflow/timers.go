package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/chatflow/chatflow/core/infra/logging"
	"github.com/chatflow/chatflow/core/infra/metrics"
)

const timerComponent = "timer-service"

// TimerService persists wake-ups for sleeping executions. A sleeping
// execution costs one stored entry and nothing else.
type TimerService struct {
	store   Store
	now     func() time.Time
	metrics metrics.EngineMetrics
}

// NewTimerService constructs a timer service over store.
func NewTimerService(store Store) *TimerService {
	return &TimerService{
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
		metrics: metrics.Noop{},
	}
}

// ScheduleWake stores the active timer of the execution, firing d from now.
func (t *TimerService) ScheduleWake(ctx context.Context, executionID string, stepIndex int, d time.Duration) (TimerEntry, error) {
	if executionID == "" {
		return TimerEntry{}, fmt.Errorf("execution id required")
	}
	if d < 0 {
		d = 0
	}
	now := t.now()
	entry := TimerEntry{
		ExecutionID: executionID,
		StepIndex:   stepIndex,
		FireAt:      now.Add(d).Truncate(time.Millisecond),
		CreatedAt:   now,
	}
	if err := t.store.SaveTimer(ctx, entry); err != nil {
		return TimerEntry{}, fmt.Errorf("schedule wake: %w", err)
	}
	logging.Debug(timerComponent, "wake scheduled", "execution_id", executionID, "step_index", stepIndex, "fire_at", entry.FireAt)
	return entry, nil
}

// PollDue claims every timer due at now and returns the owning execution ids.
// A claimed timer is never returned again.
func (t *TimerService) PollDue(ctx context.Context, limit int) ([]string, error) {
	due, err := t.store.ClaimDueTimers(ctx, t.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("poll due timers: %w", err)
	}
	ids := make([]string, 0, len(due))
	for _, entry := range due {
		ids = append(ids, entry.ExecutionID)
	}
	t.metrics.IncTimersFired(len(ids))
	return ids, nil
}
