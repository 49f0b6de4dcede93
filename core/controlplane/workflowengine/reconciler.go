package workflowengine

import (
	"context"
	"errors"
	"time"

	"github.com/chatflow/chatflow/core/infra/logging"
	wf "github.com/chatflow/chatflow/core/workflow"
)

const (
	reconcilerLeaseKey = "reconciler:default"
	defaultScanLimit   = 200
)

type leaser interface {
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
}

// reconciler fires due timers, expires abandoned webhook waits and recovers
// stale executions. One replica holds the lease at a time.
type reconciler struct {
	engine       *wf.Engine
	leases       leaser
	owner        string
	pollInterval time.Duration
	leaseTTL     time.Duration
	staleAfter   time.Duration
	scanLimit    int
	leader       bool
}

func newReconciler(engine *wf.Engine, leases leaser, owner string, pollInterval, staleAfter time.Duration, scanLimit int) *reconciler {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if scanLimit <= 0 {
		scanLimit = defaultScanLimit
	}
	return &reconciler{
		engine:       engine,
		leases:       leases,
		owner:        owner,
		pollInterval: pollInterval,
		leaseTTL:     pollInterval * 3,
		staleAfter:   staleAfter,
		scanLimit:    scanLimit,
	}
}

func (r *reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	defer r.resign()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.holdLease(ctx) {
				continue
			}
			r.tick(ctx)
		}
	}
}

// holdLease renews the reconciler lease, or takes it when free.
func (r *reconciler) holdLease(ctx context.Context) bool {
	if r.leases == nil {
		return true
	}
	held, err := r.leases.RenewLease(ctx, reconcilerLeaseKey, r.owner, r.leaseTTL)
	if err == nil && !held {
		held, err = r.leases.AcquireLease(ctx, reconcilerLeaseKey, r.owner, r.leaseTTL)
	}
	if err != nil {
		logging.Error(component, "reconciler lease", "error", err)
		return false
	}
	if held != r.leader {
		logging.Info(component, "reconciler leadership changed", "owner", r.owner, "leader", held)
		r.leader = held
	}
	return held
}

func (r *reconciler) resign() {
	if r.leases == nil || !r.leader {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.leases.ReleaseLease(ctx, reconcilerLeaseKey, r.owner); err != nil {
		logging.Warn(component, "release reconciler lease", "error", err)
	}
	r.leader = false
}

// tick runs one reconciliation pass and reports how many executions it woke.
func (r *reconciler) tick(ctx context.Context) int {
	woken := r.fireTimers(ctx)

	expired, err := r.engine.Webhooks().SweepExpired(ctx, r.scanLimit)
	if err != nil {
		logging.Error(component, "sweep expired webhooks", "error", err)
	} else if len(expired) > 0 {
		logging.Info(component, "webhook waits expired", "count", len(expired))
	}

	if r.staleAfter > 0 {
		recovered, err := r.engine.RecoverStale(ctx, r.staleAfter, r.scanLimit)
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error(component, "recover stale executions", "error", err)
		}
		if recovered > 0 {
			logging.Info(component, "stale executions recovered", "count", recovered)
		}
		woken += recovered
	}
	return woken
}

func (r *reconciler) fireTimers(ctx context.Context) int {
	ids, err := r.engine.Timers().PollDue(ctx, r.scanLimit)
	if err != nil {
		logging.Error(component, "poll due timers", "error", err)
		return 0
	}
	fired := 0
	for _, id := range ids {
		if err := r.engine.Resume(ctx, id); err != nil {
			// Left sleeping; RecoverStale retries it.
			if !errors.Is(err, wf.ErrExecutionBusy) {
				logging.Warn(component, "resume after timer", "execution_id", id, "error", err)
			}
			continue
		}
		fired++
	}
	return fired
}
