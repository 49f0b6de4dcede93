package providers

import (
	"sync"
	"time"
)

// State is a circuit breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// HealthState is the persisted view of one breaker.
type HealthState struct {
	Provider              string     `json:"provider"`
	Capability            Capability `json:"capability"`
	State                 State      `json:"state"`
	ConsecutiveFailures   int        `json:"consecutive_failures"`
	OpenedAt              time.Time  `json:"opened_at,omitempty"`
	HalfOpenProbeInFlight bool       `json:"half_open_probe_in_flight"`
	ProbeStartedAt        time.Time  `json:"probe_started_at,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// BreakerConfig tunes every breaker in a registry.
type BreakerConfig struct {
	Threshold int
	Cooldown  time.Duration
}

func (c BreakerConfig) normalized() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Breaker guards one (provider, capability) pair. All transitions happen
// under its mutex.
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	state    HealthState
	now      func() time.Time
	onChange func(HealthState)
}

// NewBreaker returns a closed breaker.
func NewBreaker(provider string, capability Capability, cfg BreakerConfig, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		cfg: cfg.normalized(),
		now: now,
		state: HealthState{
			Provider:   provider,
			Capability: capability,
			State:      StateClosed,
			UpdatedAt:  now(),
		},
	}
}

// Allow reports whether a call may proceed. When the call is the single
// half-open probe, probe is true and the caller must report its outcome.
func (b *Breaker) Allow() (allowed, probe bool) {
	b.mu.Lock()
	now := b.now()
	changed := false
	switch b.state.State {
	case StateClosed:
		allowed = true
	case StateOpen:
		if now.Sub(b.state.OpenedAt) >= b.cfg.Cooldown {
			b.state.State = StateHalfOpen
			b.claimProbe(now)
			allowed, probe, changed = true, true, true
		}
	case StateHalfOpen:
		// An unreported probe is reclaimed after one cooldown.
		if !b.state.HalfOpenProbeInFlight || now.Sub(b.state.ProbeStartedAt) >= b.cfg.Cooldown {
			b.claimProbe(now)
			allowed, probe, changed = true, true, true
		}
	}
	snap := b.state
	b.mu.Unlock()
	if changed {
		b.notify(snap)
	}
	return allowed, probe
}

func (b *Breaker) claimProbe(now time.Time) {
	b.state.HalfOpenProbeInFlight = true
	b.state.ProbeStartedAt = now
	b.state.UpdatedAt = now
}

// Success closes the breaker and resets the failure count. Outside Closed
// only the probe's outcome counts; late reports from calls admitted before
// the breaker opened are ignored.
func (b *Breaker) Success(probe bool) {
	b.mu.Lock()
	if b.state.State != StateClosed && !probe {
		b.mu.Unlock()
		return
	}
	changed := b.state.State != StateClosed || b.state.ConsecutiveFailures != 0
	b.state.State = StateClosed
	b.state.ConsecutiveFailures = 0
	b.state.OpenedAt = time.Time{}
	b.state.HalfOpenProbeInFlight = false
	b.state.ProbeStartedAt = time.Time{}
	if changed {
		b.state.UpdatedAt = b.now()
	}
	snap := b.state
	b.mu.Unlock()
	if changed {
		b.notify(snap)
	}
}

// Failure counts a provider failure. A failed probe reopens immediately;
// a closed breaker opens once the threshold is reached. Outside Closed a
// non-probe failure is ignored.
func (b *Breaker) Failure(probe bool) {
	b.mu.Lock()
	if b.state.State != StateClosed && !probe {
		b.mu.Unlock()
		return
	}
	now := b.now()
	b.state.ConsecutiveFailures++
	b.state.UpdatedAt = now
	switch b.state.State {
	case StateHalfOpen:
		b.open(now)
	case StateClosed:
		if b.state.ConsecutiveFailures >= b.cfg.Threshold {
			b.open(now)
		}
	}
	snap := b.state
	b.mu.Unlock()
	b.notify(snap)
}

// Release frees a probe whose outcome says nothing about provider health.
func (b *Breaker) Release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	changed := b.state.State == StateHalfOpen && b.state.HalfOpenProbeInFlight
	if changed {
		b.state.HalfOpenProbeInFlight = false
		b.state.ProbeStartedAt = time.Time{}
		b.state.UpdatedAt = b.now()
	}
	snap := b.state
	b.mu.Unlock()
	if changed {
		b.notify(snap)
	}
}

func (b *Breaker) open(now time.Time) {
	b.state.State = StateOpen
	b.state.OpenedAt = now
	b.state.HalfOpenProbeInFlight = false
	b.state.ProbeStartedAt = time.Time{}
}

// Available reports, without side effects, whether Allow would admit a call.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	switch b.state.State {
	case StateClosed:
		return true
	case StateOpen:
		return now.Sub(b.state.OpenedAt) >= b.cfg.Cooldown
	default:
		return !b.state.HalfOpenProbeInFlight || now.Sub(b.state.ProbeStartedAt) >= b.cfg.Cooldown
	}
}

// RetryIn is the time until Allow would admit a call.
func (b *Breaker) RetryIn() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	var since time.Time
	switch b.state.State {
	case StateOpen:
		since = b.state.OpenedAt
	case StateHalfOpen:
		if !b.state.HalfOpenProbeInFlight {
			return 0
		}
		since = b.state.ProbeStartedAt
	default:
		return 0
	}
	if left := b.cfg.Cooldown - now.Sub(since); left > 0 {
		return left
	}
	return 0
}

// Snapshot returns a copy of the current state.
func (b *Breaker) Snapshot() HealthState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// restore adopts persisted counters. Probe ownership never survives a
// restart.
func (b *Breaker) restore(s HealthState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.State == "" {
		s.State = StateClosed
	}
	if s.State == StateHalfOpen {
		s.HalfOpenProbeInFlight = false
		s.ProbeStartedAt = time.Time{}
	}
	s.Provider = b.state.Provider
	s.Capability = b.state.Capability
	b.state = s
}

func (b *Breaker) notify(s HealthState) {
	if b.onChange != nil {
		b.onChange(s)
	}
}
