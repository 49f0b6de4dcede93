package providers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type scriptedAdapter struct {
	name string
	caps []Capability
	mu   sync.Mutex
	errs []error
	hits int
}

func (a *scriptedAdapter) Name() string               { return a.name }
func (a *scriptedAdapter) Capabilities() []Capability { return a.caps }

func (a *scriptedAdapter) Invoke(_ context.Context, _ Capability, req *Request) (*Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hits++
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Response{Text: a.name + ":" + req.Prompt}, nil
}

func (a *scriptedAdapter) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hits
}

func text(name string, errs ...error) *scriptedAdapter {
	return &scriptedAdapter{name: name, caps: []Capability{CapabilityTextComplete}, errs: errs}
}

func unavailable(name string) error {
	return StatusError(name, http.StatusServiceUnavailable, "down", 0)
}

func TestSelectPrefersPrimaryThenFallback(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(BreakerConfig{Threshold: 2, Cooldown: time.Minute}, WithClock(clock.Now))
	_ = reg.Register(text("primary"))
	_ = reg.Register(text("backup"))
	reg.SetRoute(CapabilityTextComplete, "primary", "backup")

	sel, err := reg.Select(CapabilityTextComplete, "")
	if err != nil || sel.Provider != "primary" {
		t.Fatalf("expected primary, got %+v err=%v", sel, err)
	}
	sel.Report(unavailable("primary"))
	sel, _ = reg.Select(CapabilityTextComplete, "")
	sel.Report(unavailable("primary"))

	sel, err = reg.Select(CapabilityTextComplete, "")
	if err != nil || sel.Provider != "backup" {
		t.Fatalf("expected failover to backup, got %+v err=%v", sel, err)
	}
}

func TestSelectTenantOverride(t *testing.T) {
	reg := NewRegistry(BreakerConfig{})
	_ = reg.Register(text("primary"))
	_ = reg.Register(text("enterprise"))
	reg.SetRoute(CapabilityTextComplete, "primary")
	reg.SetTenantOverride("acme", CapabilityTextComplete, "enterprise")

	sel, err := reg.Select(CapabilityTextComplete, "acme")
	if err != nil || sel.Provider != "enterprise" {
		t.Fatalf("expected tenant override, got %+v err=%v", sel, err)
	}
	sel, err = reg.Select(CapabilityTextComplete, "other")
	if err != nil || sel.Provider != "primary" {
		t.Fatalf("expected primary for other tenant, got %+v err=%v", sel, err)
	}
}

func TestSelectAllOpenReturnsRetryableError(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(BreakerConfig{Threshold: 1, Cooldown: time.Minute}, WithClock(clock.Now))
	_ = reg.Register(text("only"))
	sel, _ := reg.Select(CapabilityTextComplete, "")
	sel.Report(unavailable("only"))
	clock.Advance(20 * time.Second)

	_, err := reg.Select(CapabilityTextComplete, "")
	var nh *NoHealthyProviderError
	if !errors.As(err, &nh) {
		t.Fatalf("expected NoHealthyProviderError, got %v", err)
	}
	if !errors.Is(err, ErrNoHealthyProvider) || !nh.Retryable() {
		t.Fatalf("expected retryable sentinel, got %v", err)
	}
	if nh.RetryDelay() != 40*time.Second {
		t.Fatalf("expected remaining cooldown, got %s", nh.RetryDelay())
	}
}

func TestSelectUnsupportedCapability(t *testing.T) {
	reg := NewRegistry(BreakerConfig{})
	_ = reg.Register(text("only"))
	_, err := reg.Select(CapabilityVisionAnalyze, "")
	if !errors.Is(err, ErrUnsupportedCapability) {
		t.Fatalf("expected unsupported capability, got %v", err)
	}
}

func TestBreakerTransitionThroughRegistry(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(BreakerConfig{Threshold: 3, Cooldown: time.Minute}, WithClock(clock.Now))
	_ = reg.Register(text("p"))

	for i := 0; i < 3; i++ {
		sel, err := reg.Select(CapabilityTextComplete, "")
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		sel.Report(unavailable("p"))
	}
	if _, err := reg.Select(CapabilityTextComplete, ""); !errors.Is(err, ErrNoHealthyProvider) {
		t.Fatalf("expected open breaker to hide provider, got %v", err)
	}
	clock.Advance(time.Minute)
	probe, err := reg.Select(CapabilityTextComplete, "")
	if err != nil || !probe.Probe {
		t.Fatalf("expected half-open probe, got %+v err=%v", probe, err)
	}
	if _, err := reg.Select(CapabilityTextComplete, ""); !errors.Is(err, ErrNoHealthyProvider) {
		t.Fatalf("expected probe exclusivity, got %v", err)
	}
	probe.Report(nil)
	if sel, err := reg.Select(CapabilityTextComplete, ""); err != nil || sel.Probe {
		t.Fatalf("expected closed breaker after probe success, got %+v err=%v", sel, err)
	}
}

func TestLateReportDoesNotCloseHalfOpenBreaker(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(BreakerConfig{Threshold: 1, Cooldown: time.Minute}, WithClock(clock.Now))
	_ = reg.Register(text("p"))

	slow, err := reg.Select(CapabilityTextComplete, "")
	if err != nil {
		t.Fatalf("select slow call: %v", err)
	}
	tripping, err := reg.Select(CapabilityTextComplete, "")
	if err != nil {
		t.Fatalf("select tripping call: %v", err)
	}
	tripping.Report(unavailable("p"))
	clock.Advance(time.Minute)
	probe, err := reg.Select(CapabilityTextComplete, "")
	if err != nil || !probe.Probe {
		t.Fatalf("expected half-open probe, got %+v err=%v", probe, err)
	}

	slow.Report(nil)
	if _, err := reg.Select(CapabilityTextComplete, ""); !errors.Is(err, ErrNoHealthyProvider) {
		t.Fatalf("late success must not close the breaker while the probe is in flight, got %v", err)
	}
	probe.Report(unavailable("p"))
	if st := reg.Health()[0]; st.State != StateOpen {
		t.Fatalf("failed probe should reopen, got %+v", st)
	}
}

func TestFatalErrorsDoNotTripBreaker(t *testing.T) {
	reg := NewRegistry(BreakerConfig{Threshold: 1, Cooldown: time.Minute})
	_ = reg.Register(text("p"))
	sel, _ := reg.Select(CapabilityTextComplete, "")
	sel.Report(StatusError("p", http.StatusBadRequest, "bad prompt", 0))
	if st := reg.Health()[0]; st.State != StateClosed || st.ConsecutiveFailures != 0 {
		t.Fatalf("bad request must not count, got %+v", st)
	}
	sel, _ = reg.Select(CapabilityTextComplete, "")
	sel.Report(StatusError("p", http.StatusUnauthorized, "bad key", 0))
	if st := reg.Health()[0]; st.State != StateOpen {
		t.Fatalf("rejected credentials must count, got %+v", st)
	}
}

func TestInvokeFailsOverOnRetryable(t *testing.T) {
	primary := text("primary", unavailable("primary"))
	backup := text("backup")
	reg := NewRegistry(BreakerConfig{Threshold: 5})
	_ = reg.Register(primary)
	_ = reg.Register(backup)
	reg.SetRoute(CapabilityTextComplete, "primary", "backup")

	resp, err := reg.Invoke(context.Background(), CapabilityTextComplete, "", &Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Provider != "backup" || resp.Text != "backup:hi" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if primary.calls() != 1 || backup.calls() != 1 {
		t.Fatalf("expected one call each, got %d/%d", primary.calls(), backup.calls())
	}
}

func TestInvokeStopsOnFatal(t *testing.T) {
	primary := text("primary", StatusError("primary", http.StatusBadRequest, "invalid", 0))
	backup := text("backup")
	reg := NewRegistry(BreakerConfig{})
	_ = reg.Register(primary)
	_ = reg.Register(backup)
	reg.SetRoute(CapabilityTextComplete, "primary", "backup")

	_, err := reg.Invoke(context.Background(), CapabilityTextComplete, "", &Request{Prompt: "hi"})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Retryable() {
		t.Fatalf("expected fatal provider error, got %v", err)
	}
	if backup.calls() != 0 {
		t.Fatalf("fatal error must not fail over")
	}
}

func TestInvokeReturnsLastRetryableWhenExhausted(t *testing.T) {
	reg := NewRegistry(BreakerConfig{Threshold: 5})
	_ = reg.Register(text("a", unavailable("a")))
	_ = reg.Register(text("b", unavailable("b")))
	reg.SetRoute(CapabilityTextComplete, "a", "b")

	_, err := reg.Invoke(context.Background(), CapabilityTextComplete, "", &Request{Prompt: "hi"})
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Provider != "b" || !pe.Retryable() {
		t.Fatalf("expected last retryable error from b, got %v", err)
	}
}

func TestRegistryPersistsAndRestoresHealth(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := NewRedisHealthStore(client)

	clock := newFakeClock()
	reg := NewRegistry(BreakerConfig{Threshold: 1, Cooldown: time.Hour}, WithHealthStore(store), WithClock(clock.Now))
	_ = reg.Register(text("p"))
	sel, _ := reg.Select(CapabilityTextComplete, "")
	sel.Report(unavailable("p"))

	restarted := NewRegistry(BreakerConfig{Threshold: 1, Cooldown: time.Hour}, WithHealthStore(store), WithClock(clock.Now))
	_ = restarted.Register(text("p"))
	if err := restarted.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := restarted.Select(CapabilityTextComplete, ""); !errors.Is(err, ErrNoHealthyProvider) {
		t.Fatalf("expected restored open breaker, got %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	reg := NewRegistry(BreakerConfig{})
	if err := reg.Register(text("p")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(text("p")); !errors.Is(err, ErrProviderRegistered) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestCapabilityAdapterRouting(t *testing.T) {
	a := NewCapabilityAdapter("vendor", completerFunc(func(_ context.Context, req *Request) (*Response, error) {
		return &Response{Text: "done"}, nil
	}), nil, nil)
	if caps := a.Capabilities(); len(caps) != 1 || caps[0] != CapabilityTextComplete {
		t.Fatalf("unexpected capabilities %v", caps)
	}
	resp, err := a.Invoke(context.Background(), CapabilityTextComplete, &Request{Prompt: "x"})
	if err != nil || resp.Provider != "vendor" {
		t.Fatalf("unexpected invoke result %+v err=%v", resp, err)
	}
	if _, err := a.Invoke(context.Background(), CapabilityTextExtract, &Request{}); !errors.Is(err, ErrUnsupportedCapability) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
}

type completerFunc func(ctx context.Context, req *Request) (*Response, error)

func (f completerFunc) Complete(ctx context.Context, req *Request) (*Response, error) { return f(ctx, req) }
