package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chatflow/chatflow/core/infra/logging"
	"github.com/chatflow/chatflow/core/infra/metrics"
)

const (
	registryComponent = "provider-registry"
	healthSaveTimeout = 2 * time.Second
)

// Route is the ordered provider list for one capability.
type Route struct {
	Primary   string
	Fallbacks []string
}

type breakerKey struct {
	provider   string
	capability Capability
}

// Registry holds adapters, routes and breakers. It is constructed once at
// startup and injected into the engine.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	routes   map[Capability]Route
	tenants  map[string]map[Capability]string
	breakers map[breakerKey]*Breaker

	cfg     BreakerConfig
	store   HealthStore
	metrics metrics.ProviderMetrics
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithHealthStore persists breaker transitions.
func WithHealthStore(store HealthStore) Option {
	return func(r *Registry) { r.store = store }
}

// WithMetrics reports calls and breaker state.
func WithMetrics(m metrics.ProviderMetrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithClock overrides the breaker time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg BreakerConfig, opts ...Option) *Registry {
	r := &Registry{
		adapters: map[string]Adapter{},
		routes:   map[Capability]Route{},
		tenants:  map[string]map[Capability]string{},
		breakers: map[breakerKey]*Breaker{},
		cfg:      cfg.normalized(),
		metrics:  metrics.Noop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an adapter and creates a breaker per declared capability.
func (r *Registry) Register(a Adapter) error {
	if a == nil || strings.TrimSpace(a.Name()) == "" {
		return fmt.Errorf("adapter name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, ok := r.adapters[name]; ok {
		return fmt.Errorf("%w: %s", ErrProviderRegistered, name)
	}
	r.adapters[name] = a
	for _, capability := range a.Capabilities() {
		key := breakerKey{name, capability}
		b := NewBreaker(name, capability, r.cfg, r.now)
		b.onChange = r.persist
		r.breakers[key] = b
		r.metrics.SetBreakerState(name, string(capability), string(StateClosed))
	}
	logging.Info(registryComponent, "adapter registered", "provider", name, "capabilities", a.Capabilities())
	return nil
}

// SetRoute sets the ordered providers for capability.
func (r *Registry) SetRoute(capability Capability, primary string, fallbacks ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[capability] = Route{Primary: primary, Fallbacks: append([]string(nil), fallbacks...)}
}

// SetTenantOverride pins tenant to provider for capability. The pinned
// provider is tried first; the route still serves as fallback.
func (r *Registry) SetTenantOverride(tenant string, capability Capability, provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.tenants[tenant]
	if m == nil {
		m = map[Capability]string{}
		r.tenants[tenant] = m
	}
	m[capability] = provider
}

// Restore loads persisted breaker snapshots for registered adapters.
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	states, err := r.store.Load(ctx)
	if err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, st := range states {
		b, ok := r.breakers[breakerKey{st.Provider, st.Capability}]
		if !ok {
			continue
		}
		b.restore(st)
		r.metrics.SetBreakerState(st.Provider, string(st.Capability), string(b.Snapshot().State))
	}
	return nil
}

func (r *Registry) persist(st HealthState) {
	r.metrics.SetBreakerState(st.Provider, string(st.Capability), string(st.State))
	logging.Debug(registryComponent, "breaker state", "provider", st.Provider, "capability", st.Capability, "state", st.State, "failures", st.ConsecutiveFailures)
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), healthSaveTimeout)
	defer cancel()
	if err := r.store.Save(ctx, st); err != nil {
		logging.Warn(registryComponent, "persist breaker state", "provider", st.Provider, "capability", st.Capability, "error", err)
	}
}

// candidates returns the providers to try for capability, in order.
func (r *Registry) candidates(capability Capability, tenant string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var order []string
	if tenant != "" {
		if p, ok := r.tenants[tenant][capability]; ok {
			order = append(order, p)
		}
	}
	if route, ok := r.routes[capability]; ok {
		if route.Primary != "" {
			order = append(order, route.Primary)
		}
		order = append(order, route.Fallbacks...)
	} else {
		var names []string
		for name := range r.adapters {
			names = append(names, name)
		}
		sort.Strings(names)
		order = append(order, names...)
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(order))
	for _, name := range order {
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := r.breakers[breakerKey{name, capability}]; !ok {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Selection is one admitted call. Its outcome must be reported exactly once.
type Selection struct {
	Provider   string
	Capability Capability
	Adapter    Adapter
	Probe      bool

	breaker *Breaker
	once    sync.Once
}

// Report feeds the call outcome to the breaker.
func (s *Selection) Report(err error) {
	s.once.Do(func() {
		switch {
		case err == nil:
			s.breaker.Success(s.Probe)
		case countsAsFailure(err):
			s.breaker.Failure(s.Probe)
		default:
			s.breaker.Release(s.Probe)
		}
	})
}

// Select picks the first admitted provider for capability.
func (r *Registry) Select(capability Capability, tenant string) (*Selection, error) {
	return r.selectExcluding(capability, tenant, nil)
}

func (r *Registry) selectExcluding(capability Capability, tenant string, skip map[string]bool) (*Selection, error) {
	names := r.candidates(capability, tenant)
	if len(names) == 0 {
		return nil, &ProviderError{Provider: registryComponent, Code: "unsupported_capability", Err: fmt.Errorf("%w: %s", ErrUnsupportedCapability, capability)}
	}
	var retryIn time.Duration
	for _, name := range names {
		if skip[name] {
			continue
		}
		r.mu.RLock()
		b := r.breakers[breakerKey{name, capability}]
		a := r.adapters[name]
		r.mu.RUnlock()
		allowed, probe := b.Allow()
		if !allowed {
			if d := b.RetryIn(); retryIn == 0 || (d > 0 && d < retryIn) {
				retryIn = d
			}
			continue
		}
		return &Selection{Provider: name, Capability: capability, Adapter: a, Probe: probe, breaker: b}, nil
	}
	return nil, &NoHealthyProviderError{Capability: capability, RetryIn: retryIn}
}

// Invoke selects a provider, calls it and reports the outcome. A retryable
// failure moves on to the next admitted candidate; a fatal one is returned
// as is.
func (r *Registry) Invoke(ctx context.Context, capability Capability, tenant string, req *Request) (*Response, error) {
	tried := map[string]bool{}
	var lastErr error
	for {
		sel, err := r.selectExcluding(capability, tenant, tried)
		if err != nil {
			if lastErr != nil && errors.Is(err, ErrNoHealthyProvider) {
				return nil, lastErr
			}
			return nil, err
		}
		tried[sel.Provider] = true

		start := r.now()
		resp, err := sel.Adapter.Invoke(ctx, capability, req)
		elapsed := r.now().Sub(start).Seconds()
		sel.Report(err)
		if err == nil {
			if resp.Provider == "" {
				resp.Provider = sel.Provider
			}
			r.metrics.ObserveProviderCall(sel.Provider, string(capability), "ok", elapsed)
			return resp, nil
		}
		if !isRetryable(err) {
			r.metrics.ObserveProviderCall(sel.Provider, string(capability), "fatal", elapsed)
			return nil, err
		}
		r.metrics.ObserveProviderCall(sel.Provider, string(capability), "error", elapsed)
		logging.Warn(registryComponent, "provider call failed, trying next", "provider", sel.Provider, "capability", capability, "error", err)
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
	}
}

// Health returns a snapshot of every breaker.
func (r *Registry) Health() []HealthState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HealthState, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	sortHealth(out)
	return out
}

// Providers lists registered adapter names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
