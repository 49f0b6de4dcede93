package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineMetrics captures workflow engine activity.
type EngineMetrics interface {
	IncExecutionStarted(workflowType string)
	IncExecutionFinished(workflowType, status string)
	ObserveExecutionDuration(workflowType string, durationSeconds float64)
	IncStepAttempt(step, outcome string)
	IncSuspended(workflowType, kind string)
	IncTimersFired(count int)
	IncWebhookConsume(result string)
}

// ProviderMetrics captures provider calls and breaker state.
type ProviderMetrics interface {
	ObserveProviderCall(provider, capability, outcome string, durationSeconds float64)
	SetBreakerState(provider, capability, state string)
}

// GatewayMetrics captures request metrics for the HTTP gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) IncExecutionStarted(string)                          {}
func (Noop) IncExecutionFinished(string, string)                 {}
func (Noop) ObserveExecutionDuration(string, float64)            {}
func (Noop) IncStepAttempt(string, string)                       {}
func (Noop) IncSuspended(string, string)                         {}
func (Noop) IncTimersFired(int)                                  {}
func (Noop) IncWebhookConsume(string)                            {}
func (Noop) ObserveProviderCall(string, string, string, float64) {}
func (Noop) SetBreakerState(string, string, string)              {}
func (Noop) ObserveRequest(string, string, string, float64)      {}

// Prom implements EngineMetrics backed by Prometheus collectors.
type Prom struct {
	started   *prometheus.CounterVec
	finished  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	steps     *prometheus.CounterVec
	suspended *prometheus.CounterVec
	timers    prometheus.Counter
	webhooks  *prometheus.CounterVec
	once      sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Workflow executions started by type",
		}, []string{"workflow"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Workflow executions reaching a terminal state by type and status",
		}, []string{"workflow", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time from creation to terminal state",
			Buckets:   []float64{1, 10, 60, 600, 3600, 86400, 604800},
		}, []string{"workflow"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Step attempts by step name and outcome",
		}, []string{"step", "outcome"}),
		suspended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_suspended_total",
			Help:      "Suspensions by workflow type and kind (sleep, webhook)",
		}, []string{"workflow", "kind"}),
		timers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_fired_total",
			Help:      "Timer entries claimed by the poller",
		}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_consume_total",
			Help:      "Webhook consume attempts by result",
		}, []string{"result"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.started, p.finished, p.duration, p.steps, p.suspended, p.timers, p.webhooks)
	})
}

func (p *Prom) IncExecutionStarted(workflowType string) {
	p.started.WithLabelValues(workflowType).Inc()
}

func (p *Prom) IncExecutionFinished(workflowType, status string) {
	p.finished.WithLabelValues(workflowType, status).Inc()
}

func (p *Prom) ObserveExecutionDuration(workflowType string, durationSeconds float64) {
	p.duration.WithLabelValues(workflowType).Observe(durationSeconds)
}

func (p *Prom) IncStepAttempt(step, outcome string) {
	p.steps.WithLabelValues(step, outcome).Inc()
}

func (p *Prom) IncSuspended(workflowType, kind string) {
	p.suspended.WithLabelValues(workflowType, kind).Inc()
}

func (p *Prom) IncTimersFired(count int) {
	if count > 0 {
		p.timers.Add(float64(count))
	}
}

func (p *Prom) IncWebhookConsume(result string) {
	p.webhooks.WithLabelValues(result).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Provider metrics ---

var breakerStates = []string{"closed", "open", "half_open"}

type providerProm struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
	state   *prometheus.GaugeVec
	once    sync.Once
}

// NewProviderProm constructs ProviderMetrics; breaker state is exported as a
// one-hot gauge per state label.
func NewProviderProm(namespace string) ProviderMetrics {
	p := &providerProm{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Provider calls by provider/capability/outcome",
		}, []string{"provider", "capability", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Provider call latency by provider/capability",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "capability"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_breaker_state",
			Help:      "Circuit breaker state (1 for the current state)",
		}, []string{"provider", "capability", "state"}),
	}
	p.once.Do(func() {
		prometheus.MustRegister(p.calls, p.latency, p.state)
	})
	return p
}

func (p *providerProm) ObserveProviderCall(provider, capability, outcome string, durationSeconds float64) {
	p.calls.WithLabelValues(provider, capability, outcome).Inc()
	p.latency.WithLabelValues(provider, capability).Observe(durationSeconds)
}

func (p *providerProm) SetBreakerState(provider, capability, state string) {
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.state.WithLabelValues(provider, capability, s).Set(v)
	}
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
