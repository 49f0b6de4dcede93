package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chatflow/chatflow/core/infra/logging"
	"github.com/chatflow/chatflow/core/infra/memory"
	infraMetrics "github.com/chatflow/chatflow/core/infra/metrics"
	"github.com/chatflow/chatflow/core/infra/schema"
	"github.com/chatflow/chatflow/core/providers"
	wf "github.com/chatflow/chatflow/core/workflow"
)

const (
	component          = "gateway"
	maxBodyBytes       = 2 << 20
	defaultListLimit   = 100
	defaultHTTPTimeout = 30 * time.Second
)

// HealthReporter exposes provider breaker state.
type HealthReporter interface {
	Health() []providers.HealthState
}

// SubmissionStore stores form submissions and reviewed summaries.
type SubmissionStore interface {
	AddSubmission(ctx context.Context, formID string, data json.RawMessage) error
	GetSummary(ctx context.Context, formID string) (*memory.Summary, error)
}

// FormSchemas serves generated form schemas.
type FormSchemas interface {
	Get(ctx context.Context, id string) ([]byte, error)
}

// DLQ lists and clears failed executions.
type DLQ interface {
	List(ctx context.Context, limit int64) ([]memory.DLQEntry, error)
	ListByScore(ctx context.Context, cursorUnix int64, limit int64) ([]memory.DLQEntry, error)
	Delete(ctx context.Context, executionID string) error
}

// Options wires the server's collaborators. Only Engine is required.
type Options struct {
	Engine      *wf.Engine
	Providers   HealthReporter
	Submissions SubmissionStore
	Forms       FormSchemas
	DLQ         DLQ
	Documents   DocumentStore
	Auth        AuthProvider
	Metrics     infraMetrics.GatewayMetrics
	// MetricsHandler serves /metrics; nil disables the route.
	MetricsHandler http.Handler
	RateLimit      *tokenBucket
	// Hub feeds websocket watchers; nil creates a private one.
	Hub *WatchHub
}

// Server is the HTTP surface of the engine: webhook callbacks, the execution
// status API, workflow starts and live execution watches.
type Server struct {
	engine      *wf.Engine
	providers   HealthReporter
	submissions SubmissionStore
	forms       FormSchemas
	dlq         DLQ
	documents   DocumentStore
	auth        AuthProvider
	metrics     infraMetrics.GatewayMetrics
	metricsH    http.Handler
	limiter     *tokenBucket
	hub         *WatchHub
}

// New builds a server. A nil RateLimit reads API_RATE_LIMIT_RPS/BURST.
func New(opts Options) *Server {
	s := &Server{
		engine:      opts.Engine,
		providers:   opts.Providers,
		submissions: opts.Submissions,
		forms:       opts.Forms,
		dlq:         opts.DLQ,
		documents:   opts.Documents,
		auth:        opts.Auth,
		metrics:     opts.Metrics,
		metricsH:    opts.MetricsHandler,
		limiter:     opts.RateLimit,
		hub:         opts.Hub,
	}
	if s.hub == nil {
		s.hub = NewWatchHub()
	}
	if s.metrics == nil {
		s.metrics = infraMetrics.Noop{}
	}
	if s.limiter == nil {
		s.limiter = newTokenBucketFromEnv()
	}
	return s
}

// Events returns the hub that feeds websocket watchers.
func (s *Server) Events() *WatchHub { return s.hub }

// Handler returns the routed, middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metricsH != nil {
		mux.Handle("GET /metrics", s.metricsH)
	}

	// Webhook callbacks
	mux.HandleFunc("POST /api/v1/webhooks/{token}", s.instrumented("/api/v1/webhooks/{token}", s.handleWebhook))

	// Workflows and executions
	mux.HandleFunc("GET /api/v1/workflows", s.instrumented("/api/v1/workflows", s.handleListWorkflows))
	mux.HandleFunc("POST /api/v1/workflows/{type}/start", s.instrumented("/api/v1/workflows/{type}/start", s.handleStartWorkflow))
	mux.HandleFunc("GET /api/v1/executions/{id}", s.instrumented("/api/v1/executions/{id}", s.handleGetExecution))
	mux.HandleFunc("GET /api/v1/executions/{id}/steps", s.instrumented("/api/v1/executions/{id}/steps", s.handleListSteps))
	mux.HandleFunc("POST /api/v1/executions/{id}/cancel", s.instrumented("/api/v1/executions/{id}/cancel", s.handleCancelExecution))
	mux.HandleFunc("GET /api/v1/executions/{id}/watch", s.instrumented("/api/v1/executions/{id}/watch", s.handleWatchExecution))

	// Documents
	mux.HandleFunc("POST /api/v1/documents", s.instrumented("/api/v1/documents", s.handleUploadDocument))

	// Providers
	mux.HandleFunc("GET /api/v1/providers/health", s.instrumented("/api/v1/providers/health", s.handleProviderHealth))

	// Forms
	mux.HandleFunc("GET /api/v1/forms/{id}/schema", s.instrumented("/api/v1/forms/{id}/schema", s.handleGetFormSchema))
	mux.HandleFunc("POST /api/v1/forms/{id}/submissions", s.instrumented("/api/v1/forms/{id}/submissions", s.handleAddSubmission))
	mux.HandleFunc("GET /api/v1/forms/{id}/summary", s.instrumented("/api/v1/forms/{id}/summary", s.handleGetSummary))

	// DLQ
	mux.HandleFunc("GET /api/v1/dlq", s.instrumented("/api/v1/dlq", s.handleListDLQ))
	mux.HandleFunc("DELETE /api/v1/dlq/{id}", s.instrumented("/api/v1/dlq/{id}", s.handleDeleteDLQ))

	return corsMiddleware(rateLimitMiddleware(s.limiter, apiKeyMiddleware(s.auth, mux)))
}

// NewHTTPServer wraps Handler in an http.Server with the usual timeouts.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      defaultHTTPTimeout,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type webhookResponse struct {
	ExecutionID string `json:"execution_id"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.PathValue("token"))
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}
	payload, ok := readJSONBody(w, r)
	if !ok {
		return
	}
	execID, err := s.engine.Webhooks().Consume(r.Context(), token, payload)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, webhookResponse{ExecutionID: execID})
	case errors.Is(err, wf.ErrWebhookNotFound):
		http.Error(w, "unknown webhook token", http.StatusNotFound)
	case errors.Is(err, wf.ErrWebhookAlreadyConsumed), errors.Is(err, wf.ErrWebhookExpired):
		http.Error(w, err.Error(), http.StatusGone)
	default:
		logging.Error(component, "consume webhook", "error", err)
		http.Error(w, "webhook delivery failed", http.StatusInternalServerError)
	}
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.engine.WorkflowTypes()})
}

type startResponse struct {
	ExecutionID string                `json:"execution_id"`
	Execution   *wf.WorkflowExecution `json:"execution,omitempty"`
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowType := strings.TrimSpace(r.PathValue("type"))
	tenant, err := s.resolveTenant(r, r.Header.Get("X-Tenant-ID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	input, ok := readJSONBody(w, r)
	if !ok {
		return
	}
	opts := []wf.StartOption{wf.WithTenant(tenant)}
	if key := idempotencyKeyFromRequest(r); key != "" {
		opts = append(opts, wf.WithIdempotencyKey(key))
	}
	id, err := s.engine.Start(r.Context(), workflowType, input, opts...)
	switch {
	case errors.Is(err, wf.ErrUnknownWorkflowType):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, wf.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil && id == "":
		logging.Error(component, "start workflow", "workflow_type", workflowType, "error", err)
		http.Error(w, "start failed", http.StatusInternalServerError)
		return
	case err != nil:
		// The execution exists; the drive error is recovered by the reconciler.
		logging.Warn(component, "start drive failed", "execution_id", id, "error", err)
	}
	resp := startResponse{ExecutionID: id}
	if exec, err := s.engine.GetStatus(r.Context(), id); err == nil {
		resp.Execution = redactExecution(exec)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, redactExecution(exec))
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	steps, err := s.engine.ListSteps(r.Context(), exec.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": redactSteps(steps)})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	var req cancelRequest
	body, ok := readJSONBody(w, r)
	if !ok {
		return
	}
	if string(body) != "null" {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
	}
	updated, err := s.engine.Cancel(r.Context(), exec.ID, req.Reason)
	switch {
	case errors.Is(err, wf.ErrInvalidState):
		http.Error(w, "execution already finished", http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, redactExecution(updated))
	}
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	if s.providers == nil {
		http.Error(w, "provider registry unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.providers.Health()})
}

func (s *Server) handleGetFormSchema(w http.ResponseWriter, r *http.Request) {
	if s.forms == nil {
		http.Error(w, "form registry unavailable", http.StatusServiceUnavailable)
		return
	}
	doc, err := s.forms.Get(r.Context(), strings.TrimSpace(r.PathValue("id")))
	switch {
	case errors.Is(err, schema.ErrNotFound):
		http.Error(w, "form not found", http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.Header().Set("Content-Type", "application/schema+json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(doc)
	}
}

func (s *Server) handleAddSubmission(w http.ResponseWriter, r *http.Request) {
	if s.submissions == nil {
		http.Error(w, "submission store unavailable", http.StatusServiceUnavailable)
		return
	}
	formID := strings.TrimSpace(r.PathValue("id"))
	body, ok := readJSONBody(w, r)
	if !ok {
		return
	}
	if string(body) == "null" {
		http.Error(w, "submission body required", http.StatusBadRequest)
		return
	}
	if err := s.submissions.AddSubmission(r.Context(), formID, body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	if s.submissions == nil {
		http.Error(w, "submission store unavailable", http.StatusServiceUnavailable)
		return
	}
	summary, err := s.submissions.GetSummary(r.Context(), strings.TrimSpace(r.PathValue("id")))
	switch {
	case errors.Is(err, memory.ErrSummaryNotFound):
		http.Error(w, "summary not found", http.StatusNotFound)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		http.Error(w, "dlq store unavailable", http.StatusServiceUnavailable)
		return
	}
	limit := int64(defaultListLimit)
	if q := r.URL.Query().Get("limit"); q != "" {
		if v, err := strconv.ParseInt(q, 10, 64); err == nil && v > 0 {
			limit = v
		}
	}
	var (
		entries []memory.DLQEntry
		err     error
	)
	if q := r.URL.Query().Get("cursor"); q != "" {
		cursor, perr := strconv.ParseInt(q, 10, 64)
		if perr != nil || cursor <= 0 {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		entries, err = s.dlq.ListByScore(r.Context(), cursor, limit)
	} else {
		entries, err = s.dlq.List(r.Context(), limit)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	filtered := make([]memory.DLQEntry, 0, len(entries))
	for _, entry := range entries {
		if s.requireTenantAccess(r, entry.TenantID) == nil {
			filtered = append(filtered, entry)
		}
	}
	var nextCursor *int64
	if int64(len(entries)) == limit && len(entries) > 0 {
		if last := entries[len(entries)-1]; !last.CreatedAt.IsZero() {
			nc := last.CreatedAt.Unix() - 1
			nextCursor = &nc
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": filtered, "next_cursor": nextCursor})
}

func (s *Server) handleDeleteDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		http.Error(w, "dlq store unavailable", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if exec, err := s.engine.GetStatus(r.Context(), id); err == nil {
		if err := s.requireTenantAccess(r, exec.TenantID); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
	}
	if err := s.dlq.Delete(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

func (s *Server) loadExecution(w http.ResponseWriter, r *http.Request, id string) (*wf.WorkflowExecution, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		http.Error(w, "missing execution id", http.StatusBadRequest)
		return nil, false
	}
	exec, err := s.engine.GetStatus(r.Context(), id)
	if errors.Is(err, wf.ErrExecutionNotFound) {
		http.Error(w, "execution not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	if err := s.requireTenantAccess(r, exec.TenantID); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return nil, false
	}
	return exec, true
}

func (s *Server) resolveTenant(r *http.Request, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	if s.auth == nil {
		return requested, nil
	}
	return s.auth.ResolveTenant(r, requested)
}

func (s *Server) requireTenantAccess(r *http.Request, tenant string) error {
	if s.auth == nil {
		return nil
	}
	return s.auth.RequireTenantAccess(r, tenant)
}

// readJSONBody returns the request body, "null" when empty. Invalid JSON and
// oversized bodies are answered with 400/413 and ok=false.
func readJSONBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, "read body", http.StatusBadRequest)
		return nil, false
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return json.RawMessage("null"), true
	}
	if !json.Valid(data) {
		http.Error(w, "body must be valid json", http.StatusBadRequest)
		return nil, false
	}
	return json.RawMessage(data), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug(component, "encode response", "error", err)
	}
}

func idempotencyKeyFromRequest(r *http.Request) string {
	candidates := []string{
		r.Header.Get("Idempotency-Key"),
		r.Header.Get("X-Idempotency-Key"),
		r.URL.Query().Get("idempotency_key"),
	}
	for _, raw := range candidates {
		if val := strings.TrimSpace(raw); val != "" {
			return val
		}
	}
	return ""
}
