package workflowengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/chatflow/chatflow/core/controlplane/gateway"
	"github.com/chatflow/chatflow/core/infra/artifacts"
	"github.com/chatflow/chatflow/core/infra/bus"
	"github.com/chatflow/chatflow/core/infra/config"
	"github.com/chatflow/chatflow/core/infra/logging"
	"github.com/chatflow/chatflow/core/infra/memory"
	"github.com/chatflow/chatflow/core/infra/metrics"
	"github.com/chatflow/chatflow/core/infra/redisutil"
	"github.com/chatflow/chatflow/core/infra/schema"
	wf "github.com/chatflow/chatflow/core/workflow"
	"github.com/chatflow/chatflow/packages/workflows"
)

const (
	component              = "workflow-engine"
	metricsNamespace       = "chatflow"
	defaultShutdownTimeout = 5 * time.Second
	workflowEngineQueue    = "chatflow-workflow-engine"
	dlqQueue               = "chatflow-dlq"
)

// Run starts the workflow engine process: engine, reconciler, bus consumers
// and the HTTP gateway. It blocks until SIGINT or SIGTERM.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engineCfg, err := config.LoadEngine(cfg.EngineConfigPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		logging.Warn(component, "engine config missing, using defaults", "path", cfg.EngineConfigPath)
	}
	providersCfg, err := config.LoadProviders(cfg.ProvidersConfigPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		logging.Warn(component, "providers config missing, using defaults", "path", cfg.ProvidersConfigPath)
	}

	client, err := redisutil.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer client.Close()

	registry, err := buildRegistry(ctx, providersCfg, client, metrics.NewProviderProm(metricsNamespace))
	if err != nil {
		return err
	}

	var natsBus *bus.NatsBus
	if !cfg.EventsDisabled {
		natsBus, err = bus.NewNatsBus(cfg.NatsURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsBus.Close()
	}

	owner := processOwner()
	store := wf.NewRedisStoreWithClient(client)
	submissions := memory.NewSubmissionStore(client)
	dlqStore := memory.NewDLQStore(client)
	documents := artifacts.NewRedisStore(client)
	forms := schema.NewRegistry(client)
	dlq := NewDLQRecorder(dlqStore)
	hub := gateway.NewWatchHub()

	// With the bus, the hub and the DLQ are fed from NATS so every replica's
	// watchers see every transition and each failure is recorded once.
	var events wf.EventPublisher = wf.FanOut(hub, dlq)
	if natsBus != nil {
		events = &busPublisher{bus: natsBus, prefix: cfg.EventSubject}
	}

	opts := append(engineOptions(engineCfg),
		wf.WithProviders(registry),
		wf.WithEvents(events),
		wf.WithMetrics(metrics.NewProm(metricsNamespace)),
		wf.WithOwner(owner),
	)
	engine := wf.NewEngine(store, opts...)
	if err := workflows.Register(engine, workflows.Deps{
		Forms:       forms,
		Submissions: submissions,
		Summaries:   submissions,
		Documents:   documents,
	}); err != nil {
		return fmt.Errorf("register workflows: %w", err)
	}

	if natsBus != nil {
		if err := wireBus(natsBus, cfg.EventSubject, engine, hub, dlq); err != nil {
			return err
		}
	}

	auth, err := gateway.NewBasicAuthProvider()
	if err != nil {
		return fmt.Errorf("load api keys: %w", err)
	}
	srv := gateway.New(gateway.Options{
		Engine:         engine,
		Providers:      registry,
		Submissions:    submissions,
		Forms:          forms,
		DLQ:            dlqStore,
		Documents:      documents,
		Auth:           auth,
		Metrics:        metrics.NewGatewayProm(metricsNamespace),
		MetricsHandler: metrics.Handler(),
		Hub:            hub,
	})

	rec := newReconciler(engine, store, owner,
		firstDuration(cfg.ScanInterval, engineCfg.Reconciler.ScanInterval()),
		firstDuration(cfg.StaleAfter, engineCfg.Reconciler.StaleAfter()),
		firstInt(cfg.ScanLimit, engineCfg.Reconciler.ScanLimit))
	go rec.Start(ctx)

	httpSrv := srv.NewHTTPServer(cfg.HTTPAddr)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(component, "http server error", "error", err)
			stop()
		}
	}()
	logging.Info(component, "started",
		"http", cfg.HTTPAddr,
		"owner", owner,
		"workflows", engine.WorkflowTypes(),
		"providers", registry.Providers(),
		"bus", natsBus != nil,
	)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logging.Info(component, "stopped")
	return nil
}

// wireBus attaches the start-command consumer, the DLQ consumer and the
// per-replica watch feed.
func wireBus(b Bus, prefix string, engine starter, hub wf.EventPublisher, dlq *DLQRecorder) error {
	if err := b.Subscribe(bus.SubjectWorkflowStart, workflowEngineQueue, startHandler(engine)); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.SubjectWorkflowStart, err)
	}
	failed := eventSubject(prefix, wf.EventFailed)
	if err := b.Subscribe(failed, dlqQueue, dlq.handleFailedEvent); err != nil {
		return fmt.Errorf("subscribe %s: %w", failed, err)
	}
	all := eventsWildcard(prefix)
	if err := b.SubscribeAll(all, hubFeed(hub)); err != nil {
		return fmt.Errorf("subscribe %s: %w", all, err)
	}
	return nil
}

// engineOptions maps engine.yaml onto engine options.
func engineOptions(cfg *config.EngineConfig) []wf.Option {
	if cfg == nil {
		return nil
	}
	opts := []wf.Option{
		wf.WithRetryPolicy(wf.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay(),
			MaxDelay:    cfg.Retry.MaxDelay(),
		}),
		wf.WithDefaultWebhookTTL(cfg.Webhooks.DefaultTTL()),
	}
	if lease := cfg.Reconciler.Lease(); lease > 0 {
		opts = append(opts, wf.WithLeaseTTL(lease))
	}
	return opts
}

func processOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "engine"
	}
	return host + "-" + uuid.NewString()[:8]
}

func firstDuration(vals ...time.Duration) time.Duration {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstInt(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
