package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/valetlabs/valet/internal/agent"
	"github.com/valetlabs/valet/internal/config"
	"github.com/valetlabs/valet/internal/gateway"
	"github.com/valetlabs/valet/internal/observability"
	"github.com/valetlabs/valet/internal/scheduler"
	"github.com/valetlabs/valet/internal/workflow"
	"github.com/valetlabs/valet/pkg/models"
)

const shutdownTimeout = 10 * time.Second

// buildServeCmd creates the "serve" command that runs the full
// assistant runtime until interrupted.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Valet runtime",
		Long: `Start the Valet runtime with the event gateway, scheduler, and
workflow orchestrator.

The runtime will:
1. Load configuration from the specified file
2. Initialize the budget ledger, circuit registry, and tool grants
3. Register configured scheduled jobs and heartbeats
4. Reconcile persisted workflow projects from their event logs
5. Serve prometheus metrics on the configured address

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  valet serve

  # Start with custom config
  valet serve --config /etc/valet/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "valet.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracing, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	metrics := observability.NewMetrics()

	rt, err := newRuntime(cfg, logger, metrics, tracer, nil)
	if err != nil {
		return err
	}

	gw := gateway.New(
		gateway.DispatcherFunc(func(ctx context.Context, ev *models.Event) (*models.ChatResult, error) {
			return rt.agent.Chat(ctx, ev.Message, agent.ChatOptions{
				Mode:          ev.CallType,
				Channel:       ev.Channel,
				Source:        ev.Source,
				UserID:        ev.UserID,
				MaxIterations: cfg.Agent.MaxIterations,
			})
		}),
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithMaxQueueSize(cfg.Gateway.MaxQueueSize),
	)

	sched, err := buildScheduler(cfg, gw, logger)
	if err != nil {
		return err
	}

	orch, err := buildOrchestrator(cfg, rt, logger, metrics)
	if err != nil {
		return err
	}
	go reviewLoop(ctx, orch, logger)

	metricsServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsHandler()}
	go func() {
		logger.Info("metrics server listening", "addr", cfg.Server.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	go reportBudgetPressure(ctx, rt, metrics)

	if err := gw.Start(ctx); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	logger.Info("valet running",
		"agent", cfg.Agent.Name,
		"jobs", len(sched.Jobs()),
		"version", version,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := sched.Shutdown(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown failed", "error", err)
	}
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown failed", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", "error", err)
	}
	return nil
}

// buildScheduler registers every configured job on a scheduler backed
// by the gateway. Job execution history goes to sqlite when a path is
// configured, otherwise to the in-memory store.
func buildScheduler(cfg *config.Config, gw *gateway.Gateway, logger *slog.Logger) (*scheduler.Scheduler, error) {
	opts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithTickInterval(cfg.Scheduler.TickInterval),
	}
	if cfg.Scheduler.HistoryDB != "" {
		store, err := scheduler.NewSQLiteExecutionStore(cfg.Scheduler.HistoryDB)
		if err != nil {
			return nil, err
		}
		opts = append(opts, scheduler.WithExecutionStore(store))
	}

	sched := scheduler.NewScheduler(gw, opts...)
	for _, jc := range cfg.Scheduler.Jobs {
		schedule, err := scheduler.NewSchedule(jc.Schedule)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", jc.ID, err)
		}
		err = sched.AddJob(scheduler.Job{
			ID:       jc.ID,
			Name:     jc.Name,
			Source:   models.Source(jc.Source),
			Prompt:   jc.Prompt,
			Channel:  jc.Channel,
			Metadata: jc.Metadata,
			Enabled:  jc.Enabled,
			Schedule: schedule,
		})
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", jc.ID, err)
		}
	}
	return sched, nil
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// reviewLoop periodically sweeps projects in REVIEWING, promoting them
// to DONE or back to PLANNING based on their terminal conditions.
func reviewLoop(ctx context.Context, orch *workflow.Orchestrator, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := orch.Review(ctx); err != nil {
				logger.Warn("workflow review sweep failed", "error", err)
			}
		}
	}
}

// reportBudgetPressure exports the daily budget consumption gauge
// until the context ends.
func reportBudgetPressure(ctx context.Context, rt *runtime, metrics *observability.Metrics) {
	metrics.SetBudgetPressure(rt.ledger.Pressure())
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetBudgetPressure(rt.ledger.Pressure())
		}
	}
}

// buildOrchestrator wires the workflow orchestrator over the shared
// invoker and tool stack, then reconciles persisted projects from
// their event logs.
func buildOrchestrator(cfg *config.Config, rt *runtime, logger *slog.Logger, metrics *observability.Metrics) (*workflow.Orchestrator, error) {
	store, err := workflow.NewStore(cfg.Workflow.Dir, workflow.WithStoreLogger(logger))
	if err != nil {
		return nil, err
	}

	pool := workflow.NewWorkerPool(cfg.Workflow.Workers, rt.invoker, rt.catalog, rt.executor,
		workflow.WithWorkerModel(cfg.Workflow.WorkerModel),
		workflow.WithWorkerLogger(logger),
	)

	opts := []workflow.OrchestratorOption{
		workflow.WithWorkerPool(pool),
		workflow.WithEvaluator(workflow.NewLLMEvaluator(rt.invoker, cfg.Workflow.WorkerModel)),
		workflow.WithMetrics(metrics),
		workflow.WithOrchestratorLogger(logger),
	}
	if cfg.Workflow.PauseOnExhaustion {
		opts = append(opts, workflow.WithPauseOnExhaustion())
	}
	orch := workflow.NewOrchestrator(store, opts...)

	ids, err := store.List()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := orch.Reconcile(id); err != nil {
			logger.Warn("project reconcile failed", "project", id, "error", err)
		}
	}
	return orch, nil
}
