// Command orchestratord boots the orchestration engine: it loads
// configuration, opens the database, wires every component (C1-C12),
// and serves the HTTP surface (§6) until signalled to shut down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmforge/orchestrator/pkg/api"
	"github.com/swarmforge/orchestrator/pkg/conflict"
	"github.com/swarmforge/orchestrator/pkg/config"
	"github.com/swarmforge/orchestrator/pkg/database"
	"github.com/swarmforge/orchestrator/pkg/llmgateway"
	"github.com/swarmforge/orchestrator/pkg/monitor"
	"github.com/swarmforge/orchestrator/pkg/observability"
	"github.com/swarmforge/orchestrator/pkg/planner"
	"github.com/swarmforge/orchestrator/pkg/retry"
	"github.com/swarmforge/orchestrator/pkg/scheduler"
	"github.com/swarmforge/orchestrator/pkg/scope"
	"github.com/swarmforge/orchestrator/pkg/stackinfer"
	"github.com/swarmforge/orchestrator/pkg/store"
	"github.com/swarmforge/orchestrator/pkg/version"
	"github.com/swarmforge/orchestrator/pkg/workflow"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config", getEnv("CONFIG_PATH", ""), "Path to the orchestrator's YAML configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(*configPath); err != nil {
		slog.Error("orchestratord exited with error", "error", err)
		os.Exit(1)
	}
}

// run contains everything main defers or might fail on, so the signal
// handler and every cleanup path have exactly one place to return
// through.
func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	slog.Info("starting orchestratord", "version", version.Full(), "config_path", configPath)

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Observability)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
	}()

	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer dbClient.Close()
	slog.Info("connected to database and applied migrations")

	kv := store.New(dbClient.Pool)

	metrics := observability.NewPrometheusSink()

	llm := llmgateway.NewClient(cfg.LLM)

	if err := stackinfer.Seed(ctx, kv, llm.Embed); err != nil {
		slog.Warn("seeding default stack templates failed, continuing with whatever already exists", "error", err)
	}

	inferencer := stackinfer.New(kv, llm, cfg.Stack.SimilarityThreshold)
	extractor := scope.New(llm, inferencer)
	plan := planner.New(kv)

	staleLockTTL := time.Duration(cfg.FileLock.TTLSeconds) * time.Second
	conflictRegistry := conflict.NewRegistry(kv, kv, llm, staleLockTTL, cfg.Conflict.SimilarityThreshold)
	if err := restoreLocks(ctx, conflictRegistry, kv); err != nil {
		slog.Warn("restoring file locks from the database failed, starting with an empty lock map", "error", err)
	}

	// The Scheduler's own block-check is a standalone convenience over
	// one swarm's dependency set (§4.7 CanAgentStart), and nothing in the
	// running service calls it: dispatch uses ReadyTasks, which does not
	// consult the checker, and the Monitor asks each swarm's own Resolver
	// directly. A fixed "never block" checker is therefore enough here.
	sched := scheduler.New(kv, alwaysReady{})

	retryMgr := retry.New(cfg.Retry)

	engine := workflow.New(workflow.Deps{
		Swarms: kv, Tasks: kv, Agents: kv, Events: kv, Escalations: kv,
		Planner:   plan,
		Scheduler: sched,
		ConflictFor: func(swarmID string) workflow.ConflictResolver {
			return conflictRegistry.For(swarmID)
		},
		Retry:          retryMgr,
		LLM:            llm,
		Metrics:        metrics,
		Workflow:       cfg.Workflow,
		SLO:            cfg.SLO,
		RatePerKTokens: cfg.LLM.RatePerKTokens,
	})

	mon := monitor.New(kv, func(swarmID string) monitor.ConflictHandler {
		return conflictRegistry.For(swarmID)
	}, retryMgr, monitorMetricsAdapter{metrics}, time.Duration(cfg.Monitor.TickSeconds)*time.Second, time.Duration(cfg.Task.TimeoutSeconds)*time.Second)

	monitorStop := make(chan struct{})
	go mon.Run(ctx, monitorStop)

	srv := api.NewServer(api.Deps{
		Store:     kv,
		Extractor: extractor,
		Planner:   plan,
		Scheduler: sched,
		Engine:    engine,
		ConflictFor: func(swarmID string) *conflict.Resolver {
			return conflictRegistry.For(swarmID)
		},
		Metrics: metrics,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		if err := srv.StartWithListener(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	close(monitorStop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown", "error", err)
	}

	return nil
}

// restoreLocks rebuilds every swarm's in-memory lock map from the
// mirrored Postgres rows on process startup, grouping the flat
// file_locks table back out by swarm id the way Resolver.Restore
// expects to be called once per swarm.
func restoreLocks(ctx context.Context, reg *conflict.Registry, kv *store.Store) error {
	locks, err := kv.ListFileLocks(ctx)
	if err != nil {
		return fmt.Errorf("list file locks: %w", err)
	}
	seen := make(map[string]bool)
	for _, lock := range locks {
		if seen[lock.SwarmID] {
			continue
		}
		seen[lock.SwarmID] = true
		if err := reg.For(lock.SwarmID).Restore(ctx); err != nil {
			return fmt.Errorf("restore locks for swarm %s: %w", lock.SwarmID, err)
		}
	}
	return nil
}

// alwaysReady is the Scheduler's default BlockChecker: see the comment
// above its construction in run() for why a fixed, never-blocking
// checker is correct for that call site.
type alwaysReady struct{}

func (alwaysReady) ShouldBlock([]string) (bool, string) { return false, "" }

// monitorMetricsAdapter narrows observability.MetricsSink down to the
// two health figures the Monitor publishes (the retry success rate as a
// histogram observation, recent interventions as a gauge), so pkg/monitor never imports
// pkg/observability directly.
type monitorMetricsAdapter struct {
	sink observability.MetricsSink
}

func (a monitorMetricsAdapter) ObserveRetrySuccessRate(rate float64) {
	a.sink.ObserveHistogram("retry_success_rate", rate, nil)
}

func (a monitorMetricsAdapter) ObserveRecentInterventions(count int) {
	a.sink.SetGauge("recent_interventions", float64(count), nil)
}
