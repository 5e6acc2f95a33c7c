// Command warden runs the task warden daemon: it accepts task submissions as
// JSON lines on stdin, dispatches them to short-lived worker agents under
// lifecycle and circuit breaker supervision, and reclaims finished tasks
// through staged cleanup waves.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/go-warden/internal/audit"
	"github.com/basket/go-warden/internal/breaker"
	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/cleanup"
	"github.com/basket/go-warden/internal/config"
	"github.com/basket/go-warden/internal/lifecycle"
	"github.com/basket/go-warden/internal/notify"
	"github.com/basket/go-warden/internal/otel"
	"github.com/basket/go-warden/internal/persistence"
	"github.com/basket/go-warden/internal/processor"
	"github.com/basket/go-warden/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "warden:", err)
		os.Exit(1)
	}
}

func run() error {
	quiet := flag.Bool("quiet", false, "suppress stdout logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("warden", otel.Version)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	defer audit.Close()

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("otel shutdown failed", "error", err)
		}
	}()

	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	eventBus := bus.New()

	breakers := breaker.NewManager(breaker.Config{
		MaxFailures:      cfg.Breaker.MaxFailures,
		ResetTimeout:     cfg.Breaker.ResetTimeout(),
		OperationTimeout: cfg.Breaker.OperationTimeout(),
	})
	breakers.SetKVStore(store)
	breakers.OnStateChange(func(agentID string, _, to breaker.State) {
		if to == breaker.StateOpen {
			metrics.BreakerTrips.Add(context.Background(), 1)
		}
	})

	agents := lifecycle.NewManager(cfg.Lifecycle, eventBus)
	agents.Run(ctx)

	notifier := notify.New(cfg.Notify, cfg.HomeDir)

	proc, err := processor.New(cfg.Processor, agents, breakers, store, eventBus, metrics, fetchWorker(cfg))
	if err != nil {
		return fmt.Errorf("create processor: %w", err)
	}

	reclaimer := cleanup.NewScheduler(cfg.Cleanup, store, eventBus, notifier, metrics, cfg.HomeDir)
	reclaimer.SetIndexEvictor(proc.EvictCompleted)
	if err := reclaimer.Run(ctx); err != nil {
		return fmt.Errorf("start cleanup scheduler: %w", err)
	}

	go trackAgentMetrics(ctx, eventBus, metrics)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		go logReloads(ctx, watcher)
	}

	slog.Info("warden started",
		"home", cfg.HomeDir,
		"max_runtime", cfg.Lifecycle.MaxRuntime().String(),
		"breaker_max_failures", cfg.Breaker.MaxFailures,
	)

	intake(ctx, proc, reclaimer, breakers, agents)

	slog.Info("warden shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	proc.Drain(drainCtx)
	agents.Shutdown(drainCtx)
	reclaimer.Stop()
	slog.Info("warden stopped")
	return nil
}

// trackAgentMetrics mirrors lifecycle events into the active-agent gauges.
func trackAgentMetrics(ctx context.Context, eventBus *bus.Bus, metrics *otel.Metrics) {
	sub := eventBus.Subscribe("agent.")
	defer eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			switch payload := ev.Payload.(type) {
			case bus.AgentStartedEvent:
				metrics.ActiveAgents.Add(ctx, 1)
			case bus.AgentStoppedEvent:
				metrics.ActiveAgents.Add(ctx, -1)
				if payload.ForcedStop {
					metrics.AgentForceStops.Add(ctx, 1, otel.WithReason(payload.Reason))
				}
			}
		}
	}
}

func logReloads(ctx context.Context, watcher *config.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			slog.Info("configuration change detected, restart to apply", "path", ev.Path)
		}
	}
}

// submission is one stdin line: a task, a status query, or a control command.
type submission struct {
	Cmd     string `json:"cmd,omitempty"` // "", "status", "force_cleanup", "emergency_stop", "reset_breaker"
	TaskID  string `json:"task_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Payload string `json:"payload,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Wave    string `json:"wave,omitempty"` // force_cleanup: "immediate", "delayed", "archival", or "all"
}

// intake reads JSON lines from stdin until EOF or shutdown, writing one JSON
// response line to stdout per input line.
func intake(
	ctx context.Context,
	proc *processor.Processor,
	reclaimer *cleanup.Scheduler,
	breakers *breaker.Manager,
	agents *lifecycle.Manager,
) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	out := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			var sub submission
			if err := json.Unmarshal([]byte(line), &sub); err != nil {
				_ = out.Encode(map[string]string{"error": "invalid JSON: " + err.Error()})
				continue
			}
			_ = out.Encode(handle(ctx, sub, proc, reclaimer, breakers, agents))
		}
	}
}

func handle(
	ctx context.Context,
	sub submission,
	proc *processor.Processor,
	reclaimer *cleanup.Scheduler,
	breakers *breaker.Manager,
	agents *lifecycle.Manager,
) any {
	switch sub.Cmd {
	case "":
		return proc.Accept(ctx, processor.Task{ID: sub.TaskID, AgentID: sub.AgentID, Payload: sub.Payload})
	case "status":
		st, err := proc.Status(ctx, sub.TaskID)
		if err != nil {
			return map[string]string{"error": err.Error()}
		}
		if st == nil {
			return map[string]string{"task_id": sub.TaskID, "state": "unknown"}
		}
		return st
	case "stats":
		return proc.Stats()
	case "health":
		return map[string]any{
			"lifecycle": agents.Health(),
			"breakers":  breakers.Health(),
			"cleanup": map[string]int{
				"pending_jobs": reclaimer.PendingJobs(),
				"error_count":  reclaimer.ErrorCount(),
			},
		}
	case "force_cleanup":
		if err := reclaimer.ForceCleanup(ctx, sub.TaskID, cleanup.Wave(sub.Wave)); err != nil {
			return map[string]string{"error": err.Error()}
		}
		return map[string]string{"task_id": sub.TaskID, "cleanup": "done"}
	case "reset_breaker":
		if sub.AgentID == "" {
			breakers.ResetAll()
			return map[string]string{"breakers": "reset"}
		}
		if err := breakers.Reset(sub.AgentID); err != nil {
			return map[string]string{"error": err.Error()}
		}
		return map[string]string{"agent_id": sub.AgentID, "breaker": "reset"}
	case "emergency_stop":
		reason := sub.Reason
		if reason == "" {
			reason = "operator request"
		}
		proc.EmergencyStop(reason)
		return map[string]string{"emergency_stop": "engaged", "reason": reason}
	default:
		return map[string]string{"error": "unknown command: " + sub.Cmd}
	}
}
