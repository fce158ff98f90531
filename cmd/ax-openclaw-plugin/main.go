package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ax-platform/ax-openclaw-plugin/internal/agents"
	"github.com/ax-platform/ax-openclaw-plugin/internal/config"
	"github.com/ax-platform/ax-openclaw-plugin/internal/dispatch"
	"github.com/ax-platform/ax-openclaw-plugin/internal/journal"
	"github.com/ax-platform/ax-openclaw-plugin/internal/lock"
	"github.com/ax-platform/ax-openclaw-plugin/internal/log"
	"github.com/ax-platform/ax-openclaw-plugin/internal/notify"
	"github.com/ax-platform/ax-openclaw-plugin/internal/session"
	"github.com/ax-platform/ax-openclaw-plugin/internal/state"
	"github.com/ax-platform/ax-openclaw-plugin/internal/webhook"
	"github.com/ax-platform/ax-openclaw-plugin/internal/worker"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "check":
		os.Exit(runCheck(args))
	case "journal":
		os.Exit(runJournal(args))
	case "version":
		fmt.Printf("ax-openclaw-plugin version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`ax-openclaw-plugin - Webhook dispatch bridge for ax platform agents

Usage:
  ax-openclaw-plugin <command> [flags]

Commands:
  start     Run the webhook service in the foreground
  check     Validate configuration and the agent registry
  journal   Show recent dispatch outcomes from the audit journal
  version   Show version information
  help      Show this help message
`)
}

func loadConfig(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfig()
		if err != nil {
			return nil, "", err
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	return cfg, configPath, err
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, resolvedPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("ax-openclaw-plugin starting", "version", version, "config", resolvedPath)

	pidLock, err := lock.Acquire(cfg.Service.PIDFile)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)",
			"path", cfg.Service.PIDFile, "error", err)
		return 1
	}
	defer pidLock.Release()

	registry, err := agents.LoadFile(cfg.AgentsFile)
	if err != nil {
		logger.Error("failed to load agent registry", "path", cfg.AgentsFile, "error", err)
		return 1
	}

	var jnl *journal.Journal
	if cfg.JournalPath != "" {
		jnl, err = journal.Open(context.Background(), cfg.JournalPath)
		if err != nil {
			logger.Error("failed to open dispatch journal", "path", cfg.JournalPath, "error", err)
			return 1
		}
		defer jnl.Close()
		logger.Info("dispatch journal opened", "path", cfg.JournalPath)
	}

	if cfg.Worker.Command == "" {
		logger.Error("worker.command is not configured")
		return 1
	}

	tracker := state.NewTracker(cfg.Dedupe.TimeoutThreshold, cfg.Dedupe.StateTTL, cfg.Dedupe.SweepInterval)
	sessions := session.NewRegistry(cfg.Session.EvictGrace)
	invoker := worker.NewSubprocess(cfg.Worker.Command, cfg.Worker.Args, cfg.Worker.Timeout)
	notifier := notify.NewClient(cfg.Callback.RetryAttempts, cfg.Callback.RetryDelay)

	manager := dispatch.New(dispatch.Deps{
		Config:   cfg,
		Agents:   registry,
		Tracker:  tracker,
		Sessions: sessions,
		Invoker:  invoker,
		Notifier: notifier,
		Journal:  jnl,
	})

	server := webhook.New(cfg, registry, manager)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	go func() {
		if err := tracker.Run(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("state sweeper: %w", err)
		}
	}()

	go func() {
		if err := server.Start(ctx); err != nil && err != context.Canceled {
			errCh <- fmt.Errorf("webhook: %w", err)
		}
	}()

	logger.Info("ax-openclaw-plugin running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		exitCode = 1
	}

	// Let detached async dispatches send their completion callbacks.
	done := make(chan struct{})
	go func() {
		manager.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("async dispatches still running at shutdown, abandoning")
	}

	logger.Info("ax-openclaw-plugin stopped")
	return exitCode
}

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, resolvedPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	fmt.Printf("config OK: %s\n", resolvedPath)

	registry, err := agents.LoadFile(cfg.AgentsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Agent registry error: %v\n", err)
		return 1
	}
	fmt.Printf("agents OK: %s (%d registered)\n", cfg.AgentsFile, registry.Len())

	if cfg.Worker.Command == "" {
		fmt.Fprintln(os.Stderr, "Warning: worker.command is not set; 'start' will refuse to run")
		return 2
	}
	if _, err := os.Stat(cfg.Worker.Command); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: worker command %q not found: %v\n", cfg.Worker.Command, err)
		return 2
	}
	fmt.Printf("worker OK: %s\n", cfg.Worker.Command)
	return 0
}

func runJournal(args []string) int {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Maximum entries to show")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	if cfg.JournalPath == "" {
		fmt.Fprintln(os.Stderr, "journal_path is not configured")
		return 1
	}

	jnl, err := journal.Open(context.Background(), cfg.JournalPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer jnl.Close()

	entries, err := jnl.Recent(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read journal: %v\n", err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Println("no dispatches recorded")
		return 0
	}

	for _, e := range entries {
		fmt.Printf("%s  %-5s %-9s agent=%s space=%s tools=%d %dms %s\n",
			e.CreatedAt.Format(time.RFC3339), e.Mode, e.Outcome,
			e.AgentID, e.SpaceID, e.ToolCalls, e.DurationMS, e.DispatchID)
	}
	return 0
}
