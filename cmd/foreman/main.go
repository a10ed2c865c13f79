package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/foreman/internal/agentruntime"
	"github.com/antigravity-dev/foreman/internal/config"
	"github.com/antigravity-dev/foreman/internal/executor"
	"github.com/antigravity-dev/foreman/internal/health"
	"github.com/antigravity-dev/foreman/internal/llm"
	"github.com/antigravity-dev/foreman/internal/services"
	"github.com/antigravity-dev/foreman/internal/store"
	"github.com/antigravity-dev/foreman/internal/telemetry"
)

const defaultConfigPath = "foreman.toml"

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// buildRuntime wires the provider-facing pieces. Dry-run gets a simulated
// runtime and no completer, so every component takes its deterministic
// path. Otherwise one shared chat client backs both the agent runtime and
// the enhancement completer.
func buildRuntime(cfg *config.Config, dryRun bool, logger *slog.Logger) (agentruntime.Runtime, llm.Completer, error) {
	if dryRun {
		logger.Info("dry-run mode, provider calls disabled")
		return agentruntime.NewSimulated(logger), nil, nil
	}
	if strings.TrimSpace(cfg.AI.APIKey) == "" {
		return nil, nil, fmt.Errorf("no API key configured (set OPENAI_API_KEY or use -dry-run)")
	}

	clientCfg := openai.DefaultConfig(cfg.AI.APIKey)
	if cfg.AI.BaseURL != "" {
		clientCfg.BaseURL = cfg.AI.BaseURL
	}
	chat := openai.NewClientWithConfig(clientCfg)

	completer, err := llm.New(llm.Options{Client: chat, DefaultModel: cfg.AI.EnhancementModel})
	if err != nil {
		return nil, nil, err
	}
	runtime, err := agentruntime.NewOpenAI(chat, cfg.AI.EnhancementModel, agentruntime.NewRegistry(), logger)
	if err != nil {
		return nil, nil, err
	}
	return runtime, completer, nil
}

// waitForDrain polls until the executor has no queued or active work, the
// timeout passes, or ctx is cancelled.
func waitForDrain(ctx context.Context, exec *executor.Executor, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st := exec.Stats()
		if st.QueueDepth == 0 && st.Active == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to config file")
	once := flag.Bool("once", false, "run a single reconcile cycle then exit")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	dryRun := flag.Bool("dry-run", false, "run the orchestration loops without calling the AI provider")
	flag.Parse()

	_ = godotenv.Load(".env")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	logger.Info("foreman starting", "config", *configPath)

	// The default config file is optional; a named one is not.
	loadPath := *configPath
	if loadPath == defaultConfigPath {
		if _, err := os.Stat(loadPath); os.IsNotExist(err) {
			loadPath = ""
		}
	}
	cfg, err := config.Load(loadPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfgManager := config.NewManager(cfg)

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	lockPath := "/tmp/foreman.lock"
	if cfg.General.LockFile != "" {
		lockPath = config.ExpandHome(cfg.General.LockFile)
	}
	lockFile, err := health.AcquireFlock(lockPath)
	if err != nil {
		logger.Error("failed to acquire lock", "error", err)
		os.Exit(1)
	}
	defer health.ReleaseFlock(lockFile)

	dbPath := config.ExpandHome(cfg.General.StateDB)
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Error("failed to open store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	runtime, completer, err := buildRuntime(cfg, *dryRun, logger)
	if err != nil {
		logger.Error("failed to configure agent runtime", "error", err)
		os.Exit(1)
	}

	svc, err := services.Build(services.Options{
		Config:    cfg,
		Store:     st,
		Runtime:   runtime,
		Completer: completer,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to build services", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	if url := strings.TrimSpace(cfg.Telemetry.NATSURL); url != "" {
		sink, err := telemetry.ConnectNATS(url, cfg.Telemetry.SubjectPrefix, logger)
		if err != nil {
			logger.Warn("event broadcaster unavailable", "url", url, "error", err)
		} else {
			svc.Hub.AddSink(sink)
			defer sink.Close()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		logger.Info("running single reconcile cycle (-once mode)")
		if !cfg.Executor.Disabled {
			svc.Executor.Start(ctx)
		}
		if err := svc.Monitor.RunCycle(ctx); err != nil {
			logger.Error("reconcile cycle failed", "error", err)
		}
		if !cfg.Executor.Disabled {
			waitForDrain(ctx, svc.Executor, 30*time.Second)
			svc.Executor.Stop()
		}
		logger.Info("single cycle complete, exiting")
		return
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Executor.Disabled {
		logger.Info("task executor disabled")
	} else {
		svc.Executor.Start(gctx)
		g.Go(func() error {
			<-gctx.Done()
			svc.Executor.Stop()
			return nil
		})
	}

	g.Go(func() error {
		svc.Monitor.Run(gctx)
		return nil
	})

	// Without goal-driven monitoring nothing else sweeps workspace health.
	if !cfg.Monitor.GoalDriven {
		interval := cfg.Monitor.ValidationInterval.Duration
		g.Go(func() error {
			svc.Health.Run(gctx, interval)
			return nil
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	var shutdownStart time.Time
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGHUP:
					if err := cfgManager.Reload(loadPath); err != nil {
						logger.Error("config reload failed", "error", err)
						continue
					}
					reloaded := cfgManager.Get()
					logger = configureLogger(reloaded.General.LogLevel, *dev)
					slog.SetDefault(logger)
					logger.Info("config reloaded")
				default:
					shutdownStart = time.Now()
					logger.Info("received signal, shutting down", "signal", sig.String())
					cancel()
					return nil
				}
			}
		}
	})

	logger.Info("foreman running",
		"state_db", dbPath,
		"workers", svc.Executor.Stats().Workers,
		"goal_driven", cfg.Monitor.GoalDriven,
		"validation_interval", cfg.Monitor.ValidationInterval.Duration.String(),
		"dry_run", *dryRun,
	)

	if err := g.Wait(); err != nil {
		logger.Error("daemon stopped with error", "error", err)
		os.Exit(1)
	}
	if !shutdownStart.IsZero() {
		logger.Info("foreman stopped", "shutdown_duration", time.Since(shutdownStart).String())
	} else {
		logger.Info("foreman stopped")
	}
}
