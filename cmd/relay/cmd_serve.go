package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/relay/internal/audit"
	"github.com/user/relay/internal/callout"
	"github.com/user/relay/internal/config"
	"github.com/user/relay/internal/dispatch"
	"github.com/user/relay/internal/extract"
	"github.com/user/relay/internal/fanout"
	"github.com/user/relay/internal/history"
	"github.com/user/relay/internal/notify"
	"github.com/user/relay/internal/scheduler"
	"github.com/user/relay/internal/session"
	"github.com/user/relay/internal/state"
	"github.com/user/relay/internal/stream"
	"github.com/user/relay/internal/types"
	"github.com/user/relay/internal/webhook"
	"github.com/user/relay/pkg/llm"
	"github.com/user/relay/pkg/llm/openai"
)

const shutdownTimeout = 30 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay daemon",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores
	cases := state.NewCaseStore(cfg.DataDir)
	transcripts := state.NewTranscriptStore(cfg.DataDir)
	auditLog := audit.New(state.NewAuditStore(cfg.DataDir))

	bus, closeBus, err := newBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBus()

	extractor, err := newExtractor(cfg)
	if err != nil {
		return err
	}
	lookup, caller := newActions(cfg)

	dispatcher := dispatch.New(cases, auditLog, bus, lookup, caller, int64(cfg.Dispatch.MaxConcurrent))
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	manager := session.NewManager(cases, transcripts, bus, extractor, dispatcher, session.Config{
		WordThreshold: cfg.Extraction.WordThreshold,
		MaxInterval:   config.Duration(cfg.Extraction.MaxInterval, session.DefaultMaxInterval),
	})

	// HTTP surface: webhooks and case API behind the timeout, sockets outside it
	streams := stream.NewHandler(stream.ManagerOpener(manager), bus)
	srv := webhook.NewServer(webhook.Config{
		APIKey:         cfg.HTTP.APIKey,
		RequestTimeout: config.Duration(cfg.HTTP.RequestTimeout, 0),
	}, cases, transcripts, auditLog, bus, streams.Routes)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Notifications
	registry := notify.NewRegistry()
	registry.Register("log:", notify.LogHandler)
	var tg *notify.Telegram
	if cfg.Telegram.Token != "" {
		tg, err = notify.NewTelegram(cfg.Telegram.Token, cases)
		if err != nil {
			return fmt.Errorf("create telegram bot: %w", err)
		}
		registry.Register("telegram:", tg.Deliver)
	} else {
		slog.Warn("telegram notifications disabled (no token)")
	}
	notifier := notify.NewNotifier(bus, registry, cfg.NotifyTargets())

	// Scheduler
	sched := scheduler.New(cases, manager, cfg.Sweep.Schedule, config.Duration(cfg.Sweep.StaleAfter, 0))
	if err := sched.Add("dispatch-inflight", "@every 1m", func(context.Context) {
		if tasks := dispatcher.InFlight(); len(tasks) > 0 {
			slog.Info("downstream actions in flight", "count", len(tasks))
		}
	}); err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server started", "listen", cfg.HTTP.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return notifier.Run(gctx) })
	if tg != nil {
		g.Go(func() error {
			tg.Start(gctx)
			return nil
		})
	}

	slog.Info("relay started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"dummy_mode", cfg.DummyMode,
		"max_concurrent", cfg.Dispatch.MaxConcurrent,
		"word_threshold", cfg.Extraction.WordThreshold,
		"calls_enabled", cfg.Voice.CallsEnabled,
		"pid_file", pidPath,
	)

	shutdown := func() error {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()

		if err := httpServer.Shutdown(sctx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		manager.CloseAll(sctx)
		if err := dispatcher.Wait(sctx); err != nil {
			slog.Warn("downstream actions still running at shutdown", "error", err)
		}
		cancel()
		return g.Wait()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case <-gctx.Done():
		slog.Error("component failed, shutting down")
		return shutdown()
	case sig := <-sigChan:
		slog.Info("shutting down", "signal", sig)
		err := shutdown()
		if sig != syscall.SIGHUP {
			return err
		}
		return reexec(cfg.DataDir, pidPath)
	}
}

// reexec replaces the process with a fresh copy of itself.
func reexec(dataDir, pidPath string) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}
	os.Remove(pidPath)
	if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
		if _, werr := writePIDFile(dataDir); werr != nil {
			slog.Error("failed to re-write PID file", "error", werr)
		}
		return fmt.Errorf("re-exec: %w", err)
	}
	return nil
}

// newBus returns the Pub/Sub bus when a project and topic are configured,
// otherwise the in-process bus.
func newBus(ctx context.Context, cfg *config.Config) (fanout.Bus, func(), error) {
	ps := cfg.Fanout.PubSub
	if ps.ProjectID == "" || ps.Topic == "" {
		slog.Info("using in-process event fanout")
		return fanout.NewMemoryBus(cfg.Fanout.QueueSize), func() {}, nil
	}

	broker, err := fanout.NewGCPBroker(ctx, ps.ProjectID, ps.Topic)
	if err != nil {
		return nil, nil, fmt.Errorf("connect pubsub: %w", err)
	}
	bus := fanout.NewPubSubBus(broker, ps.SubscriptionPrefix, cfg.Fanout.QueueSize)
	slog.Info("using pubsub event fanout", "project", ps.ProjectID, "topic", ps.Topic)
	return bus, func() {
		bus.Close()
		if err := broker.Close(); err != nil {
			slog.Warn("close pubsub broker", "error", err)
		}
	}, nil
}

func newExtractor(cfg *config.Config) (extract.Extractor, error) {
	if cfg.DummyMode || cfg.LLM.APIKey == "" {
		slog.Info("using keyword extractor", "dummy_mode", cfg.DummyMode)
		return extract.KeywordExtractor{}, nil
	}
	prompts, err := extract.NewPromptEngine(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return nil, fmt.Errorf("create prompt engine: %w", err)
	}
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})
	slog.Info("using llm extractor", "model", cfg.LLM.Model)
	return extract.NewLLMExtractor(provider, prompts), nil
}

func newActions(cfg *config.Config) (types.HistoryLookup, types.ProviderCaller) {
	if cfg.DummyMode {
		slog.Info("dummy mode: downstream actions are simulated")
		return history.DummyLookup{Delay: 500 * time.Millisecond}, callout.DummyCaller{}
	}
	lookup := history.NewClient(cfg.FHIR.BaseURLs)
	caller := callout.New(callout.Config{
		BaseURL:        cfg.Voice.BaseURL,
		APIKey:         cfg.Voice.APIKey,
		AgentID:        cfg.Voice.AgentID,
		PhoneNumberID:  cfg.Voice.PhoneNumberID,
		CallsEnabled:   cfg.Voice.CallsEnabled,
		CallbackNumber: cfg.Voice.CallbackNumber,
		RecordsEmail:   cfg.Voice.RecordsEmail,
		Resolver:       newResolver(cfg),
	})
	return lookup, caller
}

// newResolver returns nil when no lookup key is configured, which leaves
// name-only provider contacts as lookup_failed.
func newResolver(cfg *config.Config) callout.PhoneResolver {
	if cfg.Voice.LookupAPIKey == "" {
		return nil
	}
	return callout.NewContactResolver(openai.New(&llm.Config{
		BaseURL: strings.TrimRight(cfg.Voice.LookupBaseURL, "/"),
		APIKey:  cfg.Voice.LookupAPIKey,
		Model:   cfg.Voice.LookupModel,
	}))
}
