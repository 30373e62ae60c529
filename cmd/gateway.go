package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nextlevelbuilder/goclaw/internal/agentrpc"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels/feishu"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/gateway"
	"github.com/nextlevelbuilder/goclaw/internal/question"
	"github.com/nextlevelbuilder/goclaw/internal/recall"
	"github.com/nextlevelbuilder/goclaw/internal/routing"
	"github.com/nextlevelbuilder/goclaw/internal/sessionstate"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/telemetry"
)

// runGateway loads config, dials the agent backend, wires the Gateway and
// its registered channels, and blocks until SIGINT/SIGTERM.
func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("failed to set up telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	agentClient, err := agentrpc.Dial(ctx, cfg.Gateway.AgentBackendURL, cfg.KnownAgentIDs())
	if err != nil {
		slog.Error("failed to dial agent backend", "url", cfg.Gateway.AgentBackendURL, "error", err)
		os.Exit(1)
	}
	defer agentClient.Close()

	sessionMgr := sessionstate.NewManager(agentClient, sessionstate.Options{})
	router := routing.NewRouter(cfg.ResolveDefaultAgentID())
	questions := question.New(agentClient)
	msgBus := bus.NewMessageBus()

	recallStore, closeRecall, err := newRecallStore(cfg.Gateway.RecallDBPath)
	if err != nil {
		slog.Error("failed to open recall store", "error", err)
		os.Exit(1)
	}
	if closeRecall != nil {
		defer closeRecall()
	}

	gw := gateway.New(router, sessionMgr, agentClient, questions, recallStore, msgBus, gateway.Options{
		DefaultAgentID:     cfg.ResolveDefaultAgentID(),
		DefaultProjectPath: cfg.ResolveDefaultProjectPath(),
		MaxConcurrency:     cfg.Gateway.MaxConcurrency,
	})

	if cfg.Channels.Feishu.Enabled {
		pairingStore := store.NewMemoryPairingStore()
		ch, err := feishu.New(cfg.Channels.Feishu, msgBus, pairingStore)
		if err != nil {
			slog.Error("failed to construct feishu channel", "error", err)
			os.Exit(1)
		}
		gw.RegisterChannel(ch)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := gw.Start(ctx); err != nil {
		slog.Error("gateway failed to start", "error", err)
		os.Exit(1)
	}
	slog.Info("goclaw gateway started", "version", Version, "agent_backend", cfg.Gateway.AgentBackendURL)

	sig := <-sigCh
	slog.Info("graceful shutdown initiated", "signal", sig)

	stopCtx, stopCancel := context.WithCancel(context.Background())
	defer stopCancel()
	if err := gw.Stop(stopCtx); err != nil {
		slog.Warn("gateway stop reported an error", "error", err)
	}
}

// newRecallStore opens a durable SQLite-backed recall.Store when path is
// set, otherwise falls back to an in-process recall.MemoryStore.
func newRecallStore(path string) (recall.Store, func(), error) {
	if path == "" {
		return recall.NewMemoryStore(), nil, nil
	}
	s, err := recall.OpenSQLiteStore(path)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { s.Close() }, nil
}
