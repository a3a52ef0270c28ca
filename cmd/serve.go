package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/zm-bad/dagchat/internal/chat"
	"github.com/zm-bad/dagchat/internal/config"
	"github.com/zm-bad/dagchat/internal/httpapi"
	"github.com/zm-bad/dagchat/internal/providers"
	"github.com/zm-bad/dagchat/internal/store"
	mongostore "github.com/zm-bad/dagchat/internal/store/mongo"
	"github.com/zm-bad/dagchat/internal/store/mysql"
	"github.com/zm-bad/dagchat/internal/store/sqlite"
	"github.com/zm-bad/dagchat/internal/telemetry"
)

func runServe() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, "dagchat", cfg.Telemetry.Enabled)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	conversations, err := openConversationStore(cfg)
	if err != nil {
		slog.Error("metadata store open failed", "error", err)
		os.Exit(1)
	}
	defer conversations.Close()

	nodes, err := mongostore.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		slog.Error("node store open failed", "error", err)
		os.Exit(1)
	}
	defer nodes.Close(context.Background())

	registry := buildRegistry(cfg)
	dispatcher := chat.NewDispatcher(conversations, nodes, registry)

	server := httpapi.NewServer(httpapi.Options{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		Version:   Version,
		ChatRPM:   cfg.RateLimit.ChatRPM,
		ChatBurst: cfg.RateLimit.ChatBurst,
	}, dispatcher, conversations, nodes, registry)

	if err := server.Start(ctx); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func openConversationStore(cfg *config.Config) (store.ConversationStore, error) {
	if cfg.IsManaged() {
		slog.Info("metadata store: mysql")
		return mysql.Open(cfg.Database.MySQLDSN)
	}
	slog.Info("metadata store: sqlite (standalone)", "path", cfg.Database.SQLitePath)
	return sqlite.Open(cfg.Database.SQLitePath)
}

func buildRegistry(cfg *config.Config) *providers.Registry {
	registry := providers.NewRegistry()
	registry.Register("deepseek", adapterFactory("deepseek", cfg.Providers.DeepSeek, providers.NewDeepSeek))
	registry.Register("qwen", adapterFactory("qwen", cfg.Providers.Qwen, providers.NewQwen))
	registry.Register("kimi", adapterFactory("kimi", cfg.Providers.Kimi, providers.NewKimi))
	registry.Register("glm", adapterFactory("glm", cfg.Providers.GLM, providers.NewGLM))
	return registry
}

func adapterFactory(name string, pc config.ProviderConfig, build func(apiKey, apiBase string) providers.Adapter) providers.Factory {
	return func() (providers.Adapter, error) {
		if pc.APIKey == "" {
			slog.Warn("provider key missing", "provider", name)
		}
		return build(pc.APIKey, pc.BaseURL), nil
	}
}
