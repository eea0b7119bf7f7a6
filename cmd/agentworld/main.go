// Command agentworld is a minimal smoke driver: it wires storage, the
// tool registry, one provider, and the world Manager together, loads a
// single demo world/agent/chat, publishes one human message, and prints
// every event emitted.
//
// It is not a CLI framework: there is exactly one flag (config path) and
// no subcommands, matching spec §9's scope note that the boundary APIs
// are a library surface, not a product.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/agentworld/core/internal/bus"
	"github.com/agentworld/core/internal/config"
	"github.com/agentworld/core/internal/model"
	"github.com/agentworld/core/internal/observability"
	"github.com/agentworld/core/internal/providers"
	"github.com/agentworld/core/internal/retention"
	"github.com/agentworld/core/internal/storage"
	"github.com/agentworld/core/internal/tools"
	"github.com/agentworld/core/internal/world"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg := &config.Config{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("agentworld: %v", err)
		}
		cfg = loaded
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	logger := observability.NewLogger(observability.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	metrics := observability.NewMetrics()

	ctx := context.Background()

	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("agentworld: open storage: %v", err)
	}

	shellStore := tools.NewShellStore()
	registry := tools.NewRegistry()
	registry.Register(tools.ShellTool(shellStore, "demo-world", "demo-chat"))

	if cfg.Retention.Schedule != "" {
		window := time.Duration(cfg.Retention.WindowMinutes) * time.Minute
		sweeper, err := retention.NewSweeper(shellStore, cfg.Retention.Schedule, window, logger)
		if err != nil {
			log.Fatalf("agentworld: retention sweeper: %v", err)
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	providerSet := buildProviders(ctx, cfg.Providers, logger)
	if len(providerSet) == 0 {
		log.Println("agentworld: no providers configured; demo run will fail LLM calls")
	}

	persistMode := storage.Async
	if cfg.Persistence.Mode == "sync" {
		persistMode = storage.Sync
	}

	mgr := world.NewManager(store, registry, providerSet, metrics, logger, cfg.TurnLimit, persistMode, firstProviderName(cfg.Providers), firstModel(cfg.Providers))

	if err := seedDemoWorld(ctx, store); err != nil {
		log.Fatalf("agentworld: seed demo world: %v", err)
	}

	h, err := mgr.SubscribeWorld(ctx, "demo-world")
	if err != nil {
		log.Fatalf("agentworld: subscribe world: %v", err)
	}

	for _, ch := range []bus.Channel{bus.ChannelMessage, bus.ChannelSSE, bus.ChannelWorld, bus.ChannelSystem} {
		ch := ch
		mgr.SubscribeSSE(h, ch, func(event any) {
			fmt.Fprintf(os.Stdout, "[%s] %+v\n", ch, event)
		})
	}

	mgr.PublishMessage(h, "@demo-agent, hello there", "HUMAN", world.PublishMessageOpts{ChatID: "demo-chat"})

	time.Sleep(2 * time.Second)
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Facade, error) {
	switch cfg.Backend {
	case "sqlite":
		return storage.OpenSQLite(ctx, cfg.SQLite.Path)
	case "postgres":
		pgCfg := storage.DefaultPostgresConfig()
		pgCfg.Host = cfg.Postgres.Host
		pgCfg.Port = cfg.Postgres.Port
		pgCfg.User = cfg.Postgres.User
		pgCfg.Password = config.ResolveAPIKey(cfg.Postgres.Password)
		pgCfg.Database = cfg.Postgres.Database
		pgCfg.SSLMode = cfg.Postgres.SSLMode
		return storage.OpenPostgres(ctx, pgCfg)
	default:
		return storage.NewMemoryFacade(), nil
	}
}

func buildProviders(ctx context.Context, configs []config.ProviderConfig, logger *observability.Logger) map[string]providers.LLMProvider {
	set := make(map[string]providers.LLMProvider)
	for _, pc := range configs {
		apiKey := config.ResolveAPIKey(pc.APIKeyEnv)
		var (
			p   providers.LLMProvider
			err error
		)
		switch pc.Name {
		case "anthropic":
			p, err = providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: apiKey, DefaultModel: pc.Model})
		case "openai":
			p, err = providers.NewOpenAIProvider(providers.OpenAIConfig{APIKey: apiKey, DefaultModel: pc.Model})
		case "bedrock":
			p, err = providers.NewBedrockProvider(ctx, providers.BedrockConfig{Region: pc.Region, DefaultModel: pc.Model})
		case "gemini":
			p, err = providers.NewGeminiProvider(ctx, providers.GeminiConfig{APIKey: apiKey, DefaultModel: pc.Model})
		default:
			logger.Warn("agentworld: unknown provider in config", "name", pc.Name)
			continue
		}
		if err != nil {
			logger.Error("agentworld: failed to construct provider", "name", pc.Name, "error", err)
			continue
		}
		set[pc.Name] = p
	}
	return set
}

func firstProviderName(configs []config.ProviderConfig) string {
	if len(configs) == 0 {
		return ""
	}
	return configs[0].Name
}

func firstModel(configs []config.ProviderConfig) string {
	if len(configs) == 0 {
		return ""
	}
	return configs[0].Model
}

func seedDemoWorld(ctx context.Context, store storage.Facade) error {
	w := &model.World{ID: "demo-world", Name: "Demo World", CurrentChat: "demo-chat"}
	if err := store.SaveWorld(ctx, w); err != nil {
		return err
	}
	a := &model.Agent{
		ID: "demo-agent", WorldID: "demo-world", Name: "Demo Agent",
		Provider: firstProviderNameFallback(), Model: "",
		Temperature: 0.7, MaxTokens: 1024,
		SystemPrompt: "You are a helpful assistant in a world named {{ world_name }}.",
		AutoReply:    true,
	}
	if err := store.SaveAgent(ctx, a); err != nil {
		return err
	}
	c := &model.Chat{ID: "demo-chat", WorldID: "demo-world", Title: model.DefaultChatTitle, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	return store.SaveChat(ctx, c)
}

func firstProviderNameFallback() string { return "anthropic" }
