package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Strob0t/curator/internal/adapter/chromem"
	"github.com/Strob0t/curator/internal/adapter/custom"
	"github.com/Strob0t/curator/internal/adapter/discord"
	cfhttp "github.com/Strob0t/curator/internal/adapter/http"
	"github.com/Strob0t/curator/internal/adapter/memory"
	cfnats "github.com/Strob0t/curator/internal/adapter/nats"
	"github.com/Strob0t/curator/internal/adapter/natskv"
	"github.com/Strob0t/curator/internal/adapter/openai"
	cfotel "github.com/Strob0t/curator/internal/adapter/otel"
	"github.com/Strob0t/curator/internal/adapter/postgres"
	"github.com/Strob0t/curator/internal/adapter/ristretto"
	"github.com/Strob0t/curator/internal/adapter/slack"
	"github.com/Strob0t/curator/internal/adapter/telegram"
	"github.com/Strob0t/curator/internal/adapter/tiered"
	"github.com/Strob0t/curator/internal/adapter/twitter"
	"github.com/Strob0t/curator/internal/adapter/ws"
	"github.com/Strob0t/curator/internal/config"
	"github.com/Strob0t/curator/internal/domain/agent"
	"github.com/Strob0t/curator/internal/domain/content"
	"github.com/Strob0t/curator/internal/logger"
	"github.com/Strob0t/curator/internal/port/broadcast"
	"github.com/Strob0t/curator/internal/port/cache"
	"github.com/Strob0t/curator/internal/port/database"
	"github.com/Strob0t/curator/internal/port/embedding"
	"github.com/Strob0t/curator/internal/port/executor"
	"github.com/Strob0t/curator/internal/port/notifier"
	"github.com/Strob0t/curator/internal/resilience"
	"github.com/Strob0t/curator/internal/service"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

type itemIndexer interface {
	IndexItem(ctx context.Context, item *content.Item) error
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	cfg, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(logger.New(cfg.Logging))

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"store", cfg.Store.Driver,
		"log_level", cfg.Logging.Level,
		"scheduler", cfg.Scheduler.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability ---

	shutdownOtel, err := cfotel.Init(ctx, cfg.OTEL, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := ws.NewHub(originPatterns(cfg.Server.CORSOrigin)...)
	defer hub.Close()

	var publisher *cfnats.Publisher
	if cfg.NATS.URL != "" {
		publisher, err = cfnats.Connect(ctx, cfg.NATS)
		if err != nil {
			// Events and the shared seen cache are optional; run without them.
			slog.Warn("nats unavailable, continuing without event publishing", "error", err)
			publisher = nil
		} else {
			defer func() { _ = publisher.Close() }()
			slog.Info("nats connected", "url", cfg.NATS.URL)
		}
	}

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer l1.Close()
	var seen cache.Cache = l1
	if publisher != nil {
		kv, err := publisher.KeyValue(ctx, cfg.Cache.KVBucket, cfg.Cache.SeenTTL)
		if err != nil {
			slog.Warn("seen cache kv bucket unavailable, using in-process cache only", "error", err)
		} else {
			seen = tiered.New(l1, natskv.New(kv), cfg.Cache.L1TTL)
		}
	}

	// --- Broadcasting ---

	broadcasters := broadcast.Multi{hub}
	if publisher != nil {
		broadcasters = append(broadcasters, publisher)
	}
	var notifiers []notifier.Notifier
	if tg, err := telegram.NewNotifier(cfg.Telegram); err == nil {
		notifiers = append(notifiers, tg)
	} else if !errors.Is(err, notifier.ErrNotConfigured) {
		return fmt.Errorf("telegram: %w", err)
	}
	if sl, err := slack.NewNotifier(cfg.Webhooks.SlackURL); err == nil {
		notifiers = append(notifiers, sl)
	}
	if dc, err := discord.NewNotifier(cfg.Webhooks.DiscordURL); err == nil {
		notifiers = append(notifiers, dc)
	}
	if len(notifiers) > 0 {
		broadcasters = append(broadcasters, service.NewNotificationService(notifiers, cfg.Telegram.Events))
	}

	// --- Embeddings ---

	var (
		indexer itemIndexer
		search  cfhttp.ItemSearcher
	)
	if cfg.Embedding.Enabled {
		var providers []embedding.Provider
		if cfg.Embedding.OpenAIKey != "" {
			p, err := openai.NewProvider(cfg.Embedding)
			if err != nil {
				return fmt.Errorf("openai: %w", err)
			}
			providers = append(providers, p)
		}
		providers = append(providers, chromem.NewOllamaProvider(cfg.Embedding))
		embedSvc := service.NewEmbeddingService(providers...)

		index, err := chromem.NewIndex(cfg.Embedding.Collection, cfg.Embedding.PersistDir, embedSvc.Embed)
		if err != nil {
			return fmt.Errorf("vector index: %w", err)
		}
		embedSvc.SetIndexer(index)
		indexer, search = embedSvc, index
		slog.Info("embedding enabled", "providers", len(providers), "indexed", index.Count())
	}

	// --- Executors ---

	registry := executor.NewRegistry()
	registry.Register(string(agent.TypeTwitter), twitter.NewExecutor(twitter.NewClient(cfg.Twitter), store, twitter.Options{
		MaxResults:   cfg.Twitter.MaxResults,
		Placeholders: cfg.Twitter.Placeholders,
		SeenTTL:      cfg.Cache.SeenTTL,
		Seen:         seen,
		Indexer:      indexer,
	}))
	registry.Register(string(agent.TypeCustom), custom.NewExecutor(
		custom.NewFetcher(30*time.Second, resilience.DefaultRetryPolicy()), store, indexer))
	slog.Info("executors registered", "types", registry.Types())

	// --- Services ---

	engine := service.NewEngine(store, registry, broadcasters, cfg.Engine)
	engine.SetMetrics(metrics)

	scheduler := service.NewScheduler(store, engine, cfg.Scheduler, cfg.Engine.StuckThreshold)
	scheduledSvc := service.NewScheduledAgentService(store, engine, broadcasters, cfg.Scheduler)
	scheduledSvc.SetMetrics(metrics)
	if cfg.Scheduler.Enabled {
		scheduler.Start(ctx)
		if err := scheduledSvc.Start(ctx); err != nil {
			return fmt.Errorf("scheduled agents: %w", err)
		}
	}

	// --- HTTP ---

	handlers := &cfhttp.Handlers{
		Agents:    service.NewAgentService(store, registry),
		Engine:    engine,
		Scheduled: scheduledSvc,
		Registry:  registry,
		Search:    search,
		BodyLimit: cfg.Server.BodyLimit,
	}

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           cfhttp.NewRouter(cfg.Server, handlers, hub.HandleWS),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
	defer cancel()

	scheduler.Stop()
	scheduledSvc.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		slog.Warn("runs still in flight at shutdown were cancelled", "error", err)
	}
	return nil
}

// openStore returns the configured store and its cleanup function. The
// postgres store is migrated on startup.
func openStore(ctx context.Context, cfg *config.Config) (database.Store, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		slog.Warn("using in-memory store, data is lost on restart")
		return memory.NewStore(), func() {}, nil
	default:
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		slog.Info("postgres connected, migrations applied")
		return postgres.NewStore(pool), pool.Close, nil
	}
}

// originPatterns turns the CORS origin into a websocket origin pattern.
func originPatterns(origin string) []string {
	if origin == "" {
		return nil
	}
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		return []string{u.Host}
	}
	return []string{origin}
}
