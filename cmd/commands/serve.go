package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/fawad-mazhar/kxcreation/internal/api/routes"
	"github.com/fawad-mazhar/kxcreation/internal/catalog"
	"github.com/fawad-mazhar/kxcreation/internal/config"
	"github.com/fawad-mazhar/kxcreation/internal/models"
	"github.com/fawad-mazhar/kxcreation/internal/orchestrator"
	"github.com/fawad-mazhar/kxcreation/internal/queue"
	"github.com/fawad-mazhar/kxcreation/internal/stages"
	"github.com/fawad-mazhar/kxcreation/internal/stages/fetcher"
	"github.com/fawad-mazhar/kxcreation/internal/stages/llm"
	"github.com/fawad-mazhar/kxcreation/internal/stages/wechat"
	"github.com/fawad-mazhar/kxcreation/internal/storage"
	"github.com/fawad-mazhar/kxcreation/internal/storage/leveldb"
	"github.com/fawad-mazhar/kxcreation/internal/storage/memory"
	"github.com/fawad-mazhar/kxcreation/internal/storage/postgres"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the HTTP API and the pipeline orchestrator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
			&cli.StringFlag{
				Name:  "store",
				Usage: "Task store driver (memory, leveldb, postgres)",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	setupLogging(cmd)

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// CLI flags override config
	if cmd.IsSet("port") {
		cfg.Server.Port = cmd.String("port")
	}
	if cmd.IsSet("store") {
		cfg.Store.Driver = cmd.String("store")
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	store, cache, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if cache != nil {
		defer cache.Close()
	}

	adapters, err := buildAdapters(ctx, cfg, cache)
	if err != nil {
		return err
	}

	cat, err := catalog.New(cfg.Pipelines, adapters, catalog.Limits{
		MinWordCount: cfg.Content.MinWordCount,
		MaxWordCount: cfg.Content.MaxWordCount,
	})
	if err != nil {
		return fmt.Errorf("bind pipelines: %w", err)
	}

	notifier, err := queue.New(cfg.NATS)
	if err != nil {
		return err
	}
	defer notifier.Close()

	orch := orchestrator.NewOrchestrator(cfg.Orchestrator, store, cat, notifier)
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	srv := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: routes.SetupRouter(routes.Deps{
			Orchestrator: orch,
			Store:        store,
			Catalog:      cat,
			Adapters:     adapters,
			StageTimeout: cfg.StageTimeout,
		}),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: longestStage(cfg) + time.Duration(cfg.Server.WriteTimeout)*time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr, "store", cfg.Store.Driver,
			"pipelines", len(cat.List()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			slog.Error("http server failed", "error", err)
		}
	}

	// Stop taking requests first so no run is submitted mid-shutdown.
	httpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Warn("http server shutdown", "error", err)
	}

	if err := orch.Shutdown(cfg.Orchestrator.ShutdownTimeout); err != nil {
		slog.Error("error during orchestrator shutdown", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// openStore returns the configured TaskStore. The LevelDB client is also
// returned so that it can back the fetch cache.
func openStore(ctx context.Context, cfg *config.Config) (storage.TaskStore, *leveldb.Client, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		db, err := postgres.NewClient(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		return db, nil, nil
	case config.DriverLevelDB:
		client, err := leveldb.NewClient(cfg.LevelDB)
		if err != nil {
			return nil, nil, fmt.Errorf("open leveldb: %w", err)
		}
		return leveldb.NewTaskStore(client), client, nil
	default:
		return memory.NewStore(), nil, nil
	}
}

func buildAdapters(ctx context.Context, cfg *config.Config, cache *leveldb.Client) (catalog.Adapters, error) {
	var f stages.Fetcher = fetcher.New(cfg.Crawler)
	if cache != nil {
		f = fetcher.NewCached(f, cache)
	}

	chatModel, err := llm.NewChatModel(ctx, cfg.LLM, cfg.Timeouts.LLM)
	if err != nil {
		return catalog.Adapters{}, fmt.Errorf("init chat model: %w", err)
	}

	if !cfg.WeChat.Configured() {
		slog.Warn("wechat credentials not set, publish stages will fail")
	}

	return catalog.Adapters{
		Fetcher:   f,
		Analyzer:  llm.NewAnalyzer(chatModel, cfg.LLM.LenientParse),
		Composer:  llm.NewComposer(chatModel, cfg.LLM.LenientParse),
		Publisher: wechat.NewPublisher(cfg.WeChat, &http.Client{Timeout: cfg.Timeouts.Publish}),
	}, nil
}

func longestStage(cfg *config.Config) time.Duration {
	var longest time.Duration
	for _, kind := range []models.StageKind{models.StageFetch, models.StageAnalyze, models.StageCompose, models.StagePublish} {
		longest = max(longest, cfg.StageTimeout(kind))
	}
	return longest
}
