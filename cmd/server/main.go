// Command server starts the job-application mail tracker HTTP server and
// ingestion pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fairyhunter13/jobmail-tracker/internal/adapter/ai"
	"github.com/fairyhunter13/jobmail-tracker/internal/adapter/cache"
	"github.com/fairyhunter13/jobmail-tracker/internal/adapter/httpserver"
	"github.com/fairyhunter13/jobmail-tracker/internal/adapter/mailbox"
	"github.com/fairyhunter13/jobmail-tracker/internal/adapter/observability"
	"github.com/fairyhunter13/jobmail-tracker/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/jobmail-tracker/internal/adapter/tokenvault"
	"github.com/fairyhunter13/jobmail-tracker/internal/app"
	"github.com/fairyhunter13/jobmail-tracker/internal/classify"
	"github.com/fairyhunter13/jobmail-tracker/internal/config"
	"github.com/fairyhunter13/jobmail-tracker/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET is required")
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	userRepo := postgres.NewUserRepo(pool)
	appRepo := postgres.NewApplicationRepo(pool)
	syncRepo := postgres.NewSyncStateRepo(pool)
	reprocRepo := postgres.NewReprocessStateRepo(pool)
	cacheRepo := postgres.NewCacheRepo(pool)
	oauthRepo := postgres.NewOAuthStateRepo(pool)
	ingestStore := postgres.NewIngestStore(pool)

	// L1 cache is optional; a missing Redis only costs speed.
	l1 := cache.NewRedisL1(cfg.RedisURL)
	cacheSvc := usecase.NewCacheService(l1, cacheRepo)

	// Mailbox access: OAuth config, token vault, per-worker client factory.
	oauthCfg := app.NewOAuthConfig(cfg)
	vault := tokenvault.New(cfg.TokenDir, cfg.TokenPath, oauthCfg)
	clientFactory := app.NewMailboxFactory(cfg, vault, oauthCfg)

	// Classification graph
	llm := ai.New(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTemperature, cfg.LLMTimeout)
	graph := classify.New(llm, classify.Options{
		BatchSize:                cfg.ClassificationBatchSize,
		BatchConfidenceThreshold: cfg.ClassificationBatchConfThreshold,
		UseBatch:                 cfg.ClassificationUseBatch,
		MaxBatchPromptTokens:     cfg.ClassificationBatchMaxPromptTokens,
	})

	// Full-sync query set, optionally overridden from YAML.
	var queryTemplates []string
	if cfg.QueriesFile != "" {
		queryTemplates, err = mailbox.LoadQueryTemplates(cfg.QueriesFile)
		if err != nil {
			slog.Error("query template file invalid", slog.Any("error", err))
			os.Exit(1)
		}
	}

	ingestor := usecase.NewIngestor(graph, cacheSvc, ingestStore,
		cfg.IngestionWorkers, cfg.IngestionBatchSize, cfg.BatchCommitSize)
	bus := usecase.NewBroadcaster()
	coordinator := usecase.NewSyncCoordinator(usecase.CoordinatorConfig{
		HistoryPageSize:     cfg.MailboxHistoryPageSize,
		ListPageSize:        cfg.MailboxListPageSize,
		FullSyncMaxPerQuery: cfg.FullSyncMaxPerQuery,
		FullSyncDaysBack:    cfg.FullSyncDaysBack,
		FullSyncAfterDate:   cfg.FullSyncAfterDate,
		IgnoreLastSynced:    cfg.IgnoreLastSynced,
		FetchWorkers:        cfg.FetchWorkers,
		QueryTemplates:      queryTemplates,
	}, syncRepo, appRepo, vault, clientFactory, ingestor, bus)
	reprocess := usecase.NewReprocessService(reprocRepo, appRepo, graph, cacheSvc)

	srv := &httpserver.Server{
		Cfg:             cfg,
		Users:           userRepo,
		States:          oauthRepo,
		Vault:           vault,
		Coordinator:     coordinator,
		Reprocess:       reprocess,
		Tokens:          httpserver.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL()),
		OAuthCfg:        oauthCfg,
		DefaultRedirect: cfg.PostAuthRedirectURL,
	}

	router := app.NewRouter(cfg, srv)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go func() {
		slog.Info("server listening", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", slog.Any("error", err))
	}
	coordinator.Wait()
	reprocess.Wait()
}
