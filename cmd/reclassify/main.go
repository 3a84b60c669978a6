// Command reclassify re-runs the classification graph over a user's stored
// applications. Maintenance tool for model or rule-guard updates.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/fairyhunter13/jobmail-tracker/internal/adapter/ai"
	"github.com/fairyhunter13/jobmail-tracker/internal/adapter/cache"
	"github.com/fairyhunter13/jobmail-tracker/internal/adapter/observability"
	"github.com/fairyhunter13/jobmail-tracker/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/jobmail-tracker/internal/classify"
	"github.com/fairyhunter13/jobmail-tracker/internal/config"
	"github.com/fairyhunter13/jobmail-tracker/internal/usecase"
)

func main() {
	userID := flag.Int64("user-id", 0, "user whose applications to reclassify")
	flag.Parse()
	if *userID <= 0 {
		fmt.Fprintln(os.Stderr, "usage: reclassify -user-id <id>")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
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

	appRepo := postgres.NewApplicationRepo(pool)
	reprocRepo := postgres.NewReprocessStateRepo(pool)
	cacheSvc := usecase.NewCacheService(cache.NewRedisL1(cfg.RedisURL), postgres.NewCacheRepo(pool))

	llm := ai.New(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTemperature, cfg.LLMTimeout)
	graph := classify.New(llm, classify.Options{
		BatchSize:                cfg.ClassificationBatchSize,
		BatchConfidenceThreshold: cfg.ClassificationBatchConfThreshold,
		UseBatch:                 cfg.ClassificationUseBatch,
		MaxBatchPromptTokens:     cfg.ClassificationBatchMaxPromptTokens,
	})

	svc := usecase.NewReprocessService(reprocRepo, appRepo, graph, cacheSvc)
	st, err := svc.Run(ctx, *userID)
	if err != nil {
		slog.Error("reclassify failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("reclassify complete",
		slog.Int64("user_id", *userID),
		slog.Int("processed", st.Processed),
		slog.Int("updated", st.Updated),
		slog.Int("errors", st.Errors))
}
