// reel-worker consumes generation IDs from Redis and runs them against the
// video API. It shares the database with the reel server.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/reel/internal/config"
	"github.com/seantiz/reel/internal/engine"
	"github.com/seantiz/reel/internal/queue"
	"github.com/seantiz/reel/internal/store"
	"github.com/seantiz/reel/internal/tracing"
	"github.com/seantiz/reel/internal/veo"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	if cfg.RedisURL == "" {
		log.Fatal("REEL_REDIS_URL is required")
	}
	if cfg.APIKey == "" {
		log.Fatal("an API key is required (REEL_API_KEY, GEMINI_API_KEY or API_KEY)")
	}

	logger.Info("reel-worker: starting", "db_path", cfg.DBPath, "queue", cfg.QueueKey, "model", cfg.Model)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.OTLPEndpoint, "reel-worker")
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	q, err := queue.NewRedisQueue(ctx, cfg.RedisURL, cfg.QueueKey, logger)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer q.Close()

	creds := veo.StaticCredentials(cfg.APIKey)
	provider := veo.NewGenAIProvider(creds, veo.GenAIConfig{
		Model:           cfg.Model,
		Resolution:      cfg.Resolution,
		DownloadTimeout: cfg.DownloadTimeout,
	}, logger)
	client := veo.NewClient(provider, provider,
		veo.WithPollInterval(cfg.PollInterval),
		veo.WithJitter(cfg.PollMaxInterval),
		veo.WithMaxWait(cfg.PollMaxWait),
		veo.WithLogger(logger),
	)

	eng := engine.NewEngine(db, client, logger, engine.WithModel(provider.Model()))
	if _, err := eng.Recover(ctx, cfg.RecoverAfter); err != nil {
		log.Fatalf("failed to recover generations: %v", err)
	}

	if err := q.Consume(ctx, eng.Run); err != nil {
		log.Fatalf("consume: %v", err)
	}
	logger.Info("reel-worker: stopped")
}
