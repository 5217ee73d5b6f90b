package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/seantiz/reel/internal/api"
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

	logger.Info("reel: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"model", cfg.Model,
		"queue", cfg.RedisURL != "",
	)

	shutdownTracing, err := tracing.Init(context.Background(), cfg.OTLPEndpoint, "reel")
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	// The key from configuration is only a preselection; clients may replace
	// it through PUT /v1/credentials.
	creds := veo.NewSelectableCredentials(cfg.APIKey)
	if !creds.HasSelected() {
		logger.Warn("no API key configured; waiting for PUT /v1/credentials")
	}

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

	opts := []engine.Option{
		engine.WithModel(provider.Model()),
		engine.WithCredentialRejected(creds.Clear),
	}

	var q *queue.RedisQueue
	if cfg.RedisURL != "" {
		q, err = queue.NewRedisQueue(context.Background(), cfg.RedisURL, cfg.QueueKey, logger)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer q.Close()
		opts = append(opts, engine.WithDispatcher(q))
	}

	eng := engine.NewEngine(db, client, logger, opts...)
	defer eng.Shutdown()

	// Without a queue this process is the only runner, so anything still in
	// flight was orphaned by the previous run.
	staleAfter := time.Duration(0)
	if q != nil {
		staleAfter = cfg.RecoverAfter
	}
	if _, err := eng.Recover(context.Background(), staleAfter); err != nil {
		log.Fatalf("failed to recover generations: %v", err)
	}

	if q != nil && cfg.Worker {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := q.Consume(ctx, eng.Run); err != nil {
				logger.Error("queue consumer stopped", "error", err)
			}
		}()
		// Runs before eng.Shutdown and db.Close.
		defer func() {
			cancel()
			<-done
		}()
	}

	srv := api.NewServer(cfg.ListenAddr, db, eng, creds, logger)
	if q != nil {
		srv.SetQueue(q)
	}

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
