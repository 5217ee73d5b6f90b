// Package queue hands generation IDs from the API process to worker
// processes through a Redis list.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	popTimeout   = 5 * time.Second
	retryBackoff = time.Second
)

// Handler runs one dequeued generation.
type Handler func(ctx context.Context, generationID string) error

// RedisQueue is a FIFO of generation IDs: LPUSH on dispatch, BRPOP on consume.
type RedisQueue struct {
	rdb    *redis.Client
	key    string
	logger *slog.Logger
	owned  bool
}

// NewRedisQueue connects to the Redis server at url and verifies the
// connection.
func NewRedisQueue(ctx context.Context, url, key string, logger *slog.Logger) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	q := NewRedisQueueFromClient(rdb, key, logger)
	q.owned = true
	return q, nil
}

// NewRedisQueueFromClient wraps an existing client. Close leaves it open.
func NewRedisQueueFromClient(rdb *redis.Client, key string, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &RedisQueue{rdb: rdb, key: key, logger: logger}
}

// Dispatch enqueues a generation ID.
func (q *RedisQueue) Dispatch(ctx context.Context, generationID string) error {
	if err := q.rdb.LPush(ctx, q.key, generationID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", generationID, err)
	}
	q.logger.Debug("generation enqueued", "generation_id", generationID, "queue", q.key)
	return nil
}

// Len returns the number of queued IDs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// Consume pops IDs and runs handle on each, one at a time, until ctx is
// done. Handler errors are logged and do not stop the loop.
func (q *RedisQueue) Consume(ctx context.Context, handle Handler) error {
	q.logger.Info("consuming queue", "queue", q.key)
	for {
		if ctx.Err() != nil {
			return nil
		}

		res, err := q.rdb.BRPop(ctx, popTimeout, q.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Error("dequeue failed", "queue", q.key, "error", err)
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		// res[0] is the list key, res[1] the generation ID.
		id := res[1]
		q.logger.Info("generation dequeued", "generation_id", id)
		if err := handle(ctx, id); err != nil {
			q.logger.Warn("generation handler failed", "generation_id", id, "error", err)
		}
	}
}

// Close closes the Redis client if the queue opened it.
func (q *RedisQueue) Close() error {
	if !q.owned {
		return nil
	}
	return q.rdb.Close()
}
