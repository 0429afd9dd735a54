// Package redis implements the job queue on a pair of Redis lists. Records
// move atomically from the pending list to a processing list on Dequeue and
// are removed from it on Delete, so a crashed worker's records can be
// recovered.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/scrape"
)

// Commander is the subset of *goredis.Client the queue uses.
type Commander interface {
	LPush(ctx context.Context, key string, values ...any) *goredis.IntCmd
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *goredis.StringCmd
	RPop(ctx context.Context, key string) *goredis.StringCmd
	LRem(ctx context.Context, key string, count int64, value any) *goredis.IntCmd
	Close() error
}

// Config names the lists and the blocking poll window.
type Config struct {
	Key          string
	PollInterval time.Duration
}

// Queue is a reliable list-based queue.
type Queue struct {
	client     Commander
	key        string
	processing string
	poll       time.Duration
	logger     *zap.Logger
}

type envelope struct {
	ID      string `json:"id"`
	Body    []byte `json:"body"`
	Attempt int    `json:"attempt"`
}

// NewClient connects to the Redis server at rawURL (redis://...).
func NewClient(rawURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return goredis.NewClient(opts), nil
}

// New builds a Queue over client.
func New(client Commander, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Key == "" {
		cfg.Key = "scraper:jobs"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client:     client,
		key:        cfg.Key,
		processing: cfg.Key + ":processing",
		poll:       cfg.PollInterval,
		logger:     logger,
	}, nil
}

// Enqueue pushes item onto the pending list.
func (q *Queue) Enqueue(ctx context.Context, item scrape.QueueItem) error {
	if item.Attempt == 0 {
		item.Attempt = 1
	}
	raw, err := json.Marshal(envelope{ID: item.ID, Body: item.Body, Attempt: item.Attempt})
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", q.key, err)
	}
	return nil
}

// Dequeue moves the oldest pending record to the processing list, polling
// in PollInterval windows until one arrives or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (scrape.QueueItem, error) {
	for {
		if err := ctx.Err(); err != nil {
			return scrape.QueueItem{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		raw, err := q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", q.poll).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return scrape.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return scrape.QueueItem{}, fmt.Errorf("blmove %s: %w", q.key, err)
		}
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			// Unreadable envelopes still reach the worker, which rejects them.
			q.logger.Warn("malformed queue envelope", zap.Error(err))
			return scrape.QueueItem{Body: []byte(raw), Attempt: 1, Receipt: raw}, nil
		}
		return scrape.QueueItem{ID: env.ID, Body: env.Body, Attempt: env.Attempt, Receipt: raw}, nil
	}
}

// Delete removes item from the processing list.
func (q *Queue) Delete(ctx context.Context, item scrape.QueueItem) error {
	n, err := q.client.LRem(ctx, q.processing, 1, item.Receipt).Result()
	if err != nil {
		return fmt.Errorf("lrem %s: %w", q.processing, err)
	}
	if n == 0 {
		return fmt.Errorf("lrem %s: receipt not found", q.processing)
	}
	return nil
}

// Recover moves every record left on the processing list back to the
// pending list with its attempt count bumped. It runs at worker start.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		raw, err := q.client.RPop(ctx, q.processing).Result()
		if errors.Is(err, goredis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("rpop %s: %w", q.processing, err)
		}
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			q.logger.Warn("dropping malformed processing entry", zap.Error(err))
			continue
		}
		env.Attempt++
		if err := q.Enqueue(ctx, scrape.QueueItem{ID: env.ID, Body: env.Body, Attempt: env.Attempt}); err != nil {
			return moved, err
		}
		moved++
	}
}

// Close closes the client.
func (q *Queue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
