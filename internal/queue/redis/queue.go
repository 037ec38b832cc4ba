// Package redis implements the lane broker on Redis lists and sorted sets.
//
// Each lane uses two keys: <prefix>:<lane>:waiting, a list consumed with
// BRPOP, and <prefix>:<lane>:delayed, a sorted set scored by due time in
// unix milliseconds. Due members are promoted into the waiting list before
// every blocking pop.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/batchd/internal/batch"
)

// Client is the subset of *redis.Client the broker uses.
type Client interface {
	LPush(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *goredis.StringSliceCmd
	ZAdd(ctx context.Context, key string, members ...goredis.Z) *goredis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *goredis.ZRangeBy) *goredis.StringSliceCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *goredis.IntCmd
	LLen(ctx context.Context, key string) *goredis.IntCmd
	ZCard(ctx context.Context, key string) *goredis.IntCmd
	Close() error
}

// Config controls key naming and polling.
type Config struct {
	KeyPrefix string
	// PollInterval bounds each BRPOP so delayed entries are promoted and ctx
	// is observed regularly.
	PollInterval time.Duration
}

// Queue is a Redis-backed batch.LaneQueue.
type Queue struct {
	client Client
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

type message struct {
	BatchID    string `json:"batch_id"`
	Lane       string `json:"lane"`
	Attempt    int    `json:"attempt"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// NewClient dials Redis with the given options.
func NewClient(addr, password string, db int) *goredis.Client {
	return goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
}

// New wraps client as a lane broker.
func New(client Client, cfg Config, logger *zap.Logger) *Queue {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "batchd"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, cfg: cfg, now: time.Now, logger: logger.Named("redis_queue")}
}

func (q *Queue) waitingKey(lane string) string { return q.cfg.KeyPrefix + ":" + lane + ":waiting" }
func (q *Queue) delayedKey(lane string) string { return q.cfg.KeyPrefix + ":" + lane + ":delayed" }

func (q *Queue) encode(batchID, lane string) (string, error) {
	raw, err := json.Marshal(message{BatchID: batchID, Lane: lane, Attempt: 1, EnqueuedAt: q.now().UnixNano()})
	if err != nil {
		return "", fmt.Errorf("encode delivery: %w", err)
	}
	return string(raw), nil
}

// Enqueue pushes the batch onto the lane's waiting list.
func (q *Queue) Enqueue(ctx context.Context, batchID, lane string) error {
	payload, err := q.encode(batchID, lane)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.waitingKey(lane), payload).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", lane, err)
	}
	return nil
}

// EnqueueDelayed adds the batch to the lane's delayed set.
func (q *Queue) EnqueueDelayed(ctx context.Context, batchID, lane string, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, batchID, lane)
	}
	payload, err := q.encode(batchID, lane)
	if err != nil {
		return err
	}
	due := float64(q.now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, q.delayedKey(lane), goredis.Z{Score: due, Member: payload}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", lane, err)
	}
	return nil
}

// Promote moves due delayed members onto the waiting list and returns how
// many it moved. A member is pushed only by the caller whose ZREM removed
// it, so concurrent promoters never duplicate an entry.
func (q *Queue) Promote(ctx context.Context, lane string) (int, error) {
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(lane), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore %s: %w", lane, err)
	}
	moved := 0
	for _, member := range due {
		removed, err := q.client.ZRem(ctx, q.delayedKey(lane), member).Result()
		if err != nil {
			return moved, fmt.Errorf("zrem %s: %w", lane, err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.waitingKey(lane), member).Err(); err != nil {
			return moved, fmt.Errorf("lpush promoted %s: %w", lane, err)
		}
		moved++
	}
	return moved, nil
}

// Dequeue blocks until a delivery is available on the lane or ctx ends.
func (q *Queue) Dequeue(ctx context.Context, lane string) (batch.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return batch.Delivery{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		if _, err := q.Promote(ctx, lane); err != nil {
			q.logger.Warn("promote delayed deliveries failed", zap.String("lane", lane), zap.Error(err))
		}
		res, err := q.client.BRPop(ctx, q.cfg.PollInterval, q.waitingKey(lane)).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return batch.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return batch.Delivery{}, fmt.Errorf("brpop %s: %w", lane, err)
		}
		if len(res) != 2 {
			return batch.Delivery{}, fmt.Errorf("brpop %s: unexpected reply %v", lane, res)
		}
		var msg message
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			q.logger.Error("dropping undecodable delivery", zap.String("lane", lane), zap.Error(err))
			continue
		}
		return batch.Delivery{BatchID: msg.BatchID, Lane: lane, Attempt: msg.Attempt}, nil
	}
}

// Counts reports LLEN of the waiting list and ZCARD of the delayed set.
func (q *Queue) Counts(ctx context.Context, lane string) (batch.LaneCounts, error) {
	waiting, err := q.client.LLen(ctx, q.waitingKey(lane)).Result()
	if err != nil {
		return batch.LaneCounts{}, fmt.Errorf("llen %s: %w", lane, err)
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey(lane)).Result()
	if err != nil {
		return batch.LaneCounts{}, fmt.Errorf("zcard %s: %w", lane, err)
	}
	return batch.LaneCounts{Waiting: waiting, Delayed: delayed}, nil
}

// Close releases the client.
func (q *Queue) Close() {
	if err := q.client.Close(); err != nil {
		q.logger.Warn("close redis client", zap.Error(err))
	}
}
