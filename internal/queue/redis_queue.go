package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	laneKeyPrefix   = "queue:"
	revokedSetKey   = "revoked_tasks"
	revokedSetTTL   = 24 * time.Hour
	dequeueBlockFor = time.Second
)

// RedisProvider is a Redis-list-backed task queue. Each lane is one list;
// enqueue is LPUSH, dequeue is a blocking BRPOP. Revocations live in a set
// that workers consult on pickup, so a task already in flight on a list can
// still be dropped before execution.
type RedisProvider struct {
	rdb *redis.Client
}

// NewRedisProvider wraps an existing Redis client.
func NewRedisProvider(rdb *redis.Client) *RedisProvider {
	return &RedisProvider{rdb: rdb}
}

func laneKey(lane Lane) string {
	return laneKeyPrefix + string(lane)
}

// Enqueue assigns an execution handle if the task has none and pushes it
// onto its lane.
func (p *RedisProvider) Enqueue(ctx context.Context, task Task) (string, error) {
	if task.ExecutionID == "" {
		task.ExecutionID = uuid.NewString()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	if err := p.rdb.LPush(ctx, laneKey(task.Lane), payload).Err(); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return task.ExecutionID, nil
}

// Dequeue blocks on the lane's list until a task arrives or the context
// ends. The block is re-armed in short intervals so cancellation is honored
// even against servers that ignore client timeouts.
func (p *RedisProvider) Dequeue(ctx context.Context, lane Lane) (Task, error) {
	for {
		res, err := p.rdb.BRPop(ctx, dequeueBlockFor, laneKey(lane)).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return Task{}, fmt.Errorf("dequeue task: %w", err)
		}
		// BRPOP returns [key, value].
		var task Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			return Task{}, fmt.Errorf("decode task: %w", err)
		}
		return task, nil
	}
}

// Revoke adds the handle to the revoked set. The set expires as a whole, so
// revocations older than a day are forgotten along with their jobs.
func (p *RedisProvider) Revoke(ctx context.Context, executionID string) error {
	pipe := p.rdb.TxPipeline()
	pipe.SAdd(ctx, revokedSetKey, executionID)
	pipe.Expire(ctx, revokedSetKey, revokedSetTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("revoke task: %w", err)
	}
	return nil
}

// IsRevoked reports whether the handle sits in the revoked set.
func (p *RedisProvider) IsRevoked(ctx context.Context, executionID string) (bool, error) {
	revoked, err := p.rdb.SIsMember(ctx, revokedSetKey, executionID).Result()
	if err != nil {
		return false, fmt.Errorf("check revoked: %w", err)
	}
	return revoked, nil
}

// Close closes the underlying Redis client.
func (p *RedisProvider) Close() error {
	if err := p.rdb.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
