package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxlab/scribed/pkg/models"
)

const redisIndexKey = "scribed:jobs:index"

// RedisHistory keeps terminal snapshots in Redis with a TTL, indexed by
// creation time in a sorted set for newest-first listing.
type RedisHistory struct {
	client *redis.Client
	ttl    time.Duration
	ctx    context.Context
}

// NewRedisHistory connects and pings the server.
func NewRedisHistory(addr, password string, db int, ttl time.Duration) (*RedisHistory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisHistory{client: client, ttl: ttl, ctx: ctx}, nil
}

func redisJobKey(jobID string) string {
	return "scribed:job:" + jobID
}

func (h *RedisHistory) Save(job models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := h.client.Set(h.ctx, redisJobKey(job.ID), data, h.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	err = h.client.ZAdd(h.ctx, redisIndexKey, redis.Z{
		Score:  float64(job.CreatedAt.Unix()),
		Member: job.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis index: %w", err)
	}
	return nil
}

func (h *RedisHistory) Load() ([]models.Job, error) {
	ids, err := h.client.ZRevRange(h.ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis index scan: %w", err)
	}

	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		data, err := h.client.Get(h.ctx, redisJobKey(id)).Bytes()
		if err == redis.Nil {
			// Snapshot expired; drop the dangling index entry.
			h.client.ZRem(h.ctx, redisIndexKey, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %s: %w", id, err)
		}
		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot %s: %w", id, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (h *RedisHistory) Delete(jobID string) error {
	if err := h.client.Del(h.ctx, redisJobKey(jobID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	h.client.ZRem(h.ctx, redisIndexKey, jobID)
	return nil
}

func (h *RedisHistory) Close() error {
	return h.client.Close()
}
