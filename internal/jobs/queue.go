// Package jobs implements the scan job queue. The Redis queue is the
// production implementation; the in-memory queue backs single-process
// deployments and tests.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pentestexpress/scanpipe/internal/config"
	"github.com/pentestexpress/scanpipe/internal/core"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

const (
	queuePending    = "scanpipe:queue:pending"
	queueProcessing = "scanpipe:queue:processing"
	queueFailed     = "scanpipe:queue:failed"
	jobPrefix       = "scanpipe:job:"
	workerPrefix    = "scanpipe:worker:"

	// Terminal job metadata expires from Redis on its own; the result
	// store is the durable record.
	jobTTL = 24 * time.Hour
)

type redisQueue struct {
	client *redis.Client
}

func NewRedisQueue(cfg config.RedisConfig) (core.JobQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &redisQueue{client: client}, nil
}

func (q *redisQueue) Push(ctx context.Context, job *types.ScanJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	job.State = types.StateQueued
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, jobPrefix+job.ID, data, jobTTL)
	pipe.ZAdd(ctx, queuePending, redis.Z{
		Score:  float64(job.CreatedAt.Unix()),
		Member: job.ID,
	})

	_, err = pipe.Exec(ctx)
	return err
}

func (q *redisQueue) Pop(ctx context.Context, workerID string) (*types.ScanJob, error) {
	result := q.client.ZPopMin(ctx, queuePending, 1)
	if err := result.Err(); err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	members := result.Val()
	if len(members) == 0 {
		return nil, nil
	}

	jobID := members[0].Member.(string)

	job, err := q.load(ctx, jobID)
	if err != nil {
		return nil, err
	}

	job.State = types.StateRunning
	job.UpdatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal updated job: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, jobPrefix+jobID, data, jobTTL)
	pipe.HSet(ctx, queueProcessing, jobID, workerID)
	pipe.Set(ctx, workerPrefix+workerID+":current", jobID, 1*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		// Put it back so another worker can run it.
		q.client.ZAdd(ctx, queuePending, redis.Z{
			Score:  float64(job.CreatedAt.Unix()),
			Member: jobID,
		})
		return nil, fmt.Errorf("failed to update job state: %w", err)
	}

	return job, nil
}

func (q *redisQueue) Complete(ctx context.Context, jobID string) error {
	return q.finish(ctx, jobID, types.StateCompleted, "")
}

func (q *redisQueue) Fail(ctx context.Context, jobID string, reason string) error {
	return q.finish(ctx, jobID, types.StateFailed, reason)
}

func (q *redisQueue) finish(ctx context.Context, jobID string, state types.JobState, reason string) error {
	job, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}

	job.State = state
	job.Error = reason
	job.UpdatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal updated job: %w", err)
	}

	workerID, _ := q.client.HGet(ctx, queueProcessing, jobID).Result()

	pipe := q.client.Pipeline()
	pipe.Set(ctx, jobPrefix+jobID, data, jobTTL)
	pipe.HDel(ctx, queueProcessing, jobID)
	if state == types.StateFailed {
		pipe.ZAdd(ctx, queueFailed, redis.Z{
			Score:  float64(time.Now().Unix()),
			Member: jobID,
		})
	}
	if workerID != "" {
		pipe.Del(ctx, workerPrefix+workerID+":current")
	}

	_, err = pipe.Exec(ctx)
	return err
}

func (q *redisQueue) Retry(ctx context.Context, jobID string) error {
	job, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}

	job.State = types.StateQueued
	job.Retries++
	job.UpdatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal updated job: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, jobPrefix+jobID, data, jobTTL)
	pipe.ZRem(ctx, queueFailed, jobID)
	pipe.HDel(ctx, queueProcessing, jobID)
	pipe.ZAdd(ctx, queuePending, redis.Z{
		Score:  float64(job.CreatedAt.Unix()),
		Member: jobID,
	})

	_, err = pipe.Exec(ctx)
	return err
}

func (q *redisQueue) GetStatus(ctx context.Context, jobID string) (*types.ScanJob, error) {
	return q.load(ctx, jobID)
}

func (q *redisQueue) load(ctx context.Context, jobID string) (*types.ScanJob, error) {
	data, err := q.client.Get(ctx, jobPrefix+jobID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("job %s not found", jobID)
		}
		return nil, fmt.Errorf("failed to get job data: %w", err)
	}

	var job types.ScanJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}
