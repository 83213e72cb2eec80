package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pentestexpress/scanpipe/internal/config"
	"github.com/pentestexpress/scanpipe/internal/core"
	"github.com/pentestexpress/scanpipe/pkg/types"
)

const (
	progressPrefix = "scanpipe:progress:"
	progressTTL    = 24 * time.Hour
)

// redisStore keeps one JSON snapshot per job. Only the single worker
// executing a job writes its key, so the read-modify-write in Publish
// needs no coordination.
type redisStore struct {
	client *redis.Client
}

func NewRedisStore(cfg config.RedisConfig) (core.ProgressStore, error) {
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

	return &redisStore{client: client}, nil
}

func (s *redisStore) Publish(ctx context.Context, snapshot types.ProgressSnapshot) error {
	current, err := s.Get(ctx, snapshot.JobID)
	if err != nil {
		return err
	}
	if current.State != types.StateUnknown && !supersedes(current, snapshot) {
		return nil
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return s.client.Set(ctx, progressPrefix+snapshot.JobID, data, progressTTL).Err()
}

func (s *redisStore) Get(ctx context.Context, jobID string) (types.ProgressSnapshot, error) {
	data, err := s.client.Get(ctx, progressPrefix+jobID).Result()
	if err != nil {
		if err == redis.Nil {
			return types.ProgressSnapshot{JobID: jobID, State: types.StateUnknown}, nil
		}
		return types.ProgressSnapshot{}, fmt.Errorf("failed to get progress: %w", err)
	}

	var snapshot types.ProgressSnapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return types.ProgressSnapshot{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snapshot, nil
}

func (s *redisStore) Subscribe(ctx context.Context, jobID string, interval time.Duration) <-chan types.ProgressSnapshot {
	return subscribe(ctx, s, jobID, interval)
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
