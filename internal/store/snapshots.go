package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/latestcomment/idea-bidding/internal/models"
)

const snapshotPrefix = "bidding:session:"

// RedisSnapshots archives closed sessions so they can still be looked up after eviction.
type RedisSnapshots struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSnapshots(ctx context.Context, url string, ttl time.Duration) (*RedisSnapshots, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: ping redis: %w", err)
	}
	return &RedisSnapshots{client: client, ttl: ttl}, nil
}

func (r *RedisSnapshots) Save(ctx context.Context, snap models.BiddingSession) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, snapshotPrefix+snap.SessionID, data, r.ttl)
	if snap.IdeaID != "" {
		ideaKey := r.ideaKey(snap.IdeaID)
		pipe.ZAdd(ctx, ideaKey, redis.Z{Score: float64(snap.CreatedAt.UnixMilli()), Member: snap.SessionID})
		pipe.Expire(ctx, ideaKey, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: save snapshot: %w", err)
	}
	return nil
}

func (r *RedisSnapshots) Load(ctx context.Context, sessionID string) (models.BiddingSession, error) {
	data, err := r.client.Get(ctx, snapshotPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.BiddingSession{}, fmt.Errorf("%w: snapshot %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return models.BiddingSession{}, fmt.Errorf("store: load snapshot: %w", err)
	}

	var snap models.BiddingSession
	if err := json.Unmarshal(data, &snap); err != nil {
		return models.BiddingSession{}, fmt.Errorf("store: unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// SessionsForIdea lists archived session ids for an idea, oldest first.
func (r *RedisSnapshots) SessionsForIdea(ctx context.Context, ideaID string) ([]string, error) {
	ids, err := r.client.ZRange(ctx, r.ideaKey(ideaID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list idea sessions: %w", err)
	}
	return ids, nil
}

func (r *RedisSnapshots) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisSnapshots) Close() error {
	return r.client.Close()
}

func (r *RedisSnapshots) ideaKey(ideaID string) string {
	return "bidding:idea:" + ideaID + ":sessions"
}
