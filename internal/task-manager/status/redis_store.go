package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/redis/go-redis/v9"
)

const (
	keyTaskStatus      = "task_status:"
	keyTaskStatusIndex = "task_status_index"
)

// RedisStore keeps each record as a JSON string with a TTL, plus a sorted set
// of task ids scored by creation time for listing.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	hlog.Infof("StatusStore: connected to Redis at %s", addr)
	return &RedisStore{client: client, ttl: ttl}, nil
}

func (s *RedisStore) Create(ctx context.Context, rec *Record) error {
	now := time.Now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal task record %s: %w", rec.TaskID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyTaskStatus+rec.TaskID, data, s.ttl)
	pipe.ZAdd(ctx, keyTaskStatusIndex, redis.Z{Score: float64(now.UnixNano()), Member: rec.TaskID})
	if s.ttl > 0 {
		cutoff := now.Add(-s.ttl).UnixNano()
		pipe.ZRemRangeByScore(ctx, keyTaskStatusIndex, "-inf", "("+strconv.FormatInt(cutoff, 10))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create task record %s: %w", rec.TaskID, err)
	}
	return nil
}

// Transition is last-writer-wins. Each task has a single worker writing to it
// at a time, so no optimistic locking is used.
func (s *RedisStore) Transition(ctx context.Context, taskID string, state State, detail, result string) error {
	rec, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	apply(rec, state, detail, result, time.Now())
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal task record %s: %w", taskID, err)
	}
	if err := s.client.Set(ctx, keyTaskStatus+taskID, data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to update task record %s: %w", taskID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, taskID string) (*Record, error) {
	data, err := s.client.Get(ctx, keyTaskStatus+taskID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to fetch task record %s: %w", taskID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode task record %s: %w", taskID, err)
	}
	return &rec, nil
}

func (s *RedisStore) List(ctx context.Context, state State, limit int) ([]*Record, error) {
	ids, err := s.client.ZRevRange(ctx, keyTaskStatusIndex, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list task records: %w", err)
	}
	if len(ids) == 0 {
		return []*Record{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyTaskStatus + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list task records: %w", err)
	}

	out := make([]*Record, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // expired
		}
		var rec Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			continue
		}
		if state != "" && rec.State != state {
			continue
		}
		out = append(out, &rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
