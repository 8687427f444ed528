package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/protocol-metrics/internal/model"
)

// RedisRepository keeps each day as a JSON document plus a sorted index of day keys.
type RedisRepository struct {
	client *redis.Client
	prefix string
}

// NewRedisRepository connects to Redis and verifies the connection
func NewRedisRepository(ctx context.Context, addr string, db int, prefix string) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logrus.WithFields(logrus.Fields{"addr": addr, "db": db, "prefix": prefix}).Info("Connected to Redis")
	return NewRedisRepositoryFromClient(client, prefix), nil
}

// NewRedisRepositoryFromClient wraps an existing client
func NewRedisRepositoryFromClient(client *redis.Client, prefix string) *RedisRepository {
	return &RedisRepository{client: client, prefix: prefix}
}

func (r *RedisRepository) dayKey(id string) string {
	return r.prefix + ":day:" + id
}

func (r *RedisRepository) indexKey() string {
	return r.prefix + ":days"
}

func (r *RedisRepository) LoadOrCreate(ctx context.Context, id string) (*model.DailyMetric, error) {
	m, err := r.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return model.NewDailyMetric(id), nil
	}
	return m, err
}

// Save writes the record and its index entry in one transaction
func (r *RedisRepository) Save(ctx context.Context, m *model.DailyMetric) error {
	if err := validateRecord(m); err != nil {
		return err
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", m.ID, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.dayKey(m.ID), data, 0)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(dayNumber(m.ID)), Member: m.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save record %s: %w", m.ID, err)
	}
	return nil
}

func (r *RedisRepository) Get(ctx context.Context, id string) (*model.DailyMetric, error) {
	data, err := r.client.Get(ctx, r.dayKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", id, err)
	}
	return decodeRecord(data)
}

func (r *RedisRepository) List(ctx context.Context, limit int) ([]*model.DailyMetric, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	ids, err := r.client.ZRevRange(ctx, r.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read day index: %w", err)
	}
	if len(ids) == 0 {
		return []*model.DailyMetric{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.dayKey(id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	out := make([]*model.DailyMetric, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			logrus.Warnf("Day %s is indexed but has no record", ids[i])
			continue
		}
		m, err := decodeRecord([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

func decodeRecord(data []byte) (*model.DailyMetric, error) {
	var m model.DailyMetric
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &m, nil
}
