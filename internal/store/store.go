// Package store persists one protocol metrics record per day.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yourorg/protocol-metrics/internal/model"
)

// ErrNotFound is returned by Get when no record exists for a day.
var ErrNotFound = errors.New("metrics record not found")

// Repository stores daily records keyed by day. LoadOrCreate never persists on its own:
// a new record only becomes visible once Save succeeds.
type Repository interface {
	LoadOrCreate(ctx context.Context, id string) (*model.DailyMetric, error)
	Save(ctx context.Context, m *model.DailyMetric) error
	Get(ctx context.Context, id string) (*model.DailyMetric, error)
	// List returns up to limit records, newest day first
	List(ctx context.Context, limit int) ([]*model.DailyMetric, error)
	Close() error
}

// Options selects and configures a backend
type Options struct {
	Backend     string
	RedisAddr   string
	RedisDB     int
	RedisPrefix string
	PostgresDSN string
}

// Open creates the repository for the configured backend
func Open(ctx context.Context, opts Options) (Repository, error) {
	switch strings.ToLower(opts.Backend) {
	case "", "memory":
		return NewMemoryRepository(), nil
	case "redis":
		return NewRedisRepository(ctx, opts.RedisAddr, opts.RedisDB, opts.RedisPrefix)
	case "postgres", "postgresql":
		return NewPostgresRepository(ctx, opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}

func validateRecord(m *model.DailyMetric) error {
	if m == nil {
		return errors.New("metrics record cannot be nil")
	}
	if m.ID == "" {
		return errors.New("metrics record has no day key")
	}
	return nil
}
