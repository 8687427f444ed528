package store

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/yourorg/protocol-metrics/internal/model"
)

// MemoryRepository is an in-memory implementation of Repository
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*model.DailyMetric
}

// NewMemoryRepository creates a new in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string]*model.DailyMetric),
	}
}

// LoadOrCreate returns a copy of the stored record or a fresh one
func (r *MemoryRepository) LoadOrCreate(ctx context.Context, id string) (*model.DailyMetric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if m, ok := r.records[id]; ok {
		return m.Clone(), nil
	}
	return model.NewDailyMetric(id), nil
}

// Save upserts a record by day key
func (r *MemoryRepository) Save(ctx context.Context, m *model.DailyMetric) error {
	if err := validateRecord(m); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[m.ID] = m.Clone()
	return nil
}

// Get retrieves a record by day key
func (r *MemoryRepository) Get(ctx context.Context, id string) (*model.DailyMetric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

// List returns records newest day first
func (r *MemoryRepository) List(ctx context.Context, limit int) ([]*model.DailyMetric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.DailyMetric, 0, len(r.records))
	for _, m := range r.records {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return dayNumber(out[i].ID) > dayNumber(out[j].ID)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored days
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *MemoryRepository) Close() error {
	return nil
}

// dayNumber orders day keys numerically; malformed keys sort last
func dayNumber(id string) int64 {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return -1
	}
	return n
}
