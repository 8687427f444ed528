package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/protocol-metrics/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS protocol_metrics (
	id                              TEXT PRIMARY KEY,
	day                             BIGINT NOT NULL,
	timestamp                       BIGINT NOT NULL,
	block_number                    BIGINT NOT NULL,
	total_supply                    NUMERIC NOT NULL,
	circulating_supply              NUMERIC NOT NULL,
	staked_circulating_supply       NUMERIC NOT NULL,
	price                           NUMERIC NOT NULL,
	market_cap                      NUMERIC NOT NULL,
	total_value_locked              NUMERIC NOT NULL,
	owned_liquidity                 NUMERIC NOT NULL,
	total_liquidity                 NUMERIC NOT NULL,
	treasury_market_value           NUMERIC NOT NULL,
	treasury_risk_free_value        NUMERIC NOT NULL,
	treasury_stable_market_value    NUMERIC NOT NULL,
	treasury_native_market_value    NUMERIC NOT NULL,
	treasury_stable_risk_free_value NUMERIC NOT NULL,
	positions                       JSONB NOT NULL DEFAULT '[]',
	next_epoch_rebase               NUMERIC NOT NULL,
	current_apy                     NUMERIC NOT NULL,
	current_runway                  NUMERIC NOT NULL,
	updated_at                      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS protocol_metrics_day_idx ON protocol_metrics (day DESC);
`

const selectColumns = `id, timestamp, block_number, total_supply, circulating_supply,
	staked_circulating_supply, price, market_cap, total_value_locked, owned_liquidity,
	total_liquidity, treasury_market_value, treasury_risk_free_value, treasury_stable_market_value,
	treasury_native_market_value, treasury_stable_risk_free_value, positions, next_epoch_rebase,
	current_apy, current_runway`

const upsertRecord = `
INSERT INTO protocol_metrics (
	id, day, timestamp, block_number, total_supply, circulating_supply,
	staked_circulating_supply, price, market_cap, total_value_locked, owned_liquidity,
	total_liquidity, treasury_market_value, treasury_risk_free_value, treasury_stable_market_value,
	treasury_native_market_value, treasury_stable_risk_free_value, positions, next_epoch_rebase,
	current_apy, current_runway, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, now())
ON CONFLICT (id) DO UPDATE SET
	timestamp = EXCLUDED.timestamp,
	block_number = EXCLUDED.block_number,
	total_supply = EXCLUDED.total_supply,
	circulating_supply = EXCLUDED.circulating_supply,
	staked_circulating_supply = EXCLUDED.staked_circulating_supply,
	price = EXCLUDED.price,
	market_cap = EXCLUDED.market_cap,
	total_value_locked = EXCLUDED.total_value_locked,
	owned_liquidity = EXCLUDED.owned_liquidity,
	total_liquidity = EXCLUDED.total_liquidity,
	treasury_market_value = EXCLUDED.treasury_market_value,
	treasury_risk_free_value = EXCLUDED.treasury_risk_free_value,
	treasury_stable_market_value = EXCLUDED.treasury_stable_market_value,
	treasury_native_market_value = EXCLUDED.treasury_native_market_value,
	treasury_stable_risk_free_value = EXCLUDED.treasury_stable_risk_free_value,
	positions = EXCLUDED.positions,
	next_epoch_rebase = EXCLUDED.next_epoch_rebase,
	current_apy = EXCLUDED.current_apy,
	current_runway = EXCLUDED.current_runway,
	updated_at = now()`

// PostgresRepository stores records in a single upserted table. Decimal columns are
// NUMERIC so no precision is lost on the way through.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository opens the database and creates the schema if needed
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	r := NewPostgresRepositoryFromDB(db)
	if err := r.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logrus.Info("Connected to Postgres")
	return r, nil
}

// NewPostgresRepositoryFromDB wraps an open database handle
func NewPostgresRepositoryFromDB(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the metrics table and index
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) LoadOrCreate(ctx context.Context, id string) (*model.DailyMetric, error) {
	m, err := r.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return model.NewDailyMetric(id), nil
	}
	return m, err
}

func (r *PostgresRepository) Save(ctx context.Context, m *model.DailyMetric) error {
	if err := validateRecord(m); err != nil {
		return err
	}

	args, err := recordArgs(m)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, upsertRecord, args...); err != nil {
		return fmt.Errorf("failed to save record %s: %w", m.ID, err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*model.DailyMetric, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM protocol_metrics WHERE id = $1", id)
	m, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", id, err)
	}
	return m, nil
}

func (r *PostgresRepository) List(ctx context.Context, limit int) ([]*model.DailyMetric, error) {
	query := "SELECT " + selectColumns + " FROM protocol_metrics ORDER BY day DESC"
	var args []interface{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	out := []*model.DailyMetric{}
	for rows.Next() {
		m, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// recordArgs flattens a record into upsertRecord's parameter order
func recordArgs(m *model.DailyMetric) ([]interface{}, error) {
	positions := m.Positions
	if positions == nil {
		positions = []model.PositionValue{}
	}
	posJSON, err := json.Marshal(positions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal positions for %s: %w", m.ID, err)
	}

	return []interface{}{
		m.ID,
		dayNumber(m.ID),
		int64(m.Timestamp),
		int64(m.BlockNumber),
		m.TotalSupply,
		m.CirculatingSupply,
		m.StakedCirculatingSupply,
		m.Price,
		m.MarketCap,
		m.TotalValueLocked,
		m.OwnedLiquidity,
		m.TotalLiquidity,
		m.TreasuryMarketValue,
		m.TreasuryRiskFreeValue,
		m.TreasuryStableMarketValue,
		m.TreasuryNativeMarketValue,
		m.TreasuryStableRiskFreeValue,
		string(posJSON),
		m.NextEpochRebase,
		m.CurrentAPY,
		m.CurrentRunway,
	}, nil
}

func scanRecord(row rowScanner) (*model.DailyMetric, error) {
	var (
		m           model.DailyMetric
		timestamp   int64
		blockNumber int64
		positions   []byte
	)
	err := row.Scan(
		&m.ID,
		&timestamp,
		&blockNumber,
		&m.TotalSupply,
		&m.CirculatingSupply,
		&m.StakedCirculatingSupply,
		&m.Price,
		&m.MarketCap,
		&m.TotalValueLocked,
		&m.OwnedLiquidity,
		&m.TotalLiquidity,
		&m.TreasuryMarketValue,
		&m.TreasuryRiskFreeValue,
		&m.TreasuryStableMarketValue,
		&m.TreasuryNativeMarketValue,
		&m.TreasuryStableRiskFreeValue,
		&positions,
		&m.NextEpochRebase,
		&m.CurrentAPY,
		&m.CurrentRunway,
	)
	if err != nil {
		return nil, err
	}

	m.Timestamp = uint64(timestamp)
	m.BlockNumber = uint64(blockNumber)
	if len(positions) > 0 {
		if err := json.Unmarshal(positions, &m.Positions); err != nil {
			return nil, fmt.Errorf("failed to decode positions for %s: %w", m.ID, err)
		}
	}
	return &m, nil
}
