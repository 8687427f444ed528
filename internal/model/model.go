// Package model defines the core data structures for the protocol metrics indexer.
package model

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// SecondsPerDay is the width of one record window.
const SecondsPerDay = 86400

// Event is the trigger handed to the metrics computer. Reads are pinned to BlockNumber.
type Event struct {
	BlockNumber uint64 `json:"block_number"`
	Timestamp   uint64 `json:"timestamp"`

	// Source is informational only (trigger contract or "cron")
	Source string `json:"source,omitempty"`
}

// DayKey returns the record key for a block timestamp: the start of its UTC day in
// seconds, as a decimal string.
func DayKey(timestamp uint64) string {
	return strconv.FormatUint(DayStart(timestamp), 10)
}

// DayStart truncates a timestamp to its day boundary.
func DayStart(timestamp uint64) uint64 {
	return timestamp - timestamp%SecondsPerDay
}

// PositionValue is the treasury's valuation of one tracked liquidity position.
type PositionValue struct {
	Name          string          `json:"name"`
	Pool          string          `json:"pool"`
	MarketValue   decimal.Decimal `json:"market_value"`
	RiskFreeValue decimal.Decimal `json:"risk_free_value"`
}

// DailyMetric is the aggregated protocol record for one calendar day.
// Every field except ID is overwritten on each update within the day.
type DailyMetric struct {
	ID          string `json:"id"`
	Timestamp   uint64 `json:"timestamp"`
	BlockNumber uint64 `json:"block_number"`

	// Supply, in whole tokens
	TotalSupply             decimal.Decimal `json:"total_supply"`
	CirculatingSupply       decimal.Decimal `json:"circulating_supply"`
	StakedCirculatingSupply decimal.Decimal `json:"staked_circulating_supply"`

	// Market
	Price            decimal.Decimal `json:"price"`
	MarketCap        decimal.Decimal `json:"market_cap"`
	TotalValueLocked decimal.Decimal `json:"total_value_locked"`

	// Liquidity: OwnedLiquidity is a percentage, TotalLiquidity is USD
	OwnedLiquidity decimal.Decimal `json:"owned_liquidity"`
	TotalLiquidity decimal.Decimal `json:"total_liquidity"`

	// Treasury
	TreasuryMarketValue         decimal.Decimal `json:"treasury_market_value"`
	TreasuryRiskFreeValue       decimal.Decimal `json:"treasury_risk_free_value"`
	TreasuryStableMarketValue   decimal.Decimal `json:"treasury_stable_market_value"`
	TreasuryNativeMarketValue   decimal.Decimal `json:"treasury_native_market_value"`
	TreasuryStableRiskFreeValue decimal.Decimal `json:"treasury_stable_risk_free_value"`
	Positions                   []PositionValue `json:"positions"`

	// Staking
	NextEpochRebase decimal.Decimal `json:"next_epoch_rebase"`
	CurrentAPY      decimal.Decimal `json:"current_apy"`
	CurrentRunway   decimal.Decimal `json:"current_runway"`
}

// NewDailyMetric creates an empty record for the given day key.
func NewDailyMetric(id string) *DailyMetric {
	return &DailyMetric{ID: id}
}

// Clone returns a deep copy so stores can hand out records without sharing slices.
func (m *DailyMetric) Clone() *DailyMetric {
	if m == nil {
		return nil
	}
	c := *m
	if m.Positions != nil {
		c.Positions = make([]PositionValue, len(m.Positions))
		copy(c.Positions, m.Positions)
	}
	return &c
}
