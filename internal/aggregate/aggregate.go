// Package aggregate summarises a window of stored daily records.
package aggregate

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/yourorg/protocol-metrics/internal/model"
	"github.com/yourorg/protocol-metrics/internal/validation"
)

// Selector picks one field of a record
type Selector func(m *model.DailyMetric) decimal.Decimal

// Common selectors
var (
	Price               Selector = func(m *model.DailyMetric) decimal.Decimal { return m.Price }
	APY                 Selector = func(m *model.DailyMetric) decimal.Decimal { return m.CurrentAPY }
	TreasuryMarketValue Selector = func(m *model.DailyMetric) decimal.Decimal { return m.TreasuryMarketValue }
	Runway              Selector = func(m *model.DailyMetric) decimal.Decimal { return m.CurrentRunway }
)

// Summary describes a window of days
type Summary struct {
	Days        int    `json:"days"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	LatestBlock uint64 `json:"latest_block"`

	AveragePrice decimal.Decimal `json:"average_price"`
	MedianPrice  decimal.Decimal `json:"median_price"`
	MinPrice     decimal.Decimal `json:"min_price"`
	MaxPrice     decimal.Decimal `json:"max_price"`

	AverageAPY     decimal.Decimal `json:"average_apy"`
	MedianAPY      decimal.Decimal `json:"median_apy"`
	TrimmedMeanAPY decimal.Decimal `json:"trimmed_mean_apy"`
	WeightedAPY    decimal.Decimal `json:"tvl_weighted_apy"`

	// Relative change of treasury market value over the window, in percent
	TreasuryGrowth decimal.Decimal `json:"treasury_growth"`
	AverageRunway  decimal.Decimal `json:"average_runway"`
}

// Summarize validates the records and summarises the ones that pass. Input order does not matter.
func Summarize(records []*model.DailyMetric) Summary {
	valid := validation.FilterInvalid(records)
	if len(valid) == 0 {
		return Summary{}
	}

	sorted := make([]*model.DailyMetric, len(valid))
	copy(sorted, valid)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})
	first, last := sorted[0], sorted[len(sorted)-1]

	minPrice, maxPrice := MinMax(sorted, Price)

	return Summary{
		Days:           len(sorted),
		From:           first.ID,
		To:             last.ID,
		LatestBlock:    last.BlockNumber,
		AveragePrice:   Mean(sorted, Price),
		MedianPrice:    Median(sorted, Price),
		MinPrice:       minPrice,
		MaxPrice:       maxPrice,
		AverageAPY:     Mean(sorted, APY),
		MedianAPY:      Median(sorted, APY),
		TrimmedMeanAPY: TrimmedMean(sorted, APY, 0.1),
		WeightedAPY:    Weighted(sorted),
		TreasuryGrowth: Growth(first.TreasuryMarketValue, last.TreasuryMarketValue),
		AverageRunway:  Mean(sorted, Runway),
	}
}

// Mean is the arithmetic mean of a field
func Mean(records []*model.DailyMetric, sel Selector) decimal.Decimal {
	if len(records) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, m := range records {
		sum = sum.Add(sel(m))
	}
	return sum.DivRound(decimal.NewFromInt(int64(len(records))), 18)
}

// Median is robust against single-day spikes
func Median(records []*model.DailyMetric, sel Selector) decimal.Decimal {
	values := sortedValues(records, sel)
	n := len(values)
	if n == 0 {
		return decimal.Zero
	}
	if n%2 == 0 {
		return values[n/2-1].Add(values[n/2]).Div(decimal.NewFromInt(2))
	}
	return values[n/2]
}

// MinMax returns the smallest and largest value of a field
func MinMax(records []*model.DailyMetric, sel Selector) (decimal.Decimal, decimal.Decimal) {
	values := sortedValues(records, sel)
	if len(values) == 0 {
		return decimal.Zero, decimal.Zero
	}
	return values[0], values[len(values)-1]
}

// TrimmedMean drops trimPercent of the lowest and highest values before averaging. It falls
// back to the plain mean for fewer than three records or an out-of-range trim.
func TrimmedMean(records []*model.DailyMetric, sel Selector, trimPercent float64) decimal.Decimal {
	if len(records) < 3 || trimPercent <= 0 || trimPercent >= 0.5 {
		return Mean(records, sel)
	}

	values := sortedValues(records, sel)
	trimCount := int(float64(len(values)) * trimPercent)
	trimmed := values[trimCount : len(values)-trimCount]

	sum := decimal.Zero
	for _, v := range trimmed {
		sum = sum.Add(v)
	}
	return sum.DivRound(decimal.NewFromInt(int64(len(trimmed))), 18)
}

// Weighted is the TVL-weighted average APY. Days without TVL carry no weight.
func Weighted(records []*model.DailyMetric) decimal.Decimal {
	totalTVL := decimal.Zero
	weighted := decimal.Zero
	for _, m := range records {
		if !m.TotalValueLocked.IsPositive() || m.CurrentAPY.IsNegative() {
			continue
		}
		totalTVL = totalTVL.Add(m.TotalValueLocked)
		weighted = weighted.Add(m.CurrentAPY.Mul(m.TotalValueLocked))
	}
	if totalTVL.IsZero() {
		return decimal.Zero
	}
	return weighted.DivRound(totalTVL, 18)
}

// Growth is the percentage change from first to last; zero when first is not positive
func Growth(first, last decimal.Decimal) decimal.Decimal {
	if !first.IsPositive() {
		return decimal.Zero
	}
	return last.Sub(first).DivRound(first, 18).Mul(decimal.NewFromInt(100))
}

func sortedValues(records []*model.DailyMetric, sel Selector) []decimal.Decimal {
	values := make([]decimal.Decimal, 0, len(records))
	for _, m := range records {
		values = append(values, sel(m))
	}
	sort.Slice(values, func(i, j int) bool {
		return values[i].LessThan(values[j])
	})
	return values
}
