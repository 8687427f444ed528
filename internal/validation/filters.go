// Package validation provides sanity checks for computed daily metrics records.
package validation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/protocol-metrics/internal/model"
)

// ValidationOptions holds configuration for the validation process
type ValidationOptions struct {
	// MaxAPY defines the maximum reasonable APY in percent; zero disables the check
	MaxAPY float64

	// RequirePositivePrice rejects records whose token price read as zero
	RequirePositivePrice bool

	// CheckDayKey verifies the record ID is the day boundary of its timestamp
	CheckDayKey bool
}

// DefaultValidationOptions returns sensible defaults for validation
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		MaxAPY:               1_000_000_000,
		RequirePositivePrice: true,
		CheckDayKey:          true,
	}
}

// Validate checks a record against the default options
func Validate(m *model.DailyMetric) error {
	return ValidateWithOptions(m, DefaultValidationOptions())
}

// ValidateWithOptions returns every problem found in the record joined into one error,
// or nil when the record is sane.
func ValidateWithOptions(m *model.DailyMetric, opts ValidationOptions) error {
	if m == nil {
		return errors.New("nil record")
	}

	var errs []error

	if opts.CheckDayKey && m.Timestamp != 0 && m.ID != model.DayKey(m.Timestamp) {
		errs = append(errs, fmt.Errorf("day key %s does not match timestamp %d", m.ID, m.Timestamp))
	}

	if m.CirculatingSupply.GreaterThan(m.TotalSupply) {
		errs = append(errs, fmt.Errorf("circulating supply %s exceeds total supply %s",
			m.CirculatingSupply.String(), m.TotalSupply.String()))
	}

	for name, v := range nonNegativeFields(m) {
		if v.IsNegative() {
			errs = append(errs, fmt.Errorf("negative %s: %s", name, v.String()))
		}
	}

	if opts.RequirePositivePrice && !m.Price.IsPositive() {
		errs = append(errs, errors.New("token price is not positive"))
	}

	if opts.MaxAPY > 0 && m.CurrentAPY.GreaterThan(decimal.NewFromFloat(opts.MaxAPY)) {
		errs = append(errs, fmt.Errorf("APY %s exceeds %v", m.CurrentAPY.StringFixed(2), opts.MaxAPY))
	}

	if m.OwnedLiquidity.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, fmt.Errorf("owned liquidity %s%% exceeds 100%%", m.OwnedLiquidity.String()))
	}

	return errors.Join(errs...)
}

// FilterInvalid removes records that fail validation with default options.
func FilterInvalid(records []*model.DailyMetric) []*model.DailyMetric {
	return FilterInvalidWithOptions(records, DefaultValidationOptions())
}

// FilterInvalidWithOptions removes records that fail validation.
func FilterInvalidWithOptions(records []*model.DailyMetric, opts ValidationOptions) []*model.DailyMetric {
	valid := make([]*model.DailyMetric, 0, len(records))
	for _, m := range records {
		if err := ValidateWithOptions(m, opts); err != nil {
			fields := logrus.Fields{"error": err}
			if m != nil {
				fields["day"] = m.ID
				fields["block"] = m.BlockNumber
			}
			logrus.WithFields(fields).Debug("Filtered invalid record")
			continue
		}
		valid = append(valid, m)
	}
	return valid
}

func nonNegativeFields(m *model.DailyMetric) map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"total supply":                    m.TotalSupply,
		"circulating supply":              m.CirculatingSupply,
		"staked circulating supply":       m.StakedCirculatingSupply,
		"price":                           m.Price,
		"market cap":                      m.MarketCap,
		"total value locked":              m.TotalValueLocked,
		"owned liquidity":                 m.OwnedLiquidity,
		"total liquidity":                 m.TotalLiquidity,
		"treasury market value":           m.TreasuryMarketValue,
		"treasury risk-free value":        m.TreasuryRiskFreeValue,
		"treasury stable market value":    m.TreasuryStableMarketValue,
		"treasury native market value":    m.TreasuryNativeMarketValue,
		"treasury stable risk-free value": m.TreasuryStableRiskFreeValue,
		"next epoch rebase":               m.NextEpochRebase,
		"APY":                             m.CurrentAPY,
	}
}
