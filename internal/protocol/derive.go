package protocol

import (
	"errors"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// DivisionScale is the number of fractional digits kept by decimal divisions.
const DivisionScale int32 = 18

// APY compounding: three rebases per day for a year
const rebasesPerYear = 365 * 3

// ErrZeroDenominator is returned when a ratio's denominator read as zero.
var ErrZeroDenominator = errors.New("zero denominator")

var hundred = decimal.NewFromInt(100)

// ToDecimal scales a raw on-chain integer by 10^-decimals. The conversion is exact.
func ToDecimal(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}

// div divides with a fixed scale and reports zero denominators instead of panicking
func div(num, den decimal.Decimal) (decimal.Decimal, error) {
	if den.IsZero() {
		return decimal.Zero, ErrZeroDenominator
	}
	return num.DivRound(den, DivisionScale), nil
}

// PriceFromReserves returns quote per base for a pool, each reserve normalised by its own decimals.
func PriceFromReserves(quote, base *big.Int, quoteDecimals, baseDecimals int32) (decimal.Decimal, error) {
	return div(ToDecimal(quote, quoteDecimals), ToDecimal(base, baseDecimals))
}

// OwnedFraction is lpAmount / totalLP with both sides normalised to lpDecimals.
func OwnedFraction(lpAmount, totalLP *big.Int, lpDecimals int32) (decimal.Decimal, error) {
	return div(ToDecimal(lpAmount, lpDecimals), ToDecimal(totalLP, lpDecimals))
}

// PoolUSD values a share of a token/stable pool: the base reserve is priced with tokenPrice
// and the quote reserve is taken as USD.
func PoolUSD(fraction, baseReserve, quoteReserve decimal.Decimal, tokenPrice decimal.Decimal) decimal.Decimal {
	total := baseReserve.Mul(tokenPrice).Add(quoteReserve)
	return fraction.Mul(total)
}

// Scaling used for the constant-product invariant of the risk-free valuation.
const (
	kReserve0Decimals int32 = 9
	kReserve1Decimals int32 = 18
)

// DiscountedPoolUSD approximates the risk-free value of a pool share: 2*sqrt(k) scaled by
// the owned fraction, with k = reserve0(9 dp) * reserve1(18 dp) truncated to an integer.
func DiscountedPoolUSD(fraction decimal.Decimal, reserve0, reserve1 *big.Int) decimal.Decimal {
	k := ToDecimal(reserve0, kReserve0Decimals).
		Mul(ToDecimal(reserve1, kReserve1Decimals)).
		Truncate(0).
		BigInt()

	root := new(big.Int).Sqrt(k)
	doubled := new(big.Int).Mul(big.NewInt(2), root)

	return fraction.Mul(ToDecimal(doubled, 0))
}

// OwnedLiquidity is the percentage of the LP supply held by the treasury, on raw amounts.
func OwnedLiquidity(balance, totalSupply *big.Int) (decimal.Decimal, error) {
	ratio, err := div(decimal.NewFromBigInt(balance, 0), decimal.NewFromBigInt(totalSupply, 0))
	if err != nil {
		return decimal.Zero, err
	}
	return ratio.Mul(hundred), nil
}

// NextEpochRebase is the percentage of the staked supply distributed next epoch.
// It is zero when the reward is at least the staked supply.
func NextEpochRebase(stakedCirculating, reward decimal.Decimal) decimal.Decimal {
	if stakedCirculating.LessThanOrEqual(reward) {
		return decimal.Zero
	}
	rate, err := div(reward, stakedCirculating)
	if err != nil {
		return decimal.Zero
	}
	return rate.Mul(hundred)
}

// CurrentAPY compounds the per-epoch rebase rate over a year of three rebases per day.
// The rate and the power are computed in float64; the result is converted back to a decimal.
func CurrentAPY(stakedCirculating, reward decimal.Decimal) decimal.Decimal {
	if stakedCirculating.LessThanOrEqual(reward) {
		return decimal.Zero
	}
	rate := reward.InexactFloat64() / stakedCirculating.InexactFloat64()
	apy := (math.Pow(1+rate, rebasesPerYear) - 1) * 100
	if math.IsNaN(apy) || math.IsInf(apy, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(apy)
}

// CurrentRunway is the number of days the risk-free value sustains the current rebase:
// log(rfv / staked) / log(1 + rebase%) / 3. It is zero unless every input is positive.
func CurrentRunway(stakedCirculating, riskFreeValue, rebasePercent decimal.Decimal) decimal.Decimal {
	if !stakedCirculating.IsPositive() || !riskFreeValue.IsPositive() || !rebasePercent.IsPositive() {
		return decimal.Zero
	}
	backing := riskFreeValue.InexactFloat64() / stakedCirculating.InexactFloat64()
	rate := rebasePercent.Div(hundred).InexactFloat64()

	runway := math.Log(backing) / math.Log(1+rate) / 3
	if math.IsNaN(runway) || math.IsInf(runway, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(runway)
}

// CirculatingSupply subtracts the non-circulating balances from the total supply.
func CirculatingSupply(total decimal.Decimal, excluded ...decimal.Decimal) decimal.Decimal {
	out := total
	for _, b := range excluded {
		out = out.Sub(b)
	}
	return out
}
