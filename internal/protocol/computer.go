// Package protocol derives the daily protocol metrics (supply, price, treasury valuation,
// liquidity and staking yield) from block-pinned contract reads.
package protocol

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yourorg/protocol-metrics/internal/chain"
	"github.com/yourorg/protocol-metrics/internal/config"
	"github.com/yourorg/protocol-metrics/internal/model"
	"github.com/yourorg/protocol-metrics/internal/otel"
)

// Chain hands out readers pinned to a block.
type Chain interface {
	At(blockNumber uint64) chain.Reader
}

// Repository is the per-day record store the computer upserts into.
type Repository interface {
	LoadOrCreate(ctx context.Context, id string) (*model.DailyMetric, error)
	Save(ctx context.Context, m *model.DailyMetric) error
}

// Computer recomputes the day's metrics record on every triggering event.
// It is not safe for concurrent use on the same day; callers serialise invocations.
type Computer struct {
	chain      Chain
	repo       Repository
	deployment *config.Deployment
}

// NewComputer creates a metrics computer for one deployment
func NewComputer(c Chain, repo Repository, deployment *config.Deployment) *Computer {
	return &Computer{
		chain:      c,
		repo:       repo,
		deployment: deployment,
	}
}

// UpdateProtocolMetrics loads or creates the record for the event's day, recomputes every
// field from reads at the event block and saves it. Nothing is saved if any read fails.
func (c *Computer) UpdateProtocolMetrics(ctx context.Context, ev model.Event) (*model.DailyMetric, error) {
	dayKey := model.DayKey(ev.Timestamp)

	ctx, span := otel.Tracer().Start(ctx, "UpdateProtocolMetrics", trace.WithAttributes(
		attribute.Int64("block", int64(ev.BlockNumber)),
		attribute.String("day", dayKey),
	))
	defer span.End()

	metrics, err := c.repo.LoadOrCreate(ctx, dayKey)
	if err != nil {
		otel.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to load metrics for day %s: %w", dayKey, err)
	}

	s := &snapshot{
		reader:     c.chain.At(ev.BlockNumber),
		deployment: c.deployment,
		totalLP:    make(map[common.Address]*big.Int),
		reserves:   make(map[common.Address]chain.Reserves),
	}

	if err := s.fill(ctx, metrics); err != nil {
		otel.RecordError(ctx, err)
		return nil, fmt.Errorf("block %d: %w", ev.BlockNumber, err)
	}
	metrics.Timestamp = ev.Timestamp
	metrics.BlockNumber = ev.BlockNumber

	if err := c.repo.Save(ctx, metrics); err != nil {
		otel.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to save metrics for day %s: %w", dayKey, err)
	}

	logrus.WithFields(logrus.Fields{
		"day":    dayKey,
		"block":  ev.BlockNumber,
		"price":  metrics.Price.StringFixed(4),
		"mv":     metrics.TreasuryMarketValue.StringFixed(2),
		"rfv":    metrics.TreasuryRiskFreeValue.StringFixed(2),
		"apy":    metrics.CurrentAPY.StringFixed(2),
		"source": ev.Source,
	}).Info("Protocol metrics updated")

	return metrics, nil
}

// snapshot memoises pool reads for one invocation; all reads share the same block
type snapshot struct {
	reader     chain.Reader
	deployment *config.Deployment

	tokenPrice *decimal.Decimal
	totalLP    map[common.Address]*big.Int
	reserves   map[common.Address]chain.Reserves
}

func (s *snapshot) fill(ctx context.Context, m *model.DailyMetric) error {
	d := s.deployment

	totalSupply, err := s.totalSupply(ctx)
	if err != nil {
		return err
	}
	circulating, err := s.circulatingSupply(ctx, totalSupply)
	if err != nil {
		return err
	}
	stakedRaw, err := s.reader.CirculatingSupply(ctx, d.StakedToken.Address)
	if err != nil {
		return fmt.Errorf("staked circulating supply: %w", err)
	}
	stakedCirculating := ToDecimal(stakedRaw, d.StakedToken.Decimals)

	price, err := s.price(ctx)
	if err != nil {
		return err
	}

	ownedLiquidity, err := s.ownedLiquidity(ctx)
	if err != nil {
		return err
	}
	totalLiquidity, err := s.totalLiquidity(ctx)
	if err != nil {
		return err
	}

	treasury, err := s.treasury(ctx)
	if err != nil {
		return err
	}

	distributeRaw, err := s.reader.EpochDistribute(ctx, d.Staking.Address)
	if err != nil {
		return fmt.Errorf("staking epoch: %w", err)
	}
	reward := ToDecimal(distributeRaw, d.Staking.DistributionDecimals)

	rebase := NextEpochRebase(stakedCirculating, reward)
	apy := CurrentAPY(stakedCirculating, reward)
	runway := CurrentRunway(stakedCirculating, treasury.riskFree, rebase)

	logrus.WithFields(logrus.Fields{
		"staked": stakedCirculating.String(),
		"reward": reward.String(),
		"rebase": rebase.String(),
		"apy":    apy.String(),
		"runway": runway.String(),
	}).Debug("Staking yield computed")

	m.TotalSupply = totalSupply
	m.CirculatingSupply = circulating
	m.StakedCirculatingSupply = stakedCirculating
	m.Price = price
	m.MarketCap = circulating.Mul(price)
	m.TotalValueLocked = stakedCirculating.Mul(price)
	m.OwnedLiquidity = ownedLiquidity
	m.TotalLiquidity = totalLiquidity
	m.TreasuryMarketValue = treasury.market
	m.TreasuryRiskFreeValue = treasury.riskFree
	m.TreasuryStableMarketValue = treasury.stable
	m.TreasuryNativeMarketValue = treasury.native
	m.TreasuryStableRiskFreeValue = treasury.stable
	m.Positions = treasury.positions
	m.NextEpochRebase = rebase
	m.CurrentAPY = apy
	m.CurrentRunway = runway
	return nil
}

func (s *snapshot) totalSupply(ctx context.Context) (decimal.Decimal, error) {
	raw, err := s.reader.TotalSupply(ctx, s.deployment.Token.Address)
	if err != nil {
		return decimal.Zero, fmt.Errorf("token total supply: %w", err)
	}
	return ToDecimal(raw, s.deployment.Token.Decimals), nil
}

func (s *snapshot) circulatingSupply(ctx context.Context, total decimal.Decimal) (decimal.Decimal, error) {
	d := s.deployment
	excluded := d.ExcludedFromCirculation()
	balances := make([]decimal.Decimal, 0, len(excluded))
	for _, holder := range excluded {
		raw, err := s.reader.BalanceOf(ctx, d.Token.Address, holder)
		if err != nil {
			return decimal.Zero, fmt.Errorf("token balance of %s: %w", holder.Hex(), err)
		}
		balances = append(balances, ToDecimal(raw, d.Token.Decimals))
	}
	return CirculatingSupply(total, balances...), nil
}

// price is the protocol token price from the primary pool, read once per invocation
func (s *snapshot) price(ctx context.Context) (decimal.Decimal, error) {
	if s.tokenPrice != nil {
		return *s.tokenPrice, nil
	}
	p, err := s.poolPrice(ctx, s.deployment.PricePool)
	if err != nil {
		return decimal.Zero, fmt.Errorf("token price: %w", err)
	}
	s.tokenPrice = &p
	return p, nil
}

func (s *snapshot) poolPrice(ctx context.Context, pool config.Pool) (decimal.Decimal, error) {
	res, err := s.getReserves(ctx, pool.Address)
	if err != nil {
		return decimal.Zero, err
	}
	quote, base := splitReserves(pool, res)
	p, err := PriceFromReserves(quote, base, pool.QuoteDecimals(), pool.BaseDecimals())
	if err != nil {
		return decimal.Zero, fmt.Errorf("pool %s: %w", pool.Name, err)
	}
	return p, nil
}

func (s *snapshot) ownedLiquidity(ctx context.Context) (decimal.Decimal, error) {
	pool := s.deployment.PricePool
	balance, err := s.reader.BalanceOf(ctx, pool.Address, s.deployment.Treasury)
	if err != nil {
		return decimal.Zero, fmt.Errorf("treasury LP balance: %w", err)
	}
	total, err := s.getTotalLP(ctx, pool.Address)
	if err != nil {
		return decimal.Zero, err
	}
	owned, err := OwnedLiquidity(balance, total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("owned liquidity of %s: %w", pool.Name, err)
	}
	return owned, nil
}

func (s *snapshot) totalLiquidity(ctx context.Context) (decimal.Decimal, error) {
	pool := s.deployment.PricePool
	total, err := s.getTotalLP(ctx, pool.Address)
	if err != nil {
		return decimal.Zero, err
	}
	return s.poolUSD(ctx, pool, total)
}

// poolUSD values lpAmount of a token/stable pool in USD
func (s *snapshot) poolUSD(ctx context.Context, pool config.Pool, lpAmount *big.Int) (decimal.Decimal, error) {
	fraction, res, err := s.ownedShare(ctx, pool, lpAmount)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := s.price(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	quote, base := splitReserves(pool, res)
	return PoolUSD(
		fraction,
		ToDecimal(base, pool.BaseDecimals()),
		ToDecimal(quote, pool.QuoteDecimals()),
		price,
	), nil
}

// discountedPoolUSD is the risk-free value of lpAmount of a pool
func (s *snapshot) discountedPoolUSD(ctx context.Context, pool config.Pool, lpAmount *big.Int) (decimal.Decimal, error) {
	fraction, res, err := s.ownedShare(ctx, pool, lpAmount)
	if err != nil {
		return decimal.Zero, err
	}
	return DiscountedPoolUSD(fraction, res.Reserve0, res.Reserve1), nil
}

func (s *snapshot) ownedShare(ctx context.Context, pool config.Pool, lpAmount *big.Int) (decimal.Decimal, chain.Reserves, error) {
	total, err := s.getTotalLP(ctx, pool.Address)
	if err != nil {
		return decimal.Zero, chain.Reserves{}, err
	}
	res, err := s.getReserves(ctx, pool.Address)
	if err != nil {
		return decimal.Zero, chain.Reserves{}, err
	}
	fraction, err := OwnedFraction(lpAmount, total, s.deployment.LPDecimals)
	if err != nil {
		return decimal.Zero, chain.Reserves{}, fmt.Errorf("LP share of %s: %w", pool.Name, err)
	}
	return fraction, res, nil
}

type treasuryValue struct {
	market    decimal.Decimal
	riskFree  decimal.Decimal
	stable    decimal.Decimal
	native    decimal.Decimal
	positions []model.PositionValue
}

// treasury sums the market and risk-free value of the treasury's holdings.
// The native asset counts toward market value only.
func (s *snapshot) treasury(ctx context.Context) (treasuryValue, error) {
	d := s.deployment

	stableRaw, err := s.reader.BalanceOf(ctx, d.Stablecoin.Address, d.Treasury)
	if err != nil {
		return treasuryValue{}, fmt.Errorf("treasury stablecoin balance: %w", err)
	}
	stable := ToDecimal(stableRaw, d.Stablecoin.Decimals)

	nativeRaw, err := s.reader.BalanceOf(ctx, d.NativeAsset.Address, d.Treasury)
	if err != nil {
		return treasuryValue{}, fmt.Errorf("treasury native balance: %w", err)
	}
	nativePrice, err := s.poolPrice(ctx, d.NativePricePool)
	if err != nil {
		return treasuryValue{}, fmt.Errorf("native asset price: %w", err)
	}
	native := ToDecimal(nativeRaw, d.NativeAsset.Decimals).Mul(nativePrice)

	tv := treasuryValue{
		market:    stable.Add(native),
		riskFree:  stable,
		stable:    stable,
		native:    native,
		positions: make([]model.PositionValue, 0, len(d.Positions)),
	}

	for _, pool := range d.Positions {
		lpBalance, err := s.reader.BalanceOf(ctx, pool.Address, d.Treasury)
		if err != nil {
			return treasuryValue{}, fmt.Errorf("treasury balance of %s: %w", pool.Name, err)
		}
		mv, err := s.poolUSD(ctx, pool, lpBalance)
		if err != nil {
			return treasuryValue{}, err
		}
		rfv, err := s.discountedPoolUSD(ctx, pool, lpBalance)
		if err != nil {
			return treasuryValue{}, err
		}

		tv.market = tv.market.Add(mv)
		tv.riskFree = tv.riskFree.Add(rfv)
		tv.positions = append(tv.positions, model.PositionValue{
			Name:          pool.Name,
			Pool:          pool.Address.Hex(),
			MarketValue:   mv,
			RiskFreeValue: rfv,
		})
	}

	return tv, nil
}

func (s *snapshot) getTotalLP(ctx context.Context, pool common.Address) (*big.Int, error) {
	if v, ok := s.totalLP[pool]; ok {
		return v, nil
	}
	v, err := s.reader.TotalSupply(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("LP total supply of %s: %w", pool.Hex(), err)
	}
	s.totalLP[pool] = v
	return v, nil
}

func (s *snapshot) getReserves(ctx context.Context, pool common.Address) (chain.Reserves, error) {
	if v, ok := s.reserves[pool]; ok {
		return v, nil
	}
	v, err := s.reader.GetReserves(ctx, pool)
	if err != nil {
		return chain.Reserves{}, fmt.Errorf("reserves of %s: %w", pool.Hex(), err)
	}
	s.reserves[pool] = v
	return v, nil
}

// splitReserves returns (quote, base) according to the pool's quote index
func splitReserves(pool config.Pool, res chain.Reserves) (*big.Int, *big.Int) {
	if pool.QuoteIndex == 1 {
		return res.Reserve1, res.Reserve0
	}
	return res.Reserve0, res.Reserve1
}
