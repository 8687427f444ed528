package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// ErrInvalidDeployment is returned when a deployment document fails validation.
var ErrInvalidDeployment = errors.New("invalid deployment")

// Asset is an ERC20-like contract and the decimal exponent of its raw amounts.
type Asset struct {
	Address  common.Address `json:"address"`
	Decimals int32          `json:"decimals"`
}

// Pool describes a two-asset constant-product pair.
// QuoteIndex selects the USD-denominated reserve (0 or 1); the other reserve is the base.
type Pool struct {
	Name             string         `json:"name"`
	Address          common.Address `json:"address"`
	Reserve0Decimals int32          `json:"reserve0_decimals"`
	Reserve1Decimals int32          `json:"reserve1_decimals"`
	QuoteIndex       int            `json:"quote_index"`
}

// QuoteDecimals returns the decimals of the quote reserve.
func (p Pool) QuoteDecimals() int32 {
	if p.QuoteIndex == 1 {
		return p.Reserve1Decimals
	}
	return p.Reserve0Decimals
}

// BaseDecimals returns the decimals of the base reserve.
func (p Pool) BaseDecimals() int32 {
	if p.QuoteIndex == 1 {
		return p.Reserve0Decimals
	}
	return p.Reserve1Decimals
}

// Contract is a named address, used for bond contracts and trigger sources.
type Contract struct {
	Name    string         `json:"name"`
	Address common.Address `json:"address"`
}

// Staking is the staking contract and the decimals of its epoch distribution.
type Staking struct {
	Address              common.Address `json:"address"`
	DistributionDecimals int32          `json:"distribution_decimals"`
}

// Deployment is the static per-deployment configuration consumed by the metrics computer.
type Deployment struct {
	Name string `json:"name"`

	Token       Asset   `json:"token"`
	StakedToken Asset   `json:"staked_token"`
	Staking     Staking `json:"staking"`
	Stablecoin  Asset   `json:"stablecoin"`
	NativeAsset Asset   `json:"native_asset"`

	Treasury common.Address `json:"treasury"`
	DAO      common.Address `json:"dao"`

	// PricePool prices the protocol token and backs total/owned liquidity
	PricePool Pool `json:"price_pool"`
	// NativePricePool prices the native asset held by the treasury
	NativePricePool Pool `json:"native_price_pool"`
	// Positions are the token/stable LP positions valued in the treasury
	Positions []Pool `json:"positions"`

	// LPDecimals is the exponent applied to LP share amounts
	LPDecimals int32 `json:"lp_decimals"`

	// Bonds are excluded from circulating supply and, by default, trigger updates
	Bonds []Contract `json:"bonds"`
	// Triggers overrides the contracts whose logs trigger updates
	Triggers []Contract `json:"triggers,omitempty"`

	StartBlock uint64 `json:"start_block"`
}

// LoadDeployment reads and validates a deployment document
func LoadDeployment(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment file: %w", err)
	}

	d, err := ParseDeployment(data)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"deployment": d.Name,
		"positions":  len(d.Positions),
		"bonds":      len(d.Bonds),
		"start":      d.StartBlock,
	}).Infof("Loaded deployment from %s", path)
	return d, nil
}

// ParseDeployment decodes a deployment document, applies defaults and validates it
func ParseDeployment(data []byte) (*Deployment, error) {
	d := &Deployment{LPDecimals: 18}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("failed to parse deployment: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks that every required address is set and pool definitions are coherent
func (d *Deployment) Validate() error {
	required := map[string]common.Address{
		"token":             d.Token.Address,
		"staked_token":      d.StakedToken.Address,
		"staking":           d.Staking.Address,
		"stablecoin":        d.Stablecoin.Address,
		"native_asset":      d.NativeAsset.Address,
		"treasury":          d.Treasury,
		"dao":               d.DAO,
		"price_pool":        d.PricePool.Address,
		"native_price_pool": d.NativePricePool.Address,
	}
	for name, addr := range required {
		if addr == (common.Address{}) {
			return fmt.Errorf("%w: %s address is not set", ErrInvalidDeployment, name)
		}
	}

	pools := append([]Pool{d.PricePool, d.NativePricePool}, d.Positions...)
	for _, p := range pools {
		if p.QuoteIndex != 0 && p.QuoteIndex != 1 {
			return fmt.Errorf("%w: pool %s quote_index must be 0 or 1", ErrInvalidDeployment, p.Name)
		}
		if p.Reserve0Decimals < 0 || p.Reserve1Decimals < 0 {
			return fmt.Errorf("%w: pool %s has negative decimals", ErrInvalidDeployment, p.Name)
		}
	}

	for _, b := range d.Bonds {
		if b.Address == (common.Address{}) {
			return fmt.Errorf("%w: bond %s address is not set", ErrInvalidDeployment, b.Name)
		}
	}

	if d.LPDecimals < 0 {
		return fmt.Errorf("%w: lp_decimals must not be negative", ErrInvalidDeployment)
	}
	return nil
}

// ExcludedFromCirculation returns the holders whose token balance is not circulating:
// the DAO followed by every bond contract.
func (d *Deployment) ExcludedFromCirculation() []common.Address {
	out := make([]common.Address, 0, len(d.Bonds)+1)
	out = append(out, d.DAO)
	for _, b := range d.Bonds {
		out = append(out, b.Address)
	}
	return out
}

// TriggerAddresses returns the contracts whose logs trigger a metrics update.
func (d *Deployment) TriggerAddresses() []common.Address {
	src := d.Triggers
	if len(src) == 0 {
		src = d.Bonds
	}
	out := make([]common.Address, 0, len(src))
	for _, c := range src {
		out = append(out, c.Address)
	}
	return out
}
