// Package chain provides read-only contract bindings for the protocol's on-chain state.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Reserves is the result of a pair's getReserves call.
type Reserves struct {
	Reserve0           *big.Int
	Reserve1           *big.Int
	BlockTimestampLast uint32
}

// Reader exposes the view calls used to derive protocol metrics. Implementations pin every
// call to a single block.
type Reader interface {
	TotalSupply(ctx context.Context, token common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
	CirculatingSupply(ctx context.Context, stakedToken common.Address) (*big.Int, error)
	GetReserves(ctx context.Context, pair common.Address) (Reserves, error)
	EpochDistribute(ctx context.Context, staking common.Address) (*big.Int, error)
}

// Client binds contract calls to an RPC backend.
type Client struct {
	caller  bind.ContractCaller
	limiter *rate.Limiter
	timeout time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithRateLimit caps the number of contract calls per second
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithCallTimeout bounds each individual contract call
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// NewClient creates a contract client on top of any ContractCaller (ethclient, simulated backend)
func NewClient(caller bind.ContractCaller, opts ...Option) *Client {
	c := &Client{caller: caller}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to a JSON-RPC endpoint. HTTP endpoints go through a retrying transport.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 3 * time.Second
	retryClient.Logger = nil

	rpcClient, err := rpc.DialOptions(ctx, endpoint, rpc.WithHTTPClient(retryClient.StandardClient()))
	if err != nil {
		return nil, fmt.Errorf("error dialing %s: %w", endpoint, err)
	}

	logrus.Infof("Connected to RPC endpoint %s", endpoint)
	return ethclient.NewClient(rpcClient), nil
}

// At returns a Reader whose calls all execute against the state at blockNumber.
func (c *Client) At(blockNumber uint64) Reader {
	return &blockReader{client: c, block: new(big.Int).SetUint64(blockNumber)}
}

// call packs, executes and unpacks one view call
func (c *Client) call(ctx context.Context, block *big.Int, address common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	contract := bind.NewBoundContract(address, contractABI, c.caller, nil, nil)

	var out []interface{}
	opts := &bind.CallOpts{Context: ctx, BlockNumber: block}
	if err := contract.Call(opts, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, address.Hex(), err)
	}

	logrus.WithFields(logrus.Fields{
		"contract": address.Hex(),
		"method":   method,
		"block":    block,
	}).Trace("Contract call")
	return out, nil
}

type blockReader struct {
	client *Client
	block  *big.Int
}

func (r *blockReader) TotalSupply(ctx context.Context, token common.Address) (*big.Int, error) {
	out, err := r.client.call(ctx, r.block, token, erc20ABI, "totalSupply")
	if err != nil {
		return nil, err
	}
	return bigAt(out, 0, "totalSupply")
}

func (r *blockReader) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	out, err := r.client.call(ctx, r.block, token, erc20ABI, "balanceOf", holder)
	if err != nil {
		return nil, err
	}
	return bigAt(out, 0, "balanceOf")
}

func (r *blockReader) CirculatingSupply(ctx context.Context, stakedToken common.Address) (*big.Int, error) {
	out, err := r.client.call(ctx, r.block, stakedToken, stakedTokenABI, "circulatingSupply")
	if err != nil {
		return nil, err
	}
	return bigAt(out, 0, "circulatingSupply")
}

func (r *blockReader) GetReserves(ctx context.Context, pair common.Address) (Reserves, error) {
	out, err := r.client.call(ctx, r.block, pair, pairABI, "getReserves")
	if err != nil {
		return Reserves{}, err
	}

	reserve0, err := bigAt(out, 0, "getReserves")
	if err != nil {
		return Reserves{}, err
	}
	reserve1, err := bigAt(out, 1, "getReserves")
	if err != nil {
		return Reserves{}, err
	}

	res := Reserves{Reserve0: reserve0, Reserve1: reserve1}
	if len(out) > 2 {
		if ts, ok := out[2].(uint32); ok {
			res.BlockTimestampLast = ts
		}
	}
	return res, nil
}

func (r *blockReader) EpochDistribute(ctx context.Context, staking common.Address) (*big.Int, error) {
	out, err := r.client.call(ctx, r.block, staking, stakingABI, "epoch")
	if err != nil {
		return nil, err
	}
	return bigAt(out, epochDistributeIndex, "epoch")
}

// bigAt extracts a *big.Int output value
func bigAt(out []interface{}, index int, method string) (*big.Int, error) {
	if index >= len(out) {
		return nil, fmt.Errorf("%s: expected at least %d outputs, got %d", method, index+1, len(out))
	}
	v, ok := out[index].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("%s: output %d has type %T, want *big.Int", method, index, out[index])
	}
	return v, nil
}
