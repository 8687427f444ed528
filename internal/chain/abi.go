package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Minimal ABIs for the read-only calls the metrics computer needs.
const (
	erc20ABIJSON = `[
		{"constant":true,"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
		{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
	]`

	stakedTokenABIJSON = `[
		{"constant":true,"inputs":[],"name":"circulatingSupply","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
	]`

	// epoch() layout of the staking contract; distribute is output 3
	stakingABIJSON = `[
		{"constant":true,"inputs":[],"name":"epoch","outputs":[
			{"name":"length","type":"uint256"},
			{"name":"number","type":"uint256"},
			{"name":"endBlock","type":"uint256"},
			{"name":"distribute","type":"uint256"}
		],"stateMutability":"view","type":"function"}
	]`

	pairABIJSON = `[
		{"constant":true,"inputs":[],"name":"getReserves","outputs":[
			{"name":"reserve0","type":"uint112"},
			{"name":"reserve1","type":"uint112"},
			{"name":"blockTimestampLast","type":"uint32"}
		],"stateMutability":"view","type":"function"}
	]`
)

// epochDistributeIndex is the position of the distribution amount in epoch() outputs.
const epochDistributeIndex = 3

var (
	erc20ABI       = mustParseABI(erc20ABIJSON)
	stakedTokenABI = mustParseABI(stakedTokenABIJSON)
	stakingABI     = mustParseABI(stakingABIJSON)
	pairABI        = mustParseABI(pairABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("chain: invalid embedded ABI: " + err.Error())
	}
	return parsed
}
