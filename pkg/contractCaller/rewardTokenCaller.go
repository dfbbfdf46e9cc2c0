package contractCaller

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RewardTokenAbi covers the two functions the settler uses on the reward
// token contract.
const RewardTokenAbi = `[
	{"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"},{"name":"sourceId","type":"string"}],"name":"mint","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

// MintResult reports the outcome of a mint submission. Confirmed is false
// when the transaction was accepted by the node but the receipt did not
// arrive before the context deadline; TxHash is still set in that case so
// the caller can resolve the receipt later.
type MintResult struct {
	TxHash    string
	Confirmed bool
}

// IRewardTokenCaller defines the reward token contract operations.
type IRewardTokenCaller interface {
	// Mint submits a mint transaction and waits for its receipt within the
	// context deadline.
	Mint(ctx context.Context, to common.Address, amount *big.Int, sourceId string) (*MintResult, error)

	// BalanceOf fetches the token balance of an account.
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
}
