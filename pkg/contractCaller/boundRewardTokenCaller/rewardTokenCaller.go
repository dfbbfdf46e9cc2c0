package boundRewardTokenCaller

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/evolvechain/settler/pkg/clients/ethereum"
	"github.com/evolvechain/settler/pkg/clients/wallet"
	"github.com/evolvechain/settler/pkg/contractCaller"
	"github.com/evolvechain/settler/pkg/errorClassifier"
	"go.uber.org/zap"
)

type BoundRewardTokenCaller struct {
	EthereumClient *ethereum.Client
	Wallet         wallet.IWallet
	TokenAddress   common.Address
	Logger         *zap.Logger
}

func NewBoundRewardTokenCaller(
	ec *ethereum.Client,
	w wallet.IWallet,
	tokenAddress common.Address,
	l *zap.Logger,
) *BoundRewardTokenCaller {
	return &BoundRewardTokenCaller{
		EthereumClient: ec,
		Wallet:         w,
		TokenAddress:   tokenAddress,
		Logger:         l,
	}
}

func (brc *BoundRewardTokenCaller) boundContract() (*bind.BoundContract, error) {
	parsedABI, err := abi.JSON(strings.NewReader(contractCaller.RewardTokenAbi))
	if err != nil {
		return nil, fmt.Errorf("failed to parse reward token ABI: %v", err)
	}
	ec := brc.EthereumClient.EthClient()
	return bind.NewBoundContract(brc.TokenAddress, parsedABI, ec, ec, ec), nil
}

func (brc *BoundRewardTokenCaller) Mint(ctx context.Context, to common.Address, amount *big.Int, sourceId string) (*contractCaller.MintResult, error) {
	contract, err := brc.boundContract()
	if err != nil {
		return nil, err
	}

	opts, err := brc.Wallet.TransactOpts(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := contract.Transact(opts, "mint", to, amount, sourceId)
	if err != nil {
		return nil, translateSubmissionError(err)
	}

	txHash := tx.Hash().String()
	brc.Logger.Sugar().Debugw("Submitted mint transaction",
		zap.String("txHash", txHash),
		zap.String("to", to.String()),
		zap.String("amount", amount.String()),
		zap.String("sourceId", sourceId),
	)

	receipt, err := bind.WaitMined(ctx, brc.EthereumClient.EthClient(), tx)
	if err != nil {
		// The transaction is in flight but we could not observe its receipt.
		// Hand the hash back so the event can be parked unconfirmed.
		return &contractCaller.MintResult{TxHash: txHash, Confirmed: false}, err
	}
	if receipt.Status != 1 {
		return &contractCaller.MintResult{TxHash: txHash, Confirmed: true}, &errorClassifier.RevertError{
			Err: fmt.Errorf("mint transaction '%s' reverted", txHash),
		}
	}

	return &contractCaller.MintResult{TxHash: txHash, Confirmed: true}, nil
}

func (brc *BoundRewardTokenCaller) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	contract, err := brc.boundContract()
	if err != nil {
		return nil, err
	}

	var result []interface{}
	err = contract.Call(&bind.CallOpts{Context: ctx}, &result, "balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf for account %s: %v", account.String(), err)
	}

	if len(result) == 0 || result[0] == nil {
		return nil, fmt.Errorf("got nil or empty result from balanceOf for account %s", account.String())
	}

	balance, ok := result[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("got unexpected result type from balanceOf for account %s", account.String())
	}

	return balance, nil
}

// translateSubmissionError maps the node's text-based submission failures
// onto the typed errors the classifier understands. This is the only place
// allowed to inspect error strings; everything downstream branches on type.
func translateSubmissionError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return &errorClassifier.InsufficientFundsError{Err: err}
	case strings.Contains(msg, "execution reverted"):
		reason := ""
		if idx := strings.Index(msg, "execution reverted:"); idx >= 0 {
			reason = strings.TrimSpace(msg[idx+len("execution reverted:"):])
		}
		return &errorClassifier.RevertError{Reason: reason, Err: err}
	case strings.Contains(msg, "nonce too low"):
		return &errorClassifier.RevertError{Reason: "nonce too low", Err: err}
	case strings.Contains(msg, "already known"):
		return &errorClassifier.RevertError{Reason: "already known", Err: err}
	case strings.Contains(msg, "replacement transaction underpriced"):
		return &errorClassifier.RevertError{Reason: "replacement transaction underpriced", Err: err}
	case strings.Contains(msg, "transaction underpriced"):
		return &errorClassifier.RevertError{Reason: "transaction underpriced", Err: err}
	case strings.Contains(msg, "too many requests"):
		return &errorClassifier.RateLimitError{Err: err}
	default:
		return err
	}
}
