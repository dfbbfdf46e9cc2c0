package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

type EthereumClientConfig struct {
	BaseUrl string
}

// Client wraps the upstream RPC connection used for submitting mint
// transactions and resolving receipts for unconfirmed submissions.
type Client struct {
	config    *EthereumClientConfig
	ethClient *ethclient.Client
	logger    *zap.Logger
}

func NewClient(cfg *EthereumClientConfig, l *zap.Logger) (*Client, error) {
	ec, err := ethclient.Dial(cfg.BaseUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ethereum rpc at '%s': %w", cfg.BaseUrl, err)
	}
	return &Client{
		config:    cfg,
		ethClient: ec,
		logger:    l,
	}, nil
}

func (c *Client) EthClient() *ethclient.Client {
	return c.ethClient
}

func (c *Client) ChainId(ctx context.Context) (*big.Int, error) {
	return c.ethClient.ChainID(ctx)
}

func (c *Client) BalanceAt(ctx context.Context, address common.Address) (*big.Int, error) {
	return c.ethClient.BalanceAt(ctx, address, nil)
}

// ReceiptStatus describes the fate of a previously submitted transaction.
type ReceiptStatus int

const (
	ReceiptStatus_NotFound ReceiptStatus = iota
	ReceiptStatus_Succeeded
	ReceiptStatus_Reverted
)

// ResolveReceipt looks up the receipt for a transaction hash. NotFound means
// the transaction is unknown to the node or still pending, so the caller is
// free to retry the underlying operation.
func (c *Client) ResolveReceipt(ctx context.Context, txHash string) (ReceiptStatus, *types.Receipt, error) {
	receipt, err := c.ethClient.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, goethereum.NotFound) {
			return ReceiptStatus_NotFound, nil, nil
		}
		return ReceiptStatus_NotFound, nil, fmt.Errorf("failed to fetch receipt for '%s': %w", txHash, err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return ReceiptStatus_Succeeded, receipt, nil
	}
	return ReceiptStatus_Reverted, receipt, nil
}

func (c *Client) Close() {
	c.ethClient.Close()
}
