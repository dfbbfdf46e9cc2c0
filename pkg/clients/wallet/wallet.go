package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/evolvechain/settler/pkg/clients/ethereum"
	"github.com/evolvechain/settler/pkg/eventBus/eventBusTypes"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// IWallet abstracts the signing identity used to submit mint transactions.
// Connectivity is observable: dispatch consults IsConnected before attempting
// a mint, and connection transitions are published on the event bus so the
// drainer can react to reconnects.
type IWallet interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Address() common.Address
	TransactOpts(ctx context.Context) (*bind.TransactOpts, error)
}

type PrivateKeyWalletConfig struct {
	PrivateKey string
	ChainId    *big.Int
}

// PrivateKeyWallet signs with a locally held key. Connected means the RPC
// endpoint answered a chain id probe with the expected chain.
type PrivateKeyWallet struct {
	config     *PrivateKeyWalletConfig
	client     *ethereum.Client
	eventBus   eventBusTypes.IEventBus
	logger     *zap.Logger
	privateKey *ecdsa.PrivateKey
	address    common.Address

	mu        sync.RWMutex
	connected bool
}

func NewPrivateKeyWallet(
	cfg *PrivateKeyWalletConfig,
	client *ethereum.Client,
	eb eventBusTypes.IEventBus,
	l *zap.Logger,
) (*PrivateKeyWallet, error) {
	pk, err := crypto.HexToECDSA(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse wallet private key: %w", err)
	}
	return &PrivateKeyWallet{
		config:     cfg,
		client:     client,
		eventBus:   eb,
		logger:     l,
		privateKey: pk,
		address:    crypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

func (w *PrivateKeyWallet) Connect(ctx context.Context) error {
	chainId, err := w.client.ChainId(ctx)
	if err != nil {
		w.setConnected(false)
		return fmt.Errorf("failed to probe chain id: %w", err)
	}
	if w.config.ChainId != nil && chainId.Cmp(w.config.ChainId) != 0 {
		w.setConnected(false)
		return fmt.Errorf("rpc chain id %s does not match configured chain id %s", chainId, w.config.ChainId)
	}
	w.setConnected(true)
	return nil
}

func (w *PrivateKeyWallet) Disconnect() {
	w.setConnected(false)
}

func (w *PrivateKeyWallet) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

func (w *PrivateKeyWallet) Address() common.Address {
	return w.address
}

func (w *PrivateKeyWallet) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if !w.IsConnected() {
		return nil, errors.New("wallet is not connected")
	}
	opts, err := bind.NewKeyedTransactorWithChainID(w.privateKey, w.config.ChainId)
	if err != nil {
		return nil, fmt.Errorf("failed to build transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

func (w *PrivateKeyWallet) setConnected(connected bool) {
	w.mu.Lock()
	was := w.connected
	w.connected = connected
	w.mu.Unlock()

	if was == connected {
		return
	}

	eventName := eventBusTypes.Event_WalletConnected
	if !connected {
		eventName = eventBusTypes.Event_WalletDisconnected
	}
	w.logger.Sugar().Infow("Wallet connection state changed",
		zap.String("address", w.address.String()),
		zap.Bool("connected", connected),
	)
	if w.eventBus != nil {
		var chainId uint64
		if w.config.ChainId != nil {
			chainId = w.config.ChainId.Uint64()
		}
		w.eventBus.Publish(&eventBusTypes.Event{
			Name: eventName,
			Data: &eventBusTypes.WalletConnectionData{
				Address: w.address.String(),
				ChainId: chainId,
			},
		})
	}
}
