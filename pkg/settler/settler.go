package settler

import (
	"context"
	"sync/atomic"

	"github.com/evolvechain/settler/internal/config"
	"github.com/evolvechain/settler/pkg/clients/ethereum"
	"github.com/evolvechain/settler/pkg/clients/wallet"
	"github.com/evolvechain/settler/pkg/distributor"
	"github.com/evolvechain/settler/pkg/evolution"
	"github.com/evolvechain/settler/pkg/offlineQueue"
	"github.com/evolvechain/settler/pkg/queueDrainer"
	"github.com/evolvechain/settler/pkg/rewardLedger"
	"go.uber.org/zap"
)

// Settler bundles the distribution engine's components behind one Start and
// Shutdown. All of the wiring happens in cmd; this type only owns lifecycle.
type Settler struct {
	Logger         *zap.Logger
	GlobalConfig   *config.Config
	Ledger         *rewardLedger.RewardLedger
	Queue          *offlineQueue.OfflineQueue
	Distributor    *distributor.Distributor
	Drainer        *queueDrainer.QueueDrainer
	StageTracker   *evolution.StageTracker
	EthereumClient *ethereum.Client
	Wallet         wallet.IWallet
	ShutdownChan   chan bool
	shouldShutdown *atomic.Bool
}

func NewSettler(
	gCfg *config.Config,
	ledger *rewardLedger.RewardLedger,
	queue *offlineQueue.OfflineQueue,
	d *distributor.Distributor,
	drainer *queueDrainer.QueueDrainer,
	st *evolution.StageTracker,
	ethClient *ethereum.Client,
	w wallet.IWallet,
	l *zap.Logger,
) *Settler {
	shouldShutdown := &atomic.Bool{}
	shouldShutdown.Store(false)
	return &Settler{
		Logger:         l,
		GlobalConfig:   gCfg,
		Ledger:         ledger,
		Queue:          queue,
		Distributor:    d,
		Drainer:        drainer,
		StageTracker:   st,
		EthereumClient: ethClient,
		Wallet:         w,
		ShutdownChan:   make(chan bool),
		shouldShutdown: shouldShutdown,
	}
}

// Start connects the wallet and brings up the drainer. A wallet that fails
// to connect is not fatal; rewards queue until it comes back.
func (s *Settler) Start(ctx context.Context) {
	s.Logger.Info("Starting settler")

	go func() {
		for range s.ShutdownChan {
			s.Logger.Sugar().Infow("Received shutdown signal")
			s.Shutdown()
		}
	}()

	if s.Wallet != nil {
		if err := s.Wallet.Connect(ctx); err != nil {
			s.Logger.Sugar().Warnw("Wallet connection failed, rewards will queue until it recovers",
				zap.Error(err),
			)
		}
	}

	go s.Drainer.Process()

	// Settle anything left over from a previous run.
	if err := s.Drainer.DrainAll(ctx); err != nil {
		s.Logger.Sugar().Errorw("Failed to drain offline queues on startup", zap.Error(err))
	}
}

// Shutdown stops the drainer and closes the RPC connection. It is safe to
// call from both the shutdown channel and the signal handler; only the first
// call does the work.
func (s *Settler) Shutdown() {
	if !s.shouldShutdown.CompareAndSwap(false, true) {
		return
	}
	s.Logger.Sugar().Infow("Shutting down settler")
	s.Drainer.Close()
	if s.EthereumClient != nil {
		s.EthereumClient.Close()
	}
}
