package cmd

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/evolvechain/settler/internal/config"
	"github.com/evolvechain/settler/internal/tracer"
	"github.com/evolvechain/settler/internal/version"
	"github.com/evolvechain/settler/pkg/clients/ethereum"
	"github.com/evolvechain/settler/pkg/clients/evaluator"
	"github.com/evolvechain/settler/pkg/clients/wallet"
	"github.com/evolvechain/settler/pkg/contractCaller"
	"github.com/evolvechain/settler/pkg/contractCaller/boundRewardTokenCaller"
	"github.com/evolvechain/settler/pkg/distributor"
	"github.com/evolvechain/settler/pkg/eventBus"
	"github.com/evolvechain/settler/pkg/evolution"
	"github.com/evolvechain/settler/pkg/logger"
	"github.com/evolvechain/settler/pkg/metrics"
	"github.com/evolvechain/settler/pkg/metrics/prometheus"
	"github.com/evolvechain/settler/pkg/offlineQueue"
	"github.com/evolvechain/settler/pkg/postgres"
	"github.com/evolvechain/settler/pkg/queueDrainer"
	"github.com/evolvechain/settler/pkg/rewardLedger"
	"github.com/evolvechain/settler/pkg/settler"
	"github.com/evolvechain/settler/pkg/shutdown"
	"github.com/evolvechain/settler/pkg/storage"
	leveldbStore "github.com/evolvechain/settler/pkg/storage/leveldb"
	memoryStore "github.com/evolvechain/settler/pkg/storage/memory"
	pgStore "github.com/evolvechain/settler/pkg/storage/postgres"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// rewardStore is what the run command needs from a storage engine.
type rewardStore interface {
	storage.LedgerStore
	storage.QueueStore
}

func buildRewardStore(cfg *config.Config, l *zap.Logger) (rewardStore, error) {
	switch cfg.StorageConfig.Engine {
	case config.StorageEngine_Postgres:
		pgConfig := postgres.PostgresConfigFromDbConfig(&cfg.DatabaseConfig)
		pg, err := postgres.NewPostgres(pgConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to setup postgres connection: %w", err)
		}
		grm, err := postgres.NewGormFromPostgresConnection(pg.Db)
		if err != nil {
			return nil, fmt.Errorf("failed to create gorm instance: %w", err)
		}
		if err := postgres.MigrateModels(grm, l); err != nil {
			return nil, fmt.Errorf("failed to migrate models: %w", err)
		}
		return pgStore.NewPostgresRewardStore(grm, l), nil
	case config.StorageEngine_LevelDB:
		return leveldbStore.NewLevelDBRewardStore(cfg.StorageConfig.LevelDBPath, l)
	case config.StorageEngine_Memory:
		return memoryStore.NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage engine '%s'", cfg.StorageConfig.Engine)
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the settler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.NewConfig()
		ctx := context.Background()

		l, err := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})
		if err != nil {
			return err
		}

		l.Sugar().Infow("settler run",
			zap.String("version", version.GetVersion()),
			zap.String("commit", version.GetCommit()),
			zap.String("chain", cfg.Chain.String()),
		)

		tracer.StartTracer(cfg.DatadogConfig.StatsdEnabled, cfg.Chain)

		eb := eventBus.NewEventBus(l)

		metricsClients, err := metrics.InitMetricsSinksFromConfig(cfg, l)
		if err != nil {
			l.Sugar().Fatalw("Failed to setup metrics clients", zap.Error(err))
		}
		sink, err := metrics.NewMetricsSink(&metrics.MetricsSinkConfig{}, metricsClients)
		if err != nil {
			l.Sugar().Fatalw("Failed to setup metrics sink", zap.Error(err))
		}

		store, err := buildRewardStore(cfg, l)
		if err != nil {
			l.Sugar().Fatalw("Failed to setup reward store", zap.Error(err))
		}

		ledger := rewardLedger.NewRewardLedger(store, l)
		queue := offlineQueue.NewOfflineQueue(store, l)

		// The settlement path is optional. Without an RPC url or a wallet
		// key, every reward queues until the operator supplies them.
		var ethClient *ethereum.Client
		var w wallet.IWallet
		var tokenCaller contractCaller.IRewardTokenCaller
		var receipts distributor.ReceiptResolver
		if cfg.EthereumRpcConfig.BaseUrl != "" {
			ethClient, err = ethereum.NewClient(&ethereum.EthereumClientConfig{
				BaseUrl: cfg.EthereumRpcConfig.BaseUrl,
			}, l)
			if err != nil {
				l.Sugar().Fatalw("Failed to create ethereum client", zap.Error(err))
			}
			receipts = ethClient

			if cfg.WalletConfig.PrivateKey != "" {
				w, err = wallet.NewPrivateKeyWallet(&wallet.PrivateKeyWalletConfig{
					PrivateKey: cfg.WalletConfig.PrivateKey,
					ChainId:    new(big.Int).SetUint64(cfg.Chain.ChainId()),
				}, ethClient, eb, l)
				if err != nil {
					l.Sugar().Fatalw("Failed to create wallet", zap.Error(err))
				}

				if tokenAddress := cfg.GetRewardTokenAddress(); tokenAddress != "" {
					tokenCaller = boundRewardTokenCaller.NewBoundRewardTokenCaller(
						ethClient, w, common.HexToAddress(tokenAddress), l)
				} else {
					l.Sugar().Warnw("No reward token contract for chain, rewards will queue",
						zap.String("chain", cfg.Chain.String()),
					)
				}
			} else {
				l.Sugar().Warnw("No wallet private key configured, rewards will queue")
			}
		} else {
			l.Sugar().Warnw("No ethereum RPC url configured, rewards will queue")
		}

		d := distributor.NewDistributor(cfg, ledger, queue, w, tokenCaller, receipts, eb, sink, l)

		drainer := queueDrainer.NewQueueDrainer(&queueDrainer.QueueDrainerConfig{
			Workers:     cfg.DrainerConfig.Workers,
			MaxRetries:  cfg.DrainerConfig.MaxRetries,
			BackoffBase: cfg.DrainerConfig.BackoffBase,
			BackoffMax:  cfg.DrainerConfig.BackoffMax,
		}, d, queue, ledger, eb, sink, l)

		evaluatorClient := evaluator.NewClient(&evaluator.ClientConfig{
			BaseUrl: cfg.EvaluatorConfig.BaseUrl,
			ApiKey:  cfg.EvaluatorConfig.ApiKey,
		}, l)

		st := evolution.NewStageTracker(&evolution.StageTrackerConfig{
			MaxRetries:      cfg.EvolutionConfig.MaxRetries,
			RetryBackoffMax: cfg.EvolutionConfig.RetryBackoffMax,
		}, evaluatorClient, d, eb, sink, l)

		s := settler.NewSettler(cfg, ledger, queue, d, drainer, st, ethClient, w, l)
		s.Start(ctx)

		promChan := make(chan bool)
		if cfg.PrometheusConfig.Enabled {
			pServer := prometheus.NewPrometheusServer(&prometheus.PrometheusServerConfig{
				Port: cfg.PrometheusConfig.Port,
			}, l)
			if err := pServer.Start(promChan); err != nil {
				l.Sugar().Fatalw("Failed to start prometheus server", zap.Error(err))
			}
		}

		l.Sugar().Info("Started settler")

		gracefulShutdown := shutdown.CreateGracefulShutdownChannel()

		done := make(chan bool)
		shutdown.ListenForShutdown(gracefulShutdown, done, func() {
			l.Sugar().Info("Shutting down...")
			if cfg.PrometheusConfig.Enabled {
				promChan <- true
			}
			s.Shutdown()
		}, time.Second*5, l)
		return nil
	},
}
