package cmd

import (
	"os"
	"strings"

	"github.com/evolvechain/settler/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "settler",
	Short: "The EvolveChain settler distributes contribution rewards and tracks evolution tasks",
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	initConfig(rootCmd)

	rootCmd.PersistentFlags().Bool(config.Debug, false, `"true" or "false"`)
	rootCmd.PersistentFlags().StringP(config.ChainFlag, "c", "mainnet", "The chain to use (mainnet, sepolia, local)")

	rootCmd.PersistentFlags().String(config.EthereumRpcBaseUrl, "", `e.g. "http://<hostname>:8545"`)
	rootCmd.PersistentFlags().String(config.WalletPrivateKey, "", `Hex private key of the distributing wallet`)

	rootCmd.PersistentFlags().String(config.DatabaseHost, "localhost", `PostgreSQL host`)
	rootCmd.PersistentFlags().Int(config.DatabasePort, 5432, `PostgreSQL port`)
	rootCmd.PersistentFlags().String(config.DatabaseUser, "settler", `PostgreSQL username`)
	rootCmd.PersistentFlags().String(config.DatabasePassword, "", `PostgreSQL password`)
	rootCmd.PersistentFlags().String(config.DatabaseDbName, "settler", `PostgreSQL database name`)
	rootCmd.PersistentFlags().String(config.DatabaseSchemaName, "", `PostgreSQL schema name (default "public")`)

	rootCmd.PersistentFlags().String(config.StorageEngineFlag, "postgres", `Storage engine for the ledger and queue (postgres, leveldb, memory)`)
	rootCmd.PersistentFlags().String(config.StorageLevelDBPath, "./settler-data", `Data directory for the leveldb engine`)

	rootCmd.PersistentFlags().String(config.EvaluatorBaseUrl, "", `Base url of the block evaluator service`)
	rootCmd.PersistentFlags().String(config.EvaluatorApiKey, "", `API key for the block evaluator service`)
	rootCmd.PersistentFlags().Duration(config.EvaluatorTimeout, 0, `Timeout for evaluator requests`)

	rootCmd.PersistentFlags().Duration(config.DistributionMintTimeout, 0, `Timeout for a single mint transaction`)
	rootCmd.PersistentFlags().String(config.DistributionMaxAmount, "", `Hard cap on a single reward amount`)
	rootCmd.PersistentFlags().String(config.DistributionActivityAmount, "", `Token amount for a completed scored activity`)
	rootCmd.PersistentFlags().String(config.DistributionRefineBase, "", `Base token amount for a completed evolution task`)
	rootCmd.PersistentFlags().String(config.DistributionContractsFile, "", `Path to a YAML contract registry override`)

	rootCmd.PersistentFlags().Int(config.DrainerWorkers, 4, `Concurrent workers draining the offline queue`)
	rootCmd.PersistentFlags().Int(config.DrainerMaxRetries, 5, `Retries per queued event before a terminal failure`)
	rootCmd.PersistentFlags().Duration(config.DrainerBackoffBase, 0, `Backoff after the first failed attempt`)
	rootCmd.PersistentFlags().Duration(config.DrainerBackoffMax, 0, `Cap on the exponential retry backoff`)

	rootCmd.PersistentFlags().Int(config.EvolutionMaxRetries, 3, `Retries per failed evolution task`)
	rootCmd.PersistentFlags().Duration(config.EvolutionRetryBackoffMax, 0, `Cap on the evolution retry backoff`)

	rootCmd.PersistentFlags().Bool(config.DatadogStatsdEnabled, false, `e.g. "true" or "false"`)
	rootCmd.PersistentFlags().String(config.DatadogStatsdUrl, "", `e.g. "localhost:8125"`)

	rootCmd.PersistentFlags().Bool(config.PrometheusEnabled, false, `e.g. "true" or "false"`)
	rootCmd.PersistentFlags().Int(config.PrometheusPort, 2112, `The port to run the prometheus server on`)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(runVersionCmd)
	rootCmd.AddCommand(exportLedgerCmd)

	exportLedgerCmd.PersistentFlags().String(ledgerExportStatusFlag, "", `Filter exported records by status (DISTRIBUTED, FAILED_TERMINAL)`)
	exportLedgerCmd.PersistentFlags().String(ledgerExportOutputFlag, "", `Write the CSV to this file instead of stdout`)

	rootCmd.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		key := config.KebabToSnakeCase(f.Name)
		viper.BindPFlag(key, f) //nolint:errcheck
		viper.BindEnv(key)      //nolint:errcheck
	})
}

func initConfig(cmd *cobra.Command) {
	viper.SetEnvPrefix(config.ENV_PREFIX)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	viper.AutomaticEnv()
}
