package cmd

import (
	"os"

	"github.com/evolvechain/settler/internal/config"
	"github.com/evolvechain/settler/pkg/logger"
	"github.com/evolvechain/settler/pkg/rewardLedger"
	"github.com/evolvechain/settler/pkg/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	ledgerExportStatusFlag = "ledger-export.status"
	ledgerExportOutputFlag = "ledger-export.output"
)

var exportLedgerCmd = &cobra.Command{
	Use:   "export-ledger",
	Short: "Export the distribution ledger as CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.NewConfig()

		l, err := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})
		if err != nil {
			return err
		}

		store, err := buildRewardStore(cfg, l)
		if err != nil {
			l.Sugar().Fatalw("Failed to setup reward store", zap.Error(err))
		}

		ledger := rewardLedger.NewRewardLedger(store, l)

		out := os.Stdout
		if path, _ := cmd.Flags().GetString(ledgerExportOutputFlag); path != "" {
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}

		statusFlag, _ := cmd.Flags().GetString(ledgerExportStatusFlag)
		return ledger.ExportCsv(out, storage.RewardStatus(statusFlag))
	},
}
