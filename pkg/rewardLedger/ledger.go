package rewardLedger

import (
	"fmt"
	"io"
	"time"

	"github.com/evolvechain/settler/pkg/errorClassifier"
	"github.com/evolvechain/settler/pkg/storage"
	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RewardLedger is the idempotency authority for reward distribution. A
// distribution record keyed on (sourceId, rewardType) is committed exactly
// once; later commits for the same key lose the race and observe the
// original record.
type RewardLedger struct {
	store  storage.LedgerStore
	logger *zap.Logger
}

func NewRewardLedger(store storage.LedgerStore, l *zap.Logger) *RewardLedger {
	return &RewardLedger{
		store:  store,
		logger: l,
	}
}

// Get returns the committed record for the key, or nil when the key has
// never been settled.
func (rl *RewardLedger) Get(sourceId string, rewardType storage.RewardType) (*storage.DistributionRecord, error) {
	return rl.store.GetDistributionRecord(sourceId, rewardType)
}

// CommitSettled records a successful mint. The returned bool reports whether
// this call won the commit; false means another commit for the same key got
// there first and the returned record is that earlier one.
func (rl *RewardLedger) CommitSettled(sourceId string, rewardType storage.RewardType, recipient string, amount decimal.Decimal, settlementHash string) (*storage.DistributionRecord, bool, error) {
	record := &storage.DistributionRecord{
		SourceId:       sourceId,
		RewardType:     rewardType,
		Status:         storage.RewardStatus_Distributed,
		Recipient:      recipient,
		Amount:         amount,
		SettlementHash: &settlementHash,
		CommittedAt:    time.Now().UTC(),
	}
	committed, inserted, err := rl.store.CommitDistributionRecord(record)
	if err != nil {
		return nil, false, fmt.Errorf("failed to commit settled record: %w", err)
	}
	if !inserted {
		rl.logger.Sugar().Warnw("Distribution record already committed for key",
			zap.String("sourceId", sourceId),
			zap.String("rewardType", string(rewardType)),
			zap.String("existingStatus", string(committed.Status)),
		)
	}
	return committed, inserted, nil
}

// CommitTerminal records a permanent failure so the key is never attempted
// again. Used both for immediately terminal error kinds and for retry
// exhaustion in the drainer.
func (rl *RewardLedger) CommitTerminal(sourceId string, rewardType storage.RewardType, recipient string, amount decimal.Decimal, kind errorClassifier.ErrorKind, message string) (*storage.DistributionRecord, bool, error) {
	record := &storage.DistributionRecord{
		SourceId:       sourceId,
		RewardType:     rewardType,
		Status:         storage.RewardStatus_FailedTerminal,
		Recipient:      recipient,
		Amount:         amount,
		FailureKind:    string(kind),
		FailureMessage: message,
		CommittedAt:    time.Now().UTC(),
	}
	committed, inserted, err := rl.store.CommitDistributionRecord(record)
	if err != nil {
		return nil, false, fmt.Errorf("failed to commit terminal record: %w", err)
	}
	return committed, inserted, nil
}

// IsSettled reports whether the key already has a committed record of any
// status. Dispatch short-circuits on this before touching the wallet.
func (rl *RewardLedger) IsSettled(sourceId string, rewardType storage.RewardType) (bool, *storage.DistributionRecord, error) {
	record, err := rl.store.GetDistributionRecord(sourceId, rewardType)
	if err != nil {
		return false, nil, err
	}
	return record != nil, record, nil
}

// List returns every committed record, optionally filtered by status. An
// empty status matches all.
func (rl *RewardLedger) List(status storage.RewardStatus) ([]*storage.DistributionRecord, error) {
	return rl.store.ListDistributionRecords(status)
}

type exportRow struct {
	SourceId       string `csv:"source_id"`
	RewardType     string `csv:"reward_type"`
	Status         string `csv:"status"`
	Recipient      string `csv:"recipient"`
	Amount         string `csv:"amount"`
	SettlementHash string `csv:"settlement_hash"`
	FailureKind    string `csv:"failure_kind"`
	FailureMessage string `csv:"failure_message"`
	CommittedAt    string `csv:"committed_at"`
}

// ExportCsv writes committed distribution records to w as CSV, settled and
// terminal alike, for offline reconciliation.
func (rl *RewardLedger) ExportCsv(w io.Writer, status storage.RewardStatus) error {
	records, err := rl.store.ListDistributionRecords(status)
	if err != nil {
		return fmt.Errorf("failed to list distribution records: %w", err)
	}
	rows := make([]*exportRow, 0, len(records))
	for _, record := range records {
		row := &exportRow{
			SourceId:       record.SourceId,
			RewardType:     string(record.RewardType),
			Status:         string(record.Status),
			Recipient:      record.Recipient,
			Amount:         record.Amount.String(),
			FailureKind:    record.FailureKind,
			FailureMessage: record.FailureMessage,
			CommittedAt:    record.CommittedAt.UTC().Format(time.RFC3339),
		}
		if record.SettlementHash != nil {
			row.SettlementHash = *record.SettlementHash
		}
		rows = append(rows, row)
	}
	return gocsv.Marshal(rows, w)
}
