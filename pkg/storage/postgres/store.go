package postgres

import (
	"fmt"
	"time"

	"github.com/evolvechain/settler/pkg/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgresRewardStore implements storage.LedgerStore and storage.QueueStore on
// top of a gorm connection. The ledger commit relies on the primary key of
// distribution_records for its compare-and-set: the insert is ON CONFLICT DO
// NOTHING and the authoritative row is re-read when the insert lost the race.
type PostgresRewardStore struct {
	Db     *gorm.DB
	Logger *zap.Logger
}

func NewPostgresRewardStore(db *gorm.DB, l *zap.Logger) *PostgresRewardStore {
	return &PostgresRewardStore{
		Db:     db,
		Logger: l,
	}
}

func (s *PostgresRewardStore) GetDistributionRecord(sourceId string, rewardType storage.RewardType) (*storage.DistributionRecord, error) {
	var record *storage.DistributionRecord
	res := s.Db.Model(&storage.DistributionRecord{}).
		Where("source_id = ? and reward_type = ?", sourceId, rewardType).
		First(&record)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch distribution record for '%s/%s': %w", sourceId, rewardType, res.Error)
	}
	return record, nil
}

func (s *PostgresRewardStore) CommitDistributionRecord(record *storage.DistributionRecord) (*storage.DistributionRecord, bool, error) {
	if record.CommittedAt.IsZero() {
		record.CommittedAt = time.Now()
	}
	res := s.Db.Model(&storage.DistributionRecord{}).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_id"}, {Name: "reward_type"}},
			DoNothing: true,
		}).
		Create(&record)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to commit distribution record for '%s/%s': %w", record.SourceId, record.RewardType, res.Error)
	}
	if res.RowsAffected > 0 {
		return record, true, nil
	}
	// Lost the race; return the record that won.
	existing, err := s.GetDistributionRecord(record.SourceId, record.RewardType)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresRewardStore) ListDistributionRecords(status storage.RewardStatus) ([]*storage.DistributionRecord, error) {
	records := make([]*storage.DistributionRecord, 0)
	query := s.Db.Model(&storage.DistributionRecord{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	res := query.Order("committed_at asc").Find(&records)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to list distribution records: %w", res.Error)
	}
	return records, nil
}

func (s *PostgresRewardStore) EnqueueRewardEvent(event *storage.RewardEvent) error {
	return s.Db.Transaction(func(tx *gorm.DB) error {
		var maxPosition uint64
		res := tx.Model(&storage.RewardEvent{}).
			Where("recipient = ?", event.Recipient).
			Select("coalesce(max(position), 0)").
			Scan(&maxPosition)
		if res.Error != nil {
			return fmt.Errorf("failed to compute queue position for '%s': %w", event.Recipient, res.Error)
		}
		event.Position = maxPosition + 1
		if res := tx.Model(&storage.RewardEvent{}).Create(&event); res.Error != nil {
			return fmt.Errorf("failed to enqueue reward event '%s': %w", event.Id, res.Error)
		}
		return nil
	})
}

func (s *PostgresRewardStore) PeekNextForRecipient(recipient string) (*storage.RewardEvent, error) {
	var event *storage.RewardEvent
	res := s.Db.Model(&storage.RewardEvent{}).
		Where("recipient = ?", recipient).
		Order("position asc").
		First(&event)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to peek queue for '%s': %w", recipient, res.Error)
	}
	return event, nil
}

func (s *PostgresRewardStore) UpdateRewardEvent(event *storage.RewardEvent) error {
	res := s.Db.Model(&storage.RewardEvent{}).
		Where("id = ?", event.Id).
		Updates(map[string]interface{}{
			"status":          event.Status,
			"retry_count":     event.RetryCount,
			"last_attempt_at": event.LastAttemptAt,
			"pending_tx_hash": event.PendingTxHash,
			"settlement_hash": event.SettlementHash,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update reward event '%s': %w", event.Id, res.Error)
	}
	return nil
}

func (s *PostgresRewardStore) RemoveRewardEvent(eventId string) error {
	res := s.Db.Where("id = ?", eventId).Delete(&storage.RewardEvent{})
	if res.Error != nil {
		return fmt.Errorf("failed to remove reward event '%s': %w", eventId, res.Error)
	}
	return nil
}

func (s *PostgresRewardStore) ListRecipients() ([]string, error) {
	recipients := make([]string, 0)
	res := s.Db.Model(&storage.RewardEvent{}).
		Distinct("recipient").
		Pluck("recipient", &recipients)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to list queue recipients: %w", res.Error)
	}
	return recipients, nil
}

func (s *PostgresRewardStore) ListEventsForRecipient(recipient string) ([]*storage.RewardEvent, error) {
	events := make([]*storage.RewardEvent, 0)
	res := s.Db.Model(&storage.RewardEvent{}).
		Where("recipient = ?", recipient).
		Order("position asc").
		Find(&events)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to list queued events for '%s': %w", recipient, res.Error)
	}
	return events, nil
}

func (s *PostgresRewardStore) QueueDepth() (int64, error) {
	var depth int64
	res := s.Db.Model(&storage.RewardEvent{}).Count(&depth)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to count queued events: %w", res.Error)
	}
	return depth, nil
}
