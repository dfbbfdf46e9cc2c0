// Package leveldb implements the ledger and queue stores on an embedded
// LevelDB key-value database, for deployments without a PostgreSQL instance.
//
// Key layout:
//
//	ledger/<sourceId>/<rewardType>        -> DistributionRecord (json)
//	queue/<recipient>/<position %020d>    -> RewardEvent (json)
//	queueIndex/<eventId>                  -> queue/<recipient>/<position>
package leveldb

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/evolvechain/settler/pkg/storage"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

const (
	ledgerKeyFormat     = "ledger/%s/%s"
	ledgerPrefix        = "ledger/"
	queueKeyFormat      = "queue/%s/%020d"
	queuePrefixFormat   = "queue/%s/"
	queueIndexKeyFormat = "queueIndex/%s"
	queuePrefix         = "queue/"
)

type LevelDBRewardStore struct {
	db     *leveldb.DB
	logger *zap.Logger
	// mu serializes read-check-write sequences; LevelDB itself has no
	// multi-key transactions.
	mu sync.Mutex
}

func NewLevelDBRewardStore(path string, l *zap.Logger) (*LevelDBRewardStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at '%s': %w", path, err)
	}
	return &LevelDBRewardStore{db: db, logger: l}, nil
}

func (s *LevelDBRewardStore) Close() error {
	return s.db.Close()
}

func ledgerKey(sourceId string, rewardType storage.RewardType) []byte {
	return []byte(fmt.Sprintf(ledgerKeyFormat, sourceId, rewardType))
}

func (s *LevelDBRewardStore) GetDistributionRecord(sourceId string, rewardType storage.RewardType) (*storage.DistributionRecord, error) {
	data, err := s.db.Get(ledgerKey(sourceId, rewardType), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch distribution record for '%s/%s': %w", sourceId, rewardType, err)
	}
	var record storage.DistributionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode distribution record for '%s/%s': %w", sourceId, rewardType, err)
	}
	return &record, nil
}

func (s *LevelDBRewardStore) CommitDistributionRecord(record *storage.DistributionRecord) (*storage.DistributionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.GetDistributionRecord(record.SourceId, record.RewardType)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	if record.CommittedAt.IsZero() {
		record.CommittedAt = time.Now()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode distribution record: %w", err)
	}
	if err := s.db.Put(ledgerKey(record.SourceId, record.RewardType), data, nil); err != nil {
		return nil, false, fmt.Errorf("failed to commit distribution record for '%s/%s': %w", record.SourceId, record.RewardType, err)
	}
	return record, true, nil
}

func (s *LevelDBRewardStore) ListDistributionRecords(status storage.RewardStatus) ([]*storage.DistributionRecord, error) {
	records := make([]*storage.DistributionRecord, 0)
	iter := s.db.NewIterator(util.BytesPrefix([]byte(ledgerPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var record storage.DistributionRecord
		if err := json.Unmarshal(iter.Value(), &record); err != nil {
			return nil, fmt.Errorf("failed to decode distribution record at '%s': %w", iter.Key(), err)
		}
		if status == "" || record.Status == status {
			records = append(records, &record)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate distribution records: %w", err)
	}
	return records, nil
}

func (s *LevelDBRewardStore) EnqueueRewardEvent(event *storage.RewardEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lastPosition, err := s.lastPositionForRecipient(event.Recipient)
	if err != nil {
		return err
	}
	event.Position = lastPosition + 1
	return s.putEvent(event)
}

func (s *LevelDBRewardStore) PeekNextForRecipient(recipient string) (*storage.RewardEvent, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(fmt.Sprintf(queuePrefixFormat, recipient))), nil)
	defer iter.Release()
	if !iter.First() {
		return nil, iter.Error()
	}
	var event storage.RewardEvent
	if err := json.Unmarshal(iter.Value(), &event); err != nil {
		return nil, fmt.Errorf("failed to decode reward event at '%s': %w", iter.Key(), err)
	}
	return &event, nil
}

func (s *LevelDBRewardStore) UpdateRewardEvent(event *storage.RewardEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putEvent(event)
}

func (s *LevelDBRewardStore) RemoveRewardEvent(eventId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	indexKey := []byte(fmt.Sprintf(queueIndexKeyFormat, eventId))
	queueKey, err := s.db.Get(indexKey, nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up reward event '%s': %w", eventId, err)
	}
	batch := new(leveldb.Batch)
	batch.Delete(queueKey)
	batch.Delete(indexKey)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to remove reward event '%s': %w", eventId, err)
	}
	return nil
}

func (s *LevelDBRewardStore) ListRecipients() ([]string, error) {
	seen := make(map[string]bool)
	recipients := make([]string, 0)
	iter := s.db.NewIterator(util.BytesPrefix([]byte(queuePrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		parts := strings.Split(string(iter.Key()), "/")
		if len(parts) != 3 {
			continue
		}
		if !seen[parts[1]] {
			seen[parts[1]] = true
			recipients = append(recipients, parts[1])
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue recipients: %w", err)
	}
	return recipients, nil
}

func (s *LevelDBRewardStore) ListEventsForRecipient(recipient string) ([]*storage.RewardEvent, error) {
	events := make([]*storage.RewardEvent, 0)
	iter := s.db.NewIterator(util.BytesPrefix([]byte(fmt.Sprintf(queuePrefixFormat, recipient))), nil)
	defer iter.Release()
	for iter.Next() {
		var event storage.RewardEvent
		if err := json.Unmarshal(iter.Value(), &event); err != nil {
			return nil, fmt.Errorf("failed to decode reward event at '%s': %w", iter.Key(), err)
		}
		events = append(events, &event)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue for '%s': %w", recipient, err)
	}
	return events, nil
}

func (s *LevelDBRewardStore) QueueDepth() (int64, error) {
	var depth int64
	iter := s.db.NewIterator(util.BytesPrefix([]byte(queuePrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		depth++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("failed to count queued events: %w", err)
	}
	return depth, nil
}

func (s *LevelDBRewardStore) putEvent(event *storage.RewardEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode reward event '%s': %w", event.Id, err)
	}
	queueKey := []byte(fmt.Sprintf(queueKeyFormat, event.Recipient, event.Position))
	batch := new(leveldb.Batch)
	batch.Put(queueKey, data)
	batch.Put([]byte(fmt.Sprintf(queueIndexKeyFormat, event.Id)), queueKey)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to persist reward event '%s': %w", event.Id, err)
	}
	return nil
}

func (s *LevelDBRewardStore) lastPositionForRecipient(recipient string) (uint64, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(fmt.Sprintf(queuePrefixFormat, recipient))), nil)
	defer iter.Release()
	if !iter.Last() {
		return 0, iter.Error()
	}
	var event storage.RewardEvent
	if err := json.Unmarshal(iter.Value(), &event); err != nil {
		return 0, fmt.Errorf("failed to decode reward event at '%s': %w", iter.Key(), err)
	}
	return event.Position, nil
}
