// Package memory provides in-memory implementations of the ledger and queue
// stores. Used in tests and as the store for ephemeral local runs.
package memory

import (
	"sync"
	"time"

	"github.com/evolvechain/settler/pkg/storage"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// InMemoryStore implements storage.LedgerStore and storage.QueueStore without
// persistence. Queue order is kept by an insertion-ordered map per recipient.
type InMemoryStore struct {
	mu sync.Mutex

	records map[string]*storage.DistributionRecord
	queues  map[string]*orderedmap.OrderedMap[string, *storage.RewardEvent]
	// eventRecipients indexes event id -> recipient for removal by id.
	eventRecipients map[string]string
	nextPosition    map[string]uint64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:         make(map[string]*storage.DistributionRecord),
		queues:          make(map[string]*orderedmap.OrderedMap[string, *storage.RewardEvent]),
		eventRecipients: make(map[string]string),
		nextPosition:    make(map[string]uint64),
	}
}

func ledgerKey(sourceId string, rewardType storage.RewardType) string {
	return sourceId + "|" + string(rewardType)
}

func (s *InMemoryStore) GetDistributionRecord(sourceId string, rewardType storage.RewardType) (*storage.DistributionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[ledgerKey(sourceId, rewardType)]
	if !ok {
		return nil, nil
	}
	return cloneRecord(record), nil
}

func (s *InMemoryStore) CommitDistributionRecord(record *storage.DistributionRecord) (*storage.DistributionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ledgerKey(record.SourceId, record.RewardType)
	if existing, ok := s.records[key]; ok {
		return cloneRecord(existing), false, nil
	}
	committed := cloneRecord(record)
	if committed.CommittedAt.IsZero() {
		committed.CommittedAt = time.Now()
	}
	s.records[key] = committed
	return cloneRecord(committed), true, nil
}

func (s *InMemoryStore) ListDistributionRecords(status storage.RewardStatus) ([]*storage.DistributionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]*storage.DistributionRecord, 0)
	for _, record := range s.records {
		if status == "" || record.Status == status {
			records = append(records, cloneRecord(record))
		}
	}
	return records, nil
}

func (s *InMemoryStore) EnqueueRewardEvent(event *storage.RewardEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, ok := s.queues[event.Recipient]
	if !ok {
		queue = orderedmap.New[string, *storage.RewardEvent]()
		s.queues[event.Recipient] = queue
	}
	stored := cloneEvent(event)
	s.nextPosition[event.Recipient]++
	stored.Position = s.nextPosition[event.Recipient]
	queue.Set(stored.Id, stored)
	s.eventRecipients[stored.Id] = stored.Recipient
	event.Position = stored.Position
	return nil
}

func (s *InMemoryStore) PeekNextForRecipient(recipient string) (*storage.RewardEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, ok := s.queues[recipient]
	if !ok || queue.Len() == 0 {
		return nil, nil
	}
	return cloneEvent(queue.Oldest().Value), nil
}

func (s *InMemoryStore) UpdateRewardEvent(event *storage.RewardEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, ok := s.queues[event.Recipient]
	if !ok {
		return nil
	}
	if _, present := queue.Get(event.Id); present {
		queue.Set(event.Id, cloneEvent(event))
	}
	return nil
}

func (s *InMemoryStore) RemoveRewardEvent(eventId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recipient, ok := s.eventRecipients[eventId]
	if !ok {
		return nil
	}
	delete(s.eventRecipients, eventId)
	if queue, present := s.queues[recipient]; present {
		queue.Delete(eventId)
		if queue.Len() == 0 {
			delete(s.queues, recipient)
		}
	}
	return nil
}

func (s *InMemoryStore) ListRecipients() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recipients := make([]string, 0, len(s.queues))
	for recipient, queue := range s.queues {
		if queue.Len() > 0 {
			recipients = append(recipients, recipient)
		}
	}
	return recipients, nil
}

func (s *InMemoryStore) ListEventsForRecipient(recipient string) ([]*storage.RewardEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, ok := s.queues[recipient]
	if !ok {
		return []*storage.RewardEvent{}, nil
	}
	events := make([]*storage.RewardEvent, 0, queue.Len())
	for pair := queue.Oldest(); pair != nil; pair = pair.Next() {
		events = append(events, cloneEvent(pair.Value))
	}
	return events, nil
}

func (s *InMemoryStore) QueueDepth() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var depth int64
	for _, queue := range s.queues {
		depth += int64(queue.Len())
	}
	return depth, nil
}

func cloneEvent(e *storage.RewardEvent) *storage.RewardEvent {
	clone := *e
	if e.LastAttemptAt != nil {
		t := *e.LastAttemptAt
		clone.LastAttemptAt = &t
	}
	if e.SettlementHash != nil {
		h := *e.SettlementHash
		clone.SettlementHash = &h
	}
	return &clone
}

func cloneRecord(r *storage.DistributionRecord) *storage.DistributionRecord {
	clone := *r
	if r.SettlementHash != nil {
		h := *r.SettlementHash
		clone.SettlementHash = &h
	}
	return &clone
}
