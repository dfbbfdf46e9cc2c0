package leveldb

import (
	"testing"
	"time"

	"github.com/evolvechain/settler/pkg/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func testStore(t *testing.T) *LevelDBRewardStore {
	store, err := NewLevelDBRewardStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		store.Close() //nolint:errcheck
	})
	return store
}

func record(sourceId string) *storage.DistributionRecord {
	return &storage.DistributionRecord{
		SourceId:    sourceId,
		RewardType:  storage.RewardType_RefinementReward,
		Status:      storage.RewardStatus_Distributed,
		Recipient:   "0xabc",
		Amount:      decimal.RequireFromString("0.005"),
		CommittedAt: time.Now().UTC(),
	}
}

func event(recipient string) *storage.RewardEvent {
	return &storage.RewardEvent{
		Id:         uuid.New().String(),
		SourceId:   uuid.New().String(),
		RewardType: storage.RewardType_ActivityReward,
		Recipient:  recipient,
		Amount:     decimal.RequireFromString("0.01"),
		Status:     storage.RewardStatus_Queued,
	}
}

func Test_LevelDBRewardStore(t *testing.T) {
	t.Run("Should insert a distribution record once and return the winner afterwards", func(t *testing.T) {
		store := testStore(t)

		first := record("block-1")
		committed, inserted, err := store.CommitDistributionRecord(first)
		assert.Nil(t, err)
		assert.True(t, inserted)
		assert.Equal(t, first.SourceId, committed.SourceId)

		second := record("block-1")
		second.Status = storage.RewardStatus_FailedTerminal
		committed, inserted, err = store.CommitDistributionRecord(second)
		assert.Nil(t, err)
		assert.False(t, inserted)
		assert.Equal(t, storage.RewardStatus_Distributed, committed.Status)
	})

	t.Run("Should key records by source and reward type", func(t *testing.T) {
		store := testStore(t)

		first := record("block-1")
		_, inserted, err := store.CommitDistributionRecord(first)
		assert.Nil(t, err)
		assert.True(t, inserted)

		other := record("block-1")
		other.RewardType = storage.RewardType_ActivityReward
		_, inserted, err = store.CommitDistributionRecord(other)
		assert.Nil(t, err)
		assert.True(t, inserted)

		records, err := store.ListDistributionRecords("")
		assert.Nil(t, err)
		assert.Len(t, records, 2)
	})

	t.Run("Should keep per-recipient order across reopen", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewLevelDBRewardStore(dir, zap.NewNop())
		assert.Nil(t, err)

		a1, a2 := event("0xaaa"), event("0xaaa")
		assert.Nil(t, store.EnqueueRewardEvent(a1))
		assert.Nil(t, store.EnqueueRewardEvent(a2))
		assert.Nil(t, store.Close())

		store, err = NewLevelDBRewardStore(dir, zap.NewNop())
		assert.Nil(t, err)
		defer store.Close() //nolint:errcheck

		events, err := store.ListEventsForRecipient("0xaaa")
		assert.Nil(t, err)
		assert.Len(t, events, 2)
		assert.Equal(t, a1.Id, events[0].Id)
		assert.True(t, events[0].Position < events[1].Position)

		head, err := store.PeekNextForRecipient("0xaaa")
		assert.Nil(t, err)
		assert.Equal(t, a1.Id, head.Id)
	})

	t.Run("Should remove events through the id index", func(t *testing.T) {
		store := testStore(t)

		e1, e2 := event("0xaaa"), event("0xaaa")
		assert.Nil(t, store.EnqueueRewardEvent(e1))
		assert.Nil(t, store.EnqueueRewardEvent(e2))

		assert.Nil(t, store.RemoveRewardEvent(e1.Id))

		head, err := store.PeekNextForRecipient("0xaaa")
		assert.Nil(t, err)
		assert.Equal(t, e2.Id, head.Id)

		depth, err := store.QueueDepth()
		assert.Nil(t, err)
		assert.Equal(t, int64(1), depth)

		assert.Nil(t, store.RemoveRewardEvent(e1.Id))
	})

	t.Run("Should list distinct recipients with queued events", func(t *testing.T) {
		store := testStore(t)

		assert.Nil(t, store.EnqueueRewardEvent(event("0xaaa")))
		assert.Nil(t, store.EnqueueRewardEvent(event("0xaaa")))
		assert.Nil(t, store.EnqueueRewardEvent(event("0xbbb")))

		recipients, err := store.ListRecipients()
		assert.Nil(t, err)
		assert.Len(t, recipients, 2)
	})

	t.Run("Should persist attempt bookkeeping through updates", func(t *testing.T) {
		store := testStore(t)

		e := event("0xaaa")
		assert.Nil(t, store.EnqueueRewardEvent(e))

		e.RetryCount = 2
		e.Status = storage.RewardStatus_SubmittedUnconfirmed
		e.PendingTxHash = "0xdeadbeef"
		assert.Nil(t, store.UpdateRewardEvent(e))

		head, err := store.PeekNextForRecipient("0xaaa")
		assert.Nil(t, err)
		assert.Equal(t, 2, head.RetryCount)
		assert.Equal(t, storage.RewardStatus_SubmittedUnconfirmed, head.Status)
		assert.Equal(t, "0xdeadbeef", head.PendingTxHash)
	})
}
