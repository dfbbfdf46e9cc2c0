package offlineQueue

import (
	"fmt"
	"testing"

	"github.com/evolvechain/settler/pkg/logger"
	"github.com/evolvechain/settler/pkg/storage"
	"github.com/evolvechain/settler/pkg/storage/memory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newEvent(recipient string) *storage.RewardEvent {
	return &storage.RewardEvent{
		Id:         uuid.New().String(),
		SourceId:   uuid.New().String(),
		RewardType: storage.RewardType_RefinementReward,
		Recipient:  recipient,
		Amount:     decimal.RequireFromString("0.005"),
		Status:     storage.RewardStatus_Pending,
	}
}

func setupQueue(t *testing.T) *OfflineQueue {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	assert.Nil(t, err)
	return NewOfflineQueue(memory.NewInMemoryStore(), l)
}

func Test_OfflineQueue(t *testing.T) {
	t.Run("Should preserve FIFO order per recipient", func(t *testing.T) {
		queue := setupQueue(t)

		ids := make([]string, 0, 5)
		for i := 0; i < 5; i++ {
			event := newEvent("0xabc")
			event.SourceId = fmt.Sprintf("block-%d", i)
			ids = append(ids, event.Id)
			assert.Nil(t, queue.Enqueue(event))
		}

		for _, id := range ids {
			head, err := queue.PeekNext("0xabc")
			assert.Nil(t, err)
			assert.Equal(t, id, head.Id)
			assert.Equal(t, storage.RewardStatus_Queued, head.Status)
			assert.Nil(t, queue.Remove(head.Id))
		}

		head, err := queue.PeekNext("0xabc")
		assert.Nil(t, err)
		assert.Nil(t, head)
	})

	t.Run("Should keep recipient queues independent", func(t *testing.T) {
		queue := setupQueue(t)

		first := newEvent("0xabc")
		second := newEvent("0xdef")
		assert.Nil(t, queue.Enqueue(first))
		assert.Nil(t, queue.Enqueue(second))

		recipients, err := queue.Recipients()
		assert.Nil(t, err)
		assert.Len(t, recipients, 2)

		assert.Nil(t, queue.Remove(first.Id))

		head, err := queue.PeekNext("0xdef")
		assert.Nil(t, err)
		assert.Equal(t, second.Id, head.Id)
	})

	t.Run("Should reject events without a recipient", func(t *testing.T) {
		queue := setupQueue(t)

		event := newEvent("")
		assert.NotNil(t, queue.Enqueue(event))
	})

	t.Run("Should persist attempt bookkeeping", func(t *testing.T) {
		queue := setupQueue(t)

		event := newEvent("0xabc")
		assert.Nil(t, queue.Enqueue(event))

		head, err := queue.PeekNext("0xabc")
		assert.Nil(t, err)
		assert.Nil(t, queue.MarkAttempt(head))

		head, err = queue.PeekNext("0xabc")
		assert.Nil(t, err)
		assert.Equal(t, 1, head.RetryCount)
		assert.NotNil(t, head.LastAttemptAt)
	})

	t.Run("Should keep parked events parked when they are enqueued", func(t *testing.T) {
		queue := setupQueue(t)

		event := newEvent("0xabc")
		event.Status = storage.RewardStatus_SubmittedUnconfirmed
		event.PendingTxHash = "0xpending"
		assert.Nil(t, queue.Enqueue(event))

		head, err := queue.PeekNext("0xabc")
		assert.Nil(t, err)
		assert.Equal(t, storage.RewardStatus_SubmittedUnconfirmed, head.Status)
		assert.Equal(t, "0xpending", head.PendingTxHash)
	})

	t.Run("Should report total depth across recipients", func(t *testing.T) {
		queue := setupQueue(t)

		assert.Nil(t, queue.Enqueue(newEvent("0xabc")))
		assert.Nil(t, queue.Enqueue(newEvent("0xabc")))
		assert.Nil(t, queue.Enqueue(newEvent("0xdef")))

		depth, err := queue.Depth()
		assert.Nil(t, err)
		assert.Equal(t, int64(3), depth)
	})
}
