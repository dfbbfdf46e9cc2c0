package offlineQueue

import (
	"fmt"
	"time"

	"github.com/evolvechain/settler/pkg/storage"
	"go.uber.org/zap"
)

// OfflineQueue is the durable per-recipient FIFO that holds reward events
// which could not be settled at dispatch time. Events survive restarts and
// are only removed after the ledger has a committed record for their key.
type OfflineQueue struct {
	store  storage.QueueStore
	logger *zap.Logger
}

func NewOfflineQueue(store storage.QueueStore, l *zap.Logger) *OfflineQueue {
	return &OfflineQueue{
		store:  store,
		logger: l,
	}
}

// Enqueue appends the event to its recipient's queue. The event's status is
// forced to QUEUED, except for events parked as SUBMITTED_UNCONFIRMED, whose
// pending transaction still has to be resolved by receipt. The store assigns
// the position.
func (oq *OfflineQueue) Enqueue(event *storage.RewardEvent) error {
	if event.Recipient == "" {
		return fmt.Errorf("cannot enqueue event '%s' without a recipient", event.Id)
	}
	if event.Status != storage.RewardStatus_SubmittedUnconfirmed {
		event.Status = storage.RewardStatus_Queued
	}
	if err := oq.store.EnqueueRewardEvent(event); err != nil {
		return fmt.Errorf("failed to enqueue reward event: %w", err)
	}
	oq.logger.Sugar().Infow("Queued reward event",
		zap.String("eventId", event.Id),
		zap.String("recipient", event.Recipient),
		zap.String("rewardType", string(event.RewardType)),
	)
	return nil
}

// PeekNext returns the oldest queued event for the recipient without
// removing it, or nil when the recipient's queue is empty.
func (oq *OfflineQueue) PeekNext(recipient string) (*storage.RewardEvent, error) {
	return oq.store.PeekNextForRecipient(recipient)
}

// MarkAttempt persists the bookkeeping of a failed settlement attempt so the
// retry count and backoff clock survive restarts.
func (oq *OfflineQueue) MarkAttempt(event *storage.RewardEvent) error {
	now := time.Now().UTC()
	event.RetryCount++
	event.LastAttemptAt = &now
	return oq.store.UpdateRewardEvent(event)
}

// Remove deletes a settled or terminally failed event from its queue.
func (oq *OfflineQueue) Remove(eventId string) error {
	return oq.store.RemoveRewardEvent(eventId)
}

// Recipients lists every recipient that currently has queued events.
func (oq *OfflineQueue) Recipients() ([]string, error) {
	return oq.store.ListRecipients()
}

// EventsForRecipient returns the recipient's queue in FIFO order, for
// inspection surfaces.
func (oq *OfflineQueue) EventsForRecipient(recipient string) ([]*storage.RewardEvent, error) {
	return oq.store.ListEventsForRecipient(recipient)
}

// Depth returns the total number of queued events across all recipients.
func (oq *OfflineQueue) Depth() (int64, error) {
	return oq.store.QueueDepth()
}
