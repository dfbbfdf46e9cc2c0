// Package storage defines the persisted reward records and the store
// interfaces the ledger and offline queue are built on.
package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// RewardType identifies which activity produced a reward claim. Together with
// the source id it forms the idempotency key of the claim.
type RewardType string

const (
	RewardType_ActivityReward   RewardType = "ACTIVITY_REWARD"
	RewardType_RefinementReward RewardType = "REFINEMENT_REWARD"
)

func (rt RewardType) String() string {
	return string(rt)
}

// RewardStatus tracks the settlement lifecycle of a reward event.
type RewardStatus string

const (
	RewardStatus_Pending RewardStatus = "PENDING"
	RewardStatus_Queued  RewardStatus = "QUEUED"
	// RewardStatus_SubmittedUnconfirmed marks an event whose mint transaction
	// was sent but whose confirmation read failed. It is resolved by receipt
	// lookup, never by blind re-mint.
	RewardStatus_SubmittedUnconfirmed RewardStatus = "SUBMITTED_UNCONFIRMED"
	RewardStatus_Distributed          RewardStatus = "DISTRIBUTED"
	RewardStatus_FailedTerminal       RewardStatus = "FAILED_TERMINAL"
)

// RewardEvent is a pending claim that an amount of token is owed to a
// recipient for a specific source activity.
type RewardEvent struct {
	Id         string          `gorm:"column:id;primaryKey"`
	SourceId   string          `gorm:"column:source_id;index"`
	RewardType RewardType      `gorm:"column:reward_type"`
	Recipient  string          `gorm:"column:recipient;index"`
	Amount     decimal.Decimal `gorm:"column:amount;type:numeric"`
	Status     RewardStatus    `gorm:"column:status"`
	// Position orders events within a recipient's queue. Assigned by the
	// queue store on enqueue, strictly increasing per recipient.
	Position      uint64     `gorm:"column:position"`
	RetryCount    int        `gorm:"column:retry_count"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	LastAttemptAt *time.Time `gorm:"column:last_attempt_at"`
	// LastErrorKind is the classifier kind of the most recent failed
	// attempt. It drives the backoff base on the next drain.
	LastErrorKind string `gorm:"column:last_error_kind"`
	// PendingTxHash holds the candidate transaction hash while the event is
	// SUBMITTED_UNCONFIRMED.
	PendingTxHash  string  `gorm:"column:pending_tx_hash"`
	SettlementHash *string `gorm:"column:settlement_hash"`
}

func (e *RewardEvent) TableName() string {
	return "reward_events"
}

// IsTerminal returns true once the event has reached a final state.
func (e *RewardEvent) IsTerminal() bool {
	return e.Status == RewardStatus_Distributed || e.Status == RewardStatus_FailedTerminal
}

// DistributionRecord is the ledger entry holding the terminal outcome for an
// idempotency key. Once written it is never modified.
type DistributionRecord struct {
	SourceId       string          `gorm:"column:source_id;primaryKey"`
	RewardType     RewardType      `gorm:"column:reward_type;primaryKey"`
	Status         RewardStatus    `gorm:"column:status"`
	Recipient      string          `gorm:"column:recipient"`
	Amount         decimal.Decimal `gorm:"column:amount;type:numeric"`
	SettlementHash *string         `gorm:"column:settlement_hash"`
	// FailureKind and FailureMessage are set only for FAILED_TERMINAL records.
	FailureKind    string    `gorm:"column:failure_kind"`
	FailureMessage string    `gorm:"column:failure_message"`
	CommittedAt    time.Time `gorm:"column:committed_at"`
}

func (r *DistributionRecord) TableName() string {
	return "distribution_records"
}

// LedgerStore persists distribution records. CommitDistributionRecord is a
// compare-and-set: if a record already exists for the key, the existing record
// is returned unchanged and inserted is false.
type LedgerStore interface {
	GetDistributionRecord(sourceId string, rewardType RewardType) (*DistributionRecord, error)
	CommitDistributionRecord(record *DistributionRecord) (*DistributionRecord, bool, error)
	ListDistributionRecords(status RewardStatus) ([]*DistributionRecord, error)
}

// QueueStore persists the offline queue: an append-only, per-recipient FIFO
// of reward events awaiting settlement.
type QueueStore interface {
	EnqueueRewardEvent(event *RewardEvent) error
	PeekNextForRecipient(recipient string) (*RewardEvent, error)
	UpdateRewardEvent(event *RewardEvent) error
	RemoveRewardEvent(eventId string) error
	ListRecipients() ([]string, error)
	ListEventsForRecipient(recipient string) ([]*RewardEvent, error)
	QueueDepth() (int64, error)
}
