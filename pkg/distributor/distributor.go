package distributor

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/evolvechain/settler/internal/config"
	"github.com/evolvechain/settler/pkg/clients/ethereum"
	"github.com/evolvechain/settler/pkg/clients/wallet"
	"github.com/evolvechain/settler/pkg/contractCaller"
	"github.com/evolvechain/settler/pkg/errorClassifier"
	"github.com/evolvechain/settler/pkg/eventBus/eventBusTypes"
	"github.com/evolvechain/settler/pkg/metrics/metricsTypes"
	"github.com/evolvechain/settler/pkg/offlineQueue"
	"github.com/evolvechain/settler/pkg/rewardLedger"
	"github.com/evolvechain/settler/pkg/storage"
	"github.com/evolvechain/settler/pkg/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// tokenDecimals is the reward token's ERC20 precision.
const tokenDecimals = 18

type DispatchOutcome string

const (
	Outcome_Success         DispatchOutcome = "SUCCESS"
	Outcome_Queue           DispatchOutcome = "QUEUE"
	Outcome_TerminalFailure DispatchOutcome = "TERMINAL_FAILURE"
)

// DispatchResult is the decision for a single dispatch attempt. Record is set
// when the ledger has a committed record for the key, whether this attempt
// produced it or an earlier one did. Classification is set when the attempt
// failed.
type DispatchResult struct {
	Outcome        DispatchOutcome
	Record         *storage.DistributionRecord
	Classification *errorClassifier.Classification
	Err            error
}

// ReceiptResolver looks up the fate of a previously submitted transaction.
// Satisfied by the ethereum client; faked in tests.
type ReceiptResolver interface {
	ResolveReceipt(ctx context.Context, txHash string) (ethereum.ReceiptStatus, *types.Receipt, error)
}

// Distributor owns the dispatch decision for reward events. It consults the
// ledger before any settlement attempt, collapses concurrent dispatches of
// the same key into one mint, and routes failures to the queue or to a
// terminal ledger record according to their classification.
type Distributor struct {
	globalConfig *config.Config
	ledger       *rewardLedger.RewardLedger
	queue        *offlineQueue.OfflineQueue
	wallet       wallet.IWallet
	tokenCaller  contractCaller.IRewardTokenCaller
	receipts     ReceiptResolver
	eventBus     eventBusTypes.IEventBus
	metricsSink  metricsTypes.IMetricsClient
	logger       *zap.Logger

	inflight singleflight.Group
}

func NewDistributor(
	cfg *config.Config,
	ledger *rewardLedger.RewardLedger,
	queue *offlineQueue.OfflineQueue,
	w wallet.IWallet,
	tokenCaller contractCaller.IRewardTokenCaller,
	receipts ReceiptResolver,
	eb eventBusTypes.IEventBus,
	ms metricsTypes.IMetricsClient,
	l *zap.Logger,
) *Distributor {
	return &Distributor{
		globalConfig: cfg,
		ledger:       ledger,
		queue:        queue,
		wallet:       w,
		tokenCaller:  tokenCaller,
		receipts:     receipts,
		eventBus:     eb,
		metricsSink:  ms,
		logger:       l,
	}
}

func dispatchKey(event *storage.RewardEvent) string {
	return fmt.Sprintf("%s|%s", event.SourceId, event.RewardType)
}

// Dispatch decides the fate of one reward event. Concurrent dispatches of
// the same (sourceId, rewardType) key share a single execution, so at most
// one mint transaction is ever in flight per key.
func (d *Distributor) Dispatch(ctx context.Context, event *storage.RewardEvent) (*DispatchResult, error) {
	start := time.Now()
	res, err, _ := d.inflight.Do(dispatchKey(event), func() (interface{}, error) {
		return d.dispatch(ctx, event), nil
	})
	if err != nil {
		return nil, err
	}
	result := res.(*DispatchResult)
	if d.metricsSink != nil {
		_ = d.metricsSink.Incr(metricsTypes.Metric_Incr_RewardDispatched, []metricsTypes.MetricsLabel{
			{Name: "reward_type", Value: string(event.RewardType)},
		}, 1)
		_ = d.metricsSink.Timing(metricsTypes.Metric_Timing_DispatchDuration, time.Since(start), []metricsTypes.MetricsLabel{
			{Name: "outcome", Value: string(result.Outcome)},
		})
	}
	return result, nil
}

func (d *Distributor) dispatch(ctx context.Context, event *storage.RewardEvent) *DispatchResult {
	// The ledger is the idempotency authority. Any committed record for the
	// key means the work is done, regardless of how it ended.
	existing, err := d.ledger.Get(event.SourceId, event.RewardType)
	if err != nil {
		return &DispatchResult{Outcome: Outcome_Queue, Err: fmt.Errorf("failed to consult ledger: %w", err)}
	}
	if existing != nil {
		return d.resultForRecord(existing)
	}

	// Settlement needs a connected wallet and a configured token contract.
	// Neither is an error; the event just waits in the queue.
	if d.tokenCaller == nil || d.wallet == nil || !d.wallet.IsConnected() {
		return &DispatchResult{Outcome: Outcome_Queue}
	}

	if result := d.validate(event); result != nil {
		return result
	}

	// An earlier attempt may have submitted a transaction whose receipt we
	// never saw. Resolve it before minting again.
	if event.PendingTxHash != "" {
		if result := d.resolvePending(ctx, event); result != nil {
			return result
		}
	}

	return d.mint(ctx, event)
}

func (d *Distributor) resultForRecord(record *storage.DistributionRecord) *DispatchResult {
	if record.Status == storage.RewardStatus_FailedTerminal {
		return &DispatchResult{Outcome: Outcome_TerminalFailure, Record: record}
	}
	return &DispatchResult{Outcome: Outcome_Success, Record: record}
}

// validate terminally rejects events that can never settle. Returns nil when
// the event is well formed.
func (d *Distributor) validate(event *storage.RewardEvent) *DispatchResult {
	var verr *errorClassifier.ValidationError
	if !common.IsHexAddress(event.Recipient) {
		verr = &errorClassifier.ValidationError{Field: "recipient", Detail: fmt.Sprintf("'%s' is not a valid address", event.Recipient)}
	} else if utils.AreAddressesEqual(event.Recipient, utils.NullEthereumAddressHex) {
		verr = &errorClassifier.ValidationError{Field: "recipient", Detail: "recipient is the null address"}
	} else if event.Amount.LessThanOrEqual(decimal.Zero) {
		verr = &errorClassifier.ValidationError{Field: "amount", Detail: "amount must be positive"}
	} else if event.Amount.GreaterThan(d.globalConfig.DistributionConfig.MaxAmount) {
		verr = &errorClassifier.ValidationError{
			Field:  "amount",
			Detail: fmt.Sprintf("amount %s exceeds the cap of %s", event.Amount, d.globalConfig.DistributionConfig.MaxAmount),
		}
	}
	if verr == nil {
		return nil
	}
	return d.commitTerminal(event, verr)
}

// resolvePending checks the receipt of a previously submitted mint. Returns
// nil when the transaction is unknown, which frees the event for a fresh
// mint attempt.
func (d *Distributor) resolvePending(ctx context.Context, event *storage.RewardEvent) *DispatchResult {
	if d.receipts == nil {
		return nil
	}
	status, _, err := d.receipts.ResolveReceipt(ctx, event.PendingTxHash)
	if err != nil {
		// Cannot tell whether the mint landed. Re-minting here could double
		// pay, so keep the event parked until the receipt is resolvable.
		classification := errorClassifier.Classify(err)
		return &DispatchResult{Outcome: Outcome_Queue, Classification: &classification, Err: err}
	}
	switch status {
	case ethereum.ReceiptStatus_Succeeded:
		return d.commitSettled(event, event.PendingTxHash)
	case ethereum.ReceiptStatus_Reverted:
		// The submitted transaction died on chain. Clear it and mint fresh.
		event.PendingTxHash = ""
		return nil
	default:
		event.PendingTxHash = ""
		return nil
	}
}

func (d *Distributor) mint(ctx context.Context, event *storage.RewardEvent) *DispatchResult {
	mintCtx := ctx
	if timeout := d.globalConfig.DistributionConfig.MintTimeout; timeout > 0 {
		var cancel context.CancelFunc
		mintCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	amountWei := event.Amount.Shift(tokenDecimals).BigInt()
	result, err := d.tokenCaller.Mint(mintCtx, common.HexToAddress(event.Recipient), amountWei, event.SourceId)
	if err == nil {
		return d.commitSettled(event, result.TxHash)
	}

	if d.metricsSink != nil {
		_ = d.metricsSink.Incr(metricsTypes.Metric_Incr_MintFailed, []metricsTypes.MetricsLabel{
			{Name: "error_kind", Value: string(errorClassifier.Classify(err).Kind)},
		}, 1)
	}

	// A submitted-but-unconfirmed transaction must not be re-minted until
	// its receipt is known. Park it with the candidate hash.
	if result != nil && result.TxHash != "" && !result.Confirmed {
		event.Status = storage.RewardStatus_SubmittedUnconfirmed
		event.PendingTxHash = result.TxHash
		classification := errorClassifier.Classify(err)
		d.logger.Sugar().Warnw("Mint submitted but unconfirmed, parking event",
			zap.String("eventId", event.Id),
			zap.String("txHash", result.TxHash),
			zap.Error(err),
		)
		return &DispatchResult{Outcome: Outcome_Queue, Classification: &classification, Err: err}
	}

	classification := errorClassifier.Classify(err)
	if classification.RetryableAt(event.RetryCount) {
		d.logger.Sugar().Infow("Mint failed with retryable error, queueing event",
			zap.String("eventId", event.Id),
			zap.String("errorKind", string(classification.Kind)),
			zap.Error(err),
		)
		return &DispatchResult{Outcome: Outcome_Queue, Classification: &classification, Err: err}
	}

	return d.commitTerminal(event, err)
}

func (d *Distributor) commitSettled(event *storage.RewardEvent, txHash string) *DispatchResult {
	record, inserted, err := d.ledger.CommitSettled(event.SourceId, event.RewardType, event.Recipient, event.Amount, txHash)
	if err != nil {
		return &DispatchResult{Outcome: Outcome_Queue, Err: err}
	}
	if inserted {
		if d.metricsSink != nil {
			_ = d.metricsSink.Incr(metricsTypes.Metric_Incr_MintSucceeded, nil, 1)
		}
		d.publishSettled(record)
		d.logger.Sugar().Infow("Reward settled",
			zap.String("sourceId", event.SourceId),
			zap.String("rewardType", string(event.RewardType)),
			zap.String("recipient", event.Recipient),
			zap.String("settlementHash", txHash),
		)
	}
	return &DispatchResult{Outcome: Outcome_Success, Record: record}
}

func (d *Distributor) commitTerminal(event *storage.RewardEvent, cause error) *DispatchResult {
	classification := errorClassifier.Classify(cause)
	record, _, err := d.ledger.CommitTerminal(event.SourceId, event.RewardType, event.Recipient, event.Amount, classification.Kind, cause.Error())
	if err != nil {
		return &DispatchResult{Outcome: Outcome_Queue, Classification: &classification, Err: err}
	}
	if d.metricsSink != nil {
		_ = d.metricsSink.Incr(metricsTypes.Metric_Incr_RewardTerminal, []metricsTypes.MetricsLabel{
			{Name: "error_kind", Value: string(classification.Kind)},
		}, 1)
	}
	d.publishSettled(record)
	d.logger.Sugar().Warnw("Reward terminally failed",
		zap.String("sourceId", event.SourceId),
		zap.String("rewardType", string(event.RewardType)),
		zap.String("errorKind", string(classification.Kind)),
		zap.Error(cause),
	)
	return &DispatchResult{Outcome: Outcome_TerminalFailure, Record: record, Classification: &classification, Err: cause}
}

func (d *Distributor) publishSettled(record *storage.DistributionRecord) {
	if d.eventBus == nil {
		return
	}
	data := &eventBusTypes.RewardSettledData{
		SourceId:   record.SourceId,
		RewardType: string(record.RewardType),
		Recipient:  record.Recipient,
		Status:     string(record.Status),
	}
	if record.SettlementHash != nil {
		data.SettlementHash = *record.SettlementHash
	}
	d.eventBus.Publish(&eventBusTypes.Event{
		Name: eventBusTypes.Event_RewardSettled,
		Data: data,
	})
}

// Submit dispatches a fresh event and enqueues it when the outcome is QUEUE.
// This is the entry point for reward producers; the drainer re-dispatches
// queued events itself.
func (d *Distributor) Submit(ctx context.Context, event *storage.RewardEvent) (*DispatchResult, error) {
	result, err := d.Dispatch(ctx, event)
	if err != nil {
		return nil, err
	}
	if result.Outcome == Outcome_Queue {
		// A non-nil classification means a settlement attempt was actually
		// made and failed; it counts against the event's retry budget and
		// starts its backoff clock. The disconnect path carries no
		// classification and the event queues with its retry count intact.
		if result.Classification != nil {
			now := time.Now().UTC()
			event.RetryCount++
			event.LastAttemptAt = &now
			event.LastErrorKind = string(result.Classification.Kind)
		}
		if err := d.queue.Enqueue(event); err != nil {
			return nil, err
		}
		if d.metricsSink != nil {
			_ = d.metricsSink.Incr(metricsTypes.Metric_Incr_RewardQueued, []metricsTypes.MetricsLabel{
				{Name: "reward_type", Value: string(event.RewardType)},
			}, 1)
		}
	}
	return result, nil
}

// SubmitActivityReward issues the fixed activity reward for a completed
// scored session.
func (d *Distributor) SubmitActivityReward(ctx context.Context, sessionId string, recipient string) (*DispatchResult, error) {
	event := &storage.RewardEvent{
		Id:         uuid.New().String(),
		SourceId:   sessionId,
		RewardType: storage.RewardType_ActivityReward,
		Recipient:  recipient,
		Amount:     d.globalConfig.DistributionConfig.ActivityRewardAmount,
		Status:     storage.RewardStatus_Pending,
		CreatedAt:  time.Now().UTC(),
	}
	return d.Submit(ctx, event)
}

// SubmitRefinementReward issues the refinement reward for a completed
// evolution task, scaled by the evaluation grade.
func (d *Distributor) SubmitRefinementReward(ctx context.Context, blockId string, recipient string, grade float64) (*DispatchResult, error) {
	event := &storage.RewardEvent{
		Id:         uuid.New().String(),
		SourceId:   blockId,
		RewardType: storage.RewardType_RefinementReward,
		Recipient:  recipient,
		Amount:     ScaledRefinementAmount(d.globalConfig.DistributionConfig.RefinementRewardAmount, grade),
		Status:     storage.RewardStatus_Pending,
		CreatedAt:  time.Now().UTC(),
	}
	return d.Submit(ctx, event)
}

// ScaledRefinementAmount scales the base refinement amount by the evaluation
// grade, clamped to [0, 1].
func ScaledRefinementAmount(base decimal.Decimal, grade float64) decimal.Decimal {
	if grade <= 0 {
		return decimal.Zero
	}
	if grade > 1 {
		grade = 1
	}
	return base.Mul(decimal.NewFromFloat(grade))
}
