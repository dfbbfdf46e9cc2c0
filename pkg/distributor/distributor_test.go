package distributor

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/evolvechain/settler/internal/config"
	"github.com/evolvechain/settler/pkg/clients/ethereum"
	"github.com/evolvechain/settler/pkg/contractCaller"
	"github.com/evolvechain/settler/pkg/errorClassifier"
	"github.com/evolvechain/settler/pkg/logger"
	"github.com/evolvechain/settler/pkg/offlineQueue"
	"github.com/evolvechain/settler/pkg/rewardLedger"
	"github.com/evolvechain/settler/pkg/storage"
	"github.com/evolvechain/settler/pkg/storage/memory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

const testRecipient = "0x000000000000000000000000000000000000dEaD"

type fakeWallet struct {
	connected bool
}

func (f *fakeWallet) Connect(ctx context.Context) error { f.connected = true; return nil }
func (f *fakeWallet) Disconnect()                       { f.connected = false }
func (f *fakeWallet) IsConnected() bool                 { return f.connected }
func (f *fakeWallet) Address() common.Address           { return common.HexToAddress(testRecipient) }
func (f *fakeWallet) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	return &bind.TransactOpts{}, nil
}

type fakeTokenCaller struct {
	mintCount atomic.Int64
	mintDelay time.Duration
	mintErr   error
	result    *contractCaller.MintResult
}

func (f *fakeTokenCaller) Mint(ctx context.Context, to common.Address, amount *big.Int, sourceId string) (*contractCaller.MintResult, error) {
	f.mintCount.Add(1)
	if f.mintDelay > 0 {
		time.Sleep(f.mintDelay)
	}
	if f.mintErr != nil {
		return f.result, f.mintErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &contractCaller.MintResult{TxHash: "0xminted", Confirmed: true}, nil
}

func (f *fakeTokenCaller) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

type fakeReceiptResolver struct {
	status ethereum.ReceiptStatus
	err    error
}

func (f *fakeReceiptResolver) ResolveReceipt(ctx context.Context, txHash string) (ethereum.ReceiptStatus, *types.Receipt, error) {
	return f.status, nil, f.err
}

func testConfig() *config.Config {
	return &config.Config{
		DistributionConfig: config.DistributionConfig{
			MintTimeout:            5 * time.Second,
			MaxAmount:              decimal.RequireFromString("100"),
			ActivityRewardAmount:   decimal.RequireFromString("0.01"),
			RefinementRewardAmount: decimal.RequireFromString("0.005"),
		},
	}
}

type distributorHarness struct {
	distributor *Distributor
	ledger      *rewardLedger.RewardLedger
	queue       *offlineQueue.OfflineQueue
	wallet      *fakeWallet
	caller      *fakeTokenCaller
	receipts    *fakeReceiptResolver
}

func setupDistributor(t *testing.T) *distributorHarness {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	assert.Nil(t, err)

	store := memory.NewInMemoryStore()
	ledger := rewardLedger.NewRewardLedger(store, l)
	queue := offlineQueue.NewOfflineQueue(store, l)
	w := &fakeWallet{connected: true}
	caller := &fakeTokenCaller{}
	receipts := &fakeReceiptResolver{status: ethereum.ReceiptStatus_NotFound}

	return &distributorHarness{
		distributor: NewDistributor(testConfig(), ledger, queue, w, caller, receipts, nil, nil, l),
		ledger:      ledger,
		queue:       queue,
		wallet:      w,
		caller:      caller,
		receipts:    receipts,
	}
}

func newTestEvent(sourceId string) *storage.RewardEvent {
	return &storage.RewardEvent{
		Id:         uuid.New().String(),
		SourceId:   sourceId,
		RewardType: storage.RewardType_RefinementReward,
		Recipient:  testRecipient,
		Amount:     decimal.RequireFromString("0.005"),
		Status:     storage.RewardStatus_Pending,
		CreatedAt:  time.Now().UTC(),
	}
}

func Test_Distributor(t *testing.T) {
	ctx := context.Background()

	t.Run("Should settle a well formed event", func(t *testing.T) {
		h := setupDistributor(t)

		result, err := h.distributor.Dispatch(ctx, newTestEvent("block-1"))
		assert.Nil(t, err)
		assert.Equal(t, Outcome_Success, result.Outcome)
		assert.Equal(t, storage.RewardStatus_Distributed, result.Record.Status)
		assert.Equal(t, "0xminted", *result.Record.SettlementHash)
		assert.Equal(t, int64(1), h.caller.mintCount.Load())
	})

	t.Run("Should short circuit on an existing ledger record without minting", func(t *testing.T) {
		h := setupDistributor(t)

		_, err := h.distributor.Dispatch(ctx, newTestEvent("block-1"))
		assert.Nil(t, err)

		result, err := h.distributor.Dispatch(ctx, newTestEvent("block-1"))
		assert.Nil(t, err)
		assert.Equal(t, Outcome_Success, result.Outcome)
		assert.Equal(t, int64(1), h.caller.mintCount.Load())
	})

	t.Run("Should queue when the wallet is disconnected", func(t *testing.T) {
		h := setupDistributor(t)
		h.wallet.Disconnect()

		event := newTestEvent("block-2")
		result, err := h.distributor.Submit(ctx, event)
		assert.Nil(t, err)
		assert.Equal(t, Outcome_Queue, result.Outcome)
		assert.Equal(t, int64(0), h.caller.mintCount.Load())

		head, err := h.queue.PeekNext(testRecipient)
		assert.Nil(t, err)
		assert.Equal(t, event.Id, head.Id)
		assert.Equal(t, storage.RewardStatus_Queued, head.Status)
		// No attempt was made, so the retry budget is untouched.
		assert.Equal(t, 0, head.RetryCount)
		assert.Nil(t, head.LastAttemptAt)
	})

	t.Run("Should terminally reject an invalid recipient", func(t *testing.T) {
		h := setupDistributor(t)

		event := newTestEvent("block-3")
		event.Recipient = "not-an-address"
		result, err := h.distributor.Dispatch(ctx, event)
		assert.Nil(t, err)
		assert.Equal(t, Outcome_TerminalFailure, result.Outcome)
		assert.Equal(t, string(errorClassifier.Kind_ValidationError), result.Record.FailureKind)
		assert.Equal(t, int64(0), h.caller.mintCount.Load())
	})

	t.Run("Should terminally reject an amount over the cap", func(t *testing.T) {
		h := setupDistributor(t)

		event := newTestEvent("block-4")
		event.Amount = decimal.RequireFromString("100.01")
		result, err := h.distributor.Dispatch(ctx, event)
		assert.Nil(t, err)
		assert.Equal(t, Outcome_TerminalFailure, result.Outcome)
		assert.Equal(t, int64(0), h.caller.mintCount.Load())
	})

	t.Run("Should mint exactly once for concurrent dispatches of the same key", func(t *testing.T) {
		h := setupDistributor(t)
		h.caller.mintDelay = 100 * time.Millisecond

		var wg sync.WaitGroup
		outcomes := make([]DispatchOutcome, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				result, err := h.distributor.Dispatch(ctx, newTestEvent("block-5"))
				assert.Nil(t, err)
				outcomes[i] = result.Outcome
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int64(1), h.caller.mintCount.Load())
		for _, outcome := range outcomes {
			assert.Equal(t, Outcome_Success, outcome)
		}
	})

	t.Run("Should commit a terminal record on wallet rejection", func(t *testing.T) {
		h := setupDistributor(t)
		h.caller.mintErr = &errorClassifier.RejectionError{Err: fmt.Errorf("user denied")}

		result, err := h.distributor.Dispatch(ctx, newTestEvent("block-6"))
		assert.Nil(t, err)
		assert.Equal(t, Outcome_TerminalFailure, result.Outcome)
		assert.Equal(t, string(errorClassifier.Kind_WalletRejected), result.Record.FailureKind)

		// Later dispatches observe the terminal record instead of minting.
		result, err = h.distributor.Dispatch(ctx, newTestEvent("block-6"))
		assert.Nil(t, err)
		assert.Equal(t, Outcome_TerminalFailure, result.Outcome)
		assert.Equal(t, int64(1), h.caller.mintCount.Load())
	})

	t.Run("Should queue on a retryable failure", func(t *testing.T) {
		h := setupDistributor(t)
		h.caller.mintErr = context.DeadlineExceeded

		result, err := h.distributor.Dispatch(ctx, newTestEvent("block-7"))
		assert.Nil(t, err)
		assert.Equal(t, Outcome_Queue, result.Outcome)
		assert.Equal(t, errorClassifier.Kind_NetworkTimeout, result.Classification.Kind)
	})

	t.Run("Should count a failed submission against the retry budget", func(t *testing.T) {
		h := setupDistributor(t)
		h.caller.mintErr = context.DeadlineExceeded

		result, err := h.distributor.Submit(ctx, newTestEvent("block-13"))
		assert.Nil(t, err)
		assert.Equal(t, Outcome_Queue, result.Outcome)

		head, err := h.queue.PeekNext(testRecipient)
		assert.Nil(t, err)
		assert.Equal(t, 1, head.RetryCount)
		assert.NotNil(t, head.LastAttemptAt)
		assert.Equal(t, string(errorClassifier.Kind_NetworkTimeout), head.LastErrorKind)
	})

	t.Run("Should keep a parked submission parked through the queue", func(t *testing.T) {
		h := setupDistributor(t)
		h.caller.mintErr = context.DeadlineExceeded
		h.caller.result = &contractCaller.MintResult{TxHash: "0xpending", Confirmed: false}

		_, err := h.distributor.Submit(ctx, newTestEvent("block-14"))
		assert.Nil(t, err)

		head, err := h.queue.PeekNext(testRecipient)
		assert.Nil(t, err)
		assert.Equal(t, storage.RewardStatus_SubmittedUnconfirmed, head.Status)
		assert.Equal(t, "0xpending", head.PendingTxHash)
	})

	t.Run("Should park an unconfirmed submission with its transaction hash", func(t *testing.T) {
		h := setupDistributor(t)
		h.caller.mintErr = context.DeadlineExceeded
		h.caller.result = &contractCaller.MintResult{TxHash: "0xpending", Confirmed: false}

		event := newTestEvent("block-8")
		result, err := h.distributor.Dispatch(ctx, event)
		assert.Nil(t, err)
		assert.Equal(t, Outcome_Queue, result.Outcome)
		assert.Equal(t, storage.RewardStatus_SubmittedUnconfirmed, event.Status)
		assert.Equal(t, "0xpending", event.PendingTxHash)
	})

	t.Run("Should settle from the receipt of a parked submission without re-minting", func(t *testing.T) {
		h := setupDistributor(t)
		h.receipts.status = ethereum.ReceiptStatus_Succeeded

		event := newTestEvent("block-9")
		event.Status = storage.RewardStatus_SubmittedUnconfirmed
		event.PendingTxHash = "0xpending"

		result, err := h.distributor.Dispatch(ctx, event)
		assert.Nil(t, err)
		assert.Equal(t, Outcome_Success, result.Outcome)
		assert.Equal(t, "0xpending", *result.Record.SettlementHash)
		assert.Equal(t, int64(0), h.caller.mintCount.Load())
	})

	t.Run("Should re-mint when a parked submission reverted on chain", func(t *testing.T) {
		h := setupDistributor(t)
		h.receipts.status = ethereum.ReceiptStatus_Reverted

		event := newTestEvent("block-10")
		event.Status = storage.RewardStatus_SubmittedUnconfirmed
		event.PendingTxHash = "0xdead"

		result, err := h.distributor.Dispatch(ctx, event)
		assert.Nil(t, err)
		assert.Equal(t, Outcome_Success, result.Outcome)
		assert.Equal(t, "0xminted", *result.Record.SettlementHash)
		assert.Equal(t, int64(1), h.caller.mintCount.Load())
	})

	t.Run("Should scale refinement amounts by grade", func(t *testing.T) {
		base := decimal.RequireFromString("0.005")
		assert.Equal(t, "0.004", ScaledRefinementAmount(base, 0.8).String())
		assert.Equal(t, "0.005", ScaledRefinementAmount(base, 1.7).String())
		assert.True(t, ScaledRefinementAmount(base, -1).IsZero())
	})

	t.Run("Should issue activity rewards with the configured amount", func(t *testing.T) {
		h := setupDistributor(t)

		result, err := h.distributor.SubmitActivityReward(ctx, "session-1", testRecipient)
		assert.Nil(t, err)
		assert.Equal(t, Outcome_Success, result.Outcome)
		assert.Equal(t, storage.RewardType_ActivityReward, result.Record.RewardType)
		assert.Equal(t, "0.01", result.Record.Amount.String())
	})
}
