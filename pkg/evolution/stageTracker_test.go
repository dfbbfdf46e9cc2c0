package evolution

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evolvechain/settler/pkg/clients/evaluator"
	"github.com/evolvechain/settler/pkg/distributor"
	"github.com/evolvechain/settler/pkg/errorClassifier"
	"github.com/evolvechain/settler/pkg/logger"
	"github.com/stretchr/testify/assert"
)

type fakeEvaluator struct {
	grade  float64
	passed bool
	err    error
	// gate, when set, blocks EvaluateBlock until closed.
	gate chan struct{}
}

func (f *fakeEvaluator) EvaluateBlock(ctx context.Context, blockId string) (*evaluator.EvaluationResult, error) {
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return &evaluator.EvaluationResult{BlockId: blockId, Grade: f.grade, Passed: f.passed}, nil
}

type fakeRewardIssuer struct {
	issued atomic.Int64
}

func (f *fakeRewardIssuer) SubmitRefinementReward(ctx context.Context, blockId string, recipient string, grade float64) (*distributor.DispatchResult, error) {
	f.issued.Add(1)
	return &distributor.DispatchResult{Outcome: distributor.Outcome_Success}, nil
}

type trackerHarness struct {
	tracker   *StageTracker
	evaluator *fakeEvaluator
	rewards   *fakeRewardIssuer
}

func setupTracker(t *testing.T) *trackerHarness {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	assert.Nil(t, err)

	ev := &fakeEvaluator{grade: 0.9, passed: true}
	rewards := &fakeRewardIssuer{}
	tracker := NewStageTracker(&StageTrackerConfig{MaxRetries: 2}, ev, rewards, nil, nil, l)
	return &trackerHarness{tracker: tracker, evaluator: ev, rewards: rewards}
}

// runToFinalizing walks a task from ANALYZING into FINALIZING.
func runToFinalizing(t *testing.T, h *trackerHarness, blockId string) {
	_, err := h.tracker.Start(blockId, "0xabc")
	assert.Nil(t, err)
	stage, err := h.tracker.AdvanceStage(blockId)
	assert.Nil(t, err)
	assert.Equal(t, Stage_Synthesizing, stage)
	stage, err = h.tracker.AdvanceStage(blockId)
	assert.Nil(t, err)
	assert.Equal(t, Stage_Validating, stage)
	_, err = h.tracker.Validate(context.Background(), blockId)
	assert.Nil(t, err)
	stage, err = h.tracker.AdvanceStage(blockId)
	assert.Nil(t, err)
	assert.Equal(t, Stage_Finalizing, stage)
}

func Test_StageTracker(t *testing.T) {
	ctx := context.Background()

	t.Run("Should walk the full pipeline and issue exactly one reward", func(t *testing.T) {
		h := setupTracker(t)
		runToFinalizing(t, h, "block-1")

		assert.Nil(t, h.tracker.Complete(ctx, "block-1"))

		task := h.tracker.Get("block-1")
		assert.Equal(t, Stage_Completed, task.Stage)
		assert.Equal(t, 100, task.Progress)
		assert.Equal(t, 0.9, task.Grade)
		assert.Equal(t, int64(1), h.rewards.issued.Load())

		// Completing again changes nothing.
		assert.Nil(t, h.tracker.Complete(ctx, "block-1"))
		assert.Equal(t, int64(1), h.rewards.issued.Load())
	})

	t.Run("Should keep progress monotonic and inside the stage band", func(t *testing.T) {
		h := setupTracker(t)
		_, err := h.tracker.Start("block-2", "0xabc")
		assert.Nil(t, err)

		assert.Nil(t, h.tracker.SetProgress("block-2", 10, "analyzing"))
		assert.NotNil(t, h.tracker.SetProgress("block-2", 5, "regress"))
		assert.NotNil(t, h.tracker.SetProgress("block-2", 40, "outside band"))

		stage, err := h.tracker.AdvanceStage("block-2")
		assert.Nil(t, err)
		assert.Equal(t, Stage_Synthesizing, stage)
		assert.Equal(t, 25, h.tracker.Get("block-2").Progress)
		assert.Nil(t, h.tracker.SetProgress("block-2", 40, "synthesizing"))
	})

	t.Run("Should refuse a second active task for the same block", func(t *testing.T) {
		h := setupTracker(t)
		_, err := h.tracker.Start("block-3", "0xabc")
		assert.Nil(t, err)
		_, err = h.tracker.Start("block-3", "0xabc")
		assert.NotNil(t, err)
	})

	t.Run("Should discard an evaluation that finishes after cancellation", func(t *testing.T) {
		h := setupTracker(t)
		h.evaluator.gate = make(chan struct{})

		_, err := h.tracker.Start("block-4", "0xabc")
		assert.Nil(t, err)
		_, err = h.tracker.AdvanceStage("block-4")
		assert.Nil(t, err)
		_, err = h.tracker.AdvanceStage("block-4")
		assert.Nil(t, err)

		validateDone := make(chan error, 1)
		go func() {
			_, verr := h.tracker.Validate(ctx, "block-4")
			validateDone <- verr
		}()

		assert.Nil(t, h.tracker.Cancel("block-4"))
		close(h.evaluator.gate)

		verr := <-validateDone
		assert.NotNil(t, verr)
		assert.Equal(t, Stage_Cancelled, h.tracker.Get("block-4").Stage)
		assert.Equal(t, int64(0), h.rewards.issued.Load())
	})

	t.Run("Should reject validation outside the VALIDATING stage", func(t *testing.T) {
		h := setupTracker(t)
		_, err := h.tracker.Start("block-5", "0xabc")
		assert.Nil(t, err)
		_, err = h.tracker.Validate(ctx, "block-5")
		assert.NotNil(t, err)
	})

	t.Run("Should surface a failing grade", func(t *testing.T) {
		h := setupTracker(t)
		h.evaluator.passed = false
		h.evaluator.grade = 0.2

		_, err := h.tracker.Start("block-6", "0xabc")
		assert.Nil(t, err)
		_, err = h.tracker.AdvanceStage("block-6")
		assert.Nil(t, err)
		_, err = h.tracker.AdvanceStage("block-6")
		assert.Nil(t, err)

		result, err := h.tracker.Validate(ctx, "block-6")
		assert.NotNil(t, err)
		assert.Equal(t, 0.2, result.Grade)
	})

	t.Run("Should retry a failed task from the beginning with its retry count preserved", func(t *testing.T) {
		h := setupTracker(t)
		_, err := h.tracker.Start("block-7", "0xabc")
		assert.Nil(t, err)
		_, err = h.tracker.AdvanceStage("block-7")
		assert.Nil(t, err)

		assert.Nil(t, h.tracker.Fail("block-7", &errorClassifier.ValidationError{Field: "synthesis", Detail: "crashed"}))
		assert.Equal(t, Stage_Failed, h.tracker.Get("block-7").Stage)

		task, err := h.tracker.Retry("block-7")
		assert.Nil(t, err)
		assert.Equal(t, Stage_Analyzing, task.Stage)
		assert.Equal(t, 0, task.Progress)
		assert.Equal(t, 1, task.RetryCount)
	})

	t.Run("Should re-enter the pipeline on its own after a retryable failure", func(t *testing.T) {
		l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
		assert.Nil(t, err)
		tracker := NewStageTracker(&StageTrackerConfig{
			MaxRetries:      2,
			RetryBackoffMax: time.Millisecond,
		}, &fakeEvaluator{grade: 0.9, passed: true}, &fakeRewardIssuer{}, nil, nil, l)

		_, err = tracker.Start("block-11", "0xabc")
		assert.Nil(t, err)
		_, err = tracker.AdvanceStage("block-11")
		assert.Nil(t, err)

		assert.Nil(t, tracker.Fail("block-11", context.DeadlineExceeded))

		assert.Eventually(t, func() bool {
			task := tracker.Get("block-11")
			return task.Stage == Stage_Analyzing && task.Progress == 0 && task.RetryCount == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("Should refuse retries beyond the budget", func(t *testing.T) {
		h := setupTracker(t)
		_, err := h.tracker.Start("block-8", "0xabc")
		assert.Nil(t, err)

		for i := 0; i < 2; i++ {
			assert.Nil(t, h.tracker.Fail("block-8", &errorClassifier.ValidationError{Field: "run", Detail: fmt.Sprintf("crash %d", i)}))
			_, err = h.tracker.Retry("block-8")
			assert.Nil(t, err)
		}

		assert.Nil(t, h.tracker.Fail("block-8", &errorClassifier.ValidationError{Field: "run", Detail: "final crash"}))
		_, err = h.tracker.Retry("block-8")
		assert.NotNil(t, err)
	})

	t.Run("Should track the active task count", func(t *testing.T) {
		h := setupTracker(t)
		_, err := h.tracker.Start("block-9", "0xabc")
		assert.Nil(t, err)
		_, err = h.tracker.Start("block-10", "0xdef")
		assert.Nil(t, err)
		assert.Equal(t, 2, h.tracker.ActiveCount())

		assert.Nil(t, h.tracker.Cancel("block-9"))
		assert.Equal(t, 1, h.tracker.ActiveCount())
	})
}
