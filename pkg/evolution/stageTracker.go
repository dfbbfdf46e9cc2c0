package evolution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evolvechain/settler/pkg/clients/evaluator"
	"github.com/evolvechain/settler/pkg/distributor"
	"github.com/evolvechain/settler/pkg/errorClassifier"
	"github.com/evolvechain/settler/pkg/eventBus/eventBusTypes"
	"github.com/evolvechain/settler/pkg/metrics/metricsTypes"
	"go.uber.org/zap"
)

type Stage string

const (
	Stage_Analyzing    Stage = "ANALYZING"
	Stage_Synthesizing Stage = "SYNTHESIZING"
	Stage_Validating   Stage = "VALIDATING"
	Stage_Finalizing   Stage = "FINALIZING"
	Stage_Completed    Stage = "COMPLETED"
	Stage_Cancelled    Stage = "CANCELLED"
	Stage_Failed       Stage = "FAILED"
)

// pipeline is the forward order of the working stages.
var pipeline = []Stage{Stage_Analyzing, Stage_Synthesizing, Stage_Validating, Stage_Finalizing}

type progressBand struct {
	lo int
	hi int
}

// progressBands maps each working stage to its progress range. Progress
// within a task only ever moves forward and stays inside the current
// stage's band; COMPLETED is always exactly 100.
var progressBands = map[Stage]progressBand{
	Stage_Analyzing:    {0, 25},
	Stage_Synthesizing: {25, 50},
	Stage_Validating:   {50, 75},
	Stage_Finalizing:   {75, 95},
}

func (s Stage) IsTerminal() bool {
	return s == Stage_Completed || s == Stage_Cancelled || s == Stage_Failed
}

// Task is the tracked state of one evolution run for a block.
type Task struct {
	BlockId    string
	Recipient  string
	Stage      Stage
	Progress   int
	RetryCount int
	StartedAt  time.Time
	// Grade is set once VALIDATING finished with a passing evaluation.
	Grade float64
	// generation invalidates in-flight evaluator calls on cancel, fail and
	// retry. A result whose generation no longer matches is discarded.
	generation uint64
	// rewardIssued guards the single refinement reward per completed task.
	rewardIssued bool
	lastError    error
}

// RewardIssuer issues the refinement reward for a completed task. Satisfied
// by the distributor.
type RewardIssuer interface {
	SubmitRefinementReward(ctx context.Context, blockId string, recipient string, grade float64) (*distributor.DispatchResult, error)
}

type StageTrackerConfig struct {
	// MaxRetries bounds how many times a failed task may re-enter ANALYZING.
	MaxRetries int
	// RetryBackoffMax caps the delay before a retryable failure re-enters
	// the pipeline.
	RetryBackoffMax time.Duration
}

// StageTracker drives evolution tasks through the staged pipeline, scores
// them against the evaluator and hands completed work to the reward issuer.
// Exactly one refinement reward is issued per completed task, no matter how
// the run got there.
type StageTracker struct {
	logger      *zap.Logger
	config      *StageTrackerConfig
	evaluator   evaluator.IEvaluator
	rewards     RewardIssuer
	eventBus    eventBusTypes.IEventBus
	metricsSink metricsTypes.IMetricsClient

	mu    sync.Mutex
	tasks map[string]*Task
}

func NewStageTracker(
	cfg *StageTrackerConfig,
	ev evaluator.IEvaluator,
	rewards RewardIssuer,
	eb eventBusTypes.IEventBus,
	ms metricsTypes.IMetricsClient,
	l *zap.Logger,
) *StageTracker {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoffMax == 0 {
		cfg.RetryBackoffMax = 2 * time.Minute
	}
	return &StageTracker{
		config:      cfg,
		logger:      l,
		evaluator:   ev,
		rewards:     rewards,
		eventBus:    eb,
		metricsSink: ms,
		tasks:       make(map[string]*Task),
	}
}

// Start begins tracking a new evolution run for the block. A block whose
// previous run reached a terminal stage may be started again; an active run
// may not.
func (st *StageTracker) Start(blockId string, recipient string) (*Task, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if existing, ok := st.tasks[blockId]; ok && !existing.Stage.IsTerminal() {
		return nil, fmt.Errorf("block '%s' already has an active evolution task in stage %s", blockId, existing.Stage)
	}

	task := &Task{
		BlockId:   blockId,
		Recipient: recipient,
		Stage:     Stage_Analyzing,
		Progress:  0,
		StartedAt: time.Now().UTC(),
	}
	st.tasks[blockId] = task
	st.publishProgressLocked(task, "evolution started")
	st.gaugeActiveLocked()
	return task, nil
}

// Get returns a snapshot of the task for the block, or nil.
func (st *StageTracker) Get(blockId string) *Task {
	st.mu.Lock()
	defer st.mu.Unlock()
	task, ok := st.tasks[blockId]
	if !ok {
		return nil
	}
	snapshot := *task
	return &snapshot
}

// SetProgress moves the task's progress forward within its current stage's
// band. Regressions and values outside the band are rejected.
func (st *StageTracker) SetProgress(blockId string, progress int, message string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	task, err := st.activeTaskLocked(blockId)
	if err != nil {
		return err
	}
	band := progressBands[task.Stage]
	if progress < task.Progress {
		return fmt.Errorf("progress may not regress from %d to %d", task.Progress, progress)
	}
	if progress < band.lo || progress > band.hi {
		return fmt.Errorf("progress %d is outside the %s band [%d, %d]", progress, task.Stage, band.lo, band.hi)
	}
	task.Progress = progress
	st.publishProgressLocked(task, message)
	return nil
}

// AdvanceStage moves the task to the next working stage. The task enters the
// new stage at the bottom of its band.
func (st *StageTracker) AdvanceStage(blockId string) (Stage, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	task, err := st.activeTaskLocked(blockId)
	if err != nil {
		return "", err
	}
	next, err := nextStage(task.Stage)
	if err != nil {
		return "", err
	}
	task.Stage = next
	task.Progress = progressBands[next].lo
	st.publishProgressLocked(task, fmt.Sprintf("entered %s", next))
	return next, nil
}

func nextStage(current Stage) (Stage, error) {
	for i, stage := range pipeline {
		if stage == current {
			if i == len(pipeline)-1 {
				return "", fmt.Errorf("stage %s has no next working stage; use Complete", current)
			}
			return pipeline[i+1], nil
		}
	}
	return "", fmt.Errorf("cannot advance from stage %s", current)
}

// Validate runs the evaluator for a task in the VALIDATING stage and stores
// the grade. A result that arrives after the task was cancelled, failed or
// retried is discarded without effect.
func (st *StageTracker) Validate(ctx context.Context, blockId string) (*evaluator.EvaluationResult, error) {
	st.mu.Lock()
	task, err := st.activeTaskLocked(blockId)
	if err != nil {
		st.mu.Unlock()
		return nil, err
	}
	if task.Stage != Stage_Validating {
		st.mu.Unlock()
		return nil, fmt.Errorf("block '%s' is in stage %s, not %s", blockId, task.Stage, Stage_Validating)
	}
	generation := task.generation
	st.mu.Unlock()

	start := time.Now()
	result, evalErr := st.evaluator.EvaluateBlock(ctx, blockId)
	if st.metricsSink != nil {
		_ = st.metricsSink.Timing(metricsTypes.Metric_Timing_EvaluateDuration, time.Since(start), nil)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	task, ok := st.tasks[blockId]
	if !ok || task.generation != generation || task.Stage != Stage_Validating {
		st.logger.Sugar().Infow("Discarding stale evaluation result",
			zap.String("blockId", blockId),
		)
		return nil, fmt.Errorf("evaluation result for block '%s' is stale", blockId)
	}

	if evalErr != nil {
		return nil, evalErr
	}
	if !result.Passed {
		return result, fmt.Errorf("block '%s' failed evaluation with grade %.2f", blockId, result.Grade)
	}

	task.Grade = result.Grade
	task.Progress = progressBands[Stage_Validating].hi
	st.publishProgressLocked(task, "validation passed")
	return result, nil
}

// Complete finishes a task in the FINALIZING stage and issues its refinement
// reward. The reward is issued at most once per task; a completed task that
// is completed again is a no-op.
func (st *StageTracker) Complete(ctx context.Context, blockId string) error {
	st.mu.Lock()
	task, ok := st.tasks[blockId]
	if !ok {
		st.mu.Unlock()
		return fmt.Errorf("no evolution task for block '%s'", blockId)
	}
	if task.Stage == Stage_Completed {
		st.mu.Unlock()
		return nil
	}
	if task.Stage != Stage_Finalizing {
		st.mu.Unlock()
		return fmt.Errorf("block '%s' is in stage %s, not %s", blockId, task.Stage, Stage_Finalizing)
	}
	task.Stage = Stage_Completed
	task.Progress = 100
	issueReward := !task.rewardIssued
	task.rewardIssued = true
	grade := task.Grade
	recipient := task.Recipient
	st.publishProgressLocked(task, "evolution completed")
	st.gaugeActiveLocked()
	st.mu.Unlock()

	if st.metricsSink != nil {
		_ = st.metricsSink.Incr(metricsTypes.Metric_Incr_EvolutionCompleted, nil, 1)
	}
	if !issueReward || st.rewards == nil {
		return nil
	}
	result, err := st.rewards.SubmitRefinementReward(ctx, blockId, recipient, grade)
	if err != nil {
		return fmt.Errorf("failed to issue refinement reward for block '%s': %w", blockId, err)
	}
	st.logger.Sugar().Infow("Issued refinement reward for completed evolution",
		zap.String("blockId", blockId),
		zap.String("recipient", recipient),
		zap.Float64("grade", grade),
		zap.String("outcome", string(result.Outcome)),
	)
	return nil
}

// Cancel aborts an active task. In-flight evaluator calls for it are
// invalidated and no reward is issued.
func (st *StageTracker) Cancel(blockId string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	task, err := st.activeTaskLocked(blockId)
	if err != nil {
		return err
	}
	task.Stage = Stage_Cancelled
	task.generation++
	st.publishProgressLocked(task, "evolution cancelled")
	st.gaugeActiveLocked()
	if st.metricsSink != nil {
		_ = st.metricsSink.Incr(metricsTypes.Metric_Incr_EvolutionCancelled, nil, 1)
	}
	return nil
}

// Fail marks an active task FAILED with its cause. The task may later be
// retried while it has retry budget left.
func (st *StageTracker) Fail(blockId string, cause error) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	task, err := st.activeTaskLocked(blockId)
	if err != nil {
		return err
	}
	task.generation++
	task.lastError = cause

	classification := errorClassifier.Classify(cause)
	if classification.RetryableAt(task.RetryCount) && task.RetryCount < st.config.MaxRetries {
		task.RetryCount++
		delay := errorClassifier.BackoffDelay(classification, task.RetryCount-1, st.config.RetryBackoffMax)
		generation := task.generation
		st.publishProgressLocked(task, fmt.Sprintf("retrying after %s", delay))
		time.AfterFunc(delay, func() {
			st.reenter(blockId, generation)
		})
		return nil
	}

	task.Stage = Stage_Failed
	st.publishProgressLocked(task, "evolution failed")
	st.gaugeActiveLocked()
	if st.metricsSink != nil {
		_ = st.metricsSink.Incr(metricsTypes.Metric_Incr_EvolutionFailed, []metricsTypes.MetricsLabel{
			{Name: "error_kind", Value: string(classification.Kind)},
		}, 1)
	}
	return nil
}

// reenter moves a task whose scheduled retry came due back to the start of
// the pipeline. A cancel or a newer failure in the meantime bumps the
// generation and the stale re-entry is discarded.
func (st *StageTracker) reenter(blockId string, generation uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	task, ok := st.tasks[blockId]
	if !ok || task.generation != generation || task.Stage.IsTerminal() {
		return
	}
	task.Stage = Stage_Analyzing
	task.Progress = 0
	task.Grade = 0
	task.StartedAt = time.Now().UTC()
	st.publishProgressLocked(task, fmt.Sprintf("retry %d of %d", task.RetryCount, st.config.MaxRetries))
}

// Retry re-enters ANALYZING for a FAILED task, preserving its retry count.
func (st *StageTracker) Retry(blockId string) (*Task, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	task, ok := st.tasks[blockId]
	if !ok {
		return nil, fmt.Errorf("no evolution task for block '%s'", blockId)
	}
	if task.Stage != Stage_Failed {
		return nil, fmt.Errorf("block '%s' is in stage %s; only failed tasks can be retried", blockId, task.Stage)
	}
	if task.RetryCount >= st.config.MaxRetries {
		return nil, fmt.Errorf("block '%s' has exhausted its %d retries", blockId, st.config.MaxRetries)
	}
	task.RetryCount++
	task.Stage = Stage_Analyzing
	task.Progress = 0
	task.Grade = 0
	task.generation++
	task.StartedAt = time.Now().UTC()
	st.publishProgressLocked(task, fmt.Sprintf("retry %d of %d", task.RetryCount, st.config.MaxRetries))
	st.gaugeActiveLocked()
	snapshot := *task
	return &snapshot, nil
}

// ActiveCount returns the number of tasks in a working stage.
func (st *StageTracker) ActiveCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.activeCountLocked()
}

func (st *StageTracker) activeCountLocked() int {
	count := 0
	for _, task := range st.tasks {
		if !task.Stage.IsTerminal() {
			count++
		}
	}
	return count
}

func (st *StageTracker) activeTaskLocked(blockId string) (*Task, error) {
	task, ok := st.tasks[blockId]
	if !ok {
		return nil, fmt.Errorf("no evolution task for block '%s'", blockId)
	}
	if task.Stage.IsTerminal() {
		return nil, fmt.Errorf("evolution task for block '%s' is already %s", blockId, task.Stage)
	}
	return task, nil
}

func (st *StageTracker) gaugeActiveLocked() {
	if st.metricsSink == nil {
		return
	}
	_ = st.metricsSink.Gauge(metricsTypes.Metric_Gauge_ActiveEvolutionTasks, float64(st.activeCountLocked()), nil)
}

func (st *StageTracker) publishProgressLocked(task *Task, message string) {
	if st.eventBus == nil {
		return
	}
	st.eventBus.Publish(&eventBusTypes.Event{
		Name: eventBusTypes.Event_EvolutionProgress,
		Data: &eventBusTypes.EvolutionProgressData{
			BlockId:            task.BlockId,
			Stage:              string(task.Stage),
			Progress:           task.Progress,
			Message:            message,
			EstimatedRemaining: estimateRemaining(task),
		},
	})
}

// estimateRemaining extrapolates from elapsed time and progress. Zero when
// there is nothing to extrapolate from.
func estimateRemaining(task *Task) time.Duration {
	if task.Progress <= 0 || task.Progress >= 100 || task.Stage.IsTerminal() {
		return 0
	}
	elapsed := time.Since(task.StartedAt)
	if elapsed <= 0 {
		return 0
	}
	perPoint := elapsed / time.Duration(task.Progress)
	return perPoint * time.Duration(100-task.Progress)
}
