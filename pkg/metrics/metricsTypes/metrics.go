package metricsTypes

import "time"

type IMetricsClient interface {
	Incr(name string, labels []MetricsLabel, value float64) error
	Gauge(name string, value float64, labels []MetricsLabel) error
	Timing(name string, value time.Duration, labels []MetricsLabel) error
	Flush()
}

type MetricsLabel struct {
	Name  string
	Value string
}

type MetricsType string

var (
	MetricsType_Incr   MetricsType = "incr"
	MetricsType_Gauge  MetricsType = "gauge"
	MetricsType_Timing MetricsType = "timing"
)

type MetricsTypeConfig struct {
	Name   string
	Labels []string
}

var (
	Metric_Incr_RewardDispatched   = "distributor.rewardDispatched"
	Metric_Incr_RewardQueued       = "distributor.rewardQueued"
	Metric_Incr_MintSucceeded      = "distributor.mintSucceeded"
	Metric_Incr_MintFailed         = "distributor.mintFailed"
	Metric_Incr_RewardTerminal     = "distributor.rewardTerminalFailure"
	Metric_Incr_DrainCycle         = "drainer.cycle"
	Metric_Incr_RetryExhausted     = "drainer.retryExhausted"
	Metric_Incr_EvolutionCompleted = "evolution.completed"
	Metric_Incr_EvolutionFailed    = "evolution.failed"
	Metric_Incr_EvolutionCancelled = "evolution.cancelled"

	Metric_Gauge_QueueDepth           = "queue.depth"
	Metric_Gauge_ActiveEvolutionTasks = "evolution.activeTasks"

	Metric_Timing_DispatchDuration = "distributor.dispatch.duration"
	Metric_Timing_DrainDuration    = "drainer.drain.duration"
	Metric_Timing_EvaluateDuration = "evolution.evaluate.duration"
)

var MetricTypes = map[MetricsType][]MetricsTypeConfig{
	MetricsType_Incr: {
		MetricsTypeConfig{
			Name:   Metric_Incr_RewardDispatched,
			Labels: []string{"reward_type"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_RewardQueued,
			Labels: []string{"reward_type"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_MintSucceeded,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_MintFailed,
			Labels: []string{"error_kind"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_RewardTerminal,
			Labels: []string{"error_kind"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_DrainCycle,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_RetryExhausted,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_EvolutionCompleted,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_EvolutionFailed,
			Labels: []string{"error_kind"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_EvolutionCancelled,
			Labels: []string{},
		},
	},
	MetricsType_Gauge: {
		MetricsTypeConfig{
			Name:   Metric_Gauge_QueueDepth,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Gauge_ActiveEvolutionTasks,
			Labels: []string{},
		},
	},
	MetricsType_Timing: {
		MetricsTypeConfig{
			Name:   Metric_Timing_DispatchDuration,
			Labels: []string{"outcome"},
		},
		MetricsTypeConfig{
			Name:   Metric_Timing_DrainDuration,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Timing_EvaluateDuration,
			Labels: []string{},
		},
	},
}
