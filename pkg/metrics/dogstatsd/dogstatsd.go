package dogstatsd

import (
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/evolvechain/settler/pkg/metrics/metricsTypes"
	"go.uber.org/zap"
)

type DogStatsdMetricsClientConfig struct {
	Url        string
	SampleRate float64
}

type DogStatsdMetricsClient struct {
	logger     *zap.Logger
	client     *statsd.Client
	sampleRate float64
}

func NewDogStatsdMetricsClient(cfg *DogStatsdMetricsClientConfig, l *zap.Logger) (*DogStatsdMetricsClient, error) {
	client, err := statsd.New(cfg.Url)
	if err != nil {
		return nil, fmt.Errorf("failed to create statsd client: %w", err)
	}
	return &DogStatsdMetricsClient{
		logger:     l,
		client:     client,
		sampleRate: cfg.SampleRate,
	}, nil
}

func formatLabels(labels []metricsTypes.MetricsLabel) []string {
	tags := make([]string, 0, len(labels))
	for _, label := range labels {
		tags = append(tags, fmt.Sprintf("%s:%s", label.Name, label.Value))
	}
	return tags
}

func (dsc *DogStatsdMetricsClient) Incr(name string, labels []metricsTypes.MetricsLabel, value float64) error {
	return dsc.client.Incr(name, formatLabels(labels), dsc.sampleRate)
}

func (dsc *DogStatsdMetricsClient) Gauge(name string, value float64, labels []metricsTypes.MetricsLabel) error {
	return dsc.client.Gauge(name, value, formatLabels(labels), dsc.sampleRate)
}

func (dsc *DogStatsdMetricsClient) Timing(name string, value time.Duration, labels []metricsTypes.MetricsLabel) error {
	return dsc.client.Timing(name, value, formatLabels(labels), dsc.sampleRate)
}

func (dsc *DogStatsdMetricsClient) Flush() {
	if err := dsc.client.Flush(); err != nil {
		dsc.logger.Sugar().Errorw("Failed to flush statsd client", zap.Error(err))
	}
}
