package metrics

import (
	"time"

	"github.com/evolvechain/settler/internal/config"
	"github.com/evolvechain/settler/pkg/metrics/dogstatsd"
	"github.com/evolvechain/settler/pkg/metrics/metricsTypes"
	"github.com/evolvechain/settler/pkg/metrics/prometheus"
	"go.uber.org/zap"
)

type MetricsSinkConfig struct{}

// MetricsSink fans metrics out to every configured client. A sink with no
// clients is valid and drops everything, which keeps call sites unconditional.
type MetricsSink struct {
	clients []metricsTypes.IMetricsClient
}

func NewMetricsSink(cfg *MetricsSinkConfig, clients []metricsTypes.IMetricsClient) (*MetricsSink, error) {
	if clients == nil {
		clients = []metricsTypes.IMetricsClient{}
	}
	return &MetricsSink{
		clients: clients,
	}, nil
}

func (ms *MetricsSink) Incr(name string, labels []metricsTypes.MetricsLabel, value float64) error {
	for _, client := range ms.clients {
		if err := client.Incr(name, labels, value); err != nil {
			return err
		}
	}
	return nil
}

func (ms *MetricsSink) Gauge(name string, value float64, labels []metricsTypes.MetricsLabel) error {
	for _, client := range ms.clients {
		if err := client.Gauge(name, value, labels); err != nil {
			return err
		}
	}
	return nil
}

func (ms *MetricsSink) Timing(name string, value time.Duration, labels []metricsTypes.MetricsLabel) error {
	for _, client := range ms.clients {
		if err := client.Timing(name, value, labels); err != nil {
			return err
		}
	}
	return nil
}

func (ms *MetricsSink) Flush() {
	for _, client := range ms.clients {
		client.Flush()
	}
}

// InitMetricsSinksFromConfig builds the set of metrics clients the config
// enables. Returns an empty slice when nothing is enabled.
func InitMetricsSinksFromConfig(cfg *config.Config, l *zap.Logger) ([]metricsTypes.IMetricsClient, error) {
	clients := make([]metricsTypes.IMetricsClient, 0)

	if cfg.DatadogConfig.StatsdEnabled {
		statsdClient, err := dogstatsd.NewDogStatsdMetricsClient(&dogstatsd.DogStatsdMetricsClientConfig{
			Url:        cfg.DatadogConfig.StatsdUrl,
			SampleRate: 1,
		}, l)
		if err != nil {
			return nil, err
		}
		clients = append(clients, statsdClient)
	}

	if cfg.PrometheusConfig.Enabled {
		promClient, err := prometheus.NewPrometheusMetricsClient(&prometheus.PrometheusMetricsConfig{
			Metrics: metricsTypes.MetricTypes,
		}, l)
		if err != nil {
			return nil, err
		}
		clients = append(clients, promClient)
	}

	return clients, nil
}
