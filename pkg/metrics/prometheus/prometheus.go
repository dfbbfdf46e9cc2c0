package prometheus

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/evolvechain/settler/pkg/metrics/metricsTypes"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type PrometheusMetricsConfig struct {
	Metrics map[metricsTypes.MetricsType][]metricsTypes.MetricsTypeConfig
}

type PrometheusMetricsClient struct {
	logger *zap.Logger
	config *PrometheusMetricsConfig

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPrometheusMetricsClient(config *PrometheusMetricsConfig, l *zap.Logger) (*PrometheusMetricsClient, error) {
	client := &PrometheusMetricsClient{
		config: config,
		logger: l,

		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	client.initializeTypes()

	return client, nil
}

func (pmc *PrometheusMetricsClient) logExistingMetric(t metricsTypes.MetricsType, metric metricsTypes.MetricsTypeConfig) {
	pmc.logger.Sugar().Warnw("Prometheus metric already exists for type",
		zap.String("type", string(t)),
		zap.String("name", metric.Name),
	)
}

func (pmc *PrometheusMetricsClient) initializeTypes() {
	for t, types := range pmc.config.Metrics {
		for _, mt := range types {
			name := FormatMetricName(mt.Name)
			switch t {
			case metricsTypes.MetricsType_Incr:
				if _, ok := pmc.counters[name]; ok {
					pmc.logExistingMetric(t, mt)
					continue
				}
				pmc.counters[name] = prometheus.NewCounterVec(prometheus.CounterOpts{
					Name: name,
				}, mt.Labels)
				prometheus.MustRegister(pmc.counters[name])
			case metricsTypes.MetricsType_Gauge:
				if _, ok := pmc.gauges[name]; ok {
					pmc.logExistingMetric(t, mt)
					continue
				}
				pmc.gauges[name] = prometheus.NewGaugeVec(prometheus.GaugeOpts{
					Name: name,
				}, mt.Labels)
				prometheus.MustRegister(pmc.gauges[name])
			case metricsTypes.MetricsType_Timing:
				if _, ok := pmc.histograms[name]; ok {
					pmc.logExistingMetric(t, mt)
					continue
				}
				pmc.histograms[name] = prometheus.NewHistogramVec(prometheus.HistogramOpts{
					Name: name,
				}, mt.Labels)
				prometheus.MustRegister(pmc.histograms[name])
			}
		}
	}
}

func (pmc *PrometheusMetricsClient) formatLabels(metricName string, labels []metricsTypes.MetricsLabel) prometheus.Labels {
	l := make(prometheus.Labels)
	expected := pmc.expectedLabels(metricName)
	for _, name := range expected {
		l[name] = ""
	}
	for _, label := range labels {
		if slices.Contains(expected, label.Name) {
			l[label.Name] = label.Value
		}
	}
	return l
}

func (pmc *PrometheusMetricsClient) expectedLabels(metricName string) []string {
	for _, types := range pmc.config.Metrics {
		for _, mt := range types {
			if FormatMetricName(mt.Name) == metricName {
				return mt.Labels
			}
		}
	}
	return []string{}
}

// FormatMetricName converts dotted metric names to the underscore form
// prometheus requires.
func FormatMetricName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

func (pmc *PrometheusMetricsClient) Incr(name string, labels []metricsTypes.MetricsLabel, value float64) error {
	formatted := FormatMetricName(name)
	counter, ok := pmc.counters[formatted]
	if !ok {
		return fmt.Errorf("counter '%s' is not registered", formatted)
	}
	counter.With(pmc.formatLabels(formatted, labels)).Add(value)
	return nil
}

func (pmc *PrometheusMetricsClient) Gauge(name string, value float64, labels []metricsTypes.MetricsLabel) error {
	formatted := FormatMetricName(name)
	gauge, ok := pmc.gauges[formatted]
	if !ok {
		return fmt.Errorf("gauge '%s' is not registered", formatted)
	}
	gauge.With(pmc.formatLabels(formatted, labels)).Set(value)
	return nil
}

func (pmc *PrometheusMetricsClient) Timing(name string, value time.Duration, labels []metricsTypes.MetricsLabel) error {
	formatted := FormatMetricName(name)
	histogram, ok := pmc.histograms[formatted]
	if !ok {
		return fmt.Errorf("histogram '%s' is not registered", formatted)
	}
	histogram.With(pmc.formatLabels(formatted, labels)).Observe(value.Seconds())
	return nil
}

func (pmc *PrometheusMetricsClient) Flush() {}
