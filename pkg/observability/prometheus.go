package observability

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const prometheusNamespace = "jobcooldown"

// PrometheusCollector translates Metric events into Prometheus metrics and exposes a registry.
type PrometheusCollector struct {
	registry *prometheus.Registry
	mu       sync.Mutex
	vecs     map[string]registeredVec
}

type registeredVec struct {
	kind       MetricType
	labelNames []string
	counter    *prometheus.CounterVec
	gauge      *prometheus.GaugeVec
	histogram  *prometheus.HistogramVec
}

// NewPrometheusCollector builds a collector backed by a dedicated Prometheus registry.
func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		vecs:     make(map[string]registeredVec),
	}
}

// Collect implements MetricsCollector by forwarding the measurement into Prometheus primitives.
// Measurements whose label set or type disagrees with the first registration are dropped.
func (c *PrometheusCollector) Collect(metric Metric) {
	if metric.Name == "" {
		return
	}
	switch metric.Type {
	case MetricCounter, MetricGauge, MetricHistogram:
	default:
		return
	}

	labels := cloneLabels(metric.Labels)
	labelNames := sortedKeys(labels)

	c.mu.Lock()
	defer c.mu.Unlock()

	vec, ok := c.vecs[metric.Name]
	if !ok {
		var err error
		vec, err = c.register(metric, labelNames)
		if err != nil {
			return
		}
		c.vecs[metric.Name] = vec
	}
	if vec.kind != metric.Type || !equalStringSlices(vec.labelNames, labelNames) {
		return
	}

	switch vec.kind {
	case MetricCounter:
		if metric.Value < 0 {
			return
		}
		vec.counter.With(labels).Add(metric.Value)
	case MetricGauge:
		vec.gauge.With(labels).Set(metric.Value)
	case MetricHistogram:
		vec.histogram.With(labels).Observe(metric.Value)
	}
}

func (c *PrometheusCollector) register(metric Metric, labelNames []string) (registeredVec, error) {
	vec := registeredVec{kind: metric.Type, labelNames: labelNames}
	var collector prometheus.Collector

	switch metric.Type {
	case MetricCounter:
		vec.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpText(metric),
		}, labelNames)
		collector = vec.counter
	case MetricGauge:
		vec.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpText(metric),
		}, labelNames)
		collector = vec.gauge
	case MetricHistogram:
		opts := prometheus.HistogramOpts{
			Namespace: prometheusNamespace,
			Name:      metric.Name,
			Help:      helpText(metric),
		}
		if metric.Unit != "" {
			opts.ConstLabels = map[string]string{"unit": metric.Unit}
		}
		vec.histogram = prometheus.NewHistogramVec(opts, labelNames)
		collector = vec.histogram
	default:
		return vec, fmt.Errorf("unsupported metric type %q", metric.Type)
	}

	if err := c.registry.Register(collector); err != nil {
		return vec, err
	}
	return vec, nil
}

// Registry returns the underlying registry for use with HTTP handlers.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler exposes the Prometheus registry via an http.Handler.
func (c *PrometheusCollector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WriteTextfile dumps the registry in text exposition format for the node_exporter
// textfile collector. The file is replaced atomically.
func (c *PrometheusCollector) WriteTextfile(path string) error {
	if c == nil {
		return errors.New("prometheus collector is not configured")
	}
	if strings.TrimSpace(path) == "" {
		return errors.New("metrics textfile path must not be empty")
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func helpText(metric Metric) string {
	if strings.TrimSpace(metric.Description) != "" {
		return metric.Description
	}
	if metric.Unit != "" {
		return metric.Name + " (" + metric.Unit + ")"
	}
	return metric.Name
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneLabels(labels map[string]string) prometheus.Labels {
	if len(labels) == 0 {
		return nil
	}
	cloned := make(prometheus.Labels, len(labels))
	for k, v := range labels {
		cloned[k] = v
	}
	return cloned
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ MetricsCollector = (*PrometheusCollector)(nil)
