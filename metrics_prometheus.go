package mqttflow

import (
	"errors"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var metricHelp = map[string]string{
	MetricPublishesSent:    "A counter of new publishes written",
	MetricRetransmissions:  "A counter of publishes and PUBRELs resent after a session resume",
	MetricAcksReceived:     "A counter of PUBACK, PUBREC and PUBCOMP packets received",
	MetricAcksSent:         "A counter of PUBACK, PUBREC and PUBCOMP packets written",
	MetricProtocolErrors:   "A counter of protocol violations detected",
	MetricInFlight:         "A gauge of outgoing messages awaiting acknowledgement",
	MetricOutgoingQueued:   "A gauge of publishes waiting for a packet identifier",
	MetricMessagesReceived: "A counter of publishes received",
	MetricIncomingQueued:   "A gauge of received messages not yet delivered to every flow",
	MetricQoS0Dropped:      "A counter of QoS 0 messages dropped on a full queue",
	MetricDeliveryGaps:     "A counter of publishes no flow was interested in",
}

// PrometheusMetrics exposes metrics through a Prometheus registerer. Vectors
// are registered on first use; a name must always be used with the same
// label names.
type PrometheusMetrics struct {
	registry prometheus.Registerer

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
}

// NewPrometheusMetrics creates metrics registered on registry, or on the
// default registerer when nil.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	return &PrometheusMetrics{
		registry: registry,
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]*prometheus.GaugeVec),
	}
}

// Counter returns a counter metric.
func (p *PrometheusMetrics) Counter(name string, labels MetricLabels) Counter {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name,
			Help: help(name),
		}, labelNames(labels))
		vec = register(p.registry, vec)
		p.counters[name] = vec
	}
	p.mu.Unlock()

	return vec.With(prometheus.Labels(labels))
}

// Gauge returns a gauge metric.
func (p *PrometheusMetrics) Gauge(name string, labels MetricLabels) Gauge {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name,
			Help: help(name),
		}, labelNames(labels))
		vec = register(p.registry, vec)
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	return vec.With(prometheus.Labels(labels))
}

// register adds c to registry, reusing a collector registered earlier under
// the same descriptor.
func register[C prometheus.Collector](registry prometheus.Registerer, c C) C {
	if err := registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func help(name string) string {
	if h, ok := metricHelp[name]; ok {
		return h
	}
	return name
}

func labelNames(labels MetricLabels) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
