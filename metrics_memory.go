package mqttflow

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// MemoryMetrics is an in-memory implementation of Metrics for testing.
type MemoryMetrics struct {
	mu       sync.RWMutex
	counters map[string]*memoryValue
	gauges   map[string]*memoryValue
}

// NewMemoryMetrics creates a new in-memory metrics instance.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters: make(map[string]*memoryValue),
		gauges:   make(map[string]*memoryValue),
	}
}

func labelsKey(name string, labels MetricLabels) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("|" + k + "=" + labels[k])
	}
	return b.String()
}

func (m *MemoryMetrics) value(set map[string]*memoryValue, name string, labels MetricLabels) *memoryValue {
	key := labelsKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := set[key]; ok {
		return v
	}

	v := &memoryValue{}
	set[key] = v

	return v
}

// Counter returns a counter metric.
func (m *MemoryMetrics) Counter(name string, labels MetricLabels) Counter {
	return m.value(m.counters, name, labels)
}

// Gauge returns a gauge metric.
func (m *MemoryMetrics) Gauge(name string, labels MetricLabels) Gauge {
	return m.value(m.gauges, name, labels)
}

// CounterValue returns the current value of a counter, zero if it was never used.
func (m *MemoryMetrics) CounterValue(name string, labels MetricLabels) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.counters[labelsKey(name, labels)]; ok {
		return v.Value()
	}
	return 0
}

// GaugeValue returns the current value of a gauge, zero if it was never used.
func (m *MemoryMetrics) GaugeValue(name string, labels MetricLabels) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.gauges[labelsKey(name, labels)]; ok {
		return v.Value()
	}
	return 0
}

type memoryValue struct {
	bits atomic.Uint64
}

func (v *memoryValue) Set(value float64) {
	v.bits.Store(math.Float64bits(value))
}

func (v *memoryValue) Inc() {
	v.Add(1)
}

func (v *memoryValue) Dec() {
	v.Add(-1)
}

func (v *memoryValue) Add(delta float64) {
	for {
		old := v.bits.Load()
		next := math.Float64frombits(old) + delta
		if v.bits.CompareAndSwap(old, math.Float64bits(next)) {
			break
		}
	}
}

func (v *memoryValue) Value() float64 {
	return math.Float64frombits(v.bits.Load())
}
