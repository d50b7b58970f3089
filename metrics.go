package mqttflow

import "strconv"

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics defines the interface for collecting metrics.
type Metrics interface {
	// Counter returns a counter metric.
	Counter(name string, labels MetricLabels) Counter

	// Gauge returns a gauge metric.
	Gauge(name string, labels MetricLabels) Gauge
}

// Counter is a monotonically increasing counter.
type Counter interface {
	// Inc increments the counter by 1.
	Inc()

	// Add adds the given value to the counter.
	Add(delta float64)
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	// Set sets the gauge to the given value.
	Set(value float64)

	// Inc increments the gauge by 1.
	Inc()

	// Dec decrements the gauge by 1.
	Dec()
}

// NoOpMetrics is a no-op implementation of Metrics.
type NoOpMetrics struct{}

// Counter returns a no-op counter.
func (n *NoOpMetrics) Counter(_ string, _ MetricLabels) Counter {
	return noOpCounter{}
}

// Gauge returns a no-op gauge.
func (n *NoOpMetrics) Gauge(_ string, _ MetricLabels) Gauge {
	return noOpGauge{}
}

type noOpCounter struct{}

func (noOpCounter) Inc()          {}
func (noOpCounter) Add(_ float64) {}

type noOpGauge struct{}

func (noOpGauge) Set(_ float64) {}
func (noOpGauge) Inc()          {}
func (noOpGauge) Dec()          {}

// Standard metric names for the delivery engine.
const (
	// MetricPublishesSent is the number of new publishes written.
	MetricPublishesSent = "mqtt_publishes_sent_total"

	// MetricRetransmissions is the number of entries resent after a session resume.
	MetricRetransmissions = "mqtt_retransmissions_total"

	// MetricAcksReceived is the number of PUBACK, PUBREC and PUBCOMP packets received.
	MetricAcksReceived = "mqtt_acks_received_total"

	// MetricAcksSent is the number of PUBACK, PUBREC and PUBCOMP packets written.
	MetricAcksSent = "mqtt_acks_sent_total"

	// MetricProtocolErrors is the number of protocol violations detected.
	MetricProtocolErrors = "mqtt_protocol_errors_total"

	// MetricInFlight is the current number of outgoing messages awaiting acknowledgement.
	MetricInFlight = "mqtt_in_flight"

	// MetricOutgoingQueued is the current number of publishes waiting for a packet identifier.
	MetricOutgoingQueued = "mqtt_outgoing_queued"

	// MetricMessagesReceived is the number of publishes received.
	MetricMessagesReceived = "mqtt_messages_received_total"

	// MetricIncomingQueued is the current number of received messages not yet delivered.
	MetricIncomingQueued = "mqtt_incoming_queued"

	// MetricQoS0Dropped is the number of QoS 0 messages dropped on a full queue.
	MetricQoS0Dropped = "mqtt_qos0_dropped_total"

	// MetricDeliveryGaps is the number of publishes no flow was interested in.
	MetricDeliveryGaps = "mqtt_delivery_gaps_total"
)

// Standard metric labels.
const (
	// LabelPacketType is the packet type label.
	LabelPacketType = "packet_type"

	// LabelQoS is the QoS level label.
	LabelQoS = "qos"
)

// DeliveryMetrics provides convenience methods for delivery engine metrics.
type DeliveryMetrics struct {
	metrics Metrics
}

// NewDeliveryMetrics creates a new DeliveryMetrics instance.
func NewDeliveryMetrics(m Metrics) *DeliveryMetrics {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &DeliveryMetrics{metrics: m}
}

func qosLabels(qos byte) MetricLabels {
	return MetricLabels{LabelQoS: strconv.Itoa(int(qos))}
}

func (d *DeliveryMetrics) publishSent(qos byte) {
	d.metrics.Counter(MetricPublishesSent, qosLabels(qos)).Inc()
}

func (d *DeliveryMetrics) retransmitted() {
	d.metrics.Counter(MetricRetransmissions, nil).Inc()
}

func (d *DeliveryMetrics) ackReceived(packetType PacketType) {
	d.metrics.Counter(MetricAcksReceived, MetricLabels{LabelPacketType: packetType.String()}).Inc()
}

func (d *DeliveryMetrics) ackSent(packetType PacketType) {
	d.metrics.Counter(MetricAcksSent, MetricLabels{LabelPacketType: packetType.String()}).Inc()
}

func (d *DeliveryMetrics) protocolError() {
	d.metrics.Counter(MetricProtocolErrors, nil).Inc()
}

func (d *DeliveryMetrics) setInFlight(n int) {
	d.metrics.Gauge(MetricInFlight, nil).Set(float64(n))
}

func (d *DeliveryMetrics) setQueued(n int) {
	d.metrics.Gauge(MetricOutgoingQueued, nil).Set(float64(n))
}

func (d *DeliveryMetrics) messageReceived(qos byte) {
	d.metrics.Counter(MetricMessagesReceived, qosLabels(qos)).Inc()
}

func (d *DeliveryMetrics) setIncomingQueued(n int) {
	d.metrics.Gauge(MetricIncomingQueued, nil).Set(float64(n))
}

func (d *DeliveryMetrics) qos0Dropped() {
	d.metrics.Counter(MetricQoS0Dropped, nil).Inc()
}

func (d *DeliveryMetrics) deliveryGap() {
	d.metrics.Counter(MetricDeliveryGaps, nil).Inc()
}
