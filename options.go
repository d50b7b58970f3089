package mqttflow

import (
	"golang.org/x/time/rate"
)

// options holds configuration for an Engine.
type options struct {
	logger          Logger
	logLevel        *LogLevel
	metrics         Metrics
	deliveryMetrics *DeliveryMetrics

	// Flow control
	sendMaximum        int
	receiveMaximum     int
	qos0QueueSize      int // 0 means receive maximum
	qos0DropPolicy     DropPolicy
	qos2CompleteResult bool
	maxWritesPerRun    int

	// Outgoing rate limit, rate.Inf means unlimited
	publishLimit rate.Limit
	publishBurst int

	// Error routing
	errorSink        func(error)
	connErrorHandler func(error)

	// Interceptors
	producerInterceptors   []ProducerInterceptor
	consumerInterceptors   []ConsumerInterceptor
	outgoingQoSInterceptor *OutgoingQoSInterceptor
	incomingQoSInterceptor *IncomingQoSInterceptor
}

// defaultOptions returns options with sensible defaults.
func defaultOptions() *options {
	return &options{
		logger:          NewNoOpLogger(),
		metrics:         &NoOpMetrics{},
		sendMaximum:     maxSendMaximum,
		receiveMaximum:  maxPacketID,
		qos0DropPolicy:  DropOldest,
		maxWritesPerRun: defaultWritesPerRun,
		publishLimit:    rate.Inf,
	}
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics Metrics) Option {
	return func(o *options) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithConfig applies a declarative configuration. The configuration must be
// valid; options given after it override its values.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		cfg.apply(o)
		if level, err := ParseLogLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
			o.logLevel = &level
		}
	}
}

// WithSendMaximum caps the number of outgoing QoS 1/2 publishes in flight.
// The negotiated value applies when it is lower.
func WithSendMaximum(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.sendMaximum = min(n, maxPacketID)
		}
	}
}

// WithReceiveMaximum sets the number of unacknowledged incoming QoS 1/2
// publishes accepted before the peer is disconnected.
func WithReceiveMaximum(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.receiveMaximum = min(n, maxPacketID)
		}
	}
}

// WithQoS0QueueSize bounds the incoming QoS 0 queue.
func WithQoS0QueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.qos0QueueSize = n
		}
	}
}

// WithQoS0DropPolicy selects which message is dropped when the QoS 0 queue is full.
func WithQoS0DropPolicy(policy DropPolicy) Option {
	return func(o *options) {
		o.qos0DropPolicy = policy
	}
}

// WithQoS2CompleteResult reports one result per QoS 2 publish after PUBCOMP
// instead of an intermediate result after PUBREC.
func WithQoS2CompleteResult(enabled bool) Option {
	return func(o *options) {
		o.qos2CompleteResult = enabled
	}
}

// WithMaxWritesPerRun bounds the packets written per drain iteration.
func WithMaxWritesPerRun(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxWritesPerRun = n
		}
	}
}

// WithPublishRateLimit limits new publishes to perSecond with the given burst.
// A non-positive rate disables the limit.
func WithPublishRateLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		if perSecond <= 0 {
			o.publishLimit = rate.Inf
			o.publishBurst = 0
			return
		}
		o.publishLimit = rate.Limit(perSecond)
		o.publishBurst = max(burst, 1)
	}
}

// WithErrorSink sets the handler for errors that have no caller left to
// receive them, such as a publish flow completed twice.
func WithErrorSink(sink func(error)) Option {
	return func(o *options) {
		o.errorSink = sink
	}
}

// WithConnectionErrorHandler sets the handler for write and flush errors that
// are not transport failures. The connection layer should close the
// connection when it is called.
func WithConnectionErrorHandler(handler func(error)) Option {
	return func(o *options) {
		o.connErrorHandler = handler
	}
}

// WithProducerInterceptors sets the producer interceptors for outgoing publishes.
func WithProducerInterceptors(interceptors ...ProducerInterceptor) Option {
	return func(o *options) {
		o.producerInterceptors = interceptors
	}
}

// WithConsumerInterceptors sets the consumer interceptors for incoming publishes.
func WithConsumerInterceptors(interceptors ...ConsumerInterceptor) Option {
	return func(o *options) {
		o.consumerInterceptors = interceptors
	}
}

// WithOutgoingQoSInterceptor observes the acknowledgement of outgoing publishes.
func WithOutgoingQoSInterceptor(interceptor *OutgoingQoSInterceptor) Option {
	return func(o *options) {
		o.outgoingQoSInterceptor = interceptor
	}
}

// WithIncomingQoSInterceptor observes and customises the acknowledgement of
// incoming publishes.
func WithIncomingQoSInterceptor(interceptor *IncomingQoSInterceptor) Option {
	return func(o *options) {
		o.incomingQoSInterceptor = interceptor
	}
}

// applyOptions applies opts over the defaults and fills in the derived fields.
func applyOptions(opts ...Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	if o.logLevel != nil {
		o.logger.SetLevel(*o.logLevel)
	}
	o.deliveryMetrics = NewDeliveryMetrics(o.metrics)

	logger := o.logger
	if o.errorSink == nil {
		o.errorSink = func(err error) {
			logger.Error("unhandled error", LogFields{LogFieldError: err})
		}
	}
	if o.connErrorHandler == nil {
		o.connErrorHandler = func(err error) {
			logger.Error("connection error", LogFields{LogFieldError: err})
		}
	}

	return o
}

// qos0Capacity returns the QoS 0 queue bound for the given receive maximum.
func (o *options) qos0Capacity(receiveMaximum int) int {
	if o.qos0QueueSize > 0 {
		return o.qos0QueueSize
	}
	return receiveMaximum
}
