package mqttflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestDefaultOptions(t *testing.T) {
	opts := defaultOptions()

	assert.IsType(t, &NoOpLogger{}, opts.logger)
	assert.IsType(t, &NoOpMetrics{}, opts.metrics)
	assert.Equal(t, 65525, opts.sendMaximum)
	assert.Equal(t, 65535, opts.receiveMaximum)
	assert.Equal(t, 0, opts.qos0QueueSize)
	assert.Equal(t, DropOldest, opts.qos0DropPolicy)
	assert.False(t, opts.qos2CompleteResult)
	assert.Equal(t, 64, opts.maxWritesPerRun)
	assert.Equal(t, rate.Inf, opts.publishLimit)
}

func TestApplyOptions(t *testing.T) {
	t.Run("derived fields", func(t *testing.T) {
		opts := applyOptions()
		assert.NotNil(t, opts.deliveryMetrics)
		assert.NotNil(t, opts.errorSink)
		assert.NotNil(t, opts.connErrorHandler)
	})

	t.Run("default handlers log at error level", func(t *testing.T) {
		logger, logs := newObservedLogger(LogLevelDebug)
		opts := applyOptions(WithLogger(logger))

		opts.errorSink(errors.New("late"))
		opts.connErrorHandler(errors.New("encode"))

		assert.Equal(t, 1, logs.FilterMessage("unhandled error").Len())
		assert.Equal(t, 1, logs.FilterMessage("connection error").Len())
	})
}

func TestWithLogger(t *testing.T) {
	logger, _ := newObservedLogger(LogLevelInfo)
	assert.Same(t, logger, applyOptions(WithLogger(logger)).logger)

	opts := applyOptions(WithLogger(nil))
	assert.IsType(t, &NoOpLogger{}, opts.logger)
}

func TestWithMetrics(t *testing.T) {
	m := NewMemoryMetrics()
	opts := applyOptions(WithMetrics(m))
	assert.Same(t, m, opts.metrics)

	opts.deliveryMetrics.qos0Dropped()
	assert.Equal(t, float64(1), m.CounterValue(MetricQoS0Dropped, nil))
}

func TestFlowControlOptions(t *testing.T) {
	t.Run("send maximum", func(t *testing.T) {
		assert.Equal(t, 5, applyOptions(WithSendMaximum(5)).sendMaximum)
		assert.Equal(t, 65535, applyOptions(WithSendMaximum(100000)).sendMaximum)
		assert.Equal(t, 65525, applyOptions(WithSendMaximum(0)).sendMaximum)
	})

	t.Run("receive maximum", func(t *testing.T) {
		assert.Equal(t, 7, applyOptions(WithReceiveMaximum(7)).receiveMaximum)
		assert.Equal(t, 65535, applyOptions(WithReceiveMaximum(-1)).receiveMaximum)
	})

	t.Run("qos0 queue", func(t *testing.T) {
		opts := applyOptions(WithQoS0QueueSize(2), WithQoS0DropPolicy(DropNewest))
		assert.Equal(t, 2, opts.qos0Capacity(100))
		assert.Equal(t, DropNewest, opts.qos0DropPolicy)

		assert.Equal(t, 100, applyOptions().qos0Capacity(100))
	})

	t.Run("qos2 complete result", func(t *testing.T) {
		assert.True(t, applyOptions(WithQoS2CompleteResult(true)).qos2CompleteResult)
	})

	t.Run("writes per run", func(t *testing.T) {
		assert.Equal(t, 8, applyOptions(WithMaxWritesPerRun(8)).maxWritesPerRun)
		assert.Equal(t, 64, applyOptions(WithMaxWritesPerRun(0)).maxWritesPerRun)
	})

	t.Run("publish rate limit", func(t *testing.T) {
		opts := applyOptions(WithPublishRateLimit(10, 0))
		assert.Equal(t, rate.Limit(10), opts.publishLimit)
		assert.Equal(t, 1, opts.publishBurst)

		opts = applyOptions(WithPublishRateLimit(10, 5), WithPublishRateLimit(0, 5))
		assert.Equal(t, rate.Inf, opts.publishLimit)
	})
}

func TestErrorHandlerOptions(t *testing.T) {
	var sunk, handled error
	opts := applyOptions(
		WithErrorSink(func(err error) { sunk = err }),
		WithConnectionErrorHandler(func(err error) { handled = err }),
	)

	opts.errorSink(ErrAlreadyLatched)
	opts.connErrorHandler(ErrProtocolError)

	assert.ErrorIs(t, sunk, ErrAlreadyLatched)
	assert.ErrorIs(t, handled, ErrProtocolError)
}

type passThrough struct{}

func (passThrough) OnSend(p *PublishPacket) *PublishPacket    { return p }
func (passThrough) OnConsume(p *PublishPacket) *PublishPacket { return p }

func TestInterceptorOptions(t *testing.T) {
	out := &OutgoingQoSInterceptor{}
	in := &IncomingQoSInterceptor{}

	opts := applyOptions(
		WithProducerInterceptors(passThrough{}),
		WithConsumerInterceptors(passThrough{}, passThrough{}),
		WithOutgoingQoSInterceptor(out),
		WithIncomingQoSInterceptor(in),
	)

	assert.Len(t, opts.producerInterceptors, 1)
	assert.Len(t, opts.consumerInterceptors, 2)
	assert.Same(t, out, opts.outgoingQoSInterceptor)
	assert.Same(t, in, opts.incomingQoSInterceptor)
}
