package mqttflow

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// PublishSource produces the publishes of one PublishFlow. It calls emit for
// each packet and returns when done; emit blocks while the engine has no send
// credit and returns an error once the flow is cancelled or ctx is done.
type PublishSource func(ctx context.Context, emit func(*PublishPacket) error) error

// SliceSource emits the given packets in order.
func SliceSource(publishes ...*PublishPacket) PublishSource {
	return func(_ context.Context, emit func(*PublishPacket) error) error {
		for _, p := range publishes {
			if err := emit(p); err != nil {
				return err
			}
		}
		return nil
	}
}

// ChanSource emits packets received from ch until it is closed.
func ChanSource(ch <-chan *PublishPacket) PublishSource {
	return func(ctx context.Context, emit func(*PublishPacket) error) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case p, ok := <-ch:
				if !ok {
					return nil
				}
				if err := emit(p); err != nil {
					return err
				}
			}
		}
	}
}

// PublishFlow links one PublishSource to the outgoing engine and hands the
// results back to a ResultSubscriber as it requests them.
//
// The flow completes once the source has returned and every publish it
// submitted has been acknowledged, which happens when its result was
// delivered (and, for QoS 2 intermediate results, its PUBCOMP arrived).
type PublishFlow struct {
	engine     *outgoingEngine
	executor   Executor
	subscriber ResultSubscriber
	errorSink  func(error)

	ctx        context.Context
	cancelLink context.CancelFunc

	// executor only
	queue     []*PublishResult
	requested int64

	demand demandLatch

	acked     atomic.Int64
	published atomic.Int64
	latched   atomic.Bool
	done      atomic.Bool
	cancelled atomic.Bool

	// written before published is stored
	err error

	finishOnce sync.Once
	finished   chan struct{}
	finalErr   error
}

func newPublishFlow(ctx context.Context, engine *outgoingEngine, subscriber ResultSubscriber, errorSink func(error)) *PublishFlow {
	if subscriber == nil {
		subscriber = ResultFuncs{}
	}
	f := &PublishFlow{
		engine:     engine,
		executor:   engine.executor,
		subscriber: subscriber,
		errorSink:  errorSink,
		finished:   make(chan struct{}),
	}
	f.ctx, f.cancelLink = context.WithCancel(ctx)
	f.published.Store(-1)
	return f
}

// Request allows n more results to be delivered. Safe for concurrent use.
func (f *PublishFlow) Request(n int64) {
	if n <= 0 || f.cancelled.Load() {
		return
	}
	if f.demand.add(n) {
		f.executor.Execute(f.run)
	}
}

// RequestAll removes the bound on result delivery.
func (f *PublishFlow) RequestAll() {
	f.Request(math.MaxInt64)
}

// Cancel stops the source and discards undelivered results. No further
// subscriber calls are made. Safe to call more than once.
func (f *PublishFlow) Cancel() {
	if !f.cancelled.CompareAndSwap(false, true) {
		return
	}
	f.cancelLink()
	f.finish(ErrFlowCancelled)
	f.executor.Execute(f.run)
}

// Done is closed when the flow completed, failed or was cancelled.
func (f *PublishFlow) Done() <-chan struct{} {
	return f.finished
}

// Err returns the source error, ErrFlowCancelled, or nil. Valid after Done.
func (f *PublishFlow) Err() error {
	select {
	case <-f.finished:
		return f.finalErr
	default:
		return nil
	}
}

// link runs the source on its own goroutine, submitting each publish once a
// send credit is available.
func (f *PublishFlow) link(source PublishSource) {
	var total int64
	err := source(f.ctx, func(p *PublishPacket) error {
		if err := f.ctx.Err(); err != nil {
			return err
		}
		if err := validatePublish(p); err != nil {
			return err
		}
		if err := f.engine.acquire(f.ctx); err != nil {
			return err
		}
		total++
		f.engine.submit(p, f)
		return nil
	})
	f.latch(total, err)
}

func validatePublish(p *PublishPacket) error {
	if p == nil {
		return fmt.Errorf("%w: nil publish", ErrInvalidTopicName)
	}
	if p.QoS > 2 {
		return ErrInvalidQoS
	}
	if p.Topic == "" && p.TopicAlias != 0 {
		return nil
	}
	return ValidateTopicName(p.Topic)
}

// latch fixes the number of publishes the flow submitted. The first call wins;
// later calls are reported to the error sink. Safe for concurrent use.
func (f *PublishFlow) latch(total int64, err error) {
	if !f.latched.CompareAndSwap(false, true) {
		f.errorSink(fmt.Errorf("%w: total %d", ErrAlreadyLatched, total))
		return
	}
	f.err = err
	f.published.Store(total)
	if f.acked.Load() == total && f.done.CompareAndSwap(false, true) {
		f.executor.Execute(f.complete)
	}
}

// onResult queues a result for delivery. Executor only.
func (f *PublishFlow) onResult(result *PublishResult) {
	f.queue = append(f.queue, result)
	f.run()
}

// run delivers queued results up to the requested amount. Executor only.
func (f *PublishFlow) run() {
	if f.cancelled.Load() {
		f.discard()
		return
	}

	var acked int64
	for len(f.queue) > 0 {
		if f.requested == 0 {
			if f.requested = f.demand.take(); f.requested == 0 {
				break
			}
		}

		result := f.queue[0]
		f.queue[0] = nil
		f.queue = f.queue[1:]
		f.requested--

		f.subscriber.OnResult(result)
		if result.acknowledged() {
			acked++
		}

		if f.cancelled.Load() {
			f.acknowledged(acked)
			f.discard()
			return
		}
	}
	if len(f.queue) == 0 {
		f.queue = nil
	}

	f.acknowledged(acked)
}

// discard drops undelivered results, still counting their acknowledgements.
func (f *PublishFlow) discard() {
	var acked int64
	for i, result := range f.queue {
		if result.acknowledged() {
			acked++
		}
		f.queue[i] = nil
	}
	f.queue = nil
	f.acknowledged(acked)
}

// acknowledged counts n acknowledged publishes and returns their credits.
// Executor only.
func (f *PublishFlow) acknowledged(n int64) {
	if n <= 0 {
		return
	}
	if f.acked.Add(n) == f.published.Load() && f.done.CompareAndSwap(false, true) {
		f.complete()
	}
	f.engine.request(n)
}

func (f *PublishFlow) complete() {
	if f.cancelled.Load() {
		return
	}
	if f.err != nil {
		f.subscriber.OnError(f.err)
	} else {
		f.subscriber.OnComplete()
	}
	f.finish(f.err)
}

func (f *PublishFlow) finish(err error) {
	f.finishOnce.Do(func() {
		f.finalErr = err
		close(f.finished)
		f.cancelLink()
	})
}
