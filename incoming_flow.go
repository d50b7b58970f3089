package mqttflow

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
)

// MessageSubscriber receives the messages of an IncomingFlow. Calls are made
// on the engine executor and must not block.
type MessageSubscriber interface {
	OnMessage(msg *IncomingMessage)

	// OnComplete is called after the last subscription of the flow was
	// unsubscribed and every delivered message was confirmed.
	OnComplete()

	// OnError terminates the flow, for example when the session ended or the
	// broker rejected every subscription of the flow.
	OnError(err error)
}

// MessageFuncs adapts plain functions to MessageSubscriber. Nil fields are skipped.
type MessageFuncs struct {
	Message  func(*IncomingMessage)
	Complete func()
	Error    func(error)
}

func (f MessageFuncs) OnMessage(msg *IncomingMessage) {
	if f.Message != nil {
		f.Message(msg)
	}
}

func (f MessageFuncs) OnComplete() {
	if f.Complete != nil {
		f.Complete()
	}
}

func (f MessageFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// FlowOption configures an IncomingFlow.
type FlowOption func(*flowOptions)

type flowOptions struct {
	manualAck bool
}

// WithManualAcknowledgement delays the broker acknowledgement of QoS 1 and
// QoS 2 messages until IncomingMessage.Confirm is called.
func WithManualAcknowledgement() FlowOption {
	return func(o *flowOptions) {
		o.manualAck = true
	}
}

// IncomingMessage is a received publish delivered to one flow.
type IncomingMessage struct {
	Publish *PublishPacket

	flow      *IncomingFlow
	record    *incomingRecord
	confirmed atomic.Bool
}

// Confirm acknowledges the message for a flow created with manual
// acknowledgement. It returns true for the first call only, and always false
// for flows without manual acknowledgement. Safe for concurrent use.
func (m *IncomingMessage) Confirm() bool {
	if m.flow == nil || !m.confirmed.CompareAndSwap(false, true) {
		return false
	}
	if m.record == nil {
		return true
	}
	flow, record := m.flow, m.record
	flow.executor.Execute(func() {
		record.missingAcks--
		flow.acknowledge(record.missingAcks == 0 && len(record.flows) == 0)
	})
	return true
}

// IncomingFlow delivers received publishes to a MessageSubscriber as it
// requests them. It is registered either for topic filters with
// Engine.Subscribe or for a GlobalFilter with Engine.SubscribeGlobal.
type IncomingFlow struct {
	service    *incomingService
	executor   Executor
	subscriber MessageSubscriber
	manualAck  bool

	global     GlobalFilter
	registered bool // in a global list

	demand    demandLatch
	cancelled atomic.Bool

	// executor only
	requestedN   int64
	blocking     bool
	blockedIndex uint64
	referenced   int
	missingAcks  int
	done         bool
	err          error
	entries      map[*topicTreeEntry]struct{}
	matchSeq     uint64

	finishOnce sync.Once
	finished   chan struct{}
	finalErr   error
}

func newIncomingFlow(service *incomingService, subscriber MessageSubscriber, opts ...FlowOption) *IncomingFlow {
	var fo flowOptions
	for _, opt := range opts {
		opt(&fo)
	}
	if subscriber == nil {
		subscriber = MessageFuncs{}
	}
	return &IncomingFlow{
		service:    service,
		executor:   service.executor,
		subscriber: subscriber,
		manualAck:  fo.manualAck,
		entries:    make(map[*topicTreeEntry]struct{}),
		finished:   make(chan struct{}),
	}
}

// Request allows n more messages to be delivered. Safe for concurrent use.
func (f *IncomingFlow) Request(n int64) {
	if n <= 0 || f.cancelled.Load() {
		return
	}
	if f.demand.add(n) {
		f.executor.Execute(f.resume)
	}
}

// RequestAll removes the bound on message delivery.
func (f *IncomingFlow) RequestAll() {
	f.Request(math.MaxInt64)
}

// Cancel unregisters the flow. Messages still queued for it are released
// without delivery and no further subscriber calls are made. Safe to call
// more than once and from any goroutine.
func (f *IncomingFlow) Cancel() {
	if !f.cancelled.CompareAndSwap(false, true) {
		return
	}
	f.finish(ErrFlowCancelled)
	f.executor.Execute(f.runCancel)
}

// Done is closed when the flow completed, failed or was cancelled.
func (f *IncomingFlow) Done() <-chan struct{} {
	return f.finished
}

// Err returns the terminal error, ErrFlowCancelled, or nil. Valid after Done.
func (f *IncomingFlow) Err() error {
	select {
	case <-f.finished:
		return f.finalErr
	default:
		return nil
	}
}

// ManualAcknowledgement reports whether messages must be confirmed.
func (f *IncomingFlow) ManualAcknowledgement() bool {
	return f.manualAck
}

// resume runs only after the flow parked without demand.
func (f *IncomingFlow) resume() {
	if f.referenced > 0 {
		f.service.drain()
	}
}

func (f *IncomingFlow) runCancel() {
	f.service.flows.cancel(f)
	if f.referenced > 0 {
		f.service.drain()
	}
}

// requested returns the outstanding demand, 0 when the flow just parked, or
// -1 when it already blocked during the drain pass runIndex.
func (f *IncomingFlow) requested(runIndex uint64) int64 {
	if f.requestedN > 0 {
		return f.requestedN
	}
	if f.blocking && f.blockedIndex != runIndex {
		f.blocking = false
	}
	if f.blocking {
		return -1
	}
	if n := f.demand.take(); n > 0 {
		f.requestedN = n
		return n
	}
	f.blockedIndex = runIndex
	f.blocking = true
	return 0
}

func (f *IncomingFlow) deliver(msg *IncomingMessage) {
	f.subscriber.OnMessage(msg)
	if f.requestedN != math.MaxInt64 {
		f.requestedN--
	}
}

func (f *IncomingFlow) reference() int {
	f.referenced++
	return f.referenced
}

func (f *IncomingFlow) dereference() int {
	f.referenced--
	return f.referenced
}

func (f *IncomingFlow) addEntry(e *topicTreeEntry) {
	f.entries[e] = struct{}{}
}

func (f *IncomingFlow) removeEntry(e *topicTreeEntry) {
	delete(f.entries, e)
	if e.flow == f {
		e.flow = nil
	}
}

// subscribed reports whether the flow still owns a subscription entry.
func (f *IncomingFlow) subscribed() bool {
	return len(f.entries) > 0
}

// onComplete ends the flow once every queued message reached it.
func (f *IncomingFlow) onComplete() {
	if f.done {
		return
	}
	f.done = true
	if f.settled() {
		f.terminate()
	} else {
		f.service.drain()
	}
}

// onError ends the flow with err once every queued message reached it. A flow
// registered for several filters sees the same cause more than once; other
// late errors go to the error sink.
func (f *IncomingFlow) onError(err error) {
	if f.done {
		if !errors.Is(err, f.err) {
			f.service.errorSink(err)
		}
		return
	}
	f.err = err
	f.done = true
	if f.settled() {
		f.terminate()
	} else {
		f.service.drain()
	}
}

func (f *IncomingFlow) settled() bool {
	return f.referenced == 0 && f.missingAcks == 0
}

// checkDone delivers the terminal signal when the flow ended and settled.
func (f *IncomingFlow) checkDone() {
	if f.done && f.settled() {
		f.terminate()
	}
}

func (f *IncomingFlow) terminate() {
	if f.cancelled.Load() {
		return
	}
	select {
	case <-f.finished:
		return
	default:
	}
	if f.err != nil {
		f.subscriber.OnError(f.err)
	} else {
		f.subscriber.OnComplete()
	}
	f.finish(f.err)
}

func (f *IncomingFlow) finish(err error) {
	f.finishOnce.Do(func() {
		f.finalErr = err
		close(f.finished)
	})
}

// acknowledge records a confirmation. With drain set the confirmation may
// release the oldest queued message.
func (f *IncomingFlow) acknowledge(drain bool) {
	if drain {
		f.service.drain()
	}
	f.missingAcks--
	if f.missingAcks == 0 {
		f.checkDone()
	}
}
