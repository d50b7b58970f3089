package mqttflow

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	// The highest identifiers are left to SUBSCRIBE and UNSUBSCRIBE.
	reservedPacketIDs   = 10
	maxSendMaximum      = maxPacketID - reservedPacketIDs
	totalSendCredits    = maxPacketID
	defaultWritesPerRun = 64
)

type queuedPublish struct {
	publish *PublishPacket
	flow    *PublishFlow
}

// outgoingEngine assigns packet identifiers to submitted publishes, writes
// them and drives the QoS 1 and QoS 2 handshakes. Except for submit,
// acquire and the queue length, everything runs on the executor.
type outgoingEngine struct {
	executor Executor
	logger   Logger
	metrics  *DeliveryMetrics

	configuredSendMaximum int
	qos2CompleteResult    bool
	maxWritesPerRun       int
	interceptors          []ProducerInterceptor
	qosInterceptor        *OutgoingQoSInterceptor
	connErrorHandler      func(error)

	mu    sync.Mutex
	queue []queuedPublish

	// send credits bound submitted but unacknowledged publishes
	credits        *semaphore.Weighted
	shrinkRequests int64
	limiter        *rate.Limiter

	conn          Conn
	sendMaximum   int
	ids           *PacketIDPool
	table         *inflightTable
	resendPending *inflightEntry
}

func newOutgoingEngine(executor Executor, o *options) *outgoingEngine {
	credits := semaphore.NewWeighted(totalSendCredits)
	credits.TryAcquire(totalSendCredits)

	writes := o.maxWritesPerRun
	if writes <= 0 {
		writes = defaultWritesPerRun
	}

	var limiter *rate.Limiter
	if o.publishLimit != rate.Inf && o.publishLimit > 0 {
		limiter = rate.NewLimiter(o.publishLimit, max(o.publishBurst, 1))
	}

	return &outgoingEngine{
		executor:              executor,
		logger:                o.logger,
		metrics:               o.deliveryMetrics,
		configuredSendMaximum: o.sendMaximum,
		qos2CompleteResult:    o.qos2CompleteResult,
		maxWritesPerRun:       writes,
		interceptors:          o.producerInterceptors,
		qosInterceptor:        o.outgoingQoSInterceptor,
		connErrorHandler:      o.connErrorHandler,
		credits:               credits,
		limiter:               limiter,
		table:                 newInflightTable(0),
	}
}

// acquire waits for the rate limiter and one send credit. Safe for concurrent use.
func (o *outgoingEngine) acquire(ctx context.Context) error {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return o.credits.Acquire(ctx, 1)
}

// request returns n send credits, first absorbing a pending shrink.
func (o *outgoingEngine) request(n int64) {
	if o.shrinkRequests > 0 {
		absorbed := min(n, o.shrinkRequests)
		o.shrinkRequests -= absorbed
		n -= absorbed
	}
	if n > 0 {
		o.credits.Release(n)
	}
}

// submit queues a publish. Safe for concurrent use.
func (o *outgoingEngine) submit(publish *PublishPacket, flow *PublishFlow) {
	o.mu.Lock()
	o.queue = append(o.queue, queuedPublish{publish: publish, flow: flow})
	n := len(o.queue)
	o.mu.Unlock()

	o.metrics.setQueued(n)
	if n == 1 {
		o.executor.Execute(o.run)
	}
}

func (o *outgoingEngine) peek() (queuedPublish, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return queuedPublish{}, false
	}
	return o.queue[0], true
}

func (o *outgoingEngine) pop() {
	o.mu.Lock()
	o.queue[0] = queuedPublish{}
	o.queue = o.queue[1:]
	n := len(o.queue)
	if n == 0 {
		o.queue = nil
	}
	o.mu.Unlock()
	o.metrics.setQueued(n)
}

func (o *outgoingEngine) queued() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

func (o *outgoingEngine) takeQueue() []queuedPublish {
	o.mu.Lock()
	queue := o.queue
	o.queue = nil
	o.mu.Unlock()
	o.metrics.setQueued(0)
	return queue
}

// run resends the entries left over from a resumed session, then writes new
// publishes while identifiers are available.
func (o *outgoingEngine) run() {
	if o.conn == nil {
		for _, q := range o.takeQueue() {
			q.flow.onResult(&PublishResult{Publish: q.publish, Err: ErrNotConnected})
		}
		return
	}

	written := 0

	for o.resendPending != nil && o.table.indexed < o.sendMaximum {
		e := o.resendPending
		o.resendPending = e.next
		o.table.index(e)
		o.metrics.retransmitted()

		if e.kind == inflightPublish {
			o.writeEntry(e, e.publish.stateful(e.packetID, true))
		} else {
			o.writeEntry(e, e.pubrel)
		}

		written++
		if written >= o.maxWritesPerRun {
			o.flush()
			o.executor.Execute(o.run)
			return
		}
	}

	for written < o.maxWritesPerRun {
		q, ok := o.peek()
		if !ok {
			break
		}
		if o.resendPending != nil || (q.publish.QoS > 0 && o.table.indexed >= o.sendMaximum) {
			break
		}
		o.pop()
		o.send(q)
		written++
	}

	if written == 0 {
		return
	}
	o.flush()
	o.metrics.setInFlight(o.table.indexed)

	if written >= o.maxWritesPerRun && (o.resendPending != nil || o.queued() > 0) {
		o.executor.Execute(o.run)
	}
}

func (o *outgoingEngine) send(q queuedPublish) {
	publish := applyProducerInterceptors(o.logger, o.interceptors, q.publish)

	if publish.QoS == 0 {
		o.metrics.publishSent(0)
		result := &PublishResult{Publish: publish}
		if err := o.conn.Write(publish); err != nil {
			result.Err = o.writeFailure(err)
		}
		q.flow.onResult(result)
		return
	}

	id, err := o.ids.Allocate()
	if err != nil {
		o.logger.Error("bug: no packet identifier available although send maximum was not reached", LogFields{
			LogFieldTopic:       publish.Topic,
			LogFieldInFlight:    o.table.indexed,
			LogFieldSendMaximum: o.sendMaximum,
			LogFieldError:       err,
		})
		q.flow.onResult(&PublishResult{Publish: publish, Err: err})
		return
	}

	e := &inflightEntry{
		kind:     inflightPublish,
		packetID: id,
		publish:  publish,
		flow:     q.flow,
	}
	o.table.add(e)
	o.metrics.publishSent(publish.QoS)
	o.writeEntry(e, publish.stateful(id, false))
}

func (o *outgoingEngine) writeEntry(e *inflightEntry, packet Packet) {
	err := o.conn.Write(packet)
	if err == nil {
		return
	}
	if isTransportError(err) {
		o.completePending(e)
		o.failEntry(e, &ConnectionLostError{Cause: err})
		return
	}
	o.connErrorHandler(err)
}

// writeFailure classifies a failed write that has no in-flight entry.
func (o *outgoingEngine) writeFailure(err error) error {
	if isTransportError(err) {
		return &ConnectionLostError{Cause: err}
	}
	o.connErrorHandler(err)
	return err
}

func (o *outgoingEngine) flush() {
	if err := o.conn.Flush(); err != nil {
		if isTransportError(err) {
			o.logger.Debug("flush failed", LogFields{LogFieldError: err})
			return
		}
		o.connErrorHandler(err)
	}
}

// completePending removes a finished entry and frees its identifier.
func (o *outgoingEngine) completePending(e *inflightEntry) {
	o.table.remove(e)
	if err := o.ids.Release(e.packetID); err != nil {
		o.logger.Error("bug: released packet identifier was not in use", LogFields{
			LogFieldPacketID: e.packetID,
		})
	}
	o.metrics.setInFlight(o.table.indexed)

	if o.resendPending != nil || o.queued() > 0 {
		o.executor.Execute(o.run)
	}
}

// failEntry reports cause for an entry that will never complete its handshake.
func (o *outgoingEngine) failEntry(e *inflightEntry, cause error) {
	switch e.kind {
	case inflightPublish:
		e.flow.onResult(&PublishResult{Publish: e.publish, Err: cause})
	case inflightPubrel:
		if o.qos2CompleteResult {
			e.flow.onResult(&PublishResult{
				Publish: e.publish,
				Pubrec:  e.pubrec,
				Pubrel:  e.pubrel,
				Err:     cause,
			})
		} else if e.latch.arrive() {
			e.flow.acknowledged(1)
		}
	}
}

func (o *outgoingEngine) protocolError(reason string, packetID uint16) error {
	o.metrics.protocolError()
	o.logger.Warn(reason, LogFields{LogFieldPacketID: packetID})
	return NewProtocolError(reason)
}

func (o *outgoingEngine) handlePuback(puback *PubackPacket) error {
	o.metrics.ackReceived(PacketPUBACK)

	e := o.table.get(puback.PacketID)
	switch {
	case e == nil:
		return o.protocolError("PUBACK contained unknown packet identifier", puback.PacketID)
	case e.kind == inflightPubrel:
		return o.protocolError("PUBACK must not be received for a PUBREL", puback.PacketID)
	case e.publish.QoS != 1:
		return o.protocolError("PUBACK must not be received for a QoS 2 PUBLISH", puback.PacketID)
	}

	o.completePending(e)

	if hook := o.qosInterceptor; hook != nil && hook.OnPuback != nil {
		safeHook(o.logger, "OnPuback", func() { hook.OnPuback(e.publish, puback) })
	}

	result := &PublishResult{Publish: e.publish, Puback: puback}
	if puback.ReasonCode.IsError() {
		result.Err = newPubackError(e.publish, puback)
	}
	e.flow.onResult(result)
	return nil
}

func (o *outgoingEngine) handlePubrec(pubrec *PubrecPacket) error {
	o.metrics.ackReceived(PacketPUBREC)

	e := o.table.get(pubrec.PacketID)
	switch {
	case e == nil:
		return o.protocolError("PUBREC contained unknown packet identifier", pubrec.PacketID)
	case e.kind == inflightPubrel:
		return o.protocolError("PUBREC must not be received when the PUBREL has already been sent", pubrec.PacketID)
	case e.publish.QoS != 2:
		return o.protocolError("PUBREC must not be received for a QoS 1 PUBLISH", pubrec.PacketID)
	}

	hook := o.qosInterceptor

	if pubrec.ReasonCode.IsError() {
		o.completePending(e)
		if hook != nil && hook.OnPubrecError != nil {
			safeHook(o.logger, "OnPubrecError", func() { hook.OnPubrecError(e.publish, pubrec) })
		}
		e.flow.onResult(&PublishResult{
			Publish: e.publish,
			Pubrec:  pubrec,
			Err:     newPubrecError(e.publish, pubrec),
		})
		return nil
	}

	pubrel := &PubrelPacket{PacketID: pubrec.PacketID, ReasonCode: ReasonSuccess}
	if hook != nil && hook.OnPubrec != nil {
		safeHook(o.logger, "OnPubrec", func() { hook.OnPubrec(e.publish, pubrec, pubrel) })
		pubrel.PacketID = pubrec.PacketID
	}

	e.toPubrel(pubrel)

	var intermediate *PublishResult
	if o.qos2CompleteResult {
		e.pubrec = pubrec
	} else {
		e.latch = &ackLatch{}
		intermediate = &PublishResult{Publish: e.publish, Pubrec: pubrec, latch: e.latch}
		e.publish = nil
	}

	o.writeEntry(e, pubrel)
	o.flush()

	if intermediate != nil {
		e.flow.onResult(intermediate)
	}
	return nil
}

func (o *outgoingEngine) handlePubcomp(pubcomp *PubcompPacket) error {
	o.metrics.ackReceived(PacketPUBCOMP)

	e := o.table.get(pubcomp.PacketID)
	switch {
	case e == nil:
		return o.protocolError("PUBCOMP contained unknown packet identifier", pubcomp.PacketID)
	case e.kind == inflightPublish && e.publish.QoS == 1:
		return o.protocolError("PUBCOMP must not be received for a QoS 1 PUBLISH", pubcomp.PacketID)
	case e.kind == inflightPublish:
		return o.protocolError("PUBCOMP must not be received when the PUBREL has not been sent yet", pubcomp.PacketID)
	}

	o.completePending(e)

	if hook := o.qosInterceptor; hook != nil && hook.OnPubcomp != nil {
		safeHook(o.logger, "OnPubcomp", func() { hook.OnPubcomp(e.pubrel, pubcomp) })
	}

	if o.qos2CompleteResult {
		e.flow.onResult(&PublishResult{
			Publish: e.publish,
			Pubrec:  e.pubrec,
			Pubrel:  e.pubrel,
			Pubcomp: pubcomp,
		})
	} else if e.latch.arrive() {
		e.flow.acknowledged(1)
	}
	return nil
}

// onSessionStartOrResume sizes identifiers and credits to the send maximum and
// resends every in-flight entry in its original order.
func (o *outgoingEngine) onSessionStartOrResume(sendMaximum int, conn Conn) {
	if sendMaximum <= 0 {
		sendMaximum = maxPacketID
	}
	sendMaximum = min(sendMaximum, maxSendMaximum)
	if o.configuredSendMaximum > 0 {
		sendMaximum = min(sendMaximum, o.configuredSendMaximum)
	}

	o.conn = conn
	old := o.sendMaximum
	o.sendMaximum = sendMaximum

	if o.ids == nil {
		o.ids = NewPacketIDPool(sendMaximum)
	} else {
		o.ids.Resize(sendMaximum)
	}

	if old == 0 {
		o.credits.Release(int64(sendMaximum))
	} else {
		newRequests := int64(sendMaximum-old) - o.shrinkRequests
		if newRequests > 0 {
			o.shrinkRequests = 0
			o.credits.Release(newRequests)
		} else {
			o.shrinkRequests = -newRequests
		}
	}

	o.table.clearIndex()
	o.resendPending = o.table.first()

	o.logger.Debug("outgoing session started", LogFields{
		LogFieldSendMaximum: sendMaximum,
		LogFieldInFlight:    o.table.len(),
		LogFieldQueued:      o.queued(),
	})

	o.executor.Execute(o.run)
}

// onSessionEnd fails every in-flight and queued publish with cause.
func (o *outgoingEngine) onSessionEnd(cause error) {
	o.conn = nil

	var entries []*inflightEntry
	for e := o.table.first(); e != nil; e = e.next {
		entries = append(entries, e)
	}
	if o.ids != nil {
		o.ids.Clear()
	}
	o.table.clear()
	o.resendPending = nil
	o.metrics.setInFlight(0)

	o.logger.Debug("outgoing session ended", LogFields{
		LogFieldInFlight: len(entries),
		LogFieldError:    cause,
	})

	for _, e := range entries {
		o.failEntry(e, cause)
	}
	for _, q := range o.takeQueue() {
		q.flow.onResult(&PublishResult{Publish: q.publish, Err: cause})
	}
}
