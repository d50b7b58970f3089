package mqttflow

// PublishResult is the outcome of one submitted publish.
//
// For QoS 1 Puback is set once the PUBACK arrived. For QoS 2 Pubrec is set,
// and in complete result mode Pubrel and Pubcomp as well. Err is a
// *PublishError when the broker rejected the message, or the session end /
// connection loss cause when no acknowledgement was possible.
type PublishResult struct {
	Publish *PublishPacket
	Err     error

	Puback  *PubackPacket
	Pubrec  *PubrecPacket
	Pubrel  *PubrelPacket
	Pubcomp *PubcompPacket

	latch *ackLatch
}

// Intermediate reports whether this is a QoS 2 result emitted on PUBREC,
// before the PUBREL/PUBCOMP exchange completed.
func (r *PublishResult) Intermediate() bool {
	return r.latch != nil
}

// acknowledged reports whether the result frees its send credit now.
// Intermediate results free it on the second of delivery and PUBCOMP.
func (r *PublishResult) acknowledged() bool {
	if r.latch == nil {
		return true
	}
	return r.latch.arrive()
}

// ackLatch joins two events that may happen in either order. Executor only.
type ackLatch struct {
	arrived bool
}

// arrive returns true for the second arrival.
func (l *ackLatch) arrive() bool {
	if l.arrived {
		return true
	}
	l.arrived = true
	return false
}

// ResultSubscriber receives the results of a PublishFlow. Calls are made on
// the engine executor and must not block.
type ResultSubscriber interface {
	OnResult(result *PublishResult)

	// OnComplete is called once every submitted publish was acknowledged and
	// the source finished without error.
	OnComplete()

	// OnError is called instead of OnComplete when the source failed.
	OnError(err error)
}

// ResultFuncs adapts plain functions to ResultSubscriber. Nil fields are skipped.
type ResultFuncs struct {
	Result   func(*PublishResult)
	Complete func()
	Error    func(error)
}

func (f ResultFuncs) OnResult(result *PublishResult) {
	if f.Result != nil {
		f.Result(result)
	}
}

func (f ResultFuncs) OnComplete() {
	if f.Complete != nil {
		f.Complete()
	}
}

func (f ResultFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}
