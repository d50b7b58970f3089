package mqttflow

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// messageRecorder is a MessageSubscriber keeping everything it receives.
type messageRecorder struct {
	mu        sync.Mutex
	messages  []*IncomingMessage
	completed int
	errs      []error
}

func (r *messageRecorder) OnMessage(msg *IncomingMessage) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
}

func (r *messageRecorder) OnComplete() {
	r.mu.Lock()
	r.completed++
	r.mu.Unlock()
}

func (r *messageRecorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *messageRecorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, m.Publish.Topic)
	}
	return out
}

func (r *messageRecorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, string(m.Publish.Payload))
	}
	return out
}

type engineFixture struct {
	ex     *manualExecutor
	engine *Engine
	conn   *recordingConn
	nextID uint16
}

func newEngineFixture(t *testing.T, cfg ConnectionConfig, opts ...Option) *engineFixture {
	t.Helper()

	f := &engineFixture{ex: &manualExecutor{}, conn: &recordingConn{}, nextID: 100}
	f.engine = NewEngine(f.ex, opts...)
	f.engine.OnSessionStartOrResume(cfg, f.conn)
	f.ex.runAll()
	return f
}

// subscribe registers filters for a new flow and acknowledges them.
func (f *engineFixture) subscribe(t *testing.T, sub MessageSubscriber, filters []string, opts ...FlowOption) *IncomingFlow {
	t.Helper()

	f.nextID++
	packet := &SubscribePacket{PacketID: f.nextID, SubscriptionID: uint32(f.nextID)}
	codes := make([]ReasonCode, len(filters))
	for i, filter := range filters {
		packet.Subscriptions = append(packet.Subscriptions, Subscription{TopicFilter: filter, QoS: 2})
		codes[i] = ReasonGrantedQoS2
	}

	flow, err := f.engine.Subscribe(packet, sub, opts...)
	require.NoError(t, err)
	require.NoError(t, f.engine.HandlePacket(&SubackPacket{PacketID: f.nextID, ReasonCodes: codes}))
	f.ex.runAll()
	return flow
}

func (f *engineFixture) receive(t *testing.T, publish *PublishPacket) {
	t.Helper()
	require.NoError(t, f.engine.HandlePacket(publish))
	f.ex.runAll()
}

func received(topic string, qos byte, id uint16, payload string) *PublishPacket {
	return &PublishPacket{Topic: topic, QoS: qos, PacketID: id, Payload: []byte(payload)}
}

func TestIncomingAcknowledgementGating(t *testing.T) {
	for _, manual := range []bool{false, true} {
		name := "automatic"
		if manual {
			name = "manual"
		}
		t.Run(name, func(t *testing.T) {
			f := newEngineFixture(t, ConnectionConfig{})

			var opts []FlowOption
			if manual {
				opts = append(opts, WithManualAcknowledgement())
			}
			a, b := &messageRecorder{}, &messageRecorder{}
			flowA := f.subscribe(t, a, []string{"a/+"}, opts...)
			flowB := f.subscribe(t, b, []string{"a/b"}, opts...)
			assert.Equal(t, manual, flowA.ManualAcknowledgement())

			flowA.Request(1)
			f.receive(t, received("a/b", 1, 7, "x"))

			assert.Equal(t, []string{"a/b"}, a.topics())
			assert.Empty(t, b.topics())
			assert.Empty(t, f.conn.take(), "PUBACK before every flow consumed")

			flowB.Request(1)
			f.ex.runAll()
			assert.Equal(t, []string{"a/b"}, b.topics())

			if manual {
				assert.Empty(t, f.conn.take(), "PUBACK before every flow confirmed")

				assert.True(t, a.messages[0].Confirm())
				assert.False(t, a.messages[0].Confirm())
				f.ex.runAll()
				assert.Empty(t, f.conn.take())

				assert.True(t, b.messages[0].Confirm())
				f.ex.runAll()
			} else {
				assert.False(t, a.messages[0].Confirm())
			}

			written := f.conn.take()
			require.Len(t, written, 1)
			puback, ok := written[0].(*PubackPacket)
			require.True(t, ok)
			assert.Equal(t, uint16(7), puback.PacketID)
			assert.Equal(t, ReasonSuccess, puback.ReasonCode)

			f.ex.runAll()
			assert.Empty(t, f.conn.take(), "PUBACK sent exactly once")
		})
	}
}

func TestIncomingAcknowledgementOrder(t *testing.T) {
	f := newEngineFixture(t, ConnectionConfig{})
	rec := &messageRecorder{}
	flow := f.subscribe(t, rec, []string{"#"}, WithManualAcknowledgement())
	flow.RequestAll()

	f.receive(t, received("t", 1, 1, "1"))
	f.receive(t, received("t", 2, 2, "2"))
	f.receive(t, received("t", 1, 3, "3"))
	require.Len(t, rec.messages, 3)

	rec.messages[2].Confirm()
	rec.messages[1].Confirm()
	f.ex.runAll()
	assert.Empty(t, f.conn.take())

	rec.messages[0].Confirm()
	f.ex.runAll()

	written := f.conn.take()
	require.Len(t, written, 3)
	assert.Equal(t, uint16(1), written[0].(*PubackPacket).PacketID)
	assert.Equal(t, uint16(2), written[1].(*PubrecPacket).PacketID)
	assert.Equal(t, uint16(3), written[2].(*PubackPacket).PacketID)
}

func TestIncomingWithoutFlow(t *testing.T) {
	logger, logs := newObservedLogger(LogLevelDebug)
	f := newEngineFixture(t, ConnectionConfig{}, WithLogger(logger))

	f.receive(t, received("nobody", 1, 4, ""))

	written := f.conn.take()
	require.Len(t, written, 1)
	assert.Equal(t, uint16(4), written[0].(*PubackPacket).PacketID)
	assert.Equal(t, 1, logs.FilterMessage("no flow registered for publish").Len())
}

func TestIncomingQoS0Overflow(t *testing.T) {
	tests := []struct {
		policy DropPolicy
		want   []string
	}{
		{DropOldest, []string{"2", "3"}},
		{DropNewest, []string{"1", "2"}},
	}

	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			f := newEngineFixture(t, ConnectionConfig{}, WithQoS0QueueSize(2), WithQoS0DropPolicy(tt.policy))
			rec := &messageRecorder{}
			flow := f.subscribe(t, rec, []string{"t"})

			for _, p := range []string{"1", "2", "3"} {
				f.receive(t, received("t", 0, 0, p))
			}
			assert.Empty(t, rec.messages)
			assert.Equal(t, 2, f.engine.incoming.queued())

			flow.Request(10)
			f.ex.runAll()
			assert.Equal(t, tt.want, rec.payloads())
			assert.Zero(t, f.engine.incoming.queued())
			assert.Zero(t, flow.referenced)
		})
	}
}

func TestIncomingReceiveMaximum(t *testing.T) {
	f := newEngineFixture(t, ConnectionConfig{ReceiveMaximum: 1})
	f.subscribe(t, &messageRecorder{}, []string{"t"})

	f.receive(t, received("t", 1, 1, ""))

	err := f.engine.HandlePacket(received("t", 2, 2, ""))
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.ErrorIs(t, err, ErrReceiveMaximumExceeded)
	assert.Equal(t, ReasonReceiveMaxExceeded, protoErr.ReasonCode)

	// the rejected identifier is not tracked
	_, tracked := f.engine.qos.messages[2]
	assert.False(t, tracked)
}

func TestIncomingDuplicates(t *testing.T) {
	t.Run("qos 1", func(t *testing.T) {
		f := newEngineFixture(t, ConnectionConfig{})
		rec := &messageRecorder{}
		flow := f.subscribe(t, rec, []string{"t"})

		f.receive(t, received("t", 1, 5, "x"))

		dup := received("t", 1, 5, "x")
		dup.DUP = true
		f.receive(t, dup)

		err := f.engine.HandlePacket(received("t", 1, 5, "x"))
		assert.ErrorIs(t, err, ErrProtocolError)

		err = f.engine.HandlePacket(received("t", 2, 5, "x"))
		var protoErr *ProtocolError
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, "QoS 2 PUBLISH must not be received with the same packet identifier as a QoS 1 PUBLISH", protoErr.Reason)

		err = f.engine.HandlePacket(&PubrelPacket{PacketID: 5})
		assert.ErrorIs(t, err, ErrProtocolError)

		flow.RequestAll()
		f.ex.runAll()
		assert.Len(t, rec.messages, 1)
		require.Len(t, f.conn.take(), 1)
	})

	t.Run("qos 2", func(t *testing.T) {
		f := newEngineFixture(t, ConnectionConfig{})
		rec := &messageRecorder{}
		flow := f.subscribe(t, rec, []string{"t"})

		f.receive(t, received("t", 2, 9, "x"))
		err := f.engine.HandlePacket(&PubrelPacket{PacketID: 9})
		var protoErr *ProtocolError
		require.ErrorAs(t, err, &protoErr)
		assert.Contains(t, protoErr.Reason, "no PUBREC has been sent yet")

		flow.RequestAll()
		f.ex.runAll()
		written := f.conn.take()
		require.Len(t, written, 1)
		assert.IsType(t, &PubrecPacket{}, written[0])

		dup := received("t", 2, 9, "x")
		dup.DUP = true
		f.receive(t, dup)
		written = f.conn.take()
		require.Len(t, written, 1)
		assert.Equal(t, uint16(9), written[0].(*PubrecPacket).PacketID)
		assert.Len(t, rec.messages, 1, "duplicate not delivered again")

		err = f.engine.HandlePacket(received("t", 1, 9, "x"))
		assert.ErrorIs(t, err, ErrProtocolError)

		require.NoError(t, f.engine.HandlePacket(&PubrelPacket{PacketID: 9}))
		written = f.conn.take()
		require.Len(t, written, 1)
		assert.Equal(t, ReasonSuccess, written[0].(*PubcompPacket).ReasonCode)

		require.NoError(t, f.engine.HandlePacket(&PubrelPacket{PacketID: 9}))
		written = f.conn.take()
		require.Len(t, written, 1)
		assert.Equal(t, ReasonPacketIDNotFound, written[0].(*PubcompPacket).ReasonCode)
	})

	t.Run("invalid publishes", func(t *testing.T) {
		f := newEngineFixture(t, ConnectionConfig{})
		assert.ErrorIs(t, f.engine.HandlePacket(received("t", 1, 0, "")), ErrProtocolError)
		assert.ErrorIs(t, f.engine.HandlePacket(received("t", 3, 1, "")), ErrProtocolError)
	})
}

func TestIncomingGlobalFilters(t *testing.T) {
	var flows incomingFlows
	subscribed := newTestFlow()
	require.NoError(t, flows.subscribe(&SubscribePacket{PacketID: 1, Subscriptions: []Subscription{{TopicFilter: "s"}}}, subscribed))

	global := make(map[GlobalFilter]*IncomingFlow)
	for _, g := range []GlobalFilter{GlobalSubscribed, GlobalUnsolicited, GlobalAll, GlobalRemaining} {
		global[g] = newTestFlow()
		flows.subscribeGlobal(g, global[g])
	}

	match := func(topic string) []*IncomingFlow {
		record := &incomingRecord{publish: &PublishPacket{Topic: topic}}
		flows.findMatching(record)
		return record.flows
	}

	assert.Equal(t, []*IncomingFlow{subscribed, global[GlobalSubscribed], global[GlobalAll]}, match("s"))
	assert.Equal(t, []*IncomingFlow{global[GlobalUnsolicited], global[GlobalAll]}, match("u"))

	flows.cancel(global[GlobalUnsolicited])
	flows.cancel(global[GlobalAll])
	assert.Equal(t, []*IncomingFlow{global[GlobalRemaining]}, match("u"))

	flows.cancel(subscribed)
	assert.Equal(t, []*IncomingFlow{global[GlobalSubscribed]}, match("s"))

	assert.Equal(t, "REMAINING", GlobalRemaining.String())
	assert.Equal(t, "UNKNOWN", GlobalFilter(42).String())
}

func TestIncomingCancel(t *testing.T) {
	f := newEngineFixture(t, ConnectionConfig{})
	a, b := &messageRecorder{}, &messageRecorder{}
	flowA := f.subscribe(t, a, []string{"t"})
	flowB := f.subscribe(t, b, []string{"t"})
	flowB.RequestAll()

	f.receive(t, received("t", 1, 1, ""))
	assert.Empty(t, f.conn.take())

	flowA.Cancel()
	flowA.Cancel()
	<-flowA.Done()
	assert.ErrorIs(t, flowA.Err(), ErrFlowCancelled)
	f.ex.runAll()

	written := f.conn.take()
	require.Len(t, written, 1)
	assert.Empty(t, a.messages)
	assert.Zero(t, a.completed)
	assert.Empty(t, a.errs)

	f.receive(t, received("t", 1, 2, ""))
	assert.Len(t, b.messages, 2)
	assert.Empty(t, a.messages)
}

func TestIncomingInterceptors(t *testing.T) {
	f := newEngineFixture(t, ConnectionConfig{},
		WithConsumerInterceptors(ConsumerInterceptorFunc(func(p *PublishPacket) *PublishPacket {
			c := p.Clone()
			c.Topic = "routed/" + p.Topic
			return c
		})),
		WithIncomingQoSInterceptor(&IncomingQoSInterceptor{
			OnPublish: func(_ *PublishPacket, ack Packet) {
				if puback, ok := ack.(*PubackPacket); ok {
					puback.ReasonCode = ReasonNoMatchingSubscribers
				}
			},
			OnPubrel: func(_ *PubrelPacket, pubcomp *PubcompPacket) {
				pubcomp.ReasonString = "done"
			},
		}),
	)
	rec := &messageRecorder{}
	flow := f.subscribe(t, rec, []string{"routed/#"})
	flow.RequestAll()

	f.receive(t, received("t", 1, 1, ""))
	assert.Equal(t, []string{"routed/t"}, rec.topics())
	written := f.conn.take()
	require.Len(t, written, 1)
	assert.Equal(t, ReasonNoMatchingSubscribers, written[0].(*PubackPacket).ReasonCode)

	f.receive(t, received("t", 2, 2, ""))
	f.conn.take()
	require.NoError(t, f.engine.HandlePacket(&PubrelPacket{PacketID: 2}))
	written = f.conn.take()
	require.Len(t, written, 1)
	assert.Equal(t, "done", written[0].(*PubcompPacket).ReasonString)
}

func TestIncomingAckWriteFailure(t *testing.T) {
	f := newEngineFixture(t, ConnectionConfig{})
	flow := f.subscribe(t, &messageRecorder{}, []string{"t"})
	flow.RequestAll()

	f.conn.setWriteErr(errors.New("encode failed"))
	var connErrs []error
	f.engine.qos.connErrorHandler = func(err error) { connErrs = append(connErrs, err) }

	f.receive(t, received("t", 1, 3, ""))
	require.Len(t, connErrs, 1)

	// the PUBACK is kept so a resent publish is answered again
	_, tracked := f.engine.qos.messages[3]
	assert.True(t, tracked)
}
