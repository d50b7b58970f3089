package mqttflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

// brokerConn acknowledges every publish and PUBREL on the engine executor.
type brokerConn struct {
	engine *Engine
}

func (c *brokerConn) Write(packet Packet) error {
	var reply Packet
	switch p := packet.(type) {
	case *PublishPacket:
		switch p.QoS {
		case 1:
			reply = &PubackPacket{PacketID: p.PacketID}
		case 2:
			reply = &PubrecPacket{PacketID: p.PacketID}
		}
	case *PubrelPacket:
		reply = &PubcompPacket{PacketID: p.PacketID}
	}
	if reply != nil {
		c.engine.Executor().Execute(func() {
			_ = c.engine.HandlePacket(reply)
		})
	}
	return nil
}

func (c *brokerConn) Flush() error { return nil }

func startEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()

	loop := NewEventLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})

	engine := NewEngine(loop, opts...)
	started := make(chan struct{})
	loop.Execute(func() {
		engine.OnSessionStartOrResume(ConnectionConfig{SendMaximum: 4}, &brokerConn{engine: engine})
		close(started)
	})
	<-started
	return engine
}

func TestEnginePublishAndWait(t *testing.T) {
	for _, complete := range []bool{false, true} {
		engine := startEngine(t, WithQoS2CompleteResult(complete))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var publishes []*PublishPacket
		for i := range 20 {
			publishes = append(publishes, qos("load", byte(i%3)))
		}

		results, err := engine.PublishAndWait(ctx, publishes...)
		require.NoError(t, err)
		require.Len(t, results, 20)
		for _, r := range results {
			assert.NoError(t, r.Err)
			if r.Publish != nil && r.Publish.QoS == 2 {
				assert.NotEqual(t, complete, r.Intermediate())
			}
		}
	}
}

func TestEnginePublishConcurrent(t *testing.T) {
	engine := startEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 8)
	for range 8 {
		go func() {
			results, err := engine.PublishAndWait(ctx, qos("a", 1), qos("b", 2), qos("c", 1))
			if err == nil && len(results) != 3 {
				err = errors.New("missing results")
			}
			errs <- err
		}()
	}
	for range 8 {
		require.NoError(t, <-errs)
	}
}

func TestEnginePublishRateLimit(t *testing.T) {
	engine := startEngine(t, WithPublishRateLimit(0.001, 1))
	require.NotNil(t, engine.outgoing.limiter)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	results, err := engine.PublishAndWait(ctx, qos("a", 0), qos("b", 0))
	require.Error(t, err)
	assert.Len(t, results, 1)
}

func TestEngineSubscribeLifecycle(t *testing.T) {
	t.Run("suback failure terminates the flow", func(t *testing.T) {
		f := newEngineFixture(t, ConnectionConfig{})
		rec := &messageRecorder{}

		flow, err := f.engine.Subscribe(&SubscribePacket{PacketID: 1, Subscriptions: []Subscription{
			{TopicFilter: "a"}, {TopicFilter: "b"},
		}}, rec)
		require.NoError(t, err)

		err = f.engine.HandlePacket(&SubackPacket{PacketID: 1, ReasonCodes: []ReasonCode{ReasonNotAuthorized, ReasonQuotaExceeded}})
		require.NoError(t, err)
		f.ex.runAll()

		require.Len(t, rec.errs, 1)
		var subErr *SubscribeError
		require.ErrorAs(t, rec.errs[0], &subErr)
		assert.ErrorIs(t, rec.errs[0], ErrSubscribeFailed)
		assert.Len(t, multierr.Errors(rec.errs[0]), 2)
		<-flow.Done()
		assert.Empty(t, f.engine.Subscriptions())
		assert.True(t, f.engine.flows.tree.empty())
	})

	t.Run("suback failure of the only filter", func(t *testing.T) {
		f := newEngineFixture(t, ConnectionConfig{})
		rec := &messageRecorder{}

		flow, err := f.engine.Subscribe(&SubscribePacket{PacketID: 1, Subscriptions: []Subscription{{TopicFilter: "a"}}}, rec)
		require.NoError(t, err)

		require.NotPanics(t, func() {
			err = f.engine.HandlePacket(&SubackPacket{PacketID: 1, ReasonCodes: []ReasonCode{ReasonNotAuthorized}})
		})
		require.NoError(t, err)
		f.ex.runAll()

		require.Len(t, rec.errs, 1)
		var subErr *SubscribeError
		require.ErrorAs(t, rec.errs[0], &subErr)
		assert.Equal(t, ReasonNotAuthorized, subErr.ReasonCode)
		<-flow.Done()
		assert.True(t, f.engine.flows.tree.empty())
	})

	t.Run("partial failure keeps the flow", func(t *testing.T) {
		f := newEngineFixture(t, ConnectionConfig{})
		rec := &messageRecorder{}

		flow, err := f.engine.Subscribe(&SubscribePacket{PacketID: 1, Subscriptions: []Subscription{
			{TopicFilter: "a", QoS: 1}, {TopicFilter: "b"},
		}}, rec)
		require.NoError(t, err)
		require.NoError(t, f.engine.HandlePacket(&SubackPacket{PacketID: 1, ReasonCodes: []ReasonCode{ReasonGrantedQoS1, ReasonNotAuthorized}}))

		assert.Empty(t, rec.errs)
		groups := f.engine.Subscriptions()
		require.Len(t, groups, 1)
		assert.Equal(t, "a", groups[0].Subscriptions[0].TopicFilter)

		flow.RequestAll()
		f.receive(t, received("a", 0, 0, ""))
		f.receive(t, received("b", 0, 0, ""))
		assert.Equal(t, []string{"a"}, rec.topics())
	})

	t.Run("reason code count mismatch", func(t *testing.T) {
		f := newEngineFixture(t, ConnectionConfig{})
		rec := &messageRecorder{}
		_, err := f.engine.Subscribe(&SubscribePacket{PacketID: 1, Subscriptions: []Subscription{{TopicFilter: "a"}}}, rec)
		require.NoError(t, err)

		err = f.engine.HandlePacket(&SubackPacket{PacketID: 1})
		assert.ErrorIs(t, err, ErrProtocolError)
		require.Len(t, rec.errs, 1)
		var subErr *SubscribeError
		require.ErrorAs(t, rec.errs[0], &subErr)
		assert.Equal(t, ReasonProtocolError, subErr.ReasonCode)
	})

	t.Run("unsubscribe completes after queued messages", func(t *testing.T) {
		f := newEngineFixture(t, ConnectionConfig{})
		rec := &messageRecorder{}
		flow := f.subscribe(t, rec, []string{"a", "b"})
		f.receive(t, received("a", 1, 1, ""))

		require.NoError(t, f.engine.Unsubscribe(&UnsubscribePacket{PacketID: 50, TopicFilters: []string{"a", "b"}}))
		require.NoError(t, f.engine.HandlePacket(&UnsubackPacket{PacketID: 50, ReasonCodes: []ReasonCode{ReasonSuccess, ReasonSuccess}}))
		f.ex.runAll()
		assert.Zero(t, rec.completed)
		assert.Empty(t, f.engine.Subscriptions())

		flow.Request(1)
		f.ex.runAll()
		assert.Len(t, rec.messages, 1)
		assert.Equal(t, 1, rec.completed)
		<-flow.Done()
		assert.NoError(t, flow.Err())
		assert.Len(t, f.conn.take(), 1)
	})

	t.Run("unsuback completes the flow", func(t *testing.T) {
		f := newEngineFixture(t, ConnectionConfig{})
		rec := &messageRecorder{}
		flow := f.subscribe(t, rec, []string{"a/b"})

		require.NoError(t, f.engine.Unsubscribe(&UnsubscribePacket{PacketID: 50, TopicFilters: []string{"a/b"}}))
		var err error
		require.NotPanics(t, func() {
			err = f.engine.HandlePacket(&UnsubackPacket{PacketID: 50, ReasonCodes: []ReasonCode{ReasonSuccess}})
		})
		require.NoError(t, err)
		f.ex.runAll()

		assert.Equal(t, 1, rec.completed)
		assert.Empty(t, rec.errs)
		<-flow.Done()
		assert.NoError(t, flow.Err())
		assert.Empty(t, f.engine.Subscriptions())
		assert.True(t, f.engine.flows.tree.empty())
	})

	t.Run("unsuback keeps flows with other filters", func(t *testing.T) {
		f := newEngineFixture(t, ConnectionConfig{})
		rec := &messageRecorder{}
		flow := f.subscribe(t, rec, []string{"a", "b"})
		flow.RequestAll()

		require.NoError(t, f.engine.Unsubscribe(&UnsubscribePacket{PacketID: 50, TopicFilters: []string{"a"}}))
		require.NoError(t, f.engine.HandlePacket(&UnsubackPacket{PacketID: 50}))
		f.ex.runAll()
		assert.Zero(t, rec.completed)

		f.receive(t, received("a", 0, 0, ""))
		f.receive(t, received("b", 0, 0, ""))
		assert.Equal(t, []string{"b"}, rec.topics())
	})

	t.Run("unsuback error keeps the subscription", func(t *testing.T) {
		f := newEngineFixture(t, ConnectionConfig{})
		rec := &messageRecorder{}
		f.subscribe(t, rec, []string{"a"})

		require.NoError(t, f.engine.Unsubscribe(&UnsubscribePacket{PacketID: 50, TopicFilters: []string{"a"}}))
		require.NoError(t, f.engine.HandlePacket(&UnsubackPacket{PacketID: 50, ReasonCodes: []ReasonCode{ReasonNotAuthorized}}))
		assert.Zero(t, rec.completed)
		assert.Len(t, f.engine.Subscriptions(), 1)
	})

	t.Run("subscription without flow feeds global flows", func(t *testing.T) {
		f := newEngineFixture(t, ConnectionConfig{})
		flow, err := f.engine.Subscribe(&SubscribePacket{PacketID: 1, Subscriptions: []Subscription{{TopicFilter: "s/#"}}}, nil)
		require.NoError(t, err)
		assert.Nil(t, flow)
		require.NoError(t, f.engine.HandlePacket(&SubackPacket{PacketID: 1, ReasonCodes: []ReasonCode{ReasonSuccess}}))

		rec := &messageRecorder{}
		global, err := f.engine.SubscribeGlobal(GlobalSubscribed, rec)
		require.NoError(t, err)
		global.RequestAll()

		f.receive(t, received("s/1", 0, 0, ""))
		f.receive(t, received("other", 0, 0, ""))
		assert.Equal(t, []string{"s/1"}, rec.topics())

		_, err = f.engine.SubscribeGlobal(GlobalFilter(9), rec)
		assert.Error(t, err)
	})
}

func TestEngineProtocolErrors(t *testing.T) {
	f := newEngineFixture(t, ConnectionConfig{})

	var protoErr *ProtocolError
	err := f.engine.HandlePacket(&SubackPacket{PacketID: 3, ReasonCodes: []ReasonCode{ReasonSuccess}})
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "SUBACK contained unknown packet identifier", protoErr.Reason)

	err = f.engine.HandlePacket(&UnsubackPacket{PacketID: 3})
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "UNSUBACK contained unknown packet identifier", protoErr.Reason)

	assert.ErrorIs(t, f.engine.HandlePacket(&SubscribePacket{}), ErrUnexpectedPacket)
	assert.ErrorIs(t, f.engine.HandlePacket(nil), ErrUnexpectedPacket)

	sub := &SubscribePacket{PacketID: 7, Subscriptions: []Subscription{{TopicFilter: "a"}}}
	_, err = f.engine.Subscribe(sub, nil)
	require.NoError(t, err)
	_, err = f.engine.Subscribe(sub, nil)
	assert.ErrorIs(t, err, ErrPacketIDInUse)

	_, err = f.engine.Subscribe(&SubscribePacket{PacketID: 8, Subscriptions: []Subscription{{TopicFilter: "a/#/b"}}}, nil)
	assert.ErrorIs(t, err, ErrInvalidTopicFilter)

	unsub := &UnsubscribePacket{PacketID: 9, TopicFilters: []string{"a"}}
	require.NoError(t, f.engine.Unsubscribe(unsub))
	assert.ErrorIs(t, f.engine.Unsubscribe(unsub), ErrPacketIDInUse)
}

func TestEngineSessionEnd(t *testing.T) {
	f := newEngineFixture(t, ConnectionConfig{SendMaximum: 5})

	in := &messageRecorder{}
	flow := f.subscribe(t, in, []string{"#"})
	global, err := f.engine.SubscribeGlobal(GlobalAll, in)
	require.NoError(t, err)
	f.receive(t, received("t", 1, 1, ""))

	out := &resultRecorder{}
	publish := newPublishFlow(context.Background(), f.engine.outgoing, out, func(error) {})
	publish.RequestAll()
	f.engine.outgoing.submit(qos("o", 1), publish)
	publish.latch(1, nil)
	f.ex.runAll()
	f.conn.take()

	cause := errors.New("session expired")
	f.engine.OnSessionEnd(cause)
	f.ex.runAll()

	assert.Len(t, in.errs, 2)
	for _, err := range in.errs {
		assert.ErrorIs(t, err, cause)
	}
	<-flow.Done()
	<-global.Done()
	assert.Zero(t, f.engine.incoming.queued())
	assert.True(t, f.engine.flows.tree.empty())
	assert.False(t, f.engine.Connected())

	results, _, _ := out.snapshot()
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, cause)

	t.Run("flows waiting for their suback fail", func(t *testing.T) {
		f := newEngineFixture(t, ConnectionConfig{})
		rec := &messageRecorder{}
		_, err := f.engine.Subscribe(&SubscribePacket{PacketID: 40, Subscriptions: []Subscription{{TopicFilter: "p"}}}, rec)
		require.NoError(t, err)

		acked := &messageRecorder{}
		f.subscribe(t, acked, []string{"a", "p"})

		cause := errors.New("closed")
		f.engine.OnSessionEnd(cause)
		f.ex.runAll()

		require.Len(t, rec.errs, 1)
		assert.ErrorIs(t, rec.errs[0], cause)
		require.Len(t, acked.errs, 1)
		assert.ErrorIs(t, acked.errs[0], cause)
		assert.True(t, f.engine.flows.tree.empty())
		assert.Empty(t, f.engine.pendingSubscribes)
	})

	t.Run("default cause", func(t *testing.T) {
		rec := &messageRecorder{}
		f.engine.OnSessionStartOrResume(ConnectionConfig{}, f.conn)
		f.subscribe(t, rec, []string{"x"})
		f.engine.OnSessionEnd(nil)
		f.ex.runAll()
		require.Len(t, rec.errs, 1)
		assert.ErrorIs(t, rec.errs[0], ErrSessionEnded)
	})
}

func TestEngineID(t *testing.T) {
	logger, logs := newObservedLogger(LogLevelDebug)
	ex := &manualExecutor{}
	engine := NewEngine(ex, WithLogger(logger))
	engine.OnSessionStartOrResume(ConnectionConfig{}, &recordingConn{})

	entries := logs.FilterMessage("session started").All()
	require.Len(t, entries, 1)
	assert.Equal(t, engine.ID(), entries[0].ContextMap()[LogFieldEngineID])
	assert.Same(t, Executor(ex), engine.Executor())
}
