package mqttflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/xid"
	"go.uber.org/multierr"
)

// Conn is the write side of the connection a session runs on. Writes are
// buffered until Flush. Errors matching ErrConnectionLost (or net/io
// transport errors) are treated as a lost connection.
type Conn interface {
	Write(packet Packet) error
	Flush() error
}

// ConnectionConfig holds the values negotiated by CONNECT and CONNACK.
type ConnectionConfig struct {
	// SendMaximum is the Receive Maximum announced by the broker. Zero means 65535.
	SendMaximum int

	// ReceiveMaximum is the Receive Maximum the client announced. Zero means
	// the configured value.
	ReceiveMaximum int
}

type pendingSubscribe struct {
	packet *SubscribePacket
	flow   *IncomingFlow
}

// Engine is the delivery engine of one MQTT client. The session layer feeds
// it connection events and received packets; applications publish through it
// and consume received publishes with IncomingFlows.
//
// Methods documented as executor only must run on the Executor passed to
// NewEngine.
type Engine struct {
	id       xid.ID
	executor Executor
	logger   Logger
	opts     *options

	outgoing *outgoingEngine
	flows    *incomingFlows
	incoming *incomingService
	qos      *incomingQoSHandler

	// executor only
	connected           bool
	pendingSubscribes   map[uint16]*pendingSubscribe
	pendingUnsubscribes map[uint16]*UnsubscribePacket
}

// NewEngine creates an engine whose state is owned by executor.
func NewEngine(executor Executor, opts ...Option) *Engine {
	o := applyOptions(opts...)

	id := xid.New()
	o.logger = o.logger.WithFields(LogFields{LogFieldEngineID: id.String()})

	flows := &incomingFlows{}
	incoming := newIncomingService(executor, o, flows)

	return &Engine{
		id:                  id,
		executor:            executor,
		logger:              o.logger,
		opts:                o,
		outgoing:            newOutgoingEngine(executor, o),
		flows:               flows,
		incoming:            incoming,
		qos:                 newIncomingQoSHandler(o, incoming),
		pendingSubscribes:   make(map[uint16]*pendingSubscribe),
		pendingUnsubscribes: make(map[uint16]*UnsubscribePacket),
	}
}

// ID returns the engine identifier used in log fields.
func (e *Engine) ID() string {
	return e.id.String()
}

// Executor returns the executor owning the engine state.
func (e *Engine) Executor() Executor {
	return e.executor
}

// OnSessionStartOrResume attaches conn and resends every in-flight publish
// and PUBREL. Executor only.
func (e *Engine) OnSessionStartOrResume(cfg ConnectionConfig, conn Conn) {
	e.connected = true
	e.logger.Info("session started", LogFields{
		LogFieldSendMaximum:    cfg.SendMaximum,
		LogFieldReceiveMaximum: cfg.ReceiveMaximum,
	})
	e.qos.onSessionStartOrResume(cfg.ReceiveMaximum, conn)
	e.outgoing.onSessionStartOrResume(cfg.SendMaximum, conn)
}

// OnSessionEnd fails every in-flight and queued publish, drops the queued
// incoming messages and fails every registered flow and every flow waiting
// for its SUBACK with cause. A nil cause is replaced by ErrSessionEnded.
// Executor only.
func (e *Engine) OnSessionEnd(cause error) {
	if cause == nil {
		cause = ErrSessionEnded
	}
	e.connected = false
	e.logger.Info("session ended", LogFields{
		LogFieldError:  cause,
		LogFieldQueued: e.incoming.queued(),
	})

	e.outgoing.onSessionEnd(cause)
	e.qos.onSessionEnd()
	e.incoming.clear()
	e.flows.clear(cause)
	for _, pending := range e.pendingSubscribes {
		if pending.flow != nil {
			pending.flow.onError(cause)
		}
	}
	clear(e.pendingSubscribes)
	clear(e.pendingUnsubscribes)
}

// Connected reports whether a session is active. Executor only.
func (e *Engine) Connected() bool {
	return e.connected
}

// HandlePacket processes a packet received from the broker. A returned
// *ProtocolError means the connection must be closed with its reason code.
// Executor only.
func (e *Engine) HandlePacket(packet Packet) error {
	switch p := packet.(type) {
	case *PublishPacket:
		return e.qos.handlePublish(p)
	case *PubackPacket:
		return e.outgoing.handlePuback(p)
	case *PubrecPacket:
		return e.outgoing.handlePubrec(p)
	case *PubrelPacket:
		return e.qos.handlePubrel(p)
	case *PubcompPacket:
		return e.outgoing.handlePubcomp(p)
	case *SubackPacket:
		return e.handleSuback(p)
	case *UnsubackPacket:
		return e.handleUnsuback(p)
	case nil:
		return fmt.Errorf("%w: nil", ErrUnexpectedPacket)
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedPacket, packet.Type())
	}
}

// Subscribe registers the subscriptions of sub before the SUBSCRIBE packet is
// sent. Publishes matching them are delivered to the returned flow, or only
// to global flows when subscriber is nil. The subscriptions become visible in
// Subscriptions once the SUBACK accepted them. Executor only.
func (e *Engine) Subscribe(sub *SubscribePacket, subscriber MessageSubscriber, opts ...FlowOption) (*IncomingFlow, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if _, ok := e.pendingSubscribes[sub.PacketID]; ok {
		return nil, fmt.Errorf("%w: SUBSCRIBE %d", ErrPacketIDInUse, sub.PacketID)
	}

	var flow *IncomingFlow
	if subscriber != nil {
		flow = newIncomingFlow(e.incoming, subscriber, opts...)
	}
	if err := e.flows.subscribe(sub, flow); err != nil {
		return nil, err
	}
	e.pendingSubscribes[sub.PacketID] = &pendingSubscribe{packet: sub, flow: flow}

	e.logger.Debug("subscribe registered", LogFields{
		LogFieldPacketID:       sub.PacketID,
		LogFieldSubscriptionID: sub.SubscriptionID,
	})
	return flow, nil
}

// Unsubscribe registers unsub before the UNSUBSCRIBE packet is sent. The
// filters are removed once the UNSUBACK confirms them. Executor only.
func (e *Engine) Unsubscribe(unsub *UnsubscribePacket) error {
	if err := unsub.Validate(); err != nil {
		return err
	}
	if _, ok := e.pendingUnsubscribes[unsub.PacketID]; ok {
		return fmt.Errorf("%w: UNSUBSCRIBE %d", ErrPacketIDInUse, unsub.PacketID)
	}
	e.pendingUnsubscribes[unsub.PacketID] = unsub
	return nil
}

// SubscribeGlobal registers a flow for every publish selected by filter.
// Executor only.
func (e *Engine) SubscribeGlobal(filter GlobalFilter, subscriber MessageSubscriber, opts ...FlowOption) (*IncomingFlow, error) {
	if !filter.valid() {
		return nil, fmt.Errorf("invalid global filter %d", filter)
	}
	flow := newIncomingFlow(e.incoming, subscriber, opts...)
	e.flows.subscribeGlobal(filter, flow)
	return flow, nil
}

// Subscriptions returns the acknowledged subscriptions grouped by
// subscription identifier, newest identifier first. Executor only.
func (e *Engine) Subscriptions() []SubscriptionGroup {
	return e.flows.subscriptions()
}

func (e *Engine) handleSuback(suback *SubackPacket) error {
	e.opts.deliveryMetrics.ackReceived(PacketSUBACK)

	pending, ok := e.pendingSubscribes[suback.PacketID]
	if !ok {
		return e.protocolError("SUBACK contained unknown packet identifier", suback.PacketID)
	}
	delete(e.pendingSubscribes, suback.PacketID)

	errs, orphaned := e.flows.suback(pending.packet, suback)
	if len(errs) > 0 {
		e.logger.Warn("subscriptions rejected", LogFields{
			LogFieldPacketID: suback.PacketID,
			LogFieldError:    multierr.Combine(errs...),
		})
	}

	seen := make(map[*IncomingFlow]struct{}, len(orphaned))
	for _, flow := range orphaned {
		if _, ok := seen[flow]; ok {
			continue
		}
		seen[flow] = struct{}{}
		flow.onError(multierr.Combine(errs...))
	}

	if len(suback.ReasonCodes) != len(pending.packet.Subscriptions) {
		return e.protocolError("SUBACK must contain one reason code per subscription", suback.PacketID)
	}
	return nil
}

func (e *Engine) handleUnsuback(unsuback *UnsubackPacket) error {
	e.opts.deliveryMetrics.ackReceived(PacketUNSUBACK)

	unsub, ok := e.pendingUnsubscribes[unsuback.PacketID]
	if !ok {
		return e.protocolError("UNSUBACK contained unknown packet identifier", unsuback.PacketID)
	}
	delete(e.pendingUnsubscribes, unsuback.PacketID)

	seen := make(map[*IncomingFlow]struct{})
	for _, flow := range e.flows.unsubscribe(unsub, unsuback) {
		if _, ok := seen[flow]; ok {
			continue
		}
		seen[flow] = struct{}{}
		flow.onComplete()
	}
	return nil
}

func (e *Engine) protocolError(reason string, packetID uint16) error {
	e.opts.deliveryMetrics.protocolError()
	e.logger.Warn(reason, LogFields{LogFieldPacketID: packetID})
	return NewProtocolError(reason)
}

// Publish starts a flow that sends the publishes of source. Results are
// delivered to subscriber as it requests them with PublishFlow.Request.
// Safe for concurrent use.
func (e *Engine) Publish(ctx context.Context, source PublishSource, subscriber ResultSubscriber) *PublishFlow {
	flow := newPublishFlow(ctx, e.outgoing, subscriber, e.opts.errorSink)
	go flow.link(source)
	return flow
}

// PublishAndWait sends publishes and blocks until all of them are
// acknowledged or ctx is done. Results are returned in arrival order;
// a failed publish carries its error in PublishResult.Err. For QoS 2
// without WithQoS2CompleteResult the PUBREC result is returned and the
// call still waits for the PUBCOMP. Safe for concurrent use.
func (e *Engine) PublishAndWait(ctx context.Context, publishes ...*PublishPacket) ([]*PublishResult, error) {
	var mu sync.Mutex
	results := make([]*PublishResult, 0, len(publishes))

	flow := e.Publish(ctx, SliceSource(publishes...), ResultFuncs{
		Result: func(r *PublishResult) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		},
	})
	flow.RequestAll()

	var err error
	select {
	case <-flow.Done():
		err = flow.Err()
	case <-ctx.Done():
		flow.Cancel()
		err = ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]*PublishResult(nil), results...), err
}
