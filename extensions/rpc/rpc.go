// Package rpc provides request/response on top of a mqttflow.Engine.
// It uses MQTT v5.0 correlation data and response topic properties to match
// requests with their responses.
// MQTT v5.0 spec: Section 4.10 (Request / Response)
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/vitalvas/mqttflow"
)

var (
	// ErrTimeout is returned when a request times out waiting for a response.
	ErrTimeout = errors.New("rpc: request timeout")

	// ErrClientClosed is returned when the session is down or the handler
	// was closed during a request.
	ErrClientClosed = errors.New("rpc: client closed")
)

// Headers represents RPC headers as key-value pairs.
// Headers are transmitted using MQTT v5.0 User Properties.
type Headers map[string]string

// Request represents an RPC request with optional headers.
type Request struct {
	// Payload is the request body.
	Payload []byte

	// Headers contains optional request headers.
	// These are transmitted as MQTT v5.0 User Properties.
	Headers Headers

	// ContentType is the MIME type of the payload (optional).
	ContentType string
}

// Response represents an RPC response with headers.
type Response struct {
	// Payload is the response body.
	Payload []byte

	// Headers contains response headers from User Properties.
	Headers Headers

	// ContentType is the MIME type of the payload.
	ContentType string

	// CorrelationData is the correlation ID used to match this response.
	CorrelationData []byte
}

// Handler provides request/response functionality using MQTT v5.0 properties.
type Handler struct {
	mu            sync.Mutex
	engine        *mqttflow.Engine
	subscribe     *mqttflow.SubscribePacket
	correlData    map[string]chan *Response
	responseTopic string
	qos           byte
	closed        bool
}

// HandlerOptions configures the RPC handler.
type HandlerOptions struct {
	// ResponseTopic is the topic where responses will be received.
	// If empty, defaults to "rpc/response/{engineID}".
	ResponseTopic string

	// QoS is the quality of service level for requests and subscriptions.
	// Defaults to 0.
	QoS byte

	// PacketID is the identifier of the SUBSCRIBE for the response topic.
	// Defaults to 1.
	PacketID uint16
}

// NewHandler creates a new RPC handler and registers the response topic
// subscription with engine. The caller sends the packet returned by
// SubscribePacket to the broker.
func NewHandler(engine *mqttflow.Engine, opts *HandlerOptions) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("rpc: engine is required")
	}

	if opts == nil {
		opts = &HandlerOptions{}
	}

	responseTopic := opts.ResponseTopic
	if responseTopic == "" {
		responseTopic = fmt.Sprintf("rpc/response/%s", engine.ID())
	}

	packetID := opts.PacketID
	if packetID == 0 {
		packetID = 1
	}

	h := &Handler{
		engine:        engine,
		correlData:    make(map[string]chan *Response),
		responseTopic: responseTopic,
		qos:           opts.QoS,
		subscribe: &mqttflow.SubscribePacket{
			PacketID:      packetID,
			Subscriptions: []mqttflow.Subscription{{TopicFilter: responseTopic, QoS: opts.QoS}},
		},
	}

	err := h.onExecutor(context.Background(), func() error {
		flow, err := engine.Subscribe(h.subscribe, h)
		if err != nil {
			return err
		}
		flow.RequestAll()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: failed to subscribe to response topic: %w", err)
	}

	return h, nil
}

// ResponseTopic returns the configured response topic.
func (h *Handler) ResponseTopic() string {
	return h.responseTopic
}

// SubscribePacket returns the SUBSCRIBE for the response topic.
func (h *Handler) SubscribePacket() *mqttflow.SubscribePacket {
	return h.subscribe
}

// Call sends an RPC request with headers and waits for a response.
// The request is published to the specified topic with the response topic,
// correlation data, and headers set. The method blocks until a response
// is received or the context is cancelled.
func (h *Handler) Call(ctx context.Context, topic string, req *Request) (*Response, error) {
	var connected bool
	if err := h.onExecutor(ctx, func() error {
		connected = h.engine.Connected()
		return nil
	}); err != nil {
		return nil, err
	}
	if !connected {
		return nil, ErrClientClosed
	}

	if req == nil {
		req = &Request{}
	}

	correlID := xid.New().String()

	respChan := make(chan *Response, 1)
	if !h.addCorrelID(correlID, respChan) {
		return nil, ErrClientClosed
	}
	defer h.removeCorrelID(correlID)

	publish := &mqttflow.PublishPacket{
		Topic:           topic,
		Payload:         req.Payload,
		QoS:             h.qos,
		ResponseTopic:   h.responseTopic,
		CorrelationData: []byte(correlID),
		ContentType:     req.ContentType,
	}

	// Add headers as User Properties
	if len(req.Headers) > 0 {
		publish.UserProperties = make([]mqttflow.StringPair, 0, len(req.Headers))
		for k, v := range req.Headers {
			publish.UserProperties = append(publish.UserProperties, mqttflow.StringPair{Key: k, Value: v})
		}
	}

	results, err := h.engine.PublishAndWait(ctx, publish)
	if err == nil && len(results) > 0 {
		err = results[0].Err
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctxError(ctx)
		}
		return nil, fmt.Errorf("rpc: failed to publish request: %w", err)
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrClientClosed
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctxError(ctx)
	}
}

func ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

// CallWithTimeout is a convenience method that creates a context with timeout.
func (h *Handler) CallWithTimeout(topic string, req *Request, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.Call(ctx, topic, req)
}

// Request sends a simple request without headers and waits for a response.
// For requests with headers, use Call instead.
func (h *Handler) Request(ctx context.Context, topic string, payload []byte) (*Response, error) {
	return h.Call(ctx, topic, &Request{Payload: payload})
}

// RequestWithTimeout is a convenience method that creates a context with timeout.
func (h *Handler) RequestWithTimeout(topic string, payload []byte, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.Request(ctx, topic, payload)
}

// Close fails the pending requests and registers the UNSUBSCRIBE for the
// response topic. The caller sends the returned packet to the broker.
func (h *Handler) Close(packetID uint16) (*mqttflow.UnsubscribePacket, error) {
	h.failPending()

	unsub := &mqttflow.UnsubscribePacket{
		PacketID:     packetID,
		TopicFilters: []string{h.responseTopic},
	}
	if err := h.onExecutor(context.Background(), func() error {
		return h.engine.Unsubscribe(unsub)
	}); err != nil {
		return nil, err
	}
	return unsub, nil
}

// OnMessage implements mqttflow.MessageSubscriber.
func (h *Handler) OnMessage(msg *mqttflow.IncomingMessage) {
	h.handleResponse(msg.Publish)
}

// OnComplete implements mqttflow.MessageSubscriber.
func (h *Handler) OnComplete() {
	h.failPending()
}

// OnError implements mqttflow.MessageSubscriber.
func (h *Handler) OnError(_ error) {
	h.failPending()
}

// onExecutor runs fn on the engine executor and waits for it.
func (h *Handler) onExecutor(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	h.engine.Executor().Execute(func() {
		done <- fn()
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctxError(ctx)
	}
}

// failPending closes all pending response channels.
func (h *Handler) failPending() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for correlID, ch := range h.correlData {
		close(ch)
		delete(h.correlData, correlID)
	}
}

// addCorrelID stores a correlation ID with its response channel.
func (h *Handler) addCorrelID(correlID string, ch chan *Response) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.correlData[correlID] = ch
	return true
}

// removeCorrelID removes a correlation ID and returns its channel.
func (h *Handler) removeCorrelID(correlID string) chan *Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.correlData[correlID]
	delete(h.correlData, correlID)
	return ch
}

// handleResponse processes incoming response messages.
func (h *Handler) handleResponse(publish *mqttflow.PublishPacket) {
	if publish == nil || len(publish.CorrelationData) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.correlData[string(publish.CorrelationData)]
	if ch == nil {
		return // No waiting request for this correlation ID
	}

	resp := &Response{
		Payload:         publish.Payload,
		ContentType:     publish.ContentType,
		CorrelationData: publish.CorrelationData,
	}

	if len(publish.UserProperties) > 0 {
		resp.Headers = make(Headers, len(publish.UserProperties))
		for _, prop := range publish.UserProperties {
			resp.Headers[prop.Key] = prop.Value
		}
	}

	// Non-blocking send, a duplicate response is dropped
	select {
	case ch <- resp:
	default:
	}
}
