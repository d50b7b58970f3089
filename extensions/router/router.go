package router

import (
	"maps"
	"regexp"
	"slices"
	"sync"

	"github.com/vitalvas/mqttflow"
)

// Handler processes a received message.
type Handler func(msg *mqttflow.IncomingMessage)

// Match reports whether a handler accepts a publish.
type Match func(p *mqttflow.PublishPacket) bool

// Option adds a requirement to a route.
type Option func(*route)

// route is a handler guarded by the matches every publish must pass. A route
// without matches takes every publish.
type route struct {
	handler Handler
	filter  string
	matches []Match
}

func (rt *route) accepts(p *mqttflow.PublishPacket) bool {
	for _, m := range rt.matches {
		if !m(p) {
			return false
		}
	}
	return true
}

// WithTopic restricts a route to publishes whose topic matches filter. The
// filter is also what SubscribePacket asks the broker for.
func WithTopic(filter string) Option {
	return func(rt *route) {
		rt.filter = filter
		rt.matches = append(rt.matches, func(p *mqttflow.PublishPacket) bool {
			return mqttflow.TopicMatch(filter, p.Topic)
		})
	}
}

// WithQoS restricts a route to publishes received with qos.
func WithQoS(qos byte) Option {
	return WithMatch(func(p *mqttflow.PublishPacket) bool { return p.QoS == qos })
}

// WithRetain restricts a route by the retain flag.
func WithRetain(retain bool) Option {
	return WithMatch(func(p *mqttflow.PublishPacket) bool { return p.Retain == retain })
}

// WithContentType requires the content type to match pattern.
func WithContentType(pattern *regexp.Regexp) Option {
	return WithMatch(func(p *mqttflow.PublishPacket) bool { return pattern.MatchString(p.ContentType) })
}

// WithResponseTopic requires the response topic to match pattern.
func WithResponseTopic(pattern *regexp.Regexp) Option {
	return WithMatch(func(p *mqttflow.PublishPacket) bool { return pattern.MatchString(p.ResponseTopic) })
}

// WithUserProperty requires one user property whose key matches key and whose
// value matches value. Repeat it to require several properties.
func WithUserProperty(key, value *regexp.Regexp) Option {
	return WithMatch(func(p *mqttflow.PublishPacket) bool {
		return slices.ContainsFunc(p.UserProperties, func(sp mqttflow.StringPair) bool {
			return key.MatchString(sp.Key) && value.MatchString(sp.Value)
		})
	})
}

// WithMatch adds a custom requirement.
func WithMatch(m Match) Option {
	return func(rt *route) {
		rt.matches = append(rt.matches, m)
	}
}

// Router hands each received message to every route accepting it. It is a
// mqttflow.MessageSubscriber, so it can consume an IncomingFlow directly, see
// Attach.
type Router struct {
	mu     sync.RWMutex
	routes []*route

	// ErrorHandler is called when the attached flow terminates with an error.
	ErrorHandler func(err error)
}

// New creates an empty Router.
func New() *Router {
	return &Router{}
}

// Handle adds a route for handler.
//
//	r.Handle(store, WithTopic("sensors/#"), WithQoS(1))
//	r.Handle(decode, WithTopic("sensors/#"), WithContentType(regexp.MustCompile(`^application/json`)))
func (r *Router) Handle(handler Handler, opts ...Option) {
	rt := &route{handler: handler}
	for _, opt := range opts {
		opt(rt)
	}

	r.mu.Lock()
	r.routes = append(r.routes, rt)
	r.mu.Unlock()
}

// Route calls the handlers accepting msg in registration order and returns
// how many ran. Handlers run without the router lock held.
func (r *Router) Route(msg *mqttflow.IncomingMessage) int {
	if msg == nil || msg.Publish == nil {
		return 0
	}

	r.mu.RLock()
	var accepted []Handler
	for _, rt := range r.routes {
		if rt.accepts(msg.Publish) {
			accepted = append(accepted, rt.handler)
		}
	}
	r.mu.RUnlock()

	for _, h := range accepted {
		h(msg)
	}
	return len(accepted)
}

// OnMessage implements mqttflow.MessageSubscriber.
func (r *Router) OnMessage(msg *mqttflow.IncomingMessage) {
	r.Route(msg)
}

// OnComplete implements mqttflow.MessageSubscriber.
func (r *Router) OnComplete() {}

// OnError implements mqttflow.MessageSubscriber.
func (r *Router) OnError(err error) {
	if r.ErrorHandler != nil {
		r.ErrorHandler(err)
	}
}

// Filters returns the distinct topic filters of the routes in sorted order.
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]struct{}, len(r.routes))
	for _, rt := range r.routes {
		if rt.filter != "" {
			set[rt.filter] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// SubscribePacket builds a SUBSCRIBE asking for every route filter at qos.
// It returns nil when no route has a topic filter.
func (r *Router) SubscribePacket(packetID uint16, qos byte) *mqttflow.SubscribePacket {
	filters := r.Filters()
	if len(filters) == 0 {
		return nil
	}

	subs := make([]mqttflow.Subscription, len(filters))
	for i, filter := range filters {
		subs[i] = mqttflow.Subscription{TopicFilter: filter, QoS: qos}
	}
	return &mqttflow.SubscribePacket{PacketID: packetID, Subscriptions: subs}
}

// Attach registers the router as a flow for the given global filter and
// requests every message. Must be called on the engine executor.
func (r *Router) Attach(engine *mqttflow.Engine, filter mqttflow.GlobalFilter) (*mqttflow.IncomingFlow, error) {
	flow, err := engine.SubscribeGlobal(filter, r)
	if err != nil {
		return nil, err
	}
	flow.RequestAll()
	return flow, nil
}

// Len returns the number of routes.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// Clear removes every route.
func (r *Router) Clear() {
	r.mu.Lock()
	r.routes = nil
	r.mu.Unlock()
}
