package mqttflow

import "fmt"

// ProducerInterceptor is an interface that allows interception and modification
// of publishes before they are first written. Interceptors are called in the
// order they are configured, and each interceptor receives the packet from the
// previous interceptor in the chain. Retransmissions are not intercepted again.
//
// Similar to Sarama's ProducerInterceptor for Kafka clients.
type ProducerInterceptor interface {
	// OnSend is called when a publish is about to be written.
	// Return the (potentially modified) packet to continue the chain.
	//
	// WARNING: The packet is NOT a copy. Modifications will affect the original.
	// Use Clone() if you need to preserve the original packet.
	OnSend(publish *PublishPacket) *PublishPacket
}

// ConsumerInterceptor is an interface that allows interception and modification
// of publishes after they are received but before they are matched against
// subscriptions.
//
// Similar to Sarama's ConsumerInterceptor for Kafka clients.
type ConsumerInterceptor interface {
	// OnConsume is called when a publish is received.
	// Return the (potentially modified) packet to continue the chain.
	//
	// WARNING: The packet is NOT a copy. Modifications will affect the original.
	OnConsume(publish *PublishPacket) *PublishPacket
}

// ProducerInterceptorFunc adapts a function to ProducerInterceptor.
type ProducerInterceptorFunc func(publish *PublishPacket) *PublishPacket

func (f ProducerInterceptorFunc) OnSend(publish *PublishPacket) *PublishPacket { return f(publish) }

// ConsumerInterceptorFunc adapts a function to ConsumerInterceptor.
type ConsumerInterceptorFunc func(publish *PublishPacket) *PublishPacket

func (f ConsumerInterceptorFunc) OnConsume(publish *PublishPacket) *PublishPacket { return f(publish) }

// OutgoingQoSInterceptor observes the acknowledgement handshake of outgoing
// publishes. Every hook is optional. OnPubrec may modify the PUBREL before it
// is written.
type OutgoingQoSInterceptor struct {
	OnPuback      func(publish *PublishPacket, puback *PubackPacket)
	OnPubrec      func(publish *PublishPacket, pubrec *PubrecPacket, pubrel *PubrelPacket)
	OnPubrecError func(publish *PublishPacket, pubrec *PubrecPacket)
	OnPubcomp     func(pubrel *PubrelPacket, pubcomp *PubcompPacket)
}

// IncomingQoSInterceptor observes the acknowledgement handshake of incoming
// publishes. OnPublish receives the PUBACK or PUBREC about to be written and
// may modify it; OnPubrel may modify the PUBCOMP.
type IncomingQoSInterceptor struct {
	OnPublish func(publish *PublishPacket, ack Packet)
	OnPubrel  func(pubrel *PubrelPacket, pubcomp *PubcompPacket)
}

// safelyApplyProducerInterceptor applies a producer interceptor with panic recovery.
// If the interceptor panics, the original packet is returned unchanged.
func safelyApplyProducerInterceptor(logger Logger, interceptor ProducerInterceptor, publish *PublishPacket) (result *PublishPacket) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("producer interceptor panic", LogFields{
				LogFieldTopic: publish.Topic,
				LogFieldError: fmt.Sprint(r),
			})
			result = publish
		}
	}()
	return interceptor.OnSend(publish)
}

// safelyApplyConsumerInterceptor applies a consumer interceptor with panic recovery.
// If the interceptor panics, the original packet is returned unchanged.
func safelyApplyConsumerInterceptor(logger Logger, interceptor ConsumerInterceptor, publish *PublishPacket) (result *PublishPacket) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("consumer interceptor panic", LogFields{
				LogFieldTopic: publish.Topic,
				LogFieldError: fmt.Sprint(r),
			})
			result = publish
		}
	}()
	return interceptor.OnConsume(publish)
}

// applyProducerInterceptors applies all producer interceptors in order.
// If any interceptor returns nil, the chain is broken and the input is kept.
func applyProducerInterceptors(logger Logger, interceptors []ProducerInterceptor, publish *PublishPacket) *PublishPacket {
	current := publish
	for _, interceptor := range interceptors {
		next := safelyApplyProducerInterceptor(logger, interceptor, current)
		if next == nil {
			return current
		}
		current = next
	}
	return current
}

// applyConsumerInterceptors applies all consumer interceptors in order.
// If any interceptor returns nil, the chain is broken and the input is kept.
func applyConsumerInterceptors(logger Logger, interceptors []ConsumerInterceptor, publish *PublishPacket) *PublishPacket {
	current := publish
	for _, interceptor := range interceptors {
		next := safelyApplyConsumerInterceptor(logger, interceptor, current)
		if next == nil {
			return current
		}
		current = next
	}
	return current
}

// safeHook runs an interceptor hook, logging instead of propagating a panic.
func safeHook(logger Logger, name string, hook func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("interceptor panic", LogFields{
				"hook":        name,
				LogFieldError: fmt.Sprint(r),
			})
		}
	}()
	hook()
}
