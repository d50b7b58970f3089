package mqttflow

// PublishPacket represents an MQTT PUBLISH packet.
// MQTT v5.0 spec: Section 3.3
type PublishPacket struct {
	// Topic is the topic name.
	Topic string

	// Payload is the application message.
	Payload []byte

	// QoS is the Quality of Service level (0, 1, or 2).
	QoS byte

	// Retain indicates if the message should be retained.
	Retain bool

	// DUP indicates if this is a retransmission.
	DUP bool

	// PacketID is the packet identifier (only for QoS > 0).
	PacketID uint16

	// TopicAlias is the topic alias, zero when absent.
	TopicAlias uint16

	// SubscriptionIdentifiers lists the identifiers of matching subscriptions.
	// Only set on received messages.
	SubscriptionIdentifiers []uint32

	// ContentType is the MIME type of the payload.
	ContentType string

	// ResponseTopic is the topic for response messages.
	ResponseTopic string

	// CorrelationData is used to correlate request/response messages.
	CorrelationData []byte

	// UserProperties contains user-defined name-value pairs.
	UserProperties []StringPair
}

// Type returns the packet type.
func (p *PublishPacket) Type() PacketType {
	return PacketPUBLISH
}

// GetPacketID returns the packet identifier.
func (p *PublishPacket) GetPacketID() uint16 {
	return p.PacketID
}

// Clone creates a deep copy of the packet.
func (p *PublishPacket) Clone() *PublishPacket {
	if p == nil {
		return nil
	}

	clone := *p

	if p.Payload != nil {
		clone.Payload = make([]byte, len(p.Payload))
		copy(clone.Payload, p.Payload)
	}

	if p.CorrelationData != nil {
		clone.CorrelationData = make([]byte, len(p.CorrelationData))
		copy(clone.CorrelationData, p.CorrelationData)
	}

	if p.UserProperties != nil {
		clone.UserProperties = make([]StringPair, len(p.UserProperties))
		copy(clone.UserProperties, p.UserProperties)
	}

	if p.SubscriptionIdentifiers != nil {
		clone.SubscriptionIdentifiers = make([]uint32, len(p.SubscriptionIdentifiers))
		copy(clone.SubscriptionIdentifiers, p.SubscriptionIdentifiers)
	}

	return &clone
}

// stateful returns the copy written to the wire for the given identifier.
// The payload is shared; only header fields differ from the submitted packet.
func (p *PublishPacket) stateful(packetID uint16, dup bool) *PublishPacket {
	out := *p
	out.PacketID = packetID
	out.DUP = dup
	return &out
}
