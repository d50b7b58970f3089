package mqttflow

import "errors"

var (
	ErrInvalidPacketID             = errors.New("invalid packet identifier")
	ErrProtocolViolation           = errors.New("protocol violation")
	ErrInvalidSubscriptionID       = errors.New("invalid subscription identifier")
	ErrInvalidQoS                  = errors.New("invalid QoS level")
	maxSubscriptionIdentifierValue = uint32(268435455) // 0x0FFFFFFF per MQTT v5.0 spec
)

// Subscription represents a topic filter with subscription options.
// MQTT v5.0 spec: Section 3.8.3.1
type Subscription struct {
	TopicFilter     string
	QoS             byte
	NoLocal         bool
	RetainAsPublish bool
	RetainHandling  byte
}

// encodeOptions packs the subscription options byte.
func (s Subscription) encodeOptions() byte {
	options := s.QoS & 0x03
	if s.NoLocal {
		options |= 0x04
	}
	if s.RetainAsPublish {
		options |= 0x08
	}
	options |= (s.RetainHandling & 0x03) << 4
	return options
}

// decodeSubscriptionOptions rebuilds a subscription from a filter and options byte.
func decodeSubscriptionOptions(filter string, options byte) Subscription {
	return Subscription{
		TopicFilter:     filter,
		QoS:             options & 0x03,
		NoLocal:         (options & 0x04) != 0,
		RetainAsPublish: (options & 0x08) != 0,
		RetainHandling:  (options >> 4) & 0x03,
	}
}

// SubscribePacket represents an MQTT SUBSCRIBE packet.
// MQTT v5.0 spec: Section 3.8
type SubscribePacket struct {
	PacketID uint16

	// SubscriptionID is the Subscription Identifier property, zero when absent.
	SubscriptionID uint32

	Subscriptions []Subscription
}

// Type returns the packet type.
func (p *SubscribePacket) Type() PacketType { return PacketSUBSCRIBE }

// GetPacketID returns the packet identifier.
func (p *SubscribePacket) GetPacketID() uint16 { return p.PacketID }

// Validate validates the packet contents.
func (p *SubscribePacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if p.SubscriptionID > maxSubscriptionIdentifierValue {
		return ErrInvalidSubscriptionID
	}
	if len(p.Subscriptions) == 0 {
		return ErrProtocolViolation
	}
	for _, sub := range p.Subscriptions {
		if _, err := parseTopicFilter(sub.TopicFilter); err != nil {
			return err
		}
		if sub.QoS > 2 {
			return ErrInvalidQoS
		}
		if sub.RetainHandling > 2 {
			return ErrProtocolViolation
		}
	}
	return nil
}

// SubackPacket represents an MQTT SUBACK packet.
// MQTT v5.0 spec: Section 3.9
type SubackPacket struct {
	PacketID     uint16
	ReasonCodes  []ReasonCode
	ReasonString string
}

// Type returns the packet type.
func (p *SubackPacket) Type() PacketType { return PacketSUBACK }

// GetPacketID returns the packet identifier.
func (p *SubackPacket) GetPacketID() uint16 { return p.PacketID }

// UnsubscribePacket represents an MQTT UNSUBSCRIBE packet.
// MQTT v5.0 spec: Section 3.10
type UnsubscribePacket struct {
	PacketID     uint16
	TopicFilters []string
}

// Type returns the packet type.
func (p *UnsubscribePacket) Type() PacketType { return PacketUNSUBSCRIBE }

// GetPacketID returns the packet identifier.
func (p *UnsubscribePacket) GetPacketID() uint16 { return p.PacketID }

// Validate validates the packet contents.
func (p *UnsubscribePacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.TopicFilters) == 0 {
		return ErrProtocolViolation
	}
	for _, filter := range p.TopicFilters {
		if _, err := parseTopicFilter(filter); err != nil {
			return err
		}
	}
	return nil
}

// UnsubackPacket represents an MQTT UNSUBACK packet.
// MQTT v5.0 spec: Section 3.11
type UnsubackPacket struct {
	PacketID     uint16
	ReasonCodes  []ReasonCode
	ReasonString string
}

// Type returns the packet type.
func (p *UnsubackPacket) Type() PacketType { return PacketUNSUBACK }

// GetPacketID returns the packet identifier.
func (p *UnsubackPacket) GetPacketID() uint16 { return p.PacketID }
