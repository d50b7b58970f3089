//nolint:dupl // MQTT v5.0 requires separate packet types with same structure
package mqttflow

// PubackPacket represents an MQTT PUBACK packet.
// MQTT v5.0 spec: Section 3.4
type PubackPacket struct {
	PacketID     uint16
	ReasonCode   ReasonCode
	ReasonString string
}

// Type returns the packet type.
func (p *PubackPacket) Type() PacketType { return PacketPUBACK }

// GetPacketID returns the packet identifier.
func (p *PubackPacket) GetPacketID() uint16 { return p.PacketID }

// PubrecPacket represents an MQTT PUBREC packet.
// MQTT v5.0 spec: Section 3.5
type PubrecPacket struct {
	PacketID     uint16
	ReasonCode   ReasonCode
	ReasonString string
}

// Type returns the packet type.
func (p *PubrecPacket) Type() PacketType { return PacketPUBREC }

// GetPacketID returns the packet identifier.
func (p *PubrecPacket) GetPacketID() uint16 { return p.PacketID }

// PubrelPacket represents an MQTT PUBREL packet.
// MQTT v5.0 spec: Section 3.6
type PubrelPacket struct {
	PacketID     uint16
	ReasonCode   ReasonCode
	ReasonString string
}

// Type returns the packet type.
func (p *PubrelPacket) Type() PacketType { return PacketPUBREL }

// GetPacketID returns the packet identifier.
func (p *PubrelPacket) GetPacketID() uint16 { return p.PacketID }

// PubcompPacket represents an MQTT PUBCOMP packet.
// MQTT v5.0 spec: Section 3.7
type PubcompPacket struct {
	PacketID     uint16
	ReasonCode   ReasonCode
	ReasonString string
}

// Type returns the packet type.
func (p *PubcompPacket) Type() PacketType { return PacketPUBCOMP }

// GetPacketID returns the packet identifier.
func (p *PubcompPacket) GetPacketID() uint16 { return p.PacketID }
