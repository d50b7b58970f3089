package mqttflow

// PacketType represents an MQTT control packet type.
type PacketType byte

// MQTT control packet types handled by the delivery engine.
const (
	PacketPUBLISH     PacketType = 3
	PacketPUBACK      PacketType = 4
	PacketPUBREC      PacketType = 5
	PacketPUBREL      PacketType = 6
	PacketPUBCOMP     PacketType = 7
	PacketSUBSCRIBE   PacketType = 8
	PacketSUBACK      PacketType = 9
	PacketUNSUBSCRIBE PacketType = 10
	PacketUNSUBACK    PacketType = 11
)

// String returns the string representation of the packet type.
func (p PacketType) String() string {
	switch p {
	case PacketPUBLISH:
		return "PUBLISH"
	case PacketPUBACK:
		return "PUBACK"
	case PacketPUBREC:
		return "PUBREC"
	case PacketPUBREL:
		return "PUBREL"
	case PacketPUBCOMP:
		return "PUBCOMP"
	case PacketSUBSCRIBE:
		return "SUBSCRIBE"
	case PacketSUBACK:
		return "SUBACK"
	case PacketUNSUBSCRIBE:
		return "UNSUBSCRIBE"
	case PacketUNSUBACK:
		return "UNSUBACK"
	default:
		return "UNKNOWN"
	}
}

// Packet is implemented by every decoded control packet record the engine
// consumes or produces. Encoding and decoding belong to the wire codec.
// MQTT v5.0 spec: Section 2.1
type Packet interface {
	// Type returns the packet type.
	Type() PacketType
}

// PacketWithID is implemented by packets that have a packet identifier.
// MQTT v5.0 spec: Section 2.2.1
type PacketWithID interface {
	Packet

	// GetPacketID returns the packet identifier.
	GetPacketID() uint16
}

// StringPair is a user property name-value pair.
type StringPair struct {
	Key   string
	Value string
}
