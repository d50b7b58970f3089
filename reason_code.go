package mqttflow

// ReasonCode represents an MQTT v5.0 reason code.
// MQTT v5.0 spec: Section 2.4
type ReasonCode byte

// Reason codes carried by the packets the delivery engine consumes or produces.
// MQTT v5.0 spec: Section 2.4
const (
	// Success / Granted QoS 0
	ReasonSuccess ReasonCode = 0x00
	// Granted QoS 1
	ReasonGrantedQoS1 ReasonCode = 0x01
	// Granted QoS 2
	ReasonGrantedQoS2 ReasonCode = 0x02
	// No matching subscribers
	ReasonNoMatchingSubscribers ReasonCode = 0x10
	// No subscription existed
	ReasonNoSubscriptionExisted ReasonCode = 0x11
	// Unspecified error
	ReasonUnspecifiedError ReasonCode = 0x80
	// Malformed Packet
	ReasonMalformedPacket ReasonCode = 0x81
	// Protocol Error
	ReasonProtocolError ReasonCode = 0x82
	// Implementation specific error
	ReasonImplSpecificError ReasonCode = 0x83
	// Not authorized
	ReasonNotAuthorized ReasonCode = 0x87
	// Topic Filter invalid
	ReasonTopicFilterInvalid ReasonCode = 0x8F
	// Topic Name invalid
	ReasonTopicNameInvalid ReasonCode = 0x90
	// Packet Identifier in use
	ReasonPacketIDInUse ReasonCode = 0x91
	// Packet Identifier not found
	ReasonPacketIDNotFound ReasonCode = 0x92
	// Receive Maximum exceeded
	ReasonReceiveMaxExceeded ReasonCode = 0x93
	// Quota exceeded
	ReasonQuotaExceeded ReasonCode = 0x97
	// Payload format invalid
	ReasonPayloadFormatInvalid ReasonCode = 0x99
	// Shared Subscriptions not supported
	ReasonSharedSubsNotSupported ReasonCode = 0x9E
	// Subscription Identifiers not supported
	ReasonSubIDsNotSupported ReasonCode = 0xA1
	// Wildcard Subscriptions not supported
	ReasonWildcardSubsNotSupported ReasonCode = 0xA2
)

// ReasonGrantedQoS0 is an alias for ReasonSuccess used in SUBACK packets.
const ReasonGrantedQoS0 = ReasonSuccess

var reasonCodeStrings = map[ReasonCode]string{
	ReasonSuccess:                  "Success",
	ReasonGrantedQoS1:              "Granted QoS 1",
	ReasonGrantedQoS2:              "Granted QoS 2",
	ReasonNoMatchingSubscribers:    "No matching subscribers",
	ReasonNoSubscriptionExisted:    "No subscription existed",
	ReasonUnspecifiedError:         "Unspecified error",
	ReasonMalformedPacket:          "Malformed Packet",
	ReasonProtocolError:            "Protocol Error",
	ReasonImplSpecificError:        "Implementation specific error",
	ReasonNotAuthorized:            "Not authorized",
	ReasonTopicFilterInvalid:       "Topic Filter invalid",
	ReasonTopicNameInvalid:         "Topic Name invalid",
	ReasonPacketIDInUse:            "Packet Identifier in use",
	ReasonPacketIDNotFound:         "Packet Identifier not found",
	ReasonReceiveMaxExceeded:       "Receive Maximum exceeded",
	ReasonQuotaExceeded:            "Quota exceeded",
	ReasonPayloadFormatInvalid:     "Payload format invalid",
	ReasonSharedSubsNotSupported:   "Shared Subscriptions not supported",
	ReasonSubIDsNotSupported:       "Subscription Identifiers not supported",
	ReasonWildcardSubsNotSupported: "Wildcard Subscriptions not supported",
}

// String returns the human-readable description of the reason code.
func (r ReasonCode) String() string {
	if s, ok := reasonCodeStrings[r]; ok {
		return s
	}
	return "Unknown reason code"
}

// IsError returns true if the reason code indicates an error (>= 0x80).
func (r ReasonCode) IsError() bool {
	return r >= 0x80
}

// IsSuccess returns true if the reason code indicates success (< 0x80).
func (r ReasonCode) IsSuccess() bool {
	return r < 0x80
}

// Valid reason codes per packet type.
var (
	// PUBACK and PUBREC share the same set.
	publishAckReasonCodes = map[ReasonCode]bool{
		ReasonSuccess:               true,
		ReasonNoMatchingSubscribers: true,
		ReasonUnspecifiedError:      true,
		ReasonImplSpecificError:     true,
		ReasonNotAuthorized:         true,
		ReasonTopicNameInvalid:      true,
		ReasonPacketIDInUse:         true,
		ReasonQuotaExceeded:         true,
		ReasonPayloadFormatInvalid:  true,
	}

	// PUBREL and PUBCOMP share the same set.
	releaseReasonCodes = map[ReasonCode]bool{
		ReasonSuccess:          true,
		ReasonPacketIDNotFound: true,
	}

	subackReasonCodes = map[ReasonCode]bool{
		ReasonGrantedQoS0:              true,
		ReasonGrantedQoS1:              true,
		ReasonGrantedQoS2:              true,
		ReasonUnspecifiedError:         true,
		ReasonImplSpecificError:        true,
		ReasonNotAuthorized:            true,
		ReasonTopicFilterInvalid:       true,
		ReasonPacketIDInUse:            true,
		ReasonQuotaExceeded:            true,
		ReasonSharedSubsNotSupported:   true,
		ReasonSubIDsNotSupported:       true,
		ReasonWildcardSubsNotSupported: true,
	}

	unsubackReasonCodes = map[ReasonCode]bool{
		ReasonSuccess:               true,
		ReasonNoSubscriptionExisted: true,
		ReasonUnspecifiedError:      true,
		ReasonImplSpecificError:     true,
		ReasonNotAuthorized:         true,
		ReasonTopicFilterInvalid:    true,
		ReasonPacketIDInUse:         true,
	}
)

// ValidForPUBACK returns true if the reason code is valid for PUBACK packets.
func (r ReasonCode) ValidForPUBACK() bool { return publishAckReasonCodes[r] }

// ValidForPUBREC returns true if the reason code is valid for PUBREC packets.
func (r ReasonCode) ValidForPUBREC() bool { return publishAckReasonCodes[r] }

// ValidForPUBREL returns true if the reason code is valid for PUBREL packets.
func (r ReasonCode) ValidForPUBREL() bool { return releaseReasonCodes[r] }

// ValidForPUBCOMP returns true if the reason code is valid for PUBCOMP packets.
func (r ReasonCode) ValidForPUBCOMP() bool { return releaseReasonCodes[r] }

// ValidForSUBACK returns true if the reason code is valid for SUBACK packets.
func (r ReasonCode) ValidForSUBACK() bool { return subackReasonCodes[r] }

// ValidForUNSUBACK returns true if the reason code is valid for UNSUBACK packets.
func (r ReasonCode) ValidForUNSUBACK() bool { return unsubackReasonCodes[r] }
