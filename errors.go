package mqttflow

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Sentinel errors for protocol issues - check with errors.Is().
var (
	// ErrProtocolError is returned when the peer violates the MQTT protocol.
	ErrProtocolError = errors.New("protocol error")

	// ErrReceiveMaximumExceeded is returned when the peer sends more QoS 1/2
	// publishes than the negotiated receive maximum.
	ErrReceiveMaximumExceeded = errors.New("receive maximum exceeded")
)

// Sentinel errors for operations - check with errors.Is().
var (
	// ErrPublishFailed is returned when the peer rejected a publish.
	ErrPublishFailed = errors.New("publish failed")

	// ErrSubscribeFailed is returned when the peer rejected a subscription.
	ErrSubscribeFailed = errors.New("subscribe failed")

	// ErrConnectionLost is returned when a packet could not be written to the transport.
	ErrConnectionLost = errors.New("connection lost")

	// ErrNotConnected is returned for publishes submitted while no session is active.
	ErrNotConnected = errors.New("not connected")

	// ErrSessionEnded is the default cause used when a session ends without one.
	ErrSessionEnded = errors.New("session ended")

	// ErrFlowCancelled is returned to waiters of a flow that was cancelled.
	ErrFlowCancelled = errors.New("flow cancelled")

	// ErrAlreadyLatched is reported when a publish flow is completed twice.
	ErrAlreadyLatched = errors.New("publish flow already latched")

	// ErrInvalidConfig is returned when the configuration fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnexpectedPacket is returned for packet types the engine does not handle.
	ErrUnexpectedPacket = errors.New("unexpected packet type")

	// ErrPacketIDInUse is returned when a SUBSCRIBE or UNSUBSCRIBE is registered
	// with an identifier that still awaits its acknowledgement.
	ErrPacketIDInUse = errors.New("packet identifier in use")
)

// ProtocolError describes a protocol violation by the peer. The connection
// must be closed with ReasonCode.
// Extract with errors.As().
type ProtocolError struct {
	err        error
	ReasonCode ReasonCode
	Reason     string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }
func (e *ProtocolError) Unwrap() error { return e.err }

// NewProtocolError creates a new ProtocolError with reason code 0x82.
func NewProtocolError(reason string) *ProtocolError {
	return &ProtocolError{
		err:        ErrProtocolError,
		ReasonCode: ReasonProtocolError,
		Reason:     reason,
	}
}

// newReceiveMaximumError reports a peer exceeding the receive maximum (0x93).
func newReceiveMaximumError() *ProtocolError {
	return &ProtocolError{
		err:        ErrReceiveMaximumExceeded,
		ReasonCode: ReasonReceiveMaxExceeded,
		Reason:     "received more QoS 1 and/or 2 PUBLISHes than allowed by receive maximum",
	}
}

// PublishError contains details about a publish rejected by the peer.
// Extract with errors.As().
type PublishError struct {
	err          error
	Topic        string
	PacketID     uint16
	ReasonCode   ReasonCode
	ReasonString string

	// Ack is the PUBACK or PUBREC that carried the error reason code.
	Ack Packet
}

func (e *PublishError) Error() string {
	msg := fmt.Sprintf("publish to %q failed: %s", e.Topic, e.ReasonCode)
	if e.ReasonString != "" {
		msg += " (" + e.ReasonString + ")"
	}
	return msg
}

func (e *PublishError) Unwrap() error { return e.err }

func newPubackError(publish *PublishPacket, puback *PubackPacket) *PublishError {
	return &PublishError{
		err:          ErrPublishFailed,
		Topic:        publish.Topic,
		PacketID:     puback.PacketID,
		ReasonCode:   puback.ReasonCode,
		ReasonString: puback.ReasonString,
		Ack:          puback,
	}
}

func newPubrecError(publish *PublishPacket, pubrec *PubrecPacket) *PublishError {
	return &PublishError{
		err:          ErrPublishFailed,
		Topic:        publish.Topic,
		PacketID:     pubrec.PacketID,
		ReasonCode:   pubrec.ReasonCode,
		ReasonString: pubrec.ReasonString,
		Ack:          pubrec,
	}
}

// ConnectionLostError wraps the transport error that failed a write.
// Extract with errors.As().
type ConnectionLostError struct {
	Cause error
}

func (e *ConnectionLostError) Error() string {
	if e.Cause == nil {
		return ErrConnectionLost.Error()
	}
	return ErrConnectionLost.Error() + ": " + e.Cause.Error()
}

func (e *ConnectionLostError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrConnectionLost}
	}
	return []error{ErrConnectionLost, e.Cause}
}

// SubscribeError contains details about a subscription rejected in a SUBACK.
// Extract with errors.As().
type SubscribeError struct {
	err          error
	TopicFilter  string
	ReasonCode   ReasonCode
	ReasonString string
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe to %q failed: %s", e.TopicFilter, e.ReasonCode)
}

func (e *SubscribeError) Unwrap() error { return e.err }

func newSubscribeError(filter string, code ReasonCode, reason string) *SubscribeError {
	return &SubscribeError{
		err:          ErrSubscribeFailed,
		TopicFilter:  filter,
		ReasonCode:   code,
		ReasonString: reason,
	}
}

// isTransportError reports whether err comes from the underlying connection
// rather than from encoding the packet.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
