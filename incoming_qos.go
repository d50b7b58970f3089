package mqttflow

import "fmt"

// incomingQoSHandler runs the receiver side of the QoS 1 and QoS 2
// handshakes. It tracks, per packet identifier, the publish being delivered
// or the PUBACK/PUBREC sent for it, so that resent publishes are detected.
// Executor only.
type incomingQoSHandler struct {
	logger           Logger
	metrics          *DeliveryMetrics
	interceptors     []ConsumerInterceptor
	qosInterceptor   *IncomingQoSInterceptor
	connErrorHandler func(error)
	service          *incomingService

	configuredReceiveMaximum int
	receiveMaximum           int
	conn                     Conn

	// *PublishPacket until acknowledged, then *PubackPacket or *PubrecPacket
	messages map[uint16]Packet
}

func newIncomingQoSHandler(o *options, service *incomingService) *incomingQoSHandler {
	h := &incomingQoSHandler{
		logger:                   o.logger,
		metrics:                  o.deliveryMetrics,
		interceptors:             o.consumerInterceptors,
		qosInterceptor:           o.incomingQoSInterceptor,
		connErrorHandler:         o.connErrorHandler,
		service:                  service,
		configuredReceiveMaximum: o.receiveMaximum,
		receiveMaximum:           o.receiveMaximum,
		messages:                 make(map[uint16]Packet),
	}
	service.ack = h.ack
	return h
}

func (h *incomingQoSHandler) onSessionStartOrResume(receiveMaximum int, conn Conn) {
	if receiveMaximum <= 0 {
		receiveMaximum = h.configuredReceiveMaximum
	}
	h.receiveMaximum = receiveMaximum
	h.conn = conn
}

func (h *incomingQoSHandler) onSessionEnd() {
	h.conn = nil
	clear(h.messages)
}

func (h *incomingQoSHandler) protocolError(reason string, packetID uint16) error {
	h.metrics.protocolError()
	h.logger.Warn(reason, LogFields{LogFieldPacketID: packetID})
	return NewProtocolError(reason)
}

func (h *incomingQoSHandler) handlePublish(publish *PublishPacket) error {
	h.metrics.messageReceived(publish.QoS)

	switch publish.QoS {
	case 0:
		h.service.onPublishQoS0(h.intercept(publish))
		return nil
	case 1, 2:
	default:
		return h.protocolError(fmt.Sprintf("PUBLISH must not have QoS %d", publish.QoS), publish.PacketID)
	}

	if publish.PacketID == 0 {
		return h.protocolError(fmt.Sprintf("QoS %d PUBLISH must have a packet identifier", publish.QoS), 0)
	}

	prev, ok := h.messages[publish.PacketID]
	if !ok {
		return h.handleNewPublish(publish)
	}

	switch p := prev.(type) {
	case *PublishPacket:
		if p.QoS == publish.QoS {
			return h.checkDup(publish)
		}
	case *PubackPacket:
		if publish.QoS == 1 {
			if err := h.checkDup(publish); err != nil {
				return err
			}
			h.write(p)
			return nil
		}
	case *PubrecPacket:
		if publish.QoS == 2 {
			if err := h.checkDup(publish); err != nil {
				return err
			}
			h.write(p)
			return nil
		}
	}

	if publish.QoS == 1 {
		return h.protocolError("QoS 1 PUBLISH must not be received with the same packet identifier as a QoS 2 PUBLISH", publish.PacketID)
	}
	return h.protocolError("QoS 2 PUBLISH must not be received with the same packet identifier as a QoS 1 PUBLISH", publish.PacketID)
}

func (h *incomingQoSHandler) handleNewPublish(publish *PublishPacket) error {
	h.messages[publish.PacketID] = publish
	if !h.service.onPublishQoS12(h.intercept(publish), h.receiveMaximum) {
		delete(h.messages, publish.PacketID)
		h.metrics.protocolError()
		return newReceiveMaximumError()
	}
	return nil
}

func (h *incomingQoSHandler) checkDup(publish *PublishPacket) error {
	if !publish.DUP {
		return h.protocolError(fmt.Sprintf("DUP flag must be set for a resent QoS %d PUBLISH", publish.QoS), publish.PacketID)
	}
	return nil
}

func (h *incomingQoSHandler) intercept(publish *PublishPacket) *PublishPacket {
	if len(h.interceptors) == 0 {
		return publish
	}
	return applyConsumerInterceptors(h.logger, h.interceptors, publish)
}

// ack sends the PUBACK or PUBREC for a record every flow consumed.
func (h *incomingQoSHandler) ack(record *incomingRecord) {
	publish := record.publish
	hook := h.qosInterceptor

	switch publish.QoS {
	case 1:
		puback := &PubackPacket{PacketID: publish.PacketID, ReasonCode: ReasonSuccess}
		if hook != nil && hook.OnPublish != nil {
			safeHook(h.logger, "OnPublish", func() { hook.OnPublish(publish, puback) })
			puback.PacketID = publish.PacketID
		}
		h.messages[puback.PacketID] = puback
		if h.write(puback) {
			delete(h.messages, puback.PacketID)
		}
	case 2:
		pubrec := &PubrecPacket{PacketID: publish.PacketID, ReasonCode: ReasonSuccess}
		if hook != nil && hook.OnPublish != nil {
			safeHook(h.logger, "OnPublish", func() { hook.OnPublish(publish, pubrec) })
			pubrec.PacketID = publish.PacketID
		}
		h.messages[pubrec.PacketID] = pubrec
		if h.write(pubrec) && pubrec.ReasonCode.IsError() {
			delete(h.messages, pubrec.PacketID)
		}
	}
}

func (h *incomingQoSHandler) handlePubrel(pubrel *PubrelPacket) error {
	prev := h.messages[pubrel.PacketID]

	switch p := prev.(type) {
	case *PubrecPacket:
		delete(h.messages, pubrel.PacketID)
		h.writePubcomp(pubrel, ReasonSuccess)
		return nil
	case nil:
		h.writePubcomp(pubrel, ReasonPacketIDNotFound)
		return nil
	case *PublishPacket:
		if p.QoS == 2 {
			return h.protocolError("PUBREL must not be received with the same packet identifier as a QoS 2 PUBLISH when no PUBREC has been sent yet", pubrel.PacketID)
		}
	}
	return h.protocolError("PUBREL must not be received with the same packet identifier as a QoS 1 PUBLISH", pubrel.PacketID)
}

func (h *incomingQoSHandler) writePubcomp(pubrel *PubrelPacket, code ReasonCode) {
	pubcomp := &PubcompPacket{PacketID: pubrel.PacketID, ReasonCode: code}
	if hook := h.qosInterceptor; hook != nil && hook.OnPubrel != nil {
		safeHook(h.logger, "OnPubrel", func() { hook.OnPubrel(pubrel, pubcomp) })
		pubcomp.PacketID = pubrel.PacketID
	}
	h.write(pubcomp)
}

// write sends an acknowledgement and flushes. It returns false when the
// packet could not be written.
func (h *incomingQoSHandler) write(packet Packet) bool {
	if h.conn == nil {
		return false
	}

	h.metrics.ackSent(packet.Type())
	if err := h.conn.Write(packet); err != nil {
		h.writeFailed(packet, err)
		return false
	}
	if err := h.conn.Flush(); err != nil {
		h.writeFailed(packet, err)
		return false
	}
	return true
}

func (h *incomingQoSHandler) writeFailed(packet Packet, err error) {
	if isTransportError(err) {
		h.logger.Debug("acknowledgement not written", LogFields{
			LogFieldPacketType: packet.Type().String(),
			LogFieldError:      err,
		})
		return
	}
	h.connErrorHandler(err)
}
