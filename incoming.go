package mqttflow

// incomingRecord is a received publish and the flows it has not reached yet.
type incomingRecord struct {
	publish           *PublishPacket
	flows             []*IncomingFlow
	subscriptionFound bool

	// id orders QoS 1 and QoS 2 records by arrival.
	id uint64

	// missingAcks counts manual acknowledgement flows that received the
	// message but have not confirmed it.
	missingAcks int
}

func (r *incomingRecord) acknowledged() bool {
	return r.missingAcks == 0
}

// incomingService queues received publishes until every interested flow
// consumed them, and releases QoS 1 and QoS 2 publishes for acknowledgement
// in arrival order. Executor only.
type incomingService struct {
	executor  Executor
	logger    Logger
	metrics   *DeliveryMetrics
	errorSink func(error)
	flows     *incomingFlows

	// ack sends the broker acknowledgement of a QoS 1 or QoS 2 record.
	ack func(*incomingRecord)

	qos0Capacity int
	dropPolicy   DropPolicy
	qos0         []*incomingRecord
	qos12        []*incomingRecord
	nextID       uint64

	referencedFlows int
	blockingFlows   int
	runIndex        uint64
}

func newIncomingService(executor Executor, o *options, flows *incomingFlows) *incomingService {
	return &incomingService{
		executor:     executor,
		logger:       o.logger,
		metrics:      o.deliveryMetrics,
		errorSink:    o.errorSink,
		flows:        flows,
		qos0Capacity: o.qos0Capacity(o.receiveMaximum),
		dropPolicy:   o.qos0DropPolicy,
		nextID:       1,
	}
}

// onPublishQoS0 queues a QoS 0 publish, dropping one message when the queue is full.
func (s *incomingService) onPublishQoS0(publish *PublishPacket) {
	if len(s.qos0) >= s.qos0Capacity {
		s.metrics.qos0Dropped()
		s.logger.Warn("QoS 0 publish dropped", LogFields{
			LogFieldTopic:  publish.Topic,
			LogFieldQueued: len(s.qos0),
		})
		if s.dropPolicy == DropNewest {
			return
		}
		oldest := s.qos0[0]
		s.qos0[0] = nil
		s.qos0 = s.qos0[1:]
		for _, flow := range oldest.flows {
			s.release(flow)
		}
	}

	record := &incomingRecord{publish: publish}
	s.onPublish(record)
	if len(record.flows) > 0 {
		s.qos0 = append(s.qos0, record)
	}
	s.updateQueued()
}

// onPublishQoS12 queues a QoS 1 or QoS 2 publish. It returns false when the
// receive maximum is exceeded.
func (s *incomingService) onPublishQoS12(publish *PublishPacket, receiveMaximum int) bool {
	if len(s.qos12) >= receiveMaximum {
		return false
	}

	record := &incomingRecord{publish: publish, id: s.nextID}
	s.nextID++
	s.onPublish(record)

	if len(s.qos12) == 0 && len(record.flows) == 0 && record.acknowledged() {
		s.ack(record)
	} else {
		s.qos12 = append(s.qos12, record)
	}
	s.updateQueued()
	return true
}

func (s *incomingService) onPublish(record *incomingRecord) {
	s.flows.findMatching(record)
	if len(record.flows) == 0 {
		s.metrics.deliveryGap()
		s.logger.Warn("no flow registered for publish", LogFields{
			LogFieldTopic: record.publish.Topic,
			LogFieldQoS:   record.publish.QoS,
		})
	}

	s.drain()
	for _, flow := range record.flows {
		if flow.reference() == 1 {
			s.referencedFlows++
		}
	}
	s.emit(record)
}

// drain delivers queued messages to flows with demand, oldest first, and
// acknowledges the QoS 1 and QoS 2 messages that reached every flow.
func (s *incomingService) drain() {
	s.runIndex++
	s.blockingFlows = 0
	defer s.updateQueued()

	head := true
	for i := 0; i < len(s.qos12); {
		record := s.qos12[i]
		s.emit(record)
		if head && len(record.flows) == 0 && record.acknowledged() {
			s.qos12[0] = nil
			s.qos12 = s.qos12[1:]
			s.ack(record)
			continue
		}
		head = false
		if s.blockingFlows == s.referencedFlows {
			return
		}
		i++
	}
	if len(s.qos12) == 0 {
		s.qos12 = nil
	}

	for i := 0; i < len(s.qos0); {
		record := s.qos0[i]
		s.emit(record)
		if len(record.flows) == 0 {
			s.qos0 = append(s.qos0[:i], s.qos0[i+1:]...)
			continue
		}
		if s.blockingFlows == s.referencedFlows {
			return
		}
		i++
	}
	if len(s.qos0) == 0 {
		s.qos0 = nil
	}
}

// emit hands record to each of its flows that has demand.
func (s *incomingService) emit(record *incomingRecord) {
	kept := record.flows[:0]
	for i, flow := range record.flows {
		if flow.cancelled.Load() {
			s.release(flow)
			continue
		}

		n := flow.requested(s.runIndex)
		if n <= 0 {
			kept = append(kept, flow)
			if n == 0 {
				s.blockingFlows++
				if s.blockingFlows == s.referencedFlows {
					kept = append(kept, record.flows[i+1:]...)
					break
				}
			}
			continue
		}

		msg := &IncomingMessage{Publish: record.publish}
		if flow.manualAck {
			msg.flow = flow
			if record.publish.QoS > 0 {
				msg.record = record
				record.missingAcks++
				flow.missingAcks++
			}
		}
		flow.deliver(msg)
		if flow.dereference() == 0 {
			s.referencedFlows--
			flow.checkDone()
		}
	}
	clear(record.flows[len(kept):])
	record.flows = kept
}

// release drops one reference of a flow without delivering to it.
func (s *incomingService) release(flow *IncomingFlow) {
	if flow.dereference() == 0 {
		s.referencedFlows--
		flow.checkDone()
	}
}

// clear drops every queued message. Registered flows are failed separately.
func (s *incomingService) clear() {
	for _, queue := range [][]*incomingRecord{s.qos12, s.qos0} {
		for _, record := range queue {
			for _, flow := range record.flows {
				flow.referenced--
			}
		}
	}
	s.qos0 = nil
	s.qos12 = nil
	s.referencedFlows = 0
	s.blockingFlows = 0
	s.updateQueued()
}

func (s *incomingService) queued() int {
	return len(s.qos0) + len(s.qos12)
}

func (s *incomingService) updateQueued() {
	s.metrics.setIncomingQueued(s.queued())
}
