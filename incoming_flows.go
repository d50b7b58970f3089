package mqttflow

// GlobalFilter selects the incoming publishes a flow registered without a
// topic filter receives.
type GlobalFilter int

const (
	// GlobalSubscribed receives every publish that matched a subscription.
	GlobalSubscribed GlobalFilter = iota
	// GlobalUnsolicited receives every publish that matched no subscription.
	GlobalUnsolicited
	// GlobalAll receives every publish.
	GlobalAll
	// GlobalRemaining receives the publishes no other flow received.
	GlobalRemaining

	globalFilterCount
)

// String returns the string representation of the filter.
func (g GlobalFilter) String() string {
	switch g {
	case GlobalSubscribed:
		return "SUBSCRIBED"
	case GlobalUnsolicited:
		return "UNSOLICITED"
	case GlobalAll:
		return "ALL"
	case GlobalRemaining:
		return "REMAINING"
	default:
		return "UNKNOWN"
	}
}

func (g GlobalFilter) valid() bool {
	return g >= GlobalSubscribed && g < globalFilterCount
}

// incomingFlows is the registry of incoming flows: the subscription tree plus
// one list per global filter. Executor only.
type incomingFlows struct {
	tree    topicTree
	global  [globalFilterCount][]*IncomingFlow
	matchID uint64
}

// subscribe registers every subscription of sub for flow, which may be nil
// when the messages are only consumed by global flows.
func (r *incomingFlows) subscribe(sub *SubscribePacket, flow *IncomingFlow) error {
	filters := make([]topicFilter, len(sub.Subscriptions))
	for i, s := range sub.Subscriptions {
		f, err := parseTopicFilter(s.TopicFilter)
		if err != nil {
			return err
		}
		filters[i] = f
	}
	for i, s := range sub.Subscriptions {
		r.tree.subscribe(filters[i], s, int(sub.SubscriptionID), flow)
	}
	return nil
}

// suback applies the reason codes of a SUBACK. A reason code count that does
// not match the subscriptions fails all of them. It returns one error per
// failed subscription and the flows left without any subscription.
func (r *incomingFlows) suback(sub *SubscribePacket, suback *SubackPacket) ([]error, []*IncomingFlow) {
	countMismatch := len(suback.ReasonCodes) != len(sub.Subscriptions)

	var errs []error
	var orphaned []*IncomingFlow
	for i, s := range sub.Subscriptions {
		filter, err := parseTopicFilter(s.TopicFilter)
		if err != nil {
			continue
		}

		code := ReasonProtocolError
		if !countMismatch {
			code = suback.ReasonCodes[i]
		}
		failed := code.IsError()
		if failed {
			errs = append(errs, newSubscribeError(s.TopicFilter, code, suback.ReasonString))
		}

		for _, flow := range r.tree.suback(filter, int(sub.SubscriptionID), failed) {
			if !flow.subscribed() {
				orphaned = append(orphaned, flow)
			}
		}
	}
	return errs, orphaned
}

// unsubscribe removes the filters the UNSUBACK confirmed. Flows left without
// any subscription are returned.
func (r *incomingFlows) unsubscribe(unsub *UnsubscribePacket, unsuback *UnsubackPacket) []*IncomingFlow {
	allSuccess := len(unsuback.ReasonCodes) == 0

	var orphaned []*IncomingFlow
	for i, text := range unsub.TopicFilters {
		if !allSuccess && (i >= len(unsuback.ReasonCodes) || unsuback.ReasonCodes[i].IsError()) {
			continue
		}
		filter, err := parseTopicFilter(text)
		if err != nil {
			continue
		}
		for _, flow := range r.tree.unsubscribe(filter) {
			if !flow.subscribed() {
				orphaned = append(orphaned, flow)
			}
		}
	}
	return orphaned
}

func (r *incomingFlows) subscribeGlobal(filter GlobalFilter, flow *IncomingFlow) {
	flow.global = filter
	flow.registered = true
	r.global[filter] = append(r.global[filter], flow)
}

// cancel removes flow from the registry.
func (r *incomingFlows) cancel(flow *IncomingFlow) {
	r.tree.cancel(flow)
	r.cancelGlobal(flow)
}

func (r *incomingFlows) cancelGlobal(flow *IncomingFlow) {
	if !flow.registered {
		return
	}
	flow.registered = false

	list := r.global[flow.global]
	for i, f := range list {
		if f == flow {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		list = nil
	}
	r.global[flow.global] = list
}

// findMatching fills record with the interested flows, each at most once.
func (r *incomingFlows) findMatching(record *incomingRecord) {
	r.matchID++
	id := r.matchID
	add := func(flow *IncomingFlow) {
		if flow.matchSeq != id {
			flow.matchSeq = id
			record.flows = append(record.flows, flow)
		}
	}

	m := matchResult{add: add}
	r.tree.findMatching(record.publish.Topic, &m)
	record.subscriptionFound = m.found

	if m.found {
		r.addGlobal(GlobalSubscribed, add)
	} else {
		r.addGlobal(GlobalUnsolicited, add)
	}
	r.addGlobal(GlobalAll, add)
	if len(record.flows) == 0 {
		r.addGlobal(GlobalRemaining, add)
	}
}

func (r *incomingFlows) addGlobal(filter GlobalFilter, add func(*IncomingFlow)) {
	for _, flow := range r.global[filter] {
		add(flow)
	}
}

// clear fails every registered flow with cause.
func (r *incomingFlows) clear(cause error) {
	r.tree.clear(cause)
	for i := range r.global {
		list := r.global[i]
		r.global[i] = nil
		for _, flow := range list {
			flow.registered = false
			flow.onError(cause)
		}
	}
}

func (r *incomingFlows) subscriptions() []SubscriptionGroup {
	return r.tree.subscriptions()
}
