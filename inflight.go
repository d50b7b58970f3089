package mqttflow

type inflightKind uint8

const (
	inflightPublish inflightKind = iota
	inflightPubrel
)

// inflightEntry is an outgoing QoS 1/2 message that has not completed its
// handshake. A QoS 2 publish turns into a PUBREL entry in place once PUBREC
// arrives, keeping its identifier and its position in the FIFO.
type inflightEntry struct {
	kind     inflightKind
	packetID uint16

	publish *PublishPacket
	pubrel  *PubrelPacket

	// pubrec is kept for the QoS 2 complete result, latch for the
	// intermediate one.
	pubrec *PubrecPacket
	latch  *ackLatch

	flow *PublishFlow

	prev, next *inflightEntry
}

func (e *inflightEntry) toPubrel(pubrel *PubrelPacket) {
	e.kind = inflightPubrel
	e.pubrel = pubrel
}

// inflightTable indexes in-flight entries by packet identifier and keeps them
// in send order. Entries stay listed while unindexed so that a resumed session
// can resend them oldest first.
type inflightTable struct {
	slots []*inflightEntry

	head, tail *inflightEntry
	listed     int
	indexed    int
}

func newInflightTable(size int) *inflightTable {
	return &inflightTable{slots: make([]*inflightEntry, size+1)}
}

// add indexes e and appends it to the FIFO.
func (t *inflightTable) add(e *inflightEntry) {
	t.index(e)

	e.prev = t.tail
	e.next = nil
	if t.tail == nil {
		t.head = e
	} else {
		t.tail.next = e
	}
	t.tail = e
	t.listed++
}

// index makes e reachable by its packet identifier.
func (t *inflightTable) index(e *inflightEntry) {
	id := int(e.packetID)
	if id >= len(t.slots) {
		slots := make([]*inflightEntry, id+1)
		copy(slots, t.slots)
		t.slots = slots
	}
	if t.slots[id] == nil {
		t.indexed++
	}
	t.slots[id] = e
}

func (t *inflightTable) get(packetID uint16) *inflightEntry {
	if int(packetID) >= len(t.slots) {
		return nil
	}
	return t.slots[packetID]
}

// remove unindexes and unlinks e.
func (t *inflightTable) remove(e *inflightEntry) {
	t.unindex(e)

	if e.prev == nil {
		t.head = e.next
	} else {
		e.prev.next = e.next
	}
	if e.next == nil {
		t.tail = e.prev
	} else {
		e.next.prev = e.prev
	}
	e.prev, e.next = nil, nil
	t.listed--
}

func (t *inflightTable) unindex(e *inflightEntry) {
	id := int(e.packetID)
	if id < len(t.slots) && t.slots[id] == e {
		t.slots[id] = nil
		t.indexed--
	}
}

// clearIndex drops every identifier mapping and keeps the FIFO.
func (t *inflightTable) clearIndex() {
	clear(t.slots)
	t.indexed = 0
}

func (t *inflightTable) clear() {
	t.clearIndex()
	for e := t.head; e != nil; {
		next := e.next
		e.prev, e.next = nil, nil
		e = next
	}
	t.head, t.tail = nil, nil
	t.listed = 0
}

func (t *inflightTable) first() *inflightEntry {
	return t.head
}

func (t *inflightTable) len() int {
	return t.listed
}
