package mqttflow

import (
	"slices"
	"sort"
	"strings"
)

// topicTreeEntry is one subscription registered in the tree.
type topicTreeEntry struct {
	subscriptionID int
	options        byte
	prefix         string
	flow           *IncomingFlow
	acknowledged   bool
}

// topicTreeNode holds a run of one or more levels. A run has more than one
// level only when the intermediate levels carry no entries and do not branch.
type topicTreeNode struct {
	parent *topicTreeNode
	levels []string // nil for the root

	next   map[string]*topicTreeNode // keyed by the first level of the child
	single *topicTreeNode            // child whose run starts with "+"

	entries      []*topicTreeEntry
	multiEntries []*topicTreeEntry
}

// topicTree maps topic names to the subscriptions whose filters match them.
// Executor only.
type topicTree struct {
	root topicTreeNode
}

// subscribe adds an entry for sub. The entry is owned by flow, which may be nil.
func (t *topicTree) subscribe(filter topicFilter, sub Subscription, subscriptionID int, flow *IncomingFlow) {
	entry := &topicTreeEntry{
		subscriptionID: subscriptionID,
		options:        sub.encodeOptions(),
		prefix:         filter.prefix,
		flow:           flow,
	}
	if flow != nil {
		flow.addEntry(entry)
	}

	it := topicLevels{levels: filter.levels}
	node := &t.root
	for it.hasNext() {
		node = node.child(&it)
	}
	if filter.multi {
		node.multiEntries = append(node.multiEntries, entry)
	} else {
		node.entries = append(node.entries, entry)
	}
}

// child returns the node for the next level of it, creating or splitting
// nodes as needed.
func (n *topicTreeNode) child(it *topicLevels) *topicTreeNode {
	level := it.next()

	var c *topicTreeNode
	if level == string(singleLevelWildcard) {
		c = n.single
	} else {
		c = n.next[level]
	}

	if c == nil {
		c = &topicTreeNode{parent: n, levels: it.trim()}
		n.link(c)
		return c
	}

	split := it.forwardWhileEqual(c.levels)
	if split == len(c.levels) {
		return c
	}

	before := &topicTreeNode{parent: n, levels: slices.Clone(c.levels[:split])}
	n.link(before)
	c.parent = before
	c.levels = c.levels[split:]
	before.link(c)
	return before
}

// link makes c a child of n, replacing the child with the same first level.
func (n *topicTreeNode) link(c *topicTreeNode) {
	first := c.levels[0]
	if first == string(singleLevelWildcard) {
		n.single = c
		return
	}
	if n.next == nil {
		n.next = make(map[string]*topicTreeNode)
	}
	n.next[first] = c
}

func (n *topicTreeNode) unlink(c *topicTreeNode) {
	first := c.levels[0]
	if first == string(singleLevelWildcard) {
		n.single = nil
		return
	}
	delete(n.next, first)
	if len(n.next) == 0 {
		n.next = nil
	}
}

// find returns the node holding the entries of filter, or nil.
func (t *topicTree) find(filter topicFilter) *topicTreeNode {
	it := topicLevels{levels: filter.levels}
	node := &t.root
	for node != nil && it.hasNext() {
		level := it.next()
		if level == string(singleLevelWildcard) {
			node = node.single
		} else {
			node = node.next[level]
		}
		if node != nil && !it.forwardIfEqual(node.levels[1:]) {
			return nil
		}
	}
	return node
}

func (n *topicTreeNode) bucket(multi bool) *[]*topicTreeEntry {
	if multi {
		return &n.multiEntries
	}
	return &n.entries
}

// suback marks the entries of filter registered with subscriptionID as
// acknowledged, or removes them when the subscription failed. It returns the
// flows that lost an entry.
func (t *topicTree) suback(filter topicFilter, subscriptionID int, failed bool) []*IncomingFlow {
	node := t.find(filter)
	if node == nil {
		return nil
	}

	var detached []*IncomingFlow
	bucket := node.bucket(filter.multi)
	*bucket = slices.DeleteFunc(*bucket, func(e *topicTreeEntry) bool {
		if e.subscriptionID != subscriptionID || e.prefix != filter.prefix {
			return false
		}
		if !failed {
			e.acknowledged = true
			return false
		}
		if f := e.flow; f != nil {
			f.removeEntry(e)
			detached = append(detached, f)
		}
		return true
	})
	if len(*bucket) == 0 {
		*bucket = nil
	}

	node.compact()
	return detached
}

// unsubscribe removes the acknowledged entries of filter. It returns the flows
// that lost an entry.
func (t *topicTree) unsubscribe(filter topicFilter) []*IncomingFlow {
	node := t.find(filter)
	if node == nil {
		return nil
	}

	var detached []*IncomingFlow
	bucket := node.bucket(filter.multi)
	*bucket = slices.DeleteFunc(*bucket, func(e *topicTreeEntry) bool {
		if e.prefix != filter.prefix || !e.acknowledged {
			return false
		}
		if f := e.flow; f != nil {
			f.removeEntry(e)
			detached = append(detached, f)
		}
		return true
	})
	if len(*bucket) == 0 {
		*bucket = nil
	}

	node.compact()
	return detached
}

// cancel detaches flow from its entries. The entries stay in the tree until
// they are unsubscribed or rejected.
func (t *topicTree) cancel(flow *IncomingFlow) {
	for e := range flow.entries {
		e.flow = nil
	}
	clear(flow.entries)
}

// compact removes n when it became empty and fuses it with its only child.
func (n *topicTreeNode) compact() {
	for n.parent != nil && n.entries == nil && n.multiEntries == nil {
		parent := n.parent
		switch {
		case n.single == nil && n.next == nil:
			parent.unlink(n)
			n = parent
			continue
		case n.next == nil:
			n.fuse(n.single)
		case n.single == nil && len(n.next) == 1:
			for _, c := range n.next {
				n.fuse(c)
			}
		}
		return
	}
}

// fuse replaces n by its only child c, prepending the levels of n.
func (n *topicTreeNode) fuse(c *topicTreeNode) {
	parent := n.parent
	levels := make([]string, 0, len(n.levels)+len(c.levels))
	levels = append(levels, n.levels...)
	levels = append(levels, c.levels...)

	c.levels = levels
	c.parent = parent
	parent.link(c)
}

// matchResult collects the flows interested in one topic.
type matchResult struct {
	// found is set when any subscription entry matched, even one whose flow
	// was cancelled or that is not acknowledged yet.
	found bool
	add   func(*IncomingFlow)
}

// findMatching reports every flow with a subscription matching topic.
func (t *topicTree) findMatching(topic string, m *matchResult) {
	t.root.match(splitTopic(topic), 0, m)
}

func splitTopic(topic string) []string {
	return strings.Split(topic, string(topicSeparator))
}

func (n *topicTreeNode) match(topic []string, pos int, m *matchResult) {
	if pos == len(topic) {
		m.visit(n.entries)
		m.visit(n.multiEntries)
		return
	}

	m.visit(n.multiEntries)

	if c := n.next[topic[pos]]; c != nil && c.matchRun(topic, pos) {
		c.match(topic, pos+len(c.levels), m)
	}
	if c := n.single; c != nil && c.matchRun(topic, pos) {
		c.match(topic, pos+len(c.levels), m)
	}
}

// matchRun reports whether the levels of n after the first match topic from pos.
func (n *topicTreeNode) matchRun(topic []string, pos int) bool {
	if len(topic)-pos < len(n.levels) {
		return false
	}
	for i := 1; i < len(n.levels); i++ {
		level := n.levels[i]
		if level != string(singleLevelWildcard) && level != topic[pos+i] {
			return false
		}
	}
	return true
}

func (m *matchResult) visit(entries []*topicTreeEntry) {
	if len(entries) == 0 {
		return
	}
	m.found = true
	for _, e := range entries {
		if e.flow != nil {
			m.add(e.flow)
		}
	}
}

// SubscriptionGroup lists the acknowledged subscriptions made with one
// subscription identifier.
type SubscriptionGroup struct {
	SubscriptionID int
	Subscriptions  []Subscription
}

// subscriptions rebuilds the acknowledged subscriptions, grouped by
// subscription identifier with the newest identifier first.
func (t *topicTree) subscriptions() []SubscriptionGroup {
	type queued struct {
		node   *topicTreeNode
		levels []string
	}

	groups := make(map[int][]Subscription)
	queue := []queued{{node: &t.root}}

	for len(queue) > 0 {
		q := queue[0]
		queue = queue[1:]

		levels := q.levels
		if q.node.levels != nil {
			levels = append(slices.Clip(levels), q.node.levels...)
		}

		collectSubscriptions(q.node.entries, levels, false, groups)
		collectSubscriptions(q.node.multiEntries, levels, true, groups)

		keys := make([]string, 0, len(q.node.next))
		for k := range q.node.next {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			queue = append(queue, queued{node: q.node.next[k], levels: levels})
		}
		if q.node.single != nil {
			queue = append(queue, queued{node: q.node.single, levels: levels})
		}
	}

	ids := make([]int, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))

	result := make([]SubscriptionGroup, 0, len(ids))
	for _, id := range ids {
		result = append(result, SubscriptionGroup{SubscriptionID: id, Subscriptions: groups[id]})
	}
	return result
}

// collectSubscriptions adds the acknowledged entries newest first. Only the
// newest non-shared entry is kept since it replaced the older ones.
func collectSubscriptions(entries []*topicTreeEntry, levels []string, multi bool, groups map[int][]Subscription) {
	exactFound := false
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if !e.acknowledged {
			continue
		}
		if e.prefix == "" {
			if exactFound {
				continue
			}
			exactFound = true
		}
		filter := joinFilter(e.prefix, levels, multi)
		groups[e.subscriptionID] = append(groups[e.subscriptionID], decodeSubscriptionOptions(filter, e.options))
	}
}

// clear fails every flow owning an acknowledged entry and empties the tree.
// Flows whose subscriptions are still pending only lose their entries.
func (t *topicTree) clear(cause error) {
	var walk func(n *topicTreeNode)
	walk = func(n *topicTreeNode) {
		for _, entries := range [][]*topicTreeEntry{n.entries, n.multiEntries} {
			for _, e := range entries {
				f := e.flow
				if f == nil {
					continue
				}
				f.removeEntry(e)
				if e.acknowledged {
					f.onError(cause)
				}
			}
		}
		for _, c := range n.next {
			walk(c)
		}
		if n.single != nil {
			walk(n.single)
		}
	}
	walk(&t.root)
	t.root = topicTreeNode{}
}

// empty reports whether the tree holds no nodes and no entries.
func (t *topicTree) empty() bool {
	r := &t.root
	return r.next == nil && r.single == nil && r.entries == nil && r.multiEntries == nil
}
