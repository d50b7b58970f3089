package mqttflow

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidTopicName   = errors.New("invalid topic name")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
	ErrEmptyTopic         = errors.New("topic cannot be empty")
)

const (
	topicSeparator      = '/'
	singleLevelWildcard = '+'
	multiLevelWildcard  = '#'

	sharePrefix = "$share/"
)

// ValidateTopicName validates a topic name according to MQTT v5.0 specification.
// Topic names cannot contain wildcards and must be valid UTF-8.
// MQTT v5.0 spec: Section 4.7.1
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	if !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}

	for _, r := range topic {
		if r == 0 {
			return ErrInvalidTopicName
		}
		if r == singleLevelWildcard || r == multiLevelWildcard {
			return ErrInvalidTopicName
		}
	}

	return nil
}

// ValidateTopicFilter validates a topic filter according to MQTT v5.0 specification.
// Topic filters can contain wildcards but must follow wildcard rules.
// MQTT v5.0 spec: Section 4.7.1
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}

	if !utf8.ValidString(filter) {
		return ErrInvalidTopicFilter
	}

	for _, r := range filter {
		if r == 0 {
			return ErrInvalidTopicFilter
		}
	}

	levels := strings.Split(filter, string(topicSeparator))

	for i, level := range levels {
		// Single-level wildcard must occupy entire level
		if strings.ContainsRune(level, singleLevelWildcard) && level != string(singleLevelWildcard) {
			return ErrInvalidTopicFilter
		}

		// Multi-level wildcard must be last level and occupy entire level
		if strings.ContainsRune(level, multiLevelWildcard) {
			if level != string(multiLevelWildcard) || i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		}
	}

	return nil
}

// TopicMatch checks if a topic name matches a topic filter.
// MQTT v5.0 spec: Section 4.7
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}

	// System topics don't match wildcards at root level
	if topic[0] == '$' {
		if filter[0] == singleLevelWildcard || filter[0] == multiLevelWildcard {
			return false
		}
	}

	return matchTopicNoAlloc(filter, topic)
}

// matchTopicNoAlloc matches topic against filter level by level without splitting.
func matchTopicNoAlloc(filter, topic string) bool {
	fi, ti := 0, 0

	for {
		fend := levelEnd(filter, fi)
		flevel := filter[fi:fend]

		// Multi-level wildcard matches everything remaining
		if flevel == "#" {
			return true
		}

		tend := levelEnd(topic, ti)
		if flevel != "+" && flevel != topic[ti:tend] {
			return false
		}

		filterDone := fend == len(filter)
		topicDone := tend == len(topic)

		if filterDone || topicDone {
			if filterDone && topicDone {
				return true
			}
			// "a/#" also matches "a"
			return topicDone && filter[fend+1:] == "#"
		}

		fi, ti = fend+1, tend+1
	}
}

func levelEnd(s string, from int) int {
	if i := strings.IndexByte(s[from:], topicSeparator); i >= 0 {
		return from + i
	}
	return len(s)
}

// SharedSubscription represents a parsed shared subscription.
// MQTT v5.0 spec: Section 4.8.2
type SharedSubscription struct {
	ShareName   string
	TopicFilter string
}

// ParseSharedSubscription parses a shared subscription filter.
// Shared subscriptions have the format: $share/{ShareName}/{TopicFilter}
// MQTT v5.0 spec: Section 4.8.2
func ParseSharedSubscription(filter string) (*SharedSubscription, error) {
	if !isSharedSubscription(filter) {
		return nil, nil // Not a shared subscription
	}

	rest := filter[len(sharePrefix):]
	idx := strings.IndexByte(rest, topicSeparator)
	if idx <= 0 {
		return nil, ErrInvalidTopicFilter
	}

	shareName := rest[:idx]
	topicFilter := rest[idx+1:]

	if topicFilter == "" {
		return nil, ErrInvalidTopicFilter
	}

	if err := ValidateTopicFilter(topicFilter); err != nil {
		return nil, err
	}

	return &SharedSubscription{
		ShareName:   shareName,
		TopicFilter: topicFilter,
	}, nil
}

// isSharedSubscription returns true if the filter is a shared subscription.
func isSharedSubscription(filter string) bool {
	return strings.HasPrefix(filter, sharePrefix)
}

// topicFilter is a validated filter split into the parts the topic tree keys on.
type topicFilter struct {
	// prefix is "$share/{ShareName}/" for shared subscriptions, empty otherwise.
	prefix string

	// levels excludes a trailing multi-level wildcard.
	levels []string

	// multi is set when the filter ends with "#".
	multi bool
}

func parseTopicFilter(filter string) (topicFilter, error) {
	var f topicFilter

	shared, err := ParseSharedSubscription(filter)
	if err != nil {
		return f, err
	}

	plain := filter
	if shared != nil {
		plain = shared.TopicFilter
		f.prefix = sharePrefix + shared.ShareName + string(topicSeparator)
	} else if err := ValidateTopicFilter(filter); err != nil {
		return f, err
	}

	switch {
	case plain == "#":
		f.multi = true
	case strings.HasSuffix(plain, "/#"):
		f.multi = true
		f.levels = strings.Split(plain[:len(plain)-2], string(topicSeparator))
	default:
		f.levels = strings.Split(plain, string(topicSeparator))
	}

	return f, nil
}

// String rebuilds the filter text.
func (f topicFilter) String() string {
	return joinFilter(f.prefix, f.levels, f.multi)
}

func joinFilter(prefix string, levels []string, multi bool) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(strings.Join(levels, string(topicSeparator)))
	if multi {
		if len(levels) > 0 {
			b.WriteByte(topicSeparator)
		}
		b.WriteByte(multiLevelWildcard)
	}
	return b.String()
}

// topicLevels walks the levels of a filter during tree updates.
type topicLevels struct {
	levels []string
	pos    int
}

func (t *topicLevels) hasNext() bool {
	return t.pos < len(t.levels)
}

func (t *topicLevels) next() string {
	level := t.levels[t.pos]
	t.pos++
	return level
}

// trim returns the run from the level last returned by next to the end and
// exhausts the iterator.
func (t *topicLevels) trim() []string {
	run := make([]string, len(t.levels)-t.pos+1)
	copy(run, t.levels[t.pos-1:])
	t.pos = len(t.levels)
	return run
}

// forwardWhileEqual advances over the levels equal to run[1:] and returns the
// index in run where the two diverge.
func (t *topicLevels) forwardWhileEqual(run []string) int {
	i := 1
	for i < len(run) && t.hasNext() && t.levels[t.pos] == run[i] {
		t.pos++
		i++
	}
	return i
}

// forwardIfEqual advances over rest if the remaining levels start with it.
func (t *topicLevels) forwardIfEqual(rest []string) bool {
	if len(t.levels)-t.pos < len(rest) {
		return false
	}
	for i, level := range rest {
		if t.levels[t.pos+i] != level {
			return false
		}
	}
	t.pos += len(rest)
	return true
}
