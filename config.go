package mqttflow

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// DropPolicy selects which QoS 0 message is discarded when the QoS 0 queue is full.
type DropPolicy int

const (
	// DropOldest evicts the oldest queued message to make room.
	DropOldest DropPolicy = iota
	// DropNewest discards the message that just arrived.
	DropNewest
)

// String returns the configuration name of the policy.
func (p DropPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// ParseDropPolicy parses a policy name; an empty string selects DropOldest.
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop_oldest":
		return DropOldest, nil
	case "drop_newest":
		return DropNewest, nil
	default:
		return DropOldest, fmt.Errorf("unknown QoS 0 drop policy %q", s)
	}
}

// Config is the declarative engine configuration, typically loaded from YAML.
// Zero values select the defaults.
type Config struct {
	// SendMaximum caps the number of outgoing QoS 1/2 messages in flight.
	// The negotiated broker value applies when it is lower.
	SendMaximum int `yaml:"send_maximum" json:"send_maximum"`

	// ReceiveMaximum is the number of incoming QoS 1/2 messages the client
	// accepts before acknowledging them.
	ReceiveMaximum int `yaml:"receive_maximum" json:"receive_maximum"`

	// QoS0QueueSize bounds the incoming QoS 0 queue. Defaults to ReceiveMaximum.
	QoS0QueueSize int `yaml:"qos0_queue_size" json:"qos0_queue_size"`

	// QoS0DropPolicy is drop_oldest or drop_newest.
	QoS0DropPolicy string `yaml:"qos0_drop_policy" json:"qos0_drop_policy"`

	// QoS2CompleteResult reports QoS 2 results after PUBCOMP instead of after PUBREC.
	QoS2CompleteResult bool `yaml:"qos2_complete_result" json:"qos2_complete_result"`

	// MaxWritesPerRun bounds the packets written per drain iteration.
	MaxWritesPerRun int `yaml:"max_writes_per_run" json:"max_writes_per_run"`

	// PublishRate limits new publishes per second; zero disables the limit.
	PublishRate float64 `yaml:"publish_rate" json:"publish_rate"`

	// PublishBurst is the limiter burst; defaults to 1 when a rate is set.
	PublishBurst int `yaml:"publish_burst" json:"publish_burst"`

	// LogLevel is used by loggers built from the configuration.
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		SendMaximum:     maxSendMaximum,
		ReceiveMaximum:  maxPacketID,
		QoS0DropPolicy:  DropOldest.String(),
		MaxWritesPerRun: defaultWritesPerRun,
		LogLevel:        LogLevelInfo.String(),
	}
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig parses YAML on top of DefaultConfig and validates the result.
func ParseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()
	if len(b) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var err error

	if c.SendMaximum < 0 || c.SendMaximum > maxPacketID {
		err = multierr.Append(err, fmt.Errorf("%w: send_maximum %d out of range 0..%d", ErrInvalidConfig, c.SendMaximum, maxPacketID))
	}
	if c.ReceiveMaximum < 0 || c.ReceiveMaximum > maxPacketID {
		err = multierr.Append(err, fmt.Errorf("%w: receive_maximum %d out of range 0..%d", ErrInvalidConfig, c.ReceiveMaximum, maxPacketID))
	}
	if c.QoS0QueueSize < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: qos0_queue_size must not be negative", ErrInvalidConfig))
	}
	if _, perr := ParseDropPolicy(c.QoS0DropPolicy); perr != nil {
		err = multierr.Append(err, fmt.Errorf("%w: %w", ErrInvalidConfig, perr))
	}
	if c.MaxWritesPerRun < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: max_writes_per_run must not be negative", ErrInvalidConfig))
	}
	if c.PublishRate < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: publish_rate must not be negative", ErrInvalidConfig))
	}
	if c.PublishBurst < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: publish_burst must not be negative", ErrInvalidConfig))
	}
	if _, lerr := ParseLogLevel(c.LogLevel); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("%w: %w", ErrInvalidConfig, lerr))
	}

	return err
}

// apply copies the configuration into o. It assumes c is valid.
func (c Config) apply(o *options) {
	if c.SendMaximum > 0 {
		o.sendMaximum = c.SendMaximum
	}
	if c.ReceiveMaximum > 0 {
		o.receiveMaximum = c.ReceiveMaximum
	}
	o.qos0QueueSize = c.QoS0QueueSize
	o.qos0DropPolicy, _ = ParseDropPolicy(c.QoS0DropPolicy)
	o.qos2CompleteResult = c.QoS2CompleteResult
	if c.MaxWritesPerRun > 0 {
		o.maxWritesPerRun = c.MaxWritesPerRun
	}
	if c.PublishRate > 0 {
		o.publishLimit = rate.Limit(c.PublishRate)
		o.publishBurst = max(c.PublishBurst, 1)
	}
}
