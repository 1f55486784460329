package core

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/miladsoleymani/chanmux/config"
)

// ChannelName identifies a logical channel.
type ChannelName string

const (
	// ChannelText carries UTF-8 text payloads.
	ChannelText ChannelName = "text"
	// ChannelStructured carries protobuf payloads.
	ChannelStructured ChannelName = "structured"
)

// Acks is the producer durability level.
type Acks int

const (
	AcksNone Acks = iota
	AcksLeader
	AcksAll
)

func (a Acks) String() string {
	switch a {
	case AcksNone:
		return "none"
	case AcksLeader:
		return "leader"
	case AcksAll:
		return "all"
	default:
		return fmt.Sprintf("acks(%d)", int(a))
	}
}

// ParseAcks accepts the Kafka spellings (0, 1, -1, all) and the names
// none, leader and all.
func ParseAcks(s string) (Acks, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "none":
		return AcksNone, nil
	case "1", "leader":
		return AcksLeader, nil
	case "-1", "all":
		return AcksAll, nil
	default:
		return 0, &ConfigError{Field: config.KeyAcks, Reason: fmt.Sprintf("unknown durability level %q", s)}
	}
}

// ChannelDescriptor is the immutable configuration bundle of one channel.
// Descriptors are values; builders copy every slice so a descriptor never
// shares memory with the configuration it came from.
type ChannelDescriptor struct {
	Name            ChannelName
	BrokerAddresses []string
	Topic           string
	GroupID         string
	Codec           CodecKind

	// Producer
	Acks        Acks
	Retries     int
	BatchSize   int
	Linger      time.Duration
	BufferBytes int64

	// Consumer
	SessionTimeout     time.Duration
	MaxPollInterval    time.Duration
	MaxPollRecords     int
	PollTimeout        time.Duration
	AutoCommitInterval time.Duration
	AutoOffsetReset    string
	Concurrency        int
}

// Brokers returns a copy of the broker endpoints.
func (d ChannelDescriptor) Brokers() []string {
	return slices.Clone(d.BrokerAddresses)
}

func (d ChannelDescriptor) String() string {
	return fmt.Sprintf("%s(topic=%s group=%s codec=%s)", d.Name, d.Topic, d.GroupID, d.Codec)
}

// BuildProducerDescriptor builds the producer side descriptor of channel ch.
func BuildProducerDescriptor(cfg *config.Config, ch ChannelName) (ChannelDescriptor, error) {
	return buildDescriptor(cfg, ch)
}

// BuildConsumerDescriptor builds the consumer side descriptor of channel ch.
// Auto-commit is never enabled; AutoCommitInterval is informational.
func BuildConsumerDescriptor(cfg *config.Config, ch ChannelName) (ChannelDescriptor, error) {
	d, err := buildDescriptor(cfg, ch)
	if err != nil {
		return ChannelDescriptor{}, err
	}
	if d.MaxPollRecords <= 0 {
		return ChannelDescriptor{}, &ConfigError{Field: config.KeyMaxPollRecords, Reason: "must be positive"}
	}
	if d.Concurrency <= 0 {
		return ChannelDescriptor{}, &ConfigError{Field: config.KeyConcurrency, Reason: "must be positive"}
	}
	return d, nil
}

func buildDescriptor(cfg *config.Config, ch ChannelName) (ChannelDescriptor, error) {
	if cfg == nil {
		return ChannelDescriptor{}, &ConfigError{Reason: "configuration is nil"}
	}
	k := cfg.Kafka

	var (
		cc    config.Channel
		codec CodecKind
		other config.Channel
	)
	switch ch {
	case ChannelText:
		cc, codec, other = k.Text, CodecText, k.Structured
	case ChannelStructured:
		cc, codec, other = k.Structured, CodecStructured, k.Text
	default:
		return ChannelDescriptor{}, &ConfigError{Field: "channel", Reason: fmt.Sprintf("unknown channel %q", ch)}
	}

	brokers := make([]string, 0, len(k.BootstrapServers))
	for _, b := range k.BootstrapServers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return ChannelDescriptor{}, &ConfigError{Field: config.KeyBootstrapServers, Reason: "at least one broker address is required"}
	}
	if cc.Topic == "" {
		return ChannelDescriptor{}, &ConfigError{Field: topicKey(ch), Reason: "is required"}
	}
	if cc.GroupID == "" {
		return ChannelDescriptor{}, &ConfigError{Field: groupKey(ch), Reason: "is required"}
	}
	if cc.GroupID == other.GroupID {
		return ChannelDescriptor{}, &ConfigError{Field: groupKey(ch), Reason: "channels must use different consumer groups"}
	}

	acks, err := ParseAcks(k.Acks)
	if err != nil {
		return ChannelDescriptor{}, err
	}

	return ChannelDescriptor{
		Name:               ch,
		BrokerAddresses:    brokers,
		Topic:              cc.Topic,
		GroupID:            cc.GroupID,
		Codec:              codec,
		Acks:               acks,
		Retries:            k.Retries,
		BatchSize:          k.BatchSize,
		Linger:             k.Linger(),
		BufferBytes:        k.BufferMemory,
		SessionTimeout:     k.SessionTimeout(),
		MaxPollInterval:    k.MaxPollInterval(),
		MaxPollRecords:     k.MaxPollRecords,
		PollTimeout:        k.PollTimeout(),
		AutoCommitInterval: k.AutoCommitInterval(),
		AutoOffsetReset:    "earliest",
		Concurrency:        k.Concurrency,
	}, nil
}

func topicKey(ch ChannelName) string {
	if ch == ChannelStructured {
		return config.KeyProtoTopic
	}
	return config.KeyTopic
}

func groupKey(ch ChannelName) string {
	if ch == ChannelStructured {
		return config.KeyProtoGroupID
	}
	return config.KeyGroupID
}
