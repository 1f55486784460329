// Package config holds the process configuration of a chanmux deployment.
//
// The recognized keys mirror the Kafka client property names (for example
// "kafka.bootstrap.servers" or "kafka.max.poll.interval.ms") so existing
// property files can be reused unchanged. A Config is built once at startup,
// validated, and then passed by pointer into the descriptor factories.
package config

import "time"

// Config is the root configuration.
type Config struct {
	Kafka      Kafka
	DeadLetter DeadLetter
	Log        Log
	Metrics    Metrics
}

// Kafka groups producer, consumer and runtime tunables shared by both channels.
type Kafka struct {
	// BootstrapServers is the ordered list of broker endpoints (host:port).
	BootstrapServers []string `validate:"required,min=1,dive,required,hostname_port"`

	// Acks is the producer durability level: 0/none, 1/leader, -1/all.
	Acks string `validate:"required,oneof=0 1 -1 all none leader"`

	Retries      int   `validate:"gte=0"`
	BatchSize    int   `validate:"gt=0"`
	LingerMs     int64 `validate:"gte=0"`
	BufferMemory int64 `validate:"gt=0"`

	// AutoCommitIntervalMs is carried for completeness only. Auto-commit is
	// always disabled.
	AutoCommitIntervalMs int64 `validate:"gte=0"`

	SessionTimeoutMs  int64 `validate:"gt=0"`
	MaxPollIntervalMs int64 `validate:"gt=0"`
	MaxPollRecords    int   `validate:"gt=0"`
	PollTimeoutMs     int64 `validate:"gt=0"`

	// Concurrency is the number of fetch/dispatch pipelines per channel.
	Concurrency int `validate:"gt=0"`

	// CorePoolSize sizes both the fetch pool and the dispatch pool.
	CorePoolSize int `validate:"gt=0"`

	ShutdownGraceMs int64 `validate:"gte=0"`

	Text       Channel
	Structured Channel
}

// Channel is the per-channel part of the configuration.
type Channel struct {
	Topic   string `validate:"required"`
	GroupID string `validate:"required"`
}

// DeadLetter selects where records rejected by the failure policy are sent.
// An empty Driver disables dead-lettering.
type DeadLetter struct {
	Driver string `validate:"omitempty,oneof=kafka nats rabbitmq memory"`
	Topic  string `validate:"required_with=Driver"`
	URL    string
}

// Log configures the process logger.
type Log struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json text"`
}

// Metrics configures the Prometheus endpoint. An empty Addr disables it.
type Metrics struct {
	Addr string
}

// Linger returns the producer linger as a duration.
func (k Kafka) Linger() time.Duration { return ms(k.LingerMs) }

// SessionTimeout returns the consumer session timeout as a duration.
func (k Kafka) SessionTimeout() time.Duration { return ms(k.SessionTimeoutMs) }

// MaxPollInterval returns the liveness window of a consumer as a duration.
func (k Kafka) MaxPollInterval() time.Duration { return ms(k.MaxPollIntervalMs) }

// AutoCommitInterval returns the (informational) auto-commit interval.
func (k Kafka) AutoCommitInterval() time.Duration { return ms(k.AutoCommitIntervalMs) }

// PollTimeout returns the upper bound of a single poll.
func (k Kafka) PollTimeout() time.Duration { return ms(k.PollTimeoutMs) }

// ShutdownGrace returns how long in-flight work may drain on shutdown.
func (k Kafka) ShutdownGrace() time.Duration { return ms(k.ShutdownGraceMs) }

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// Default returns a configuration populated with the default tunables and
// no topics or group ids.
func Default() *Config {
	return &Config{
		Kafka: Kafka{
			BootstrapServers:     []string{"localhost:9092"},
			Acks:                 "all",
			Retries:              3,
			BatchSize:            16384,
			LingerMs:             1,
			BufferMemory:         32 << 20,
			AutoCommitIntervalMs: 5000,
			SessionTimeoutMs:     10000,
			MaxPollIntervalMs:    300000,
			MaxPollRecords:       500,
			PollTimeoutMs:        1000,
			Concurrency:          1,
			CorePoolSize:         10,
			ShutdownGraceMs:      10000,
		},
		Log: Log{Level: "info", Format: "json"},
	}
}
