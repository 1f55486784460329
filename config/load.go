package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: kafka.group.id is read from
// CHANMUX_KAFKA_GROUP_ID.
const EnvPrefix = "CHANMUX"

// Property keys.
const (
	KeyBootstrapServers   = "kafka.bootstrap.servers"
	KeyAcks               = "kafka.acks"
	KeyRetries            = "kafka.retries"
	KeyBatchSize          = "kafka.batch.size"
	KeyLingerMs           = "kafka.linger.ms"
	KeyBufferMemory       = "kafka.buffer.memory"
	KeyGroupID            = "kafka.group.id"
	KeyTopic              = "kafka.topic"
	KeyProtoGroupID       = "kafka.proto.group.id"
	KeyProtoTopic         = "kafka.proto.topic"
	KeyAutoCommitInterval = "kafka.auto.commit.interval.ms"
	KeySessionTimeout     = "kafka.session.timeout.ms"
	KeyMaxPollInterval    = "kafka.max.poll.interval.ms"
	KeyMaxPollRecords     = "kafka.max.poll.records"
	KeyPollTimeout        = "kafka.poll.timeout.ms"
	KeyConcurrency        = "kafka.concurrency"
	KeyCorePoolSize       = "kafka.core.pool.size"
	KeyShutdownGrace      = "kafka.shutdown.grace.ms"
	KeyDeadLetterDriver   = "deadletter.driver"
	KeyDeadLetterTopic    = "deadletter.topic"
	KeyDeadLetterURL      = "deadletter.url"
	KeyLogLevel           = "log.level"
	KeyLogFormat          = "log.format"
	KeyMetricsAddr        = "metrics.addr"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Load reads the configuration file at path (properties, yaml, json or any
// other format viper infers from the extension), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("chanmux: read config %q: %w", path, err)
	}
	return FromViper(v)
}

// LoadBytes is Load for in-memory configuration. configType is a viper
// format name such as "properties" or "yaml".
func LoadBytes(configType string, data []byte) (*Config, error) {
	if strings.TrimSpace(configType) == "" {
		return nil, &Error{Reason: "config type is required"}
	}
	v := newViper()
	v.SetConfigType(configType)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("chanmux: parse config: %w", err)
	}
	return FromViper(v)
}

// FromViper builds and validates a Config from an already populated viper
// instance. Defaults are registered on v when missing.
func FromViper(v *viper.Viper) (*Config, error) {
	if v == nil {
		return nil, errors.New("chanmux: viper instance is nil")
	}
	setDefaults(v)

	cfg := &Config{
		Kafka: Kafka{
			BootstrapServers:     stringList(v, KeyBootstrapServers),
			Acks:                 strings.ToLower(strings.TrimSpace(v.GetString(KeyAcks))),
			Retries:              v.GetInt(KeyRetries),
			BatchSize:            v.GetInt(KeyBatchSize),
			LingerMs:             v.GetInt64(KeyLingerMs),
			BufferMemory:         v.GetInt64(KeyBufferMemory),
			AutoCommitIntervalMs: v.GetInt64(KeyAutoCommitInterval),
			SessionTimeoutMs:     v.GetInt64(KeySessionTimeout),
			MaxPollIntervalMs:    v.GetInt64(KeyMaxPollInterval),
			MaxPollRecords:       v.GetInt(KeyMaxPollRecords),
			PollTimeoutMs:        v.GetInt64(KeyPollTimeout),
			Concurrency:          v.GetInt(KeyConcurrency),
			CorePoolSize:         v.GetInt(KeyCorePoolSize),
			ShutdownGraceMs:      v.GetInt64(KeyShutdownGrace),
			Text: Channel{
				Topic:   v.GetString(KeyTopic),
				GroupID: v.GetString(KeyGroupID),
			},
			Structured: Channel{
				Topic:   v.GetString(KeyProtoTopic),
				GroupID: v.GetString(KeyProtoGroupID),
			},
		},
		DeadLetter: DeadLetter{
			Driver: v.GetString(KeyDeadLetterDriver),
			Topic:  v.GetString(KeyDeadLetterTopic),
			URL:    v.GetString(KeyDeadLetterURL),
		},
		Log: Log{
			Level:  strings.ToLower(v.GetString(KeyLogLevel)),
			Format: strings.ToLower(v.GetString(KeyLogFormat)),
		},
		Metrics: Metrics{Addr: v.GetString(KeyMetricsAddr)},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field and the cross-channel constraints. The
// returned error joins one *Error per violation.
func (c *Config) Validate() error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterStructValidation(validateChannels, Kafka{})
	})
	if err := validate.Struct(c); err != nil {
		return fromValidation(err)
	}
	return nil
}

// validateChannels rejects a shared consumer group: the structured channel's
// group must never compete for the text channel's partitions.
func validateChannels(sl validator.StructLevel) {
	k := sl.Current().Interface().(Kafka)
	if k.Text.GroupID != "" && k.Text.GroupID == k.Structured.GroupID {
		sl.ReportError(k.Structured.GroupID, "Structured.GroupID", "GroupID", "nefield", "Text.GroupID")
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyBootstrapServers, strings.Join(d.Kafka.BootstrapServers, ","))
	v.SetDefault(KeyAcks, d.Kafka.Acks)
	v.SetDefault(KeyRetries, d.Kafka.Retries)
	v.SetDefault(KeyBatchSize, d.Kafka.BatchSize)
	v.SetDefault(KeyLingerMs, d.Kafka.LingerMs)
	v.SetDefault(KeyBufferMemory, d.Kafka.BufferMemory)
	v.SetDefault(KeyAutoCommitInterval, d.Kafka.AutoCommitIntervalMs)
	v.SetDefault(KeySessionTimeout, d.Kafka.SessionTimeoutMs)
	v.SetDefault(KeyMaxPollInterval, d.Kafka.MaxPollIntervalMs)
	v.SetDefault(KeyMaxPollRecords, d.Kafka.MaxPollRecords)
	v.SetDefault(KeyPollTimeout, d.Kafka.PollTimeoutMs)
	v.SetDefault(KeyConcurrency, d.Kafka.Concurrency)
	v.SetDefault(KeyCorePoolSize, d.Kafka.CorePoolSize)
	v.SetDefault(KeyShutdownGrace, d.Kafka.ShutdownGraceMs)
	v.SetDefault(KeyLogLevel, d.Log.Level)
	v.SetDefault(KeyLogFormat, d.Log.Format)
}

// stringList accepts both the comma separated property form and a native
// list (yaml/json).
func stringList(v *viper.Viper, key string) []string {
	var parts []string
	switch raw := v.Get(key).(type) {
	case string:
		parts = strings.Split(raw, ",")
	default:
		parts = v.GetStringSlice(key)
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
