// Package kafka implements core.Client for Apache Kafka using
// segmentio/kafka-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/miladsoleymani/chanmux/broker"
	"github.com/miladsoleymani/chanmux/core"
)

func init() {
	broker.Register("kafka", func(cfg broker.Config) (core.Client, error) {
		return New(cfg.Brokers, optsFromConfig(cfg)...)
	})
	broker.RegisterSink("kafka", func(cfg broker.Config) (core.DeadLetterSink, error) {
		return NewSink(cfg.Brokers, optsFromConfig(cfg)...)
	})
}

// Client implements core.Client for Apache Kafka.
//
// Design decisions:
//   - One kafka.Transport shared by every writer and one kafka.Dialer shared
//     by every reader, so the process keeps one connection pool.
//   - Writers are synchronous and never retry; batching and retries belong
//     to the core producer.
//   - Readers join the consumer group with auto-commit disabled
//     (CommitInterval 0) and commit synchronously through Commit.
//   - kafka-go heartbeats in the background regardless of polling, so the
//     max poll interval is enforced locally: a member that neither polls,
//     commits nor heartbeats in time closes its reader and leaves the group.
type Client struct {
	brokers []string
	opts    options

	transport *kafka.Transport
	dialer    *kafka.Dialer

	mu        sync.Mutex
	producers map[*producer]struct{}
	consumers map[*consumer]struct{}
	closed    bool
}

var _ core.Client = (*Client)(nil)

// New creates a Kafka Client.
func New(brokers []string, fns ...Option) (*Client, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("chanmux/kafka: at least one broker address is required")
	}

	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}

	return &Client{
		brokers:   append([]string(nil), brokers...),
		opts:      opts,
		transport: newTransport(opts),
		dialer:    newDialer(opts),
		producers: make(map[*producer]struct{}),
		consumers: make(map[*consumer]struct{}),
	}, nil
}

func newTransport(opts options) *kafka.Transport {
	return &kafka.Transport{
		ClientID:    opts.clientID,
		DialTimeout: opts.dialTimeout,
		TLS:         opts.tls,
		SASL:        opts.sasl,
	}
}

func newDialer(opts options) *kafka.Dialer {
	return &kafka.Dialer{
		ClientID:      opts.clientID,
		Timeout:       opts.dialTimeout,
		DualStack:     true,
		TLS:           opts.tls,
		SASLMechanism: opts.sasl,
	}
}

// NewProducer returns a synchronous writer for desc.Topic.
func (c *Client) NewProducer(desc core.ChannelDescriptor) (core.ProducerClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, core.ErrClientClosed
	}
	p := &producer{client: c, writer: c.newWriter(desc)}
	c.producers[p] = struct{}{}
	return p, nil
}

func (c *Client) newWriter(desc core.ChannelDescriptor) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(desc.Brokers()...),
		Topic:        desc.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: requiredAcks(desc.Acks),
		MaxAttempts:  1,
		BatchTimeout: time.Millisecond,
		// Sealed batches may overshoot BatchSize by one record.
		BatchBytes:  max(int64(desc.BatchSize)*2, 1<<20),
		Transport:   c.transport,
		ErrorLogger: errorLogger(c.opts.logger, desc.Topic),
	}
}

// Subscribe joins desc.GroupID on desc.Topic.
func (c *Client) Subscribe(_ context.Context, desc core.ChannelDescriptor) (core.ConsumerHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, core.ErrClientClosed
	}
	cfg := c.readerConfig(desc)
	if err := cfg.Validate(); err != nil {
		return nil, &core.ConfigError{Field: "kafka.reader", Reason: err.Error()}
	}
	cons := newConsumer(c, desc, cfg)
	c.consumers[cons] = struct{}{}
	return cons, nil
}

func (c *Client) readerConfig(desc core.ChannelDescriptor) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:          desc.Brokers(),
		GroupID:          desc.GroupID,
		Topic:            desc.Topic,
		Dialer:           c.dialer,
		QueueCapacity:    desc.MaxPollRecords,
		MinBytes:         c.opts.minBytes,
		MaxBytes:         c.opts.maxBytes,
		MaxWait:          c.opts.maxWait,
		CommitInterval:   0,
		SessionTimeout:   desc.SessionTimeout,
		RebalanceTimeout: desc.MaxPollInterval,
		StartOffset:      startOffset(desc.AutoOffsetReset),
		ErrorLogger:      errorLogger(c.opts.logger, desc.Topic),
	}
}

func startOffset(reset string) int64 {
	if reset == "latest" {
		return kafka.LastOffset
	}
	return kafka.FirstOffset
}

func (c *Client) forgetProducer(p *producer) {
	c.mu.Lock()
	delete(c.producers, p)
	c.mu.Unlock()
}

func (c *Client) forgetConsumer(cons *consumer) {
	c.mu.Lock()
	delete(c.consumers, cons)
	c.mu.Unlock()
}

// Close closes the writers and readers still open and the idle pooled
// connections.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	producers := c.producers
	consumers := c.consumers
	c.producers, c.consumers = nil, nil
	c.mu.Unlock()

	var errs []error
	for p := range producers {
		if err := p.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("chanmux/kafka: close writer: %w", err))
		}
	}
	for cons := range consumers {
		if err := cons.shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("chanmux/kafka: close reader: %w", err))
		}
	}
	c.transport.CloseIdleConnections()
	return errors.Join(errs...)
}

func errorLogger(l *slog.Logger, topic string) kafka.Logger {
	l = l.With("component", "kafka-go", "topic", topic)
	return kafka.LoggerFunc(func(msg string, args ...any) {
		l.Error(fmt.Sprintf(msg, args...))
	})
}

// optsFromConfig extracts options from the broker.Config.
func optsFromConfig(cfg broker.Config) []Option {
	opts := []Option{WithClientID(cfg.ClientID)}
	if cfg.Extra == nil {
		return opts
	}
	if v, ok := cfg.Extra["max_bytes"].(int); ok {
		opts = append(opts, WithMaxBytes(v))
	}
	if v, ok := cfg.Extra["max_wait"].(time.Duration); ok {
		opts = append(opts, WithMaxWait(v))
	}
	if v, ok := cfg.Extra["max_wait"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil {
			opts = append(opts, WithMaxWait(d))
		}
	}
	if v, ok := cfg.Extra["dial_timeout_ms"].(string); ok {
		if ms, err := strconv.Atoi(v); err == nil {
			opts = append(opts, WithDialTimeout(time.Duration(ms)*time.Millisecond))
		}
	}
	if v, ok := cfg.Extra["logger"].(*slog.Logger); ok {
		opts = append(opts, WithLogger(v))
	}
	return opts
}
