// Package nats publishes dead letters to NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/miladsoleymani/chanmux/broker"
	"github.com/miladsoleymani/chanmux/core"
)

// HeaderKey carries the original record key.
const HeaderKey = "Chanmux-Key"

func init() {
	broker.RegisterSink("nats", func(cfg broker.Config) (core.DeadLetterSink, error) {
		url := cfg.URL
		if url == "" && len(cfg.Brokers) > 0 {
			url = cfg.Brokers[0]
		}
		if url == "" {
			return nil, fmt.Errorf("chanmux/nats: a server URL is required")
		}
		return New(url, optsFromConfig(cfg)...)
	})
}

// Sink implements core.DeadLetterSink for NATS JetStream.
//
// Design decisions:
//   - One NATS connection per Sink instance.
//   - Each dead-letter subject gets a stream, created (or updated) on first
//     use and cached.
//   - Publishes carry the record's message id so JetStream drops duplicates
//     from redelivered failures.
//   - Close drains the connection.
type Sink struct {
	conn *nats.Conn
	js   jetstream.JetStream
	opts options

	mu      sync.Mutex
	closed  bool
	streams map[string]struct{}
}

var _ core.DeadLetterSink = (*Sink)(nil)

// New connects a Sink. url is a standard NATS URL (nats://host:port).
func New(url string, fns ...Option) (*Sink, error) {
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}

	nc, err := nats.Connect(url, nats.Name(opts.name))
	if err != nil {
		return nil, fmt.Errorf("chanmux/nats: connect to %q: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("chanmux/nats: init jetstream: %w", err)
	}

	return &Sink{
		conn:    nc,
		js:      js,
		opts:    opts,
		streams: make(map[string]struct{}),
	}, nil
}

// PublishDeadLetter publishes rec on subject topic.
func (s *Sink) PublishDeadLetter(ctx context.Context, topic string, rec core.OutgoingRecord) error {
	if err := s.ensureStream(ctx, topic); err != nil {
		return err
	}

	var pubOpts []jetstream.PublishOpt
	if id := messageID(rec); id != "" {
		pubOpts = append(pubOpts, jetstream.WithMsgID(id))
	}
	if _, err := s.js.PublishMsg(ctx, toMsg(topic, rec), pubOpts...); err != nil {
		return fmt.Errorf("chanmux/nats: publish to %q: %w", topic, err)
	}
	return nil
}

func (s *Sink) ensureStream(ctx context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClientClosed
	}
	if _, ok := s.streams[subject]; ok {
		return nil
	}
	cfg := streamConfig(subject, s.opts)
	if _, err := s.js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("chanmux/nats: create stream %q: %w", cfg.Name, err)
	}
	s.streams[subject] = struct{}{}
	return nil
}

// Close drains the NATS connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return fmt.Errorf("chanmux/nats: drain: %w", err)
	}
	return nil
}

func streamConfig(subject string, opts options) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      sanitizeStreamName(subject),
		Subjects:  []string{subject},
		MaxMsgs:   opts.maxMsgs,
		MaxBytes:  opts.maxBytes,
		MaxAge:    opts.maxAge,
		Replicas:  opts.replicas,
		Retention: opts.retention,
		Storage:   opts.storage,
	}
}

// sanitizeStreamName converts a subject to a valid stream name
// by replacing special characters.
func sanitizeStreamName(topic string) string {
	buf := make([]byte, len(topic))
	for i := range len(topic) {
		c := topic[i]
		if c == '.' || c == '*' || c == '>' {
			buf[i] = '-'
		} else {
			buf[i] = c
		}
	}
	return string(buf)
}

// optsFromConfig extracts options from broker.Config.
func optsFromConfig(cfg broker.Config) []Option {
	opts := []Option{WithName(cfg.ClientID)}
	if cfg.Extra == nil {
		return opts
	}
	if v, ok := cfg.Extra["replicas"].(int); ok {
		opts = append(opts, WithReplicas(v))
	}
	if v, ok := cfg.Extra["storage"].(string); ok && v == "memory" {
		opts = append(opts, WithStorage(jetstream.MemoryStorage))
	}
	return opts
}
