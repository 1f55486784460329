package kafka

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go/sasl"
)

// Option configures the Kafka client.
type Option func(*options)

type options struct {
	clientID    string
	dialTimeout time.Duration
	tls         *tls.Config
	sasl        sasl.Mechanism
	logger      *slog.Logger

	// Reader
	minBytes int
	maxBytes int
	maxWait  time.Duration
	// drainWait bounds how long Poll waits for each record after the first.
	drainWait time.Duration
}

func defaults() options {
	return options{
		clientID:    "chanmux",
		dialTimeout: 10 * time.Second,
		logger:      slog.Default(),
		minBytes:    1,
		maxBytes:    10e6, // 10 MB
		maxWait:     500 * time.Millisecond,
		drainWait:   5 * time.Millisecond,
	}
}

// WithClientID sets the client id reported to the brokers.
func WithClientID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.clientID = id
		}
	}
}

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithTLS enables TLS on every connection.
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) { o.tls = cfg }
}

// WithSASL sets the SASL mechanism used to authenticate.
func WithSASL(m sasl.Mechanism) Option {
	return func(o *options) { o.sasl = m }
}

// WithLogger sets the logger receiving kafka-go's error log.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMaxBytes sets the maximum bytes per fetch.
func WithMaxBytes(n int) Option {
	return func(o *options) { o.maxBytes = n }
}

// WithMaxWait sets the maximum wait time for fetches.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.maxWait = d }
}

// WithDrainWait sets how long a poll waits for each additional record
// once it has one.
func WithDrainWait(d time.Duration) Option {
	return func(o *options) { o.drainWait = d }
}
