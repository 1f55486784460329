package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Binding pairs a channel descriptor with the codec of its payloads.
type Binding struct {
	Descriptor ChannelDescriptor
	Codec      Codec
}

func (b Binding) validate() error {
	if b.Codec == nil {
		return &ConfigError{Field: "codec", Reason: fmt.Sprintf("channel %q has no codec", b.Descriptor.Name)}
	}
	if b.Codec.Kind() != b.Descriptor.Codec {
		return &ConfigError{Field: "codec", Reason: fmt.Sprintf("channel %q expects a %s codec, got %s",
			b.Descriptor.Name, b.Descriptor.Codec, b.Codec.Kind())}
	}
	return nil
}

// ProducerOption configures a Producer.
type ProducerOption func(*producerOptions)

type producerOptions struct {
	logger     *slog.Logger
	observer   Observer
	backoff    time.Duration
	propagator propagation.TextMapPropagator
}

// WithProducerLogger sets the producer logger. Default: slog.Default().
func WithProducerLogger(l *slog.Logger) ProducerOption {
	return func(o *producerOptions) { o.logger = l }
}

// WithProducerObserver reports publish results to obs.
func WithProducerObserver(obs Observer) ProducerOption {
	return func(o *producerOptions) { o.observer = obs }
}

// WithRetryBackoff sets the base of the exponential backoff between send
// attempts. Default: 100ms.
func WithRetryBackoff(d time.Duration) ProducerOption {
	return func(o *producerOptions) { o.backoff = d }
}

// WithPropagator sets the propagator injecting trace context into record
// headers. Default: the global OpenTelemetry propagator.
func WithPropagator(p propagation.TextMapPropagator) ProducerOption {
	return func(o *producerOptions) { o.propagator = p }
}

// Producer publishes payloads on the bound channels. It is safe for
// concurrent use.
type Producer struct {
	channels   map[ChannelName]*accumulator
	codecs     map[ChannelName]Codec
	propagator propagation.TextMapPropagator
}

// NewProducer creates one producer client per binding on client.
func NewProducer(client Client, bindings []Binding, opts ...ProducerOption) (*Producer, error) {
	if client == nil {
		return nil, ErrNoClient
	}
	o := producerOptions{
		logger:   slog.Default(),
		observer: NopObserver{},
		backoff:  100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.propagator == nil {
		o.propagator = otel.GetTextMapPropagator()
	}
	if o.backoff <= 0 {
		o.backoff = time.Millisecond
	}

	p := &Producer{
		channels:   make(map[ChannelName]*accumulator, len(bindings)),
		codecs:     make(map[ChannelName]Codec, len(bindings)),
		propagator: o.propagator,
	}
	for _, b := range bindings {
		if err := b.validate(); err != nil {
			p.closeAll(context.Background())
			return nil, err
		}
		if _, dup := p.channels[b.Descriptor.Name]; dup {
			p.closeAll(context.Background())
			return nil, &ConfigError{Field: "channel", Reason: fmt.Sprintf("channel %q bound twice", b.Descriptor.Name)}
		}
		pc, err := client.NewProducer(b.Descriptor)
		if err != nil {
			p.closeAll(context.Background())
			return nil, fmt.Errorf("chanmux: producer for %s: %w", b.Descriptor, err)
		}
		p.channels[b.Descriptor.Name] = newAccumulator(b, pc, o.backoff, o.logger, o.observer)
		p.codecs[b.Descriptor.Name] = b.Codec
	}
	return p, nil
}

// Publish encodes value with the channel codec and queues it. The returned
// future resolves once the record is acknowledged per the channel's acks
// level, or with *PublishError or *BufferExhaustedError. A nil key leaves
// partitioning to the broker.
func (p *Producer) Publish(ctx context.Context, ch ChannelName, key []byte, value any) *Future {
	codec, ok := p.codecs[ch]
	if !ok {
		return failedFuture(fmt.Errorf("%w %q", ErrUnknownChannel, ch))
	}
	b, err := codec.Encode(value)
	if err != nil {
		return failedFuture(err)
	}
	return p.PublishRecord(ctx, ch, OutgoingRecord{Key: key, Value: b})
}

// PublishRecord queues an already encoded record. It adds the message-id
// header and the trace context of ctx.
func (p *Producer) PublishRecord(ctx context.Context, ch ChannelName, rec OutgoingRecord) *Future {
	acc, ok := p.channels[ch]
	if !ok {
		return failedFuture(fmt.Errorf("%w %q", ErrUnknownChannel, ch))
	}
	headers := make([]Header, 0, len(rec.Headers)+3)
	headers = append(headers, rec.Headers...)
	carrier := HeaderCarrier{Headers: &headers}
	if carrier.Get(HeaderMessageID) == "" {
		carrier.Set(HeaderMessageID, newMessageID())
	}
	p.propagator.Inject(ctx, carrier)
	rec.Headers = headers
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	return acc.add(rec)
}

// Flush waits until every record accepted before the call is sent.
func (p *Producer) Flush(ctx context.Context) error {
	var errs []error
	for _, acc := range p.channels {
		if err := acc.flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close sends what is queued and closes the producer clients. Records still
// queued when ctx ends fail with ErrStopped.
func (p *Producer) Close(ctx context.Context) error {
	return p.closeAll(ctx)
}

func (p *Producer) closeAll(ctx context.Context) error {
	var errs []error
	for _, acc := range p.channels {
		if err := acc.close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
