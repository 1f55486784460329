// Package chanmux provides the top-level API: an App that produces and
// consumes a text channel and a structured (protobuf) channel over one
// shared broker client. It re-exports core types for convenience, so users
// can write:
//
//	app, err := chanmux.New(cfg, client, &pb.KlassInstance{})
//	app.HandleText(func(c chanmux.Context) error { ... })
//	app.Run(ctx)
package chanmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"

	"github.com/miladsoleymani/chanmux/broker"
	"github.com/miladsoleymani/chanmux/config"
	"github.com/miladsoleymani/chanmux/core"
	"github.com/miladsoleymani/chanmux/core/middleware"
	"github.com/miladsoleymani/chanmux/metrics"
)

// Re-export core types at the package level for ergonomic usage.
type (
	Context        = core.Context
	HandlerFunc    = core.HandlerFunc
	MiddlewareFunc = core.MiddlewareFunc
	Record         = core.Record
	RecordMetadata = core.RecordMetadata
	Future         = core.Future
	Client         = core.Client
	ChannelName    = core.ChannelName
	FailurePolicy  = core.FailurePolicy
)

const (
	ChannelText       = core.ChannelText
	ChannelStructured = core.ChannelStructured
)

// Option configures an App.
type Option func(*App)

// WithLogger sets the logger of the App and everything it builds.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithFailurePolicy replaces the failure policy derived from configuration.
func WithFailurePolicy(p core.FailurePolicy) Option {
	return func(a *App) { a.policy = p }
}

// WithDeadLetterSink sets the dead-letter sink instead of creating one from
// the deadletter.driver setting. The App closes it on Stop.
func WithDeadLetterSink(s core.DeadLetterSink) Option {
	return func(a *App) { a.sink = s }
}

// WithCollector reports runtime and producer events to c and adds the
// metrics middleware.
func WithCollector(c *metrics.Collector) Option {
	return func(a *App) { a.collector = c }
}

// WithTracing sets the tracer provider of the consumer spans and the
// propagator shared by the producer and the tracing middleware. Nil
// arguments use the OpenTelemetry globals.
func WithTracing(tp trace.TracerProvider, prop propagation.TextMapPropagator) Option {
	return func(a *App) { a.tracerProvider, a.propagator = tp, prop }
}

// WithMiddleware adds handler middleware after the built-in recovery,
// tracing and logging middleware.
func WithMiddleware(mws ...core.MiddlewareFunc) Option {
	return func(a *App) { a.middlewares = append(a.middlewares, mws...) }
}

// WithRuntimeOptions passes extra options to the dispatch runtime.
func WithRuntimeOptions(opts ...core.RuntimeOption) Option {
	return func(a *App) { a.runtimeOpts = append(a.runtimeOpts, opts...) }
}

// WithProducerOptions passes extra options to the producer.
func WithProducerOptions(opts ...core.ProducerOption) Option {
	return func(a *App) { a.producerOpts = append(a.producerOpts, opts...) }
}

// App composes the channel descriptors, the producer and the dispatch
// runtime of one process. Teardown runs in a fixed order: runtime, producer,
// dead-letter sink, broker client.
type App struct {
	cfg    *config.Config
	client core.Client
	logger *slog.Logger

	policy         core.FailurePolicy
	sink           core.DeadLetterSink
	collector      *metrics.Collector
	tracerProvider trace.TracerProvider
	propagator     propagation.TextMapPropagator
	middlewares    []core.MiddlewareFunc
	runtimeOpts    []core.RuntimeOption
	producerOpts   []core.ProducerOption

	bindings map[core.ChannelName]core.Binding
	consumer map[core.ChannelName]core.ChannelDescriptor
	producer *core.Producer
	runtime  *core.Runtime

	mu          sync.Mutex
	started     bool
	stopMetrics context.CancelFunc
	metricsDone chan struct{}
	closeOnce   sync.Once
	closeErr    error
}

// New validates cfg, builds both channels and the producer. prototype is
// the protobuf message type of the structured channel. The App takes
// ownership of client.
func New(cfg *config.Config, client core.Client, prototype proto.Message, opts ...Option) (*App, error) {
	if client == nil {
		return nil, core.ErrNoClient
	}
	if cfg == nil {
		return nil, &core.ConfigError{Reason: "configuration is nil"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		client:   client,
		logger:   slog.Default(),
		bindings: make(map[core.ChannelName]core.Binding, 2),
		consumer: make(map[core.ChannelName]core.ChannelDescriptor, 2),
	}
	for _, opt := range opts {
		opt(a)
	}

	structured, err := core.NewProtoCodec(prototype)
	if err != nil {
		return nil, err
	}
	codecs := map[core.ChannelName]core.Codec{
		core.ChannelText:       core.TextCodec{},
		core.ChannelStructured: structured,
	}
	var bindings []core.Binding
	for _, ch := range []core.ChannelName{core.ChannelText, core.ChannelStructured} {
		pd, err := core.BuildProducerDescriptor(cfg, ch)
		if err != nil {
			return nil, err
		}
		cd, err := core.BuildConsumerDescriptor(cfg, ch)
		if err != nil {
			return nil, err
		}
		b := core.Binding{Descriptor: pd, Codec: codecs[ch]}
		a.bindings[ch] = b
		a.consumer[ch] = cd
		bindings = append(bindings, b)
	}

	if err := a.setupFailurePolicy(); err != nil {
		return nil, err
	}

	var observer core.Observer = core.NopObserver{}
	if a.collector != nil {
		if err := a.collector.Register(); err != nil {
			a.closeSink()
			return nil, fmt.Errorf("chanmux: register metrics: %w", err)
		}
		observer = a.collector
	}

	producerOpts := append([]core.ProducerOption{
		core.WithProducerLogger(a.logger),
		core.WithProducerObserver(observer),
		core.WithPropagator(a.propagator),
	}, a.producerOpts...)
	a.producer, err = core.NewProducer(client, bindings, producerOpts...)
	if err != nil {
		a.closeSink()
		return nil, err
	}

	runtimeOpts := append([]core.RuntimeOption{
		core.WithCorePoolSize(cfg.Kafka.CorePoolSize, cfg.Kafka.CorePoolSize),
		core.WithShutdownGrace(cfg.Kafka.ShutdownGrace()),
		core.WithLogger(a.logger),
		core.WithFailurePolicy(a.policy),
		core.WithObserver(observer),
	}, a.runtimeOpts...)
	a.runtime = core.NewRuntime(client, runtimeOpts...)
	a.runtime.Use(middleware.Recovery(a.logger))
	a.runtime.Use(middleware.Tracing(a.tracerProvider, a.propagator))
	a.runtime.Use(middleware.Logging(a.logger))
	if a.collector != nil {
		a.runtime.Use(middleware.Metrics(a.collector))
	}
	for _, mw := range a.middlewares {
		a.runtime.Use(mw)
	}
	return a, nil
}

// setupFailurePolicy derives the failure policy from the dead-letter
// settings unless one was given.
func (a *App) setupFailurePolicy() error {
	if a.policy != nil {
		return nil
	}
	dl := a.cfg.DeadLetter
	if a.sink == nil && dl.Driver != "" {
		sink, err := broker.CreateSink(dl.Driver, broker.Config{
			Brokers:  a.cfg.Kafka.BootstrapServers,
			ClientID: "chanmux-deadletter",
			URL:      dl.URL,
			Extra:    map[string]any{"logger": a.logger},
		})
		if err != nil {
			return fmt.Errorf("chanmux: dead-letter sink %q: %w", dl.Driver, err)
		}
		a.sink = sink
	}
	if a.sink != nil && dl.Topic != "" {
		a.policy = core.Redeliver(3, core.DeadLetter(a.sink, dl.Topic))
		return nil
	}
	a.policy = core.DefaultFailurePolicy()
	return nil
}

// HandleText registers the text channel handler. c.Payload() is a string.
func (a *App) HandleText(h core.HandlerFunc) error {
	return a.handle(core.ChannelText, h)
}

// HandleStructured registers the structured channel handler. c.Payload()
// is a proto.Message of the prototype's type.
func (a *App) HandleStructured(h core.HandlerFunc) error {
	return a.handle(core.ChannelStructured, h)
}

func (a *App) handle(ch core.ChannelName, h core.HandlerFunc) error {
	return a.runtime.Handle(a.consumer[ch], a.bindings[ch].Codec, h)
}

// PublishText publishes text on the text channel. A nil key leaves the
// partition choice to the broker.
func (a *App) PublishText(ctx context.Context, key []byte, text string) *core.Future {
	return a.producer.Publish(ctx, core.ChannelText, key, text)
}

// PublishStructured publishes msg on the structured channel.
func (a *App) PublishStructured(ctx context.Context, key []byte, msg proto.Message) *core.Future {
	return a.producer.Publish(ctx, core.ChannelStructured, key, msg)
}

// Producer returns the shared producer.
func (a *App) Producer() *core.Producer { return a.producer }

// Runtime returns the dispatch runtime.
func (a *App) Runtime() *core.Runtime { return a.runtime }

// Descriptor returns the consumer descriptor of ch.
func (a *App) Descriptor(ch core.ChannelName) (core.ChannelDescriptor, bool) {
	d, ok := a.consumer[ch]
	return d, ok
}

// Start starts consuming the channels that have handlers and, when
// metrics.addr is set, the metrics endpoint.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return core.ErrAlreadyStarted
	}
	if err := a.runtime.Start(ctx); err != nil {
		return err
	}
	a.started = true

	if a.collector != nil && a.cfg.Metrics.Addr != "" {
		mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.stopMetrics = cancel
		a.metricsDone = make(chan struct{})
		go func() {
			defer close(a.metricsDone)
			if err := a.collector.Serve(mctx, a.cfg.Metrics.Addr); err != nil {
				a.logger.Error("metrics endpoint stopped", "addr", a.cfg.Metrics.Addr, "err", err)
			}
		}()
	}
	return nil
}

// Stop stops the runtime, then closes the producer, the dead-letter sink
// and the broker client. It is safe to call more than once.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()

	a.closeOnce.Do(func() {
		var errs []error
		if started {
			if err := a.runtime.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := a.producer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("chanmux: close producer: %w", err))
		}
		if err := a.closeSink(); err != nil {
			errs = append(errs, err)
		}
		if err := a.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("chanmux: close client: %w", err))
		}
		if a.stopMetrics != nil {
			a.stopMetrics()
			<-a.metricsDone
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *App) closeSink() error {
	if a.sink == nil {
		return nil
	}
	if s, ok := a.client.(core.DeadLetterSink); ok && s == a.sink {
		return nil
	}
	if err := a.sink.Close(); err != nil {
		return fmt.Errorf("chanmux: close dead-letter sink: %w", err)
	}
	return nil
}

// Run starts the App, blocks until ctx is done and stops it.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return a.Stop(context.WithoutCancel(ctx))
}
