package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miladsoleymani/chanmux/config"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPoolSize      = 10
	defaultShutdownGrace = 10 * time.Second
	defaultRejoinBackoff = 200 * time.Millisecond
	maxRejoinBackoff     = 5 * time.Second
	// forcedStopWait bounds each teardown step once handlers are cancelled.
	forcedStopWait = 2 * time.Second
)

// RuntimeOption configures a Runtime.
type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	fetchSize     int
	dispatchSize  int
	logger        *slog.Logger
	policy        FailurePolicy
	observer      Observer
	shutdownGrace time.Duration
	rejoinBackoff time.Duration
}

// WithCorePoolSize sizes the fetch and dispatch pools. Default: 10 each.
// The fetch pool needs one worker per pipeline.
func WithCorePoolSize(fetch, dispatch int) RuntimeOption {
	return func(o *runtimeOptions) {
		o.fetchSize, o.dispatchSize = fetch, dispatch
	}
}

// WithLogger sets the runtime logger. Default: slog.Default().
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(o *runtimeOptions) { o.logger = l }
}

// WithFailurePolicy sets the policy for records whose decode or handler
// fails. Default: DefaultFailurePolicy().
func WithFailurePolicy(p FailurePolicy) RuntimeOption {
	return func(o *runtimeOptions) { o.policy = p }
}

// WithObserver reports runtime events to obs.
func WithObserver(obs Observer) RuntimeOption {
	return func(o *runtimeOptions) { o.observer = obs }
}

// WithShutdownGrace bounds how long Stop waits for in-flight batches before
// cancelling their handlers. Default: 10s.
func WithShutdownGrace(d time.Duration) RuntimeOption {
	return func(o *runtimeOptions) { o.shutdownGrace = d }
}

// WithRejoinBackoff sets the base delay between attempts to rejoin a
// consumer group. Default: 200ms.
func WithRejoinBackoff(d time.Duration) RuntimeOption {
	return func(o *runtimeOptions) { o.rejoinBackoff = d }
}

type route struct {
	desc    ChannelDescriptor
	codec   Codec
	handler HandlerFunc
	chain   HandlerFunc
}

// Runtime consumes the registered channels. Each channel runs Concurrency
// pipelines; a pipeline polls on a fetch pool worker and hands
// per-partition lanes to the dispatch pool, committing every record right
// after its handler succeeds.
type Runtime struct {
	client      Client
	opts        runtimeOptions
	middlewares []MiddlewareFunc
	routes      []*route
	mu          sync.Mutex
	started     bool

	fetch     *pool
	dispatch  *pool
	pipelines []*pipeline
	wg        sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc
	cancelPoll context.CancelFunc
	force      chan struct{}
	stopOnce   sync.Once
	stopErr    error
}

// NewRuntime creates a Runtime consuming through client.
func NewRuntime(client Client, opts ...RuntimeOption) *Runtime {
	o := runtimeOptions{
		fetchSize:     defaultPoolSize,
		dispatchSize:  defaultPoolSize,
		logger:        slog.Default(),
		policy:        DefaultFailurePolicy(),
		observer:      NopObserver{},
		shutdownGrace: defaultShutdownGrace,
		rejoinBackoff: defaultRejoinBackoff,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rejoinBackoff <= 0 {
		o.rejoinBackoff = time.Millisecond
	}
	return &Runtime{client: client, opts: o, force: make(chan struct{})}
}

// Use registers global middleware. The first registered middleware is the
// outermost and runs first.
func (r *Runtime) Use(m MiddlewareFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, m)
}

// Handle registers h for the channel described by desc. It must be called
// before Start, once per channel.
//
//	rt.Handle(desc, core.TextCodec{}, func(c core.Context) error {
//	    log.Println(c.Payload().(string))
//	    return nil
//	})
func (r *Runtime) Handle(desc ChannelDescriptor, codec Codec, h HandlerFunc) error {
	if h == nil {
		return &ConfigError{Field: "handler", Reason: fmt.Sprintf("channel %q has no handler", desc.Name)}
	}
	if err := (Binding{Descriptor: desc, Codec: codec}).validate(); err != nil {
		return err
	}
	switch {
	case desc.Topic == "":
		return &ConfigError{Field: topicKey(desc.Name), Reason: "is required"}
	case desc.GroupID == "":
		return &ConfigError{Field: groupKey(desc.Name), Reason: "is required"}
	case desc.Concurrency <= 0:
		return &ConfigError{Field: config.KeyConcurrency, Reason: "must be positive"}
	case desc.MaxPollRecords <= 0:
		return &ConfigError{Field: config.KeyMaxPollRecords, Reason: "must be positive"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	for _, rt := range r.routes {
		if rt.desc.Name == desc.Name {
			return &ConfigError{Field: "channel", Reason: fmt.Sprintf("channel %q already has a handler", desc.Name)}
		}
		if rt.desc.GroupID == desc.GroupID {
			return &ConfigError{Field: groupKey(desc.Name), Reason: "channels must use different consumer groups"}
		}
	}
	r.routes = append(r.routes, &route{desc: desc, codec: codec, handler: h})
	return nil
}

// Start joins every pipeline to its consumer group and starts fetching.
// It does not block.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return ErrNoClient
	}
	if r.started {
		return ErrAlreadyStarted
	}

	total := 0
	for _, rt := range r.routes {
		total += rt.desc.Concurrency
	}
	if total > r.opts.fetchSize {
		return &ConfigError{Field: config.KeyCorePoolSize,
			Reason: fmt.Sprintf("fetch pool of %d workers cannot host %d pipelines", r.opts.fetchSize, total)}
	}
	if r.opts.dispatchSize <= 0 {
		return &ConfigError{Field: config.KeyCorePoolSize, Reason: "dispatch pool must have at least one worker"}
	}

	mws := append([]MiddlewareFunc(nil), r.middlewares...)
	r.baseCtx, r.cancelBase = context.WithCancel(context.WithoutCancel(ctx))
	pollCtx, cancelPoll := context.WithCancel(r.baseCtx)
	r.cancelPoll = cancelPoll

	var pipelines []*pipeline
	for _, rt := range r.routes {
		rt.chain = applyMiddleware(rt.handler, mws)
		for i := range rt.desc.Concurrency {
			pipelines = append(pipelines, newPipeline(r, rt, i))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pipelines {
		g.Go(func() error {
			h, err := r.client.Subscribe(gctx, p.route.desc)
			if err != nil {
				return fmt.Errorf("chanmux: subscribe %s: %w", p.route.desc, err)
			}
			p.handle = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, p := range pipelines {
			if p.handle != nil {
				p.handle.Close()
			}
		}
		cancelPoll()
		r.cancelBase()
		return err
	}

	r.started = true
	r.pipelines = pipelines
	r.fetch = newPool(r.opts.fetchSize)
	r.dispatch = newPool(r.opts.dispatchSize)
	for _, p := range pipelines {
		r.wg.Add(1)
		task := func() {
			defer r.wg.Done()
			p.run(pollCtx)
		}
		if err := r.fetch.submit(r.baseCtx, task); err != nil {
			r.wg.Done()
			r.opts.logger.Error("pipeline not started", "channel", string(p.route.desc.Name), "err", err)
		}
	}
	r.opts.logger.Info("runtime started", "pipelines", len(pipelines))
	return nil
}

// Stop stops polling, waits up to the shutdown grace for in-flight batches,
// then cancels the remaining handlers, drains the dispatch pool and closes
// the consumer handles. Unacknowledged records are redelivered on restart.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrNotStarted
	}
	r.mu.Unlock()

	r.stopOnce.Do(func() { r.stopErr = r.shutdown(ctx) })
	return r.stopErr
}

func (r *Runtime) shutdown(ctx context.Context) error {
	r.cancelPoll()

	idle := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(idle)
	}()

	grace := time.NewTimer(r.opts.shutdownGrace)
	defer grace.Stop()
	select {
	case <-idle:
	case <-grace.C:
		r.opts.logger.Warn("shutdown grace expired, cancelling in-flight handlers")
		close(r.force)
	case <-ctx.Done():
		r.opts.logger.Warn("stop context done, cancelling in-flight handlers", "err", ctx.Err())
		close(r.force)
	}

	// The teardown always runs to the end so the consumers leave their
	// groups; ctx no longer bounds it.
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forcedStopWait)
	defer cancel()

	var errs []error
	select {
	case <-idle:
	case <-waitCtx.Done():
		errs = append(errs, errors.New("chanmux: pipelines still running after cancellation"))
	}
	if err := r.fetch.drain(waitCtx); err != nil {
		errs = append(errs, fmt.Errorf("chanmux: drain fetch pool: %w", err))
	}
	if err := r.dispatch.drain(waitCtx); err != nil {
		errs = append(errs, fmt.Errorf("chanmux: drain dispatch pool: %w", err))
	}
	for _, p := range r.pipelines {
		if p.handle != nil {
			if err := p.handle.Close(); err != nil {
				errs = append(errs, fmt.Errorf("chanmux: close consumer %s: %w", p.route.desc, err))
			}
			p.handle = nil
		}
		p.setState(StateStopped)
	}
	r.cancelBase()
	r.opts.logger.Info("runtime stopped")
	return errors.Join(errs...)
}

// Run starts the runtime, blocks until ctx is done and stops it.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return r.Stop(context.WithoutCancel(ctx))
}

// States returns a snapshot of every pipeline's state.
func (r *Runtime) States() []PipelineState {
	r.mu.Lock()
	pipelines := r.pipelines
	r.mu.Unlock()
	out := make([]PipelineState, 0, len(pipelines))
	for _, p := range pipelines {
		out = append(out, PipelineState{Channel: p.route.desc.Name, Index: p.index, State: p.State()})
	}
	return out
}

// applyMiddleware wraps a handler with middleware in reverse order.
// Given middleware [A, B, C], the call order is A -> B -> C -> handler.
func applyMiddleware(h HandlerFunc, mws []MiddlewareFunc) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
