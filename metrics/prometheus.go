// Package metrics exports runtime and producer events to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miladsoleymani/chanmux/core"
	"github.com/miladsoleymani/chanmux/core/middleware"
)

const namespace = "chanmux"

// Collector implements core.Observer and middleware.MetricsCollector.
type Collector struct {
	mu         sync.Mutex
	registered bool
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	handled         *prometheus.CounterVec
	handlerSeconds  *prometheus.HistogramVec
	processed       *prometheus.CounterVec
	polls           *prometheus.CounterVec
	polledRecords   *prometheus.CounterVec
	commits         *prometheus.CounterVec
	evictions       *prometheus.CounterVec
	failureActions  *prometheus.CounterVec
	pipelineState   *prometheus.GaugeVec
	published       *prometheus.CounterVec
	publishedErrors *prometheus.CounterVec
}

var (
	_ core.Observer               = (*Collector)(nil)
	_ middleware.MetricsCollector = (*Collector)(nil)
)

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewCollector creates a Collector registering on reg. A nil reg uses a
// fresh registry, served by Handler.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Collector{
		registerer:      reg,
		gatherer:        reg,
		handled:         newCounterVec("consumer", "records_handled_total", "Records handled, by outcome", "channel", "outcome"),
		handlerSeconds:  newHistogramVec("consumer", "handler_duration_seconds", "Handler latency", prometheus.DefBuckets, "channel"),
		processed:       newCounterVec("consumer", "middleware_records_total", "Records seen by the metrics middleware, by topic and outcome", "channel", "topic", "outcome"),
		polls:           newCounterVec("consumer", "polls_total", "Poll calls that returned", "channel"),
		polledRecords:   newCounterVec("consumer", "polled_records_total", "Records returned by polls", "channel"),
		commits:         newCounterVec("consumer", "commits_total", "Offset commits, by outcome", "channel", "outcome"),
		evictions:       newCounterVec("consumer", "evictions_total", "Consumer group evictions", "channel"),
		failureActions:  newCounterVec("consumer", "failure_actions_total", "Failure policy decisions", "channel", "stage", "action"),
		pipelineState:   prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "runtime", Name: "pipeline_state", Help: "Current pipeline state, one series per state set to 1"}, []string{"channel", "pipeline", "state"}),
		published:       newCounterVec("producer", "records_total", "Records published, by outcome", "channel", "outcome"),
		publishedErrors: newCounterVec("producer", "batch_errors_total", "Batches that failed after retries", "channel"),
	}
}

// Register registers the collectors. Safe to call multiple times. When
// another Collector already registered on the same registry, its series
// are shared.
func (c *Collector) Register() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return nil
	}
	err := errors.Join(
		register(c.registerer, &c.handled),
		register(c.registerer, &c.handlerSeconds),
		register(c.registerer, &c.processed),
		register(c.registerer, &c.polls),
		register(c.registerer, &c.polledRecords),
		register(c.registerer, &c.commits),
		register(c.registerer, &c.evictions),
		register(c.registerer, &c.failureActions),
		register(c.registerer, &c.pipelineState),
		register(c.registerer, &c.published),
		register(c.registerer, &c.publishedErrors),
	)
	if err != nil {
		return err
	}
	c.registered = true
	return nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, col *T) error {
	err := reg.Register(*col)
	if err == nil {
		return nil
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return err
	}
	existing, ok := are.ExistingCollector.(T)
	if !ok {
		return err
	}
	*col = existing
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

var states = []core.State{
	core.StateIdle, core.StatePolling, core.StateDispatching,
	core.StateAcked, core.StateFailed, core.StateStopped,
}

func (c *Collector) StateChanged(ch core.ChannelName, pipeline int, _, to core.State) {
	idx := strconv.Itoa(pipeline)
	for _, s := range states {
		v := 0.0
		if s == to {
			v = 1
		}
		c.pipelineState.WithLabelValues(string(ch), idx, s.String()).Set(v)
	}
}

func (c *Collector) Polled(ch core.ChannelName, records int) {
	c.polls.WithLabelValues(string(ch)).Inc()
	c.polledRecords.WithLabelValues(string(ch)).Add(float64(records))
}

func (c *Collector) Handled(ch core.ChannelName, elapsed time.Duration, err error) {
	c.handled.WithLabelValues(string(ch), outcome(err)).Inc()
	c.handlerSeconds.WithLabelValues(string(ch)).Observe(elapsed.Seconds())
}

func (c *Collector) Committed(ch core.ChannelName, err error) {
	c.commits.WithLabelValues(string(ch), outcome(err)).Inc()
}

func (c *Collector) FailureAction(ch core.ChannelName, stage core.FailureStage, action core.Action) {
	c.failureActions.WithLabelValues(string(ch), stage.String(), action.String()).Inc()
}

func (c *Collector) Evicted(ch core.ChannelName) {
	c.evictions.WithLabelValues(string(ch)).Inc()
}

func (c *Collector) Published(ch core.ChannelName, records int, err error) {
	c.published.WithLabelValues(string(ch), outcome(err)).Add(float64(records))
	if err != nil {
		c.publishedErrors.WithLabelValues(string(ch)).Inc()
	}
}

// RecordProcessed implements middleware.MetricsCollector.
func (c *Collector) RecordProcessed(ch core.ChannelName, topic string, _ time.Duration, err error) {
	c.processed.WithLabelValues(string(ch), topic, outcome(err)).Inc()
}
