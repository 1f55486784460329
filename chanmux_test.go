package chanmux_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miladsoleymani/chanmux"
	"github.com/miladsoleymani/chanmux/config"
	"github.com/miladsoleymani/chanmux/core"
	"github.com/miladsoleymani/chanmux/metrics"
	"github.com/miladsoleymani/chanmux/plugins/memory"
)

const waitFor = 5 * time.Second

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Kafka.BatchSize = 1
	cfg.Kafka.LingerMs = 0
	cfg.Kafka.PollTimeoutMs = 20
	cfg.Kafka.ShutdownGraceMs = 1000
	cfg.Kafka.Text = config.Channel{Topic: "klass.text", GroupID: "klass-text"}
	cfg.Kafka.Structured = config.Channel{Topic: "klass.proto", GroupID: "klass-proto"}
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stop(t *testing.T, app *chanmux.App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, app.Stop(ctx))
}

func TestAppRoundTrip(t *testing.T) {
	b := memory.New()
	app, err := chanmux.New(testConfig(), b, &structpb.Struct{}, chanmux.WithLogger(quietLogger()))
	require.NoError(t, err)

	texts := make(chan string, 1)
	structs := make(chan *structpb.Struct, 1)
	require.NoError(t, app.HandleText(func(c chanmux.Context) error {
		texts <- c.Payload().(string)
		return nil
	}))
	require.NoError(t, app.HandleStructured(func(c chanmux.Context) error {
		structs <- c.Payload().(*structpb.Struct)
		return nil
	}))
	require.NoError(t, app.Start(context.Background()))

	ctx := context.Background()
	tmd, err := app.PublishText(ctx, []byte("k"), "hello").Wait(ctx)
	require.NoError(t, err)

	msg, err := structpb.NewStruct(map[string]any{"name": "klass", "size": 3})
	require.NoError(t, err)
	smd, err := app.PublishStructured(ctx, []byte("k"), msg).Wait(ctx)
	require.NoError(t, err)

	select {
	case s := <-texts:
		assert.Equal(t, "hello", s)
	case <-time.After(waitFor):
		t.Fatal("text handler was not called")
	}
	select {
	case got := <-structs:
		assert.True(t, proto.Equal(msg, got))
	case <-time.After(waitFor):
		t.Fatal("structured handler was not called")
	}

	require.Eventually(t, func() bool {
		toff, _ := b.Committed("klass-text", "klass.text", tmd.Partition)
		soff, _ := b.Committed("klass-proto", "klass.proto", smd.Partition)
		return toff == tmd.Offset+1 && soff == smd.Offset+1
	}, waitFor, 5*time.Millisecond)

	stop(t, app)
	require.NoError(t, app.Stop(context.Background()), "stop is idempotent")

	_, err = b.Subscribe(ctx, core.ChannelDescriptor{Topic: "klass.text", GroupID: "x"})
	assert.ErrorIs(t, err, core.ErrClientClosed, "the app owns the client")
}

func TestAppDeadLettersMalformedRecords(t *testing.T) {
	b := memory.New(memory.WithPartitions(1))
	cfg := testConfig()
	cfg.DeadLetter.Topic = "klass.dlq"

	app, err := chanmux.New(cfg, b, &structpb.Struct{},
		chanmux.WithLogger(quietLogger()),
		chanmux.WithDeadLetterSink(b),
	)
	require.NoError(t, err)
	require.NoError(t, app.HandleStructured(func(chanmux.Context) error { return nil }))
	require.NoError(t, app.Start(context.Background()))
	defer stop(t, app)

	b.Append("klass.proto", 0, core.OutgoingRecord{Value: []byte{0xff, 0xff, 0xff}})

	require.Eventually(t, func() bool {
		return len(b.Records("klass.dlq")) == 1
	}, waitFor, 5*time.Millisecond)

	env, err := core.UnmarshalDeadLetter(b.Records("klass.dlq")[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "structured", env.Channel)
	assert.Equal(t, "decode", env.Stage)
	assert.Equal(t, []byte{0xff, 0xff, 0xff}, env.Value)
}

func TestAppCustomPolicyAndMiddleware(t *testing.T) {
	b := memory.New(memory.WithPartitions(1))
	failures := make(chan core.Failure, 1)
	policy := core.FailurePolicyFunc(func(_ context.Context, f core.Failure) core.Action {
		failures <- f
		return core.ActionContinue
	})
	seen := make(chan string, 1)
	mw := func(next chanmux.HandlerFunc) chanmux.HandlerFunc {
		return func(c chanmux.Context) error {
			seen <- c.Topic()
			return next(c)
		}
	}

	app, err := chanmux.New(testConfig(), b, &structpb.Struct{},
		chanmux.WithLogger(quietLogger()),
		chanmux.WithFailurePolicy(policy),
		chanmux.WithMiddleware(mw),
	)
	require.NoError(t, err)
	require.NoError(t, app.HandleText(func(chanmux.Context) error { return errors.New("refused") }))
	require.NoError(t, app.Start(context.Background()))
	defer stop(t, app)

	require.NoError(t, app.PublishText(context.Background(), nil, "x").Err())

	select {
	case topic := <-seen:
		assert.Equal(t, "klass.text", topic)
	case <-time.After(waitFor):
		t.Fatal("middleware was not called")
	}
	select {
	case f := <-failures:
		assert.Equal(t, core.StageHandler, f.Stage)
		assert.EqualError(t, f.Err, "refused")
	case <-time.After(waitFor):
		t.Fatal("failure policy was not called")
	}
}

func TestAppMetrics(t *testing.T) {
	b := memory.New()
	collector := metrics.NewCollector(nil)
	app, err := chanmux.New(testConfig(), b, &structpb.Struct{},
		chanmux.WithLogger(quietLogger()),
		chanmux.WithCollector(collector),
	)
	require.NoError(t, err)
	handled := make(chan struct{}, 1)
	require.NoError(t, app.HandleText(func(chanmux.Context) error {
		handled <- struct{}{}
		return nil
	}))
	require.NoError(t, app.Start(context.Background()))
	defer stop(t, app)

	require.NoError(t, app.PublishText(context.Background(), nil, "count me").Err())
	select {
	case <-handled:
	case <-time.After(waitFor):
		t.Fatal("handler was not called")
	}

	scrape := func() string {
		rec := httptest.NewRecorder()
		collector.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		return rec.Body.String()
	}
	require.Eventually(t, func() bool {
		body := scrape()
		return strings.Contains(body, `chanmux_producer_records_total{channel="text",outcome="ok"} 1`) &&
			strings.Contains(body, `chanmux_consumer_middleware_records_total{channel="text",outcome="ok",topic="klass.text"} 1`) &&
			strings.Contains(body, `chanmux_consumer_commits_total{channel="text",outcome="ok"} 1`)
	}, waitFor, 5*time.Millisecond)
}

func TestNewValidation(t *testing.T) {
	_, err := chanmux.New(testConfig(), nil, &structpb.Struct{})
	assert.ErrorIs(t, err, core.ErrNoClient)

	var coreErr *core.ConfigError
	_, err = chanmux.New(nil, memory.New(), &structpb.Struct{})
	assert.ErrorAs(t, err, &coreErr)

	var cerr *config.Error

	bad := testConfig()
	bad.Kafka.Structured.GroupID = bad.Kafka.Text.GroupID
	_, err = chanmux.New(bad, memory.New(), &structpb.Struct{})
	assert.ErrorAs(t, err, &cerr)

	_, err = chanmux.New(testConfig(), memory.New(), nil)
	assert.ErrorAs(t, err, &coreErr)
}

func TestAppDescriptors(t *testing.T) {
	app, err := chanmux.New(testConfig(), memory.New(), &structpb.Struct{}, chanmux.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer stop(t, app)

	d, ok := app.Descriptor(chanmux.ChannelStructured)
	require.True(t, ok)
	assert.Equal(t, "klass.proto", d.Topic)
	assert.Equal(t, core.CodecStructured, d.Codec)
	_, ok = app.Descriptor("audit")
	assert.False(t, ok)

	require.NoError(t, app.Start(context.Background()))
	assert.ErrorIs(t, app.Start(context.Background()), core.ErrAlreadyStarted)
	assert.Empty(t, app.Runtime().States(), "no handlers, no pipelines")
}

func TestAppTracesAcrossChannels(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	app, err := chanmux.New(testConfig(), memory.New(), &structpb.Struct{},
		chanmux.WithLogger(quietLogger()),
		chanmux.WithTracing(tp, propagation.TraceContext{}),
	)
	require.NoError(t, err)

	inHandler := make(chan trace.SpanContext, 1)
	require.NoError(t, app.HandleText(func(c chanmux.Context) error {
		inHandler <- trace.SpanContextFromContext(c.Context())
		return nil
	}))
	require.NoError(t, app.Start(context.Background()))
	defer stop(t, app)

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0c, 0x01},
		SpanID:     trace.SpanID{0x0d, 0x02},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), parent)
	require.NoError(t, app.PublishText(ctx, nil, "traced").Err())

	select {
	case sc := <-inHandler:
		assert.Equal(t, parent.TraceID(), sc.TraceID())
		assert.NotEqual(t, parent.SpanID(), sc.SpanID())
	case <-time.After(waitFor):
		t.Fatal("handler was not called")
	}
	require.Eventually(t, func() bool { return len(sr.Ended()) == 1 }, waitFor, 5*time.Millisecond)
	span := sr.Ended()[0]
	assert.Equal(t, "klass.text process", span.Name())
	assert.Equal(t, parent.SpanID(), span.Parent().SpanID())
}

func TestNewClosesSinkOnMetricsFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chanmux_consumer_evictions_total",
		Help: "registered elsewhere",
	}))
	sink := memory.New()
	cfg := testConfig()
	cfg.DeadLetter.Topic = "klass.dlq"

	_, err := chanmux.New(cfg, memory.New(), &structpb.Struct{},
		chanmux.WithLogger(quietLogger()),
		chanmux.WithDeadLetterSink(sink),
		chanmux.WithCollector(metrics.NewCollector(reg)),
	)
	require.Error(t, err)
	assert.ErrorIs(t, sink.PublishDeadLetter(context.Background(), "klass.dlq", core.OutgoingRecord{}), core.ErrClientClosed)
}
