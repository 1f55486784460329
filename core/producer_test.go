package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miladsoleymani/chanmux/config"
	"github.com/miladsoleymani/chanmux/core"
	"github.com/miladsoleymani/chanmux/plugins/memory"
)

func newProducer(t *testing.T, b *memory.Broker, cfg *config.Config, opts ...core.ProducerOption) *core.Producer {
	t.Helper()
	codec, err := core.NewProtoCodec(&structpb.Struct{})
	require.NoError(t, err)
	base := []core.ProducerOption{
		core.WithProducerLogger(discardLogger()),
		core.WithRetryBackoff(time.Millisecond),
	}
	p, err := core.NewProducer(b, []core.Binding{
		{Descriptor: producerDesc(t, cfg, core.ChannelText), Codec: core.TextCodec{}},
		{Descriptor: producerDesc(t, cfg, core.ChannelStructured), Codec: codec},
	}, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close(context.Background()) })
	return p
}

func TestPublishStoresRecord(t *testing.T) {
	b := memory.New()
	p := newProducer(t, b, testConfig())
	ctx := context.Background()

	md, err := p.Publish(ctx, core.ChannelText, []byte("k1"), "hello").Wait(ctx)
	require.NoError(t, err)

	recs := b.Records("klass.text")
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, md.Partition, rec.Partition)
	assert.Equal(t, md.Offset, rec.Offset)
	assert.Equal(t, []byte("k1"), rec.Key)
	assert.Equal(t, []byte("hello"), rec.Value)
	assert.False(t, rec.Timestamp.IsZero())

	id, ok := rec.Header(core.HeaderMessageID)
	require.True(t, ok)
	assert.Len(t, id, 26)
}

func TestPublishStructured(t *testing.T) {
	b := memory.New()
	p := newProducer(t, b, testConfig())
	ctx := context.Background()

	msg, err := structpb.NewStruct(map[string]any{"id": "42"})
	require.NoError(t, err)
	_, err = p.Publish(ctx, core.ChannelStructured, nil, msg).Wait(ctx)
	require.NoError(t, err)
	require.Len(t, b.Records("klass.proto"), 1)

	// a string is not a structured payload
	err = p.Publish(ctx, core.ChannelStructured, nil, "text").Err()
	assert.Error(t, err)
	assert.Len(t, b.Records("klass.proto"), 1)
}

func TestPublishSameKeySamePartition(t *testing.T) {
	b := memory.New(memory.WithPartitions(8))
	p := newProducer(t, b, testConfig())
	ctx := context.Background()

	var partitions []int
	for range 5 {
		md, err := p.Publish(ctx, core.ChannelText, []byte("klass-7"), "v").Wait(ctx)
		require.NoError(t, err)
		partitions = append(partitions, md.Partition)
	}
	for _, part := range partitions {
		assert.Equal(t, partitions[0], part)
	}
}

func TestPublishUnknownChannel(t *testing.T) {
	p := newProducer(t, memory.New(), testConfig())
	err := p.Publish(context.Background(), "audit", nil, "x").Err()
	assert.ErrorIs(t, err, core.ErrUnknownChannel)
}

func TestPublishRejectsInvalidText(t *testing.T) {
	b := memory.New()
	p := newProducer(t, b, testConfig())

	err := p.Publish(context.Background(), core.ChannelText, nil, "klass\xff").Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid UTF-8")
	require.NoError(t, p.Flush(context.Background()))
	assert.Empty(t, b.Records("klass.text"))
}

func TestPublishBatchesUntilLinger(t *testing.T) {
	b := memory.New()
	cfg := testConfig()
	cfg.Kafka.BatchSize = 1 << 20
	cfg.Kafka.LingerMs = 50
	p := newProducer(t, b, cfg)
	ctx := context.Background()

	futures := make([]*core.Future, 0, 3)
	for _, s := range []string{"a", "b", "c"} {
		futures = append(futures, p.Publish(ctx, core.ChannelText, nil, s))
	}
	for _, f := range futures {
		require.NoError(t, f.Err())
	}
	assert.Equal(t, 1, b.SendCalls(), "records within the linger window share one batch")
	assert.Len(t, b.Records("klass.text"), 3)
}

func TestPublishSealsFullBatch(t *testing.T) {
	b := memory.New()
	cfg := testConfig()
	cfg.Kafka.BatchSize = 10
	cfg.Kafka.LingerMs = 60000
	p := newProducer(t, b, cfg)
	ctx := context.Background()

	// five bytes each, plus the message-id header, so every record seals a batch
	f1 := p.Publish(ctx, core.ChannelText, nil, "aaaaa")
	f2 := p.Publish(ctx, core.ChannelText, nil, "bbbbb")

	waitCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	_, err := f1.Wait(waitCtx)
	require.NoError(t, err)
	_, err = f2.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, 2, b.SendCalls())
}

func TestFlushSendsLingeringRecords(t *testing.T) {
	b := memory.New()
	cfg := testConfig()
	cfg.Kafka.BatchSize = 1 << 20
	cfg.Kafka.LingerMs = 60000
	p := newProducer(t, b, cfg)
	ctx := context.Background()

	f := p.Publish(ctx, core.ChannelText, nil, "waiting")
	select {
	case <-f.Done():
		t.Fatal("record sent before linger or flush")
	case <-time.After(20 * time.Millisecond):
	}

	flushCtx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, p.Flush(flushCtx))
	select {
	case <-f.Done():
		require.NoError(t, f.Err())
	default:
		t.Fatal("flush returned before the record was sent")
	}
}

func TestPublishBufferExhausted(t *testing.T) {
	b := memory.New()
	cfg := testConfig()
	cfg.Kafka.BufferMemory = 64
	p := newProducer(t, b, cfg)

	err := p.Publish(context.Background(), core.ChannelText, nil, string(make([]byte, 128))).Err()
	var berr *core.BufferExhaustedError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, core.ChannelText, berr.Channel)
	assert.Equal(t, int64(64), berr.Capacity)
	assert.Empty(t, b.Records("klass.text"))
}

func TestPublishRetriesTransientFailures(t *testing.T) {
	b := memory.New()
	cfg := testConfig()
	cfg.Kafka.Retries = 3
	p := newProducer(t, b, cfg)

	b.FailSends(memory.ErrUnavailable, memory.ErrUnavailable)
	md, err := p.Publish(context.Background(), core.ChannelText, nil, "eventually").Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), md.Offset)
	assert.Equal(t, 3, b.SendCalls())
	assert.Len(t, b.Records("klass.text"), 1)
}

func TestPublishGivesUpAfterRetries(t *testing.T) {
	b := memory.New()
	cfg := testConfig()
	cfg.Kafka.Retries = 2
	obs := &recorder{}
	p := newProducer(t, b, cfg, core.WithProducerObserver(obs))

	b.FailSends(memory.ErrUnavailable, memory.ErrUnavailable, memory.ErrUnavailable)
	err := p.Publish(context.Background(), core.ChannelText, nil, "lost").Err()

	var perr *core.PublishError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 3, perr.Attempts)
	assert.Equal(t, "klass.text", perr.Topic)
	assert.ErrorIs(t, err, core.ErrTransient)
	assert.Empty(t, b.Records("klass.text"))
}

func TestPublishDoesNotRetryPermanentFailures(t *testing.T) {
	b := memory.New()
	cfg := testConfig()
	cfg.Kafka.Retries = 5
	p := newProducer(t, b, cfg)

	rejected := errors.New("record too large")
	b.FailSends(rejected)
	err := p.Publish(context.Background(), core.ChannelText, nil, "x").Err()

	var perr *core.PublishError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.Attempts)
	assert.ErrorIs(t, err, rejected)
	assert.Equal(t, 1, b.SendCalls())
}

func TestPublishInjectsTraceContext(t *testing.T) {
	b := memory.New()
	p := newProducer(t, b, testConfig(), core.WithPropagator(propagation.TraceContext{}))

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02, 0x03},
		SpanID:     trace.SpanID{0x04, 0x05},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	require.NoError(t, p.Publish(ctx, core.ChannelText, nil, "traced").Err())

	rec := b.Records("klass.text")[0]
	headers := rec.Headers
	extracted := propagation.TraceContext{}.Extract(context.Background(), core.HeaderCarrier{Headers: &headers})
	assert.Equal(t, sc.TraceID(), trace.SpanContextFromContext(extracted).TraceID())
}

func TestProducerClose(t *testing.T) {
	b := memory.New()
	cfg := testConfig()
	cfg.Kafka.BatchSize = 1 << 20
	cfg.Kafka.LingerMs = 60000
	p := newProducer(t, b, cfg)
	ctx := context.Background()

	pending := p.Publish(ctx, core.ChannelText, nil, "queued")
	require.NoError(t, p.Close(ctx))
	require.NoError(t, pending.Err(), "close sends queued records")
	assert.Len(t, b.Records("klass.text"), 1)

	assert.ErrorIs(t, p.Publish(ctx, core.ChannelText, nil, "late").Err(), core.ErrClientClosed)
	assert.ErrorIs(t, p.Flush(ctx), core.ErrClientClosed)
	require.NoError(t, p.Close(ctx))
}

func TestNewProducerValidation(t *testing.T) {
	cfg := testConfig()
	text := producerDesc(t, cfg, core.ChannelText)

	_, err := core.NewProducer(nil, nil)
	assert.ErrorIs(t, err, core.ErrNoClient)

	codec, err := core.NewProtoCodec(&structpb.Struct{})
	require.NoError(t, err)
	var cerr *config.Error
	_, err = core.NewProducer(memory.New(), []core.Binding{{Descriptor: text, Codec: codec}})
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "codec", cerr.Field)

	_, err = core.NewProducer(memory.New(), []core.Binding{
		{Descriptor: text, Codec: core.TextCodec{}},
		{Descriptor: text, Codec: core.TextCodec{}},
	})
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "channel", cerr.Field)
}
