package core_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/chanmux/config"
	"github.com/miladsoleymani/chanmux/core"
	"github.com/miladsoleymani/chanmux/plugins/memory"
)

const waitFor = 5 * time.Second

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Kafka.BatchSize = 1
	cfg.Kafka.LingerMs = 0
	cfg.Kafka.MaxPollRecords = 50
	cfg.Kafka.PollTimeoutMs = 20
	cfg.Kafka.ShutdownGraceMs = 1000
	cfg.Kafka.Text = config.Channel{Topic: "klass.text", GroupID: "klass-text"}
	cfg.Kafka.Structured = config.Channel{Topic: "klass.proto", GroupID: "klass-proto"}
	return cfg
}

func consumerDesc(t *testing.T, cfg *config.Config, ch core.ChannelName) core.ChannelDescriptor {
	t.Helper()
	d, err := core.BuildConsumerDescriptor(cfg, ch)
	require.NoError(t, err)
	return d
}

func producerDesc(t *testing.T, cfg *config.Config, ch core.ChannelName) core.ChannelDescriptor {
	t.Helper()
	d, err := core.BuildProducerDescriptor(cfg, ch)
	require.NoError(t, err)
	return d
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bufferLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// recorder is an Observer that counts events.
type recorder struct {
	mu        sync.Mutex
	evictions int
	commits   int
	actions   []core.Action
	published int
	states    []core.State
}

func (r *recorder) StateChanged(_ core.ChannelName, _ int, _, to core.State) {
	r.mu.Lock()
	r.states = append(r.states, to)
	r.mu.Unlock()
}

func (r *recorder) Polled(core.ChannelName, int) {}

func (r *recorder) Handled(core.ChannelName, time.Duration, error) {}

func (r *recorder) Committed(_ core.ChannelName, err error) {
	if err != nil {
		return
	}
	r.mu.Lock()
	r.commits++
	r.mu.Unlock()
}

func (r *recorder) FailureAction(_ core.ChannelName, _ core.FailureStage, a core.Action) {
	r.mu.Lock()
	r.actions = append(r.actions, a)
	r.mu.Unlock()
}

func (r *recorder) Evicted(core.ChannelName) {
	r.mu.Lock()
	r.evictions++
	r.mu.Unlock()
}

func (r *recorder) Published(_ core.ChannelName, n int, err error) {
	if err != nil {
		return
	}
	r.mu.Lock()
	r.published += n
	r.mu.Unlock()
}

func (r *recorder) Evictions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictions
}

func (r *recorder) Actions() []core.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Action(nil), r.actions...)
}

// appendText writes text records straight to a partition of the topic.
func appendText(b *memory.Broker, topic string, partition int, values ...string) {
	for _, v := range values {
		b.Append(topic, partition, core.OutgoingRecord{Value: []byte(v)})
	}
}

func committed(b *memory.Broker, desc core.ChannelDescriptor, partition int) int64 {
	off, _ := b.Committed(desc.GroupID, desc.Topic, partition)
	return off
}

func stopRuntime(t *testing.T, rt *core.Runtime) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, rt.Stop(ctx))
}
