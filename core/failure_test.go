package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/chanmux/core"
	"github.com/miladsoleymani/chanmux/plugins/memory"
)

func failure(stage core.FailureStage, attempt int) core.Failure {
	return core.Failure{
		Channel: core.ChannelText,
		Record: core.Record{
			Key:       []byte("k"),
			Value:     []byte("payload"),
			Topic:     "klass.text",
			Partition: 2,
			Offset:    41,
			Headers:   []core.Header{{Key: core.HeaderMessageID, Value: []byte("01J0000000000000000000000")}},
		},
		Stage:   stage,
		Err:     errors.New("handler said no"),
		Attempt: attempt,
	}
}

func TestRedeliver(t *testing.T) {
	var fallbacks int
	fallback := core.FailurePolicyFunc(func(context.Context, core.Failure) core.Action {
		fallbacks++
		return core.ActionContinue
	})
	policy := core.Redeliver(3, fallback)
	ctx := context.Background()

	assert.Equal(t, core.ActionRedeliver, policy.OnFailure(ctx, failure(core.StageHandler, 1)))
	assert.Equal(t, core.ActionRedeliver, policy.OnFailure(ctx, failure(core.StageHandler, 2)))
	assert.Zero(t, fallbacks)
	assert.Equal(t, core.ActionContinue, policy.OnFailure(ctx, failure(core.StageHandler, 3)))
	assert.Equal(t, 1, fallbacks)

	// decode failures never succeed on redelivery
	assert.Equal(t, core.ActionContinue, policy.OnFailure(ctx, failure(core.StageDecode, 1)))
	assert.Equal(t, 2, fallbacks)
}

func TestDefaultFailurePolicy(t *testing.T) {
	policy := core.DefaultFailurePolicy()
	ctx := context.Background()
	assert.Equal(t, core.ActionRedeliver, policy.OnFailure(ctx, failure(core.StageHandler, 1)))
	assert.Equal(t, core.ActionContinue, policy.OnFailure(ctx, failure(core.StageHandler, 3)))
	assert.Equal(t, core.ActionContinue, policy.OnFailure(ctx, failure(core.StageDecode, 1)))
}

func TestDeadLetter(t *testing.T) {
	b := memory.New(memory.WithPartitions(1))
	policy := core.DeadLetter(b, "klass.dlq")

	f := failure(core.StageHandler, 3)
	require.Equal(t, core.ActionContinue, policy.OnFailure(context.Background(), f))

	recs := b.Records("klass.dlq")
	require.Len(t, recs, 1)
	dl := recs[0]
	assert.Equal(t, []byte("k"), dl.Key)
	ch, _ := dl.Header(core.HeaderDeadLetterChannel)
	assert.Equal(t, "text", ch)
	stage, _ := dl.Header(core.HeaderDeadLetterStage)
	assert.Equal(t, "handler", stage)

	env, err := core.UnmarshalDeadLetter(dl.Value)
	require.NoError(t, err)
	assert.Equal(t, "01J0000000000000000000000", env.MessageID)
	assert.Equal(t, "text", env.Channel)
	assert.Equal(t, "klass.text", env.Topic)
	assert.Equal(t, 2, env.Partition)
	assert.Equal(t, int64(41), env.Offset)
	assert.Equal(t, []byte("payload"), env.Value)
	assert.Equal(t, "handler said no", env.Error)
	assert.Equal(t, 3, env.Attempt)
	assert.False(t, env.FailedAt.IsZero())
}

type brokenSink struct{}

func (brokenSink) PublishDeadLetter(context.Context, string, core.OutgoingRecord) error {
	return errors.New("sink down")
}

func (brokenSink) Close() error { return nil }

func TestDeadLetterRedeliversWhenSinkFails(t *testing.T) {
	policy := core.DeadLetter(brokenSink{}, "klass.dlq")
	assert.Equal(t, core.ActionRedeliver, policy.OnFailure(context.Background(), failure(core.StageHandler, 1)))
}

func TestRuntimeDeadLettersExhaustedRecord(t *testing.T) {
	b := memory.New(memory.WithPartitions(1))
	cfg := testConfig()
	desc := consumerDesc(t, cfg, core.ChannelText)
	appendText(b, desc.Topic, 0, "poison", "ok")

	rt := newRuntime(b, core.WithFailurePolicy(core.Redeliver(2, core.DeadLetter(b, "klass.dlq"))))
	require.NoError(t, rt.Handle(desc, core.TextCodec{}, func(c core.Context) error {
		if c.Payload().(string) == "poison" {
			return errors.New("rejected")
		}
		return nil
	}))
	require.NoError(t, rt.Start(context.Background()))
	defer stopRuntime(t, rt)

	require.Eventually(t, func() bool {
		return committed(b, desc, 0) == 2 && len(b.Records("klass.dlq")) == 1
	}, waitFor, 5*time.Millisecond)

	env, err := core.UnmarshalDeadLetter(b.Records("klass.dlq")[0].Value)
	require.NoError(t, err)
	assert.Equal(t, []byte("poison"), env.Value)
	assert.Equal(t, 2, env.Attempt)
}
