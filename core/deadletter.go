package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
)

// Dead-letter headers added to the envelope record.
const (
	HeaderDeadLetterChannel = "x-dead-letter-channel"
	HeaderDeadLetterStage   = "x-dead-letter-stage"
)

// DeadLetterEnvelope is the JSON body of a dead-lettered record.
type DeadLetterEnvelope struct {
	MessageID string            `json:"message_id,omitempty"`
	Channel   string            `json:"channel"`
	Topic     string            `json:"topic"`
	Partition int               `json:"partition"`
	Offset    int64             `json:"offset"`
	Key       []byte            `json:"key,omitempty"`
	Value     []byte            `json:"value"`
	Headers   map[string]string `json:"headers,omitempty"`
	Stage     string            `json:"stage"`
	Error     string            `json:"error"`
	Attempt   int               `json:"attempt"`
	FailedAt  time.Time         `json:"failed_at"`
}

// NewDeadLetterEnvelope captures f for the dead-letter topic.
func NewDeadLetterEnvelope(f Failure) DeadLetterEnvelope {
	rec := f.Record
	env := DeadLetterEnvelope{
		Channel:   string(f.Channel),
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Stage:     f.Stage.String(),
		Attempt:   f.Attempt,
		FailedAt:  time.Now().UTC(),
	}
	if f.Err != nil {
		env.Error = f.Err.Error()
	}
	if len(rec.Headers) > 0 {
		env.Headers = make(map[string]string, len(rec.Headers))
		for _, h := range rec.Headers {
			env.Headers[h.Key] = string(h.Value)
		}
	}
	env.MessageID = env.Headers[HeaderMessageID]
	return env
}

// MarshalDeadLetter encodes env with the standard-compatible sonic config.
func MarshalDeadLetter(env DeadLetterEnvelope) ([]byte, error) {
	return sonic.ConfigStd.Marshal(env)
}

// UnmarshalDeadLetter decodes a dead-letter body.
func UnmarshalDeadLetter(data []byte) (DeadLetterEnvelope, error) {
	var env DeadLetterEnvelope
	err := sonic.ConfigStd.Unmarshal(data, &env)
	return env, err
}

// DeadLetter publishes failed records to topic on sink and continues. When
// the sink rejects the record it is redelivered instead, so nothing is lost.
func DeadLetter(sink DeadLetterSink, topic string) FailurePolicy {
	return FailurePolicyFunc(func(ctx context.Context, f Failure) Action {
		body, err := MarshalDeadLetter(NewDeadLetterEnvelope(f))
		if err != nil {
			slog.ErrorContext(ctx, "encode dead letter", "ack", f.Record.AckHandle().String(), "err", err)
			return ActionRedeliver
		}
		rec := OutgoingRecord{
			Key:   f.Record.Key,
			Value: body,
			Headers: []Header{
				{Key: HeaderDeadLetterChannel, Value: []byte(f.Channel)},
				{Key: HeaderDeadLetterStage, Value: []byte(f.Stage.String())},
			},
			Timestamp: time.Now(),
		}
		if err := sink.PublishDeadLetter(ctx, topic, rec); err != nil {
			slog.ErrorContext(ctx, "publish dead letter", "topic", topic, "ack", f.Record.AckHandle().String(), "err", err)
			return ActionRedeliver
		}
		return ActionContinue
	})
}
