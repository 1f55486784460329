package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/miladsoleymani/chanmux/core"
)

// Sink publishes dead letters to Kafka topics.
type Sink struct {
	writer *kafka.Writer
}

var _ core.DeadLetterSink = (*Sink)(nil)

// NewSink creates a dead-letter sink. The topic is chosen per record.
func NewSink(brokers []string, fns ...Option) (*Sink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("chanmux/kafka: at least one broker address is required")
	}
	opts := defaults()
	for _, fn := range fns {
		fn(&opts)
	}
	return &Sink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
		Transport:              newTransport(opts),
		ErrorLogger:            errorLogger(opts.logger, "dead-letter"),
	}}, nil
}

func (s *Sink) PublishDeadLetter(ctx context.Context, topic string, rec core.OutgoingRecord) error {
	msg := toMessage(rec)
	msg.Topic = topic
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("chanmux/kafka: dead letter to %q: %w", topic, err)
	}
	return nil
}

func (s *Sink) Close() error {
	return s.writer.Close()
}
