package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/samber/lo"
	"github.com/segmentio/kafka-go"

	"github.com/miladsoleymani/chanmux/core"
)

type producer struct {
	client *Client
	writer *kafka.Writer
}

// Send writes recs synchronously. kafka-go does not report the partition
// and offset of sync writes, so they are -1 in the returned metadata.
func (p *producer) Send(ctx context.Context, recs []core.OutgoingRecord) ([]core.RecordMetadata, error) {
	msgs := lo.Map(recs, func(r core.OutgoingRecord, _ int) kafka.Message { return toMessage(r) })
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return nil, classify(fmt.Errorf("chanmux/kafka: write to %q: %w", p.writer.Topic, err))
	}
	return lo.Map(recs, func(r core.OutgoingRecord, _ int) core.RecordMetadata {
		return core.RecordMetadata{Topic: p.writer.Topic, Partition: -1, Offset: -1, Timestamp: r.Timestamp}
	}), nil
}

func (p *producer) Close() error {
	p.client.forgetProducer(p)
	return p.writer.Close()
}

// classify marks err as transient when every cause is worth retrying.
func classify(err error) error {
	if err == nil || core.IsTransient(err) {
		return err
	}
	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		for _, e := range werrs {
			if e != nil && !retriable(e) {
				return err
			}
		}
		return fmt.Errorf("%w: %w", core.ErrTransient, err)
	}
	if retriable(err) {
		return fmt.Errorf("%w: %w", core.ErrTransient, err)
	}
	return err
}

func retriable(err error) bool {
	if core.IsTransient(err) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET)
}
