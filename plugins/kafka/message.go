package kafka

import (
	"github.com/segmentio/kafka-go"

	"github.com/miladsoleymani/chanmux/core"
)

func toMessage(rec core.OutgoingRecord) kafka.Message {
	return kafka.Message{
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: toHeaders(rec.Headers),
		Time:    rec.Timestamp,
	}
}

func toRecord(m kafka.Message) core.Record {
	var headers []core.Header
	if len(m.Headers) > 0 {
		headers = make([]core.Header, len(m.Headers))
		for i, h := range m.Headers {
			headers[i] = core.Header{Key: h.Key, Value: h.Value}
		}
	}
	return core.Record{
		Key:       m.Key,
		Value:     m.Value,
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Headers:   headers,
		Timestamp: m.Time,
	}
}

// toHeaders converts record headers to Kafka headers.
func toHeaders(h []core.Header) []kafka.Header {
	if len(h) == 0 {
		return nil
	}
	headers := make([]kafka.Header, len(h))
	for i, kh := range h {
		headers[i] = kafka.Header{Key: kh.Key, Value: kh.Value}
	}
	return headers
}

func requiredAcks(a core.Acks) kafka.RequiredAcks {
	switch a {
	case core.AcksNone:
		return kafka.RequireNone
	case core.AcksLeader:
		return kafka.RequireOne
	default:
		return kafka.RequireAll
	}
}
