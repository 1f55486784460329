package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/miladsoleymani/chanmux/core"
)

// HeaderKey carries the original record key.
const HeaderKey = "chanmux-key"

// toPublishing converts a dead-letter record to a persistent AMQP message.
// Repeated header keys keep the last value.
func toPublishing(rec core.OutgoingRecord, persistent bool) amqp.Publishing {
	headers := amqp.Table{}
	var messageID string
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
		if h.Key == core.HeaderMessageID {
			messageID = string(h.Value)
		}
	}
	if len(rec.Key) > 0 {
		headers[HeaderKey] = string(rec.Key)
	}
	mode := amqp.Transient
	if persistent {
		mode = amqp.Persistent
	}
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/json",
		DeliveryMode: mode,
		MessageId:    messageID,
		Timestamp:    rec.Timestamp,
		Body:         rec.Value,
	}
}
