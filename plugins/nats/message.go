package nats

import (
	"github.com/nats-io/nats.go"

	"github.com/miladsoleymani/chanmux/core"
)

// toMsg converts a dead-letter record to a NATS message on subject.
// Repeated header keys keep every value.
func toMsg(subject string, rec core.OutgoingRecord) *nats.Msg {
	headers := nats.Header{}
	for _, h := range rec.Headers {
		headers.Add(h.Key, string(h.Value))
	}
	if len(rec.Key) > 0 {
		headers.Set(HeaderKey, string(rec.Key))
	}
	return &nats.Msg{
		Subject: subject,
		Data:    rec.Value,
		Header:  headers,
	}
}

// messageID returns the record's message id, used for JetStream
// de-duplication.
func messageID(rec core.OutgoingRecord) string {
	for _, h := range rec.Headers {
		if h.Key == core.HeaderMessageID {
			return string(h.Value)
		}
	}
	return ""
}
