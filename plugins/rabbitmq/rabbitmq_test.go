package rabbitmq

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miladsoleymani/chanmux/broker"
	"github.com/miladsoleymani/chanmux/core"
)

func TestToPublishing(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	p := toPublishing(core.OutgoingRecord{
		Key:   []byte("order-1"),
		Value: []byte(`{"channel":"structured"}`),
		Headers: []core.Header{
			{Key: core.HeaderMessageID, Value: []byte("01HX")},
			{Key: "x-dead-letter-channel", Value: []byte("structured")},
		},
		Timestamp: ts,
	}, true)

	assert.Equal(t, amqp.Persistent, p.DeliveryMode)
	assert.Equal(t, "application/json", p.ContentType)
	assert.Equal(t, "01HX", p.MessageId)
	assert.Equal(t, ts, p.Timestamp)
	assert.Equal(t, []byte(`{"channel":"structured"}`), p.Body)
	assert.Equal(t, "order-1", p.Headers[HeaderKey])
	assert.Equal(t, "structured", p.Headers["x-dead-letter-channel"])
	require.NoError(t, p.Headers.Validate())
}

func TestToPublishingTransient(t *testing.T) {
	p := toPublishing(core.OutgoingRecord{Value: []byte("x")}, false)
	assert.Equal(t, amqp.Transient, p.DeliveryMode)
	assert.Empty(t, p.MessageId)
	_, ok := p.Headers[HeaderKey]
	assert.False(t, ok)
}

func TestRoutingKey(t *testing.T) {
	s := &Sink{opts: defaults()}
	assert.Equal(t, "klass.dlq", s.routingKey("klass.dlq"))

	WithRoutingKey("dead")(&s.opts)
	assert.Equal(t, "dead", s.routingKey("klass.dlq"))
}

func TestOptsFromConfig(t *testing.T) {
	assert.Nil(t, optsFromConfig(broker.Config{}))

	o := defaults()
	for _, fn := range optsFromConfig(broker.Config{Extra: map[string]any{
		"exchange":      "dlx",
		"exchange_type": "topic",
		"routing_key":   "dead.#",
		"durable":       false,
	}}) {
		fn(&o)
	}
	assert.Equal(t, "dlx", o.exchange)
	assert.Equal(t, "topic", o.exchangeType)
	assert.Equal(t, "dead.#", o.routingKey)
	assert.False(t, o.durable)
}

func TestRegisteredSinkRequiresURI(t *testing.T) {
	_, err := broker.CreateSink("rabbitmq", broker.Config{})
	require.Error(t, err)
}
