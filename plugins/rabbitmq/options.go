package rabbitmq

// Option configures the RabbitMQ dead-letter sink.
type Option func(*options)

type options struct {
	// Exchange settings
	exchange     string
	exchangeType string
	routingKey   string

	// Queue settings
	durable    bool
	autoDelete bool
}

func defaults() options {
	return options{
		exchange:     "",       // default exchange
		exchangeType: "direct", // direct, fanout, topic, headers
		durable:      true,
	}
}

// WithExchange sets the exchange name and type.
func WithExchange(name, kind string) Option {
	return func(o *options) {
		o.exchange = name
		o.exchangeType = kind
	}
}

// WithRoutingKey overrides the routing key. Default: the dead-letter topic.
func WithRoutingKey(key string) Option {
	return func(o *options) { o.routingKey = key }
}

// WithDurable controls whether queues and messages survive broker restart.
func WithDurable(d bool) Option {
	return func(o *options) { o.durable = d }
}

// WithAutoDelete causes the queue to be deleted when the last consumer disconnects.
func WithAutoDelete(d bool) Option {
	return func(o *options) { o.autoDelete = d }
}
