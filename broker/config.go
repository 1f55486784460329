package broker

// Config holds broker-agnostic configuration.
// Broker plugins extract the fields they need.
type Config struct {
	// Brokers is a list of broker addresses (e.g., "localhost:9092").
	Brokers []string

	// ClientID identifies this process to the brokers.
	ClientID string

	// URL is the connection string of URL-addressed brokers (NATS, AMQP).
	URL string

	// Extra holds plugin-specific configuration.
	Extra map[string]any
}
