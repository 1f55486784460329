package core

import (
	"context"
	"sync"
)

// Context is the handler context, inspired by echo.Context.
// It wraps one consumed record and its decoded payload.
type Context interface {
	// Context returns the underlying context.Context. It is cancelled when
	// shutdown forces in-flight handlers out.
	Context() context.Context

	// SetContext replaces the underlying context.Context.
	// Useful for middleware that enriches the context with values or deadlines.
	SetContext(ctx context.Context)

	// Record returns a copy of the consumed record.
	Record() Record

	// Channel returns the channel the record was consumed on.
	Channel() ChannelName

	// Topic returns the topic this record was received on.
	Topic() string

	// Key returns the record key, nil for a null key.
	Key() []byte

	// Value returns the raw record body.
	Value() []byte

	// Payload returns the value decoded by the channel codec: a string on
	// the text channel, a proto.Message on the structured channel.
	Payload() any

	// Header returns the first value of a header.
	Header(key string) string

	// Headers returns all record headers.
	Headers() []Header

	// KeepAlive extends the consumer's liveness window. Handlers that may
	// run longer than the max poll interval call it periodically.
	KeepAlive() error

	// Set stores a key-value pair in the context store.
	// Used by middleware to pass data to downstream handlers.
	Set(key string, val any)

	// Get retrieves a value from the context store.
	Get(key string) (any, bool)
}

// HandlerFunc is the function signature for channel handlers.
// A nil error commits the record before the next record of its partition
// is handled.
//
//	rt.Handle(desc, core.TextCodec{}, func(c core.Context) error {
//	    text := c.Payload().(string)
//	    // process text...
//	    return nil
//	})
type HandlerFunc func(c Context) error

// MiddlewareFunc wraps a HandlerFunc to add cross-cutting behavior.
//
//	func MyMiddleware() core.MiddlewareFunc {
//	    return func(next core.HandlerFunc) core.HandlerFunc {
//	        return func(c core.Context) error {
//	            // before
//	            err := next(c)
//	            // after
//	            return err
//	        }
//	    }
//	}
type MiddlewareFunc func(HandlerFunc) HandlerFunc

type recordContext struct {
	ctx       context.Context
	rec       Record
	channel   ChannelName
	payload   any
	keepAlive func() error
	store     map[string]any
	mu        sync.RWMutex
}

// NewContext creates a Context for rec. The runtime calls it for each
// dispatched record; tests use it to drive handlers and middleware directly.
// keepAlive may be nil.
func NewContext(ctx context.Context, ch ChannelName, rec Record, payload any, keepAlive func() error) Context {
	if keepAlive == nil {
		keepAlive = func() error { return nil }
	}
	return &recordContext{
		ctx:       ctx,
		rec:       rec,
		channel:   ch,
		payload:   payload,
		keepAlive: keepAlive,
		store:     make(map[string]any),
	}
}

func (c *recordContext) Context() context.Context { return c.ctx }

func (c *recordContext) SetContext(ctx context.Context) { c.ctx = ctx }

func (c *recordContext) Record() Record { return c.rec }

func (c *recordContext) Channel() ChannelName { return c.channel }

func (c *recordContext) Topic() string { return c.rec.Topic }

func (c *recordContext) Key() []byte { return c.rec.Key }

func (c *recordContext) Value() []byte { return c.rec.Value }

func (c *recordContext) Payload() any { return c.payload }

func (c *recordContext) Header(key string) string {
	v, _ := c.rec.Header(key)
	return v
}

func (c *recordContext) Headers() []Header { return c.rec.Headers }

func (c *recordContext) KeepAlive() error { return c.keepAlive() }

func (c *recordContext) Set(key string, val any) {
	c.mu.Lock()
	c.store[key] = val
	c.mu.Unlock()
}

func (c *recordContext) Get(key string) (any, bool) {
	c.mu.RLock()
	val, ok := c.store[key]
	c.mu.RUnlock()
	return val, ok
}
