package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/miladsoleymani/chanmux/core"
)

// consumer is one consumer group member backed by a kafka.Reader.
type consumer struct {
	client *Client
	desc   core.ChannelDescriptor
	cfg    kafka.ReaderConfig

	mu       sync.Mutex
	reader   *kafka.Reader
	lastSeen time.Time
	liveness *time.Timer
	evicted  *core.RebalanceEviction
	reopen   bool
	closed   bool
}

var _ core.ConsumerHandle = (*consumer)(nil)

func newConsumer(c *Client, desc core.ChannelDescriptor, cfg kafka.ReaderConfig) *consumer {
	cons := &consumer{
		client:   c,
		desc:     desc,
		cfg:      cfg,
		reader:   kafka.NewReader(cfg),
		lastSeen: time.Now(),
	}
	if desc.MaxPollInterval > 0 {
		cons.liveness = time.AfterFunc(desc.MaxPollInterval, cons.evict)
	}
	return cons
}

// evict leaves the group once the max poll interval passed without a poll,
// commit or heartbeat.
func (c *consumer) evict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.evicted != nil {
		return
	}
	c.evicted = &core.RebalanceEviction{GroupID: c.desc.GroupID, Topic: c.desc.Topic, Idle: time.Since(c.lastSeen)}
	c.client.opts.logger.Warn("max poll interval exceeded, leaving group",
		"topic", c.desc.Topic, "group", c.desc.GroupID, "idle", c.evicted.Idle)
	if err := c.reader.Close(); err != nil {
		c.client.opts.logger.Debug("close reader", "err", err)
	}
}

// touch restarts the liveness window. The caller holds c.mu.
func (c *consumer) touch() {
	c.lastSeen = time.Now()
	if c.liveness != nil {
		c.liveness.Reset(c.desc.MaxPollInterval)
	}
}

// acquire returns the current reader after the liveness checks, reopening
// it when a seek asked for it.
func (c *consumer) acquire() (*kafka.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return nil, core.ErrClientClosed
	case c.evicted != nil:
		return nil, c.evicted
	}
	if c.reopen {
		if err := c.reader.Close(); err != nil {
			c.client.opts.logger.Debug("close reader before seek", "err", err)
		}
		c.reader = kafka.NewReader(c.cfg)
		c.reopen = false
	}
	c.touch()
	return c.reader, nil
}

func (c *consumer) Poll(ctx context.Context, timeout time.Duration) ([]core.Record, error) {
	r, err := c.acquire()
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, timeout)
	first, err := r.FetchMessage(pctx)
	cancel()
	if err != nil {
		c.mu.Lock()
		evicted := c.evicted
		c.mu.Unlock()
		switch {
		case evicted != nil:
			return nil, evicted
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, nil
		default:
			return nil, err
		}
	}

	recs := []core.Record{toRecord(first)}
	for len(recs) < c.desc.MaxPollRecords {
		dctx, cancel := context.WithTimeout(ctx, c.client.opts.drainWait)
		m, err := r.FetchMessage(dctx)
		cancel()
		if err != nil {
			break
		}
		recs = append(recs, toRecord(m))
	}

	c.mu.Lock()
	c.touch()
	c.mu.Unlock()
	return recs, nil
}

func (c *consumer) Commit(ctx context.Context, ack core.AckHandle) error {
	r, err := c.acquire()
	if err != nil {
		return &core.CommitError{Ack: ack, Err: err}
	}
	msg := kafka.Message{Topic: ack.Topic, Partition: ack.Partition, Offset: ack.Offset}
	if err := r.CommitMessages(ctx, msg); err != nil {
		return &core.CommitError{Ack: ack, Err: err}
	}
	return nil
}

func (c *consumer) Heartbeat(context.Context) error {
	_, err := c.acquire()
	return err
}

// Seek rewinds by rejoining the group: kafka-go does not allow explicit
// offsets on group readers, so the next poll resumes every owned partition
// at its committed offset, which is never past ack.
func (c *consumer) Seek(_ context.Context, ack core.AckHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return core.ErrClientClosed
	case c.evicted != nil:
		return c.evicted
	}
	c.reopen = true
	return nil
}

func (c *consumer) Close() error {
	c.client.forgetConsumer(c)
	return c.shutdown()
}

func (c *consumer) shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.liveness != nil {
		c.liveness.Stop()
	}
	if c.evicted != nil {
		return nil
	}
	return c.reader.Close()
}
