package memory

import (
	"context"
	"slices"
	"time"

	"github.com/miladsoleymani/chanmux/core"
)

// consumer is one group member. It implements core.ConsumerHandle.
type consumer struct {
	id         string
	group      *group
	maxPoll    time.Duration
	maxRecords int
	lastSeen   time.Time
	assigned   []int
	position   map[int]int64
	evicted    *core.RebalanceEviction
	closed     bool
	// next is the first partition the next poll reads from, so a busy
	// partition cannot starve the others.
	next int

	b *Broker
}

var _ core.ConsumerHandle = (*consumer)(nil)

// ID returns the member id assigned on join.
func (c *consumer) ID() string { return c.id }

// Assigned returns the partitions currently owned by the member.
func (c *consumer) Assigned() []int {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return slices.Clone(c.assigned)
}

// check runs the liveness sweep and fails for closed or evicted members.
// The caller holds the broker lock.
func (c *consumer) check(now time.Time) error {
	if c.closed {
		return core.ErrClientClosed
	}
	c.b.sweepLocked(now)
	if c.evicted != nil {
		return c.evicted
	}
	return nil
}

func (c *consumer) Poll(ctx context.Context, timeout time.Duration) ([]core.Record, error) {
	deadline := time.Now().Add(timeout)
	for {
		c.b.mu.Lock()
		now := time.Now()
		if err := c.check(now); err != nil {
			c.b.mu.Unlock()
			return nil, err
		}
		c.lastSeen = now
		recs := c.fetchLocked()
		changed := c.b.changed
		c.b.mu.Unlock()

		if len(recs) > 0 {
			return recs, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		t := time.NewTimer(min(remaining, livenessTick))
		select {
		case <-changed:
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
		t.Stop()
	}
}

func (c *consumer) fetchLocked() []core.Record {
	if len(c.assigned) == 0 {
		return nil
	}
	limit := c.maxRecords
	if limit <= 0 {
		limit = 500
	}
	t := c.b.topics[c.group.topic]
	var out []core.Record
	n := len(c.assigned)
	for i := range n {
		p := c.assigned[(c.next+i)%n]
		log := t.partitions[p]
		for off := c.position[p]; off < int64(len(log)) && len(out) < limit; off++ {
			out = append(out, log[off])
			c.position[p] = off + 1
		}
		if len(out) >= limit {
			break
		}
	}
	c.next = (c.next + 1) % n
	return out
}

func (c *consumer) Commit(_ context.Context, ack core.AckHandle) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	now := time.Now()
	if err := c.check(now); err != nil {
		return &core.CommitError{Ack: ack, Err: err}
	}
	if ack.Topic != c.group.topic || !c.group.owns(c, ack.Partition) {
		return &core.CommitError{Ack: ack, Err: ErrNotAssigned}
	}
	c.lastSeen = now
	c.group.commit(ack)
	c.b.broadcastLocked()
	return nil
}

func (c *consumer) Heartbeat(context.Context) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	now := time.Now()
	if err := c.check(now); err != nil {
		return err
	}
	c.lastSeen = now
	return nil
}

// Seek moves the position of an owned partition. Seeks on other
// partitions are ignored: their new owner starts at the committed offset.
func (c *consumer) Seek(_ context.Context, ack core.AckHandle) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if err := c.check(time.Now()); err != nil {
		return err
	}
	if ack.Topic == c.group.topic && c.group.owns(c, ack.Partition) {
		c.position[ack.Partition] = ack.Offset
	}
	return nil
}

// Close leaves the group, handing the member's partitions to the others.
func (c *consumer) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.evicted == nil {
		c.group.leave(c)
		c.b.broadcastLocked()
	}
	return nil
}
