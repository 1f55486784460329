// Package memory is an in-process broker with partitioned topics and
// consumer groups. Groups assign partitions, track committed offsets and
// evict members that stop polling, like a Kafka group coordinator. It backs
// the tests of this module and local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/miladsoleymani/chanmux/broker"
	"github.com/miladsoleymani/chanmux/core"
)

func init() {
	broker.Register("memory", func(cfg broker.Config) (core.Client, error) {
		return New(optsFromConfig(cfg)...), nil
	})
	broker.RegisterSink("memory", func(cfg broker.Config) (core.DeadLetterSink, error) {
		return New(optsFromConfig(cfg)...), nil
	})
}

// ErrUnavailable is a transient send failure used for fault injection.
var ErrUnavailable = fmt.Errorf("memory: broker unavailable: %w", core.ErrTransient)

// ErrNotAssigned is returned for commits on a partition the member does not own.
var ErrNotAssigned = errors.New("memory: partition not assigned to member")

// livenessTick bounds how long a blocked Poll waits before re-checking
// group liveness.
const livenessTick = 10 * time.Millisecond

// Option configures a Broker.
type Option func(*Broker)

// WithPartitions sets the partition count of topics created from now on.
// Default: 3.
func WithPartitions(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.partitions = n
		}
	}
}

func optsFromConfig(cfg broker.Config) []Option {
	var opts []Option
	switch v := cfg.Extra["partitions"].(type) {
	case int:
		opts = append(opts, WithPartitions(v))
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			opts = append(opts, WithPartitions(n))
		}
	}
	return opts
}

type topic struct {
	partitions [][]core.Record
	rr         int
}

type groupKey struct {
	id    string
	topic string
}

// Broker implements core.Client and core.DeadLetterSink in memory.
//
// Design decisions:
//   - One mutex guards all topics and groups; the changed channel is closed
//     and replaced on every append, commit and rebalance to wake pollers.
//   - Liveness is checked lazily on every operation: members idle for
//     longer than their max poll interval are evicted and their partitions
//     reassigned.
//   - Partitions are assigned round-robin in join order.
type Broker struct {
	mu         sync.Mutex
	partitions int
	topics     map[string]*topic
	groups     map[groupKey]*group
	changed    chan struct{}
	closed     bool

	sendFaults   []error
	sendCalls    int
	SubscribeErr error
}

// New creates an empty Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		partitions: 3,
		topics:     make(map[string]*topic),
		groups:     make(map[groupKey]*group),
		changed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var (
	_ core.Client         = (*Broker)(nil)
	_ core.DeadLetterSink = (*Broker)(nil)
)

// NewProducer returns a producer for desc.Topic.
func (b *Broker) NewProducer(desc core.ChannelDescriptor) (core.ProducerClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, core.ErrClientClosed
	}
	b.topicLocked(desc.Topic)
	return &producer{b: b, topic: desc.Topic}, nil
}

// Subscribe joins desc.GroupID for desc.Topic and rebalances the group.
func (b *Broker) Subscribe(_ context.Context, desc core.ChannelDescriptor) (core.ConsumerHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, core.ErrClientClosed
	}
	if b.SubscribeErr != nil {
		return nil, b.SubscribeErr
	}
	t := b.topicLocked(desc.Topic)
	key := groupKey{id: desc.GroupID, topic: desc.Topic}
	g, ok := b.groups[key]
	if !ok {
		g = newGroup(b, desc.GroupID, desc.Topic, len(t.partitions))
		b.groups[key] = g
	}
	m := g.join(desc, time.Now())
	b.broadcastLocked()
	return m, nil
}

// Close closes every consumer and rejects further operations.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, g := range b.groups {
		for _, m := range g.members {
			m.closed = true
		}
		g.members = nil
	}
	b.broadcastLocked()
	return nil
}

// PublishDeadLetter appends rec to topic.
func (b *Broker) PublishDeadLetter(_ context.Context, topic string, rec core.OutgoingRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.ErrClientClosed
	}
	b.appendLocked(topic, -1, rec)
	return nil
}

// FailSends makes the next len(errs) producer sends fail with errs, in order.
func (b *Broker) FailSends(errs ...error) {
	b.mu.Lock()
	b.sendFaults = append(b.sendFaults, errs...)
	b.mu.Unlock()
}

// SendCalls returns how many times producers called Send.
func (b *Broker) SendCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sendCalls
}

// Append writes rec to a partition of topic as is, bypassing producers and
// codecs. A negative partition selects one by key.
func (b *Broker) Append(topic string, partition int, rec core.OutgoingRecord) core.RecordMetadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(topic, partition, rec)
}

// Records returns every record of topic ordered by partition and offset.
func (b *Broker) Records(topic string) []core.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topic]
	if !ok {
		return nil
	}
	var out []core.Record
	for _, p := range t.partitions {
		out = append(out, p...)
	}
	return out
}

// Committed returns the next offset the group will consume from partition,
// that is the last committed record offset plus one.
func (b *Broker) Committed(groupID, topic string, partition int) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[groupKey{id: groupID, topic: topic}]
	if !ok {
		return 0, false
	}
	off, ok := g.committed[partition]
	return off, ok
}

// Commits returns the group's commit log in commit order.
func (b *Broker) Commits(groupID, topic string) []core.AckHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[groupKey{id: groupID, topic: topic}]
	if !ok {
		return nil
	}
	return slices.Clone(g.log)
}

// Assignment returns the partitions owned by each live member of the group.
func (b *Broker) Assignment(groupID, topic string) map[string][]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked(time.Now())
	out := make(map[string][]int)
	g, ok := b.groups[groupKey{id: groupID, topic: topic}]
	if !ok {
		return out
	}
	for _, m := range g.members {
		out[m.id] = slices.Clone(m.assigned)
	}
	return out
}

func (b *Broker) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{partitions: make([][]core.Record, b.partitions)}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) appendLocked(name string, partition int, rec core.OutgoingRecord) core.RecordMetadata {
	t := b.topicLocked(name)
	if partition < 0 || partition >= len(t.partitions) {
		partition = t.partitionFor(rec.Key)
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	r := core.Record{
		Key:       cloneBytes(rec.Key),
		Value:     cloneBytes(rec.Value),
		Topic:     name,
		Partition: partition,
		Offset:    int64(len(t.partitions[partition])),
		Headers:   slices.Clone(rec.Headers),
		Timestamp: ts,
	}
	t.partitions[partition] = append(t.partitions[partition], r)
	b.broadcastLocked()
	return core.RecordMetadata{Topic: name, Partition: partition, Offset: r.Offset, Timestamp: ts}
}

// partitionFor hashes non-nil keys (FNV-1a) and spreads nil keys round-robin.
func (t *topic) partitionFor(key []byte) int {
	n := len(t.partitions)
	if key == nil {
		p := t.rr % n
		t.rr++
		return p
	}
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(n))
}

func (b *Broker) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// sweepLocked evicts idle members of every group.
func (b *Broker) sweepLocked(now time.Time) {
	for _, g := range b.groups {
		if g.sweep(now) {
			b.broadcastLocked()
		}
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
