package memory

import (
	"time"

	"github.com/google/uuid"

	"github.com/miladsoleymani/chanmux/core"
)

type group struct {
	b          *Broker
	id         string
	topic      string
	partitions int
	members    []*consumer
	// committed holds the next offset to consume per partition.
	committed map[int]int64
	log       []core.AckHandle
}

func newGroup(b *Broker, id, topic string, partitions int) *group {
	return &group{b: b, id: id, topic: topic, partitions: partitions, committed: make(map[int]int64)}
}

func (g *group) join(desc core.ChannelDescriptor, now time.Time) *consumer {
	m := &consumer{
		id:         uuid.NewString(),
		group:      g,
		b:          g.b,
		maxPoll:    desc.MaxPollInterval,
		maxRecords: desc.MaxPollRecords,
		lastSeen:   now,
		position:   make(map[int]int64),
	}
	g.members = append(g.members, m)
	g.rebalance()
	return m
}

func (g *group) leave(m *consumer) {
	for i, other := range g.members {
		if other == m {
			g.members = append(g.members[:i], g.members[i+1:]...)
			g.rebalance()
			return
		}
	}
}

// rebalance assigns partition i to member i mod n. Members keep their
// position on partitions they already owned; new owners start at the
// committed offset.
func (g *group) rebalance() {
	owned := make([][]int, len(g.members))
	for p := range g.partitions {
		if len(g.members) == 0 {
			break
		}
		i := p % len(g.members)
		owned[i] = append(owned[i], p)
	}
	for i, m := range g.members {
		position := make(map[int]int64, len(owned[i]))
		for _, p := range owned[i] {
			if off, ok := m.position[p]; ok {
				position[p] = off
			} else {
				position[p] = g.committed[p]
			}
		}
		m.assigned, m.position = owned[i], position
	}
}

// sweep evicts members idle for longer than their max poll interval and
// reports whether the group changed.
func (g *group) sweep(now time.Time) bool {
	var evicted bool
	live := g.members[:0]
	for _, m := range g.members {
		idle := now.Sub(m.lastSeen)
		if m.maxPoll > 0 && idle > m.maxPoll {
			m.evicted = &core.RebalanceEviction{GroupID: g.id, Topic: g.topic, Idle: idle}
			m.assigned, m.position = nil, nil
			evicted = true
			continue
		}
		live = append(live, m)
	}
	g.members = live
	if evicted {
		g.rebalance()
	}
	return evicted
}

func (g *group) owns(m *consumer, partition int) bool {
	_, ok := m.position[partition]
	return ok
}

func (g *group) commit(ack core.AckHandle) {
	g.log = append(g.log, ack)
	if next := ack.Offset + 1; next > g.committed[ack.Partition] {
		g.committed[ack.Partition] = next
	}
}
