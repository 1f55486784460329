package core

import "sync"

type partitionKey struct {
	topic     string
	partition int
}

// offsetTracker remembers the highest committed offset per partition so a
// late commit never moves a partition backwards.
type offsetTracker struct {
	mu        sync.Mutex
	committed map[partitionKey]int64
	attempts  map[AckHandle]int
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{
		committed: make(map[partitionKey]int64),
		attempts:  make(map[AckHandle]int),
	}
}

// stale reports whether committing ack would regress its partition.
func (t *offsetTracker) stale(ack AckHandle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	off, ok := t.committed[partitionKey{ack.Topic, ack.Partition}]
	return ok && ack.Offset <= off
}

func (t *offsetTracker) committedAt(ack AckHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := partitionKey{ack.Topic, ack.Partition}
	if off, ok := t.committed[key]; !ok || ack.Offset > off {
		t.committed[key] = ack.Offset
	}
	for a := range t.attempts {
		if a.Topic == ack.Topic && a.Partition == ack.Partition && a.Offset <= ack.Offset {
			delete(t.attempts, a)
		}
	}
}

// attempt counts a delivery of ack and returns the running total.
func (t *offsetTracker) attempt(ack AckHandle) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[ack]++
	return t.attempts[ack]
}

func (t *offsetTracker) forget(ack AckHandle) {
	t.mu.Lock()
	delete(t.attempts, ack)
	t.mu.Unlock()
}

// reset drops the committed offsets, which belong to the previous group
// generation. Attempt counts survive so a rejoin does not reset redelivery.
func (t *offsetTracker) reset() {
	t.mu.Lock()
	clear(t.committed)
	t.mu.Unlock()
}
