package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"
)

type pendingRecord struct {
	rec    OutgoingRecord
	size   int64
	future *Future
}

// batch is a sealed group of records. A batch with a barrier and no records
// marks a flush point.
type batch struct {
	recs    []*pendingRecord
	barrier chan struct{}
}

// accumulator collects the records of one channel and seals them into
// batches when BatchSize bytes accumulate or Linger elapses, whichever
// comes first. A single sender goroutine sends sealed batches in order.
type accumulator struct {
	binding  Binding
	client   ProducerClient
	buffer   *semaphore.Weighted
	backoff  time.Duration
	logger   *slog.Logger
	observer Observer

	mu        sync.Mutex
	open      []*pendingRecord
	openBytes int64
	epoch     uint64
	timer     *time.Timer
	sealed    []batch
	closed    bool

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func newAccumulator(b Binding, client ProducerClient, backoff time.Duration, logger *slog.Logger, obs Observer) *accumulator {
	ctx, cancel := context.WithCancel(context.Background())
	a := &accumulator{
		binding:  b,
		client:   client,
		buffer:   semaphore.NewWeighted(b.Descriptor.BufferBytes),
		backoff:  backoff,
		logger:   logger.With("channel", string(b.Descriptor.Name), "topic", b.Descriptor.Topic),
		observer: obs,
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	go a.run()
	return a
}

// add reserves buffer space for rec and queues it. It never blocks on a
// full buffer.
func (a *accumulator) add(rec OutgoingRecord) *Future {
	size := rec.size()
	desc := a.binding.Descriptor
	if size > desc.BufferBytes || !a.buffer.TryAcquire(size) {
		return failedFuture(&BufferExhaustedError{Channel: desc.Name, Requested: size, Capacity: desc.BufferBytes})
	}

	p := &pendingRecord{rec: rec, size: size, future: newFuture()}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.buffer.Release(size)
		return failedFuture(ErrClientClosed)
	}
	a.open = append(a.open, p)
	a.openBytes += size
	switch {
	case a.openBytes >= int64(desc.BatchSize) || desc.Linger <= 0:
		a.sealLocked()
	case a.timer == nil:
		epoch := a.epoch
		a.timer = time.AfterFunc(desc.Linger, func() { a.lingerExpired(epoch) })
	}
	return p.future
}

func (a *accumulator) lingerExpired(epoch uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if epoch == a.epoch {
		a.sealLocked()
	}
}

func (a *accumulator) sealLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.epoch++
	if len(a.open) == 0 {
		return
	}
	a.sealed = append(a.sealed, batch{recs: a.open})
	a.open, a.openBytes = nil, 0
	a.signal()
}

func (a *accumulator) signal() {
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// flush seals the open batch and waits until everything queued before the
// call has been sent.
func (a *accumulator) flush(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClientClosed
	}
	a.sealLocked()
	barrier := make(chan struct{})
	a.sealed = append(a.sealed, batch{barrier: barrier})
	a.signal()
	a.mu.Unlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting records, sends what is queued and closes the
// producer client. When ctx ends first, queued records fail with ErrStopped.
func (a *accumulator) close(ctx context.Context) error {
	a.mu.Lock()
	already := a.closed
	if !already {
		a.closed = true
		a.sealLocked()
		close(a.stop)
	}
	a.mu.Unlock()
	if already {
		<-a.done
		return nil
	}

	select {
	case <-a.done:
	case <-ctx.Done():
		a.cancel()
		<-a.done
	}
	a.cancel()
	return a.client.Close()
}

func (a *accumulator) next() (batch, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sealed) == 0 {
		return batch{}, false
	}
	b := a.sealed[0]
	a.sealed = a.sealed[1:]
	return b, true
}

func (a *accumulator) run() {
	defer close(a.done)
	for {
		var stopping bool
		select {
		case <-a.notify:
		case <-a.stop:
			stopping = true
		}
		for {
			b, ok := a.next()
			if !ok {
				break
			}
			if b.barrier != nil {
				close(b.barrier)
				continue
			}
			a.send(b.recs)
		}
		if stopping {
			return
		}
	}
}

func (a *accumulator) send(recs []*pendingRecord) {
	desc := a.binding.Descriptor
	out := make([]OutgoingRecord, len(recs))
	for i, p := range recs {
		out[i] = p.rec
	}

	var (
		mds      []RecordMetadata
		attempts int
	)
	err := a.ctx.Err()
	if err == nil {
		backoff := retry.WithMaxRetries(uint64(max(desc.Retries, 0)), retry.NewExponential(a.backoff))
		err = retry.Do(a.ctx, backoff, func(ctx context.Context) error {
			attempts++
			res, err := a.client.Send(ctx, out)
			if err != nil {
				if IsTransient(err) {
					a.logger.Warn("transient publish failure", "attempt", attempts, "err", err)
					return retry.RetryableError(err)
				}
				return err
			}
			mds = res
			return nil
		})
	}
	if err != nil && a.ctx.Err() != nil {
		err = ErrStopped
	}

	a.observer.Published(desc.Name, len(recs), err)
	if err != nil {
		a.logger.Error("publish failed", "records", len(recs), "attempts", attempts, "err", err)
	}

	for i, p := range recs {
		a.buffer.Release(p.size)
		if err != nil {
			p.future.resolve(RecordMetadata{}, &PublishError{Channel: desc.Name, Topic: desc.Topic, Attempts: attempts, Err: err})
			continue
		}
		md := RecordMetadata{Topic: desc.Topic, Partition: -1, Offset: -1, Timestamp: p.rec.Timestamp}
		if i < len(mds) {
			md = mds[i]
		}
		p.future.resolve(md, nil)
	}
}
