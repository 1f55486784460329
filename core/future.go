package core

import (
	"context"
	"sync"
)

// Future is the pending result of a publish.
type Future struct {
	once sync.Once
	done chan struct{}
	md   RecordMetadata
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func failedFuture(err error) *Future {
	f := newFuture()
	f.resolve(RecordMetadata{}, err)
	return f
}

func (f *Future) resolve(md RecordMetadata, err error) {
	f.once.Do(func() {
		f.md, f.err = md, err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the publish completes or ctx is done. Giving up on the
// wait does not cancel the publish.
func (f *Future) Wait(ctx context.Context) (RecordMetadata, error) {
	select {
	case <-f.done:
		return f.md, f.err
	case <-ctx.Done():
		return RecordMetadata{}, ctx.Err()
	}
}

// Err blocks until the publish completes and returns its error.
func (f *Future) Err() error {
	<-f.done
	return f.err
}
