package core

import (
	"context"
	"sync"
)

// pool is a fixed set of workers reading tasks from an unbuffered channel,
// so a send only succeeds when a worker is free.
type pool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

func newPool(size int) *pool {
	p := &pool{tasks: make(chan func())}
	p.wg.Add(size)
	for range size {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// submit blocks until a worker takes task or ctx is done.
func (p *pool) submit(ctx context.Context, task func()) error {
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain stops accepting tasks and waits for the running ones to return.
func (p *pool) drain(ctx context.Context) error {
	p.once.Do(func() { close(p.tasks) })
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
