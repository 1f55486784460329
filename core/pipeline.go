package core

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/samber/lo"
	"github.com/sethvargo/go-retry"
	"go.uber.org/atomic"
)

type requestKind int

const (
	reqCommit requestKind = iota
	reqHeartbeat
)

// request is a handle operation a lane asks the fetch goroutine to run.
type request struct {
	kind  requestKind
	ack   AckHandle
	reply chan error
}

// laneResult reports how a partition lane ended. retry holds the records
// left uncommitted when the lane stopped early, in offset order.
type laneResult struct {
	retry  []Record
	failed bool
}

// pipeline is one consumer group member: a fetch loop that owns a consumer
// handle and hands per-partition lanes to the dispatch pool.
type pipeline struct {
	rt      *Runtime
	route   *route
	index   int
	logger  *slog.Logger
	state   atomic.Int32
	offsets *offsetTracker

	handle   ConsumerHandle
	evicted  bool
	requests chan request
}

func newPipeline(rt *Runtime, rte *route, index int) *pipeline {
	p := &pipeline{
		rt:       rt,
		route:    rte,
		index:    index,
		offsets:  newOffsetTracker(),
		requests: make(chan request),
		logger: rt.opts.logger.With(
			"channel", string(rte.desc.Name),
			"topic", rte.desc.Topic,
			"group", rte.desc.GroupID,
			"pipeline", index,
		),
	}
	p.state.Store(int32(StateIdle))
	return p
}

func (p *pipeline) State() State { return State(p.state.Load()) }

func (p *pipeline) setState(s State) {
	old := State(p.state.Swap(int32(s)))
	if old != s {
		p.rt.opts.observer.StateChanged(p.route.desc.Name, p.index, old, s)
	}
}

// subscribe joins the group, retrying with backoff until ctx is done.
func (p *pipeline) subscribe(ctx context.Context) error {
	b := retry.NewExponential(p.rt.opts.rejoinBackoff)
	b = retry.WithCappedDuration(maxRejoinBackoff, b)
	return retry.Do(ctx, b, func(ctx context.Context) error {
		h, err := p.rt.client.Subscribe(ctx, p.route.desc)
		if err != nil {
			p.logger.Warn("subscribe failed", "err", err)
			return retry.RetryableError(err)
		}
		p.handle, p.evicted = h, false
		p.offsets.reset()
		return nil
	})
}

// dropHandle abandons the current group membership after an eviction.
func (p *pipeline) dropHandle() {
	p.setState(StateIdle)
	if p.handle != nil {
		if err := p.handle.Close(); err != nil {
			p.logger.Debug("close evicted handle", "err", err)
		}
	}
	p.handle = nil
}

// run is the fetch loop. It returns when pollCtx is done or shutdown is
// forced. The handle is left open for the runtime to close.
//
// Records a lane did not commit are redelivered in-process before the next
// poll: the handle already sits past them, and they stay owned by this
// member until it is evicted.
func (p *pipeline) run(pollCtx context.Context) {
	var pending []Record
	for pollCtx.Err() == nil {
		if p.handle == nil {
			pending = nil
			if err := p.subscribe(pollCtx); err != nil {
				return
			}
			p.logger.Info("rejoined consumer group")
		}

		var (
			recs []Record
			err  error
		)
		p.setState(StatePolling)
		if len(pending) > 0 {
			recs, pending = pending, nil
			err = p.handle.Heartbeat(p.rt.baseCtx)
			if err != nil && !IsEviction(err) {
				p.logger.Warn("heartbeat before redelivery failed", "err", err)
				err = nil
			}
		} else {
			recs, err = p.handle.Poll(pollCtx, p.route.desc.PollTimeout)
			if err == nil {
				p.rt.opts.observer.Polled(p.route.desc.Name, len(recs))
			}
		}
		if err != nil {
			switch {
			case IsEviction(err):
				p.logger.Warn("evicted from consumer group", "err", err)
				p.rt.opts.observer.Evicted(p.route.desc.Name)
				p.dropHandle()
			case pollCtx.Err() != nil:
				return
			default:
				p.logger.Error("poll failed", "err", err)
				if !sleepCtx(pollCtx, p.rt.opts.rejoinBackoff) {
					return
				}
			}
			continue
		}
		if len(recs) == 0 {
			continue
		}

		p.setState(StateDispatching)
		results, forced := p.dispatch(recs)
		if forced {
			return
		}

		failed := lo.SomeBy(results, func(r laneResult) bool { return r.failed })
		if p.evicted {
			p.rt.opts.observer.Evicted(p.route.desc.Name)
			p.dropHandle()
			continue
		}
		for _, r := range results {
			pending = append(pending, r.retry...)
		}
		if failed {
			p.setState(StateFailed)
		} else {
			p.setState(StateAcked)
		}
	}
}

// dispatch splits recs into per-partition lanes, runs them on the dispatch
// pool and serves their commits until all lanes are done. It reports
// forced when shutdown cut the batch short.
func (p *pipeline) dispatch(recs []Record) ([]laneResult, bool) {
	lanes := lo.GroupBy(recs, func(r Record) int { return r.Partition })
	partitions := lo.Keys(lanes)
	slices.Sort(partitions)
	for _, part := range partitions {
		slices.SortFunc(lanes[part], func(a, b Record) int { return cmp.Compare(a.Offset, b.Offset) })
	}

	laneCtx, cancel := context.WithCancel(p.rt.baseCtx)
	defer cancel()

	done := make(chan laneResult, len(partitions))
	results := make([]laneResult, 0, len(partitions))
	running := 0
	for len(partitions) > 0 || running > 0 {
		var (
			submit chan<- func()
			task   func()
		)
		if len(partitions) > 0 {
			lane := lanes[partitions[0]]
			submit = p.rt.dispatch.tasks
			task = func() { done <- p.runLane(laneCtx, lane) }
		}

		select {
		case submit <- task:
			partitions = partitions[1:]
			running++
		case req := <-p.requests:
			req.reply <- p.serve(req)
		case res := <-done:
			running--
			results = append(results, res)
		case <-p.rt.force:
			return nil, true
		}
	}
	return results, false
}

// serve runs a lane request on the handle. Only the fetch goroutine calls it.
func (p *pipeline) serve(req request) error {
	if p.evicted {
		return &CommitError{Ack: req.ack, Err: &RebalanceEviction{GroupID: p.route.desc.GroupID, Topic: p.route.desc.Topic}}
	}
	switch req.kind {
	case reqHeartbeat:
		err := p.handle.Heartbeat(p.rt.baseCtx)
		if IsEviction(err) {
			p.evicted = true
		}
		return err
	default:
		if p.offsets.stale(req.ack) {
			return nil
		}
		err := p.handle.Commit(p.rt.baseCtx, req.ack)
		p.rt.opts.observer.Committed(p.route.desc.Name, err)
		if err != nil {
			if IsEviction(err) {
				p.evicted = true
			}
			return err
		}
		p.offsets.committedAt(req.ack)
		return nil
	}
}

// call sends a request to the fetch goroutine and waits for its reply.
func (p *pipeline) call(kind requestKind, ack AckHandle) error {
	req := request{kind: kind, ack: ack, reply: make(chan error, 1)}
	select {
	case p.requests <- req:
	case <-p.rt.force:
		return ErrStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-p.rt.force:
		return ErrStopped
	}
}

// runLane handles the records of one partition in offset order, committing
// each one before the next is handled.
func (p *pipeline) runLane(ctx context.Context, recs []Record) laneResult {
	desc := p.route.desc
	var failed bool
	for i, rec := range recs {
		ack := rec.AckHandle()
		if ctx.Err() != nil {
			return laneResult{retry: recs[i:], failed: true}
		}
		attempt := p.offsets.attempt(ack)

		stage := StageDecode
		payload, err := decodeRecord(p.route.codec, rec)
		if err == nil {
			stage = StageHandler
			err = p.invoke(ctx, rec, payload)
		}
		if err != nil {
			if ctx.Err() != nil {
				return laneResult{retry: recs[i:], failed: true}
			}
			p.logger.Error("record failed", "ack", ack.String(), "stage", stage.String(), "attempt", attempt, "err", err)
			action := p.rt.opts.policy.OnFailure(ctx, Failure{
				Channel: desc.Name,
				Record:  rec,
				Stage:   stage,
				Err:     err,
				Attempt: attempt,
			})
			p.rt.opts.observer.FailureAction(desc.Name, stage, action)
			if action == ActionRedeliver {
				return laneResult{retry: recs[i:], failed: true}
			}
			p.offsets.forget(ack)
			failed = true
			continue
		}

		if err := p.call(reqCommit, ack); err != nil {
			if errors.Is(err, ErrStopped) {
				return laneResult{retry: recs[i:], failed: true}
			}
			// the partition's next owner redelivers from the committed offset
			p.logger.Error("commit failed", "ack", ack.String(), "err", err)
			return laneResult{failed: true}
		}
	}
	return laneResult{failed: failed}
}

// invoke runs the handler chain. Panics become handler errors.
func (p *pipeline) invoke(ctx context.Context, rec Record, payload any) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("chanmux: handler panic: %v", r)
		}
		p.rt.opts.observer.Handled(p.route.desc.Name, time.Since(start), err)
	}()
	c := NewContext(ctx, p.route.desc.Name, rec, payload, func() error {
		return p.call(reqHeartbeat, rec.AckHandle())
	})
	return p.route.chain(c)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
